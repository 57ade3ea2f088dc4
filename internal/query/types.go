// Package query turns raw user queries into structured search input:
// intent, target type, code-term expansion, and the final query string
// handed to the retrieval engines.
package query

// Intent is the action the user wants from the query.
type Intent string

const (
	IntentFind    Intent = "find"
	IntentExplain Intent = "explain"
	IntentList    Intent = "list"
	IntentFix     Intent = "fix"
	IntentCompare Intent = "compare"
	IntentUnknown Intent = "unknown"
)

// Target is the kind of artifact the query is about.
type Target string

const (
	TargetFunction Target = "function"
	TargetClass    Target = "class"
	TargetVariable Target = "variable"
	TargetFile     Target = "file"
	TargetError    Target = "error"
	TargetTest     Target = "test"
	TargetConfig   Target = "config"
	TargetAPI      Target = "api"
	TargetDatabase Target = "database"
	TargetAuth     Target = "auth"
	TargetUnknown  Target = "unknown"
)

// ParsedQuery is the structured form of one user query.
type ParsedQuery struct {
	Original   string   `json:"original"`
	Normalized string   `json:"normalized"`
	Keywords   []string `json:"keywords"`
	CodeTerms  []string `json:"code_terms"`
	Intent     Intent   `json:"action_intent"`
	Target     Target   `json:"target_type"`
	Expanded   []string `json:"expanded"`
	// SearchQuery is what the sparse and dense retrievers receive.
	SearchQuery string  `json:"search_query"`
	Confidence  float64 `json:"confidence"`
}
