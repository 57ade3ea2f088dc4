package query

// codeSynonyms maps user vocabulary to code vocabulary. The mapping runs
// user → code, never the reverse: a query saying "function" should also
// match func/def/fn, but an identifier query stays literal.
var codeSynonyms = map[string][]string{
	// Function and type terms across languages.
	"function":  {"func", "method", "def"},
	"method":    {"func", "function", "def"},
	"func":      {"function", "method"},
	"class":     {"type", "struct", "interface"},
	"struct":    {"class", "type"},
	"type":      {"class", "struct"},
	"interface": {"trait", "protocol", "contract"},
	"variable":  {"var", "field", "const"},

	// Error handling.
	"error":     {"err", "exception", "failure"},
	"err":       {"error", "exception"},
	"exception": {"error", "panic"},
	"handler":   {"handle", "callback"},
	"retry":     {"backoff", "attempt"},
	"panic":     {"fatal", "crash"},

	// HTTP and network.
	"request":  {"req", "http"},
	"response": {"resp", "reply"},
	"api":      {"endpoint", "handler", "route"},
	"endpoint": {"handler", "route"},
	"server":   {"listener", "serve"},
	"client":   {"conn", "connection"},

	// Configuration.
	"context":  {"ctx"},
	"config":   {"cfg", "settings", "options"},
	"settings": {"config", "options"},
	"options":  {"opts", "config"},

	// Storage.
	"database":   {"db", "store", "storage"},
	"db":         {"database", "store"},
	"storage":    {"store", "persist"},
	"repository": {"repo", "store"},
	"query":      {"search", "select"},
	"insert":     {"add", "create"},
	"update":     {"modify", "edit"},
	"delete":     {"remove", "drop"},

	// Search and indexing domain.
	"search":    {"find", "query", "lookup"},
	"find":      {"search", "lookup"},
	"index":     {"indexer", "indexing"},
	"embedding": {"embed", "vector"},
	"vector":    {"embedding", "dense"},
	"chunk":     {"segment", "block"},
	"token":     {"tokenize", "tokenizer"},
	"parse":     {"parser", "parsing"},

	// Lifecycle verbs.
	"create": {"new", "make", "init"},
	"init":   {"initialize", "setup"},
	"get":    {"fetch", "load", "read"},
	"set":    {"put", "assign", "write"},
	"write":  {"save", "store"},
	"load":   {"read", "fetch"},
	"save":   {"write", "persist"},
	"close":  {"shutdown", "stop"},
	"start":  {"begin", "run", "launch"},
	"run":    {"execute", "start"},

	// Auth.
	"auth":           {"authentication", "login"},
	"authentication": {"auth", "login"},
	"login":          {"auth", "signin"},
	"password":       {"credential", "hash"},

	// Testing.
	"test":   {"testing", "spec"},
	"mock":   {"fake", "stub"},
	"assert": {"expect", "require"},

	// Concurrency.
	"goroutine": {"async", "concurrent"},
	"channel":   {"chan", "pipe"},
	"mutex":     {"lock", "sync"},
	"lock":      {"mutex", "sync"},

	// Files and logging.
	"file":      {"path", "filesystem"},
	"directory": {"dir", "folder"},
	"log":       {"logger", "logging"},
	"debug":     {"trace", "verbose"},

	// Natural language bridges.
	"implementation": {"impl", "implement"},
	"parameter":      {"param", "arg", "argument"},
	"argument":       {"arg", "param"},
	"returns":        {"return", "result"},
}

// synonymTargets is the reverse index: any word that appears as a
// synonym is itself a code-domain term.
var synonymTargets = buildSynonymTargets()

func buildSynonymTargets() map[string]bool {
	targets := make(map[string]bool)
	for _, values := range codeSynonyms {
		for _, v := range values {
			targets[v] = true
		}
	}
	return targets
}

// Synonyms returns the expansion list for a term, or nil.
func Synonyms(term string) []string {
	return codeSynonyms[term]
}

// isCodeTerm reports whether a keyword belongs to the code vocabulary.
func isCodeTerm(word string) bool {
	if _, ok := codeSynonyms[word]; ok {
		return true
	}
	return synonymTargets[word]
}
