package query

import (
	"regexp"
	"sort"
	"strings"
)

// maxExpansionsPerTerm caps how many synonyms one code term contributes.
const maxExpansionsPerTerm = 3

var (
	wordRe       = regexp.MustCompile(`[a-zA-Z0-9_]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// stopWords are dropped from keywords. Code keywords like "func" or
// "type" are deliberately absent: they carry signal in code search.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "do": true, "does": true,
	"for": true, "from": true, "in": true, "into": true, "is": true,
	"it": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "we": true, "what": true, "where": true, "which": true,
	"with": true, "you": true,
}

// intentPatterns maps leading phrases to intents. Matching is
// longest-phrase-first so "list all" wins over "list".
var intentPatterns = map[string]Intent{
	"where is":           IntentFind,
	"where are":          IntentFind,
	"find":               IntentFind,
	"locate":             IntentFind,
	"search for":         IntentFind,
	"show me":            IntentFind,
	"how does":           IntentExplain,
	"how do":             IntentExplain,
	"how is":             IntentExplain,
	"what is":            IntentExplain,
	"what are":           IntentExplain,
	"why does":           IntentExplain,
	"explain":            IntentExplain,
	"describe":           IntentExplain,
	"list all":           IntentList,
	"show all":           IntentList,
	"list":               IntentList,
	"enumerate":          IntentList,
	"fix":                IntentFix,
	"debug":              IntentFix,
	"resolve":            IntentFix,
	"solve":              IntentFix,
	"compare":            IntentCompare,
	"difference between": IntentCompare,
	"versus":             IntentCompare,
	"vs":                 IntentCompare,
}

// targetPatterns maps nouns to target types, longest-noun-first.
var targetPatterns = map[string]Target{
	"function":       TargetFunction,
	"method":         TargetFunction,
	"func":           TargetFunction,
	"class":          TargetClass,
	"struct":         TargetClass,
	"interface":      TargetClass,
	"variable":       TargetVariable,
	"field":          TargetVariable,
	"constant":       TargetVariable,
	"file":           TargetFile,
	"module":         TargetFile,
	"package":        TargetFile,
	"error":          TargetError,
	"exception":      TargetError,
	"panic":          TargetError,
	"bug":            TargetError,
	"test":           TargetTest,
	"spec":           TargetTest,
	"benchmark":      TargetTest,
	"config":         TargetConfig,
	"configuration":  TargetConfig,
	"settings":       TargetConfig,
	"api":            TargetAPI,
	"endpoint":       TargetAPI,
	"route":          TargetAPI,
	"handler":        TargetAPI,
	"database":       TargetDatabase,
	"db":             TargetDatabase,
	"sql":            TargetDatabase,
	"schema":         TargetDatabase,
	"auth":           TargetAuth,
	"authentication": TargetAuth,
	"login":          TargetAuth,
	"password":       TargetAuth,
}

// sorted pattern keys, longest first, computed once.
var (
	intentKeys = sortedKeysByLength(intentPatterns)
	targetKeys = sortedTargetKeysByLength(targetPatterns)
)

func sortedKeysByLength(m map[string]Intent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func sortedTargetKeysByLength(m map[string]Target) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Parse runs the keyword analysis path. It never fails: any input yields
// a usable ParsedQuery.
func Parse(raw string) ParsedQuery {
	normalized := normalize(raw)

	p := ParsedQuery{
		Original:   raw,
		Normalized: normalized,
		Intent:     IntentUnknown,
		Target:     TargetUnknown,
	}
	if normalized == "" {
		p.Confidence = 0.5
		return p
	}

	p.Keywords = extractKeywords(normalized)

	matchedPhrase := ""
	for _, phrase := range intentKeys {
		if containsPhrase(normalized, phrase) {
			p.Intent = intentPatterns[phrase]
			matchedPhrase = phrase
			break
		}
	}
	for _, noun := range targetKeys {
		if containsPhrase(normalized, noun) {
			p.Target = targetPatterns[noun]
			break
		}
	}

	for _, kw := range p.Keywords {
		if isCodeTerm(kw) {
			p.CodeTerms = append(p.CodeTerms, kw)
		}
	}

	p.Expanded = expand(p.Keywords, p.CodeTerms)
	p.SearchQuery = buildSearchQuery(p, matchedPhrase)
	p.Confidence = confidence(p)
	return p
}

func normalize(raw string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(raw), " "))
}

func extractKeywords(normalized string) []string {
	var keywords []string
	for _, word := range wordRe.FindAllString(normalized, -1) {
		if len(word) < 2 || stopWords[word] {
			continue
		}
		keywords = append(keywords, word)
	}
	return keywords
}

// containsPhrase reports a whole-word occurrence of phrase.
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || text[start-1] == ' '
		afterOK := end == len(text) || text[end] == ' '
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

// expand unions keywords with each code term's synonyms, deduplicated in
// insertion order.
func expand(keywords, codeTerms []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(word string) {
		if !seen[word] {
			seen[word] = true
			out = append(out, word)
		}
	}

	for _, kw := range keywords {
		add(kw)
	}
	for _, term := range codeTerms {
		for i, syn := range Synonyms(term) {
			if i >= maxExpansionsPerTerm {
				break
			}
			add(strings.ToLower(syn))
		}
	}
	return out
}

func buildSearchQuery(p ParsedQuery, matchedPhrase string) string {
	switch p.Intent {
	case IntentFind:
		// Strip the leading pattern phrase so "where is the auth
		// handler" searches for "the auth handler".
		if matchedPhrase != "" && strings.HasPrefix(p.Normalized, matchedPhrase) {
			if rest := strings.TrimSpace(p.Normalized[len(matchedPhrase):]); rest != "" {
				return rest
			}
		}
		return p.Normalized
	case IntentExplain:
		return p.Normalized
	default:
		if len(p.Expanded) > 0 {
			return strings.Join(p.Expanded, " ")
		}
		return p.Normalized
	}
}

func confidence(p ParsedQuery) float64 {
	c := 0.5
	if p.Intent != IntentUnknown {
		c += 0.2
	}
	if p.Target != TargetUnknown {
		c += 0.2
	}
	if n := len(p.Keywords); n >= 2 && n <= 6 {
		c += 0.1
	}
	return c
}
