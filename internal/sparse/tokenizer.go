package sparse

import (
	"regexp"
	"strings"
	"unicode"
)

// identRegex matches identifier-like runs before code-aware splitting.
var identRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// codeStopWords are terms too common in source code to carry signal.
var codeStopWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"the", "and", "for", "are", "but", "not", "you", "all", "can",
		"had", "her", "was", "one", "our", "out", "has", "what", "with",
		"this", "that", "from", "they", "will", "would", "there", "their",
		"func", "function", "def", "var", "let", "const", "return",
		"import", "package", "class", "public", "private", "static",
		"void", "int", "string", "bool", "true", "false", "nil", "null",
		"none", "self", "new", "type", "struct", "interface", "if",
		"else", "elif", "switch", "case", "default", "break", "continue",
	} {
		codeStopWords[w] = struct{}{}
	}
}

// TokenizeCode splits text with code-aware rules: identifier runs are
// extracted, camelCase and snake_case are split, tokens are lowercased,
// and tokens shorter than two characters are dropped.
func TokenizeCode(text string) []string {
	var tokens []string
	for _, word := range identRegex.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// FilterStopWords drops code stop words from a token list.
func FilterStopWords(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, stop := codeStopWords[strings.ToLower(tok)]; !stop {
			out = append(out, tok)
		}
	}
	return out
}

// splitIdentifier handles snake_case before camelCase.
func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var out []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				out = append(out, splitCamelCase(part)...)
			}
		}
		return out
	}
	return splitCamelCase(token)
}

// splitCamelCase splits camelCase and PascalCase, keeping acronym runs
// together: "parseHTTPRequest" -> ["parse", "HTTP", "Request"].
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}
