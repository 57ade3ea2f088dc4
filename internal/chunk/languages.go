package chunk

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageText is assigned to files with an unrecognized extension.
// Such files are chunked by line windows.
const LanguageText = "text"

// extToLanguage is the fixed extension table. Languages without a
// tree-sitter grammar here still get a proper language tag but fall back
// to line-window chunking.
var extToLanguage = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".jsx":  "jsx",
	".ts":   "typescript",
	".tsx":  "tsx",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".sh":   "shell",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".toml": "toml",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
}

// DetectLanguage maps a file path to its lowercase language tag.
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extToLanguage[ext]; ok {
		return lang
	}
	return LanguageText
}

// grammar bundles a tree-sitter language with the node types that define
// symbols in that grammar.
type grammar struct {
	lang *sitter.Language
	// declTypes are the node types treated as declarations when packing
	// chunks and extracting symbol names.
	declTypes map[string]bool
}

var grammars = map[string]*grammar{
	"go": {
		lang: golang.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration": true,
			"method_declaration":   true,
			"type_declaration":     true,
			"const_declaration":    true,
			"var_declaration":      true,
		},
	},
	"python": {
		lang: python.GetLanguage(),
		declTypes: map[string]bool{
			"function_definition": true,
			"class_definition":    true,
		},
	},
	"javascript": {
		lang: javascript.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration": true,
			"class_declaration":    true,
			"method_definition":    true,
			"lexical_declaration":  true,
			"variable_declaration": true,
		},
	},
	"jsx": {
		lang: javascript.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration": true,
			"class_declaration":    true,
			"method_definition":    true,
			"lexical_declaration":  true,
			"variable_declaration": true,
		},
	},
	"typescript": {
		lang: typescript.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration":   true,
			"class_declaration":      true,
			"method_definition":      true,
			"interface_declaration":  true,
			"type_alias_declaration": true,
			"enum_declaration":       true,
			"lexical_declaration":    true,
			"variable_declaration":   true,
		},
	},
	"tsx": {
		lang: tsx.GetLanguage(),
		declTypes: map[string]bool{
			"function_declaration":   true,
			"class_declaration":      true,
			"method_definition":      true,
			"interface_declaration":  true,
			"type_alias_declaration": true,
			"enum_declaration":       true,
			"lexical_declaration":    true,
			"variable_declaration":   true,
		},
	},
}

// grammarFor returns the tree-sitter grammar for a language tag, if one
// is registered.
func grammarFor(language string) (*grammar, bool) {
	g, ok := grammars[language]
	return g, ok
}
