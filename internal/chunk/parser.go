package chunk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// declaration is a named definition found in the AST. Declarations drive
// both chunk boundaries and symbol extraction.
type declaration struct {
	name      string
	startByte uint32
	endByte   uint32
}

// parseRoot parses source with the grammar's tree-sitter language.
// The caller must Close the returned tree.
func parseRoot(ctx context.Context, source []byte, g *grammar) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if tree == nil || tree.RootNode() == nil {
		return nil, fmt.Errorf("parse: empty tree")
	}
	return tree, nil
}

// collectDeclarations walks the tree and returns every declaration node,
// nested ones included, in source order.
func collectDeclarations(root *sitter.Node, source []byte, g *grammar) []declaration {
	var decls []declaration
	walk(root, func(n *sitter.Node) {
		if !g.declTypes[n.Type()] {
			return
		}
		name := declarationName(n, source)
		if name == "" {
			return
		}
		decls = append(decls, declaration{
			name:      name,
			startByte: n.StartByte(),
			endByte:   n.EndByte(),
		})
	})
	return decls
}

func walk(n *sitter.Node, fn func(*sitter.Node)) {
	fn(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child != nil {
			walk(child, fn)
		}
	}
}

// nameNodeTypes are the node types that carry an identifier usable as a
// symbol name across the registered grammars.
var nameNodeTypes = map[string]bool{
	"identifier":          true,
	"type_identifier":     true,
	"field_identifier":    true,
	"property_identifier": true,
}

// declarationName extracts the declared name for a declaration node.
// Grouped declarations (Go type/const/var blocks, JS declarator lists)
// name their first member.
func declarationName(n *sitter.Node, source []byte) string {
	switch n.Type() {
	case "type_declaration":
		if spec := firstChildOfType(n, "type_spec"); spec != nil {
			if id := firstChildOfType(spec, "type_identifier"); id != nil {
				return id.Content(source)
			}
		}
	case "const_declaration", "var_declaration":
		if spec := firstChildOfType(n, "const_spec"); spec != nil {
			if id := firstChildOfType(spec, "identifier"); id != nil {
				return id.Content(source)
			}
		}
		if spec := firstChildOfType(n, "var_spec"); spec != nil {
			if id := firstChildOfType(spec, "identifier"); id != nil {
				return id.Content(source)
			}
		}
	case "lexical_declaration", "variable_declaration":
		if decl := firstChildOfType(n, "variable_declarator"); decl != nil {
			if id := firstChildOfType(decl, "identifier"); id != nil {
				return id.Content(source)
			}
		}
		return ""
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && nameNodeTypes[child.Type()] {
			return child.Content(source)
		}
	}
	return ""
}

func firstChildOfType(n *sitter.Node, nodeType string) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && child.Type() == nodeType {
			return child
		}
	}
	return nil
}
