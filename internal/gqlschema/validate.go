package gqlschema

import (
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"

	"datagate/internal/gateway"
)

// ValidateQuery enforces the runtime's query guards before execution: the
// configured depth limit and the introspection gate. depthLimit < 0 means
// unlimited.
func ValidateQuery(query string, depthLimit int, allowIntrospection bool) error {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return gateway.BadRequest("cannot parse query: %v", err)
	}

	fragments := map[string]*ast.FragmentDefinition{}
	for _, def := range doc.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok {
			fragments[frag.Name.Value] = frag
		}
	}

	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if !allowIntrospection {
			if err := rejectIntrospection(op.SelectionSet, fragments, map[string]bool{}); err != nil {
				return err
			}
		}
		if depthLimit >= 0 {
			d := selectionDepth(op.SelectionSet, fragments, map[string]bool{})
			if d > depthLimit {
				return gateway.BadRequest("query depth %d exceeds the configured limit of %d", d, depthLimit)
			}
		}
	}
	return nil
}

func rejectIntrospection(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, visiting map[string]bool) error {
	if set == nil {
		return nil
	}
	for _, sel := range set.Selections {
		switch v := sel.(type) {
		case *ast.Field:
			name := v.Name.Value
			if name == "__schema" || name == "__type" {
				return gateway.AuthorizationFailed("introspection is not allowed in this mode")
			}
			if strings.HasPrefix(name, "__") {
				continue
			}
			if err := rejectIntrospection(v.SelectionSet, fragments, visiting); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			name := v.Name.Value
			if visiting[name] {
				continue
			}
			if frag, ok := fragments[name]; ok {
				visiting[name] = true
				err := rejectIntrospection(frag.SelectionSet, fragments, visiting)
				delete(visiting, name)
				if err != nil {
					return err
				}
			}
		case *ast.InlineFragment:
			if err := rejectIntrospection(v.SelectionSet, fragments, visiting); err != nil {
				return err
			}
		}
	}
	return nil
}

// selectionDepth measures field nesting. Fragment spreads contribute their
// own selection depth; a cycle guard keeps malformed documents from looping.
func selectionDepth(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, visiting map[string]bool) int {
	if set == nil {
		return 0
	}
	max := 0
	for _, sel := range set.Selections {
		d := 0
		switch v := sel.(type) {
		case *ast.Field:
			d = 1 + selectionDepth(v.SelectionSet, fragments, visiting)
		case *ast.FragmentSpread:
			name := v.Name.Value
			if visiting[name] {
				continue
			}
			if frag, ok := fragments[name]; ok {
				visiting[name] = true
				d = selectionDepth(frag.SelectionSet, fragments, visiting)
				delete(visiting, name)
			}
		case *ast.InlineFragment:
			d = selectionDepth(v.SelectionSet, fragments, visiting)
		}
		if d > max {
			max = d
		}
	}
	return max
}
