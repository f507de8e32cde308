package gqlschema

import (
	"sort"
	"strconv"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/spf13/cast"

	"datagate/internal/config"
	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/planner"
)

// firstFieldAST returns the AST node of the field being resolved.
func firstFieldAST(fields []*ast.Field) *ast.Field {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}

// flatten expands fragment spreads and inline fragments into a flat field
// list.
func flatten(set *ast.SelectionSet, fragments map[string]ast.Definition) []*ast.Field {
	if set == nil {
		return nil
	}
	var out []*ast.Field
	for _, sel := range set.Selections {
		switch v := sel.(type) {
		case *ast.Field:
			out = append(out, v)
		case *ast.FragmentSpread:
			if def, ok := fragments[v.Name.Value].(*ast.FragmentDefinition); ok {
				out = append(out, flatten(def.SelectionSet, fragments)...)
			}
		case *ast.InlineFragment:
			out = append(out, flatten(v.SelectionSet, fragments)...)
		}
	}
	return out
}

// findChild locates a named child field, fragments included.
func findChild(field *ast.Field, fragments map[string]ast.Definition, name string) *ast.Field {
	if field == nil {
		return nil
	}
	for _, f := range flatten(field.SelectionSet, fragments) {
		if f.Name.Value == name {
			return f
		}
	}
	return nil
}

// selectionFromField converts a resolved field's selection set into the
// planner's field tree. Scalar leaves become Fields; relationship fields
// recurse into the target entity with their own paging arguments.
func selectionFromField(field *ast.Field, fragments map[string]ast.Definition, vars map[string]any, entity config.Entity, cfg *config.RuntimeConfig) (planner.Selection, error) {
	var sel planner.Selection
	if field == nil {
		return sel, nil
	}
	for _, f := range flatten(field.SelectionSet, fragments) {
		name := f.Name.Value
		if name == "__typename" {
			continue
		}
		rel, ok := entity.Relationships[name]
		if !ok {
			sel.Fields = append(sel.Fields, name)
			continue
		}

		target, ok := cfg.Lookup(rel.Target.Entity)
		if !ok {
			return sel, gateway.BadRequest("relationship %q targets unknown entity %q", name, rel.Target.Entity)
		}
		child, err := selectionFromField(f, fragments, vars, target, cfg)
		if err != nil {
			return sel, err
		}
		nested := planner.Nested{
			Alias:        fieldKey(f),
			Relationship: name,
			Selection:    child,
		}
		for _, arg := range f.Arguments {
			v := astValue(arg.Value, vars)
			switch arg.Name.Value {
			case "first":
				n, err := cast.ToInt64E(v)
				if err != nil {
					return sel, gateway.BadRequest("first must be an integer")
				}
				nested.First = n
			case "after":
				nested.After = cast.ToString(v)
			case "filter":
				m, ok := v.(map[string]any)
				if !ok {
					return sel, gateway.BadRequest("filter must be an object")
				}
				expr, err := filterExpr(m)
				if err != nil {
					return sel, err
				}
				nested.Filter = expr
			case "orderBy":
				m, ok := v.(map[string]any)
				if !ok {
					return sel, gateway.BadRequest("orderBy must be an object")
				}
				nested.OrderBy = orderSpecs(m)
			}
		}
		sel.Nested = append(sel.Nested, nested)
	}
	return sel, nil
}

// fieldKey is the response key the client asked for: the alias when present,
// the field name otherwise.
func fieldKey(f *ast.Field) string {
	if f.Alias != nil {
		return f.Alias.Value
	}
	return f.Name.Value
}

// astValue coerces a literal AST value, resolving variables against the
// operation's variable set.
func astValue(v ast.Value, vars map[string]any) any {
	switch v := v.(type) {
	case *ast.Variable:
		return vars[v.Name.Value]
	case *ast.IntValue:
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil
		}
		return f
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.ListValue:
		out := make([]any, len(v.Values))
		for i, item := range v.Values {
			out[i] = astValue(item, vars)
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = astValue(f.Value, vars)
		}
		return out
	default:
		return nil
	}
}

// filterExpr converts a filter input object into the shared predicate tree.
// Keys are visited in sorted order so the compiled SQL is deterministic.
func filterExpr(input map[string]any) (filter.Expr, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var expr filter.Expr
	for _, key := range keys {
		switch key {
		case "and", "or":
			items, ok := input[key].([]any)
			if !ok {
				return nil, gateway.BadRequest("%s takes a list of filter objects", key)
			}
			var group filter.Expr
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, gateway.BadRequest("%s takes a list of filter objects", key)
				}
				sub, err := filterExpr(m)
				if err != nil {
					return nil, err
				}
				if sub == nil {
					continue
				}
				if group == nil {
					group = sub
				} else if key == "or" {
					group = filter.Logic{Op: filter.OpOr, Left: group, Right: sub}
				} else {
					group = filter.Logic{Op: filter.OpAnd, Left: group, Right: sub}
				}
			}
			expr = filter.And(expr, group)
		case "not":
			m, ok := input[key].(map[string]any)
			if !ok {
				return nil, gateway.BadRequest("not takes a filter object")
			}
			sub, err := filterExpr(m)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				expr = filter.And(expr, filter.Not{Operand: sub})
			}
		default:
			ops, ok := input[key].(map[string]any)
			if !ok {
				return nil, gateway.BadRequest("filter for field %q must be an object of operators", key)
			}
			cond, err := fieldConditions(key, ops)
			if err != nil {
				return nil, err
			}
			expr = filter.And(expr, cond)
		}
	}
	return expr, nil
}

// fieldConditions folds one field's operator map into a conjunction.
func fieldConditions(field string, ops map[string]any) (filter.Expr, error) {
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	var expr filter.Expr
	for _, op := range names {
		value := ops[op]
		if op == "isNull" {
			want, ok := value.(bool)
			if !ok {
				return nil, gateway.BadRequest("isNull takes a boolean")
			}
			cmpOp := filter.OpEq
			if !want {
				cmpOp = filter.OpNe
			}
			expr = filter.And(expr, filter.Compare{
				Op:    cmpOp,
				Left:  filter.Field{Name: field},
				Right: filter.Literal{Value: nil},
			})
			continue
		}
		cmpOp := filter.CompareOp(op)
		switch cmpOp {
		case filter.OpEq, filter.OpNe, filter.OpGt, filter.OpGe, filter.OpLt, filter.OpLe:
		case filter.OpContains, filter.OpStartsWith, filter.OpEndsWith:
			if _, ok := value.(string); !ok {
				return nil, gateway.BadRequest("%s matches against a string", op)
			}
		case filter.OpIn:
			if _, ok := value.([]any); !ok {
				return nil, gateway.BadRequest("in takes a list of candidate values")
			}
		default:
			return nil, gateway.BadRequest("unknown filter operator %q", op)
		}
		expr = filter.And(expr, filter.Compare{
			Op:    cmpOp,
			Left:  filter.Field{Name: field},
			Right: filter.Literal{Value: value},
		})
	}
	return expr, nil
}

// orderSpecs converts an orderBy input object. Keys sort alphabetically so
// the resulting order is stable across requests.
func orderSpecs(input map[string]any) []planner.OrderSpec {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]planner.OrderSpec, 0, len(keys))
	for _, k := range keys {
		// Coerced arguments carry the enum's internal value, literals inside
		// a nested selection carry the enum name. Accept both spellings.
		dir, _ := input[k].(string)
		out = append(out, planner.OrderSpec{Field: k, Desc: strings.EqualFold(dir, "desc")})
	}
	return out
}
