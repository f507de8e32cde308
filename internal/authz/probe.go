package authz

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"datagate/internal/filter"
)

// ProbeItem evaluates a compiled policy against one fetched row. The planner
// uses this in development mode to tell a row that does not exist apart from
// one the policy hides, so mutations can answer 404 vs 403 precisely.
func ProbeItem(pred filter.Expr, item map[string]any) (bool, error) {
	env := map[string]any{"item": item}
	src := renderProbe(pred, env)

	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile policy probe: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run policy probe: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("policy probe returned %T, want bool", out)
	}
	return b, nil
}

// renderProbe turns the predicate tree into an expr source string. Literals
// travel through env bindings, never through the source text.
func renderProbe(e filter.Expr, env map[string]any) string {
	var sb strings.Builder
	var walk func(filter.Expr)
	walk = func(e filter.Expr) {
		switch v := e.(type) {
		case filter.Field:
			fmt.Fprintf(&sb, "item[%q]", v.Name)
		case filter.Literal:
			name := fmt.Sprintf("p%d", len(env))
			env[name] = v.Value
			sb.WriteString(name)
		case filter.Compare:
			sb.WriteByte('(')
			walk(v.Left)
			sb.WriteString(" " + probeCompareOps[v.Op] + " ")
			walk(v.Right)
			sb.WriteByte(')')
		case filter.Logic:
			sb.WriteByte('(')
			walk(v.Left)
			if v.Op == filter.OpAnd {
				sb.WriteString(" && ")
			} else {
				sb.WriteString(" || ")
			}
			walk(v.Right)
			sb.WriteByte(')')
		case filter.Not:
			sb.WriteString("!(")
			walk(v.Operand)
			sb.WriteByte(')')
		}
	}
	walk(e)
	return sb.String()
}

var probeCompareOps = map[filter.CompareOp]string{
	filter.OpEq: "==",
	filter.OpNe: "!=",
	filter.OpGt: ">",
	filter.OpGe: ">=",
	filter.OpLt: "<",
	filter.OpLe: "<=",
}
