// Package filter holds the expression tree shared by the policy compiler,
// the REST filter parser and the query planner. The tree is backend-neutral;
// the planner lowers it to parameterized SQL.
package filter

import (
	"fmt"
	"strings"
)

type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"

	// String matching. The right operand is the fragment to match; the
	// planner adds the wildcards when it lowers the node.
	OpContains   CompareOp = "contains"
	OpStartsWith CompareOp = "startsWith"
	OpEndsWith   CompareOp = "endsWith"

	// OpIn tests membership. The right operand is a Literal whose Value is
	// a []any of candidates.
	OpIn CompareOp = "in"
)

type LogicOp string

const (
	OpAnd LogicOp = "and"
	OpOr  LogicOp = "or"
)

// Expr is a node in the predicate tree.
type Expr interface {
	String() string
	isExpr()
}

// Field references a column of the entity being filtered.
type Field struct {
	Name string
}

// Literal is a constant operand. Value is nil for null.
type Literal struct {
	Value any
}

// Compare applies a relational operator to two operands.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

// Logic joins two predicates with and/or.
type Logic struct {
	Op    LogicOp
	Left  Expr
	Right Expr
}

// Not negates a predicate.
type Not struct {
	Operand Expr
}

func (Field) isExpr()   {}
func (Literal) isExpr() {}
func (Compare) isExpr() {}
func (Logic) isExpr()   {}
func (Not) isExpr()     {}

func (f Field) String() string { return f.Name }

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = Literal{Value: item}.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (c Compare) String() string {
	return fmt.Sprintf("(%s %s %s)", c.Left, c.Op, c.Right)
}

func (l Logic) String() string {
	return fmt.Sprintf("(%s %s %s)", l.Left, l.Op, l.Right)
}

func (n Not) String() string {
	return fmt.Sprintf("(not %s)", n.Operand)
}

// And conjoins two predicates, tolerating nil on either side.
func And(a, b Expr) Expr {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return Logic{Op: OpAnd, Left: a, Right: b}
}

// Fields returns the distinct column names referenced by the tree.
func Fields(e Expr) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case Field:
			if !seen[v.Name] {
				seen[v.Name] = true
				out = append(out, v.Name)
			}
		case Compare:
			walk(v.Left)
			walk(v.Right)
		case Logic:
			walk(v.Left)
			walk(v.Right)
		case Not:
			walk(v.Operand)
		}
	}
	if e != nil {
		walk(e)
	}
	return out
}
