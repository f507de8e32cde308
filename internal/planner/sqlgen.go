package planner

import (
	"strings"

	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
	"datagate/internal/store"
)

// generator lowers a compiled query tree to SQL text. Text is produced in
// strict left-to-right order so positional placeholder dialects see their
// parameters in emission order.
type generator struct {
	dialect *store.Dialect
	params  *store.ParamBuilder
}

func newGenerator(d *store.Dialect) *generator {
	return &generator{dialect: d, params: store.NewParamBuilder(d)}
}

// rootSQL wraps the root node so the statement's single column is one JSON
// document: an array for lists, an object for single-row reads.
func (g *generator) rootSQL(node *queryNode, shape ShapeKind) (string, error) {
	inner, cols, err := g.selectSQL(node, nil, nil)
	if err != nil {
		return "", err
	}
	if shape == ShapeObject {
		return "SELECT " + g.dialect.JSONObjectExpr(inner, cols) + " AS " + g.dialect.QuoteIdent("data"), nil
	}
	return "SELECT " + g.dialect.JSONArrayExpr(inner, cols) + " AS " + g.dialect.QuoteIdent("data"), nil
}

// selectSQL renders one node's inner SELECT. When edge is non-nil the node
// is correlated to parentAlias through the edge's join spec.
func (g *generator) selectSQL(node *queryNode, edge *childEdge, parent *queryNode) (sql string, cols []string, err error) {
	var b strings.Builder
	b.WriteString("SELECT ")

	first := true
	writeCol := func(expr, alias string) {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(expr)
		b.WriteString(" AS ")
		b.WriteString(g.dialect.QuoteIdent(alias))
		cols = append(cols, alias)
	}

	for _, c := range node.columns {
		writeCol(node.alias+"."+g.dialect.QuoteIdent(c), c)
	}
	for _, child := range node.children {
		childSQL, childCols, err := g.selectSQL(child.node, child, node)
		if err != nil {
			return "", nil, err
		}
		var expr string
		if child.toMany {
			expr = g.dialect.JSONArrayExpr(childSQL, childCols)
		} else {
			expr = g.dialect.JSONObjectExpr(childSQL, childCols)
		}
		writeCol(g.dialect.NestedJSONWrap(expr), child.alias)
	}

	b.WriteString(" FROM ")
	b.WriteString(g.dialect.QuoteIdent(node.object))
	b.WriteString(" AS ")
	b.WriteString(node.alias)

	var conds []string
	if edge != nil {
		if edge.join.LinkObject != "" {
			b.WriteString(" INNER JOIN ")
			b.WriteString(g.dialect.QuoteIdent(edge.join.LinkObject))
			b.WriteString(" AS ")
			b.WriteString(edge.linkAlias)
			b.WriteString(" ON ")
			var on []string
			for i, lf := range edge.join.LinkTargetFields {
				on = append(on, edge.linkAlias+"."+g.dialect.QuoteIdent(lf)+" = "+node.alias+"."+g.dialect.QuoteIdent(edge.join.TargetFields[i]))
			}
			b.WriteString(strings.Join(on, " AND "))
			for i, lf := range edge.join.LinkSourceFields {
				conds = append(conds, edge.linkAlias+"."+g.dialect.QuoteIdent(lf)+" = "+parent.alias+"."+g.dialect.QuoteIdent(edge.join.SourceFields[i]))
			}
		} else {
			for i, tf := range edge.join.TargetFields {
				conds = append(conds, node.alias+"."+g.dialect.QuoteIdent(tf)+" = "+parent.alias+"."+g.dialect.QuoteIdent(edge.join.SourceFields[i]))
			}
		}
	}

	for _, pred := range node.predicates {
		c, err := g.lower(pred, node)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, c)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if len(node.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		var keys []string
		for _, o := range node.orderBy {
			dir := " ASC"
			if o.Desc {
				dir = " DESC"
			}
			keys = append(keys, node.alias+"."+g.dialect.QuoteIdent(o.Field)+dir)
		}
		b.WriteString(strings.Join(keys, ", "))
	}

	if node.limit > 0 {
		b.WriteString(" ")
		b.WriteString(g.dialect.LimitClause(node.limit))
	}
	return b.String(), cols, nil
}

// column renders a column reference. Nodes without an alias, as in UPDATE
// and DELETE statements, reference columns bare.
func (g *generator) column(node *queryNode, name string) string {
	q := g.dialect.QuoteIdent(name)
	if node.alias == "" {
		return q
	}
	return node.alias + "." + q
}

// lower renders a predicate tree as SQL over the node's alias, binding every
// literal as an ordinal parameter.
func (g *generator) lower(e filter.Expr, node *queryNode) (string, error) {
	switch v := e.(type) {
	case filter.Compare:
		return g.lowerCompare(v, node)
	case filter.Logic:
		left, err := g.lower(v.Left, node)
		if err != nil {
			return "", err
		}
		right, err := g.lower(v.Right, node)
		if err != nil {
			return "", err
		}
		op := "AND"
		if v.Op == filter.OpOr {
			op = "OR"
		}
		return "(" + left + " " + op + " " + right + ")", nil
	case filter.Not:
		inner, err := g.lower(v.Operand, node)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	default:
		return "", gateway.BadRequest("unsupported filter node")
	}
}

var sqlCompareOps = map[filter.CompareOp]string{
	filter.OpEq: "=",
	filter.OpNe: "<>",
	filter.OpGt: ">",
	filter.OpGe: ">=",
	filter.OpLt: "<",
	filter.OpLe: "<=",
}

func (g *generator) lowerCompare(c filter.Compare, node *queryNode) (string, error) {
	switch c.Op {
	case filter.OpContains, filter.OpStartsWith, filter.OpEndsWith:
		return g.lowerMatch(c, node)
	case filter.OpIn:
		return g.lowerIn(c, node)
	}
	op, ok := sqlCompareOps[c.Op]
	if !ok {
		return "", gateway.BadRequest("unsupported comparison %q", c.Op)
	}

	// Null literals compile to IS [NOT] NULL; other operators against null
	// are meaningless.
	if lit, isLit := c.Right.(filter.Literal); isLit && lit.Value == nil {
		field, isField := c.Left.(filter.Field)
		if !isField {
			return "", gateway.BadRequest("null comparison needs a field operand")
		}
		switch c.Op {
		case filter.OpEq:
			return g.column(node, field.Name) + " IS NULL", nil
		case filter.OpNe:
			return g.column(node, field.Name) + " IS NOT NULL", nil
		default:
			return "", gateway.BadRequest("operator %q cannot compare against null", c.Op)
		}
	}

	left, err := g.operand(c.Left, node)
	if err != nil {
		return "", err
	}
	// Literal SQL types follow the column on the other side of the
	// comparison so drivers coerce instead of the backend.
	right, err := g.operandTyped(c.Right, node, sqlTypeOf(c.Left, node.shape))
	if err != nil {
		return "", err
	}
	return left + " " + op + " " + right, nil
}

// lowerMatch compiles string matching to LIKE. The wildcards sit inside the
// bound pattern, so user input never reaches the SQL text.
func (g *generator) lowerMatch(c filter.Compare, node *queryNode) (string, error) {
	field, ok := c.Left.(filter.Field)
	if !ok {
		return "", gateway.BadRequest("operator %q needs a field operand", c.Op)
	}
	lit, ok := c.Right.(filter.Literal)
	if !ok {
		return "", gateway.BadRequest("operator %q needs a literal operand", c.Op)
	}
	fragment, ok := lit.Value.(string)
	if !ok {
		return "", gateway.BadRequest("operator %q matches against a string", c.Op)
	}
	pattern := g.dialect.EscapeLike(fragment)
	switch c.Op {
	case filter.OpContains:
		pattern = "%" + pattern + "%"
	case filter.OpStartsWith:
		pattern = pattern + "%"
	case filter.OpEndsWith:
		pattern = "%" + pattern
	}
	ph := g.params.Add(pattern, sqlTypeOf(c.Left, node.shape))
	return g.column(node, field.Name) + " LIKE " + ph + g.dialect.LikeEscapeClause, nil
}

// lowerIn compiles membership to IN with one bound parameter per candidate.
// An empty candidate list matches no rows.
func (g *generator) lowerIn(c filter.Compare, node *queryNode) (string, error) {
	left, err := g.operand(c.Left, node)
	if err != nil {
		return "", err
	}
	lit, ok := c.Right.(filter.Literal)
	if !ok {
		return "", gateway.BadRequest("in needs a literal list operand")
	}
	items, ok := lit.Value.([]any)
	if !ok {
		return "", gateway.BadRequest("in takes a list of candidate values")
	}
	if len(items) == 0 {
		return "1 = 0", nil
	}
	sqlType := sqlTypeOf(c.Left, node.shape)
	placeholders := make([]string, len(items))
	for i, item := range items {
		placeholders[i] = g.params.Add(item, sqlType)
	}
	return left + " IN (" + strings.Join(placeholders, ", ") + ")", nil
}

func (g *generator) operand(e filter.Expr, node *queryNode) (string, error) {
	return g.operandTyped(e, node, "")
}

func (g *generator) operandTyped(e filter.Expr, node *queryNode, sqlType string) (string, error) {
	switch v := e.(type) {
	case filter.Field:
		return g.column(node, v.Name), nil
	case filter.Literal:
		return g.params.Add(v.Value, sqlType), nil
	default:
		return "", gateway.BadRequest("unsupported operand")
	}
}

func sqlTypeOf(e filter.Expr, shape *metadata.TableShape) string {
	if f, ok := e.(filter.Field); ok {
		if col := shape.Column(f.Name); col != nil {
			return col.SQLType
		}
	}
	return ""
}
