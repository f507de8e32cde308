package planner

import (
	"context"
	"strconv"
	"strings"

	"datagate/internal/authz"
	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/store"
)

// CosmosPlan is a ready-to-execute document query. The SQL-API dialect always
// aliases the container as c and binds literals as named @pN parameters.
type CosmosPlan struct {
	SQL       string
	Params    []store.NamedParam
	Container string
	Shape     ShapeKind

	PageSize  int64
	OrderBy   []OrderSpec
	Mask      []string
	Selection Selection
}

// PlanCosmosRead compiles a read against a document container. Relationships
// are embedded documents, so the selection is flat; nested paths read as
// JSON-typed fields.
func (p *Planner) PlanCosmosRead(ctx context.Context, principal authz.Principal, req ReadRequest) (*CosmosPlan, error) {
	entity, shape, err := p.lookupEntity(ctx, req.Entity)
	if err != nil {
		return nil, err
	}
	if len(req.Selection.Nested) > 0 {
		return nil, gateway.BadRequest("document entities embed related data, select it as a field")
	}

	for _, f := range req.Selection.Fields {
		if !shape.HasColumn(f) {
			return nil, gateway.BadRequest("entity %q has no field %q", req.Entity, f)
		}
	}
	for _, f := range filter.Fields(req.Filter) {
		if !shape.HasColumn(f) {
			return nil, gateway.BadRequest("cannot filter %q by unknown field %q", req.Entity, f)
		}
	}
	for _, o := range req.OrderBy {
		if !shape.HasColumn(o.Field) {
			return nil, gateway.BadRequest("cannot order %q by unknown field %q", req.Entity, o.Field)
		}
	}

	requested := append(append([]string(nil), req.Selection.Fields...), filter.Fields(req.Filter)...)
	decision := authz.Authorize(principal, entity, shape, "read", requested)
	if !decision.Allowed {
		return nil, gateway.AuthorizationFailed("%s", decision.Reason)
	}
	selection := req.Selection
	if len(selection.Fields) == 0 {
		selection.Fields = append([]string(nil), decision.Mask...)
	}

	limit, err := p.pageSize(req.First)
	if err != nil {
		return nil, err
	}
	order := stableOrder(req.OrderBy, shape.PrimaryKey)

	pred := filter.And(req.Filter, decision.Predicate)
	if req.After != "" {
		cursorPred, err := cursorPredicate(req.After, order)
		if err != nil {
			return nil, err
		}
		pred = filter.And(pred, cursorPred)
	}

	plan := &CosmosPlan{
		Container: entity.Source.Object,
		Shape:     ShapeArray,
		PageSize:  limit,
		OrderBy:   order,
		Mask:      decision.Mask,
		Selection: selection,
	}
	rows := limit + 1
	if req.ByPK != nil {
		id, ok := req.ByPK["id"]
		if !ok || len(req.ByPK) != 1 {
			return nil, gateway.BadRequest("document entities are keyed by id")
		}
		pred = filter.And(pred, filter.Compare{
			Op:    filter.OpEq,
			Left:  filter.Field{Name: "id"},
			Right: filter.Literal{Value: id},
		})
		plan.Shape = ShapeObject
		plan.PageSize = 1
		rows = 1
	}

	cols := newColumnSet(selection.Fields)
	for _, o := range order {
		cols.add(o.Field)
	}
	for _, k := range shape.PrimaryKey {
		cols.add(k)
	}

	gen := &cosmosGenerator{}
	var b strings.Builder
	b.WriteString("SELECT ")
	sel := make([]string, len(cols.ordered))
	for i, c := range cols.ordered {
		sel[i] = cosmosField(c) + " AS " + c
	}
	b.WriteString(strings.Join(sel, ", "))
	b.WriteString(" FROM c")

	if pred != nil {
		where, err := gen.lower(pred)
		if err != nil {
			return nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	b.WriteString(" ORDER BY ")
	keys := make([]string, len(order))
	for i, o := range order {
		dir := " ASC"
		if o.Desc {
			dir = " DESC"
		}
		keys[i] = cosmosField(o.Field) + dir
	}
	b.WriteString(strings.Join(keys, ", "))

	b.WriteString(" OFFSET 0 LIMIT ")
	b.WriteString(strconv.FormatInt(rows, 10))

	plan.SQL = b.String()
	plan.Params = gen.params
	return plan, nil
}

// cosmosField renders a document path reference. Bracket syntax keeps names
// with reserved words or odd characters valid.
func cosmosField(name string) string {
	return `c["` + strings.ReplaceAll(name, `"`, `\"`) + `"]`
}

type cosmosGenerator struct {
	params []store.NamedParam
}

func (g *cosmosGenerator) bind(v any) string {
	name := "@p" + strconv.Itoa(len(g.params))
	g.params = append(g.params, store.NamedParam{Name: name, Value: v})
	return name
}

func (g *cosmosGenerator) lower(e filter.Expr) (string, error) {
	switch v := e.(type) {
	case filter.Compare:
		return g.lowerCompare(v)
	case filter.Logic:
		left, err := g.lower(v.Left)
		if err != nil {
			return "", err
		}
		right, err := g.lower(v.Right)
		if err != nil {
			return "", err
		}
		op := "AND"
		if v.Op == filter.OpOr {
			op = "OR"
		}
		return "(" + left + " " + op + " " + right + ")", nil
	case filter.Not:
		inner, err := g.lower(v.Operand)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	default:
		return "", gateway.BadRequest("unsupported filter node")
	}
}

var cosmosMatchFns = map[filter.CompareOp]string{
	filter.OpContains:   "CONTAINS",
	filter.OpStartsWith: "STARTSWITH",
	filter.OpEndsWith:   "ENDSWITH",
}

func (g *cosmosGenerator) lowerCompare(c filter.Compare) (string, error) {
	if fn, ok := cosmosMatchFns[c.Op]; ok {
		return g.lowerMatch(fn, c)
	}
	if c.Op == filter.OpIn {
		return g.lowerIn(c)
	}
	op, ok := sqlCompareOps[c.Op]
	if !ok {
		return "", gateway.BadRequest("unsupported comparison %q", c.Op)
	}
	if lit, isLit := c.Right.(filter.Literal); isLit && lit.Value == nil {
		field, isField := c.Left.(filter.Field)
		if !isField {
			return "", gateway.BadRequest("null comparison needs a field operand")
		}
		switch c.Op {
		case filter.OpEq:
			return "IS_NULL(" + cosmosField(field.Name) + ")", nil
		case filter.OpNe:
			return "NOT IS_NULL(" + cosmosField(field.Name) + ")", nil
		default:
			return "", gateway.BadRequest("operator %q cannot compare against null", c.Op)
		}
	}
	left, err := g.operand(c.Left)
	if err != nil {
		return "", err
	}
	right, err := g.operand(c.Right)
	if err != nil {
		return "", err
	}
	return left + " " + op + " " + right, nil
}

// lowerMatch compiles string matching to the backend's text functions.
func (g *cosmosGenerator) lowerMatch(fn string, c filter.Compare) (string, error) {
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
	return fn + "(" + cosmosField(field.Name) + ", " + g.bind(fragment) + ")", nil
}

// lowerIn compiles membership with one named parameter per candidate. An
// empty candidate list matches no documents.
func (g *cosmosGenerator) lowerIn(c filter.Compare) (string, error) {
	left, err := g.operand(c.Left)
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
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = g.bind(item)
	}
	return left + " IN (" + strings.Join(names, ", ") + ")", nil
}

func (g *cosmosGenerator) operand(e filter.Expr) (string, error) {
	switch v := e.(type) {
	case filter.Field:
		return cosmosField(v.Name), nil
	case filter.Literal:
		return g.bind(v.Value), nil
	default:
		return "", gateway.BadRequest("unsupported operand")
	}
}
