package planner

import (
	"context"
	"strings"

	"datagate/internal/authz"
	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/store"
)

// Aggregation is one aggregate output column.
type Aggregation struct {
	Fn    string
	Field string
	Alias string
}

// AggregateRequest groups an entity's rows and computes aggregates per group.
type AggregateRequest struct {
	Entity       string
	GroupBy      []string
	Aggregations []Aggregation
	Filter       filter.Expr
}

// AggregatePlan is a ready-to-execute grouping statement. Columns lists the
// result columns in projection order, group keys first.
type AggregatePlan struct {
	SQL     string
	Params  []store.BindParam
	Columns []string
}

var aggregateFns = map[string]string{
	"count": "COUNT",
	"sum":   "SUM",
	"avg":   "AVG",
	"min":   "MIN",
	"max":   "MAX",
}

// PlanAggregate compiles a groupBy request into one statement. Group keys and
// aggregated fields count as read columns for authorization.
func (p *Planner) PlanAggregate(ctx context.Context, principal authz.Principal, req AggregateRequest) (*AggregatePlan, error) {
	entity, shape, err := p.lookupEntity(ctx, req.Entity)
	if err != nil {
		return nil, err
	}
	if len(req.Aggregations) == 0 {
		return nil, gateway.BadRequest("groupBy requires at least one aggregation")
	}

	requested := append([]string(nil), req.GroupBy...)
	for _, g := range req.GroupBy {
		if !shape.HasColumn(g) {
			return nil, gateway.BadRequest("entity %q has no field %q", req.Entity, g)
		}
	}
	for _, a := range req.Aggregations {
		if a.Field != "" {
			if !shape.HasColumn(a.Field) {
				return nil, gateway.BadRequest("entity %q has no field %q", req.Entity, a.Field)
			}
			requested = append(requested, a.Field)
		}
	}
	for _, f := range filter.Fields(req.Filter) {
		if !shape.HasColumn(f) {
			return nil, gateway.BadRequest("cannot filter %q by unknown field %q", req.Entity, f)
		}
		requested = append(requested, f)
	}

	decision := authz.Authorize(principal, entity, shape, "read", requested)
	if !decision.Allowed {
		return nil, gateway.AuthorizationFailed("%s", decision.Reason)
	}

	gen := newGenerator(p.dialect)
	node := &queryNode{entity: req.Entity, shape: shape, object: shape.QualifiedName()}

	var sel []string
	var cols []string
	for _, g := range req.GroupBy {
		sel = append(sel, p.dialect.QuoteIdent(g))
		cols = append(cols, g)
	}
	for _, a := range req.Aggregations {
		expr, err := aggregateExpr(p.dialect, a)
		if err != nil {
			return nil, err
		}
		alias := a.Alias
		if alias == "" {
			alias = a.Fn
		}
		sel = append(sel, expr+" AS "+p.dialect.QuoteIdent(alias))
		cols = append(cols, alias)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(sel, ", "))
	b.WriteString(" FROM ")
	b.WriteString(p.dialect.QuoteIdent(shape.QualifiedName()))

	pred := filter.And(req.Filter, decision.Predicate)
	if pred != nil {
		where, err := gen.lower(pred, node)
		if err != nil {
			return nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if len(req.GroupBy) > 0 {
		keys := make([]string, len(req.GroupBy))
		for i, g := range req.GroupBy {
			keys[i] = p.dialect.QuoteIdent(g)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(keys, ", "))
	}

	return &AggregatePlan{SQL: b.String(), Params: gen.params.Params(), Columns: cols}, nil
}

func aggregateExpr(d *store.Dialect, a Aggregation) (string, error) {
	if a.Fn == "countDistinct" {
		if a.Field == "" {
			return "", gateway.BadRequest("countDistinct requires a field")
		}
		return "COUNT(DISTINCT " + d.QuoteIdent(a.Field) + ")", nil
	}
	fn, ok := aggregateFns[a.Fn]
	if !ok {
		return "", gateway.BadRequest("unsupported aggregation %q", a.Fn)
	}
	if a.Field == "" {
		if a.Fn != "count" {
			return "", gateway.BadRequest("%s requires a field", a.Fn)
		}
		return "COUNT(*)", nil
	}
	return fn + "(" + d.QuoteIdent(a.Field) + ")", nil
}
