package planner

import (
	"context"
	"strings"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
	"datagate/internal/store"
)

// MutationPlan is a ready-to-execute write statement. KeyColumns and
// SuppliedKeys let the executor recover the affected row's key so the
// response can be re-read through the read path under the same mask.
type MutationPlan struct {
	SQL    string
	Params []store.BindParam

	KeyColumns   []string
	SuppliedKeys map[string]any

	// Probe re-checks row existence by key alone. A zero-row mutation with a
	// matching probe row means a policy filtered the row out, not a 404.
	Probe *ProbePlan

	// Predicate is the compiled database policy, kept so the probe row can be
	// evaluated in-process.
	Predicate filter.Expr
}

// ProbePlan selects the row by primary key without the policy predicate.
type ProbePlan struct {
	SQL     string
	Params  []store.BindParam
	Columns []string
}

// PlanCreate compiles an insert. Values must name writable columns within
// the role's field mask; generated columns cannot be supplied.
func (p *Planner) PlanCreate(ctx context.Context, principal authz.Principal, entityName string, values map[string]any) (*MutationPlan, error) {
	entity, shape, err := p.lookupEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}

	cols, err := orderedColumns(shape, values)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if shape.Column(c).AutoGenerated {
			return nil, gateway.BadRequest("field %q is generated by the database and cannot be supplied", c)
		}
	}

	decision := authz.Authorize(principal, entity, shape, "create", cols)
	if !decision.Allowed {
		return nil, gateway.AuthorizationFailed("%s", decision.Reason)
	}
	// An insert has no prior row, so the policy runs against the incoming
	// values instead of a WHERE clause.
	if decision.Predicate != nil {
		ok, err := authz.ProbeItem(decision.Predicate, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, gateway.AuthorizationFailed("the database policy rejects the supplied values")
		}
	}

	params := store.NewParamBuilder(p.dialect)
	placeholders := make([]string, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = p.dialect.QuoteIdent(c)
		placeholders[i] = params.Add(values[c], shape.Column(c).SQLType)
	}

	sql := "INSERT INTO " + p.dialect.QuoteIdent(shape.QualifiedName()) +
		" (" + strings.Join(quoted, ", ") + ")"
	clause, beforeValues := p.dialect.ReturningClause(shape.PrimaryKey)
	if p.dialect.SupportsReturning && beforeValues {
		sql += " " + clause
	}
	sql += " VALUES (" + strings.Join(placeholders, ", ") + ")"
	if p.dialect.SupportsReturning && !beforeValues {
		sql += " " + clause
	}

	return &MutationPlan{
		SQL:          sql,
		Params:       params.Params(),
		KeyColumns:   shape.PrimaryKey,
		SuppliedKeys: suppliedKeys(shape, values),
	}, nil
}

// PlanUpdate compiles a partial update of one row selected by primary key.
func (p *Planner) PlanUpdate(ctx context.Context, principal authz.Principal, entityName string, pk, values map[string]any) (*MutationPlan, error) {
	entity, shape, err := p.lookupEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if err := validatePK(shape, pk); err != nil {
		return nil, err
	}

	cols, err := orderedColumns(shape, values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, gateway.BadRequest("update requires at least one field")
	}
	for _, c := range cols {
		if shape.IsKeyColumn(c) {
			return nil, gateway.BadRequest("key column %q cannot be updated", c)
		}
		if shape.Column(c).AutoGenerated {
			return nil, gateway.BadRequest("field %q is generated by the database and cannot be updated", c)
		}
	}

	requested := append(append([]string(nil), cols...), shape.PrimaryKey...)
	decision := authz.Authorize(principal, entity, shape, "update", requested)
	if !decision.Allowed {
		return nil, gateway.AuthorizationFailed("%s", decision.Reason)
	}

	gen := newGenerator(p.dialect)
	node := &queryNode{entity: entityName, shape: shape, object: shape.QualifiedName()}

	var sets []string
	for _, c := range cols {
		sets = append(sets, p.dialect.QuoteIdent(c)+" = "+gen.params.Add(values[c], shape.Column(c).SQLType))
	}
	where, err := gen.lower(mutationPredicate(shape, pk, decision.Predicate), node)
	if err != nil {
		return nil, err
	}

	plan := &MutationPlan{
		SQL: "UPDATE " + p.dialect.QuoteIdent(shape.QualifiedName()) +
			" SET " + strings.Join(sets, ", ") + " WHERE " + where,
		Params:       gen.params.Params(),
		KeyColumns:   shape.PrimaryKey,
		SuppliedKeys: pk,
		Predicate:    decision.Predicate,
	}
	plan.Probe = p.probePlan(shape, pk, decision.Predicate)
	return plan, nil
}

// PlanDelete compiles a delete of one row selected by primary key.
func (p *Planner) PlanDelete(ctx context.Context, principal authz.Principal, entityName string, pk map[string]any) (*MutationPlan, error) {
	entity, shape, err := p.lookupEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if err := validatePK(shape, pk); err != nil {
		return nil, err
	}

	decision := authz.Authorize(principal, entity, shape, "delete", shape.PrimaryKey)
	if !decision.Allowed {
		return nil, gateway.AuthorizationFailed("%s", decision.Reason)
	}

	gen := newGenerator(p.dialect)
	node := &queryNode{entity: entityName, shape: shape, object: shape.QualifiedName()}
	where, err := gen.lower(mutationPredicate(shape, pk, decision.Predicate), node)
	if err != nil {
		return nil, err
	}

	plan := &MutationPlan{
		SQL:          "DELETE FROM " + p.dialect.QuoteIdent(shape.QualifiedName()) + " WHERE " + where,
		Params:       gen.params.Params(),
		KeyColumns:   shape.PrimaryKey,
		SuppliedKeys: pk,
		Predicate:    decision.Predicate,
	}
	plan.Probe = p.probePlan(shape, pk, decision.Predicate)
	return plan, nil
}

// PlanUpsert compiles an insert-or-replace keyed by primary key. The caller
// must be permitted both create and update; database policies cannot be
// folded into a single upsert statement and reject the request.
func (p *Planner) PlanUpsert(ctx context.Context, principal authz.Principal, entityName string, pk, values map[string]any) (*MutationPlan, error) {
	entity, shape, err := p.lookupEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if err := validatePK(shape, pk); err != nil {
		return nil, err
	}

	cols, err := orderedColumns(shape, values)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if shape.IsKeyColumn(c) {
			return nil, gateway.BadRequest("key column %q belongs in the URL, not the body", c)
		}
		if shape.Column(c).AutoGenerated {
			return nil, gateway.BadRequest("field %q is generated by the database and cannot be supplied", c)
		}
	}

	requested := append(append([]string(nil), cols...), shape.PrimaryKey...)
	for _, action := range []string{"create", "update"} {
		decision := authz.Authorize(principal, entity, shape, action, requested)
		if !decision.Allowed {
			return nil, gateway.AuthorizationFailed("%s", decision.Reason)
		}
		if decision.Predicate != nil {
			return nil, gateway.BadRequest("upsert is not available on entities with a database policy, use separate create and update requests")
		}
	}

	params := store.NewParamBuilder(p.dialect)
	insertCols := append(append([]string(nil), shape.PrimaryKey...), cols...)
	placeholders := make([]string, len(insertCols))
	for i, c := range insertCols {
		v, ok := pk[c]
		if !ok {
			v = values[c]
		}
		placeholders[i] = params.Add(v, shape.Column(c).SQLType)
	}

	return &MutationPlan{
		SQL:          p.dialect.UpsertStatement(p.dialect, shape.QualifiedName(), insertCols, shape.PrimaryKey, cols, placeholders),
		Params:       params.Params(),
		KeyColumns:   shape.PrimaryKey,
		SuppliedKeys: pk,
	}, nil
}

func (p *Planner) lookupEntity(ctx context.Context, name string) (config.Entity, *metadata.TableShape, error) {
	entity, ok := p.provider.Config().Lookup(name)
	if !ok {
		return entity, nil, gateway.EntityNotFound("entity %q is not defined", name)
	}
	shape, err := p.provider.DescribeEntity(ctx, name)
	if err != nil {
		return entity, nil, err
	}
	return entity, shape, nil
}

// probePlan selects the policy's columns by bare primary key so a zero-row
// mutation can be classified after the fact.
func (p *Planner) probePlan(shape *metadata.TableShape, pk map[string]any, pred filter.Expr) *ProbePlan {
	if pred == nil {
		return nil
	}
	cols := newColumnSet(shape.PrimaryKey)
	for _, f := range filter.Fields(pred) {
		cols.add(f)
	}

	gen := newGenerator(p.dialect)
	node := &queryNode{shape: shape, object: shape.QualifiedName()}
	where, err := gen.lower(mutationPredicate(shape, pk, nil), node)
	if err != nil {
		return nil
	}
	quoted := make([]string, len(cols.ordered))
	for i, c := range cols.ordered {
		quoted[i] = p.dialect.QuoteIdent(c)
	}
	return &ProbePlan{
		SQL:     "SELECT " + strings.Join(quoted, ", ") + " FROM " + p.dialect.QuoteIdent(shape.QualifiedName()) + " WHERE " + where,
		Params:  gen.params.Params(),
		Columns: cols.ordered,
	}
}

// mutationPredicate conjoins the primary key equality with the optional
// policy predicate.
func mutationPredicate(shape *metadata.TableShape, pk map[string]any, policy filter.Expr) filter.Expr {
	var out filter.Expr
	for _, k := range shape.PrimaryKey {
		out = filter.And(out, filter.Compare{
			Op:    filter.OpEq,
			Left:  filter.Field{Name: k},
			Right: filter.Literal{Value: pk[k]},
		})
	}
	return filter.And(out, policy)
}

func validatePK(shape *metadata.TableShape, pk map[string]any) error {
	if len(pk) != len(shape.PrimaryKey) {
		return gateway.BadRequest("primary key needs %d column(s)", len(shape.PrimaryKey))
	}
	for _, k := range shape.PrimaryKey {
		if _, ok := pk[k]; !ok {
			return gateway.BadRequest("missing primary key column %q", k)
		}
	}
	return nil
}

// orderedColumns validates the value map against the shape and returns its
// columns in table order so generated SQL is deterministic.
func orderedColumns(shape *metadata.TableShape, values map[string]any) ([]string, error) {
	for name := range values {
		if !shape.HasColumn(name) {
			return nil, gateway.BadRequest("unknown field %q", name)
		}
	}
	var out []string
	for _, c := range shape.Columns {
		if _, ok := values[c.Name]; ok {
			out = append(out, c.Name)
		}
	}
	return out, nil
}

func suppliedKeys(shape *metadata.TableShape, values map[string]any) map[string]any {
	out := map[string]any{}
	for _, k := range shape.PrimaryKey {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out
}
