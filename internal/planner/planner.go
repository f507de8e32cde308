// Package planner compiles authorized requests into parameterized SQL with
// JSON projection. A whole selection tree, nested relationships included,
// becomes one statement; the backend assembles the response document.
package planner

import (
	"context"
	"strconv"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
	"datagate/internal/store"
)

// DefaultPageSize applies when the caller does not pass first.
const DefaultPageSize = 100

// OrderSpec is one ordering key.
type OrderSpec struct {
	Field string
	Desc  bool
}

// Nested is a relationship expansion inside a selection.
type Nested struct {
	// Alias is the property name in the output document.
	Alias        string
	Relationship string
	Selection    Selection
	Filter       filter.Expr
	OrderBy      []OrderSpec
	First        int64
	After        string
}

// Selection is the caller's field tree for one entity.
type Selection struct {
	Fields []string
	Nested []Nested
}

// ReadRequest describes a list or single-item read.
type ReadRequest struct {
	Entity    string
	Selection Selection
	Filter    filter.Expr
	OrderBy   []OrderSpec
	First     int64
	After     string
	// ByPK selects exactly one row; the plan shape becomes a JSON object.
	ByPK map[string]any
}

// ShapeKind tells the shaper what the statement's JSON column holds.
type ShapeKind int

const (
	ShapeArray ShapeKind = iota
	ShapeObject
)

// ReadPlan is a ready-to-execute read statement plus everything the shaper
// needs afterwards.
type ReadPlan struct {
	SQL    string
	Params []store.BindParam
	Shape  ShapeKind

	// PageSize is the requested page size; the statement fetches one extra
	// row so the shaper can detect a following page.
	PageSize int64
	OrderBy  []OrderSpec
	Mask     []string

	// Selection is the caller's field tree, kept so the shaper can strip
	// the projection closure down to what was asked for.
	Selection Selection
}

// Planner compiles requests against one config snapshot.
type Planner struct {
	deps        gateway.Dependencies
	provider    *metadata.Provider
	dialect     *store.Dialect
	maxPageSize int64
}

func New(deps gateway.Dependencies, provider *metadata.Provider, dialect *store.Dialect, maxPageSize int64) *Planner {
	if maxPageSize <= 0 {
		maxPageSize = 1000
	}
	return &Planner{deps: deps, provider: provider, dialect: dialect, maxPageSize: maxPageSize}
}

// queryNode is one level of the compiled query tree.
type queryNode struct {
	entity string
	shape  *metadata.TableShape
	object string
	alias  string

	// columns is the projection closure: requested fields plus whatever
	// joins, ordering and cursors need. The shaper strips the extras.
	columns    []string
	predicates []filter.Expr
	orderBy    []OrderSpec
	limit      int64

	children []*childEdge
}

// childEdge attaches a nested node to its parent through a join spec.
type childEdge struct {
	alias     string
	toMany    bool
	join      *metadata.JoinSpec
	linkAlias string
	node      *queryNode
}

// PlanRead compiles a read request into one SQL statement.
func (p *Planner) PlanRead(ctx context.Context, principal authz.Principal, req ReadRequest) (*ReadPlan, error) {
	aliases := &aliasCounter{}
	root, decision, sel, err := p.compileNode(ctx, principal, req.Entity, req.Selection, req.Filter, req.OrderBy, req.First, req.After, aliases)
	if err != nil {
		return nil, err
	}

	plan := &ReadPlan{
		Shape:     ShapeArray,
		PageSize:  root.limit - 1,
		OrderBy:   root.orderBy,
		Mask:      decision.Mask,
		Selection: sel,
	}

	if req.ByPK != nil {
		if err := p.applyPKFilter(root, req.ByPK); err != nil {
			return nil, err
		}
		plan.Shape = ShapeObject
		plan.PageSize = 1
		root.limit = 1
	}

	gen := newGenerator(p.dialect)
	sql, err := gen.rootSQL(root, plan.Shape)
	if err != nil {
		return nil, err
	}
	plan.SQL = sql
	plan.Params = gen.params.Params()
	return plan, nil
}

// compileNode authorizes one entity level and builds its query node. The
// returned selection is the caller's with empty field lists resolved to the
// role's read mask, so a bare read projects what the role may see.
func (p *Planner) compileNode(ctx context.Context, principal authz.Principal, entityName string, sel Selection, flt filter.Expr, orderBy []OrderSpec, first int64, after string, aliases *aliasCounter) (*queryNode, authz.Decision, Selection, error) {
	entity, ok := p.provider.Config().Lookup(entityName)
	if !ok {
		return nil, authz.Decision{}, sel, gateway.EntityNotFound("entity %q is not defined", entityName)
	}
	shape, err := p.provider.DescribeEntity(ctx, entityName)
	if err != nil {
		return nil, authz.Decision{}, sel, err
	}

	for _, f := range sel.Fields {
		if !shape.HasColumn(f) {
			return nil, authz.Decision{}, sel, gateway.BadRequest("entity %q has no field %q", entityName, f)
		}
	}
	for _, f := range filter.Fields(flt) {
		if !shape.HasColumn(f) {
			return nil, authz.Decision{}, sel, gateway.BadRequest("cannot filter %q by unknown field %q", entityName, f)
		}
	}
	for _, o := range orderBy {
		if !shape.HasColumn(o.Field) {
			return nil, authz.Decision{}, sel, gateway.BadRequest("cannot order %q by unknown field %q", entityName, o.Field)
		}
	}

	// Filtering counts as reading a column; ordering does not.
	requested := append(append([]string(nil), sel.Fields...), filter.Fields(flt)...)
	decision := authz.Authorize(principal, entity, shape, "read", requested)
	if !decision.Allowed {
		return nil, decision, sel, gateway.AuthorizationFailed("%s", decision.Reason)
	}
	if len(sel.Fields) == 0 {
		sel.Fields = append([]string(nil), decision.Mask...)
	}

	limit, err := p.pageSize(first)
	if err != nil {
		return nil, decision, sel, err
	}
	order := stableOrder(orderBy, shape.PrimaryKey)

	node := &queryNode{
		entity:  entityName,
		shape:   shape,
		object:  shape.QualifiedName(),
		alias:   aliases.next(),
		orderBy: order,
		limit:   limit + 1,
	}
	if flt != nil {
		node.predicates = append(node.predicates, flt)
	}
	if decision.Predicate != nil {
		node.predicates = append(node.predicates, decision.Predicate)
	}
	if after != "" {
		cursorPred, err := cursorPredicate(after, order)
		if err != nil {
			return nil, decision, sel, err
		}
		node.predicates = append(node.predicates, cursorPred)
	}

	cols := newColumnSet(sel.Fields)
	for _, o := range order {
		cols.add(o.Field)
	}
	for _, k := range shape.PrimaryKey {
		cols.add(k)
	}

	resolved := make([]Nested, len(sel.Nested))
	for i, nested := range sel.Nested {
		rel, ok := entity.Relationships[nested.Relationship]
		if !ok {
			return nil, decision, sel, gateway.BadRequest("entity %q has no relationship %q", entityName, nested.Relationship)
		}
		join, err := p.provider.ResolveJoin(ctx, entityName, nested.Relationship)
		if err != nil {
			return nil, decision, sel, err
		}
		for _, f := range join.SourceFields {
			cols.add(f)
		}

		childFirst := nested.First
		toMany := rel.Cardinality == config.CardinalityMany
		child, _, childSel, err := p.compileNode(ctx, principal, rel.Target.Entity, nested.Selection, nested.Filter, nested.OrderBy, childFirst, nested.After, aliases)
		if err != nil {
			return nil, decision, sel, err
		}
		if !toMany {
			child.limit = 1
		}
		for _, f := range join.TargetFields {
			if !child.shape.HasColumn(f) && join.LinkObject == "" {
				return nil, decision, sel, gateway.BadRequest("relationship %q joins on unknown column %q", nested.Relationship, f)
			}
		}

		resolved[i] = nested
		resolved[i].Selection = childSel

		edge := &childEdge{
			alias:  nested.Alias,
			toMany: toMany,
			join:   join,
			node:   child,
		}
		if join.LinkObject != "" {
			edge.linkAlias = aliases.nextLink()
		}
		node.children = append(node.children, edge)
	}
	sel.Nested = resolved

	node.columns = cols.ordered
	return node, decision, sel, nil
}

// applyPKFilter narrows the root node to one row.
func (p *Planner) applyPKFilter(node *queryNode, pk map[string]any) error {
	if len(pk) != len(node.shape.PrimaryKey) {
		return gateway.BadRequest("primary key needs %d column(s)", len(node.shape.PrimaryKey))
	}
	for _, k := range node.shape.PrimaryKey {
		v, ok := pk[k]
		if !ok {
			return gateway.BadRequest("missing primary key column %q", k)
		}
		node.predicates = append(node.predicates, filter.Compare{
			Op:    filter.OpEq,
			Left:  filter.Field{Name: k},
			Right: filter.Literal{Value: v},
		})
	}
	return nil
}

// pageSize validates and defaults the requested page size.
func (p *Planner) pageSize(first int64) (int64, error) {
	switch {
	case first < 0:
		return 0, gateway.BadRequest("first must be positive, got %d", first)
	case first == 0:
		if DefaultPageSize < p.maxPageSize {
			return DefaultPageSize, nil
		}
		return p.maxPageSize, nil
	case first > p.maxPageSize:
		return 0, gateway.BadRequest("first exceeds the maximum page size of %d", p.maxPageSize)
	default:
		return first, nil
	}
}

// stableOrder appends any primary key columns missing from the requested
// order so keyset pagination has a total order to walk.
func stableOrder(orderBy []OrderSpec, pk []string) []OrderSpec {
	out := append([]OrderSpec(nil), orderBy...)
	for _, k := range pk {
		found := false
		for _, o := range out {
			if o.Field == k {
				found = true
				break
			}
		}
		if !found {
			out = append(out, OrderSpec{Field: k})
		}
	}
	return out
}

type aliasCounter struct{ n int }

func (a *aliasCounter) next() string {
	alias := "t" + strconv.Itoa(a.n)
	a.n++
	return alias
}

func (a *aliasCounter) nextLink() string {
	alias := "l" + strconv.Itoa(a.n)
	a.n++
	return alias
}

// columnSet keeps projection order deterministic while deduplicating.
type columnSet struct {
	seen    map[string]bool
	ordered []string
}

func newColumnSet(initial []string) *columnSet {
	cs := &columnSet{seen: map[string]bool{}}
	for _, c := range initial {
		cs.add(c)
	}
	return cs
}

func (cs *columnSet) add(c string) {
	if !cs.seen[c] {
		cs.seen[c] = true
		cs.ordered = append(cs.ordered, c)
	}
}
