package metadata

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/graphql-go/graphql/language/ast"

	"datagate/internal/config"
	"datagate/internal/gateway"
	"datagate/internal/store"
)

// Provider introspects backing objects lazily, one entity at a time, and
// memoizes the result for the lifetime of a config snapshot. A reload builds
// a fresh Provider, which is what invalidates the cache.
type Provider struct {
	deps gateway.Dependencies
	cfg  *config.RuntimeConfig
	pool *store.Pool

	mu        sync.Mutex
	entries   map[string]*shapeEntry
	schemaDoc *ast.Document

	static map[string]*TableShape
}

type shapeEntry struct {
	once  sync.Once
	shape *TableShape
	err   error
}

func NewProvider(deps gateway.Dependencies, cfg *config.RuntimeConfig, pool *store.Pool) *Provider {
	return &Provider{
		deps:    deps,
		cfg:     cfg,
		pool:    pool,
		entries: make(map[string]*shapeEntry),
	}
}

// NewStaticProvider serves pre-resolved shapes instead of introspecting.
// Tests and offline tooling use it to avoid a live backend.
func NewStaticProvider(deps gateway.Dependencies, cfg *config.RuntimeConfig, shapes map[string]*TableShape) *Provider {
	p := NewProvider(deps, cfg, nil)
	p.static = shapes
	return p
}

// Config returns the snapshot this provider serves.
func (p *Provider) Config() *config.RuntimeConfig { return p.cfg }

// DescribeEntity returns the introspected shape of the entity's backing
// object. Concurrent callers for the same entity share one introspection.
func (p *Provider) DescribeEntity(ctx context.Context, name string) (*TableShape, error) {
	entity, ok := p.cfg.Lookup(name)
	if !ok {
		return nil, gateway.EntityNotFound("entity %q is not defined", name)
	}

	p.mu.Lock()
	entry, ok := p.entries[name]
	if !ok {
		entry = &shapeEntry{}
		p.entries[name] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		entry.shape, entry.err = p.describe(ctx, name, entity)
		if entry.err != nil {
			p.deps.Logger.Error().Err(entry.err).Str("entity", name).Msg("metadata introspection failed")
		} else {
			p.deps.Logger.Debug().
				Str("entity", name).
				Int("columns", len(entry.shape.Columns)).
				Msg("entity shape resolved")
		}
	})
	return entry.shape, entry.err
}

func (p *Provider) describe(ctx context.Context, name string, entity config.Entity) (*TableShape, error) {
	if shape, ok := p.static[name]; ok {
		return shape, nil
	}
	if p.cfg.DataSource.DatabaseType.IsDocument() {
		return p.describeDocument(name, entity)
	}

	schema, object := splitObject(entity.Source.Object, p.cfg.DataSource.DatabaseType)
	shape, err := p.introspect(ctx, schema, object, entity.IsStoredProcedure())
	if err != nil {
		return nil, err
	}

	// Views carry no key constraint, the config supplies one.
	if len(shape.PrimaryKey) == 0 && len(entity.Source.KeyFields) > 0 {
		for _, kf := range entity.Source.KeyFields {
			if !shape.HasColumn(kf) {
				return nil, gateway.InitializationError(
					fmt.Sprintf("entity %q: key-field %q does not exist on %s", name, kf, entity.Source.Object), nil)
			}
		}
		shape.PrimaryKey = append([]string(nil), entity.Source.KeyFields...)
	}
	if len(shape.Columns) == 0 && !entity.IsStoredProcedure() {
		return nil, gateway.InitializationError(
			fmt.Sprintf("entity %q: backing object %s has no columns or does not exist", name, entity.Source.Object), nil)
	}
	if !entity.IsStoredProcedure() && len(shape.PrimaryKey) == 0 {
		return nil, gateway.InitializationError(
			fmt.Sprintf("entity %q: no primary key found for %s and no key-fields configured", name, entity.Source.Object), nil)
	}
	return shape, nil
}

// JoinSpec is a resolved relationship join, ready for the planner.
type JoinSpec struct {
	SourceFields []string
	TargetFields []string

	// LinkObject is set for many-to-many joins through a linking table.
	LinkObject       string
	LinkSourceFields []string
	LinkTargetFields []string
}

// ResolveJoin determines the join columns for a relationship, inferring them
// from foreign keys when the config does not spell them out.
func (p *Provider) ResolveJoin(ctx context.Context, entityName, relName string) (*JoinSpec, error) {
	entity, ok := p.cfg.Lookup(entityName)
	if !ok {
		return nil, gateway.EntityNotFound("entity %q is not defined", entityName)
	}
	rel, ok := entity.Relationships[relName]
	if !ok {
		return nil, gateway.BadRequest("entity %q has no relationship %q", entityName, relName)
	}
	target, ok := p.cfg.Lookup(rel.Target.Entity)
	if !ok {
		return nil, gateway.EntityNotFound("relationship %q targets unknown entity %q", relName, rel.Target.Entity)
	}

	srcShape, err := p.DescribeEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	tgtShape, err := p.DescribeEntity(ctx, rel.Target.Entity)
	if err != nil {
		return nil, err
	}

	if rel.Linking != nil {
		spec := &JoinSpec{
			SourceFields:     rel.SourceFields(),
			TargetFields:     rel.TargetFields(),
			LinkObject:       rel.Linking.Object,
			LinkSourceFields: rel.Linking.SourceFields(),
			LinkTargetFields: rel.Linking.TargetFields(),
		}
		// The entity-side columns default to primary keys.
		if len(spec.SourceFields) == 0 {
			spec.SourceFields = srcShape.PrimaryKey
		}
		if len(spec.TargetFields) == 0 {
			spec.TargetFields = tgtShape.PrimaryKey
		}
		return spec, nil
	}

	if src, tgt := rel.SourceFields(), rel.TargetFields(); len(src) > 0 && len(tgt) > 0 {
		return &JoinSpec{SourceFields: src, TargetFields: tgt}, nil
	}

	return inferJoin(entityName, relName, srcShape, tgtShape, target.Source.Object)
}

// inferJoin finds the single foreign key connecting the two tables, in
// either direction.
func inferJoin(entityName, relName string, src, tgt *TableShape, targetObject string) (*JoinSpec, error) {
	targetBare := bareObject(targetObject)
	sourceBare := src.Object

	var candidates []*JoinSpec
	for _, fk := range src.ForeignKeys {
		if bareObject(fk.RefTable) == targetBare {
			candidates = append(candidates, &JoinSpec{
				SourceFields: fk.Columns,
				TargetFields: fk.RefColumns,
			})
		}
	}
	for _, fk := range tgt.ForeignKeys {
		if bareObject(fk.RefTable) == sourceBare {
			candidates = append(candidates, &JoinSpec{
				SourceFields: fk.RefColumns,
				TargetFields: fk.Columns,
			})
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return nil, gateway.BadRequest(
			"relationship %q on entity %q cannot be resolved: no foreign key connects %s and %s, declare source.fields and target.fields",
			relName, entityName, src.Object, targetBare)
	default:
		return nil, gateway.BadRequest(
			"relationship %q on entity %q is ambiguous: %d candidate foreign keys between %s and %s, declare source.fields and target.fields",
			relName, entityName, len(candidates), src.Object, targetBare)
	}
}

// splitObject separates an optionally schema-qualified object name, applying
// the backend's default schema.
func splitObject(object string, kind config.DatabaseKind) (schema, name string) {
	if i := strings.LastIndex(object, "."); i >= 0 {
		return object[:i], object[i+1:]
	}
	switch kind {
	case config.KindPostgreSQL:
		return "public", object
	case config.KindMSSQL, config.KindDWSQL:
		return "dbo", object
	default:
		// MySQL scopes objects by the connection's current database.
		return "", object
	}
}

func bareObject(object string) string {
	if i := strings.LastIndex(object, "."); i >= 0 {
		return object[i+1:]
	}
	return object
}
