// Package gqlschema synthesizes an executable GraphQL schema from the entity
// catalog. Each entity contributes object, connection and input types plus
// query and mutation fields; resolvers delegate to the shared engine service
// so both API surfaces run through the same planner and authorization.
package gqlschema

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/graphql-go/graphql"

	"datagate/internal/config"
	"datagate/internal/engine"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
)

// Builder synthesizes one schema per config snapshot.
type Builder struct {
	deps gateway.Dependencies
	svc  *engine.Service
}

func NewBuilder(deps gateway.Dependencies, svc *engine.Service) *Builder {
	return &Builder{deps: deps, svc: svc}
}

// Build describes every GraphQL-enabled entity and assembles the schema.
// Entities are visited in sorted order so the emitted SDL is deterministic.
func (b *Builder) Build(ctx context.Context) (graphql.Schema, error) {
	cfg := b.svc.Config()
	sb := &schemaBuild{
		svc:         b.svc,
		cfg:         cfg,
		shapes:      map[string]*metadata.TableShape{},
		objects:     map[string]*graphql.Object{},
		connections: map[string]*graphql.Object{},
		filters:     map[string]*graphql.InputObject{},
		orders:      map[string]*graphql.InputObject{},
		creates:     map[string]*graphql.InputObject{},
		updates:     map[string]*graphql.InputObject{},
		compare:     map[string]*graphql.InputObject{},
	}

	for _, name := range cfg.EntityNames() {
		entity := cfg.Entities[name]
		if !entity.GraphQLEnabled() {
			continue
		}
		shape, err := b.svc.Provider().DescribeEntity(ctx, name)
		if err != nil {
			return graphql.Schema{}, err
		}
		sb.shapes[name] = shape
	}

	document := cfg.DataSource.DatabaseType.IsDocument()
	queries := graphql.Fields{}
	mutations := graphql.Fields{}

	for _, name := range cfg.EntityNames() {
		entity := cfg.Entities[name]
		if _, ok := sb.shapes[name]; !ok {
			continue
		}

		if entity.IsStoredProcedure() {
			if document {
				continue
			}
			field := sb.procField(name, entity)
			if procOperation(entity) == "query" {
				queries["execute"+upperFirst(entity.SingularName(name))] = field
			} else {
				mutations["execute"+upperFirst(entity.SingularName(name))] = field
			}
			continue
		}

		singular := entity.SingularName(name)
		plural := entity.PluralName(name)

		queries[lowerFirst(plural)] = sb.listField(name, entity)
		queries[lowerFirst(singular)+"_by_pk"] = sb.itemField(name, entity)

		if document {
			continue
		}

		queries[lowerFirst(plural)+"GroupBy"] = sb.groupByField(name, entity)

		if actionConfigured(entity, "create") {
			mutations["create"+upperFirst(singular)] = sb.createField(name, entity)
			if cfg.Runtime.GraphQL.MultipleMutations {
				mutations["createMultiple"+upperFirst(plural)] = sb.createManyField(name, entity)
			}
		}
		if actionConfigured(entity, "update") {
			mutations["update"+upperFirst(singular)] = sb.updateField(name, entity)
		}
		if actionConfigured(entity, "delete") {
			mutations["delete"+upperFirst(singular)] = sb.deleteField(name, entity)
		}
	}

	if len(queries) == 0 {
		return graphql.Schema{}, gateway.InitializationError("the GraphQL schema needs at least one query field", nil)
	}
	schemaConfig := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queries}),
	}
	if len(mutations) > 0 {
		schemaConfig.Mutation = graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutations})
	}
	return graphql.NewSchema(schemaConfig)
}

// schemaBuild carries the per-build type caches so entities referencing each
// other resolve to the same type instances.
type schemaBuild struct {
	svc *engine.Service
	cfg *config.RuntimeConfig

	shapes      map[string]*metadata.TableShape
	objects     map[string]*graphql.Object
	connections map[string]*graphql.Object
	filters     map[string]*graphql.InputObject
	orders      map[string]*graphql.InputObject
	creates     map[string]*graphql.InputObject
	updates     map[string]*graphql.InputObject
	compare     map[string]*graphql.InputObject
}

var orderDirection = graphql.NewEnum(graphql.EnumConfig{
	Name: "OrderDirection",
	Values: graphql.EnumValueConfigMap{
		"ASC":  &graphql.EnumValueConfig{Value: "asc"},
		"DESC": &graphql.EnumValueConfig{Value: "desc"},
	},
})

var aggregationFn = graphql.NewEnum(graphql.EnumConfig{
	Name: "AggregationType",
	Values: graphql.EnumValueConfigMap{
		"COUNT":          &graphql.EnumValueConfig{Value: "count"},
		"COUNT_DISTINCT": &graphql.EnumValueConfig{Value: "countDistinct"},
		"SUM":            &graphql.EnumValueConfig{Value: "sum"},
		"AVG":            &graphql.EnumValueConfig{Value: "avg"},
		"MIN":            &graphql.EnumValueConfig{Value: "min"},
		"MAX":            &graphql.EnumValueConfig{Value: "max"},
	},
})

var aggregationInput = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "AggregationInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"fn":    &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(aggregationFn)},
		"field": &graphql.InputObjectFieldConfig{Type: graphql.String},
		"alias": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
	},
})

// objectFor builds the output type of one entity. Relationship targets are
// looked up through the cache inside a thunk so mutually-referencing
// entities do not recurse at construction time.
func (sb *schemaBuild) objectFor(name string) *graphql.Object {
	if obj, ok := sb.objects[name]; ok {
		return obj
	}
	entity := sb.cfg.Entities[name]
	shape := sb.shapes[name]
	document := sb.cfg.DataSource.DatabaseType.IsDocument()

	obj := graphql.NewObject(graphql.ObjectConfig{
		Name: upperFirst(entity.SingularName(name)),
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			fields := graphql.Fields{}
			for _, c := range shape.Columns {
				fields[c.Name] = &graphql.Field{Type: columnType(c)}
			}
			if document {
				return fields
			}
			for _, relName := range sortedKeys(entity.Relationships) {
				rel := entity.Relationships[relName]
				if _, ok := sb.shapes[rel.Target.Entity]; !ok {
					continue
				}
				child := sb.objectFor(rel.Target.Entity)
				f := &graphql.Field{Resolve: resolveEmbedded}
				if rel.Cardinality == config.CardinalityMany {
					f.Type = graphql.NewList(graphql.NewNonNull(child))
					f.Args = graphql.FieldConfigArgument{
						"first":   &graphql.ArgumentConfig{Type: graphql.Int},
						"after":   &graphql.ArgumentConfig{Type: graphql.String},
						"filter":  &graphql.ArgumentConfig{Type: sb.filterInputFor(rel.Target.Entity)},
						"orderBy": &graphql.ArgumentConfig{Type: sb.orderInputFor(rel.Target.Entity)},
					}
				} else {
					f.Type = child
				}
				fields[relName] = f
			}
			return fields
		}),
	})
	sb.objects[name] = obj
	return obj
}

// connectionFor wraps an entity object in the paged list shape.
func (sb *schemaBuild) connectionFor(name string) *graphql.Object {
	if conn, ok := sb.connections[name]; ok {
		return conn
	}
	entity := sb.cfg.Entities[name]
	conn := graphql.NewObject(graphql.ObjectConfig{
		Name: upperFirst(entity.SingularName(name)) + "Connection",
		Fields: graphql.Fields{
			"items":       &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(sb.objectFor(name))))},
			"hasNextPage": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
			"endCursor":   &graphql.Field{Type: graphql.String},
		},
	})
	sb.connections[name] = conn
	return conn
}

// compareInputFor is the shared per-scalar operator block.
func (sb *schemaBuild) compareInputFor(scalar *graphql.Scalar) *graphql.InputObject {
	if in, ok := sb.compare[scalar.Name()]; ok {
		return in
	}
	fields := graphql.InputObjectConfigFieldMap{
		"isNull": &graphql.InputObjectFieldConfig{Type: graphql.Boolean},
		"in":     &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(scalar))},
	}
	for _, op := range []string{"eq", "ne", "gt", "ge", "lt", "le"} {
		fields[op] = &graphql.InputObjectFieldConfig{Type: scalar}
	}
	if scalar == graphql.String {
		for _, op := range []string{"contains", "startsWith", "endsWith"} {
			fields[op] = &graphql.InputObjectFieldConfig{Type: graphql.String}
		}
	}
	in := graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   scalar.Name() + "FilterInput",
		Fields: fields,
	})
	sb.compare[scalar.Name()] = in
	return in
}

func (sb *schemaBuild) filterInputFor(name string) *graphql.InputObject {
	if in, ok := sb.filters[name]; ok {
		return in
	}
	entity := sb.cfg.Entities[name]
	shape := sb.shapes[name]
	in := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: upperFirst(entity.SingularName(name)) + "FilterInput",
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			fields := graphql.InputObjectConfigFieldMap{}
			for _, c := range shape.Columns {
				fields[c.Name] = &graphql.InputObjectFieldConfig{Type: sb.compareInputFor(scalarFor(c.Logical))}
			}
			self := sb.filters[name]
			fields["and"] = &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(self))}
			fields["or"] = &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(self))}
			fields["not"] = &graphql.InputObjectFieldConfig{Type: self}
			return fields
		}),
	})
	sb.filters[name] = in
	return in
}

func (sb *schemaBuild) orderInputFor(name string) *graphql.InputObject {
	if in, ok := sb.orders[name]; ok {
		return in
	}
	entity := sb.cfg.Entities[name]
	shape := sb.shapes[name]
	fields := graphql.InputObjectConfigFieldMap{}
	for _, c := range shape.Columns {
		fields[c.Name] = &graphql.InputObjectFieldConfig{Type: orderDirection}
	}
	in := graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   upperFirst(entity.SingularName(name)) + "OrderByInput",
		Fields: fields,
	})
	sb.orders[name] = in
	return in
}

func (sb *schemaBuild) createInputFor(name string) *graphql.InputObject {
	if in, ok := sb.creates[name]; ok {
		return in
	}
	entity := sb.cfg.Entities[name]
	shape := sb.shapes[name]
	fields := graphql.InputObjectConfigFieldMap{}
	for _, c := range shape.InsertableColumns() {
		var t graphql.Input = scalarFor(c.Logical)
		if !c.Nullable && c.Default == nil {
			t = graphql.NewNonNull(t)
		}
		fields[c.Name] = &graphql.InputObjectFieldConfig{Type: t}
	}
	in := graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   "Create" + upperFirst(entity.SingularName(name)) + "Input",
		Fields: fields,
	})
	sb.creates[name] = in
	return in
}

func (sb *schemaBuild) updateInputFor(name string) *graphql.InputObject {
	if in, ok := sb.updates[name]; ok {
		return in
	}
	entity := sb.cfg.Entities[name]
	shape := sb.shapes[name]
	fields := graphql.InputObjectConfigFieldMap{}
	for _, c := range shape.UpdatableColumns() {
		fields[c.Name] = &graphql.InputObjectFieldConfig{Type: scalarFor(c.Logical)}
	}
	in := graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   "Update" + upperFirst(entity.SingularName(name)) + "Input",
		Fields: fields,
	})
	sb.updates[name] = in
	return in
}

// pkArgs builds one required argument per primary key column.
func (sb *schemaBuild) pkArgs(name string) graphql.FieldConfigArgument {
	shape := sb.shapes[name]
	args := graphql.FieldConfigArgument{}
	for _, k := range shape.PrimaryKey {
		var t graphql.Input = graphql.String
		if c := shape.Column(k); c != nil {
			t = scalarFor(c.Logical)
		}
		args[k] = &graphql.ArgumentConfig{Type: graphql.NewNonNull(t)}
	}
	return args
}

func columnType(c metadata.Column) graphql.Output {
	scalar := scalarFor(c.Logical)
	if c.Nullable {
		return scalar
	}
	return graphql.NewNonNull(scalar)
}

// actionConfigured reports whether any role is granted the verb, so the
// schema only advertises operations that at least one caller can reach.
func actionConfigured(entity config.Entity, verb string) bool {
	for _, perm := range entity.Permissions {
		for _, a := range perm.Actions {
			if a.Name == verb || a.Name == "*" {
				return true
			}
		}
	}
	return false
}

// procOperation decides where a stored procedure field lives. Procedures
// default to the mutation root.
func procOperation(entity config.Entity) string {
	if entity.GraphQL != nil && strings.EqualFold(entity.GraphQL.Operation, "query") {
		return "query"
	}
	return "mutation"
}

func sortedKeys(m map[string]config.Relationship) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
