package gqlschema

import (
	"encoding/json"

	"github.com/graphql-go/graphql"
	"github.com/spf13/cast"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/gateway"
	"datagate/internal/planner"
)

// resolveEmbedded reads a relationship from the already-shaped parent
// document. The planner embeds nested data under the response key, so no
// second query runs here.
func resolveEmbedded(p graphql.ResolveParams) (any, error) {
	src, ok := p.Source.(map[string]any)
	if !ok {
		return nil, nil
	}
	key := p.Info.FieldName
	if f := firstFieldAST(p.Info.FieldASTs); f != nil {
		key = fieldKey(f)
	}
	return src[key], nil
}

func (sb *schemaBuild) listField(entityName string, entity config.Entity) *graphql.Field {
	return &graphql.Field{
		Type: graphql.NewNonNull(sb.connectionFor(entityName)),
		Args: graphql.FieldConfigArgument{
			"first":   &graphql.ArgumentConfig{Type: graphql.Int},
			"after":   &graphql.ArgumentConfig{Type: graphql.String},
			"filter":  &graphql.ArgumentConfig{Type: sb.filterInputFor(entityName)},
			"orderBy": &graphql.ArgumentConfig{Type: sb.orderInputFor(entityName)},
		},
		Resolve: func(p graphql.ResolveParams) (any, error) {
			req := planner.ReadRequest{Entity: entityName}
			field := firstFieldAST(p.Info.FieldASTs)
			sel, err := selectionFromField(findChild(field, p.Info.Fragments, "items"), p.Info.Fragments, p.Info.VariableValues, entity, sb.cfg)
			if err != nil {
				return nil, err
			}
			req.Selection = sel
			if err := readArgs(&req, p.Args); err != nil {
				return nil, err
			}

			page, err := sb.svc.ReadList(p.Context, authz.FromContext(p.Context), req)
			if err != nil {
				return nil, err
			}
			var items []any
			if err := json.Unmarshal(page.Items, &items); err != nil {
				return nil, gateway.Unexpected("decode response page", err)
			}
			out := map[string]any{"items": items, "hasNextPage": page.HasNextPage}
			if page.EndCursor != "" {
				out["endCursor"] = page.EndCursor
			}
			return out, nil
		},
	}
}

func (sb *schemaBuild) itemField(entityName string, entity config.Entity) *graphql.Field {
	return &graphql.Field{
		Type: sb.objectFor(entityName),
		Args: sb.pkArgs(entityName),
		Resolve: func(p graphql.ResolveParams) (any, error) {
			sel, err := selectionFromField(firstFieldAST(p.Info.FieldASTs), p.Info.Fragments, p.Info.VariableValues, entity, sb.cfg)
			if err != nil {
				return nil, err
			}
			raw, err := sb.svc.ReadItem(p.Context, authz.FromContext(p.Context), planner.ReadRequest{
				Entity:    entityName,
				Selection: sel,
				ByPK:      sb.pkFromArgs(entityName, p.Args),
			})
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, nil
			}
			return decodeItem(raw)
		},
	}
}

func (sb *schemaBuild) groupByField(entityName string, entity config.Entity) *graphql.Field {
	return &graphql.Field{
		Type: graphql.NewList(graphql.NewNonNull(jsonType)),
		Args: graphql.FieldConfigArgument{
			"groupBy":      &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
			"aggregations": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(aggregationInput)))},
			"filter":       &graphql.ArgumentConfig{Type: sb.filterInputFor(entityName)},
		},
		Resolve: func(p graphql.ResolveParams) (any, error) {
			req := planner.AggregateRequest{Entity: entityName}
			if groups, ok := p.Args["groupBy"].([]any); ok {
				for _, g := range groups {
					req.GroupBy = append(req.GroupBy, cast.ToString(g))
				}
			}
			aggs, _ := p.Args["aggregations"].([]any)
			for _, a := range aggs {
				m, ok := a.(map[string]any)
				if !ok {
					return nil, gateway.BadRequest("aggregations take a list of objects")
				}
				req.Aggregations = append(req.Aggregations, planner.Aggregation{
					Fn:    cast.ToString(m["fn"]),
					Field: cast.ToString(m["field"]),
					Alias: cast.ToString(m["alias"]),
				})
			}
			if f, ok := p.Args["filter"].(map[string]any); ok {
				expr, err := filterExpr(f)
				if err != nil {
					return nil, err
				}
				req.Filter = expr
			}
			return sb.svc.Aggregate(p.Context, authz.FromContext(p.Context), req)
		},
	}
}

func (sb *schemaBuild) createField(entityName string, entity config.Entity) *graphql.Field {
	return &graphql.Field{
		Type: sb.objectFor(entityName),
		Args: graphql.FieldConfigArgument{
			"item": &graphql.ArgumentConfig{Type: graphql.NewNonNull(sb.createInputFor(entityName))},
		},
		Resolve: func(p graphql.ResolveParams) (any, error) {
			values, ok := p.Args["item"].(map[string]any)
			if !ok {
				return nil, gateway.BadRequest("item must be an object")
			}
			sel, err := selectionFromField(firstFieldAST(p.Info.FieldASTs), p.Info.Fragments, p.Info.VariableValues, entity, sb.cfg)
			if err != nil {
				return nil, err
			}
			raw, err := sb.svc.Create(p.Context, authz.FromContext(p.Context), entityName, values, sel)
			if err != nil {
				return nil, err
			}
			return decodeItem(raw)
		},
	}
}

func (sb *schemaBuild) createManyField(entityName string, entity config.Entity) *graphql.Field {
	return &graphql.Field{
		Type: graphql.NewList(graphql.NewNonNull(sb.objectFor(entityName))),
		Args: graphql.FieldConfigArgument{
			"items": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(sb.createInputFor(entityName))))},
		},
		Resolve: func(p graphql.ResolveParams) (any, error) {
			list, _ := p.Args["items"].([]any)
			if len(list) == 0 {
				return nil, gateway.BadRequest("items must contain at least one object")
			}
			items := make([]map[string]any, len(list))
			for i, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, gateway.BadRequest("items take a list of objects")
				}
				items[i] = m
			}
			sel, err := selectionFromField(firstFieldAST(p.Info.FieldASTs), p.Info.Fragments, p.Info.VariableValues, entity, sb.cfg)
			if err != nil {
				return nil, err
			}
			docs, err := sb.svc.CreateMany(p.Context, authz.FromContext(p.Context), entityName, items, sel)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(docs))
			for i, doc := range docs {
				m, err := decodeItem(doc)
				if err != nil {
					return nil, err
				}
				out[i] = m
			}
			return out, nil
		},
	}
}

func (sb *schemaBuild) updateField(entityName string, entity config.Entity) *graphql.Field {
	args := sb.pkArgs(entityName)
	args["item"] = &graphql.ArgumentConfig{Type: graphql.NewNonNull(sb.updateInputFor(entityName))}
	return &graphql.Field{
		Type: sb.objectFor(entityName),
		Args: args,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			values, ok := p.Args["item"].(map[string]any)
			if !ok {
				return nil, gateway.BadRequest("item must be an object")
			}
			sel, err := selectionFromField(firstFieldAST(p.Info.FieldASTs), p.Info.Fragments, p.Info.VariableValues, entity, sb.cfg)
			if err != nil {
				return nil, err
			}
			raw, err := sb.svc.Update(p.Context, authz.FromContext(p.Context), entityName, sb.pkFromArgs(entityName, p.Args), values, sel)
			if err != nil {
				return nil, err
			}
			return decodeItem(raw)
		},
	}
}

// deleteField removes the row and answers with its last visible state.
func (sb *schemaBuild) deleteField(entityName string, entity config.Entity) *graphql.Field {
	return &graphql.Field{
		Type: sb.objectFor(entityName),
		Args: sb.pkArgs(entityName),
		Resolve: func(p graphql.ResolveParams) (any, error) {
			principal := authz.FromContext(p.Context)
			sel, err := selectionFromField(firstFieldAST(p.Info.FieldASTs), p.Info.Fragments, p.Info.VariableValues, entity, sb.cfg)
			if err != nil {
				return nil, err
			}
			pk := sb.pkFromArgs(entityName, p.Args)
			raw, err := sb.svc.ReadItem(p.Context, principal, planner.ReadRequest{Entity: entityName, Selection: sel, ByPK: pk})
			if err != nil {
				return nil, err
			}
			if err := sb.svc.Delete(p.Context, principal, entityName, pk); err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, nil
			}
			return decodeItem(raw)
		},
	}
}

func (sb *schemaBuild) procField(entityName string, entity config.Entity) *graphql.Field {
	shape := sb.shapes[entityName]
	args := graphql.FieldConfigArgument{}
	for _, param := range shape.Parameters {
		if param.Output {
			continue
		}
		args[param.Name] = &graphql.ArgumentConfig{Type: scalarFor(param.Logical)}
	}
	return &graphql.Field{
		Type: graphql.NewList(graphql.NewNonNull(sb.objectFor(entityName))),
		Args: args,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			return sb.svc.Execute(p.Context, authz.FromContext(p.Context), entityName, p.Args)
		},
	}
}

// readArgs fills the paging and filtering arguments shared by list queries.
func readArgs(req *planner.ReadRequest, args map[string]any) error {
	if v, ok := args["first"]; ok {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return gateway.BadRequest("first must be an integer")
		}
		req.First = n
	}
	if v, ok := args["after"].(string); ok {
		req.After = v
	}
	if v, ok := args["filter"].(map[string]any); ok {
		expr, err := filterExpr(v)
		if err != nil {
			return err
		}
		req.Filter = expr
	}
	if v, ok := args["orderBy"].(map[string]any); ok {
		req.OrderBy = orderSpecs(v)
	}
	return nil
}

func (sb *schemaBuild) pkFromArgs(entityName string, args map[string]any) map[string]any {
	shape := sb.shapes[entityName]
	pk := make(map[string]any, len(shape.PrimaryKey))
	for _, k := range shape.PrimaryKey {
		if v, ok := args[k]; ok {
			pk[k] = v
		}
	}
	return pk
}

func decodeItem(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, gateway.Unexpected("decode response document", err)
	}
	return m, nil
}
