package gqlschema

import (
	"context"
	"strings"
	"testing"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"

	"datagate/internal/config"
	"datagate/internal/engine"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
)

func testConfig() *config.RuntimeConfig {
	anonymous := []config.Permission{{
		Role:    "anonymous",
		Actions: []config.Action{{Name: "*"}},
	}}
	readOnly := []config.Permission{{
		Role:    "anonymous",
		Actions: []config.Action{{Name: "read"}},
	}}
	return &config.RuntimeConfig{
		DataSource: config.DataSource{DatabaseType: config.KindPostgreSQL},
		Runtime: config.Runtime{
			GraphQL: config.GraphQLRuntime{Enabled: true, MultipleMutations: true},
			Host:    config.HostRuntime{Mode: config.ModeDevelopment},
		},
		Entities: map[string]config.Entity{
			"Book": {
				Source:      config.EntitySource{Object: "books", Type: config.SourceTable},
				Permissions: anonymous,
				Relationships: map[string]config.Relationship{
					"author": {
						Cardinality: config.CardinalityOne,
						Target:      config.RelationshipSide{Entity: "Author", Fields: []string{"id"}},
						Source:      &config.RelationshipSide{Fields: []string{"author_id"}},
					},
				},
			},
			"Author": {
				Source:      config.EntitySource{Object: "authors", Type: config.SourceTable},
				Permissions: readOnly,
			},
			"TopBooks": {
				Source: config.EntitySource{
					Object: "top_books",
					Type:   config.SourceStoredProcedure,
				},
				GraphQL:     &config.EntityGraphQL{Enabled: true, Operation: "query"},
				Permissions: []config.Permission{{Role: "anonymous", Actions: []config.Action{{Name: "execute"}}}},
			},
		},
	}
}

func testShapes() map[string]*metadata.TableShape {
	return map[string]*metadata.TableShape{
		"Book": {
			Schema: "public", Object: "books",
			Columns: []metadata.Column{
				{Name: "id", SQLType: "integer", Logical: metadata.TypeInt, AutoGenerated: true},
				{Name: "title", SQLType: "text", Logical: metadata.TypeString},
				{Name: "author_id", SQLType: "integer", Logical: metadata.TypeInt, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
		"Author": {
			Schema: "public", Object: "authors",
			Columns: []metadata.Column{
				{Name: "id", SQLType: "integer", Logical: metadata.TypeInt, AutoGenerated: true},
				{Name: "name", SQLType: "text", Logical: metadata.TypeString},
			},
			PrimaryKey: []string{"id"},
		},
		"TopBooks": {
			Schema: "public", Object: "top_books",
			Columns: []metadata.Column{
				{Name: "id", SQLType: "integer", Logical: metadata.TypeInt},
				{Name: "title", SQLType: "text", Logical: metadata.TypeString},
			},
			Parameters: []metadata.Parameter{{Name: "count", SQLType: "integer", Logical: metadata.TypeInt}},
		},
	}
}

func buildSchema(t *testing.T) graphql.Schema {
	t.Helper()
	deps := gateway.TestDependencies()
	cfg := testConfig()
	provider := metadata.NewStaticProvider(deps, cfg, testShapes())
	svc := engine.NewService(deps, cfg, provider, nil, nil, nil)
	schema, err := NewBuilder(deps, svc).Build(context.Background())
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return schema
}

func TestBuild_QueryFields(t *testing.T) {
	schema := buildSchema(t)
	fields := schema.QueryType().Fields()
	for _, want := range []string{"books", "book_by_pk", "booksGroupBy", "authors", "author_by_pk", "executeTopBooks"} {
		if _, ok := fields[want]; !ok {
			t.Fatalf("missing query field %q", want)
		}
	}
}

func TestBuild_MutationsFollowConfiguredActions(t *testing.T) {
	schema := buildSchema(t)
	fields := schema.MutationType().Fields()
	for _, want := range []string{"createBook", "createMultipleBooks", "updateBook", "deleteBook"} {
		if _, ok := fields[want]; !ok {
			t.Fatalf("missing mutation field %q", want)
		}
	}
	if _, ok := fields["createAuthor"]; ok {
		t.Fatal("read-only entity grew a create mutation")
	}
}

func TestBuild_RelationshipNavigation(t *testing.T) {
	schema := buildSchema(t)
	book, ok := schema.Type("Book").(*graphql.Object)
	if !ok {
		t.Fatal("Book type missing")
	}
	f, ok := book.Fields()["author"]
	if !ok {
		t.Fatal("author navigation field missing")
	}
	if f.Type.Name() != "Author" {
		t.Fatalf("author field type: %s", f.Type.Name())
	}
}

func TestExecute_IntrospectionGate(t *testing.T) {
	schema := buildSchema(t)
	cfg := testConfig()
	cfg.Runtime.Host.Mode = config.ModeProduction

	req := Request{Query: `{ __schema { queryType { name } } }`}
	result := Execute(context.Background(), schema, cfg, req)
	if len(result.Errors) == 0 {
		t.Fatal("introspection passed in production")
	}
	if !strings.Contains(result.Errors[0].Message, "introspection") {
		t.Fatalf("error: %s", result.Errors[0].Message)
	}

	cfg.Runtime.Host.Mode = config.ModeDevelopment
	result = Execute(context.Background(), schema, cfg, req)
	if len(result.Errors) != 0 {
		t.Fatalf("introspection failed in development: %v", result.Errors)
	}
}

func TestValidateQuery_DepthLimit(t *testing.T) {
	q := `{ books { items { author { name } } } }`
	if err := ValidateQuery(q, 4, true); err != nil {
		t.Fatalf("depth 4 rejected: %v", err)
	}
	err := ValidateQuery(q, 3, true)
	if err == nil {
		t.Fatal("depth limit not enforced")
	}
	if ge := gateway.AsError(err); ge.Code != gateway.CodeBadRequest {
		t.Fatalf("code: %s", ge.Code)
	}
}

func TestValidateQuery_FragmentsCountTowardDepth(t *testing.T) {
	q := `query { books { items { ...f } } } fragment f on Book { author { name } }`
	if err := ValidateQuery(q, 3, true); err == nil {
		t.Fatal("fragment depth not counted")
	}
	if err := ValidateQuery(q, 4, true); err != nil {
		t.Fatalf("depth 4 rejected: %v", err)
	}
}

func TestFilterExpr_SortsKeysForDeterminism(t *testing.T) {
	expr, err := filterExpr(map[string]any{
		"title": map[string]any{"eq": "Dune"},
		"and": []any{
			map[string]any{"price": map[string]any{"gt": int64(1)}},
		},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if got := expr.String(); got != "((price gt 1) and (title eq 'Dune'))" {
		t.Fatalf("expr: %s", got)
	}
}

func TestFilterExpr_IsNull(t *testing.T) {
	expr, err := filterExpr(map[string]any{"title": map[string]any{"isNull": true}})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if got := expr.String(); got != "(title eq null)" {
		t.Fatalf("expr: %s", got)
	}
}

func TestFilterExpr_RejectsUnknownOperator(t *testing.T) {
	_, err := filterExpr(map[string]any{"title": map[string]any{"like": "D%"}})
	if err == nil {
		t.Fatal("unknown operator accepted")
	}
}

func TestFilterExpr_StringMatchAndIn(t *testing.T) {
	expr, err := filterExpr(map[string]any{
		"title":     map[string]any{"startsWith": "Du"},
		"author_id": map[string]any{"in": []any{int64(1), int64(2)}},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if got := expr.String(); got != "((author_id in (1, 2)) and (title startsWith 'Du'))" {
		t.Fatalf("expr: %s", got)
	}

	if _, err := filterExpr(map[string]any{"title": map[string]any{"contains": int64(5)}}); err == nil {
		t.Fatal("contains accepted a non-string")
	}
	if _, err := filterExpr(map[string]any{"author_id": map[string]any{"in": int64(1)}}); err == nil {
		t.Fatal("in accepted a non-list")
	}
}

func TestFilterExpr_Not(t *testing.T) {
	expr, err := filterExpr(map[string]any{
		"not": map[string]any{"title": map[string]any{"eq": "Dune"}},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if got := expr.String(); got != "(not (title eq 'Dune'))" {
		t.Fatalf("expr: %s", got)
	}
}

func TestSelectionFromField_NestedRelationship(t *testing.T) {
	cfg := testConfig()
	doc, err := parser.Parse(parser.ParseParams{
		Source: `{ books { items { title author(first: 1) { name } } } }`,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	op := doc.Definitions[0].(*ast.OperationDefinition)
	books := op.SelectionSet.Selections[0].(*ast.Field)
	items := findChild(books, nil, "items")
	if items == nil {
		t.Fatal("items field not found")
	}

	sel, err := selectionFromField(items, nil, nil, cfg.Entities["Book"], cfg)
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	if len(sel.Fields) != 1 || sel.Fields[0] != "title" {
		t.Fatalf("fields: %v", sel.Fields)
	}
	if len(sel.Nested) != 1 {
		t.Fatalf("nested: %+v", sel.Nested)
	}
	n := sel.Nested[0]
	if n.Relationship != "author" || n.Alias != "author" || n.First != 1 {
		t.Fatalf("nested: %+v", n)
	}
	if len(n.Selection.Fields) != 1 || n.Selection.Fields[0] != "name" {
		t.Fatalf("nested fields: %v", n.Selection.Fields)
	}
}

func TestSelectionFromField_AliasBecomesResponseKey(t *testing.T) {
	cfg := testConfig()
	doc, err := parser.Parse(parser.ParseParams{
		Source: `{ books { items { writer: author { name } } } }`,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	op := doc.Definitions[0].(*ast.OperationDefinition)
	items := findChild(op.SelectionSet.Selections[0].(*ast.Field), nil, "items")

	sel, err := selectionFromField(items, nil, nil, cfg.Entities["Book"], cfg)
	if err != nil {
		t.Fatalf("selection: %v", err)
	}
	if sel.Nested[0].Alias != "writer" || sel.Nested[0].Relationship != "author" {
		t.Fatalf("nested: %+v", sel.Nested[0])
	}
}

func TestOrderSpecs_AcceptsBothEnumSpellings(t *testing.T) {
	specs := orderSpecs(map[string]any{"id": "DESC", "title": "asc"})
	if len(specs) != 2 {
		t.Fatalf("specs: %+v", specs)
	}
	if specs[0].Field != "id" || !specs[0].Desc {
		t.Fatalf("specs[0]: %+v", specs[0])
	}
	if specs[1].Field != "title" || specs[1].Desc {
		t.Fatalf("specs[1]: %+v", specs[1])
	}
}
