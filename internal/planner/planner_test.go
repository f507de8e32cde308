package planner

import (
	"context"
	"strings"
	"testing"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/filter"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
	"datagate/internal/store"
)

func libraryConfig(kind config.DatabaseKind) *config.RuntimeConfig {
	readAll := config.Permission{Role: "anonymous", Actions: []config.Action{
		{Name: "read"}, {Name: "create"}, {Name: "update"}, {Name: "delete"}, {Name: "execute"},
	}}
	premium := config.Permission{Role: "premium", Actions: []config.Action{
		{Name: "read", Policy: &config.Policy{Database: "@item.price le 100"}},
		{Name: "update", Policy: &config.Policy{Database: "@item.price le 100"}},
	}}
	reader := config.Permission{Role: "reader", Actions: []config.Action{
		{Name: "read", Fields: &config.FieldMask{Exclude: []string{"price"}}},
	}}
	return &config.RuntimeConfig{
		DataSource: config.DataSource{DatabaseType: kind},
		Entities: map[string]config.Entity{
			"Book": {
				Source:      config.EntitySource{Object: "books", Type: config.SourceTable},
				Permissions: []config.Permission{readAll, premium, reader},
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
				Permissions: []config.Permission{readAll},
			},
			"TopBooks": {
				Source: config.EntitySource{
					Object:     "top_books",
					Type:       config.SourceStoredProcedure,
					Parameters: map[string]any{"count": 5},
				},
				Permissions: []config.Permission{readAll},
			},
		},
	}
}

func libraryShapes(schema string) map[string]*metadata.TableShape {
	return map[string]*metadata.TableShape{
		"Book": {
			Schema: schema,
			Object: "books",
			Columns: []metadata.Column{
				{Name: "id", SQLType: "integer", Logical: metadata.TypeInt, AutoGenerated: true},
				{Name: "title", SQLType: "text", Logical: metadata.TypeString},
				{Name: "author_id", SQLType: "integer", Logical: metadata.TypeInt},
				{Name: "price", SQLType: "numeric", Logical: metadata.TypeDecimal},
			},
			PrimaryKey: []string{"id"},
		},
		"Author": {
			Schema: schema,
			Object: "authors",
			Columns: []metadata.Column{
				{Name: "id", SQLType: "integer", Logical: metadata.TypeInt, AutoGenerated: true},
				{Name: "name", SQLType: "text", Logical: metadata.TypeString},
			},
			PrimaryKey: []string{"id"},
		},
		"TopBooks": {
			Schema: schema,
			Object: "top_books",
			Columns: []metadata.Column{
				{Name: "id", SQLType: "int", Logical: metadata.TypeInt},
				{Name: "title", SQLType: "varchar", Logical: metadata.TypeString},
			},
			Parameters: []metadata.Parameter{
				{Name: "count", SQLType: "int", Logical: metadata.TypeInt},
			},
		},
	}
}

func testPlanner(t *testing.T, kind config.DatabaseKind) *Planner {
	t.Helper()
	schema := "public"
	if kind == config.KindMSSQL {
		schema = "dbo"
	}
	cfg := libraryConfig(kind)
	provider := metadata.NewStaticProvider(gateway.TestDependencies(), cfg, libraryShapes(schema))
	var dialect *store.Dialect
	if kind.IsRelational() {
		var err error
		dialect, err = store.DialectFor(kind)
		if err != nil {
			t.Fatalf("dialect: %v", err)
		}
	}
	return New(gateway.TestDependencies(), provider, dialect, 1000)
}

func anon() authz.Principal { return authz.Principal{Role: "anonymous"} }

func TestPlanRead_Postgres(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id", "title"}},
		First:     2,
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `SELECT COALESCE((SELECT json_agg(row_to_json(t)) FROM (` +
		`SELECT t0."id" AS "id", t0."title" AS "title" FROM "public"."books" AS t0 ORDER BY t0."id" ASC LIMIT 3` +
		`) AS t), '[]'::json) AS "data"`
	if plan.SQL != want {
		t.Fatalf("sql:\n got %s\nwant %s", plan.SQL, want)
	}
	if plan.PageSize != 2 || plan.Shape != ShapeArray {
		t.Fatalf("page size %d shape %d", plan.PageSize, plan.Shape)
	}
}

func TestPlanRead_ByPK(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"title"}},
		ByPK:      map[string]any{"id": 7},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Shape != ShapeObject {
		t.Fatalf("shape %d", plan.Shape)
	}
	if !strings.Contains(plan.SQL, `row_to_json`) || !strings.Contains(plan.SQL, `t0."id" = $1`) {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if len(plan.Params) != 1 || plan.Params[0].Value != 7 {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanRead_NestedToOne(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity: "Book",
		Selection: Selection{
			Fields: []string{"title"},
			Nested: []Nested{{
				Alias:        "author",
				Relationship: "author",
				Selection:    Selection{Fields: []string{"name"}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// The child subquery correlates to the parent through the join columns
	// and the projection closure carries the parent-side join column.
	if !strings.Contains(plan.SQL, `t1."id" = t0."author_id"`) {
		t.Fatalf("missing correlation: %s", plan.SQL)
	}
	if !strings.Contains(plan.SQL, `t0."author_id" AS "author_id"`) {
		t.Fatalf("missing closure column: %s", plan.SQL)
	}
	if !strings.Contains(plan.SQL, `LIMIT 1) AS t) AS "author"`) {
		t.Fatalf("to-one child not limited: %s", plan.SQL)
	}
}

func TestPlanRead_FilterBindsTypedParam(t *testing.T) {
	p := testPlanner(t, config.KindMySQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		Filter: filter.Compare{
			Op:    filter.OpLe,
			Left:  filter.Field{Name: "price"},
			Right: filter.Literal{Value: 100},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, "t0.`price` <= ?") {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if len(plan.Params) != 1 || plan.Params[0].Value != 100 || plan.Params[0].SQLType != "numeric" {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanRead_EmptySelectionResolvesToMask(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), authz.Principal{Role: "reader", Authenticated: true}, ReadRequest{
		Entity: "Book",
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{"id", "title", "author_id"}
	if len(plan.Selection.Fields) != len(want) {
		t.Fatalf("selection: %v", plan.Selection.Fields)
	}
	for i, f := range want {
		if plan.Selection.Fields[i] != f {
			t.Fatalf("selection: %v", plan.Selection.Fields)
		}
	}
	if strings.Contains(plan.SQL, "price") {
		t.Fatalf("excluded column projected: %s", plan.SQL)
	}
}

func TestPlanRead_ContainsLowersToLike(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		Filter: filter.Compare{
			Op:    filter.OpContains,
			Left:  filter.Field{Name: "title"},
			Right: filter.Literal{Value: "Du%ne"},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, `t0."title" LIKE $1 ESCAPE '\'`) {
		t.Fatalf("sql: %s", plan.SQL)
	}
	// Wildcards in the user's fragment are escaped, the match wildcards are not.
	if plan.Params[0].Value != `%Du\%ne%` {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanRead_StartsWithAnchorsPattern(t *testing.T) {
	p := testPlanner(t, config.KindMySQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		Filter: filter.Compare{
			Op:    filter.OpStartsWith,
			Left:  filter.Field{Name: "title"},
			Right: filter.Literal{Value: "Du"},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, "t0.`title` LIKE ? ESCAPE '\\\\'") {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if plan.Params[0].Value != "Du%" {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanRead_InBindsEachCandidate(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		Filter: filter.Compare{
			Op:    filter.OpIn,
			Left:  filter.Field{Name: "author_id"},
			Right: filter.Literal{Value: []any{1, 2, 3}},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, `t0."author_id" IN ($1, $2, $3)`) {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if len(plan.Params) != 3 || plan.Params[0].SQLType != "integer" {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanRead_InEmptyListMatchesNothing(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		Filter: filter.Compare{
			Op:    filter.OpIn,
			Left:  filter.Field{Name: "author_id"},
			Right: filter.Literal{Value: []any{}},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, "1 = 0") || len(plan.Params) != 0 {
		t.Fatalf("sql: %s params: %+v", plan.SQL, plan.Params)
	}
}

func TestPlanRead_PolicyPredicateInjected(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanRead(context.Background(), authz.Principal{Role: "premium", Authenticated: true}, ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"title"}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, `t0."price" <= $1`) {
		t.Fatalf("policy not injected: %s", plan.SQL)
	}
	if plan.Params[0].Value != int64(100) {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanRead_FirstOverCap(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	_, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		First:     1001,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if gateway.AsError(err).Code != gateway.CodeBadRequest {
		t.Fatalf("code: %s", gateway.AsError(err).Code)
	}
}

func TestPlanRead_UnknownField(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	_, err := p.PlanRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"isbn"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "isbn") {
		t.Fatalf("error: %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	order := []OrderSpec{{Field: "price", Desc: true}, {Field: "id"}}
	cur, err := EncodeCursor(map[string]any{"price": 9.5, "id": 3}, order)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pred, err := cursorPredicate(cur, order)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// DESC keys resume with a strict less-than on the leading column.
	logic, ok := pred.(filter.Logic)
	if !ok || logic.Op != filter.OpOr {
		t.Fatalf("predicate: %#v", pred)
	}
	first, ok := logic.Left.(filter.Compare)
	if !ok || first.Op != filter.OpLt {
		t.Fatalf("leading clause: %#v", logic.Left)
	}
}

func TestCursorRejectsOrderMismatch(t *testing.T) {
	cur, err := EncodeCursor(map[string]any{"id": 3}, []OrderSpec{{Field: "id"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = cursorPredicate(cur, []OrderSpec{{Field: "title"}})
	if err == nil || !strings.Contains(err.Error(), "cursor does not match the requested order") {
		t.Fatalf("error: %v", err)
	}
	if _, err := cursorPredicate("%%%", []OrderSpec{{Field: "id"}}); err == nil {
		t.Fatal("expected error for garbage cursor")
	}
}

func TestPlanCreate_Postgres(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanCreate(context.Background(), anon(), "Book", map[string]any{
		"title": "Dune", "author_id": 4,
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `INSERT INTO "public"."books" ("title", "author_id") VALUES ($1, $2) RETURNING "id"`
	if plan.SQL != want {
		t.Fatalf("sql:\n got %s\nwant %s", plan.SQL, want)
	}
	if plan.Params[0].Value != "Dune" || plan.Params[1].Value != 4 {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanCreate_MssqlOutputBeforeValues(t *testing.T) {
	p := testPlanner(t, config.KindMSSQL)
	plan, err := p.PlanCreate(context.Background(), anon(), "Book", map[string]any{"title": "Dune"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `INSERT INTO [dbo].[books] ([title]) OUTPUT INSERTED.[id] VALUES (@p1)`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
}

func TestPlanCreate_RejectsGeneratedColumn(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	_, err := p.PlanCreate(context.Background(), anon(), "Book", map[string]any{"id": 1, "title": "Dune"})
	if err == nil || !strings.Contains(err.Error(), "generated") {
		t.Fatalf("error: %v", err)
	}
}

func TestPlanUpdate_Postgres(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanUpdate(context.Background(), anon(), "Book",
		map[string]any{"id": 7}, map[string]any{"title": "Dune"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `UPDATE "public"."books" SET "title" = $1 WHERE "id" = $2`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if plan.Probe != nil {
		t.Fatal("no policy, no probe")
	}
}

func TestPlanUpdate_PolicyAddsProbe(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanUpdate(context.Background(), authz.Principal{Role: "premium", Authenticated: true}, "Book",
		map[string]any{"id": 7}, map[string]any{"title": "Dune"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, `"price" <= $3`) {
		t.Fatalf("policy not in WHERE: %s", plan.SQL)
	}
	if plan.Probe == nil {
		t.Fatal("expected probe plan")
	}
	want := `SELECT "id", "price" FROM "public"."books" WHERE "id" = $1`
	if plan.Probe.SQL != want {
		t.Fatalf("probe sql: %s", plan.Probe.SQL)
	}
}

func TestPlanUpdate_RejectsKeyColumn(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	_, err := p.PlanUpdate(context.Background(), anon(), "Book",
		map[string]any{"id": 7}, map[string]any{"id": 8})
	if err == nil || !strings.Contains(err.Error(), "key column") {
		t.Fatalf("error: %v", err)
	}
}

func TestPlanDelete_Postgres(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanDelete(context.Background(), anon(), "Book", map[string]any{"id": 7})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `DELETE FROM "public"."books" WHERE "id" = $1`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
}

func TestPlanUpsert_Postgres(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanUpsert(context.Background(), anon(), "Book",
		map[string]any{"id": 7}, map[string]any{"title": "Dune"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `INSERT INTO "public"."books" ("id", "title") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title"`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
}

func TestPlanUpsert_RejectsKeyInBody(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	_, err := p.PlanUpsert(context.Background(), anon(), "Book",
		map[string]any{"id": 7}, map[string]any{"id": 8, "title": "Dune"})
	if err == nil || !strings.Contains(err.Error(), "URL") {
		t.Fatalf("error: %v", err)
	}
}

func TestPlanAggregate(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	plan, err := p.PlanAggregate(context.Background(), anon(), AggregateRequest{
		Entity:  "Book",
		GroupBy: []string{"author_id"},
		Aggregations: []Aggregation{
			{Fn: "count", Alias: "count"},
			{Fn: "avg", Field: "price", Alias: "avgPrice"},
			{Fn: "countDistinct", Field: "title", Alias: "titles"},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `SELECT "author_id", COUNT(*) AS "count", AVG("price") AS "avgPrice", COUNT(DISTINCT "title") AS "titles" FROM "public"."books" GROUP BY "author_id"`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if len(plan.Columns) != 4 || plan.Columns[0] != "author_id" {
		t.Fatalf("columns: %v", plan.Columns)
	}
}

func TestPlanAggregate_UnknownFn(t *testing.T) {
	p := testPlanner(t, config.KindPostgreSQL)
	_, err := p.PlanAggregate(context.Background(), anon(), AggregateRequest{
		Entity:       "Book",
		Aggregations: []Aggregation{{Fn: "median", Field: "price"}},
	})
	if err == nil || !strings.Contains(err.Error(), "median") {
		t.Fatalf("error: %v", err)
	}
}

func TestPlanExecute_Mssql(t *testing.T) {
	p := testPlanner(t, config.KindMSSQL)
	plan, err := p.PlanExecute(context.Background(), anon(), "TopBooks", map[string]any{"count": 10})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `EXEC [dbo].[top_books] @count = @p1`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if plan.Params[0].Value != 10 {
		t.Fatalf("config default not overridden: %+v", plan.Params)
	}
}

func TestPlanExecute_DefaultsFromConfig(t *testing.T) {
	p := testPlanner(t, config.KindMSSQL)
	plan, err := p.PlanExecute(context.Background(), anon(), "TopBooks", nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Params[0].Value != 5 {
		t.Fatalf("params: %+v", plan.Params)
	}
}

func TestPlanExecute_UnknownParameter(t *testing.T) {
	p := testPlanner(t, config.KindMSSQL)
	_, err := p.PlanExecute(context.Background(), anon(), "TopBooks", map[string]any{"limit": 1})
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("error: %v", err)
	}
}

func TestPlanCosmosRead(t *testing.T) {
	p := testPlanner(t, config.KindCosmosNoSQL)
	plan, err := p.PlanCosmosRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"title"}},
		Filter: filter.Compare{
			Op:    filter.OpEq,
			Left:  filter.Field{Name: "author_id"},
			Right: filter.Literal{Value: 4},
		},
		First: 10,
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := `SELECT c["title"] AS title, c["id"] AS id FROM c WHERE c["author_id"] = @p0 ORDER BY c["id"] ASC OFFSET 0 LIMIT 11`
	if plan.SQL != want {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if len(plan.Params) != 1 || plan.Params[0].Name != "@p0" || plan.Params[0].Value != 4 {
		t.Fatalf("params: %+v", plan.Params)
	}
	if plan.Container != "books" {
		t.Fatalf("container: %s", plan.Container)
	}
}

func TestPlanCosmosRead_StringMatchAndIn(t *testing.T) {
	p := testPlanner(t, config.KindCosmosNoSQL)
	plan, err := p.PlanCosmosRead(context.Background(), anon(), ReadRequest{
		Entity:    "Book",
		Selection: Selection{Fields: []string{"id"}},
		Filter: filter.Logic{
			Op: filter.OpAnd,
			Left: filter.Compare{
				Op:    filter.OpStartsWith,
				Left:  filter.Field{Name: "title"},
				Right: filter.Literal{Value: "Du"},
			},
			Right: filter.Compare{
				Op:    filter.OpIn,
				Left:  filter.Field{Name: "author_id"},
				Right: filter.Literal{Value: []any{1, 2}},
			},
		},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(plan.SQL, `STARTSWITH(c["title"], @p0)`) {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if !strings.Contains(plan.SQL, `c["author_id"] IN (@p1, @p2)`) {
		t.Fatalf("sql: %s", plan.SQL)
	}
	if len(plan.Params) != 3 {
		t.Fatalf("params: %+v", plan.Params)
	}
}
