package api

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"datagate/internal/config"
	"datagate/internal/engine"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
)

func TestParseFilter_PrecedenceAndParens(t *testing.T) {
	expr, err := ParseFilter("title eq 'Dune' or price gt 10 and stock le 5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "((title eq 'Dune') or ((price gt 10) and (stock le 5)))"
	if got := expr.String(); got != want {
		t.Fatalf("expr: %s", got)
	}

	expr, err = ParseFilter("(title eq 'Dune' or price gt 10) and not (stock le 5)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want = "(((title eq 'Dune') or (price gt 10)) and (not (stock le 5)))"
	if got := expr.String(); got != want {
		t.Fatalf("expr: %s", got)
	}
}

func TestParseFilter_Literals(t *testing.T) {
	expr, err := ParseFilter("name eq 'O''Brien' and active eq true and score ge 4.5 and deleted_at eq null")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "((((name eq 'O''Brien') and (active eq true)) and (score ge 4.5)) and (deleted_at eq null))"
	if got := expr.String(); got != want {
		t.Fatalf("expr: %s", got)
	}
}

func TestParseFilter_StringMatchAndIn(t *testing.T) {
	expr, err := ParseFilter("title contains 'Du' and author_id in (1, 2)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "((title contains 'Du') and (author_id in (1, 2)))"
	if got := expr.String(); got != want {
		t.Fatalf("expr: %s", got)
	}

	expr, err = ParseFilter("name startswith 'O''B' or name endswith 'ien'")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want = "((name startsWith 'O''B') or (name endsWith 'ien'))"
	if got := expr.String(); got != want {
		t.Fatalf("expr: %s", got)
	}
}

func TestParseFilter_Errors(t *testing.T) {
	for _, src := range []string{
		"title like 'Dune'",
		"title eq 'unterminated",
		"(title eq 'Dune'",
		"title eq 'Dune' extra",
		"eq eq",
		"title contains 5",
		"author_id in 1",
		"author_id in (1, 2",
	} {
		if _, err := ParseFilter(src); err == nil {
			t.Fatalf("%q parsed", src)
		}
	}
}

func TestParseOrderBy(t *testing.T) {
	specs, err := ParseOrderBy("title desc, id, name asc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("specs: %+v", specs)
	}
	if specs[0].Field != "title" || !specs[0].Desc {
		t.Fatalf("specs[0]: %+v", specs[0])
	}
	if specs[1].Field != "id" || specs[1].Desc {
		t.Fatalf("specs[1]: %+v", specs[1])
	}
	if specs[2].Field != "name" || specs[2].Desc {
		t.Fatalf("specs[2]: %+v", specs[2])
	}

	if _, err := ParseOrderBy("title sideways"); err == nil {
		t.Fatal("bad direction accepted")
	}
}

func bookShape() *metadata.TableShape {
	return &metadata.TableShape{
		Schema: "public", Object: "books",
		Columns: []metadata.Column{
			{Name: "id", SQLType: "integer", Logical: metadata.TypeInt, AutoGenerated: true},
			{Name: "title", SQLType: "text", Logical: metadata.TypeString},
			{Name: "price", SQLType: "numeric", Logical: metadata.TypeDecimal, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestPKFromPath(t *testing.T) {
	shape := bookShape()

	pk, err := pkFromPath(shape, "/id/42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pk["id"] != int64(42) {
		t.Fatalf("pk: %#v", pk)
	}

	if _, err := pkFromPath(shape, "/id"); err == nil {
		t.Fatal("odd segment count accepted")
	}
	if _, err := pkFromPath(shape, "/title/Dune"); err == nil {
		t.Fatal("non-key column accepted")
	}
	if _, err := pkFromPath(shape, "/id/forty-two"); err == nil {
		t.Fatal("mistyped key value accepted")
	}
	if _, err := pkFromPath(shape, ""); err == nil {
		t.Fatal("empty key accepted")
	}
}

func testApp(t *testing.T, strict bool) *fiber.App {
	t.Helper()
	deps := gateway.TestDependencies()
	cfg := &config.RuntimeConfig{
		DataSource: config.DataSource{DatabaseType: config.KindPostgreSQL},
		Runtime: config.Runtime{
			Rest: config.RestRuntime{Enabled: true, RequestBodyStrict: strict},
			Host: config.HostRuntime{Mode: config.ModeDevelopment},
		},
		Entities: map[string]config.Entity{
			"Book": {
				Source: config.EntitySource{Object: "books", Type: config.SourceTable},
				Permissions: []config.Permission{{
					Role:    "anonymous",
					Actions: []config.Action{{Name: "*"}},
				}},
			},
		},
	}
	provider := metadata.NewStaticProvider(deps, cfg, map[string]*metadata.TableShape{"Book": bookShape()})
	svc := engine.NewService(deps, cfg, provider, nil, nil, nil)
	h := NewHandler(deps, svc, graphql.Schema{})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(deps)})
	Register(app, func() *Handler { return h }, cfg, "test-secret")
	return app
}

func body(t *testing.T, resp io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	app := testApp(t, false)
	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if got := body(t, resp.Body); got["status"] != "healthy" {
		t.Fatalf("body: %v", got)
	}
}

func TestUnknownEntityIs404Envelope(t *testing.T) {
	app := testApp(t, false)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/Unknown", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	got := body(t, resp.Body)
	e, ok := got["error"].(map[string]any)
	if !ok {
		t.Fatalf("body: %v", got)
	}
	if e["code"] != "EntityNotFound" {
		t.Fatalf("code: %v", e["code"])
	}
}

func TestCreateRejectsUnknownFieldWhenStrict(t *testing.T) {
	app := testApp(t, true)
	req := httptest.NewRequest("POST", "/api/Book", strings.NewReader(`{"title":"Dune","publisher":"Chilton"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	got := body(t, resp.Body)
	e := got["error"].(map[string]any)
	if !strings.Contains(e["message"].(string), "publisher") {
		t.Fatalf("message: %v", e["message"])
	}
}

func TestGetByPKRejectsNonKeyColumn(t *testing.T) {
	app := testApp(t, false)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/Book/title/Dune", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestMalformedBearerTokenIs401(t *testing.T) {
	app := testApp(t, false)
	req := httptest.NewRequest("GET", "/api/Book", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestAnonymousCannotAssumeOtherRole(t *testing.T) {
	app := testApp(t, false)
	req := httptest.NewRequest("GET", "/api/Book", nil)
	req.Header.Set("X-MS-API-ROLE", "admin")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestTypedValue(t *testing.T) {
	v, err := typedValue(metadata.TypeInt, "7")
	if err != nil || v != int64(7) {
		t.Fatalf("int: %#v %v", v, err)
	}
	v, err = typedValue(metadata.TypeDecimal, "4.5")
	if err != nil || v != 4.5 {
		t.Fatalf("decimal: %#v %v", v, err)
	}
	v, err = typedValue(metadata.TypeBool, "true")
	if err != nil || v != true {
		t.Fatalf("bool: %#v %v", v, err)
	}
	v, err = typedValue(metadata.TypeString, "plain")
	if err != nil || v != "plain" {
		t.Fatalf("string: %#v %v", v, err)
	}
}
