package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

func TestSplitObject(t *testing.T) {
	cases := []struct {
		object string
		kind   config.DatabaseKind
		schema string
		name   string
	}{
		{"dbo.books", config.KindMSSQL, "dbo", "books"},
		{"books", config.KindMSSQL, "dbo", "books"},
		{"books", config.KindPostgreSQL, "public", "books"},
		{"sales.books", config.KindPostgreSQL, "sales", "books"},
		{"books", config.KindMySQL, "", "books"},
	}
	for _, c := range cases {
		schema, name := splitObject(c.object, c.kind)
		if schema != c.schema || name != c.name {
			t.Fatalf("splitObject(%q, %s) = %q, %q", c.object, c.kind, schema, name)
		}
	}
}

func TestLogicalType(t *testing.T) {
	cases := map[string]LogicalType{
		"integer":                  TypeInt,
		"bigint":                   TypeInt,
		"double precision":         TypeFloat,
		"numeric":                  TypeDecimal,
		"boolean":                  TypeBool,
		"timestamp with time zone": TypeDateTime,
		"uniqueidentifier":         TypeUUID,
		"jsonb":                    TypeJSON,
		"varbinary":                TypeBytes,
		"character varying":        TypeString,
		"something_custom":         TypeString,
	}
	for sqlType, want := range cases {
		if got := logicalType(sqlType); got != want {
			t.Fatalf("logicalType(%q) = %s, want %s", sqlType, got, want)
		}
	}
}

func bookShape() *TableShape {
	def := "nextval('books_id_seq')"
	return &TableShape{
		Schema: "public",
		Object: "books",
		Columns: []Column{
			{Name: "id", SQLType: "integer", Logical: TypeInt, AutoGenerated: true, Default: &def},
			{Name: "title", SQLType: "text", Logical: TypeString},
			{Name: "author_id", SQLType: "integer", Logical: TypeInt, Nullable: true},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{
			{Name: "fk_author", Columns: []string{"author_id"}, RefTable: "authors", RefColumns: []string{"id"}},
		},
	}
}

func TestShapeColumnFilters(t *testing.T) {
	s := bookShape()
	if !s.IsKeyColumn("id") || s.IsKeyColumn("title") {
		t.Fatal("key column detection broken")
	}
	ins := s.InsertableColumns()
	if len(ins) != 2 || ins[0].Name != "title" {
		t.Fatalf("insertable: %v", ins)
	}
	upd := s.UpdatableColumns()
	if len(upd) != 2 {
		t.Fatalf("updatable: %v", upd)
	}
	if s.QualifiedName() != "public.books" {
		t.Fatalf("qualified name: %s", s.QualifiedName())
	}
}

func TestInferJoin_SingleForeignKey(t *testing.T) {
	src := bookShape()
	tgt := &TableShape{Object: "authors", PrimaryKey: []string{"id"},
		Columns: []Column{{Name: "id"}, {Name: "name"}}}

	spec, err := inferJoin("Book", "author", src, tgt, "authors")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if spec.SourceFields[0] != "author_id" || spec.TargetFields[0] != "id" {
		t.Fatalf("join spec: %+v", spec)
	}
}

func TestInferJoin_ReverseDirection(t *testing.T) {
	authors := &TableShape{Object: "authors", PrimaryKey: []string{"id"},
		Columns: []Column{{Name: "id"}}}
	books := bookShape()

	// Relationship declared on Author pointing at Book; the FK lives on books.
	spec, err := inferJoin("Author", "books", authors, books, "books")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if spec.SourceFields[0] != "id" || spec.TargetFields[0] != "author_id" {
		t.Fatalf("join spec: %+v", spec)
	}
}

func TestInferJoin_Ambiguous(t *testing.T) {
	src := bookShape()
	src.ForeignKeys = append(src.ForeignKeys, ForeignKey{
		Name: "fk_editor", Columns: []string{"editor_id"}, RefTable: "authors", RefColumns: []string{"id"},
	})
	tgt := &TableShape{Object: "authors", PrimaryKey: []string{"id"}}

	_, err := inferJoin("Book", "author", src, tgt, "authors")
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	ge := gateway.AsError(err)
	if ge.Code != gateway.CodeBadRequest {
		t.Fatalf("code = %s", ge.Code)
	}
}

func TestInferJoin_NoForeignKey(t *testing.T) {
	src := &TableShape{Object: "books"}
	tgt := &TableShape{Object: "authors"}
	if _, err := inferJoin("Book", "author", src, tgt, "authors"); err == nil {
		t.Fatal("expected error when no foreign key connects the tables")
	}
}

func TestDescribeDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.gql")
	schema := `
type Planet @model {
  id: ID!
  name: String!
  moons: [Moon]
  dimension: String
}
type Moon {
  name: String
}`
	if err := os.WriteFile(path, []byte(schema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	cfg := &config.RuntimeConfig{
		DataSource: config.DataSource{
			DatabaseType: config.KindCosmosNoSQL,
			Options:      map[string]any{"schema": path},
		},
	}
	p := NewProvider(gateway.TestDependencies(), cfg, nil)

	entity := config.Entity{Source: config.EntitySource{Object: "planets", Type: config.SourceTable}}
	shape, err := p.describeDocument("Planet", entity)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(shape.PrimaryKey) != 1 || shape.PrimaryKey[0] != "id" {
		t.Fatalf("primary key: %v", shape.PrimaryKey)
	}
	id := shape.Column("id")
	if id == nil || id.Nullable {
		t.Fatalf("id column: %+v", id)
	}
	moons := shape.Column("moons")
	if moons == nil || moons.Logical != TypeJSON {
		t.Fatalf("embedded list must read as JSON: %+v", moons)
	}
	dim := shape.Column("dimension")
	if dim == nil || !dim.Nullable {
		t.Fatalf("dimension: %+v", dim)
	}
}

func TestDescribeDocument_MissingType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.gql")
	if err := os.WriteFile(path, []byte("type Other { id: ID }"), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	cfg := &config.RuntimeConfig{
		DataSource: config.DataSource{
			DatabaseType: config.KindCosmosNoSQL,
			Options:      map[string]any{"schema": path},
		},
	}
	p := NewProvider(gateway.TestDependencies(), cfg, nil)
	entity := config.Entity{Source: config.EntitySource{Object: "planets"}}
	if _, err := p.describeDocument("Planet", entity); err == nil {
		t.Fatal("expected error for missing type")
	}
}
