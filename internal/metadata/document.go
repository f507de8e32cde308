package metadata

import (
	"fmt"
	"os"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	"github.com/spf13/cast"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

// describeDocument derives a document entity's shape from the user-supplied
// GraphQL schema file. Document backends are not introspected.
func (p *Provider) describeDocument(name string, entity config.Entity) (*TableShape, error) {
	path := cast.ToString(p.cfg.DataSource.Options["schema"])
	if path == "" {
		return nil, gateway.InitializationError(
			"document backends require data-source.options.schema pointing at a GraphQL schema file", nil)
	}

	doc, err := p.documentSchema(path)
	if err != nil {
		return nil, err
	}

	typeName := entity.SingularName(name)
	def := findObjectType(doc, typeName, name)
	if def == nil {
		return nil, gateway.InitializationError(
			fmt.Sprintf("entity %q: no type %q in schema file %s", name, typeName, path), nil)
	}

	shape := &TableShape{Object: entity.Source.Object}
	for _, field := range def.Fields {
		col := Column{Name: field.Name.Value, Nullable: true}
		base, nonNull := unwrapType(field.Type)
		col.Nullable = !nonNull
		col.Logical = graphqlLogical(base)
		col.SQLType = base
		shape.Columns = append(shape.Columns, col)
	}
	// Cosmos documents always key on id.
	if shape.HasColumn("id") {
		shape.PrimaryKey = []string{"id"}
	}
	if len(shape.Columns) == 0 {
		return nil, gateway.InitializationError(
			fmt.Sprintf("entity %q: type %q has no fields", name, typeName), nil)
	}
	return shape, nil
}

// documentSchema parses the schema file once and shares the AST across
// entities.
func (p *Provider) documentSchema(path string) (*ast.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schemaDoc != nil {
		return p.schemaDoc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gateway.InitializationError("read schema file", err)
	}
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: raw, Name: path}),
	})
	if err != nil {
		return nil, gateway.InitializationError("parse schema file", err)
	}
	p.schemaDoc = doc
	return doc, nil
}

func findObjectType(doc *ast.Document, names ...string) *ast.ObjectDefinition {
	for _, def := range doc.Definitions {
		obj, ok := def.(*ast.ObjectDefinition)
		if !ok || obj.Name == nil {
			continue
		}
		for _, want := range names {
			if obj.Name.Value == want {
				return obj
			}
		}
	}
	return nil
}

// unwrapType strips NonNull and List wrappers, reporting top-level
// non-nullability.
func unwrapType(t ast.Type) (name string, nonNull bool) {
	if nn, ok := t.(*ast.NonNull); ok {
		nonNull = true
		t = nn.Type
	}
	for {
		switch v := t.(type) {
		case *ast.List:
			t = v.Type
		case *ast.NonNull:
			t = v.Type
		case *ast.Named:
			return v.Name.Value, nonNull
		default:
			return "", nonNull
		}
	}
}

func graphqlLogical(typeName string) LogicalType {
	switch typeName {
	case "Int":
		return TypeInt
	case "Float":
		return TypeFloat
	case "Boolean":
		return TypeBool
	case "ID", "String":
		return TypeString
	default:
		// Embedded object types surface as JSON fragments.
		return TypeJSON
	}
}
