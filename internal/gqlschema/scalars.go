package gqlschema

import (
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/spf13/cast"

	"datagate/internal/metadata"
)

// longType carries 64-bit integers, which the built-in Int scalar cannot.
var longType = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "Long",
	Description: "64-bit signed integer",
	Serialize:   func(value any) any { return value },
	ParseValue: func(value any) any {
		n, err := cast.ToInt64E(value)
		if err != nil {
			return nil
		}
		return n
	},
	ParseLiteral: func(value ast.Value) any {
		if v, ok := value.(*ast.IntValue); ok {
			n, err := cast.ToInt64E(v.Value)
			if err != nil {
				return nil
			}
			return n
		}
		return nil
	},
})

// dateTimeType passes backend timestamp strings through untouched. The
// database already renders them in ISO form inside the JSON document.
var dateTimeType = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "DateTime",
	Description: "ISO 8601 timestamp",
	Serialize: func(value any) any {
		if t, ok := value.(time.Time); ok {
			return t.Format(time.RFC3339Nano)
		}
		return value
	},
	ParseValue: func(value any) any { return value },
	ParseLiteral: func(value ast.Value) any {
		if v, ok := value.(*ast.StringValue); ok {
			return v.Value
		}
		return nil
	},
})

// byteArrayType carries binary columns as the base64 text the JSON row
// projection already produces.
var byteArrayType = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "ByteArray",
	Description: "base64-encoded binary value",
	Serialize:   func(value any) any { return value },
	ParseValue:  func(value any) any { return value },
	ParseLiteral: func(value ast.Value) any {
		if v, ok := value.(*ast.StringValue); ok {
			return v.Value
		}
		return nil
	},
})

// jsonType is an opaque document scalar for JSON columns and aggregation rows.
var jsonType = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "JSON",
	Description:  "arbitrary JSON value",
	Serialize:    func(value any) any { return value },
	ParseValue:   func(value any) any { return value },
	ParseLiteral: func(value ast.Value) any { return astValue(value, nil) },
})

// scalarFor maps a logical column type onto its GraphQL scalar.
func scalarFor(t metadata.LogicalType) *graphql.Scalar {
	switch t {
	case metadata.TypeInt:
		return longType
	case metadata.TypeFloat, metadata.TypeDecimal:
		return graphql.Float
	case metadata.TypeBool:
		return graphql.Boolean
	case metadata.TypeDateTime, metadata.TypeDate:
		return dateTimeType
	case metadata.TypeJSON:
		return jsonType
	case metadata.TypeBytes:
		return byteArrayType
	case metadata.TypeUUID:
		return graphql.ID
	default:
		return graphql.String
	}
}
