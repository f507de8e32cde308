package metadata

// LogicalType folds backend-specific column types into the handful of kinds
// the planner and schema builder care about.
type LogicalType string

const (
	TypeString   LogicalType = "string"
	TypeInt      LogicalType = "int"
	TypeFloat    LogicalType = "float"
	TypeDecimal  LogicalType = "decimal"
	TypeBool     LogicalType = "bool"
	TypeDateTime LogicalType = "datetime"
	TypeDate     LogicalType = "date"
	TypeUUID     LogicalType = "uuid"
	TypeJSON     LogicalType = "json"
	TypeBytes    LogicalType = "bytes"
)

// Column describes one physical column.
type Column struct {
	Name     string
	SQLType  string
	Logical  LogicalType
	Nullable bool
	Default  *string
	// AutoGenerated marks identity and sequence-backed columns that the
	// backend fills on insert.
	AutoGenerated bool
}

// ForeignKey is one referential constraint on the table.
type ForeignKey struct {
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
}

// Parameter is one stored procedure parameter in declaration order.
type Parameter struct {
	Name    string
	SQLType string
	Logical LogicalType
	// Output marks OUT and INOUT parameters, which the engine does not bind.
	Output bool
}

// TableShape is the introspected description of one entity's backing object.
type TableShape struct {
	Schema     string
	Object     string
	Columns    []Column
	PrimaryKey []string
	ForeignKeys []ForeignKey
	// Parameters is populated for stored procedures only.
	Parameters []Parameter
}

// Column returns the named column, or nil.
func (s *TableShape) Column(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// HasColumn reports whether the named column exists.
func (s *TableShape) HasColumn(name string) bool {
	return s.Column(name) != nil
}

// ColumnNames returns all column names in declaration order.
func (s *TableShape) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsKeyColumn reports whether name is part of the primary key.
func (s *TableShape) IsKeyColumn(name string) bool {
	for _, k := range s.PrimaryKey {
		if k == name {
			return true
		}
	}
	return false
}

// QualifiedName returns schema.object, or just the object when the schema is
// implicit.
func (s *TableShape) QualifiedName() string {
	if s.Schema == "" {
		return s.Object
	}
	return s.Schema + "." + s.Object
}

// InsertableColumns returns the columns a client may supply on create.
func (s *TableShape) InsertableColumns() []Column {
	var out []Column
	for _, c := range s.Columns {
		if c.AutoGenerated {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UpdatableColumns returns the columns a client may change, which excludes
// the primary key.
func (s *TableShape) UpdatableColumns() []Column {
	var out []Column
	for _, c := range s.Columns {
		if c.AutoGenerated || s.IsKeyColumn(c.Name) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// logicalType folds a backend type name (already lowercased) into a
// LogicalType. Unknown types read as strings so they still round-trip
// through JSON.
func logicalType(sqlType string) LogicalType {
	switch sqlType {
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint",
		"tinyint", "mediumint", "smallserial", "serial", "bigserial", "year":
		return TypeInt
	case "real", "float", "float4", "float8", "double", "double precision":
		return TypeFloat
	case "numeric", "decimal", "money", "smallmoney":
		return TypeDecimal
	case "boolean", "bool", "bit":
		return TypeBool
	case "date":
		return TypeDate
	case "timestamp", "timestamptz", "timestamp with time zone",
		"timestamp without time zone", "datetime", "datetime2",
		"smalldatetime", "datetimeoffset", "time":
		return TypeDateTime
	case "uuid", "uniqueidentifier":
		return TypeUUID
	case "json", "jsonb":
		return TypeJSON
	case "bytea", "blob", "mediumblob", "longblob", "binary", "varbinary", "image":
		return TypeBytes
	default:
		return TypeString
	}
}
