package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

// introspect reads the catalog tables of the connected backend and builds a
// TableShape. Procedures get parameters instead of keys.
func (p *Provider) introspect(ctx context.Context, schema, object string, isProc bool) (*TableShape, error) {
	shape := &TableShape{Schema: schema, Object: object}
	kind := p.pool.Dialect.Kind

	if isProc {
		params, err := p.procParameters(ctx, kind, schema, object)
		if err != nil {
			return nil, err
		}
		cols, err := p.procResultColumns(ctx, kind, schema, object)
		if err != nil {
			return nil, err
		}
		shape.Parameters = params
		shape.Columns = cols
		return shape, nil
	}

	cols, err := p.tableColumns(ctx, kind, schema, object)
	if err != nil {
		return nil, err
	}
	shape.Columns = cols

	pk, err := p.primaryKey(ctx, kind, schema, object)
	if err != nil {
		return nil, err
	}
	shape.PrimaryKey = pk

	fks, err := p.foreignKeys(ctx, kind, schema, object)
	if err != nil {
		return nil, err
	}
	shape.ForeignKeys = fks
	return shape, nil
}

func (p *Provider) tableColumns(ctx context.Context, kind config.DatabaseKind, schema, object string) ([]Column, error) {
	var query string
	var args []any
	switch kind {
	case config.KindPostgreSQL:
		query = `
SELECT column_name, data_type, is_nullable, column_default, is_identity
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`
		args = []any{schema, object}
	case config.KindMySQL:
		query = `
SELECT column_name, data_type, is_nullable, column_default, extra
FROM information_schema.columns
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
ORDER BY ordinal_position`
		args = []any{schema, object}
	case config.KindMSSQL, config.KindDWSQL:
		query = `
SELECT c.name, t.name,
       CASE WHEN c.is_nullable = 1 THEN 'YES' ELSE 'NO' END,
       OBJECT_DEFINITION(c.default_object_id),
       CASE WHEN c.is_identity = 1 THEN 'YES' ELSE 'NO' END
FROM sys.columns c
JOIN sys.types t ON c.user_type_id = t.user_type_id
WHERE c.object_id = OBJECT_ID(@p1)
ORDER BY c.column_id`
		args = []any{schema + "." + object}
	default:
		return nil, gateway.InitializationError(fmt.Sprintf("no introspection for %q", kind), nil)
	}

	rows, err := p.pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gateway.DatabaseOperationFailed("introspect columns", err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var name, sqlType, nullable string
		var def, identity sql.NullString
		if err := rows.Scan(&name, &sqlType, &nullable, &def, &identity); err != nil {
			return nil, gateway.DatabaseOperationFailed("scan column row", err)
		}
		col := Column{
			Name:     name,
			SQLType:  strings.ToLower(sqlType),
			Logical:  logicalType(strings.ToLower(sqlType)),
			Nullable: nullable == "YES",
		}
		if def.Valid {
			d := def.String
			col.Default = &d
		}
		col.AutoGenerated = isAutoGenerated(def, identity)
		out = append(out, col)
	}
	return out, rows.Err()
}

// isAutoGenerated recognizes identity columns and sequence or auto-increment
// defaults across the three relational backends.
func isAutoGenerated(def, identity sql.NullString) bool {
	switch identity.String {
	case "YES", "ALWAYS", "BY DEFAULT":
		return true
	}
	if strings.Contains(identity.String, "auto_increment") {
		return true
	}
	return def.Valid && strings.Contains(def.String, "nextval(")
}

func (p *Provider) primaryKey(ctx context.Context, kind config.DatabaseKind, schema, object string) ([]string, error) {
	var query string
	var args []any
	switch kind {
	case config.KindPostgreSQL:
		query = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY kcu.ordinal_position`
		args = []any{schema, object}
	case config.KindMySQL:
		query = `
SELECT column_name
FROM information_schema.key_column_usage
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE())
  AND table_name = ? AND constraint_name = 'PRIMARY'
ORDER BY ordinal_position`
		args = []any{schema, object}
	case config.KindMSSQL, config.KindDWSQL:
		query = `
SELECT c.name
FROM sys.indexes i
JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
WHERE i.is_primary_key = 1 AND i.object_id = OBJECT_ID(@p1)
ORDER BY ic.key_ordinal`
		args = []any{schema + "." + object}
	}

	rows, err := p.pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gateway.DatabaseOperationFailed("introspect primary key", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, gateway.DatabaseOperationFailed("scan key row", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *Provider) foreignKeys(ctx context.Context, kind config.DatabaseKind, schema, object string) ([]ForeignKey, error) {
	var query string
	var args []any
	switch kind {
	case config.KindPostgreSQL:
		query = `
SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY tc.constraint_name, kcu.ordinal_position`
		args = []any{schema, object}
	case config.KindMySQL:
		query = `
SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE())
  AND table_name = ? AND referenced_table_name IS NOT NULL
ORDER BY constraint_name, ordinal_position`
		args = []any{schema, object}
	case config.KindMSSQL, config.KindDWSQL:
		query = `
SELECT fk.name, pc.name, OBJECT_NAME(fkc.referenced_object_id), rc.name
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
JOIN sys.columns pc ON fkc.parent_object_id = pc.object_id AND fkc.parent_column_id = pc.column_id
JOIN sys.columns rc ON fkc.referenced_object_id = rc.object_id AND fkc.referenced_column_id = rc.column_id
WHERE fk.parent_object_id = OBJECT_ID(@p1)
ORDER BY fk.name, fkc.constraint_column_id`
		args = []any{schema + "." + object}
	}

	rows, err := p.pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gateway.DatabaseOperationFailed("introspect foreign keys", err)
	}
	defer rows.Close()

	byName := map[string]*ForeignKey{}
	var order []string
	for rows.Next() {
		var name, col, refTable, refCol string
		if err := rows.Scan(&name, &col, &refTable, &refCol); err != nil {
			return nil, gateway.DatabaseOperationFailed("scan foreign key row", err)
		}
		fk, ok := byName[name]
		if !ok {
			fk = &ForeignKey{Name: name, RefTable: refTable}
			byName[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ForeignKey, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

func (p *Provider) procParameters(ctx context.Context, kind config.DatabaseKind, schema, object string) ([]Parameter, error) {
	var query string
	var args []any
	switch kind {
	case config.KindPostgreSQL:
		query = `
SELECT p.parameter_name, p.data_type, p.parameter_mode
FROM information_schema.parameters p
JOIN information_schema.routines r
  ON p.specific_name = r.specific_name AND p.specific_schema = r.specific_schema
WHERE r.routine_schema = $1 AND r.routine_name = $2 AND p.parameter_name IS NOT NULL
ORDER BY p.ordinal_position`
		args = []any{schema, object}
	case config.KindMySQL:
		query = `
SELECT parameter_name, data_type, parameter_mode
FROM information_schema.parameters
WHERE specific_schema = COALESCE(NULLIF(?, ''), DATABASE())
  AND specific_name = ? AND parameter_name IS NOT NULL
ORDER BY ordinal_position`
		args = []any{schema, object}
	case config.KindMSSQL, config.KindDWSQL:
		query = `
SELECT p.name, t.name, CASE WHEN p.is_output = 1 THEN 'OUT' ELSE 'IN' END
FROM sys.parameters p
JOIN sys.types t ON p.user_type_id = t.user_type_id
WHERE p.object_id = OBJECT_ID(@p1)
ORDER BY p.parameter_id`
		args = []any{schema + "." + object}
	}

	rows, err := p.pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gateway.DatabaseOperationFailed("introspect procedure parameters", err)
	}
	defer rows.Close()

	var out []Parameter
	for rows.Next() {
		var name, sqlType, mode string
		if err := rows.Scan(&name, &sqlType, &mode); err != nil {
			return nil, gateway.DatabaseOperationFailed("scan parameter row", err)
		}
		name = strings.TrimPrefix(name, "@")
		out = append(out, Parameter{
			Name:    name,
			SQLType: strings.ToLower(sqlType),
			Logical: logicalType(strings.ToLower(sqlType)),
			Output:  mode == "OUT" || mode == "INOUT",
		})
	}
	return out, rows.Err()
}

// procResultColumns discovers the first result set's columns where the
// backend can describe it without running the procedure. Only SQL Server is
// described; on PostgreSQL and MySQL procedure results stay untyped.
func (p *Provider) procResultColumns(ctx context.Context, kind config.DatabaseKind, schema, object string) ([]Column, error) {
	switch kind {
	case config.KindMSSQL, config.KindDWSQL:
		query := `
SELECT name, system_type_name, is_nullable
FROM sys.dm_exec_describe_first_result_set(@p1, NULL, 0)
WHERE name IS NOT NULL
ORDER BY column_ordinal`
		rows, err := p.pool.DB.QueryContext(ctx, query, "EXEC "+schema+"."+object)
		if err != nil {
			return nil, gateway.DatabaseOperationFailed("describe procedure result set", err)
		}
		defer rows.Close()

		var out []Column
		for rows.Next() {
			var name, sqlType string
			var nullable bool
			if err := rows.Scan(&name, &sqlType, &nullable); err != nil {
				return nil, gateway.DatabaseOperationFailed("scan result column row", err)
			}
			// system_type_name carries precision, e.g. varchar(50).
			base := strings.ToLower(sqlType)
			if i := strings.IndexByte(base, '('); i >= 0 {
				base = base[:i]
			}
			out = append(out, Column{
				Name:     name,
				SQLType:  base,
				Logical:  logicalType(base),
				Nullable: nullable,
			})
		}
		return out, rows.Err()
	default:
		return nil, nil
	}
}
