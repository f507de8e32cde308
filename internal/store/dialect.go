package store

import (
	"fmt"
	"strings"

	"datagate/internal/config"
)

// BindParam is one ordinal query parameter. SQLType carries the backend type
// so drivers coerce correctly instead of guessing from the Go value.
type BindParam struct {
	Value   any
	SQLType string
}

// ParamBuilder accumulates ordinal bind parameters and hands out
// dialect-specific placeholders. User-supplied values only ever travel
// through here, never through SQL text.
type ParamBuilder struct {
	dialect *Dialect
	params  []BindParam
}

func NewParamBuilder(d *Dialect) *ParamBuilder {
	return &ParamBuilder{dialect: d}
}

// Add appends a value and returns its placeholder.
func (p *ParamBuilder) Add(v any, sqlType string) string {
	p.params = append(p.params, BindParam{Value: v, SQLType: sqlType})
	return p.dialect.Placeholder(len(p.params))
}

// Params returns the accumulated parameters in bind order.
func (p *ParamBuilder) Params() []BindParam { return p.params }

func (p *ParamBuilder) Count() int { return len(p.params) }

// Values unwraps the parameters for database/sql.
func (p *ParamBuilder) Values() []any {
	out := make([]any, len(p.params))
	for i, bp := range p.params {
		out[i] = bp.Value
	}
	return out
}

// Dialect is a capability record describing how one backend kind spells its
// SQL. One value per kind; behavior differences are data, not subclasses.
type Dialect struct {
	Kind       config.DatabaseKind
	DriverName string

	QuoteIdent  func(ident string) string
	Placeholder func(ordinal int) string

	// LimitClause renders the row-bound clause appended after ORDER BY.
	LimitClause func(n int64) string

	// EscapeLike escapes LIKE wildcards in a match fragment so user input
	// matches literally. LikeEscapeClause is the ESCAPE suffix naming the
	// escape character in the backend's string-literal spelling.
	EscapeLike       func(fragment string) string
	LikeEscapeClause string

	// JSONArrayExpr wraps a row-returning subquery into a scalar JSON array
	// expression. cols are the projected aliases, needed by backends that
	// build objects column by column.
	JSONArrayExpr func(subquery string, cols []string) string

	// JSONObjectExpr wraps a single-row subquery into a scalar JSON object
	// expression (null when no row).
	JSONObjectExpr func(subquery string, cols []string) string

	// NestedJSONWrap adjusts a JSON-valued expression so an enclosing JSON
	// projection keeps it as JSON instead of re-escaping it as a string.
	NestedJSONWrap func(expr string) string

	// SupportsReturning reports whether mutations can project the affected
	// row in the same statement.
	SupportsReturning bool

	// ReturningClause renders the clause that projects mutated rows.
	// beforeValues tells the generator the clause sits between the column
	// list and VALUES (SQL Server OUTPUT) rather than at the end.
	ReturningClause func(cols []string) (clause string, beforeValues bool)

	// CallProcedure renders the invocation of a stored routine. argNames and
	// placeholders correspond 1:1.
	CallProcedure func(d *Dialect, object string, argNames, placeholders []string) string

	// UpsertStatement renders the full dialect-specific upsert.
	// placeholders correspond 1:1 to insertCols.
	UpsertStatement func(d *Dialect, table string, insertCols, keyCols, updateCols, placeholders []string) string

	// MapError classifies a driver error, returning one of the ErrXxx
	// sentinels or the error unchanged.
	MapError func(err error) error
}

// DialectFor returns the capability record for a relational kind.
func DialectFor(kind config.DatabaseKind) (*Dialect, error) {
	switch kind {
	case config.KindPostgreSQL:
		return postgresDialect, nil
	case config.KindMySQL:
		return mysqlDialect, nil
	case config.KindMSSQL, config.KindDWSQL:
		return mssqlDialect, nil
	default:
		return nil, fmt.Errorf("no relational dialect for %q", kind)
	}
}

func quoteDouble(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteBacktick(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func quoteBracket(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

// quoteQualified quotes each dot-separated part of a possibly
// schema-qualified object name.
func quoteQualified(name string, quote func(string) string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = quote(part)
	}
	return strings.Join(parts, ".")
}

// escapeLike backslash-escapes the given wildcard characters plus the escape
// character itself.
func escapeLike(fragment, wildcards string) string {
	var b strings.Builder
	for _, r := range fragment {
		if r == '\\' || strings.ContainsRune(wildcards, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func jsonObjectPairs(cols []string, quote func(string) string) string {
	pairs := make([]string, 0, len(cols)*2)
	for _, c := range cols {
		pairs = append(pairs, "'"+strings.ReplaceAll(c, "'", "''")+"'", "t."+quote(c))
	}
	return strings.Join(pairs, ", ")
}

var postgresDialect = &Dialect{
	Kind:       config.KindPostgreSQL,
	DriverName: "pgx",
	QuoteIdent: func(s string) string { return quoteQualified(s, quoteDouble) },
	Placeholder: func(n int) string {
		return fmt.Sprintf("$%d", n)
	},
	LimitClause: func(n int64) string {
		return fmt.Sprintf("LIMIT %d", n)
	},
	EscapeLike:       func(s string) string { return escapeLike(s, "%_") },
	LikeEscapeClause: ` ESCAPE '\'`,
	JSONArrayExpr: func(sub string, _ []string) string {
		return "COALESCE((SELECT json_agg(row_to_json(t)) FROM (" + sub + ") AS t), '[]'::json)"
	},
	JSONObjectExpr: func(sub string, _ []string) string {
		return "(SELECT row_to_json(t) FROM (" + sub + ") AS t)"
	},
	NestedJSONWrap:    func(expr string) string { return expr },
	SupportsReturning: true,
	ReturningClause: func(cols []string) (string, bool) {
		return "RETURNING " + joinQuoted(cols, quoteDouble), false
	},
	// Routines are set-returning functions on this backend.
	CallProcedure: func(d *Dialect, object string, _, placeholders []string) string {
		return "SELECT * FROM " + d.QuoteIdent(object) + "(" + strings.Join(placeholders, ", ") + ")"
	},
	UpsertStatement: upsertOnConflict,
	MapError:        mapPostgresError,
}

var mysqlDialect = &Dialect{
	Kind:       config.KindMySQL,
	DriverName: "mysql",
	QuoteIdent: func(s string) string { return quoteQualified(s, quoteBacktick) },
	Placeholder: func(int) string {
		return "?"
	},
	LimitClause: func(n int64) string {
		return fmt.Sprintf("LIMIT %d", n)
	},
	// The backend reads backslash escapes inside string literals, so the
	// escape character is spelled doubled.
	EscapeLike:       func(s string) string { return escapeLike(s, "%_") },
	LikeEscapeClause: ` ESCAPE '\\'`,
	JSONArrayExpr: func(sub string, cols []string) string {
		return "COALESCE((SELECT JSON_ARRAYAGG(JSON_OBJECT(" + jsonObjectPairs(cols, quoteBacktick) + ")) FROM (" + sub + ") AS t), JSON_ARRAY())"
	},
	JSONObjectExpr: func(sub string, cols []string) string {
		return "(SELECT JSON_OBJECT(" + jsonObjectPairs(cols, quoteBacktick) + ") FROM (" + sub + ") AS t)"
	},
	NestedJSONWrap:    func(expr string) string { return expr },
	SupportsReturning: false,
	ReturningClause: func([]string) (string, bool) {
		return "", false
	},
	CallProcedure: func(d *Dialect, object string, _, placeholders []string) string {
		return "CALL " + d.QuoteIdent(object) + "(" + strings.Join(placeholders, ", ") + ")"
	},
	UpsertStatement: upsertOnDuplicateKey,
	MapError:        mapMySQLError,
}

var mssqlDialect = &Dialect{
	Kind:       config.KindMSSQL,
	DriverName: "sqlserver",
	QuoteIdent: func(s string) string { return quoteQualified(s, quoteBracket) },
	Placeholder: func(n int) string {
		return fmt.Sprintf("@p%d", n)
	},
	LimitClause: func(n int64) string {
		return fmt.Sprintf("OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", n)
	},
	// Bracket classes are wildcards on this backend, so [ is escaped too.
	EscapeLike:       func(s string) string { return escapeLike(s, "%_[") },
	LikeEscapeClause: ` ESCAPE '\'`,
	JSONArrayExpr: func(sub string, _ []string) string {
		return "COALESCE((SELECT * FROM (" + sub + ") AS t FOR JSON PATH, INCLUDE_NULL_VALUES), '[]')"
	},
	JSONObjectExpr: func(sub string, _ []string) string {
		return "(SELECT * FROM (" + sub + ") AS t FOR JSON PATH, WITHOUT_ARRAY_WRAPPER, INCLUDE_NULL_VALUES)"
	},
	// FOR JSON re-escapes nested JSON strings unless told otherwise.
	NestedJSONWrap:    func(expr string) string { return "JSON_QUERY(" + expr + ")" },
	SupportsReturning: true,
	ReturningClause: func(cols []string) (string, bool) {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = "INSERTED." + quoteBracket(c)
		}
		return "OUTPUT " + strings.Join(quoted, ", "), true
	},
	CallProcedure: func(d *Dialect, object string, argNames, placeholders []string) string {
		if len(argNames) == 0 {
			return "EXEC " + d.QuoteIdent(object)
		}
		args := make([]string, len(argNames))
		for i, n := range argNames {
			args[i] = "@" + n + " = " + placeholders[i]
		}
		return "EXEC " + d.QuoteIdent(object) + " " + strings.Join(args, ", ")
	},
	UpsertStatement: upsertMerge,
	MapError:        mapMSSQLError,
}

func joinQuoted(cols []string, quote func(string) string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

func upsertOnConflict(d *Dialect, table string, insertCols, keyCols, updateCols, placeholders []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	b.WriteString(joinQuoted(insertCols, quoteDouble))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(") ON CONFLICT (")
	b.WriteString(joinQuoted(keyCols, quoteDouble))
	b.WriteString(")")
	if len(updateCols) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			sets[i] = quoteDouble(c) + " = EXCLUDED." + quoteDouble(c)
		}
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

func upsertOnDuplicateKey(d *Dialect, table string, insertCols, keyCols, updateCols, placeholders []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" (")
	b.WriteString(joinQuoted(insertCols, quoteBacktick))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(") ON DUPLICATE KEY UPDATE ")
	if len(updateCols) == 0 {
		// No-op assignment keeps the statement valid for key-only rows.
		pk := quoteBacktick(keyCols[0])
		b.WriteString(pk + " = " + pk)
		return b.String()
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = quoteBacktick(c) + " = VALUES(" + quoteBacktick(c) + ")"
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

func upsertMerge(d *Dialect, table string, insertCols, keyCols, updateCols, placeholders []string) string {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(d.QuoteIdent(table))
	b.WriteString(" AS tgt USING (VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(")) AS src (")
	b.WriteString(joinQuoted(insertCols, quoteBracket))
	b.WriteString(") ON ")
	on := make([]string, len(keyCols))
	for i, c := range keyCols {
		on[i] = "tgt." + quoteBracket(c) + " = src." + quoteBracket(c)
	}
	b.WriteString(strings.Join(on, " AND "))
	if len(updateCols) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			sets[i] = "tgt." + quoteBracket(c) + " = src." + quoteBracket(c)
		}
		b.WriteString(strings.Join(sets, ", "))
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinQuoted(insertCols, quoteBracket))
	b.WriteString(") VALUES (")
	srcCols := make([]string, len(insertCols))
	for i, c := range insertCols {
		srcCols[i] = "src." + quoteBracket(c)
	}
	b.WriteString(strings.Join(srcCols, ", "))
	b.WriteString(");")
	return b.String()
}
