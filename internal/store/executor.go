package store

import (
	"context"
	"database/sql"
	"errors"

	"datagate/internal/gateway"
)

// Executor runs planned statements against one pool and maps driver errors
// into the gateway taxonomy.
type Executor struct {
	pool *Pool
	deps gateway.Dependencies
}

func NewExecutor(deps gateway.Dependencies, pool *Pool) *Executor {
	return &Executor{pool: pool, deps: deps}
}

func (e *Executor) Dialect() *Dialect { return e.pool.Dialect }

// QueryJSON runs a read statement whose single projected column is a JSON
// document and returns the raw document text. The statement runs in a
// read-only READ COMMITTED transaction.
func (e *Executor) QueryJSON(ctx context.Context, query string, params []BindParam) ([]byte, error) {
	release, err := e.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := e.pool.DB.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, e.wrap("begin read transaction", err)
	}
	defer tx.Rollback()

	doc, err := scanJSONDocument(ctx, tx, query, unwrap(params))
	if err != nil {
		return nil, e.wrap("execute query", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, e.wrap("commit read transaction", err)
	}
	return doc, nil
}

// Exec runs a write statement and returns the number of rows affected.
// When q is nil the statement runs on the pool outside any transaction.
func (e *Executor) Exec(ctx context.Context, q Querier, query string, params []BindParam) (int64, error) {
	if q == nil {
		release, err := e.pool.acquire(ctx)
		if err != nil {
			return 0, err
		}
		defer release()
		q = e.pool.DB
	}
	res, err := q.ExecContext(ctx, query, unwrap(params)...)
	if err != nil {
		return 0, e.wrap("execute mutation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, e.wrap("rows affected", err)
	}
	return n, nil
}

// InsertReturningKeys runs an insert and reports the primary key of the new
// row. Dialects with RETURNING project the key columns in the statement;
// MySQL falls back to LAST_INSERT_ID for a single generated key, merged over
// the client-supplied values.
func (e *Executor) InsertReturningKeys(ctx context.Context, q Querier, query string, params []BindParam, keyCols []string, supplied map[string]any) (map[string]any, error) {
	if q == nil {
		release, err := e.pool.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		q = e.pool.DB
	}

	if e.pool.Dialect.SupportsReturning {
		rows, err := q.QueryContext(ctx, query, unwrap(params)...)
		if err != nil {
			return nil, e.wrap("execute insert", err)
		}
		defer rows.Close()
		out, err := collectRows(rows)
		if err != nil {
			return nil, e.wrap("read returned keys", err)
		}
		if len(out) == 0 {
			return nil, gateway.DatabaseOperationFailed("insert returned no row", nil)
		}
		return out[0], nil
	}

	res, err := q.ExecContext(ctx, query, unwrap(params)...)
	if err != nil {
		return nil, e.wrap("execute insert", err)
	}
	keys := make(map[string]any, len(keyCols))
	for _, k := range keyCols {
		if v, ok := supplied[k]; ok {
			keys[k] = v
		}
	}
	if len(keys) < len(keyCols) {
		id, err := res.LastInsertId()
		if err != nil || len(keyCols) != 1 {
			return nil, gateway.DatabaseOperationFailed("cannot determine generated key", err)
		}
		keys[keyCols[0]] = id
	}
	return keys, nil
}

// QueryRows runs a statement and collects its rows as column-keyed maps.
// Used for stored procedures, aggregations and policy probes.
func (e *Executor) QueryRows(ctx context.Context, query string, params []BindParam) ([]map[string]any, error) {
	release, err := e.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := e.pool.DB.QueryContext(ctx, query, unwrap(params)...)
	if err != nil {
		return nil, e.wrap("execute query", err)
	}
	defer rows.Close()

	out, err := collectRows(rows)
	if err != nil {
		return nil, e.wrap("read result rows", err)
	}
	return out, nil
}

// Transact runs fn inside one transaction, committing when it returns nil.
// Multiple-mutation requests ride through here for all-or-nothing semantics.
func (e *Executor) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	release, err := e.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := e.pool.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.wrap("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return e.wrap("commit transaction", err)
	}
	return nil
}

// scanJSONDocument reads the single JSON column of a statement. SQL Server
// splits long FOR JSON output across multiple rows, so fragments concatenate.
func scanJSONDocument(ctx context.Context, q Querier, query string, args []any) ([]byte, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var doc []byte
	for rows.Next() {
		// NULL scalar subquery means no row matched.
		var fragment sql.NullString
		if err := rows.Scan(&fragment); err != nil {
			return nil, err
		}
		if fragment.Valid {
			doc = append(doc, fragment.String...)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}

func collectRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func unwrap(params []BindParam) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}

// wrap classifies a driver error and attaches the gateway taxonomy code.
func (e *Executor) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	mapped := e.pool.Dialect.MapError(err)
	switch {
	case errors.Is(mapped, ErrUniqueViolation):
		return gateway.ItemAlreadyExists("a record with the same key already exists")
	case errors.Is(mapped, ErrConstraint):
		return gateway.DatabaseOperationFailed(op, err)
	case errors.Is(mapped, ErrNotFound):
		return gateway.EntityNotFound("item")
	}
	return gateway.DatabaseOperationFailed(op, err)
}
