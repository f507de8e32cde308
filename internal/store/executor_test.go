package store

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	d, err := DialectFor(config.KindPostgreSQL)
	if err != nil {
		t.Fatalf("dialect: %v", err)
	}
	return NewExecutor(gateway.TestDependencies(), &Pool{Dialect: d})
}

func TestWrap_UniqueViolationBecomesConflict(t *testing.T) {
	e := testExecutor(t)
	err := e.wrap("insert", &pgconn.PgError{Code: "23505"})
	ge := gateway.AsError(err)
	if ge == nil {
		t.Fatalf("expected gateway error, got %T", err)
	}
	if ge.Code != gateway.CodeItemAlreadyExists {
		t.Fatalf("code = %s", ge.Code)
	}
	if ge.Status != 409 {
		t.Fatalf("status = %d", ge.Status)
	}
}

func TestWrap_DriverErrorBecomesDatabaseOperationFailed(t *testing.T) {
	e := testExecutor(t)
	err := e.wrap("query", &pgconn.PgError{Code: "42703", Message: "column does not exist"})
	ge := gateway.AsError(err)
	if ge == nil || ge.Code != gateway.CodeDatabaseOperationFailed {
		t.Fatalf("unexpected mapping: %v", err)
	}
	// Driver detail must be suppressed outside development mode.
	if msg := ge.PublicMessage(false); msg == "" || msg == ge.Message {
		t.Fatalf("production message must be generic, got %q", msg)
	}
}

func TestUnwrap_PreservesBindOrder(t *testing.T) {
	params := []BindParam{{Value: "a"}, {Value: 2}, {Value: nil}}
	vals := unwrap(params)
	if len(vals) != 3 || vals[0] != "a" || vals[1] != 2 || vals[2] != nil {
		t.Fatalf("values: %v", vals)
	}
}
