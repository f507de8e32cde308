package store

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("unique constraint violation")
	ErrConstraint      = errors.New("constraint violation")
)

func mapPostgresError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrUniqueViolation
		case "23503", "23502", "23514":
			return ErrConstraint
		}
	}
	return err
}

func mapMySQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return ErrUniqueViolation
		case 1048, 1216, 1217, 1451, 1452, 3819:
			return ErrConstraint
		}
	}
	return err
}

func mapMSSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case 2627, 2601:
			return ErrUniqueViolation
		case 515, 547:
			return ErrConstraint
		}
	}
	return err
}
