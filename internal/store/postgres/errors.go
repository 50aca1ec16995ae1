package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsUndefinedTable reports a 42P01 undefined_table error.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}

// IsUniqueViolation returns true if the error is a PostgreSQL unique constraint violation.
// 23505 = unique_violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
