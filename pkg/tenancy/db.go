// Package tenancy holds the pieces shared by the rls, rbac and compliance
// packages: the error taxonomy and the database handle abstraction.
package tenancy

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx. Stores accept it so a
// caller that needs atomicity can hand in a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NoOwner is returned by owner lookups that find nothing.
const NoOwner int64 = 0

// Validate returns an ErrValidation error when cond is false.
func Validate(cond bool, msg string) error {
	if cond {
		return nil
	}
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return "validation failed: " + e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }
