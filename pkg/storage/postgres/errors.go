package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantguard/pkg/tenancy"
)

// PostgreSQL SQLSTATE codes the repositories react to
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func hasCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool { return hasCode(err, codeUniqueViolation) }

// IsForeignKeyViolation reports whether err is a foreign key violation
func IsForeignKeyViolation(err error) bool { return hasCode(err, codeForeignKeyViolation) }

// Classify maps a driver error from op onto the tenancy taxonomy: unique
// violations become ErrDuplicate, foreign key violations ErrNotFound, and
// everything else a StorageError.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, tenancy.ErrDuplicate)
	case IsForeignKeyViolation(err):
		return fmt.Errorf("%s: %w", op, tenancy.ErrNotFound)
	default:
		return tenancy.StorageError(op, err)
	}
}
