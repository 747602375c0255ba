package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"stockvault/internal/core/apperror"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// mapSerializationFailure turns serialization failures and deadlocks into
// retryable concurrency conflicts.
func mapSerializationFailure(err error) error {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return apperror.NewConcurrencyConflict("transaction", "", 0).WithCause(err)
	}
	return err
}
