package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/persistorai/custodian/internal/models"
)

// Postgres SQLSTATE codes the stores react to.
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgFeatureNotSupported  = "0A000"
	pgQueryCanceled        = "57014"
	pgAdminShutdown        = "57P01"
)

// ErrClaimLost is returned when a conditional job transition matched no
// row: another worker reclaimed the job or its state moved on.
var ErrClaimLost = models.NewConflictError(models.CodeClaimLost, "job claim no longer held")

// ErrCancelPending is returned by Complete when the job's cancel flag was
// set after its last transition. The claim is still held.
var ErrCancelPending = models.NewConflictError(models.CodeCancelPending, "cancel requested before completion")

// classify wraps err with op context. Transient failures become retryable
// storage errors; everything else is returned wrapped as-is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}

	if isTransient(err) {
		return models.NewStorageError(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isTransient reports whether a retry of the whole transaction may succeed.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgQueryCanceled, pgAdminShutdown:
			return true
		}

		// Class 08: connection exceptions.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return pgconn.SafeToRetry(err)
}

// pgCode returns the SQLSTATE of err, or "".
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}
