package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// IdempotencyGuard maps idempotency keys to stored command outcomes.
type IdempotencyGuard struct {
	store IdempotencyStore
	lease time.Duration
	log   *logrus.Logger
}

// NewIdempotencyGuard creates an IdempotencyGuard. lease is how long a
// pending reservation blocks duplicates before it may be taken over.
func NewIdempotencyGuard(store IdempotencyStore, lease time.Duration, log *logrus.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{store: store, lease: lease, log: log}
}

// RequestHash fingerprints a command, and the actor sending it, independent
// of payload key order and whitespace. A key presented by another actor is
// therefore a different request.
func RequestHash(cmd models.Command, actorID string) (string, error) {
	var payload any

	dec := json.NewDecoder(bytes.NewReader(cmd.Payload))
	dec.UseNumber()

	if err := dec.Decode(&payload); err != nil {
		return "", models.NewValidationError(models.CodeValidation, "payload is not valid JSON")
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write([]byte(cmd.Action))
	h.Write([]byte{0})
	h.Write(canonical)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Begin reserves key. It returns (nil, nil) when the caller now owns the
// key, a stored result for a completed duplicate, or the error a duplicate
// must see.
func (g *IdempotencyGuard) Begin(ctx context.Context, tenantID, key, requestHash string) (*models.CommandResult, error) {
	if len(key) > models.MaxIdempotencyKeyLen {
		return nil, models.ErrFieldTooLong("idempotency_key", models.MaxIdempotencyKeyLen)
	}

	rec, owned, err := g.store.Reserve(ctx, tenantID, key, requestHash, g.lease)
	if err != nil {
		return nil, err
	}

	if owned {
		metrics.IdempotencyOutcomes.WithLabelValues("reserved").Inc()
		return nil, nil
	}

	if rec.RequestHash != requestHash {
		metrics.IdempotencyOutcomes.WithLabelValues("key_reused").Inc()
		return nil, models.NewValidationError(models.CodeIdempotencyKeyReused,
			"idempotency key was already used for a different request")
	}

	switch rec.Status {
	case models.IdempotencyCompleted:
		var res models.CommandResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			return nil, fmt.Errorf("decoding stored result for key %q: %w", key, err)
		}

		metrics.IdempotencyOutcomes.WithLabelValues("replayed").Inc()

		return &res, nil
	case models.IdempotencyFailed:
		metrics.IdempotencyOutcomes.WithLabelValues("failed_replayed").Inc()
		return nil, storedFailure(rec.ErrorCode)
	default:
		metrics.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
		return nil, models.NewIdempotencyConflict(key)
	}
}

// Release frees a reservation after a failure that committed nothing. A
// key since taken over by another request is left alone.
func (g *IdempotencyGuard) Release(ctx context.Context, tenantID, key, requestHash string) {
	if err := g.store.Release(ctx, tenantID, key, requestHash); err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{"tenant_id": tenantID, "key": key}).
			Warn("releasing idempotency key failed; it frees when the lease expires")
	}
}

// terminalFailure reports whether err is final for its request, so the
// key should remember it rather than allow a retry.
func terminalFailure(err error) bool {
	switch models.KindOf(err) {
	case models.KindValidation, models.KindAuthorization, models.KindNotFound:
		return true
	case models.KindConflict:
		return models.CodeOf(err) == models.CodeInvalidTransition || models.CodeOf(err) == models.CodeAlreadyExists
	default:
		return false
	}
}

// storedFailure rebuilds the error a failed key replays.
func storedFailure(code string) error {
	const msg = "request previously failed"

	switch code {
	case models.CodeReadOnlyRole, models.CodeForbidden:
		return models.NewAuthorizationError(code, msg)
	case models.CodeNotFound:
		return models.NewNotFoundError("target")
	case models.CodeInvalidTransition, models.CodeAlreadyExists:
		return models.NewConflictError(code, msg)
	default:
		return models.NewValidationError(code, msg)
	}
}
