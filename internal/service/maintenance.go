package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// staleIntentBatch bounds intents settled per reconcile pass.
const staleIntentBatch = 100

// Reconciler settles staged intents whose command never finished: each is
// marked failed and a command.abandoned entry is appended.
type Reconciler struct {
	intents  IntentStore
	timeout  time.Duration
	interval time.Duration
	log      *logrus.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler. Intents pending longer than timeout
// are abandoned every interval.
func NewReconciler(intents IntentStore, timeout, interval time.Duration, log *logrus.Logger) *Reconciler {
	return &Reconciler{intents: intents, timeout: timeout, interval: interval, log: log, now: time.Now}
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("intent reconciliation failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce abandons one batch of stale intents and returns how many it settled.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	stale, err := r.intents.StaleIntents(ctx, r.now().Add(-r.timeout), staleIntentBatch)
	if err != nil {
		return 0, err
	}

	settled := 0

	for _, in := range stale {
		ok, err := r.intents.AbandonIntent(ctx, in, "intent timed out before finalization")
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"tenant_id": in.TenantID, "intent_id": in.ID,
			}).Warn("abandoning stale intent")

			continue
		}

		if ok {
			settled++

			r.log.WithFields(logrus.Fields{
				"tenant_id": in.TenantID, "intent_id": in.ID, "action": in.Action,
			}).Info("abandoned stale intent")
		}
	}

	return settled, nil
}

// IdempotencyPurger deletes expired idempotency records.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context, batch int) (int64, error)
}

// purgeBatch is small so a sweep never holds many row locks.
const purgeBatch = 500

// IdempotencySweeper periodically purges expired idempotency records.
type IdempotencySweeper struct {
	store    IdempotencyPurger
	interval time.Duration
	log      *logrus.Logger
}

// NewIdempotencySweeper creates an IdempotencySweeper.
func NewIdempotencySweeper(store IdempotencyPurger, interval time.Duration, log *logrus.Logger) *IdempotencySweeper {
	return &IdempotencySweeper{store: store, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled.
func (s *IdempotencySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("idempotency sweep failed")
			} else if n > 0 {
				s.log.WithField("purged", n).Debug("idempotency sweep")
			}
		}
	}
}

// Sweep purges in batches until a batch comes back short.
func (s *IdempotencySweeper) Sweep(ctx context.Context) (int64, error) {
	var total int64

	for ctx.Err() == nil {
		n, err := s.store.PurgeExpired(ctx, purgeBatch)
		total += n

		if err != nil {
			return total, err
		}

		if n < purgeBatch {
			break
		}
	}

	return total, nil
}
