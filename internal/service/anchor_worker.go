package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// externalBatch bounds anchors resubmitted per pass.
const externalBatch = 50

// ExternalAnchorer timestamps a Merkle root with an outside authority and
// returns a reference and the raw proof.
type ExternalAnchorer interface {
	Anchor(ctx context.Context, merkleRoot string) (ref string, token []byte, err error)
}

// AnchorWorkerConfig tunes the anchor worker.
type AnchorWorkerConfig struct {
	Interval    time.Duration
	Granularity ledger.Granularity
	// MaxExternalAttempts caps submissions per anchor.
	MaxExternalAttempts int
}

// AnchorWorker periodically commits a Merkle anchor per tenant and then
// submits pending anchors to the external anchorer, if any.
type AnchorWorker struct {
	store     AnchorWriter
	external  ExternalAnchorer
	incidents IncidentEnqueuer
	cfg       AnchorWorkerConfig
	log       *logrus.Logger
	now       func() time.Time
}

// NewAnchorWorker creates an AnchorWorker. external and incidents may be nil.
func NewAnchorWorker(
	store AnchorWriter, external ExternalAnchorer, incidents IncidentEnqueuer, cfg AnchorWorkerConfig, log *logrus.Logger,
) *AnchorWorker {
	return &AnchorWorker{store: store, external: external, incidents: incidents, cfg: cfg, log: log, now: time.Now}
}

// Run anchors on every tick until ctx is cancelled.
func (w *AnchorWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce anchors every tenant with new entries under the current period,
// then resubmits pending external anchors.
func (w *AnchorWorker) RunOnce(ctx context.Context) {
	period := w.cfg.Granularity.Label(w.now())

	tenants, err := w.store.TenantsWithUnanchored(ctx)
	if err != nil {
		w.log.WithError(err).Warn("listing unanchored tenants")
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}

		if _, _, err := w.AnchorTenant(ctx, tenantID, period); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"tenant_id": tenantID, "period": period}).
				Warn("anchoring tenant failed")
		}
	}

	w.submitExternal(ctx)
}

// AnchorTenant commits the anchor for tenantID and period. Running it
// again for the same period returns the existing anchor with created
// false; nil means there was nothing new to anchor.
func (w *AnchorWorker) AnchorTenant(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error) {
	if !ledger.ValidPeriodLabel(period) {
		return nil, false, models.NewValidationError(models.CodeValidation,
			"period must be YYYY-MM-DD or YYYY-MM-DDTHH")
	}

	ctx, span := tracer.Start(ctx, "anchor.create", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("period", period),
	))
	defer span.End()

	a, created, err := w.store.CreateAnchor(ctx, tenantID, period)
	if err != nil {
		span.RecordError(err)

		var ce *models.CorruptionError
		if errors.As(err, &ce) {
			reportCorruption(w.incidents, w.log, tenantID, "anchor", err, w.now())
		}

		return nil, false, err
	}

	if created {
		metrics.AnchorsCreated.Inc()

		w.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"period":    period,
			"first_seq": a.FirstSeq,
			"last_seq":  a.LastSeq,
			"root":      a.MerkleRoot,
		}).Info("ledger anchored")
	}

	return a, created, nil
}

// submitExternal timestamps anchors that have none yet. Failures are
// counted on the anchor and retried on a later pass until the cap.
func (w *AnchorWorker) submitExternal(ctx context.Context) {
	if w.external == nil {
		return
	}

	pending, err := w.store.PendingExternal(ctx, w.cfg.MaxExternalAttempts, externalBatch)
	if err != nil {
		w.log.WithError(err).Warn("listing pending external anchors")
		return
	}

	for i := range pending {
		a := &pending[i]
		log := w.log.WithFields(logrus.Fields{"tenant_id": a.TenantID, "period": a.Period})

		ref, token, err := w.external.Anchor(ctx, a.MerkleRoot)
		if err != nil {
			metrics.ExternalAnchors.WithLabelValues("failed").Inc()
			log.WithError(err).Warn("external anchoring failed")

			if err := w.store.RecordExternalFailure(ctx, a.ID, err.Error()); err != nil {
				log.WithError(err).Warn("recording external anchor failure")
			}

			continue
		}

		if err := w.store.SetExternalRef(ctx, a.ID, ref, token); err != nil {
			log.WithError(err).Warn("storing external anchor ref")
			continue
		}

		metrics.ExternalAnchors.WithLabelValues("anchored").Inc()
		log.WithField("ref", ref).Info("external anchor recorded")
	}
}
