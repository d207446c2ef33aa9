package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/persistorai/custodian/internal/artifact"
	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// errCancelRequested stops processing when the job's cancel flag is seen.
var errCancelRequested = errors.New("cancel requested")

// ExportConfig tunes the export pipeline.
type ExportConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	// WorkerPrefix distinguishes this instance's workers in claimed_by.
	WorkerPrefix string
}

// ExportPipeline claims queued export jobs and turns them into stored
// ledger bundles.
type ExportPipeline struct {
	claims  ClaimStrategy
	jobs    JobStore
	ledger  LedgerReader
	anchors AnchorReader
	storage artifact.Storage
	cfg     ExportConfig
	log     *logrus.Logger
	now     func() time.Time
}

// NewExportPipeline creates an ExportPipeline.
func NewExportPipeline(
	claims ClaimStrategy, jobs JobStore, lr LedgerReader, ar AnchorReader,
	storage artifact.Storage, cfg ExportConfig, log *logrus.Logger,
) *ExportPipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "export"
	}

	return &ExportPipeline{
		claims: claims, jobs: jobs, ledger: lr, anchors: ar,
		storage: storage, cfg: cfg, log: log, now: time.Now,
	}
}

// Run starts the workers and the expiry janitor and blocks until ctx is
// cancelled. A job interrupted by shutdown keeps its claim until it expires
// and is then reclaimed.
func (p *ExportPipeline) Run(ctx context.Context) error {
	p.log.WithFields(logrus.Fields{
		"workers": p.cfg.Workers, "strategy": p.claims.Name(),
	}).Info("starting export workers")

	g, ctx := errgroup.WithContext(ctx)

	for i := range p.cfg.Workers {
		worker := fmt.Sprintf("%s-%d", p.cfg.WorkerPrefix, i)
		g.Go(func() error { return p.runWorker(ctx, worker) })
	}

	g.Go(func() error { return p.runJanitor(ctx) })

	err := g.Wait()
	p.log.Info("export workers stopped")

	return err
}

func (p *ExportPipeline) runWorker(ctx context.Context, worker string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		handled, err := p.ProcessNext(ctx, worker)
		if err != nil && ctx.Err() == nil {
			p.log.WithError(err).WithField("worker_id", worker).Warn("export claim failed")
		}

		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *ExportPipeline) runJanitor(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval * 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.jobs.SweepExpired(ctx, p.cfg.MaxAttempts)
			if err != nil {
				p.log.WithError(err).Warn("sweeping expired export claims")
				continue
			}

			if n > 0 {
				metrics.ExportsFinished.WithLabelValues("expired").Add(float64(n))
				p.log.WithField("settled", n).Info("settled expired export jobs")
			}
		}
	}
}

// ProcessNext claims one job and runs it to a terminal state. It reports
// whether a job was claimed.
func (p *ExportPipeline) ProcessNext(ctx context.Context, worker string) (bool, error) {
	job, err := p.claims.Claim(ctx, worker)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues(p.claims.Name(), "error").Inc()
		return false, err
	}

	if job == nil {
		metrics.ClaimsTotal.WithLabelValues(p.claims.Name(), "empty").Inc()
		return false, nil
	}

	metrics.ClaimsTotal.WithLabelValues(p.claims.Name(), "claimed").Inc()
	metrics.ActiveExports.Inc()
	defer metrics.ActiveExports.Dec()

	p.settle(ctx, job, worker, p.process(ctx, job, worker))

	return true, nil
}

// process walks a preparing job through generating and uploading to ready.
// Failures inside the pipeline are recorded on the job before returning.
// The cancel flag is checked after every transition and once more by the
// ready transition itself.
func (p *ExportPipeline) process(ctx context.Context, job *models.ExportJob, worker string) (err error) {
	ctx, span := tracer.Start(ctx, "service.ExportPipeline.process", trace.WithAttributes(
		attribute.String("tenant_id", job.TenantID),
		attribute.String("job_id", job.ID),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID, "worker_id": worker})

	cur := job

	defer func() {
		if err != nil {
			span.RecordError(err)
		}
	}()

	if cur.CancelRequested {
		return p.cancel(ctx, cur, worker)
	}

	if cur, err = p.jobs.Advance(ctx, cur, worker, models.JobGenerating); err != nil {
		return err
	}

	if cur.CancelRequested {
		return p.cancel(ctx, cur, worker)
	}

	bundle, err := BuildBundle(ctx, p.ledger, p.anchors, cur.TenantID, cur.Filters, 0, p.now())
	if err != nil {
		return p.fail(ctx, cur, worker, fmt.Errorf("building bundle: %w", err))
	}

	var buf bytes.Buffer
	if err := ledger.WriteArchive(&buf, bundle); err != nil {
		return p.fail(ctx, cur, worker, fmt.Errorf("writing archive: %w", err))
	}

	sum := sha256.Sum256(buf.Bytes())
	hash := hex.EncodeToString(sum[:])

	if cur, err = p.jobs.Advance(ctx, cur, worker, models.JobUploading); err != nil {
		return err
	}

	if cur.CancelRequested {
		return p.cancel(ctx, cur, worker)
	}

	key := artifact.ObjectKey(cur.TenantID, cur.ID)
	size := int64(buf.Len())

	if _, err := p.storage.Put(ctx, artifact.Object{
		TenantID:    cur.TenantID,
		Key:         key,
		ContentType: "application/zip",
		Body:        &buf,
		Size:        size,
	}); err != nil {
		return p.fail(ctx, cur, worker, fmt.Errorf("storing artifact: %w", err))
	}

	done, entry, err := p.jobs.Complete(ctx, cur, worker, models.ExportCompletion{
		ArtifactHash: hash,
		ArtifactKey:  key,
		ArtifactSize: size,
		EntryCount:   len(bundle.Entries),
	})
	if models.CodeOf(err) == models.CodeCancelPending {
		if derr := p.storage.Delete(ctx, key); derr != nil {
			log.WithError(derr).Warn("removing artifact of cancelled export")
		}

		return p.cancel(ctx, cur, worker)
	}

	if err != nil {
		return err
	}

	metrics.ExportsFinished.WithLabelValues(string(models.JobReady)).Inc()
	log.WithFields(logrus.Fields{
		"receipt_ref": *done.ReceiptRef, "entry_seq": entry.SequenceNo, "entries": len(bundle.Entries),
	}).Info("export ready")

	return nil
}

func (p *ExportPipeline) cancel(ctx context.Context, job *models.ExportJob, worker string) error {
	if _, err := p.jobs.Cancel(ctx, job, worker); err != nil {
		return err
	}

	metrics.ExportsFinished.WithLabelValues(string(models.JobCancelled)).Inc()

	return errCancelRequested
}

// fail records cause on the job. When the job has already moved on, the
// claim error is returned instead.
func (p *ExportPipeline) fail(ctx context.Context, job *models.ExportJob, worker string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if _, err := p.jobs.Fail(ctx, job, worker, cause.Error()); err != nil {
		return err
	}

	metrics.ExportsFinished.WithLabelValues(string(models.JobFailed)).Inc()

	return cause
}

// settle logs how processing ended. Lost claims and shutdown leave the job
// for whoever holds or reclaims it.
func (p *ExportPipeline) settle(ctx context.Context, job *models.ExportJob, worker string, err error) {
	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID, "worker_id": worker})

	switch {
	case err == nil:
	case errors.Is(err, errCancelRequested):
		log.Info("export cancelled")
	case models.CodeOf(err) == models.CodeClaimLost:
		log.Warn("export claim lost, abandoning job")
	case ctx.Err() != nil:
		log.Info("export interrupted by shutdown")
	default:
		log.WithError(err).Error("export failed")
	}
}
