package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// IncidentWorker buffers integrity incidents and writes them via a single
// worker goroutine, so verification never waits on the incident table.
type IncidentWorker struct {
	recorder domain.IncidentRecorder
	log      *logrus.Logger
	jobs     chan models.IntegrityIncident
}

// NewIncidentWorker creates an IncidentWorker with the given queue capacity.
func NewIncidentWorker(recorder domain.IncidentRecorder, log *logrus.Logger, queueSize int) *IncidentWorker {
	if queueSize <= 0 {
		queueSize = 256
	}

	return &IncidentWorker{
		recorder: recorder,
		log:      log,
		jobs:     make(chan models.IntegrityIncident, queueSize),
	}
}

// Enqueue adds an incident. Non-blocking; the incident is dropped (and
// logged at error level) if the queue is full.
func (w *IncidentWorker) Enqueue(inc models.IntegrityIncident) {
	select {
	case w.jobs <- inc:
		metrics.IncidentQueueDepth.Inc()
	default:
		w.log.WithFields(logrus.Fields{
			"tenant_id": inc.TenantID, "scope": inc.Scope, "reason": inc.Reason,
		}).Error("incident queue full, dropping incident")
	}
}

// Run processes incidents until the context is cancelled, then drains remaining ones.
func (w *IncidentWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case inc := <-w.jobs:
			w.process(inc)
		}
	}
}

func (w *IncidentWorker) drain() {
	for {
		select {
		case inc := <-w.jobs:
			w.process(inc)
		default:
			return
		}
	}
}

func (w *IncidentWorker) process(inc models.IntegrityIncident) {
	metrics.IncidentQueueDepth.Dec()

	if err := w.recorder.RecordIncident(context.Background(), inc); err != nil {
		w.log.WithError(err).WithField("tenant_id", inc.TenantID).Error("recording integrity incident failed")
	}
}
