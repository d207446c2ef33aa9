package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/httputil"
	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// RunnerConfig tunes the command runner.
type RunnerConfig struct {
	// MaxQueuedExports is the per-tenant admission limit for export.request.
	MaxQueuedExports int
	// RetryBase and RetryCap bound the backoff between transaction retries.
	RetryBase time.Duration
	RetryCap  time.Duration
	// MaxRetries is how many times a transient storage failure is retried.
	MaxRetries uint64
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.RetryBase <= 0 {
		c.RetryBase = 20 * time.Millisecond
	}

	if c.RetryCap <= 0 {
		c.RetryCap = time.Second
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}

	return c
}

// CommandRunner executes commands ledger-first: the domain mutation, its
// ledger entry and the idempotency outcome commit in one transaction.
type CommandRunner struct {
	tx      domain.Transactor
	access  *AccessGuard
	idem    *IdempotencyGuard
	intents IntentStore
	cfg     RunnerConfig
	log     *logrus.Logger
}

// NewCommandRunner creates a CommandRunner. intents may be nil when the
// staged protocol is not used.
func NewCommandRunner(
	tx domain.Transactor, access *AccessGuard, idem *IdempotencyGuard, intents IntentStore,
	cfg RunnerConfig, log *logrus.Logger,
) *CommandRunner {
	return &CommandRunner{tx: tx, access: access, idem: idem, intents: intents, cfg: cfg.withDefaults(), log: log}
}

var _ domain.CommandExecutor = (*CommandRunner)(nil)

// Execute validates, authorizes, deduplicates and applies cmd. The bool
// result reports whether the result was replayed from an earlier request
// with the same idempotency key.
func (r *CommandRunner) Execute(
	ctx context.Context, cmd models.Command, p models.Principal, idempotencyKey string,
) (res *models.CommandResult, replayed bool, err error) {
	ctx, span := tracer.Start(ctx, "command.execute", trace.WithAttributes(
		attribute.String("action", string(cmd.Action)),
		attribute.String("tenant_id", p.TenantID),
	))
	defer func() {
		outcome := "ok"
		switch {
		case replayed:
			outcome = "replayed"
		case err != nil:
			outcome = string(models.KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, models.CodeOf(err))
		}

		metrics.CommandsTotal.WithLabelValues(metricAction(cmd.Action), outcome).Inc()
		span.End()
	}()

	if err := cmd.Validate(); err != nil {
		return nil, false, err
	}

	// Stored results are only replayed to callers allowed the action.
	decision, err := r.access.Authorize(ctx, p, cmd.Action)
	if err != nil {
		return nil, false, err
	}

	if !decision.Allowed {
		return nil, false, r.denied(ctx, cmd, p, decision, idempotencyKey)
	}

	var hash string

	if idempotencyKey != "" {
		var stored *models.CommandResult

		stored, hash, err = r.begin(ctx, cmd, p, idempotencyKey)
		if err != nil {
			return nil, false, err
		}

		if stored != nil {
			return stored, true, nil
		}
	}

	res, err = r.execute(ctx, cmd, p, idempotencyKey, hash)
	if err != nil && idempotencyKey != "" {
		r.settleKey(ctx, p.TenantID, idempotencyKey, hash, err)
	}

	return res, false, err
}

// begin reserves key for cmd and returns the request hash it was reserved
// under, or the stored result of an earlier identical request.
func (r *CommandRunner) begin(
	ctx context.Context, cmd models.Command, p models.Principal, key string,
) (*models.CommandResult, string, error) {
	hash, err := RequestHash(cmd, p.ActorID)
	if err != nil {
		return nil, "", err
	}

	stored, err := r.idem.Begin(ctx, p.TenantID, key, hash)

	return stored, hash, err
}

// denied records a denial. With a key, the denial is remembered against it
// so the same actor retrying the same request replays the denial instead of
// appending another violation. Any other outcome of the key lookup still
// records the attempt.
func (r *CommandRunner) denied(
	ctx context.Context, cmd models.Command, p models.Principal, d models.AccessDecision, key string,
) error {
	if key == "" {
		return r.deny(ctx, p, d, "", "")
	}

	stored, hash, err := r.begin(ctx, cmd, p, key)
	switch {
	case err == nil && stored == nil:
		denyErr := r.deny(ctx, p, d, key, hash)
		if models.KindOf(denyErr) != models.KindAuthorization {
			r.idem.Release(ctx, p.TenantID, key, hash)
		}

		return denyErr
	case err != nil && models.KindOf(err) == models.KindAuthorization:
		return err
	default:
		return r.deny(ctx, p, d, "", "")
	}
}

func (r *CommandRunner) execute(
	ctx context.Context, cmd models.Command, p models.Principal, key, hash string,
) (*models.CommandResult, error) {
	var res *models.CommandResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.tx.InTenantTx(ctx, p.TenantID, func(ctx context.Context, tx domain.TxWriter) error {
			var err error

			res, err = r.apply(ctx, tx, cmd, p)
			if err != nil {
				return err
			}

			if key == "" {
				return nil
			}

			stored, err := json.Marshal(res)
			if err != nil {
				return fmt.Errorf("encoding command result: %w", err)
			}

			return tx.CompleteIdempotency(ctx, key, hash, stored)
		})
	})
	if err != nil {
		return nil, err
	}

	r.log.WithFields(httputil.LogFields(ctx, logrus.Fields{
		"tenant_id": p.TenantID,
		"action":    cmd.Action,
		"seq":       res.SequenceNo,
		"target_id": res.TargetID,
	})).Debug("command applied")

	return res, nil
}

// deny records the denial in the ledger and, in the same transaction,
// fails the idempotency key so a replay sees the same denial.
func (r *CommandRunner) deny(ctx context.Context, p models.Principal, d models.AccessDecision, key, hash string) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.tx.InTenantTx(ctx, p.TenantID, func(ctx context.Context, tx domain.TxWriter) error {
			if _, err := tx.AppendEntry(ctx, models.AppendRequest{
				EventName:  ledger.EventRoleViolation.String(),
				ActorID:    p.ActorID,
				TargetType: "action",
				TargetID:   string(d.Action),
				Metadata: map[string]any{
					"role":       string(d.Role),
					"action":     string(d.Action),
					"policy_ref": d.PolicyRef,
					"code":       d.Code,
				},
			}); err != nil {
				return err
			}

			if key == "" {
				return nil
			}

			return tx.FailIdempotency(ctx, key, hash, d.Code)
		})
	})
	if err != nil {
		return fmt.Errorf("recording role violation: %w", err)
	}

	metrics.RoleViolations.Inc()

	r.log.WithFields(httputil.LogFields(ctx, logrus.Fields{
		"tenant_id":  p.TenantID,
		"actor_id":   p.ActorID,
		"role":       p.Role,
		"action":     d.Action,
		"policy_ref": d.PolicyRef,
	})).Warn("command denied")

	return models.NewAuthorizationError(d.Code, deniedMessage(d))
}

func deniedMessage(d models.AccessDecision) string {
	if d.Code == models.CodeReadOnlyRole {
		return fmt.Sprintf("role %q is read-only", d.Role)
	}

	return fmt.Sprintf("role %q may not run %s", d.Role, d.Action)
}

// apply performs the mutation for cmd and appends its entry.
func (r *CommandRunner) apply(
	ctx context.Context, tx domain.TxWriter, cmd models.Command, p models.Principal,
) (*models.CommandResult, error) {
	event := ledger.EventForAction(cmd.Action)

	switch cmd.Action {
	case models.ActionRecordCreate, models.ActionRecordUpdate, models.ActionRecordDelete:
		payload, err := cmd.RecordPayload()
		if err != nil {
			return nil, err
		}

		rec, err := tx.ApplyMutation(ctx, mutationFor(cmd.Action, payload))
		if err != nil {
			return nil, err
		}

		meta := map[string]any{
			"record_type": rec.RecordType,
			"version":     rec.Version,
		}
		if len(payload.Data) > 0 {
			meta["data_sha256"] = sha256Hex(payload.Data)
		}

		e, err := tx.AppendEntry(ctx, models.AppendRequest{
			EventName: event.String(), ActorID: p.ActorID, TargetType: "record", TargetID: rec.ID, Metadata: meta,
		})
		if err != nil {
			return nil, err
		}

		return resultOf(cmd.Action, e, rec.Version), nil

	case models.ActionExportRequest:
		payload, err := cmd.ExportRequestPayload()
		if err != nil {
			return nil, err
		}

		job, err := tx.EnqueueExport(ctx, models.NewExportJob{
			Kind: payload.Kind, RequestedBy: p.ActorID, Filters: payload.Filters,
		}, r.cfg.MaxQueuedExports)
		if err != nil {
			return nil, err
		}

		e, err := tx.AppendEntry(ctx, models.AppendRequest{
			EventName: event.String(), ActorID: p.ActorID, TargetType: "export_job", TargetID: job.ID,
			Metadata: map[string]any{"kind": job.Kind, "filters": job.Filters},
		})
		if err != nil {
			return nil, err
		}

		return resultOf(cmd.Action, e, 0), nil

	case models.ActionExportCancel:
		payload, err := cmd.ExportCancelPayload()
		if err != nil {
			return nil, err
		}

		job, err := tx.RequestExportCancel(ctx, payload.JobID)
		if err != nil {
			return nil, err
		}

		e, err := tx.AppendEntry(ctx, models.AppendRequest{
			EventName: event.String(), ActorID: p.ActorID, TargetType: "export_job", TargetID: job.ID,
			Metadata: map[string]any{"state": string(job.State)},
		})
		if err != nil {
			return nil, err
		}

		return resultOf(cmd.Action, e, 0), nil
	}

	return nil, models.NewValidationError(models.CodeUnknownAction, fmt.Sprintf("unknown action %q", cmd.Action))
}

func mutationFor(action models.Action, p models.RecordPayload) models.Mutation {
	m := models.Mutation{
		RecordType:      p.RecordType,
		RecordID:        p.RecordID,
		ExpectedVersion: p.ExpectedVersion,
		Data:            p.Data,
	}

	switch action {
	case models.ActionRecordUpdate:
		m.Op = models.MutationUpdate
	case models.ActionRecordDelete:
		m.Op = models.MutationDelete
	default:
		m.Op = models.MutationCreate
	}

	return m
}

func resultOf(action models.Action, e *models.LedgerEntry, version int64) *models.CommandResult {
	return &models.CommandResult{
		EntryID:    e.ID,
		SequenceNo: e.SequenceNo,
		EntryHash:  e.EntryHash,
		Action:     action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Version:    version,
	}
}

// withRetry retries fn while it fails with a transient storage error.
func (r *CommandRunner) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewExponential(r.cfg.RetryBase)
	b = retry.WithCappedDuration(r.cfg.RetryCap, b)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(r.cfg.MaxRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && models.KindOf(err) == models.KindStorage {
			r.log.WithError(err).Debug("transient storage error, retrying")
			return retry.RetryableError(err)
		}

		return err
	})
}

// settleKey records a terminal failure against the key, or frees it so
// the client may retry.
func (r *CommandRunner) settleKey(ctx context.Context, tenantID, key, hash string, cause error) {
	if models.KindOf(cause) == models.KindAuthorization {
		// deny already failed the key in its own transaction.
		return
	}

	if !terminalFailure(cause) {
		r.idem.Release(ctx, tenantID, key, hash)
		return
	}

	err := r.tx.InTenantTx(ctx, tenantID, func(ctx context.Context, tx domain.TxWriter) error {
		return tx.FailIdempotency(ctx, key, hash, models.CodeOf(cause))
	})
	if err != nil {
		r.log.WithError(err).WithField("tenant_id", tenantID).Warn("recording idempotent failure")
		r.idem.Release(ctx, tenantID, key, hash)
	}
}

// ExternalMutator performs a change that cannot join the ledger
// transaction, such as a call to another system.
type ExternalMutator interface {
	// Mutate applies the change described by intent and returns metadata
	// for the ledger entry.
	Mutate(ctx context.Context, intent models.CommandIntent) (map[string]any, error)
}

// ExternalCommand describes a staged command.
type ExternalCommand struct {
	Action     models.Action
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// ExecuteExternal runs a mutation through the staged protocol: a pending
// intent is recorded, the mutation runs, then the ledger entry is appended
// and the intent completed in one transaction. An intent left pending is
// settled by the Reconciler.
func (r *CommandRunner) ExecuteExternal(
	ctx context.Context, cmd ExternalCommand, p models.Principal, m ExternalMutator,
) (*models.CommandResult, error) {
	if r.intents == nil {
		return nil, errors.New("staged commands are not configured")
	}

	if cmd.TargetType == "" || cmd.TargetID == "" {
		return nil, models.NewValidationError(models.CodeValidation, "target_type and target_id are required")
	}

	event := ledger.EventForAction(cmd.Action)
	if event == ledger.EventUnrecognized {
		return nil, models.NewValidationError(models.CodeUnknownAction, fmt.Sprintf("unknown action %q", cmd.Action))
	}

	decision, err := r.access.Authorize(ctx, p, cmd.Action)
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		return nil, r.deny(ctx, p, decision, "", "")
	}

	meta, err := ledger.MarshalMetadata(cmd.Metadata)
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidation, "metadata must be a JSON object")
	}

	intent, err := r.intents.CreateIntent(ctx, models.CommandIntent{
		TenantID:   p.TenantID,
		Action:     cmd.Action,
		ActorID:    p.ActorID,
		TargetType: cmd.TargetType,
		TargetID:   cmd.TargetID,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}

	log := r.log.WithFields(httputil.LogFields(ctx, logrus.Fields{"tenant_id": p.TenantID, "intent_id": intent.ID, "action": cmd.Action}))

	extra, err := m.Mutate(ctx, *intent)
	if err != nil {
		if _, abandonErr := r.intents.AbandonIntent(ctx, *intent, "external mutation failed"); abandonErr != nil {
			log.WithError(abandonErr).Warn("abandoning intent failed; reconciler will settle it")
		}

		return nil, fmt.Errorf("external mutation: %w", err)
	}

	entryMeta := make(map[string]any, len(cmd.Metadata)+len(extra)+1)
	for k, v := range cmd.Metadata {
		entryMeta[k] = v
	}
	for k, v := range extra {
		entryMeta[k] = v
	}
	entryMeta["intent_id"] = intent.ID

	var res *models.CommandResult

	err = r.withRetry(ctx, func(ctx context.Context) error {
		return r.tx.InTenantTx(ctx, p.TenantID, func(ctx context.Context, tx domain.TxWriter) error {
			e, err := tx.AppendEntry(ctx, models.AppendRequest{
				EventName: event.String(), ActorID: p.ActorID,
				TargetType: cmd.TargetType, TargetID: cmd.TargetID, Metadata: entryMeta,
			})
			if err != nil {
				return err
			}

			res = resultOf(cmd.Action, e, 0)

			return tx.CompleteIntent(ctx, intent.ID)
		})
	})
	if err != nil {
		log.WithError(err).Error("finalizing staged command failed; intent left for reconciliation")
		return nil, err
	}

	return res, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// metricAction keeps the action label bounded to the known set.
func metricAction(a models.Action) string {
	if ledger.EventForAction(a) == ledger.EventUnrecognized {
		return "unknown"
	}

	return string(a)
}
