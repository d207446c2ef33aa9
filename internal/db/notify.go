package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/dbpool"
)

// JobChannel is the NOTIFY channel export job transitions are published on.
const JobChannel = "job_changes"

// JobEventType is the WebSocket event type of a job transition.
const JobEventType = "export.job"

// Reconnect backoff bounds.
const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second

	// waitSlice bounds each WaitForNotification so a dead socket is noticed.
	waitSlice = 2 * time.Minute
)

// Broadcaster sends messages to connected clients.
type Broadcaster interface {
	BroadcastEvent(eventType, tenantID string, data json.RawMessage)
}

// JobNotification is the payload published on JobChannel.
type JobNotification struct {
	TenantID string `json:"tenant_id"`
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	State    string `json:"state"`
}

// Validate reports whether n can be routed to a tenant.
func (n JobNotification) Validate() error {
	if n.TenantID == "" {
		return errors.New("missing tenant_id")
	}
	if n.JobID == "" {
		return errors.New("missing job_id")
	}
	return nil
}

// NotifyBridge forwards job_changes notifications to the WebSocket hub.
// Delivery is best-effort; clients reconcile through GET /exports/:id.
type NotifyBridge struct {
	log  *logrus.Logger
	pool *dbpool.Pool
	hub  Broadcaster
}

// NewNotifyBridge creates a NotifyBridge wired to the given pool and hub.
func NewNotifyBridge(log *logrus.Logger, pool *dbpool.Pool, hub Broadcaster) *NotifyBridge {
	return &NotifyBridge{log: log, pool: pool, hub: hub}
}

// Start checks connectivity, then listens in the background until ctx ends,
// reconnecting with jittered exponential backoff after connection loss.
func (b *NotifyBridge) Start(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("notify bridge: database not reachable: %w", err)
	}

	go b.run(ctx)

	return nil
}

func (b *NotifyBridge) run(ctx context.Context) {
	backoff := reconnectBackoff()

	// The retry loop only ends when ctx is cancelled.
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error { //nolint:errcheck
		err := b.listen(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		b.log.WithError(err).Warn("notify bridge connection lost, reconnecting")

		return retry.RetryableError(err)
	})
}

func reconnectBackoff() retry.Backoff {
	b := retry.NewExponential(reconnectBase)
	b = retry.WithCappedDuration(reconnectCap, b)

	return retry.WithJitterPercent(25, b)
}

// listen holds one connection with LISTEN active and forwards notifications
// until the connection fails or ctx ends.
func (b *NotifyBridge) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{JobChannel}.Sanitize()); err != nil {
		return fmt.Errorf("executing LISTEN: %w", err)
	}

	b.log.WithField("channel", JobChannel).Info("notify bridge listening")

	for {
		waitCtx, cancel := context.WithTimeout(ctx, waitSlice)
		n, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()

		switch {
		case err == nil:
			b.handleNotification(n)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
			// Idle slice elapsed; probe the connection before waiting again.
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("connection probe: %w", err)
			}
		default:
			return fmt.Errorf("waiting for notification: %w", err)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// handleNotification forwards a single job payload to the hub.
func (b *NotifyBridge) handleNotification(n *pgconn.Notification) {
	var payload JobNotification
	if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
		b.log.WithError(err).WithField("channel", n.Channel).Warn("dropping malformed notification")
		return
	}

	if err := payload.Validate(); err != nil {
		b.log.WithError(err).WithField("channel", n.Channel).Warn("dropping notification")
		return
	}

	eventType := payload.Type
	if eventType == "" {
		eventType = JobEventType
	}

	b.log.WithFields(logrus.Fields{
		"tenant_id": payload.TenantID,
		"job_id":    payload.JobID,
		"state":     payload.State,
	}).Debug("job notification received")

	b.hub.BroadcastEvent(eventType, payload.TenantID, json.RawMessage(n.Payload))
}
