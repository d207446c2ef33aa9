package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout       = 10 * time.Second
	wsReadLimit        = 4096
	clientSendBuffer   = 256
	maxConnLifetime    = 4 * time.Hour
	revalidateInterval = 15 * time.Minute
	revalidateTimeout  = 10 * time.Second
	pingInterval       = 30 * time.Second
	pingTimeout        = 10 * time.Second
	maxMissedPongs     = int32(2)
)

// Revalidator re-checks the connection's credential and returns the tenant it
// currently resolves to.
type Revalidator func(ctx context.Context) (tenantID string, err error)

// Client is one subscriber connection managed by the Hub.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	log         *logrus.Logger
	TenantID    string
	revalidate  Revalidator
	jobs        atomic.Pointer[map[string]struct{}]
	closeOnce   sync.Once
	connectedAt time.Time
}

// NewClient creates a Client for tenantID. revalidate may be nil.
func NewClient(hub *Hub, conn *websocket.Conn, tenantID string, revalidate Revalidator) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, clientSendBuffer),
		log:         hub.log,
		TenantID:    tenantID,
		revalidate:  revalidate,
		connectedAt: time.Now(),
	}
}

// closeSend closes the send channel exactly once.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// wants reports whether an event for jobID passes the client's job filter.
// An empty filter matches every job of the tenant.
func (c *Client) wants(jobID string) bool {
	filter := c.jobs.Load()
	if filter == nil || len(*filter) == 0 {
		return true
	}

	_, ok := (*filter)[jobID]

	return ok
}

// ReadPump reads client messages until the connection closes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.CloseNow() //nolint:errcheck // best-effort close on teardown
	}()

	c.conn.SetReadLimit(wsReadLimit)

	for {
		_, msgBytes, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.WithField("status", websocket.CloseStatus(err)).Debug("client disconnected")
			}

			return
		}

		c.handleMessage(msgBytes)
	}
}

// handleMessage applies a subscribe request: it replaces the job filter and
// asks the hub to replay missed events.
func (c *Client) handleMessage(msgBytes []byte) {
	var msg SubscribeMsg
	if err := json.Unmarshal(msgBytes, &msg); err != nil || msg.Type != "subscribe" {
		return
	}

	if len(msg.JobIDs) > maxJobFilter {
		msg.JobIDs = msg.JobIDs[:maxJobFilter]
	}

	filter := make(map[string]struct{}, len(msg.JobIDs))
	for _, id := range msg.JobIDs {
		filter[id] = struct{}{}
	}
	c.jobs.Store(&filter)

	c.hub.RequestReplay(c, msg.LastEventID)
}

func (c *Client) sendPing(ctx context.Context, missedPongs *atomic.Int32) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := c.conn.Ping(pingCtx)
	cancel()

	if err != nil {
		if missedPongs.Add(1) >= maxMissedPongs {
			c.log.Debug("closing: consecutive missed pongs")
			return true
		}

		return false
	}

	missedPongs.Store(0)

	return false
}

// WritePump delivers queued events. It enforces a maximum connection
// lifetime and periodically re-validates the caller's credential.
func (c *Client) WritePump(ctx context.Context) {
	defer c.conn.CloseNow() //nolint:errcheck // best-effort close on teardown

	lifetimeTimer := time.NewTimer(time.Until(c.connectedAt.Add(maxConnLifetime)))
	defer lifetimeTimer.Stop()

	revalidateTicker := time.NewTicker(revalidateInterval)
	defer revalidateTicker.Stop()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var missedPongs atomic.Int32

	for {
		select {
		case <-pingTicker.C:
			if c.sendPing(ctx, &missedPongs) {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusGoingAway, "closed by server") //nolint:errcheck // best-effort
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()

			if err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-revalidateTicker.C:
			if !c.stillAuthorized(ctx) {
				return
			}
		case <-lifetimeTimer.C:
			c.log.Info("closing WebSocket: max connection lifetime exceeded")
			c.conn.Close(websocket.StatusNormalClosure, "max connection lifetime exceeded") //nolint:errcheck // best-effort

			return
		}
	}
}

// stillAuthorized re-runs the credential check. A revoked key or a key that
// moved tenants closes the connection.
func (c *Client) stillAuthorized(ctx context.Context) bool {
	if c.revalidate == nil {
		return true
	}

	checkCtx, cancel := context.WithTimeout(ctx, revalidateTimeout)
	tenantID, err := c.revalidate(checkCtx)
	cancel()

	if err != nil || tenantID != c.TenantID {
		c.log.WithField("tenant_id", c.TenantID).Info("closing WebSocket: credential no longer valid")
		c.conn.Close(websocket.StatusPolicyViolation, "authentication expired") //nolint:errcheck // best-effort

		return false
	}

	return true
}
