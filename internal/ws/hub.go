// Package ws pushes export job state changes to tenant-scoped WebSocket
// subscribers.
package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/metrics"
)

// Hub channel buffer sizes.
const (
	broadcastBuffer = 256
	registerBuffer  = 64
)

// Connection limits and housekeeping.
const (
	maxClients          = 1000
	maxClientsPerTenant = 50
	drainTimeout        = 3 * time.Second
	bufferEvictInterval = 10 * time.Minute
)

// maxBroadcastPayload matches the 8000-byte pg_notify ceiling with headroom.
const maxBroadcastPayload = 4096

// Hub tracks connected clients and fans job events out to the right tenant.
// The client map is only touched by the Run goroutine.
type Hub struct {
	clients     map[*Client]bool
	tenantCount map[string]int
	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Event
	replay      chan replayRequest
	shutdown    chan struct{}
	done        chan struct{}
	count       atomic.Int64
	log         *logrus.Logger
	seq         *EventSequence
	buffer      *EventBuffer
}

// NewHub creates a new Hub instance.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		tenantCount: make(map[string]int),
		register:    make(chan *Client, registerBuffer),
		unregister:  make(chan *Client, registerBuffer),
		broadcast:   make(chan *Event, broadcastBuffer),
		replay:      make(chan replayRequest, registerBuffer),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		log:         log,
		seq:         NewEventSequence(),
		buffer:      NewEventBuffer(defaultBufferMaxLen, defaultBufferMaxAge),
	}
}

// Run is the hub event loop. It exits when Shutdown is called or ctx ends,
// draining connected clients first.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	evict := time.NewTicker(bufferEvictInterval)
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			h.drainClients()
			return
		case <-h.shutdown:
			h.drainClients()
			return
		case now := <-evict.C:
			h.buffer.EvictStale(now)
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			if h.clients[client] {
				h.remove(client)
			}
			h.log.WithField("total", len(h.clients)).Debug("client unregistered")
		case evt := <-h.broadcast:
			h.fanOut(evt)
		case req := <-h.replay:
			if h.clients[req.client] {
				h.replayTo(req.client, req.lastEventID)
			}
		}

		h.count.Store(int64(len(h.clients)))
		metrics.WSConnections.Set(float64(len(h.clients)))
	}
}

func (h *Hub) add(client *Client) {
	if len(h.clients) >= maxClients {
		h.log.Warn("global connection limit reached, dropping client")
		client.closeSend()
		return
	}

	if h.tenantCount[client.TenantID] >= maxClientsPerTenant {
		h.log.WithField("tenant_id", client.TenantID).Warn("per-tenant connection limit reached, dropping client")
		client.closeSend()
		return
	}

	h.clients[client] = true
	h.tenantCount[client.TenantID]++
	h.log.WithFields(logrus.Fields{"tenant_id": client.TenantID, "total": len(h.clients)}).Debug("client registered")
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	client.closeSend()

	h.tenantCount[client.TenantID]--
	if h.tenantCount[client.TenantID] <= 0 {
		delete(h.tenantCount, client.TenantID)
	}
}

func (h *Hub) fanOut(evt *Event) {
	msg, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).Error("marshalling job event")
		return
	}

	for client := range h.clients {
		if client.TenantID != evt.TenantID || !client.wants(evt.JobID) {
			continue
		}

		select {
		case client.send <- msg:
		default:
			// Slow consumer; it reconnects and replays from the buffer.
			h.remove(client)
		}
	}
}

// BroadcastEvent assigns a per-tenant event ID, buffers the event for replay
// and queues it for delivery to the tenant's subscribers.
func (h *Hub) BroadcastEvent(eventType, tenantID string, data json.RawMessage) {
	if len(data) > maxBroadcastPayload {
		h.log.WithFields(logrus.Fields{
			"tenant_id":    tenantID,
			"payload_size": len(data),
		}).Warn("dropping oversized job event")
		return
	}

	evt := &Event{
		Type:     eventType,
		ID:       h.seq.Next(tenantID),
		TenantID: tenantID,
		JobID:    jobIDOf(data),
		Data:     data,
		Time:     time.Now(),
	}

	h.buffer.Append(tenantID, evt)

	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn("broadcast channel full, dropping job event")
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	default:
		h.log.Warn("register channel full, dropping client")
		c.closeSend()
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Shutdown drains connected clients and blocks until Run returns.
func (h *Hub) Shutdown() {
	close(h.shutdown)
	<-h.done
}

// drainClients tells every client the server is going away, waits briefly
// for send buffers to flush, then closes them all.
func (h *Hub) drainClients() {
	if len(h.clients) == 0 {
		return
	}

	h.log.WithField("clients", len(h.clients)).Info("draining WebSocket clients")

	shutdownMsg := []byte(`{"type":"shutdown","message":"server shutting down"}`)
	for client := range h.clients {
		select {
		case client.send <- shutdownMsg:
		default:
		}
	}

	deadline := time.After(drainTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		drained := true
		for client := range h.clients {
			if len(client.send) > 0 {
				drained = false
				break
			}
		}

		if drained {
			break
		}

		select {
		case <-deadline:
			h.log.Warn("WebSocket drain timeout, closing remaining clients")
			break wait
		case <-ticker.C:
		}
	}

	for client := range h.clients {
		h.remove(client)
	}
}

type replayRequest struct {
	client      *Client
	lastEventID uint64
}

// RequestReplay asks the Run loop to resend buffered events after
// lastEventID to the client.
func (h *Hub) RequestReplay(c *Client, lastEventID uint64) {
	select {
	case h.replay <- replayRequest{client: c, lastEventID: lastEventID}:
	default:
		h.log.Warn("replay channel full, dropping replay request")
	}
}

// replayTo queues buffered events for the client, or a reset message when
// the requested ID has already been evicted.
func (h *Hub) replayTo(client *Client, lastEventID uint64) {
	events, complete := h.buffer.Replay(client.TenantID, lastEventID)
	if !complete {
		msg, err := json.Marshal(ResetMsg{
			Type:   "reset",
			Reason: "requested events no longer available, refetch job state",
		})
		if err == nil {
			select {
			case client.send <- msg:
			default:
			}
		}

		return
	}

	for _, evt := range events {
		if !client.wants(evt.JobID) {
			continue
		}

		msg, err := json.Marshal(evt)
		if err != nil {
			continue
		}

		select {
		case client.send <- msg:
		default:
			return
		}
	}
}
