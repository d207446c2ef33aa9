// Package api provides the HTTP handlers for the custodian service.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// DBProbe is the slice of the connection pool the health checks need.
type DBProbe interface {
	HealthCheck(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ClientCounter reports connected WebSocket subscribers.
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db        DBProbe
	hub       ClientCounter
	log       *logrus.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a HealthHandler. db and hub may be nil.
func NewHealthHandler(db DBProbe, hub ClientCounter, log *logrus.Logger, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		hub:       hub,
		log:       log,
		version:   version,
		startTime: time.Now(),
	}
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Database      string  `json:"database"`
	Subscribers   int     `json:"subscribers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Liveness handles GET /health. It always answers 200; the database field
// is informational.
func (h *HealthHandler) Liveness(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		Version:       h.version,
		Database:      "connected",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.db.HealthCheck(ctx); err != nil {
			resp.Database = "disconnected"
		}
	} else {
		resp.Database = "not_configured"
	}

	if h.hub != nil {
		resp.Subscribers = h.hub.ClientCount()
	}

	c.JSON(http.StatusOK, resp)
}

// Readiness handles GET /ready: database reachable and ledger schema present.
func (h *HealthHandler) Readiness(c *gin.Context) {
	checks := map[string]string{"database": "ok", "schema": "ok"}
	status := "ready"
	statusCode := http.StatusOK

	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, readinessResponse{
			Status: "not_ready",
			Checks: map[string]string{"database": "not_configured", "schema": "unknown"},
		})

		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.HealthCheck(ctx); err != nil {
		h.log.WithError(err).Error("readiness: database health check failed")
		checks["database"] = "error"
		checks["schema"] = "unknown"
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	} else if err := h.checkSchema(ctx); err != nil {
		h.log.WithError(err).Error("readiness: schema check failed")
		checks["schema"] = "error"
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readinessResponse{Status: status, Checks: checks})
}

// checkSchema confirms the ledger tables exist. to_regclass is NULL for a
// missing relation and does not depend on tenant RLS context.
func (h *HealthHandler) checkSchema(ctx context.Context) error {
	var ok bool

	err := h.db.QueryRow(ctx, `SELECT to_regclass('public.ledger_entries') IS NOT NULL
		AND to_regclass('public.export_jobs') IS NOT NULL`).Scan(&ok)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}

	if !ok {
		return fmt.Errorf("schema check: ledger tables missing")
	}

	return nil
}
