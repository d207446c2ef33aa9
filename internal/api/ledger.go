package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/httputil"
	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

// LedgerHandler serves ledger reads, anchors, incidents and records.
type LedgerHandler struct {
	queries LedgerQueries
	anchors AnchorTrigger
	log     *logrus.Logger
}

// NewLedgerHandler creates a LedgerHandler. anchors may be nil, in which case
// the manual anchor trigger answers 503.
func NewLedgerHandler(queries LedgerQueries, anchors AnchorTrigger, log *logrus.Logger) *LedgerHandler {
	return &LedgerHandler{queries: queries, anchors: anchors, log: log}
}

// Entries handles GET /ledger/entries.
func (h *LedgerHandler) Entries(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	from, to, ok := parseRange(c)
	if !ok {
		return
	}

	limit := parseInt(c.DefaultQuery("limit", "100"), 100)

	entries, hasMore, err := h.queries.ListEntries(c.Request.Context(), p.TenantID, from, to, limit)
	if err != nil {
		respondServiceError(c, h.log, "ledger.entries", err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewPage(entries, hasMore))
}

// Export handles GET /ledger/export. The bundle is JSON by default and a zip
// archive with ?format=zip; either form verifies offline.
func (h *LedgerHandler) Export(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	from, to, ok := parseRange(c)
	if !ok {
		return
	}

	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "zip" {
		respondError(c, http.StatusBadRequest, models.CodeValidation, "format must be json or zip")
		return
	}

	bundle, err := h.queries.ExportBundle(c.Request.Context(), p.TenantID, from, to)
	if err != nil {
		respondServiceError(c, h.log, "ledger.export", err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"action":      "ledger.export",
		"tenant_id":   p.TenantID,
		"actor_id":    p.ActorID,
		"entry_count": bundle.Manifest.EntryCount,
	}).Info("audit")

	if format == "json" {
		c.JSON(http.StatusOK, bundle)
		return
	}

	var buf bytes.Buffer
	if err := ledger.WriteArchive(&buf, bundle); err != nil {
		respondServiceError(c, h.log, "ledger.export", err)
		return
	}

	name := fmt.Sprintf("ledger-%d-%d.zip", bundle.Manifest.FromSeq, bundle.Manifest.ToSeq)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// Anchors handles GET /ledger/anchors.
func (h *LedgerHandler) Anchors(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	limit := parseInt(c.DefaultQuery("limit", "50"), 50)
	offset := parseOffset(c.DefaultQuery("offset", "0"))

	anchors, hasMore, err := h.queries.ListAnchors(c.Request.Context(), p.TenantID, limit, offset)
	if err != nil {
		respondServiceError(c, h.log, "ledger.anchors", err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewPage(anchors, hasMore))
}

// TriggerAnchor handles POST /ledger/anchors/:period. Owners and admins only.
func (h *LedgerHandler) TriggerAnchor(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	if p.Role != models.RoleOwner && p.Role != models.RoleAdmin {
		respondError(c, http.StatusForbidden, models.CodeForbidden, "only owners and admins may trigger anchoring")
		return
	}

	if h.anchors == nil {
		respondError(c, http.StatusServiceUnavailable, models.CodeStorageUnavailable, "anchoring is not configured")
		return
	}

	period := c.Param("period")

	anchor, created, err := h.anchors.AnchorTenant(c.Request.Context(), p.TenantID, period)
	if err != nil {
		respondServiceError(c, h.log, "ledger.anchor", err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"action":    "ledger.anchor",
		"tenant_id": p.TenantID,
		"actor_id":  p.ActorID,
		"period":    period,
		"created":   created,
	}).Info("audit")

	switch {
	case anchor == nil:
		c.Status(http.StatusNoContent)
	case created:
		c.JSON(http.StatusCreated, anchor)
	default:
		c.JSON(http.StatusOK, anchor)
	}
}

// Incidents handles GET /ledger/incidents.
func (h *LedgerHandler) Incidents(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	limit := parseInt(c.DefaultQuery("limit", "50"), 50)
	offset := parseOffset(c.DefaultQuery("offset", "0"))

	incidents, hasMore, err := h.queries.ListIncidents(c.Request.Context(), p.TenantID, limit, offset)
	if err != nil {
		respondServiceError(c, h.log, "ledger.incidents", err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewPage(incidents, hasMore))
}

// Record handles GET /records/:id.
func (h *LedgerHandler) Record(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	rec, err := h.queries.GetRecord(c.Request.Context(), p.TenantID, id)
	if err != nil {
		respondServiceError(c, h.log, "records.get", err)
		return
	}

	c.JSON(http.StatusOK, rec)
}
