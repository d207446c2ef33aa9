package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

// receiptPrefix marks public artifact receipt references.
const receiptPrefix = "rcpt_"

const maxReceiptLen = 64

// VerifyHandler serves tenant-scoped verification and the public
// single-artifact check.
type VerifyHandler struct {
	verifier Verifier
	log      *logrus.Logger
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(verifier Verifier, log *logrus.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: verifier, log: log}
}

// Range handles GET /ledger/verify?from&to.
func (h *VerifyHandler) Range(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	from, to, ok := parseRange(c)
	if !ok {
		return
	}

	report, err := h.verifier.VerifyRange(c.Request.Context(), p.TenantID, from, to)
	h.respond(c, p, "ledger.verify", report, err)
}

// Entry handles GET /ledger/verify/entries/:entry. The entry is given by
// sequence number or by id.
func (h *VerifyHandler) Entry(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	ref := c.Param("entry")

	if seq, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if seq < 1 {
			respondError(c, http.StatusBadRequest, models.CodeValidation, errBadSeq.Error())
			return
		}

		report, err := h.verifier.VerifyEntry(c.Request.Context(), p.TenantID, seq)
		h.respond(c, p, "ledger.verify_entry", report, err)

		return
	}

	if _, err := uuid.Parse(ref); err != nil {
		respondError(c, http.StatusBadRequest, models.CodeValidation,
			"entry must be a positive sequence number or an entry id")
		return
	}

	report, err := h.verifier.VerifyEntryID(c.Request.Context(), p.TenantID, ref)
	h.respond(c, p, "ledger.verify_entry", report, err)
}

// Period handles GET /ledger/verify/periods/:period.
func (h *VerifyHandler) Period(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	period := c.Param("period")
	if !ledger.ValidPeriodLabel(period) {
		respondError(c, http.StatusBadRequest, models.CodeValidation, "period must be YYYY-MM-DD or YYYY-MM-DDTHH")
		return
	}

	report, err := h.verifier.VerifyPeriod(c.Request.Context(), p.TenantID, period)
	h.respond(c, p, "ledger.verify_period", report, err)
}

func (h *VerifyHandler) respond(c *gin.Context, p models.Principal, op string, report *models.VerificationReport, err error) {
	if err != nil {
		respondServiceError(c, h.log, op, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"action":    op,
		"tenant_id": p.TenantID,
		"actor_id":  p.ActorID,
		"valid":     report.Valid,
		"from_seq":  report.FromSeq,
		"to_seq":    report.ToSeq,
	}).Info("audit")

	c.JSON(http.StatusOK, report)
}

// Public handles GET /public/verify/:ref. It reveals only whether the one
// artifact behind ref verifies; unknown and malformed refs are both 404.
func (h *VerifyHandler) Public(c *gin.Context) {
	ref := c.Param("ref")
	if !strings.HasPrefix(ref, receiptPrefix) || len(ref) > maxReceiptLen {
		respondError(c, http.StatusNotFound, models.CodeNotFound, "not found")
		return
	}

	result, err := h.verifier.VerifyArtifact(c.Request.Context(), ref)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound || models.KindOf(err) == models.KindValidation {
			respondError(c, http.StatusNotFound, models.CodeNotFound, "not found")
			return
		}

		respondServiceError(c, h.log, "public.verify", err)

		return
	}

	c.JSON(http.StatusOK, result)
}
