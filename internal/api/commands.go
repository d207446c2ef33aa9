package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/models"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set to "true" on responses served from a completed
// idempotency record.
const ReplayedHeader = "Idempotent-Replayed"

// CommandHandler serves the command endpoint and the command-backed export
// mutations.
type CommandHandler struct {
	runner CommandExecutor
	log    *logrus.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(runner CommandExecutor, log *logrus.Logger) *CommandHandler {
	return &CommandHandler{runner: runner, log: log}
}

type commandRequest struct {
	Action         models.Action   `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// idempotencyKey merges the header and body keys. Both may be given only if
// they agree.
func idempotencyKey(c *gin.Context, bodyKey string) (string, bool) {
	header := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	bodyKey = strings.TrimSpace(bodyKey)

	key := header
	if key == "" {
		key = bodyKey
	}

	if header != "" && bodyKey != "" && header != bodyKey {
		respondError(c, http.StatusBadRequest, models.CodeValidation,
			"Idempotency-Key header and idempotency_key field disagree")
		return "", false
	}

	if len(key) > models.MaxIdempotencyKeyLen {
		respondError(c, http.StatusBadRequest, models.CodeValidation, "idempotency key is too long")
		return "", false
	}

	return key, true
}

// Execute handles POST /commands.
func (h *CommandHandler) Execute(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	key, ok := idempotencyKey(c, req.IdempotencyKey)
	if !ok {
		return
	}

	h.run(c, p, models.Command{Action: req.Action, Payload: req.Payload}, key, http.StatusCreated)
}

// run executes cmd and writes the result. A replay answers 200 with
// ReplayedHeader set; a fresh execution answers freshStatus.
func (h *CommandHandler) run(c *gin.Context, p models.Principal, cmd models.Command, key string, freshStatus int) {
	res, replayed, err := h.runner.Execute(c.Request.Context(), cmd, p, key)
	if err != nil {
		respondServiceError(c, h.log, string(cmd.Action), err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"action":      cmd.Action,
		"tenant_id":   p.TenantID,
		"actor_id":    p.ActorID,
		"sequence_no": res.SequenceNo,
		"replayed":    replayed,
	}).Info("audit")

	if replayed {
		c.Header(ReplayedHeader, "true")
		c.JSON(http.StatusOK, res)

		return
	}

	c.JSON(freshStatus, res)
}

type exportRequest struct {
	Kind           string               `json:"kind"`
	Filters        models.ExportFilters `json:"filters"`
	IdempotencyKey string               `json:"idempotency_key"`
}

// RequestExport handles POST /exports. The job is queued through the
// export.request command so the request itself lands in the ledger.
func (h *CommandHandler) RequestExport(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req exportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}

	key, ok := idempotencyKey(c, req.IdempotencyKey)
	if !ok {
		return
	}

	payload, err := json.Marshal(models.ExportRequestPayload{Kind: req.Kind, Filters: req.Filters})
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	h.run(c, p, models.Command{Action: models.ActionExportRequest, Payload: payload}, key, http.StatusAccepted)
}

// CancelExport handles POST /exports/:id/cancel.
func (h *CommandHandler) CancelExport(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	jobID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	key, ok := idempotencyKey(c, "")
	if !ok {
		return
	}

	payload, err := json.Marshal(models.ExportCancelPayload{JobID: jobID})
	if err != nil {
		respondError(c, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
		return
	}

	h.run(c, p, models.Command{Action: models.ActionExportCancel, Payload: payload}, key, http.StatusAccepted)
}
