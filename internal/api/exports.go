package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/httputil"
)

// ArtifactHashHeader carries the SHA-256 of a downloaded export archive.
const ArtifactHashHeader = "X-Artifact-SHA256"

// ExportHandler serves export job reads and artifact downloads. Job
// creation and cancellation go through CommandHandler.
type ExportHandler struct {
	exports ExportReader
	log     *logrus.Logger
}

// NewExportHandler creates an ExportHandler.
func NewExportHandler(exports ExportReader, log *logrus.Logger) *ExportHandler {
	return &ExportHandler{exports: exports, log: log}
}

// List handles GET /exports.
func (h *ExportHandler) List(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	limit := parseInt(c.DefaultQuery("limit", "50"), 50)
	offset := parseOffset(c.DefaultQuery("offset", "0"))

	jobs, hasMore, err := h.exports.ListJobs(c.Request.Context(), p.TenantID, limit, offset)
	if err != nil {
		respondServiceError(c, h.log, "exports.list", err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewPage(jobs, hasMore))
}

// Get handles GET /exports/:id.
func (h *ExportHandler) Get(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	job, err := h.exports.GetJob(c.Request.Context(), p.TenantID, id)
	if err != nil {
		respondServiceError(c, h.log, "exports.get", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// Artifact handles GET /exports/:id/artifact. Only ready jobs have one.
func (h *ExportHandler) Artifact(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	job, body, err := h.exports.OpenArtifact(c.Request.Context(), p.TenantID, id)
	if err != nil {
		respondServiceError(c, h.log, "exports.artifact", err)
		return
	}
	defer body.Close()

	h.log.WithFields(logrus.Fields{
		"action":    "exports.download",
		"tenant_id": p.TenantID,
		"actor_id":  p.ActorID,
		"job_id":    id,
	}).Info("audit")

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="export-`+id+`.zip"`)

	if job.ArtifactHash != nil {
		c.Header(ArtifactHashHeader, *job.ArtifactHash)
	}

	if job.ArtifactSize != nil {
		c.Header("Content-Length", strconv.FormatInt(*job.ArtifactSize, 10))
	}

	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, body); err != nil {
		h.log.WithError(err).WithField("job_id", id).Warn("streaming export artifact")
	}
}
