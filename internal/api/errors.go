package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/httputil"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// Error codes produced by the transport itself.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInternalError  = "internal_error"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeRateLimited    = "rate_limited"
)

// respondError writes a standardized JSON error response, pulling the request
// ID from the Gin context (set by the request ID middleware).
func respondError(c *gin.Context, status int, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, status, code, message)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	if models.CodeOf(err) == models.CodeExportQueueFull {
		return http.StatusTooManyRequests
	}

	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindAuthorization:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindIdempotencyConflict:
		return http.StatusConflict
	case models.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the text shown to the caller. Only validation
// messages are passed through; everything else is correlated via request_id.
func publicMessage(err error) string {
	switch models.KindOf(err) {
	case models.KindValidation:
		var e *models.Error
		if errors.As(err, &e) {
			return e.Message
		}
		return "invalid request"
	case models.KindAuthorization:
		return "role is not permitted to perform this action"
	case models.KindNotFound:
		return "not found"
	case models.KindConflict:
		return "request conflicts with current state; reload and retry"
	case models.KindIdempotencyConflict:
		return "a request with this idempotency key is still in progress"
	case models.KindStorage:
		return "storage temporarily unavailable; retry later"
	case models.KindCorruption:
		return "ledger integrity failure detected"
	default:
		return "internal server error"
	}
}

// respondServiceError maps a service-layer error onto the HTTP error shape
// and logs anything that is not the caller's fault.
func respondServiceError(c *gin.Context, log *logrus.Logger, op string, err error) {
	status := statusFor(err)

	code := models.CodeOf(err)
	if code == "" {
		code = ErrCodeInternalError
	}

	if status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"request_id": c.GetString("request_id"),
			"tenant_id":  c.GetString("tenant_id"),
		}).Error("request failed")
	}

	respondError(c, status, code, publicMessage(err))
}
