package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/persistorai/custodian/internal/httputil"
)

// ErrCodePayloadTooLarge is returned when a request body exceeds the limit.
const ErrCodePayloadTooLarge = "payload_too_large"

// API responses carry ledger data; nothing may be cached or framed.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Cache-Control", "no-store"},
}

const hstsValue = "max-age=63072000; includeSubDomains"

// SecurityHeaders sets the response headers shared by every route.
// Strict-Transport-Security is only sent on requests that arrived over TLS,
// directly or through a proxy that reports it.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}

		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		c.Next()
	}
}

// MaxBodySize rejects requests whose declared length exceeds maxBytes and
// caps the body reader for the rest, so chunked uploads fail at the limit.
func MaxBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			respondError(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return
		}

		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}

		c.Next()
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	httputil.RespondError(c, status, code, message)
}
