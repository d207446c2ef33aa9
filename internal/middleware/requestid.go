package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/httputil"
)

const (
	// RequestIDKey is the gin context key for the request ID.
	RequestIDKey = "request_id"

	// RequestIDHeader carries the request ID on responses.
	RequestIDHeader = "X-Request-ID"

	maxClientRequestIDLen = 128
)

// RequestID assigns every request a time-ordered server ID. The ID is set on
// the response, the gin context and the request context, where services pick
// it up for their log lines. A caller's own X-Request-ID is kept only as
// client_request_id.
func RequestID(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := newRequestID()

		if clientID := c.GetHeader(RequestIDHeader); clientID != "" {
			if len(clientID) > maxClientRequestIDLen {
				clientID = clientID[:maxClientRequestIDLen]
			}

			c.Set("client_request_id", clientID)
			log.WithFields(logrus.Fields{
				"request_id":        id,
				"client_request_id": clientID,
			}).Debug("client request id")
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(httputil.WithRequestID(c.Request.Context(), id))

		c.Next()
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
