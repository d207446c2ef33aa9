package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/middleware"
	"github.com/persistorai/custodian/internal/models"
	"github.com/persistorai/custodian/internal/ws"
)

// principal returns the authenticated caller, aborting with 401 when the
// auth middleware did not run or produced an invalid tenant.
func principal(c *gin.Context) (models.Principal, bool) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return models.Principal{}, false
	}

	if _, err := uuid.Parse(p.TenantID); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid tenant id")
		return models.Principal{}, false
	}

	return p, true
}

// CredentialResolver maps a bearer credential to its principal.
type CredentialResolver interface {
	Resolve(ctx context.Context, token string) (*models.Principal, error)
}

// wsHandler upgrades to a WebSocket subscribed to the caller's tenant job feed.
func wsHandler(appCtx context.Context, log *logrus.Logger, hub *ws.Hub, corsOrigins []string, creds CredentialResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principal(c)
		if !ok {
			return
		}

		token := middleware.ExtractBearerToken(c)

		// CORS origins double as WebSocket origin patterns; config
		// validation rejects wildcards.
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns:       corsOrigins,
			CompressionMode:      websocket.CompressionContextTakeover,
			CompressionThreshold: 128,
		})
		if err != nil {
			log.WithError(err).Error("websocket accept failed")
			return
		}

		revalidate := func(ctx context.Context) (string, error) {
			rp, err := creds.Resolve(ctx, token)
			if err != nil {
				return "", err
			}
			return rp.TenantID, nil
		}

		client := ws.NewClient(hub, conn, p.TenantID, revalidate)
		hub.Register(client)

		wsCtx, wsCancel := context.WithCancel(appCtx)
		go func() {
			select {
			case <-c.Request.Context().Done():
				wsCancel()
			case <-wsCtx.Done():
			}
		}()

		go client.WritePump(wsCtx)
		client.ReadPump(wsCtx)
		wsCancel()
	}
}

func ginLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		}
		if rid, exists := c.Get(middleware.RequestIDKey); exists {
			fields["request_id"] = rid
		}
		if tid := c.GetString(middleware.TenantIDKey); tid != "" {
			fields["tenant_id"] = tid
		}
		log.WithFields(fields).Info("request")
	}
}

// Pagination caps.
const (
	maxPaginationLimit  = 1000
	maxPaginationOffset = 100000
)

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}

	if v > maxPaginationLimit {
		return maxPaginationLimit
	}

	return v
}

func parseOffset(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}

	if v > maxPaginationOffset {
		return maxPaginationOffset
	}

	return v
}

var errBadSeq = errors.New("sequence numbers must be positive integers")

// parseSeq reads an optional sequence query parameter; absent means 0.
func parseSeq(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, errBadSeq
	}

	return v, nil
}

// parseRange reads the from/to query parameters.
func parseRange(c *gin.Context) (int64, int64, bool) {
	from, err := parseSeq(c.Query("from"))
	if err != nil {
		respondError(c, http.StatusBadRequest, models.CodeValidation, err.Error())
		return 0, 0, false
	}

	to, err := parseSeq(c.Query("to"))
	if err != nil {
		respondError(c, http.StatusBadRequest, models.CodeValidation, err.Error())
		return 0, 0, false
	}

	if to != 0 && from > to {
		respondError(c, http.StatusBadRequest, models.CodeValidation, "from must not exceed to")
		return 0, 0, false
	}

	return from, to, true
}

// uuidParam reads a path parameter that must be a UUID.
func uuidParam(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		respondError(c, http.StatusBadRequest, models.CodeValidation, name+" must be a valid UUID")
		return "", false
	}

	return id, true
}
