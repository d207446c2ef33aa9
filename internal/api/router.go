package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/middleware"
	"github.com/persistorai/custodian/internal/ws"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Log         *logrus.Logger
	DB          DBProbe
	Hub         *ws.Hub
	Commands    CommandExecutor
	Ledger      LedgerQueries
	Anchors     AnchorTrigger
	Verifier    Verifier
	Exports     ExportReader
	Principals  domain.PrincipalLookup
	JWT         *middleware.JWTVerifier
	CORSOrigins []string
	Version     string
	// PublicVerifyRate is the per-IP request allowance per minute for the
	// unauthenticated verification endpoint.
	PublicVerifyRate int
}

// Router-level limits.
const (
	maxBodySize = 1 << 20 // 1 MB; record payloads are capped well below this
	rateLimit   = 100     // requests per second per IP
	rateBurst   = 200     // token bucket burst size

	metricsPath = "/metrics"
)

func setupMiddleware(ctx context.Context, r *gin.Engine, deps *RouterDeps) {
	r.SetTrustedProxies(nil) //nolint:errcheck // nil always succeeds.
	r.Use(middleware.RequestID(deps.Log))
	r.Use(ginLogger(deps.Log))
	r.Use(gin.Recovery())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.MaxBodySize(maxBodySize))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", IdempotencyKeyHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, ReplayedHeader, ArtifactHashHeader},
		MaxAge:           1 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(middleware.NewRateLimiter(ctx, rateLimit, rateBurst).Handler())
	r.Use(middleware.PrometheusMiddleware(metricsPath))

	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))
}

func registerRoutes(ctx context.Context, api *gin.RouterGroup, deps *RouterDeps) {
	log := deps.Log

	health := NewHealthHandler(deps.DB, hubCounter(deps.Hub), log, deps.Version)
	commands := NewCommandHandler(deps.Commands, log)
	ledgerH := NewLedgerHandler(deps.Ledger, deps.Anchors, log)
	verify := NewVerifyHandler(deps.Verifier, log)
	exports := NewExportHandler(deps.Exports, log)

	// Unauthenticated.
	api.GET("/health", health.Liveness)
	api.GET("/ready", health.Readiness)

	public := api.Group("/public", middleware.NewPerMinuteLimiter(ctx, deps.PublicVerifyRate).Handler())
	public.GET("/verify/:ref", verify.Public)

	// Everything else requires a principal.
	guard := middleware.NewBruteForceGuard(ctx, log)
	auth := middleware.NewAuthenticator(middleware.NewCachedPrincipalLookup(ctx, deps.Principals), deps.JWT, guard, log)

	authed := api.Group("", middleware.BruteForceMiddleware(guard), auth.Handler())

	authed.POST("/commands", commands.Execute)

	authed.GET("/ledger/entries", ledgerH.Entries)
	authed.GET("/ledger/export", ledgerH.Export)
	authed.GET("/ledger/anchors", ledgerH.Anchors)
	authed.POST("/ledger/anchors/:period", ledgerH.TriggerAnchor)
	authed.GET("/ledger/incidents", ledgerH.Incidents)
	authed.GET("/ledger/verify", verify.Range)
	authed.GET("/ledger/verify/entries/:entry", verify.Entry)
	authed.GET("/ledger/verify/periods/:period", verify.Period)

	authed.GET("/records/:id", ledgerH.Record)

	authed.POST("/exports", commands.RequestExport)
	authed.GET("/exports", exports.List)
	authed.GET("/exports/:id", exports.Get)
	authed.POST("/exports/:id/cancel", commands.CancelExport)
	authed.GET("/exports/:id/artifact", exports.Artifact)

	if deps.Hub != nil {
		authed.GET("/ws", wsHandler(ctx, log, deps.Hub, deps.CORSOrigins, auth))
	}
}

// hubCounter avoids handing a typed-nil *ws.Hub to the health handler.
func hubCounter(h *ws.Hub) ClientCounter {
	if h == nil {
		return nil
	}

	return h
}

// NewRouter creates and configures the Gin engine with all middleware and routes.
func NewRouter(ctx context.Context, deps *RouterDeps) http.Handler {
	r := gin.New()
	setupMiddleware(ctx, r, deps)
	registerRoutes(ctx, r.Group("/api/v1"), deps)

	return r
}
