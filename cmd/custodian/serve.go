package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/persistorai/custodian/internal/anchor/rfc3161"
	"github.com/persistorai/custodian/internal/api"
	"github.com/persistorai/custodian/internal/artifact"
	_ "github.com/persistorai/custodian/internal/artifact/local" // registers "local"
	_ "github.com/persistorai/custodian/internal/artifact/s3"    // registers "s3"
	"github.com/persistorai/custodian/internal/config"
	"github.com/persistorai/custodian/internal/crypto"
	"github.com/persistorai/custodian/internal/db"
	"github.com/persistorai/custodian/internal/db/migrations"
	"github.com/persistorai/custodian/internal/dbpool"
	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/middleware"
	"github.com/persistorai/custodian/internal/service"
	"github.com/persistorai/custodian/internal/store"
	"github.com/persistorai/custodian/internal/telemetry"
	"github.com/persistorai/custodian/internal/ws"
)

const shutdownTimeout = 15 * time.Second

// backgroundConns is the pool headroom for the anchor worker, sweepers and
// reconciler on top of the export workers.
const backgroundConns = 3

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "custodian", config.Version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("flushing traces")
		}
	}()

	pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value(), cfg.ExportWorkers+backgroundConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	prometheus.MustRegister(dbpool.NewCollector(pool))

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		return err
	}

	storage, err := newArtifactStorage(cfg)
	if err != nil {
		return err
	}

	anchorer, err := newExternalAnchorer(cfg)
	if err != nil {
		return err
	}

	granularity, err := ledger.ParseGranularity(cfg.AnchorPeriod)
	if err != nil {
		return err
	}

	base := store.Base{Pool: pool, Log: log}

	tenants := store.NewTenantStore(pool)
	ledgerStore := store.NewLedgerStore(base)
	anchorStore := store.NewAnchorStore(base)
	incidentStore := store.NewIncidentStore(base)
	idemStore := store.NewIdempotencyStore(base)
	intentStore := store.NewIntentStore(base)
	jobStore := store.NewJobStore(base, cfg.ClaimTTL)

	claims, err := newClaimStrategy(cfg, base)
	if err != nil {
		return err
	}

	incidents := service.NewIncidentWorker(incidentStore, log, 0)

	runner := service.NewCommandRunner(
		store.NewUnitOfWork(base, cfg.IdempotencyTTL),
		service.NewAccessGuard(tenants, log),
		service.NewIdempotencyGuard(idemStore, cfg.IdempotencyPendingTTL, log),
		intentStore,
		service.RunnerConfig{MaxQueuedExports: cfg.ExportMaxQueued},
		log,
	)

	anchorWorker := service.NewAnchorWorker(anchorStore, anchorer, incidents, service.AnchorWorkerConfig{
		Interval:            cfg.AnchorInterval,
		Granularity:         granularity,
		MaxExternalAttempts: cfg.TSAMaxAttempts,
	}, log)

	verifier := service.NewVerificationService(ledgerStore, anchorStore, store.NewArtifactRefStore(base), incidents, log)

	hostname, _ := os.Hostname()
	pipeline := service.NewExportPipeline(claims, jobStore, ledgerStore, anchorStore, storage, service.ExportConfig{
		Workers:      cfg.ExportWorkers,
		PollInterval: cfg.ExportPollInterval,
		MaxAttempts:  cfg.ExportMaxAttempts,
		WorkerPrefix: hostname,
	}, log)

	hub := ws.NewHub(log)
	if err := db.NewNotifyBridge(log, pool, hub).Start(ctx); err != nil {
		return err
	}

	router := api.NewRouter(ctx, &api.RouterDeps{
		Log:              log,
		DB:               pool,
		Hub:              hub,
		Commands:         runner,
		Ledger:           service.NewLedgerService(ledgerStore, anchorStore, incidentStore, store.NewRecordStore(base)),
		Anchors:          anchorWorker,
		Verifier:         verifier,
		Exports:          service.NewExportQueries(jobStore, storage),
		Principals:       tenants,
		JWT:              middleware.NewJWTVerifier(cfg.JWTSecret.Value()),
		CORSOrigins:      cfg.CORSOrigins,
		Version:          config.Version,
		PublicVerifyRate: cfg.PublicVerifyRate,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Artifact downloads stream large bodies.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	log.WithFields(logrus.Fields{
		"addr":           srv.Addr,
		"version":        config.Version,
		"storage":        cfg.StorageBackend,
		"claim_strategy": claims.Name(),
		"anchor_period":  granularity,
		"tsa":            cfg.TSAURL != "",
	}).Info("custodian starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return anchorWorker.Run(gctx) })
	g.Go(func() error { return incidents.Run(gctx) })
	g.Go(func() error {
		return service.NewReconciler(intentStore, cfg.IntentTimeout, cfg.ReconcileInterval, log).Run(gctx)
	})
	g.Go(func() error {
		return service.NewIdempotencySweeper(idemStore, cfg.IdempotencySweepInterval, log).Run(gctx)
	})

	err = g.Wait()
	log.Info("custodian stopped")

	return err
}

func newArtifactStorage(cfg *config.Config) (artifact.Storage, error) {
	storage, err := artifact.New(cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.ArtifactEncryption {
		return storage, nil
	}

	var keys crypto.KeyProvider

	switch cfg.EncryptionProvider {
	case "vault":
		keys = crypto.NewVaultProvider(cfg.VaultAddr, cfg.VaultToken.Value())
	default:
		static, err := crypto.NewStaticProvider(cfg.EncryptionKey.Value())
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		keys = static
	}

	return artifact.NewSealed(storage, crypto.NewService(keys)), nil
}

// newExternalAnchorer returns nil when no TSA is configured.
func newExternalAnchorer(cfg *config.Config) (service.ExternalAnchorer, error) {
	if cfg.TSAURL == "" {
		return nil, nil //nolint:nilnil // external anchoring is optional.
	}

	return rfc3161.NewClient(rfc3161.Options{
		URL:         cfg.TSAURL,
		PolicyOID:   cfg.TSAPolicyOID,
		MaxAttempts: cfg.TSAMaxAttempts,
		BaseBackoff: 500 * time.Millisecond,
	})
}

func newClaimStrategy(cfg *config.Config, base store.Base) (service.ClaimStrategy, error) {
	cc := store.ClaimConfig{
		MaxActive:   cfg.ExportMaxActive,
		TTL:         cfg.ClaimTTL,
		MaxAttempts: cfg.ExportMaxAttempts,
		Strict:      cfg.ClaimStrict,
	}

	switch cfg.ClaimStrategy {
	case store.StrategyAtomic:
		return store.NewAtomicClaimer(base, cc), nil
	case store.StrategyOptimistic:
		return store.NewOptimisticClaimer(base, cc), nil
	default:
		return nil, fmt.Errorf("unknown claim strategy %q", cfg.ClaimStrategy)
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
