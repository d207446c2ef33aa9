package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/persistorai/custodian/internal/config"
	"github.com/persistorai/custodian/internal/db"
	"github.com/persistorai/custodian/internal/db/migrations"
	"github.com/persistorai/custodian/internal/dbpool"
	"github.com/persistorai/custodian/internal/middleware"
	"github.com/persistorai/custodian/internal/models"
	"github.com/persistorai/custodian/internal/store"
)

// apiKeyPrefix marks generated keys so they are recognisable in logs and
// secret scanners.
const apiKeyPrefix = "cst_"

// withPool loads configuration, opens a small pool and runs fn.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, log *logrus.Logger, pool *dbpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg)

	pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value(), 0)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, log, pool)
}

func newMigrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, log *logrus.Logger, pool *dbpool.Pool) error {
				m, err := db.NewMigrator(pool.ConnString(), migrations.FS, log)
				if err != nil {
					return err
				}
				defer m.Close()

				if status {
					return printMigrationStatus(ctx, m)
				}

				if err := m.Up(ctx); err != nil {
					return err
				}

				log.WithField("schema_version", db.SchemaVersion()).Info("migrations complete")

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&status, "status", false, "List migrations and whether each is applied, without applying")

	return cmd
}

func printMigrationStatus(ctx context.Context, m *db.Migrator) error {
	states, err := m.Status(ctx)
	if err != nil {
		return err
	}

	for _, s := range states {
		applied := "pending"
		if s.Applied {
			applied = "applied " + s.AppliedAt.UTC().Format(time.RFC3339)
		}

		fmt.Printf("%4d  %-32s  %s\n", s.Version, s.File, applied)
	}

	return nil
}

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a tenant and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, _ *logrus.Logger, pool *dbpool.Pool) error {
				id, err := store.NewTenantStore(pool).CreateTenant(ctx, args[0])
				if err != nil {
					return err
				}

				fmt.Println(id)

				return nil
			})
		},
	})

	return cmd
}

func newAPIKeyCmd() *cobra.Command {
	var (
		tenantID string
		actorID  string
		role     string
	)

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parsePrincipalFlags(tenantID, actorID, role)
			if err != nil {
				return err
			}

			key, err := generateAPIKey()
			if err != nil {
				return err
			}

			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, _ *logrus.Logger, pool *dbpool.Pool) error {
				if err := store.NewTenantStore(pool).CreateAPIKey(ctx, tenantID, actorID, r, key); err != nil {
					return err
				}

				fmt.Println(key)

				return nil
			})
		},
	}

	addPrincipalFlags(create, &tenantID, &actorID, &role)

	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(create)

	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		tenantID string
		actorID  string
		role     string
		ttl      time.Duration
	)

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parsePrincipalFlags(tenantID, actorID, role)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			v := middleware.NewJWTVerifier(cfg.JWTSecret.Value())
			if v == nil {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			token, err := v.Issue(models.Principal{TenantID: tenantID, ActorID: actorID, Role: r}, ttl)
			if err != nil {
				return err
			}

			fmt.Println(token)

			return nil
		},
	}

	addPrincipalFlags(issue, &tenantID, &actorID, &role)
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	cmd := &cobra.Command{Use: "token", Short: "Issue signed bearer tokens"}
	cmd.AddCommand(issue)

	return cmd
}

func addPrincipalFlags(cmd *cobra.Command, tenantID, actorID, role *string) {
	cmd.Flags().StringVar(tenantID, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(actorID, "actor", "", "Actor ID (required)")
	cmd.Flags().StringVar(role, "role", string(models.RoleMember), "owner|admin|member|executive|auditor")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("actor")
}

func parsePrincipalFlags(tenantID, actorID, role string) (models.Role, error) {
	if _, err := uuid.Parse(tenantID); err != nil {
		return "", fmt.Errorf("--tenant must be a UUID")
	}

	if actorID == "" {
		return "", fmt.Errorf("--actor is required")
	}

	r := models.Role(role)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	return r, nil
}

func generateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}

	return apiKeyPrefix + hex.EncodeToString(b), nil
}
