package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/db"
	"github.com/persistorai/custodian/internal/db/migrations"
	"github.com/persistorai/custodian/internal/dbpool"
	"github.com/persistorai/custodian/internal/store"
)

// testEnv holds shared test infrastructure (single pool across all tests).
type testEnv struct {
	pool *dbpool.Pool
	log  *logrus.Logger
}

var sharedEnv *testEnv

func getTestEnv(t *testing.T) *testEnv {
	t.Helper()

	if sharedEnv != nil {
		return sharedEnv
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	pool, err := dbpool.NewPool(ctx, dbURL, 8)
	if err != nil {
		t.Fatalf("connecting to test DB: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		t.Fatalf("migrating test DB: %v", err)
	}

	sharedEnv = &testEnv{
		pool: pool,
		log:  log,
	}

	return sharedEnv
}

// setupTestBase creates a Base with a fresh test tenant, cleaned up after the test.
func setupTestBase(t *testing.T) (_ store.Base, _ string) {
	t.Helper()

	env := getTestEnv(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	_, err := env.pool.Exec(ctx, "INSERT INTO tenants (id, name) VALUES ($1, $2)",
		tenantID, fmt.Sprintf("test-tenant-%s", tenantID[:8]))
	if err != nil {
		t.Fatalf("creating test tenant: %v", err)
	}

	t.Cleanup(func() { purgeTenant(t, env, tenantID) })

	return store.Base{Pool: env.pool, Log: env.log}, tenantID
}

// purgeTenant removes every row of a test tenant. The ledger trigger is
// disabled inside the transaction, so other sessions never observe it off.
func purgeTenant(t *testing.T, env *testEnv, tenantID string) {
	t.Helper()

	ctx := context.Background()

	tx, err := env.pool.Begin(ctx)
	if err != nil {
		t.Logf("cleanup: %v", err)
		return
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort cleanup.

	stmts := []string{
		"SELECT set_config('app.system', 'on', true)",
		"ALTER TABLE ledger_entries DISABLE TRIGGER trg_ledger_entries_immutable",
		"DELETE FROM artifact_refs WHERE tenant_id = $1",
		"DELETE FROM integrity_incidents WHERE tenant_id = $1",
		"DELETE FROM ledger_anchors WHERE tenant_id = $1",
		"DELETE FROM ledger_entries WHERE tenant_id = $1",
		"ALTER TABLE ledger_entries ENABLE TRIGGER trg_ledger_entries_immutable",
		"DELETE FROM tenants WHERE id = $1",
	}

	for _, stmt := range stmts {
		var args []any
		if containsParam(stmt) {
			args = []any{tenantID}
		}

		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			t.Logf("cleanup %q: %v", stmt, err)
			return
		}
	}

	tx.Commit(ctx) //nolint:errcheck // best-effort cleanup.
}

func containsParam(stmt string) bool {
	for i := 0; i+1 < len(stmt); i++ {
		if stmt[i] == '$' && stmt[i+1] == '1' {
			return true
		}
	}

	return false
}

// tamper runs stmt with the immutability trigger disabled, simulating an
// attacker with direct database access.
func tamper(t *testing.T, env *testEnv, stmt string, args ...any) {
	t.Helper()

	ctx := context.Background()

	tx, err := env.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // committed below.

	for _, s := range []string{
		"SELECT set_config('app.system', 'on', true)",
		"ALTER TABLE ledger_entries DISABLE TRIGGER trg_ledger_entries_immutable",
	} {
		if _, err := tx.Exec(ctx, s); err != nil {
			t.Fatalf("tamper setup: %v", err)
		}
	}

	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := tx.Exec(ctx, "ALTER TABLE ledger_entries ENABLE TRIGGER trg_ledger_entries_immutable"); err != nil {
		t.Fatalf("tamper teardown: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("tamper commit: %v", err)
	}
}

// execSystem runs stmt outside any tenant scope.
func execSystem(t *testing.T, env *testEnv, stmt string, args ...any) {
	t.Helper()

	ctx := context.Background()

	tx, err := env.pool.Begin(ctx)
	if err != nil {
		t.Fatalf("execSystem: %v", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // committed below.

	if _, err := tx.Exec(ctx, "SELECT set_config('app.system', 'on', true)"); err != nil {
		t.Fatalf("execSystem setup: %v", err)
	}

	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		t.Fatalf("execSystem: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("execSystem commit: %v", err)
	}
}
