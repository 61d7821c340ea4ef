// Package util provides the shared database harness for integration tests.
//
// CI points TEST_DATABASE_URL at a service container; local runs share one
// testcontainers PostgreSQL instance per package. Every test gets its own
// schema so tests parallelize without bleeding state.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/warden-sh/warden/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase returns a migrated *sql.DB bound to a fresh schema, plus
// the schema-scoped connection string. Tests without a reachable database
// (no TEST_DATABASE_URL and no Docker) are skipped.
func SetupTestDatabase(t *testing.T) (*stdsql.DB, string) {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := GenerateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()

	connStrWithSchema := AddSearchPathToConnString(connStr, schemaName)
	db, err = stdsql.Open("pgx", connStrWithSchema)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.RunMigrations(db, "warden_test"))

	t.Cleanup(func() {
		cleanup, cerr := stdsql.Open("pgx", connStr)
		if cerr == nil {
			_, _ = cleanup.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			_ = cleanup.Close()
		}
		_ = db.Close()
	})

	return db, connStrWithSchema
}

func getOrCreateSharedDatabase(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("warden_test"),
			postgres.WithUsername("warden"),
			postgres.WithPassword("warden"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})

	if containerErr != nil {
		t.Skipf("no test database available (set TEST_DATABASE_URL or run Docker): %v", containerErr)
	}
	return sharedConnStr
}

// GenerateSchemaName derives a unique, valid schema name for a test.
func GenerateSchemaName(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 4)
	_, err := rand.Read(buf)
	require.NoError(t, err)

	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 32 {
		name = name[:32]
	}
	return fmt.Sprintf("t_%s_%s", name, hex.EncodeToString(buf))
}

// AddSearchPathToConnString pins all pooled connections to the test schema.
// public stays on the path so extension operators (pg_trgm) keep resolving.
func AddSearchPathToConnString(connStr, schema string) string {
	path := schema + ",public"
	if strings.Contains(connStr, "://") {
		if strings.Contains(connStr, "?") {
			return connStr + "&search_path=" + path
		}
		return connStr + "?search_path=" + path
	}
	return connStr + " search_path=" + path
}
