// Package testutil provides shared infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/anneschuth/pinchwork/migrations"
)

// PGTest opens a migrated test database and returns it with a cleanup
// function:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL takes priority. Without it a throwaway postgres container
// is started, and the test is skipped when Docker is unavailable too.
// Cleanup truncates the application tables so tests start from a clean
// slate either way.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	dbURL := os.Getenv("POSTGRES_URL")

	var terminate func()
	if dbURL == "" {
		url, stop, err := startContainer(ctx)
		if err != nil {
			t.Skipf("POSTGRES_URL not set and no Docker available: %v", err)
		}
		dbURL = url
		terminate = stop
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrateUp(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		if terminate != nil {
			terminate()
		}
	}
	return db, cleanup
}

// startContainer brings up a disposable postgres and returns its DSN.
func startContainer(ctx context.Context) (string, func(), error) {
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("pinchwork_test"),
		tcpostgres.WithUsername("pinchwork"),
		tcpostgres.WithPassword("pinchwork"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, err
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return "", nil, err
	}

	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = ctr.Terminate(stopCtx)
	}
	return url, stop, nil
}

// migrateUp applies the embedded goose migrations. Goose records applied
// versions, so calling it per test against a shared database is a no-op
// after the first.
func migrateUp(ctx context.Context, db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// truncateAll wipes the application tables between tests. The goose
// bookkeeping table stays, so the schema survives and re-migration is a
// no-op.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}

	// Table names come from pg_tables, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE"
	_, _ = db.ExecContext(ctx, stmt)
}
