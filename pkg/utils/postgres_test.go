package utils

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"
)

func TestPostgresPoolDefaults(t *testing.T) {
	cfg := PostgresPoolConfig{MaxOpenConns: 4}.withDefaults()
	if cfg.MaxOpenConns != 4 || cfg.MaxIdleConns != 25 {
		t.Fatalf("unexpected pool sizes: open=%d idle=%d", cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
	if cfg.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected ping timeout %s", cfg.PingTimeout)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := OpenPostgres(ctx, "pgx", dsn, PostgresPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	component := "utils_test_" + time.Now().UTC().Format("20060102150405")
	table := component + "_items"
	fsys := fstest.MapFS{
		"m/001_items.sql": {Data: []byte("CREATE TABLE " + table + " (id INTEGER PRIMARY KEY)")},
		"m/README.md":     {Data: []byte("ignored")},
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
		_, _ = db.ExecContext(ctx, "DELETE FROM schema_versions WHERE component = $1", component)
	}()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db, component, fsys, "m"); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_versions WHERE component = $1", component).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied version, got %d", n)
	}
}
