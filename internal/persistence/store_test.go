package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/go-rooms/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rooms.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"rooms", "workers", "tasks", "task_runs", "watches", "worker_cycles",
		"cycle_logs", "room_activity", "messages", "kv_store", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, "k", "v"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.KVGet(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("KVGet after reopen = %q, %v", got, err)
	}
	var n int
	if err := reopened.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected single migration row, got %d (%v)", n, err)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path); err == nil {
		t.Fatal("expected error opening a db with a newer schema")
	}
}

func TestKV_GetMissingAndOverwrite(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	got, err := store.KVGet(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("KVGet(missing) = %q, %v", got, err)
	}
	if err := store.KVSet(ctx, "clerk_commentary_enabled", "true"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if err := store.KVSet(ctx, "clerk_commentary_enabled", "false"); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}
	if got, _ := store.KVGet(ctx, "clerk_commentary_enabled"); got != "false" {
		t.Fatalf("expected overwritten value, got %q", got)
	}
}
