package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	tables := []string{
		"devices", "device_list_changes", "device_keys", "one_time_keys", "fallback_keys",
		"olm_sessions", "megolm_sessions", "cross_signing_keys",
		"cross_signing_signatures", "event_signatures", "backup_versions",
		"backup_keys", "secret_storage_keys", "secret_storage_secrets",
		"key_requests", "to_device_messages", "schema_migrations",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestCheckStatus(t *testing.T) {
	db := openTestDB(t)

	if err := CheckStatus(db); err == nil {
		t.Fatal("CheckStatus() expected error for fresh database")
	}
	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := CheckStatus(db); err != nil {
		t.Fatalf("CheckStatus() after migration: %v", err)
	}
	if err := Up(db); err != nil {
		t.Fatalf("second Up() should be a no-op: %v", err)
	}
}

func TestReadStatus(t *testing.T) {
	db := openTestDB(t)
	st, err := ReadStatus(db)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if st.Current != 0 || st.Latest == 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}
