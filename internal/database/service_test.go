package database

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitDB_CreatesMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fieldexec.db")

	db, err := InitDB(path)

	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected the database file to exist: %v", err)
	}

	if err := CloseDB(db); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestCloseDB_NilDatabase(t *testing.T) {
	if err := CloseDB(nil); err != nil {
		t.Errorf("expected closing a nil database to be a no-op, got %v", err)
	}
}
