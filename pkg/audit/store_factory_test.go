package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testStoreLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewStore_Factory(t *testing.T) {
	logger := testStoreLogger()
	dir := t.TempDir()

	// File store (default)
	fileStore, err := NewStore(StoreConfig{Backend: "file", DataDir: dir}, logger)
	if err != nil {
		t.Fatalf("NewStore(file): %v", err)
	}
	if _, ok := fileStore.(*FileStore); !ok {
		t.Error("expected *FileStore")
	}

	// SQLite store
	sqlStore, err := NewStore(StoreConfig{
		Backend:    "sqlite",
		SQLitePath: filepath.Join(dir, "factory.db"),
	}, logger)
	if err != nil {
		t.Fatalf("NewStore(sqlite): %v", err)
	}
	if s, ok := sqlStore.(*SQLiteStore); ok {
		s.Close()
	} else {
		t.Error("expected *SQLiteStore")
	}

	// Unknown backend
	_, err = NewStore(StoreConfig{Backend: "redis"}, logger)
	if err == nil {
		t.Error("expected error for unknown backend")
	}
}
