// Package testutil provides shared test helpers for setting up archives and
// storage roots.
package testutil

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/storage"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// TestArchive opens a migrated archive in a temporary directory that is
// closed automatically.
func TestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.Open(context.Background(), filepath.Join(t.TempDir(), archive.DefaultFileName), archive.WithLogger(Logger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// TestStore creates a temporary directory with a storage.Provider.
func TestStore(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}
