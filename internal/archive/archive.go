// Package archive is the versioned document archive: a single SQLite file
// holding instruments, fragments, current pointers, snapshots, annexes and
// the relationship graph. Every process opens it through Open, which runs
// the migration engine before any read or write is allowed.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultFileName is the archive file created next to the output directory.
const DefaultFileName = "legislation.db"

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLockTimeout = 30 * time.Second
	maxAttempts        = 5
)

// Archive is the explicit handle passed to every archive operation.
// Open it once per process and Close it before exit.
type Archive struct {
	conn    *sql.DB
	path    string
	logger  *slog.Logger
	version int
	applied []int
}

type openOptions struct {
	logger      *slog.Logger
	target      int
	steps       []step
	busyTimeout time.Duration
	lockTimeout time.Duration
}

// Option configures Open.
type Option func(*openOptions)

// WithLogger sets the logger used for migration and retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTargetVersion stops migration at v instead of SchemaVersion.
func WithTargetVersion(v int) Option {
	return func(o *openOptions) { o.target = v }
}

// WithLockTimeout bounds the wait for the migration critical section.
func WithLockTimeout(d time.Duration) Option {
	return func(o *openOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithBusyTimeout sets SQLite's busy_timeout for every connection.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *openOptions) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

func withSteps(s []step) Option {
	return func(o *openOptions) { o.steps = s }
}

// DefaultPath returns the well-known archive location for an output
// directory: a sibling file in the output directory's parent.
func DefaultPath(outputDir string) string {
	clean := filepath.Clean(strings.TrimSpace(outputDir))
	if clean == "" || clean == "." {
		return DefaultFileName
	}
	return filepath.Join(filepath.Dir(clean), DefaultFileName)
}

// Open opens (or creates) the archive at path and brings its schema up to
// the build's target version. A failed migration step is reported as an
// *apperr.MigrationError and leaves the recorded version untouched.
func Open(ctx context.Context, path string, opts ...Option) (*Archive, error) {
	o := openOptions{
		logger:      slog.Default(),
		target:      SchemaVersion,
		steps:       schemaSteps,
		busyTimeout: defaultBusyTimeout,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("archive: path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("archive: %q is a directory, expected file", cleanPath)
	}
	if dir := filepath.Dir(cleanPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive: create directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL&_txlock=immediate",
		cleanPath, o.busyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, o.lockTimeout)
	defer cancel()
	applied, version, err := migrate(migrateCtx, conn, o.steps, o.target, o.logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: %s: %w", cleanPath, err)
	}

	return &Archive{
		conn:    conn,
		path:    cleanPath,
		logger:  o.logger,
		version: version,
		applied: applied,
	}, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	if a == nil || a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// Path returns the archive file path.
func (a *Archive) Path() string {
	return a.path
}

// Ping checks that the database connection is usable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.conn.PingContext(ctx)
}

// withTx runs fn inside one short write transaction, retrying when SQLite
// reports lock contention.
func (a *Archive) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := a.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		a.logger.Debug("archive: retrying after lock contention",
			slog.String("op", op), slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return fmt.Errorf("archive: %s: %w", op, ctx.Err())
		case <-time.After(time.Duration(attempt*25) * time.Millisecond):
		}
	}
	return fmt.Errorf("archive: %s: %w", op, lastErr)
}

func (a *Archive) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// IsCorruptError reports whether err indicates an unreadable archive file.
func IsCorruptError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || errors.Is(err, os.ErrInvalid)
}
