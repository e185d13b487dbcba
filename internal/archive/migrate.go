package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/observability"
)

// SchemaVersion is the schema version this build migrates archives to.
const SchemaVersion = 3

// step is one forward-only schema change. apply must be idempotent: every
// object it creates is guarded by an existence check so that re-running a
// step that partially succeeded is safe.
type step struct {
	version int
	name    string
	apply   func(ctx context.Context, c *sql.Conn) error
}

var schemaSteps = []step{
	{version: 1, name: "content store", apply: execStep(contentStoreDDL)},
	{version: 2, name: "annex ledger", apply: execStep(annexLedgerDDL)},
	{version: 3, name: "relationship graph", apply: applyRelationshipGraph},
}

const contentStoreDDL = `
CREATE TABLE IF NOT EXISTS jurisdictions (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	code  TEXT NOT NULL UNIQUE,
	name  TEXT NOT NULL DEFAULT '',
	level TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS instruments (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	jurisdiction_code TEXT NOT NULL DEFAULT '',
	external_id       TEXT NOT NULL,
	language          TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	source_url        TEXT NOT NULL DEFAULT '',
	metadata_json     TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	UNIQUE (jurisdiction_code, external_id, language)
);

CREATE TABLE IF NOT EXISTS fragments (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	instrument_id      INTEGER NOT NULL REFERENCES instruments(id) ON DELETE CASCADE,
	code               TEXT NOT NULL,
	parent_fragment_id INTEGER REFERENCES fragments(id) ON DELETE SET NULL,
	UNIQUE (instrument_id, code)
);

CREATE INDEX IF NOT EXISTS idx_fragments_parent ON fragments(parent_fragment_id);

CREATE TABLE IF NOT EXISTS current_pages (
	fragment_id  INTEGER PRIMARY KEY REFERENCES fragments(id) ON DELETE CASCADE,
	content_ref  TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	extracted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	fragment_id  INTEGER NOT NULL REFERENCES fragments(id) ON DELETE CASCADE,
	date         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content_ref  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	UNIQUE (fragment_id, date, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_fragment_date ON snapshots(fragment_id, date);
`

const annexLedgerDDL = `
CREATE TABLE IF NOT EXISTS annexes (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	fragment_id       INTEGER NOT NULL REFERENCES fragments(id) ON DELETE CASCADE,
	pdf_url           TEXT NOT NULL,
	pdf_path          TEXT NOT NULL DEFAULT '',
	md_path           TEXT NOT NULL DEFAULT '',
	content_sha256    TEXT NOT NULL DEFAULT '',
	converter_tool    TEXT NOT NULL DEFAULT '',
	converter_version TEXT NOT NULL DEFAULT '',
	provenance        TEXT NOT NULL DEFAULT '',
	conversion_status TEXT NOT NULL CHECK (conversion_status IN ('success', 'failed', 'skipped')),
	warnings_json     TEXT NOT NULL DEFAULT '[]',
	metadata_json     TEXT NOT NULL DEFAULT '{}',
	converted_at      TEXT NOT NULL,
	UNIQUE (fragment_id, pdf_url)
);

CREATE INDEX IF NOT EXISTS idx_annexes_fragment_converted ON annexes(fragment_id, converted_at);
`

const relationshipGraphDDL = `
CREATE TABLE IF NOT EXISTS tags (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS fragment_tags (
	fragment_id INTEGER NOT NULL REFERENCES fragments(id) ON DELETE CASCADE,
	tag_id      INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (fragment_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_fragment_tags_tag ON fragment_tags(tag_id);

CREATE TABLE IF NOT EXISTS fragment_links (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	from_fragment_id INTEGER NOT NULL REFERENCES fragments(id) ON DELETE CASCADE,
	to_snapshot_id   INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	link_type        TEXT NOT NULL,
	UNIQUE (from_fragment_id, to_snapshot_id, link_type)
);

CREATE INDEX IF NOT EXISTS idx_fragment_links_snapshot ON fragment_links(to_snapshot_id);
`

func execStep(ddl string) func(ctx context.Context, c *sql.Conn) error {
	return func(ctx context.Context, c *sql.Conn) error {
		_, err := c.ExecContext(ctx, ddl)
		return err
	}
}

func applyRelationshipGraph(ctx context.Context, c *sql.Conn) error {
	if _, err := c.ExecContext(ctx, relationshipGraphDDL); err != nil {
		return err
	}
	var n int
	err := c.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('instruments') WHERE name = 'jurisdiction_id'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect instruments: %w", err)
	}
	if n == 0 {
		if _, err := c.ExecContext(ctx,
			`ALTER TABLE instruments ADD COLUMN jurisdiction_id INTEGER REFERENCES jurisdictions(id) ON DELETE SET NULL`); err != nil {
			return fmt.Errorf("add instruments.jurisdiction_id: %w", err)
		}
	}
	_, err = c.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_instruments_jurisdiction ON instruments(jurisdiction_id)`)
	return err
}

// migrate brings the archive from its recorded version up to target. It
// returns the versions it applied in this call and the final version.
func migrate(ctx context.Context, db *sql.DB, steps []step, target int, logger *slog.Logger) ([]int, int, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	current, err := readVersion(ctx, conn)
	if err != nil {
		return nil, 0, err
	}
	if current > target {
		return nil, current, &apperr.MigrationError{Version: current, Err: apperr.ErrSchemaTooNew}
	}

	var applied []int
	for _, s := range steps {
		if s.version > target {
			break
		}
		if s.version <= current {
			continue
		}
		ran, err := applyStep(ctx, conn, s)
		if err != nil {
			logger.Error("archive: migration step failed",
				slog.Int("version", s.version), slog.String("step", s.name), slog.Any("error", err))
			return applied, current, &apperr.MigrationError{Version: s.version, Err: err}
		}
		if ran {
			applied = append(applied, s.version)
			observability.MigrationStepsApplied.Inc()
			logger.Info("archive: migration step applied",
				slog.Int("version", s.version), slog.String("step", s.name))
		}
		current = s.version
	}
	return applied, current, nil
}

// applyStep runs one step and its version bump in a single write
// transaction. The version is re-read under the lock; when another process
// already applied the step no DDL runs and false is returned.
func applyStep(ctx context.Context, conn *sql.Conn, s step) (bool, error) {
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	recorded, err := readVersion(ctx, conn)
	if err != nil {
		return false, err
	}
	if recorded >= s.version {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return false, fmt.Errorf("release migration lock: %w", err)
		}
		done = true
		return false, nil
	}
	if recorded != s.version-1 {
		return false, fmt.Errorf("recorded version %d cannot advance to %d", recorded, s.version)
	}

	if err := s.apply(ctx, conn); err != nil {
		return false, fmt.Errorf("%s: %w", s.name, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", s.version)); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	done = true
	return true, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVersion(ctx context.Context, q rowQueryer) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Version reads the recorded schema version.
func (a *Archive) Version(ctx context.Context) (int, error) {
	return readVersion(ctx, a.conn)
}

// AppliedSteps lists the migration steps this Open applied, ascending.
func (a *Archive) AppliedSteps() []int {
	out := make([]int, len(a.applied))
	copy(out, a.applied)
	return out
}
