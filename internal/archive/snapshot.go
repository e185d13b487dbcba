package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/models"
)

const selectSnapshotSQL = `SELECT id, fragment_id, date, content_hash, content_ref, created_at FROM snapshots`

var dateLayouts = []string{"20060102", "2006-01-02", "2006/01/02"}

// NormalizeDate converts YYYYMMDD, YYYY-MM-DD or YYYY/MM/DD into YYYYMMDD.
func NormalizeDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if len(raw) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("20060102"), nil
		}
	}
	return "", &apperr.ConstraintViolation{Entity: "snapshot", Reason: fmt.Sprintf("invalid date %q", raw)}
}

// InsertSnapshotIfNew appends a snapshot unless one already exists for
// (fragmentID, date, contentHash). created reports whether a row was added;
// callers link the snapshot to its fragment only when it is true.
func (a *Archive) InsertSnapshotIfNew(ctx context.Context, fragmentID int64, date, contentHash, contentRef string) (models.Snapshot, bool, error) {
	day, err := NormalizeDate(date)
	if err != nil {
		return models.Snapshot{}, false, err
	}
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	if contentHash == "" {
		return models.Snapshot{}, false, &apperr.ConstraintViolation{Entity: "snapshot", Reason: "content hash is required"}
	}

	var (
		snap    models.Snapshot
		created bool
	)
	err = a.withTx(ctx, "insert snapshot", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (fragment_id, date, content_hash, content_ref, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(fragment_id, date, content_hash) DO NOTHING`,
			fragmentID, day, contentHash, contentRef, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		snap, err = scanSnapshot(tx.QueryRowContext(ctx,
			selectSnapshotSQL+` WHERE fragment_id = ? AND date = ? AND content_hash = ?`,
			fragmentID, day, contentHash))
		return err
	})
	if err != nil {
		return models.Snapshot{}, false, err
	}
	return snap, created, nil
}

// ListSnapshots yields a fragment's snapshots by date ascending. Each range
// over the returned sequence runs a fresh query.
func (a *Archive) ListSnapshots(ctx context.Context, fragmentID int64) iter.Seq2[models.Snapshot, error] {
	return queryRows(ctx, a.conn, scanSnapshot,
		selectSnapshotSQL+` WHERE fragment_id = ? ORDER BY date ASC, id ASC`, fragmentID)
}

// LatestSnapshot returns the most recent snapshot by date; when several
// share that date the last inserted wins.
func (a *Archive) LatestSnapshot(ctx context.Context, fragmentID int64) (models.Snapshot, bool, error) {
	snap, err := scanSnapshot(a.conn.QueryRowContext(ctx,
		selectSnapshotSQL+` WHERE fragment_id = ? ORDER BY date DESC, id DESC LIMIT 1`, fragmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("archive: latest snapshot: %w", err)
	}
	return snap, true, nil
}

func scanSnapshot(s rowScanner) (models.Snapshot, error) {
	var (
		snap      models.Snapshot
		createdAt string
	)
	if err := s.Scan(&snap.ID, &snap.FragmentID, &snap.Date, &snap.ContentHash, &snap.ContentRef, &createdAt); err != nil {
		return models.Snapshot{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("archive: snapshot %d: %w", snap.ID, err)
	}
	snap.CreatedAt = t
	return snap, nil
}

// queryRows adapts a query into a lazy sequence. Iteration stops after the
// first error is yielded.
func queryRows[T any](ctx context.Context, q queryer, scan func(rowScanner) (T, error), query string, args ...any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			yield(zero, fmt.Errorf("archive: query: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			v, err := scan(rows)
			if !yield(v, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, fmt.Errorf("archive: iterate: %w", err))
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
