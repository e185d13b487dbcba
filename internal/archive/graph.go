package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/models"
)

// UpsertJurisdiction creates the jurisdiction with the given code or
// returns the existing row unchanged.
func (a *Archive) UpsertJurisdiction(ctx context.Context, code, name, level string) (models.Jurisdiction, error) {
	code = normalizeKey(code)
	if code == "" {
		return models.Jurisdiction{}, &apperr.ConstraintViolation{Entity: "jurisdiction", Reason: "code is required"}
	}
	var j models.Jurisdiction
	err := a.withTx(ctx, "upsert jurisdiction", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jurisdictions (code, name, level) VALUES (?, ?, ?) ON CONFLICT(code) DO NOTHING`,
			code, strings.TrimSpace(name), strings.TrimSpace(level)); err != nil {
			return fmt.Errorf("insert jurisdiction: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT id, code, name, level FROM jurisdictions WHERE code = ?`, code).
			Scan(&j.ID, &j.Code, &j.Name, &j.Level)
	})
	return j, err
}

// FindJurisdiction loads a jurisdiction by code.
func (a *Archive) FindJurisdiction(ctx context.Context, code string) (models.Jurisdiction, error) {
	code = normalizeKey(code)
	var j models.Jurisdiction
	err := a.conn.QueryRowContext(ctx,
		`SELECT id, code, name, level FROM jurisdictions WHERE code = ?`, code).
		Scan(&j.ID, &j.Code, &j.Name, &j.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Jurisdiction{}, fmt.Errorf("archive: jurisdiction %q: %w", code, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Jurisdiction{}, fmt.Errorf("archive: find jurisdiction: %w", err)
	}
	return j, nil
}

// SetInstrumentJurisdiction assigns the instrument's jurisdiction. Setting
// the same value again is a no-op.
func (a *Archive) SetInstrumentJurisdiction(ctx context.Context, instrumentID, jurisdictionID int64) error {
	return a.withTx(ctx, "set instrument jurisdiction", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE instruments SET jurisdiction_id = ? WHERE id = ?`, jurisdictionID, instrumentID)
		if err != nil {
			return fmt.Errorf("assign jurisdiction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("instrument %d: %w", instrumentID, apperr.ErrNotFound)
		}
		return nil
	})
}

// UpsertTag creates the tag or returns the existing one.
func (a *Archive) UpsertTag(ctx context.Context, name string) (models.Tag, error) {
	name = normalizeKey(name)
	if name == "" {
		return models.Tag{}, &apperr.ConstraintViolation{Entity: "tag", Reason: "name is required"}
	}
	var t models.Tag
	err := a.withTx(ctx, "upsert tag", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT id, name FROM tags WHERE name = ?`, name).Scan(&t.ID, &t.Name)
	})
	return t, err
}

// TagFragment associates a tag with a fragment; an existing pair is left as is.
func (a *Archive) TagFragment(ctx context.Context, fragmentID, tagID int64) error {
	return a.withTx(ctx, "tag fragment", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fragment_tags (fragment_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			fragmentID, tagID)
		if err != nil {
			return fmt.Errorf("tag fragment %d: %w", fragmentID, err)
		}
		return nil
	})
}

// FragmentTags lists the tags attached to a fragment, by name.
func (a *Archive) FragmentTags(ctx context.Context, fragmentID int64) ([]models.Tag, error) {
	rows, err := a.conn.QueryContext(ctx, `
		SELECT t.id, t.name FROM tags t
		JOIN fragment_tags ft ON ft.tag_id = t.id
		WHERE ft.fragment_id = ?
		ORDER BY t.name`, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("archive: fragment tags: %w", err)
	}
	defer rows.Close()

	var out []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LinkFragmentToSnapshot records a typed edge; re-linking the same triple
// is a no-op.
func (a *Archive) LinkFragmentToSnapshot(ctx context.Context, fragmentID, snapshotID int64, linkType models.LinkType) error {
	if strings.TrimSpace(string(linkType)) == "" {
		return &apperr.ConstraintViolation{Entity: "fragment link", Reason: "link type is required"}
	}
	return a.withTx(ctx, "link fragment", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fragment_links (from_fragment_id, to_snapshot_id, link_type)
			VALUES (?, ?, ?)
			ON CONFLICT(from_fragment_id, to_snapshot_id, link_type) DO NOTHING`,
			fragmentID, snapshotID, string(linkType))
		if err != nil {
			return fmt.Errorf("link fragment %d to snapshot %d: %w", fragmentID, snapshotID, err)
		}
		return nil
	})
}

// FragmentLinks lists a fragment's outgoing links ordered by id.
func (a *Archive) FragmentLinks(ctx context.Context, fragmentID int64) ([]models.FragmentLink, error) {
	rows, err := a.conn.QueryContext(ctx, `
		SELECT id, from_fragment_id, to_snapshot_id, link_type FROM fragment_links
		WHERE from_fragment_id = ? ORDER BY id`, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("archive: fragment links: %w", err)
	}
	defer rows.Close()

	var out []models.FragmentLink
	for rows.Next() {
		var (
			l  models.FragmentLink
			lt string
		)
		if err := rows.Scan(&l.ID, &l.FromFragmentID, &l.ToSnapshotID, &lt); err != nil {
			return nil, err
		}
		l.LinkType = models.LinkType(lt)
		out = append(out, l)
	}
	return out, rows.Err()
}
