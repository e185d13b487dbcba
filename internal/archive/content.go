package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/models"
)

const selectInstrumentSQL = `SELECT id, jurisdiction_code, external_id, language, name, source_url,
	metadata_json, COALESCE(jurisdiction_id, 0), created_at FROM instruments`

// normalizeKey trims and NFC-normalizes identity text so that visually equal
// keys from different sources collapse onto one row.
func normalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// UpsertInstrument creates the instrument identified by key, or returns the
// existing one. Optional fields are only filled when currently empty; a
// curated value is never overwritten by later ingestion.
func (a *Archive) UpsertInstrument(ctx context.Context, key models.InstrumentKey, fields models.InstrumentFields) (models.Instrument, error) {
	key = models.InstrumentKey{
		JurisdictionCode: normalizeKey(key.JurisdictionCode),
		ExternalID:       normalizeKey(key.ExternalID),
		Language:         normalizeKey(key.Language),
	}
	if key.ExternalID == "" {
		return models.Instrument{}, &apperr.ConstraintViolation{Entity: "instrument", Reason: "external identifier is required"}
	}
	meta := ""
	if len(fields.Metadata) > 0 {
		b, err := json.Marshal(fields.Metadata)
		if err != nil {
			return models.Instrument{}, fmt.Errorf("archive: encode instrument metadata: %w", err)
		}
		meta = string(b)
	}

	var inst models.Instrument
	err := a.withTx(ctx, "upsert instrument", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instruments (jurisdiction_code, external_id, language, name, source_url, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(jurisdiction_code, external_id, language) DO UPDATE SET
				name          = CASE WHEN instruments.name = '' THEN excluded.name ELSE instruments.name END,
				source_url    = CASE WHEN instruments.source_url = '' THEN excluded.source_url ELSE instruments.source_url END,
				metadata_json = CASE WHEN instruments.metadata_json = '' THEN excluded.metadata_json ELSE instruments.metadata_json END`,
			key.JurisdictionCode, key.ExternalID, key.Language,
			strings.TrimSpace(fields.Name), strings.TrimSpace(fields.SourceURL), meta, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("upsert instrument: %w", err)
		}
		inst, err = scanInstrument(tx.QueryRowContext(ctx,
			selectInstrumentSQL+` WHERE jurisdiction_code = ? AND external_id = ? AND language = ?`,
			key.JurisdictionCode, key.ExternalID, key.Language))
		return err
	})
	return inst, err
}

// ResolveInstrument is UpsertInstrument for callers that know an
// instrument only partially. An empty jurisdiction or language in key (or
// in a stored instrument) matches any value, so an instrument archived by
// ingestion as (QC, C-12, fr) is found again by an importer that only
// knows C-12. An exact key match wins; otherwise the oldest compatible
// instrument is used. A new instrument is created only when none is
// compatible.
func (a *Archive) ResolveInstrument(ctx context.Context, key models.InstrumentKey, fields models.InstrumentFields) (models.Instrument, error) {
	key = models.InstrumentKey{
		JurisdictionCode: normalizeKey(key.JurisdictionCode),
		ExternalID:       normalizeKey(key.ExternalID),
		Language:         normalizeKey(key.Language),
	}
	if key.ExternalID == "" {
		return models.Instrument{}, &apperr.ConstraintViolation{Entity: "instrument", Reason: "external identifier is required"}
	}
	candidates, err := a.FindInstruments(ctx, key.ExternalID)
	if err != nil {
		return models.Instrument{}, err
	}

	var match *models.Instrument
	for i := range candidates {
		c := &candidates[i]
		if c.Key.ExternalID != key.ExternalID {
			continue
		}
		if c.Key == key {
			match = c
			break
		}
		if match == nil && compatible(c.Key.JurisdictionCode, key.JurisdictionCode) && compatible(c.Key.Language, key.Language) {
			match = c
		}
	}
	if match != nil {
		key = match.Key
	}
	return a.UpsertInstrument(ctx, key, fields)
}

func compatible(stored, wanted string) bool {
	return stored == "" || wanted == "" || stored == wanted
}

// GetInstrument loads an instrument by id.
func (a *Archive) GetInstrument(ctx context.Context, id int64) (models.Instrument, error) {
	inst, err := scanInstrument(a.conn.QueryRowContext(ctx, selectInstrumentSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Instrument{}, fmt.Errorf("archive: instrument %d: %w", id, apperr.ErrNotFound)
	}
	return inst, err
}

// FindInstruments returns instruments whose external identifier or name
// equals ref, oldest first.
func (a *Archive) FindInstruments(ctx context.Context, ref string) ([]models.Instrument, error) {
	ref = normalizeKey(ref)
	rows, err := a.conn.QueryContext(ctx,
		selectInstrumentSQL+` WHERE external_id = ? OR name = ? ORDER BY id`, ref, ref)
	if err != nil {
		return nil, fmt.Errorf("archive: find instruments: %w", err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstrument(s rowScanner) (models.Instrument, error) {
	var (
		inst      models.Instrument
		meta      string
		createdAt string
	)
	err := s.Scan(&inst.ID, &inst.Key.JurisdictionCode, &inst.Key.ExternalID, &inst.Key.Language,
		&inst.Name, &inst.SourceURL, &meta, &inst.JurisdictionID, &createdAt)
	if err != nil {
		return models.Instrument{}, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &inst.Metadata); err != nil {
			return models.Instrument{}, fmt.Errorf("archive: decode instrument %d metadata: %w", inst.ID, err)
		}
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Instrument{}, fmt.Errorf("archive: instrument %d: %w", inst.ID, err)
	}
	return inst, nil
}

// UpsertFragment creates the fragment (instrumentID, code) if absent and
// sets its parent when parentCode is given. A parent that does not exist yet
// is created as a root. Re-parenting that would make a fragment its own
// ancestor is rejected with a ConstraintViolation before anything is written.
func (a *Archive) UpsertFragment(ctx context.Context, instrumentID int64, code, parentCode string) (models.Fragment, error) {
	code = normalizeKey(code)
	parentCode = normalizeKey(parentCode)
	if code == "" {
		return models.Fragment{}, &apperr.ConstraintViolation{Entity: "fragment", Reason: "fragment code is required"}
	}
	if parentCode == code {
		return models.Fragment{}, &apperr.ConstraintViolation{
			Entity: "fragment",
			Reason: fmt.Sprintf("fragment %q cannot be its own parent", code),
		}
	}

	var frag models.Fragment
	err := a.withTx(ctx, "upsert fragment", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instruments WHERE id = ?`, instrumentID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup instrument: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("instrument %d: %w", instrumentID, apperr.ErrNotFound)
		}

		// The guard runs before any write, including parent auto-creation.
		id, found, err := lookupFragmentID(ctx, tx, instrumentID, code)
		if err != nil {
			return err
		}
		parentID, parentFound, err := lookupFragmentID(ctx, tx, instrumentID, parentCode)
		if err != nil {
			return err
		}
		if found && parentFound {
			l, err := loadLineage(ctx, tx, instrumentID)
			if err != nil {
				return err
			}
			if l.closesCycle(id, parentID) {
				return &apperr.ConstraintViolation{
					Entity: "fragment",
					Reason: fmt.Sprintf("parent %q is a descendant of %q", parentCode, code),
				}
			}
		}

		if parentCode != "" && !parentFound {
			if parentID, err = insertFragment(ctx, tx, instrumentID, parentCode, 0); err != nil {
				return err
			}
		}
		switch {
		case !found:
			if id, err = insertFragment(ctx, tx, instrumentID, code, parentID); err != nil {
				return err
			}
		case parentCode != "":
			if _, err := tx.ExecContext(ctx,
				`UPDATE fragments SET parent_fragment_id = ? WHERE id = ?`, parentID, id); err != nil {
				return fmt.Errorf("set fragment parent: %w", err)
			}
		}

		frag, err = scanFragment(tx.QueryRowContext(ctx, selectFragmentSQL+` WHERE id = ?`, id))
		return err
	})
	return frag, err
}

const selectFragmentSQL = `SELECT id, instrument_id, code, COALESCE(parent_fragment_id, 0) FROM fragments`

func lookupFragmentID(ctx context.Context, tx *sql.Tx, instrumentID int64, code string) (int64, bool, error) {
	if code == "" {
		return 0, false, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM fragments WHERE instrument_id = ? AND code = ?`, instrumentID, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup fragment %q: %w", code, err)
	}
	return id, true, nil
}

func insertFragment(ctx context.Context, tx *sql.Tx, instrumentID int64, code string, parentID int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO fragments (instrument_id, code, parent_fragment_id) VALUES (?, ?, NULLIF(?, 0))`,
		instrumentID, code, parentID)
	if err != nil {
		return 0, fmt.Errorf("insert fragment %q: %w", code, err)
	}
	return res.LastInsertId()
}

func scanFragment(s rowScanner) (models.Fragment, error) {
	var f models.Fragment
	if err := s.Scan(&f.ID, &f.InstrumentID, &f.Code, &f.ParentID); err != nil {
		return models.Fragment{}, err
	}
	return f, nil
}

// GetFragment loads a fragment by id.
func (a *Archive) GetFragment(ctx context.Context, id int64) (models.Fragment, error) {
	f, err := scanFragment(a.conn.QueryRowContext(ctx, selectFragmentSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Fragment{}, fmt.Errorf("archive: fragment %d: %w", id, apperr.ErrNotFound)
	}
	return f, err
}

// FindFragment loads the fragment (instrumentID, code).
func (a *Archive) FindFragment(ctx context.Context, instrumentID int64, code string) (models.Fragment, error) {
	code = normalizeKey(code)
	f, err := scanFragment(a.conn.QueryRowContext(ctx,
		selectFragmentSQL+` WHERE instrument_id = ? AND code = ?`, instrumentID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Fragment{}, fmt.Errorf("archive: fragment %q: %w", code, apperr.ErrNotFound)
	}
	return f, err
}

// ListFragments returns every fragment of an instrument ordered by code.
func (a *Archive) ListFragments(ctx context.Context, instrumentID int64) ([]models.Fragment, error) {
	rows, err := a.conn.QueryContext(ctx,
		selectFragmentSQL+` WHERE instrument_id = ? ORDER BY code`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("archive: list fragments: %w", err)
	}
	defer rows.Close()

	var out []models.Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// WriteCurrentPointer overwrites the fragment's single current row.
func (a *Archive) WriteCurrentPointer(ctx context.Context, p models.CurrentPointer) error {
	if strings.TrimSpace(p.ContentRef) == "" {
		return &apperr.ConstraintViolation{Entity: "current pointer", Reason: "content reference is required"}
	}
	return a.withTx(ctx, "write current pointer", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO current_pages (fragment_id, content_ref, content_hash, extracted_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(fragment_id) DO UPDATE SET
				content_ref  = excluded.content_ref,
				content_hash = excluded.content_hash,
				extracted_at = excluded.extracted_at`,
			p.FragmentID, p.ContentRef, p.ContentHash, formatTime(p.ExtractedAt))
		if err != nil {
			return fmt.Errorf("write current pointer for fragment %d: %w", p.FragmentID, err)
		}
		return nil
	})
}

// GetCurrentPointer returns the fragment's current row; ok is false when
// nothing has been extracted yet.
func (a *Archive) GetCurrentPointer(ctx context.Context, fragmentID int64) (models.CurrentPointer, bool, error) {
	var (
		p           = models.CurrentPointer{FragmentID: fragmentID}
		extractedAt string
	)
	err := a.conn.QueryRowContext(ctx,
		`SELECT content_ref, content_hash, extracted_at FROM current_pages WHERE fragment_id = ?`, fragmentID).
		Scan(&p.ContentRef, &p.ContentHash, &extractedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CurrentPointer{}, false, nil
	}
	if err != nil {
		return models.CurrentPointer{}, false, fmt.Errorf("archive: get current pointer: %w", err)
	}
	if p.ExtractedAt, err = parseTime(extractedAt); err != nil {
		return models.CurrentPointer{}, false, fmt.Errorf("archive: current pointer: %w", err)
	}
	return p, true, nil
}

// DeleteFragment removes a fragment and, through cascading foreign keys,
// its current pointer, snapshots, annexes, tag associations and outgoing
// links. Children are detached to roots. Files referenced by the removed
// rows are left on disk.
func (a *Archive) DeleteFragment(ctx context.Context, id int64) error {
	return a.withTx(ctx, "delete fragment", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete fragment %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("fragment %d: %w", id, apperr.ErrNotFound)
		}
		return nil
	})
}
