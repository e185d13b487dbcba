package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/lexarchive/internal/models"
)

// The row types below back the downstream read contract. Their columns
// stay stable as the schema grows; an instrument is named by its external
// identifier.

// CurrentRow is one fragment's current content pointer.
type CurrentRow struct {
	InstrumentName string    `json:"instrument_name"`
	FragmentCode   string    `json:"fragment_code"`
	FragmentID     int64     `json:"fragment_id"`
	ContentRef     string    `json:"content_ref"`
	ContentHash    string    `json:"content_hash"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// SnapshotRow is one dated snapshot of a fragment.
type SnapshotRow struct {
	InstrumentName string `json:"instrument_name"`
	FragmentCode   string `json:"fragment_code"`
	SnapshotID     int64  `json:"snapshot_id"`
	Date           string `json:"date"`
	ContentHash    string `json:"content_hash"`
	ContentRef     string `json:"content_ref"`
}

// InstrumentRow is an instrument filed under a jurisdiction.
type InstrumentRow struct {
	JurisdictionCode string `json:"jurisdiction_code"`
	InstrumentName   string `json:"instrument_name"`
	InstrumentID     int64  `json:"instrument_id"`
	Title            string `json:"title"`
	Language         string `json:"language"`
	SourceURL        string `json:"source_url"`
}

// AnnexRow is the latest conversion outcome of one annex PDF.
type AnnexRow struct {
	FragmentID       int64                   `json:"fragment_id"`
	FragmentCode     string                  `json:"fragment_code"`
	PDFURL           string                  `json:"pdf_url"`
	ConversionStatus models.ConversionStatus `json:"conversion_status"`
	ContentSHA256    string                  `json:"content_sha256"`
	MarkdownPath     string                  `json:"md_path"`
	ConvertedAt      time.Time               `json:"converted_at"`
}

// fragmentFilter matches fragments of the instruments named ref; an empty
// code matches every fragment of those instruments.
const fragmentFilter = `(i.external_id = ? OR i.name = ?) AND (? = '' OR f.code = ?)`

// CurrentByFragment returns the current pointers of matching fragments.
func (a *Archive) CurrentByFragment(ctx context.Context, instrument, fragmentCode string) ([]CurrentRow, error) {
	instrument, fragmentCode = normalizeKey(instrument), normalizeKey(fragmentCode)
	rows, err := a.conn.QueryContext(ctx, `
		SELECT i.external_id, f.code, f.id, c.content_ref, c.content_hash, c.extracted_at
		FROM current_pages c
		JOIN fragments f ON f.id = c.fragment_id
		JOIN instruments i ON i.id = f.instrument_id
		WHERE `+fragmentFilter+`
		ORDER BY i.external_id, f.code`,
		instrument, instrument, fragmentCode, fragmentCode)
	if err != nil {
		return nil, fmt.Errorf("archive: current by fragment: %w", err)
	}
	defer rows.Close()

	var out []CurrentRow
	for rows.Next() {
		var (
			r  CurrentRow
			ts string
		)
		if err := rows.Scan(&r.InstrumentName, &r.FragmentCode, &r.FragmentID, &r.ContentRef, &r.ContentHash, &ts); err != nil {
			return nil, err
		}
		if r.ExtractedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("archive: current by fragment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SnapshotsByFragment returns snapshots of matching fragments by date ascending.
func (a *Archive) SnapshotsByFragment(ctx context.Context, instrument, fragmentCode string) ([]SnapshotRow, error) {
	instrument, fragmentCode = normalizeKey(instrument), normalizeKey(fragmentCode)
	rows, err := a.conn.QueryContext(ctx, `
		SELECT i.external_id, f.code, s.id, s.date, s.content_hash, s.content_ref
		FROM snapshots s
		JOIN fragments f ON f.id = s.fragment_id
		JOIN instruments i ON i.id = f.instrument_id
		WHERE `+fragmentFilter+`
		ORDER BY i.external_id, f.code, s.date ASC, s.id ASC`,
		instrument, instrument, fragmentCode, fragmentCode)
	if err != nil {
		return nil, fmt.Errorf("archive: snapshots by fragment: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.InstrumentName, &r.FragmentCode, &r.SnapshotID, &r.Date, &r.ContentHash, &r.ContentRef); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InstrumentsByJurisdiction returns instruments assigned to the jurisdiction
// code, falling back to the key's jurisdiction code for unassigned ones.
func (a *Archive) InstrumentsByJurisdiction(ctx context.Context, code string) ([]InstrumentRow, error) {
	code = normalizeKey(code)
	rows, err := a.conn.QueryContext(ctx, `
		SELECT COALESCE(j.code, i.jurisdiction_code), i.external_id, i.id, i.name, i.language, i.source_url
		FROM instruments i
		LEFT JOIN jurisdictions j ON j.id = i.jurisdiction_id
		WHERE j.code = ? OR (i.jurisdiction_id IS NULL AND i.jurisdiction_code = ?)
		ORDER BY i.external_id, i.language`, code, code)
	if err != nil {
		return nil, fmt.Errorf("archive: instruments by jurisdiction: %w", err)
	}
	defer rows.Close()

	var out []InstrumentRow
	for rows.Next() {
		var r InstrumentRow
		if err := rows.Scan(&r.JurisdictionCode, &r.InstrumentName, &r.InstrumentID, &r.Title, &r.Language, &r.SourceURL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AnnexesByFragment returns annexes of matching fragments, most recently
// converted first.
func (a *Archive) AnnexesByFragment(ctx context.Context, instrument, fragmentCode string) ([]AnnexRow, error) {
	instrument, fragmentCode = normalizeKey(instrument), normalizeKey(fragmentCode)
	rows, err := a.conn.QueryContext(ctx, `
		SELECT x.fragment_id, f.code, x.pdf_url, x.conversion_status, x.content_sha256, x.md_path, x.converted_at
		FROM annexes x
		JOIN fragments f ON f.id = x.fragment_id
		JOIN instruments i ON i.id = f.instrument_id
		WHERE `+fragmentFilter+`
		ORDER BY x.converted_at DESC, x.id DESC`,
		instrument, instrument, fragmentCode, fragmentCode)
	if err != nil {
		return nil, fmt.Errorf("archive: annexes by fragment: %w", err)
	}
	defer rows.Close()

	var out []AnnexRow
	for rows.Next() {
		var (
			r      AnnexRow
			status string
			ts     string
		)
		if err := rows.Scan(&r.FragmentID, &r.FragmentCode, &r.PDFURL, &status, &r.ContentSHA256, &r.MarkdownPath, &ts); err != nil {
			return nil, err
		}
		if r.ConversionStatus, err = models.ParseConversionStatus(status); err != nil {
			return nil, fmt.Errorf("archive: annexes by fragment: %w", err)
		}
		if r.ConvertedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("archive: annexes by fragment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SnapshotCounts returns the number of snapshots per fragment code of the
// instrument with the given external identifier.
func (a *Archive) SnapshotCounts(ctx context.Context, instrument string) (map[string]int, error) {
	rows, err := a.conn.QueryContext(ctx, `
		SELECT f.code, COUNT(s.id)
		FROM fragments f
		JOIN instruments i ON i.id = f.instrument_id
		LEFT JOIN snapshots s ON s.fragment_id = f.id
		WHERE i.external_id = ?
		GROUP BY f.code`, normalizeKey(instrument))
	if err != nil {
		return nil, fmt.Errorf("archive: snapshot counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			code string
			n    int
		)
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}
