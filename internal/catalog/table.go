package catalog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/starford/lexarchive/internal/archive"
)

// Table is a query result in column order. Header is always set, also
// when there are no rows.
type Table struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

type column[T any] struct {
	name  string
	value func(T) string
}

var currentColumns = []column[archive.CurrentRow]{
	{"instrument_name", func(r archive.CurrentRow) string { return r.InstrumentName }},
	{"fragment_code", func(r archive.CurrentRow) string { return r.FragmentCode }},
	{"fragment_id", func(r archive.CurrentRow) string { return id(r.FragmentID) }},
	{"content_ref", func(r archive.CurrentRow) string { return r.ContentRef }},
	{"content_hash", func(r archive.CurrentRow) string { return r.ContentHash }},
	{"extracted_at", func(r archive.CurrentRow) string { return timestamp(r.ExtractedAt) }},
}

var snapshotColumns = []column[archive.SnapshotRow]{
	{"instrument_name", func(r archive.SnapshotRow) string { return r.InstrumentName }},
	{"fragment_code", func(r archive.SnapshotRow) string { return r.FragmentCode }},
	{"snapshot_id", func(r archive.SnapshotRow) string { return id(r.SnapshotID) }},
	{"date", func(r archive.SnapshotRow) string { return r.Date }},
	{"content_hash", func(r archive.SnapshotRow) string { return r.ContentHash }},
	{"content_ref", func(r archive.SnapshotRow) string { return r.ContentRef }},
}

var instrumentColumns = []column[archive.InstrumentRow]{
	{"jurisdiction_code", func(r archive.InstrumentRow) string { return r.JurisdictionCode }},
	{"instrument_name", func(r archive.InstrumentRow) string { return r.InstrumentName }},
	{"instrument_id", func(r archive.InstrumentRow) string { return id(r.InstrumentID) }},
	{"title", func(r archive.InstrumentRow) string { return r.Title }},
	{"language", func(r archive.InstrumentRow) string { return r.Language }},
	{"source_url", func(r archive.InstrumentRow) string { return r.SourceURL }},
}

var annexColumns = []column[archive.AnnexRow]{
	{"fragment_id", func(r archive.AnnexRow) string { return id(r.FragmentID) }},
	{"fragment_code", func(r archive.AnnexRow) string { return r.FragmentCode }},
	{"pdf_url", func(r archive.AnnexRow) string { return r.PDFURL }},
	{"conversion_status", func(r archive.AnnexRow) string { return string(r.ConversionStatus) }},
	{"content_sha256", func(r archive.AnnexRow) string { return r.ContentSHA256 }},
	{"md_path", func(r archive.AnnexRow) string { return r.MarkdownPath }},
	{"converted_at", func(r archive.AnnexRow) string { return timestamp(r.ConvertedAt) }},
}

func tableOf[T any](cols []column[T], rows []T) Table {
	t := Table{Header: make([]string, len(cols)), Rows: make([][]string, 0, len(rows))}
	for i, c := range cols {
		t.Header[i] = c.name
	}
	for _, r := range rows {
		rec := make([]string, len(cols))
		for i, c := range cols {
			rec[i] = c.value(r)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t
}

// Header returns the column names of q.
func Header(q Query) []string {
	switch q {
	case CurrentByFragment:
		return tableOf(currentColumns, nil).Header
	case SnapshotsByFragment:
		return tableOf(snapshotColumns, nil).Header
	case InstrumentsByJurisdiction:
		return tableOf(instrumentColumns, nil).Header
	case AnnexesByFragment:
		return tableOf(annexColumns, nil).Header
	}
	return nil
}

// WriteCSV writes the header followed by every row.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("catalog: write csv: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("catalog: write csv: %w", err)
	}
	return nil
}

// Records returns the rows as objects keyed by column name.
func (t Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Header))
		for i, h := range t.Header {
			rec[h] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// WriteJSON writes the rows as an indented JSON array of objects.
func (t Table) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t.Records())
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
