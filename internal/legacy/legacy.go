// Package legacy imports an archive written by the flat, unversioned
// store that predates the archive schema. The legacy file is opened read
// only; its layout is
//
//	instruments(id, name, source_url)
//	fragments(id, instrument_id, section_num, title)
//	current(instrument_id, fragment_id, html, url)
//	snapshots(id, fragment_id, date, html, url)      optional
//	tags(id, name), tag_map(fragment_id, tag_id)     optional
//
// Any other table (links, for instance) is ignored.
package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
)

// DefaultJurisdiction is applied to legacy instruments, which carry none.
const DefaultJurisdiction = "QC"

// Source is an open legacy database.
type Source struct {
	db      *sql.DB
	path    string
	modTime time.Time
	tables  map[string]bool
}

// Open opens the legacy database at path read only. A missing file is an
// error wrapping fs.ErrNotExist; a file without the instruments and
// fragments tables is an *apperr.ConstraintViolation.
func Open(ctx context.Context, path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("legacy: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("legacy: %q is a directory, expected file", path)
	}

	dsn := (&url.URL{Scheme: "file", Opaque: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("legacy: open %s: %w", path, err)
	}
	s := &Source{db: db, path: path, modTime: info.ModTime(), tables: map[string]bool{}}
	if err := s.loadTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	for _, required := range []string{"instruments", "fragments"} {
		if !s.tables[required] {
			db.Close()
			return nil, &apperr.ConstraintViolation{Entity: "legacy db", Reason: fmt.Sprintf("%s has no %s table", path, required)}
		}
	}
	return s, nil
}

func (s *Source) loadTables(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return fmt.Errorf("legacy: list tables of %s: %w", s.path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		s.tables[name] = true
	}
	return rows.Err()
}

// Close closes the legacy database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Path returns the legacy file path.
func (s *Source) Path() string {
	return s.path
}

// Counts is what a legacy database holds. Tags counts fragment
// assignments, not distinct tag names.
type Counts struct {
	Instruments int
	Fragments   int
	Current     int
	Snapshots   int
	Tags        int
}

// Counts reads the row counts of every imported table.
func (s *Source) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, t := range []struct {
		table string
		dst   *int
	}{
		{"instruments", &c.Instruments},
		{"fragments", &c.Fragments},
		{"current", &c.Current},
		{"snapshots", &c.Snapshots},
		{"tag_map", &c.Tags},
	} {
		if !s.tables[t.table] {
			continue
		}
		// Table names come from the list above, never from input.
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(t.dst); err != nil {
			return Counts{}, fmt.Errorf("legacy: count %s: %w", t.table, err)
		}
	}
	return c, nil
}

// PreviewLine is the one-line summary printed for a preview.
func PreviewLine(path string, c Counts) string {
	return fmt.Sprintf("PREVIEW legacy-db=%s instruments=%d fragments=%d current=%d snapshots=%d tags=%d",
		path, c.Instruments, c.Fragments, c.Current, c.Snapshots, c.Tags)
}

// Report summarizes an applied import.
type Report struct {
	Counts       Counts
	NewSnapshots int
	Links        int
	Problems     []string
	Lines        []string
}

// Importer copies a legacy database into an archive. Importing the same
// legacy file twice adds nothing the second time.
type Importer struct {
	Archive *archive.Archive
	// Jurisdiction every imported instrument is filed under; empty means
	// DefaultJurisdiction.
	Jurisdiction string
	// Language of the legacy texts, when known. Empty matches whatever
	// language ingestion archived the same instrument under.
	Language string
	Logger   *slog.Logger
}

type fragmentRef struct {
	id         int64
	instrument string
	code       string
}

// Import writes instruments, fragments, current pointers, snapshots and
// tags from src. Problems with single rows are collected in the report;
// only a corrupt archive or a cancelled context stops the import.
func (im *Importer) Import(ctx context.Context, src *Source) (Report, error) {
	counts, err := src.Counts(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Counts: counts}

	instruments, err := im.importInstruments(ctx, src, &rep)
	if err != nil {
		return rep, err
	}
	fragments, err := im.importFragments(ctx, src, instruments, &rep)
	if err != nil {
		return rep, err
	}
	steps := []struct {
		table string
		run   func(context.Context, *Source, map[int64]fragmentRef, *Report) error
	}{
		{"current", im.importCurrent},
		{"snapshots", im.importSnapshots},
		{"tag_map", im.importTags},
	}
	for _, step := range steps {
		if !src.tables[step.table] || (step.table == "tag_map" && !src.tables["tags"]) {
			continue
		}
		if err := step.run(ctx, src, fragments, &rep); err != nil {
			return rep, err
		}
	}

	rep.Lines = append(rep.Lines, fmt.Sprintf(
		"IMPORTED legacy-db=%s instruments=%d fragments=%d current=%d snapshots=%d new_snapshots=%d tags=%d",
		src.path, counts.Instruments, counts.Fragments, counts.Current, counts.Snapshots, rep.NewSnapshots, counts.Tags))
	for _, p := range rep.Problems {
		rep.Lines = append(rep.Lines, "warning: "+p)
	}
	im.logger().Info("legacy: imported",
		slog.String("legacy_db", src.path),
		slog.Int("new_snapshots", rep.NewSnapshots),
		slog.Int("problems", len(rep.Problems)))
	return rep, nil
}

func (im *Importer) jurisdiction() string {
	if im.Jurisdiction != "" {
		return im.Jurisdiction
	}
	return DefaultJurisdiction
}

func (im *Importer) importInstruments(ctx context.Context, src *Source, rep *Report) (map[int64]models.Instrument, error) {
	j, err := im.Archive.UpsertJurisdiction(ctx, im.jurisdiction(), "", "")
	if err != nil {
		return nil, err
	}

	rows, err := src.db.QueryContext(ctx,
		`SELECT id, COALESCE(name, ''), COALESCE(source_url, '') FROM instruments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("legacy: read instruments: %w", err)
	}
	type legacyInstrument struct {
		id        int64
		name, src string
	}
	var list []legacyInstrument
	for rows.Next() {
		var li legacyInstrument
		if err := rows.Scan(&li.id, &li.name, &li.src); err != nil {
			rows.Close()
			return nil, fmt.Errorf("legacy: read instruments: %w", err)
		}
		list = append(list, li)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("legacy: read instruments: %w", err)
	}

	out := make(map[int64]models.Instrument, len(list))
	for _, li := range list {
		name := strings.TrimSpace(li.name)
		if name == "" {
			name = fmt.Sprintf("legacy-%d", li.id)
		}
		inst, err := im.Archive.ResolveInstrument(ctx,
			models.InstrumentKey{JurisdictionCode: im.jurisdiction(), ExternalID: name, Language: im.Language},
			models.InstrumentFields{Name: name, SourceURL: li.src})
		if err != nil {
			if err := im.problem(rep, err, "instrument %d (%s): %v", li.id, name, err); err != nil {
				return nil, err
			}
			continue
		}
		if inst.JurisdictionID == 0 {
			if err := im.Archive.SetInstrumentJurisdiction(ctx, inst.ID, j.ID); err != nil {
				return nil, err
			}
		}
		out[li.id] = inst
	}
	return out, nil
}

func (im *Importer) importFragments(ctx context.Context, src *Source, instruments map[int64]models.Instrument, rep *Report) (map[int64]fragmentRef, error) {
	rows, err := src.db.QueryContext(ctx,
		`SELECT id, instrument_id, COALESCE(CAST(section_num AS TEXT), '') FROM fragments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("legacy: read fragments: %w", err)
	}
	type legacyFragment struct {
		id, instrumentID int64
		section          string
	}
	var list []legacyFragment
	for rows.Next() {
		var lf legacyFragment
		if err := rows.Scan(&lf.id, &lf.instrumentID, &lf.section); err != nil {
			rows.Close()
			return nil, fmt.Errorf("legacy: read fragments: %w", err)
		}
		list = append(list, lf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("legacy: read fragments: %w", err)
	}

	out := make(map[int64]fragmentRef, len(list))
	for _, lf := range list {
		inst, ok := instruments[lf.instrumentID]
		if !ok {
			rep.Problems = append(rep.Problems, fmt.Sprintf("fragment %d: unknown instrument %d", lf.id, lf.instrumentID))
			continue
		}
		code := "se:" + strings.TrimSpace(lf.section)
		if strings.TrimSpace(lf.section) == "" {
			code = fmt.Sprintf("fragment-%d", lf.id)
		}
		frag, err := im.Archive.UpsertFragment(ctx, inst.ID, code, "")
		if err != nil {
			if err := im.problem(rep, err, "fragment %s/%s: %v", inst.Key.ExternalID, code, err); err != nil {
				return nil, err
			}
			continue
		}
		out[lf.id] = fragmentRef{id: frag.ID, instrument: inst.Key.ExternalID, code: code}
	}
	return out, nil
}

func (im *Importer) importCurrent(ctx context.Context, src *Source, fragments map[int64]fragmentRef, rep *Report) error {
	rows, err := src.db.QueryContext(ctx,
		`SELECT fragment_id, COALESCE(html, ''), COALESCE(url, '') FROM current ORDER BY fragment_id`)
	if err != nil {
		return fmt.Errorf("legacy: read current: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			fragmentID int64
			html, ref  string
		)
		if err := rows.Scan(&fragmentID, &html, &ref); err != nil {
			return fmt.Errorf("legacy: read current: %w", err)
		}
		f, ok := fragments[fragmentID]
		if !ok {
			rep.Problems = append(rep.Problems, fmt.Sprintf("current: unknown fragment %d", fragmentID))
			continue
		}
		if ref == "" {
			ref = fmt.Sprintf("legacy:%s/%s", f.instrument, f.code)
		}
		err := im.Archive.WriteCurrentPointer(ctx, models.CurrentPointer{
			FragmentID:  f.id,
			ContentRef:  ref,
			ContentHash: checksum.Sum([]byte(html)),
			ExtractedAt: src.modTime,
		})
		if err != nil {
			if err := im.problem(rep, err, "current %s/%s: %v", f.instrument, f.code, err); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

func (im *Importer) importSnapshots(ctx context.Context, src *Source, fragments map[int64]fragmentRef, rep *Report) error {
	rows, err := src.db.QueryContext(ctx,
		`SELECT id, fragment_id, COALESCE(date, ''), COALESCE(html, ''), COALESCE(url, '') FROM snapshots ORDER BY id`)
	if err != nil {
		return fmt.Errorf("legacy: read snapshots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, fragmentID  int64
			date, html, ref string
		)
		if err := rows.Scan(&id, &fragmentID, &date, &html, &ref); err != nil {
			return fmt.Errorf("legacy: read snapshots: %w", err)
		}
		f, ok := fragments[fragmentID]
		if !ok {
			rep.Problems = append(rep.Problems, fmt.Sprintf("snapshot %d: unknown fragment %d", id, fragmentID))
			continue
		}
		if ref == "" {
			ref = fmt.Sprintf("legacy:snapshot/%d", id)
		}
		snap, created, err := im.Archive.InsertSnapshotIfNew(ctx, f.id, date, checksum.Sum([]byte(html)), ref)
		if err != nil {
			if err := im.problem(rep, err, "snapshot %d of %s/%s: %v", id, f.instrument, f.code, err); err != nil {
				return err
			}
			continue
		}
		if !created {
			continue
		}
		rep.NewSnapshots++
		if err := im.Archive.LinkFragmentToSnapshot(ctx, f.id, snap.ID, models.LinkVersion); err != nil {
			if err := im.problem(rep, err, "link snapshot %d: %v", snap.ID, err); err != nil {
				return err
			}
			continue
		}
		rep.Links++
	}
	return rows.Err()
}

func (im *Importer) importTags(ctx context.Context, src *Source, fragments map[int64]fragmentRef, rep *Report) error {
	rows, err := src.db.QueryContext(ctx, `
		SELECT m.fragment_id, COALESCE(t.name, '')
		FROM tag_map m JOIN tags t ON t.id = m.tag_id
		ORDER BY m.fragment_id, t.name`)
	if err != nil {
		return fmt.Errorf("legacy: read tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			fragmentID int64
			name       string
		)
		if err := rows.Scan(&fragmentID, &name); err != nil {
			return fmt.Errorf("legacy: read tags: %w", err)
		}
		f, ok := fragments[fragmentID]
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		tag, err := im.Archive.UpsertTag(ctx, name)
		if err == nil {
			err = im.Archive.TagFragment(ctx, f.id, tag.ID)
		}
		if err != nil {
			if err := im.problem(rep, err, "tag %s on %s/%s: %v", name, f.instrument, f.code, err); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

// problem records a local failure, or returns err when it is structural.
func (im *Importer) problem(rep *Report, err error, format string, args ...any) error {
	if archive.IsCorruptError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	im.logger().Warn("legacy: skipped", slog.String("detail", msg))
	rep.Problems = append(rep.Problems, msg)
	return nil
}

func (im *Importer) logger() *slog.Logger {
	if im.Logger != nil {
		return im.Logger
	}
	return slog.Default()
}
