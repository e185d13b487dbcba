// Package history imports the output of the history crawl into the archive
// and checks the two stay in step.
//
// The crawl leaves one directory per instrument under the output directory:
//
//	<out>/<instrument>/current.xhtml
//	<out>/<instrument>/history/index.json   {"<fragment>": [{"date", "path"}]}
//	<out>/<instrument>/history/<fragment>/<date>.html
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/storage"
)

const (
	IndexFile   = "history/index.json"
	CurrentFile = "current.xhtml"
)

// Version is one dated capture listed in an index.
type Version struct {
	Date string `json:"date"`
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

// Index maps fragment codes to their versions.
type Index map[string][]Version

// Fragments returns the index's fragment codes in sorted order.
func (ix Index) Fragments() []string {
	codes := make([]string, 0, len(ix))
	for code := range ix {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Instrument is one crawled instrument directory.
type Instrument struct {
	Name  string
	Store *storage.FS
	Index Index
}

// Discover lists every instrument directory under outDir that carries a
// history index, sorted by name.
func Discover(outDir string) ([]Instrument, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("history: list %s: %w", outDir, err)
	}
	var out []Instrument
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		store, err := storage.NewFS(filepath.Join(outDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		ok, err := store.Exists(IndexFile)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		if !ok {
			continue
		}
		ix, err := readIndex(store)
		if err != nil {
			return nil, err
		}
		out = append(out, Instrument{Name: e.Name(), Store: store, Index: ix})
	}
	return out, nil
}

func readIndex(store *storage.FS) (Index, error) {
	data, err := store.Read(IndexFile)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	ix := Index{}
	if len(bytes.TrimSpace(data)) == 0 {
		return ix, nil
	}
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", filepath.Join(store.Root(), IndexFile), err)
	}
	return ix, nil
}

// Report summarizes an import.
type Report struct {
	DryRun       bool
	Instruments  int
	Fragments    int
	Versions     int
	NewSnapshots int
	Links        int
	Problems     []string
	Lines        []string
}

// Importer writes crawled history into an archive.
type Importer struct {
	Archive *archive.Archive
	// Jurisdiction and Language, when set, narrow which archived
	// instrument a crawled directory resolves to; left empty they match
	// whatever ingestion archived under the same identifier. A new
	// instrument is keyed and linked under them.
	Jurisdiction string
	Language     string
	Logger       *slog.Logger
}

// Import loads every instrument history under outDir. With dryRun the
// archive is not touched and Report.Lines describes what would be written.
// Problems with single versions or fragments are collected in the report;
// only a corrupt archive stops the import.
func (im *Importer) Import(ctx context.Context, outDir string, dryRun bool) (Report, error) {
	insts, err := Discover(outDir)
	if err != nil {
		return Report{}, err
	}
	rep := Report{DryRun: dryRun}
	for _, inst := range insts {
		rep.Instruments++
		rep.Fragments += len(inst.Index)
		versions := 0
		for _, vs := range inst.Index {
			versions += len(vs)
		}
		rep.Versions += versions
		if dryRun {
			rep.Lines = append(rep.Lines, fmt.Sprintf("instrument %s: %d fragments, %d versions", inst.Name, len(inst.Index), versions))
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := im.importInstrument(ctx, inst, &rep); err != nil {
			return rep, err
		}
	}

	head := fmt.Sprintf("imported %d instruments, %d fragments, %d versions (%d new snapshots)",
		rep.Instruments, rep.Fragments, rep.Versions, rep.NewSnapshots)
	if dryRun {
		head = fmt.Sprintf("DRY-RUN out-dir=%s instruments=%d fragments=%d versions=%d", outDir, rep.Instruments, rep.Fragments, rep.Versions)
	}
	rep.Lines = append([]string{head}, rep.Lines...)
	for _, p := range rep.Problems {
		rep.Lines = append(rep.Lines, "warning: "+p)
	}
	return rep, nil
}

func (im *Importer) importInstrument(ctx context.Context, inst Instrument, rep *Report) error {
	a := im.Archive
	logger := im.logger().With(slog.String("instrument", inst.Name))

	record, err := a.ResolveInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: im.Jurisdiction, ExternalID: inst.Name, Language: im.Language},
		models.InstrumentFields{Name: inst.Name})
	if err != nil {
		return im.problem(rep, logger, err, "instrument %s: %v", inst.Name, err)
	}
	if im.Jurisdiction != "" && record.JurisdictionID == 0 {
		j, err := a.UpsertJurisdiction(ctx, im.Jurisdiction, "", "")
		if err != nil {
			return im.problem(rep, logger, err, "jurisdiction %s: %v", im.Jurisdiction, err)
		}
		if err := a.SetInstrumentJurisdiction(ctx, record.ID, j.ID); err != nil {
			return im.problem(rep, logger, err, "jurisdiction %s: %v", im.Jurisdiction, err)
		}
	}

	var current *models.CurrentPointer
	if data, err := inst.Store.Read(CurrentFile); err == nil {
		extracted := time.Now()
		if info, err := os.Stat(filepath.Join(inst.Store.Root(), CurrentFile)); err == nil {
			extracted = info.ModTime()
		}
		current = &models.CurrentPointer{
			ContentRef:  path.Join(inst.Name, CurrentFile),
			ContentHash: checksum.Sum(data),
			ExtractedAt: extracted,
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		rep.Problems = append(rep.Problems, fmt.Sprintf("%s: %v", inst.Name, err))
	}

	for _, code := range inst.Index.Fragments() {
		frag, err := a.UpsertFragment(ctx, record.ID, code, "")
		if err != nil {
			if err := im.problem(rep, logger, err, "fragment %s/%s: %v", inst.Name, code, err); err != nil {
				return err
			}
			continue
		}
		if current != nil {
			p := *current
			p.FragmentID = frag.ID
			if err := a.WriteCurrentPointer(ctx, p); err != nil {
				if err := im.problem(rep, logger, err, "current %s/%s: %v", inst.Name, code, err); err != nil {
					return err
				}
			}
		}
		for _, v := range inst.Index[code] {
			if err := im.importVersion(ctx, inst, frag.ID, v, rep); err != nil {
				if err := im.problem(rep, logger, err, "version %s/%s@%s: %v", inst.Name, code, v.Date, err); err != nil {
					return err
				}
			}
		}
	}
	logger.Info("history: imported", slog.Int("fragments", len(inst.Index)))
	return nil
}

func (im *Importer) importVersion(ctx context.Context, inst Instrument, fragmentID int64, v Version, rep *Report) error {
	data, err := inst.Store.Read(v.Path)
	if err != nil {
		return err
	}
	snap, created, err := im.Archive.InsertSnapshotIfNew(ctx, fragmentID, v.Date, checksum.Sum(data), path.Join(inst.Name, v.Path))
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	rep.NewSnapshots++
	if err := im.Archive.LinkFragmentToSnapshot(ctx, fragmentID, snap.ID, models.LinkVersion); err != nil {
		return err
	}
	rep.Links++
	return nil
}

// problem records a local failure, or returns err when it is structural.
func (im *Importer) problem(rep *Report, logger *slog.Logger, err error, format string, args ...any) error {
	if archive.IsCorruptError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	level := slog.LevelWarn
	if apperr.IsConstraint(err) {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "history: skipped", slog.String("detail", msg))
	rep.Problems = append(rep.Problems, msg)
	return nil
}

func (im *Importer) logger() *slog.Logger {
	if im.Logger != nil {
		return im.Logger
	}
	return slog.Default()
}

// FragmentParity compares one fragment's history on disk with the archive.
type FragmentParity struct {
	Instrument string
	Fragment   string
	OnDisk     int // .html files under history/<fragment>/
	Indexed    int // versions listed in index.json
	Archived   int // snapshots in the archive
}

// Matches reports whether disk, index and archive agree.
func (p FragmentParity) Matches() bool {
	return p.OnDisk == p.Indexed && p.Indexed == p.Archived
}

// Parity compares every crawled fragment under outDir with the archive.
func Parity(ctx context.Context, a *archive.Archive, outDir string) ([]FragmentParity, error) {
	insts, err := Discover(outDir)
	if err != nil {
		return nil, err
	}
	var out []FragmentParity
	for _, inst := range insts {
		counts, err := a.SnapshotCounts(ctx, inst.Name)
		if err != nil {
			return nil, err
		}
		codes := inst.Index.Fragments()
		for code := range counts {
			if !slices.Contains(codes, code) {
				codes = append(codes, code)
			}
		}
		sort.Strings(codes)
		for _, code := range codes {
			files, err := inst.Store.List(path.Join("history", code), ".html")
			if err != nil {
				return nil, fmt.Errorf("history: %w", err)
			}
			out = append(out, FragmentParity{
				Instrument: inst.Name,
				Fragment:   code,
				OnDisk:     len(files),
				Indexed:    len(inst.Index[code]),
				Archived:   counts[code],
			})
		}
	}
	return out, nil
}

// AddParity appends one parity check to r. Mismatches fail the report
// only in strict mode.
func AddParity(r *archive.Report, results []FragmentParity, strict bool) {
	var mismatched []string
	for _, p := range results {
		if !p.Matches() {
			mismatched = append(mismatched, fmt.Sprintf("%s/%s disk=%d index=%d archive=%d",
				p.Instrument, p.Fragment, p.OnDisk, p.Indexed, p.Archived))
		}
	}
	if len(mismatched) == 0 {
		r.Add("history parity", true, "%d fragments match", len(results))
		return
	}
	r.Add("history parity", !strict, "%d of %d fragments differ: %s",
		len(mismatched), len(results), strings.Join(mismatched, "; "))
}
