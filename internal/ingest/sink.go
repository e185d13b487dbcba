package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/manifest"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/observability"
)

// Stored describes bytes that passed the checksum gate and were archived.
type Stored struct {
	Ref         string // archive-relative path
	AbsPath     string
	ContentHash string
	Bytes       int
	FetchedAt   time.Time
}

// Sink receives every newly archived source. Errors are recorded against
// the entry; they abort the run only when archive.IsCorruptError holds.
type Sink interface {
	Persist(ctx context.Context, e manifest.Entry, s Stored) error
}

// AnnexConverter turns an archived PDF into Markdown. A failed
// conversion is reported through the outcome's status, never as an error.
type AnnexConverter interface {
	Convert(ctx context.Context, pdfPath, sourceURL string) models.AnnexOutcome
}

// Jurisdiction is a jurisdiction inferred from a source host.
type Jurisdiction struct {
	Code, Name, Level string
	Tag               string
}

var hostJurisdictions = map[string]Jurisdiction{
	"legisquebec.gouv.qc.ca": {Code: "QC", Name: "Québec", Level: "province", Tag: "legisquebec"},
}

// InferJurisdiction maps a source URL to a known jurisdiction.
func InferJurisdiction(rawURL string) (Jurisdiction, bool) {
	host := hostOf(rawURL)
	for suffix, j := range hostJurisdictions {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return j, true
		}
	}
	return Jurisdiction{}, false
}

// ArchiveSink writes archived sources into the archive: instrument,
// fragment, jurisdiction and tags for every kind; then a current pointer
// (plus a dated snapshot when the entry carries one) for documents, or an
// annex ledger row for PDFs.
type ArchiveSink struct {
	Archive   *archive.Archive
	Converter AnnexConverter
	Logger    *slog.Logger
}

// Persist implements Sink.
func (s *ArchiveSink) Persist(ctx context.Context, e manifest.Entry, st Stored) error {
	// The date is checked before anything is written, so a bad date never
	// leaves a half-persisted entry behind.
	day := ""
	if e.SnapshotDate != "" {
		var err error
		if day, err = archive.NormalizeDate(e.SnapshotDate); err != nil {
			return err
		}
	}

	inferred, known := InferJurisdiction(e.URL)
	code := e.Jurisdiction
	if code == "" && known {
		code = inferred.Code
	}

	inst, err := s.Archive.ResolveInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: code, ExternalID: e.InstrumentID(), Language: e.Language},
		models.InstrumentFields{Name: e.Title, SourceURL: e.URL})
	if err != nil {
		return err
	}

	if code != "" {
		name, level := "", ""
		if known && inferred.Code == code {
			name, level = inferred.Name, inferred.Level
		}
		j, err := s.Archive.UpsertJurisdiction(ctx, code, name, level)
		if err != nil {
			return err
		}
		if inst.JurisdictionID == 0 {
			if err := s.Archive.SetInstrumentJurisdiction(ctx, inst.ID, j.ID); err != nil {
				return err
			}
		}
	}

	frag, err := s.Archive.UpsertFragment(ctx, inst.ID, e.FragmentCode(), e.ParentFragment)
	if err != nil {
		return err
	}

	tags := e.Tags
	if known && inferred.Tag != "" {
		tags = append([]string{inferred.Tag}, tags...)
	}
	for _, name := range tags {
		tag, err := s.Archive.UpsertTag(ctx, name)
		if err != nil {
			return err
		}
		if err := s.Archive.TagFragment(ctx, frag.ID, tag.ID); err != nil {
			return err
		}
	}

	if e.SourceKind() == models.SourcePDF {
		return s.persistAnnex(ctx, frag, e, st)
	}

	if err := s.Archive.WriteCurrentPointer(ctx, models.CurrentPointer{
		FragmentID:  frag.ID,
		ContentRef:  st.Ref,
		ContentHash: st.ContentHash,
		ExtractedAt: st.FetchedAt,
	}); err != nil {
		return err
	}
	if day == "" {
		return nil
	}
	snap, created, err := s.Archive.InsertSnapshotIfNew(ctx, frag.ID, day, st.ContentHash, st.Ref)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	observability.SnapshotsCreated.Inc()
	return s.Archive.LinkFragmentToSnapshot(ctx, frag.ID, snap.ID, models.LinkVersion)
}

func (s *ArchiveSink) persistAnnex(ctx context.Context, frag models.Fragment, e manifest.Entry, st Stored) error {
	var out models.AnnexOutcome
	if s.Converter != nil {
		out = s.Converter.Convert(ctx, st.AbsPath, e.URL)
	} else {
		out = models.AnnexOutcome{Status: models.ConversionSkipped, ConverterTool: "none"}
	}
	out.PDFPath = st.Ref
	if out.MarkdownPath != "" {
		out.MarkdownPath = strings.TrimSuffix(st.Ref, path.Ext(st.Ref)) + ".md"
	}
	if out.ConvertedAt.IsZero() {
		out.ConvertedAt = time.Now()
	}
	if out.Status == models.ConversionFailed {
		s.logger().Warn("ingest: annex conversion failed",
			slog.String("url", e.URL), slog.Any("warnings", out.Warnings))
	}
	if _, err := s.Archive.UpsertAnnex(ctx, frag.ID, e.URL, out); err != nil {
		return fmt.Errorf("record annex %s: %w", e.URL, err)
	}
	observability.AnnexOutcomesTotal.WithLabelValues(string(out.Status)).Inc()
	return nil
}

func (s *ArchiveSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
