// Package catalog is the read side of the archive shared by the CLI, the
// HTTP API and the MCP server: it resolves instrument names and fragment
// codes to the downstream query rows.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/models"
)

// Query names a downstream query.
type Query string

const (
	CurrentByFragment         Query = "current-by-fragment"
	SnapshotsByFragment       Query = "snapshots-by-fragment"
	InstrumentsByJurisdiction Query = "instruments-by-jurisdiction"
	AnnexesByFragment         Query = "annexes-by-fragment"
)

// Queries lists every query in help order.
var Queries = []Query{CurrentByFragment, SnapshotsByFragment, InstrumentsByJurisdiction, AnnexesByFragment}

// ParseQuery validates a query name.
func ParseQuery(s string) (Query, error) {
	for _, q := range Queries {
		if string(q) == s {
			return q, nil
		}
	}
	return "", &apperr.ConstraintViolation{Entity: "query", Reason: fmt.Sprintf("unknown query %q", s)}
}

// Params are the inputs of a query.
type Params struct {
	Instrument   string `json:"instrument_name,omitempty"`
	Fragment     string `json:"fragment_code,omitempty"`
	Jurisdiction string `json:"jurisdiction_code,omitempty"`
}

// Validate checks that the parameters q needs are present.
func (p Params) Validate(q Query) error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Instrument, validation.When(q != InstrumentsByJurisdiction, validation.Required)),
		validation.Field(&p.Jurisdiction, validation.When(q == InstrumentsByJurisdiction, validation.Required)),
	)
	if err != nil {
		return &apperr.ConstraintViolation{Entity: string(q), Reason: err.Error()}
	}
	return nil
}

// Service answers read queries against an archive.
type Service struct {
	arc *archive.Archive
}

// NewService creates a catalog over a.
func NewService(a *archive.Archive) *Service {
	return &Service{arc: a}
}

func (s *Service) CurrentByFragment(ctx context.Context, instrument, fragment string) ([]archive.CurrentRow, error) {
	rows, err := s.arc.CurrentByFragment(ctx, instrument, fragment)
	return nonNilSlice(rows), err
}

func (s *Service) SnapshotsByFragment(ctx context.Context, instrument, fragment string) ([]archive.SnapshotRow, error) {
	rows, err := s.arc.SnapshotsByFragment(ctx, instrument, fragment)
	return nonNilSlice(rows), err
}

func (s *Service) InstrumentsByJurisdiction(ctx context.Context, code string) ([]archive.InstrumentRow, error) {
	rows, err := s.arc.InstrumentsByJurisdiction(ctx, code)
	return nonNilSlice(rows), err
}

func (s *Service) AnnexesByFragment(ctx context.Context, instrument, fragment string) ([]archive.AnnexRow, error) {
	rows, err := s.arc.AnnexesByFragment(ctx, instrument, fragment)
	return nonNilSlice(rows), err
}

// Run executes q and returns its rows as a table.
func (s *Service) Run(ctx context.Context, q Query, p Params) (Table, error) {
	if err := p.Validate(q); err != nil {
		return Table{}, err
	}
	switch q {
	case CurrentByFragment:
		rows, err := s.CurrentByFragment(ctx, p.Instrument, p.Fragment)
		return tableOf(currentColumns, rows), err
	case SnapshotsByFragment:
		rows, err := s.SnapshotsByFragment(ctx, p.Instrument, p.Fragment)
		return tableOf(snapshotColumns, rows), err
	case InstrumentsByJurisdiction:
		rows, err := s.InstrumentsByJurisdiction(ctx, p.Jurisdiction)
		return tableOf(instrumentColumns, rows), err
	case AnnexesByFragment:
		rows, err := s.AnnexesByFragment(ctx, p.Instrument, p.Fragment)
		return tableOf(annexColumns, rows), err
	}
	return Table{}, &apperr.ConstraintViolation{Entity: "query", Reason: fmt.Sprintf("unknown query %q", q)}
}

// FragmentDetail gathers everything the archive knows about one fragment.
type FragmentDetail struct {
	Instrument     models.Instrument      `json:"instrument"`
	Fragment       models.Fragment        `json:"fragment"`
	Ancestors      []string               `json:"ancestors"`
	Tags           []string               `json:"tags"`
	Current        *models.CurrentPointer `json:"current,omitempty"`
	LatestSnapshot *models.Snapshot       `json:"latest_snapshot,omitempty"`
	Snapshots      int                    `json:"snapshots"`
	Annexes        int                    `json:"annexes"`
}

// Fragment resolves instrument and code to a single fragment. An
// instrument name matching several instruments (e.g. one per language)
// yields the first that has the fragment.
func (s *Service) Fragment(ctx context.Context, instrument, code string) (*FragmentDetail, error) {
	inst, frag, err := s.resolve(ctx, instrument, code)
	if err != nil {
		return nil, err
	}
	d := &FragmentDetail{Instrument: inst, Fragment: frag, Ancestors: []string{}, Tags: []string{}}

	ids, err := s.arc.Ancestors(ctx, frag.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		anc, err := s.arc.GetFragment(ctx, id)
		if err != nil {
			return nil, err
		}
		d.Ancestors = append(d.Ancestors, anc.Code)
	}

	tags, err := s.arc.FragmentTags(ctx, frag.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		d.Tags = append(d.Tags, t.Name)
	}

	if cur, ok, err := s.arc.GetCurrentPointer(ctx, frag.ID); err != nil {
		return nil, err
	} else if ok {
		d.Current = &cur
	}
	if snap, ok, err := s.arc.LatestSnapshot(ctx, frag.ID); err != nil {
		return nil, err
	} else if ok {
		d.LatestSnapshot = &snap
	}
	if d.Snapshots, err = count(s.arc.ListSnapshots(ctx, frag.ID)); err != nil {
		return nil, err
	}
	if d.Annexes, err = count(s.arc.ListAnnexes(ctx, frag.ID)); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteFragment removes the named fragment and everything hanging off it.
func (s *Service) DeleteFragment(ctx context.Context, instrument, code string) (models.Fragment, error) {
	_, frag, err := s.resolve(ctx, instrument, code)
	if err != nil {
		return models.Fragment{}, err
	}
	return frag, s.arc.DeleteFragment(ctx, frag.ID)
}

// Stats returns the row count of every archive table.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	return s.arc.Counts(ctx)
}

// Verify runs the archive's integrity checks.
func (s *Service) Verify(ctx context.Context) (archive.Report, error) {
	return s.arc.Verify(ctx)
}

func (s *Service) resolve(ctx context.Context, instrument, code string) (models.Instrument, models.Fragment, error) {
	if strings.TrimSpace(instrument) == "" || strings.TrimSpace(code) == "" {
		return models.Instrument{}, models.Fragment{}, &apperr.ConstraintViolation{Entity: "fragment", Reason: "instrument and fragment code are required"}
	}
	insts, err := s.arc.FindInstruments(ctx, instrument)
	if err != nil {
		return models.Instrument{}, models.Fragment{}, err
	}
	for _, inst := range insts {
		frag, err := s.arc.FindFragment(ctx, inst.ID, code)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.Instrument{}, models.Fragment{}, err
		}
		return inst, frag, nil
	}
	return models.Instrument{}, models.Fragment{}, fmt.Errorf("fragment %s/%s: %w", instrument, code, apperr.ErrNotFound)
}

func count[T any](seq iter.Seq2[T, error]) (int, error) {
	n := 0
	for _, err := range seq {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
