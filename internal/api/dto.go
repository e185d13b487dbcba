package api

import (
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/catalog"
	"github.com/starford/lexarchive/internal/ingest"
)

// FragmentDetail is the fragment response type (aliased from the domain layer).
type FragmentDetail = catalog.FragmentDetail

// CurrentRow is one current-by-fragment row.
type CurrentRow = archive.CurrentRow

// SnapshotRow is one snapshots-by-fragment row.
type SnapshotRow = archive.SnapshotRow

// InstrumentRow is one instruments-by-jurisdiction row.
type InstrumentRow = archive.InstrumentRow

// AnnexRow is one annexes-by-fragment row.
type AnnexRow = archive.AnnexRow

// RunRequest is the body of POST /runs.
type RunRequest = ingest.Request

// InstrumentListResponse wraps instruments of a jurisdiction.
type InstrumentListResponse struct {
	Instruments []InstrumentRow `json:"instruments" validate:"required"`
}

// CurrentResponse wraps current pointer rows.
type CurrentResponse struct {
	Current []CurrentRow `json:"current" validate:"required"`
}

// SnapshotListResponse wraps snapshot rows, oldest first.
type SnapshotListResponse struct {
	Snapshots []SnapshotRow `json:"snapshots" validate:"required"`
}

// AnnexListResponse wraps annex rows, most recent first.
type AnnexListResponse struct {
	Annexes []AnnexRow `json:"annexes" validate:"required"`
}

// QueryResponse is a named query result with rows keyed by column.
type QueryResponse struct {
	Query  string              `json:"query" example:"snapshots-by-fragment" validate:"required"`
	Header []string            `json:"header" validate:"required"`
	Rows   []map[string]string `json:"rows" validate:"required"`
}

// VerifyResponse is the archive integrity report.
type VerifyResponse struct {
	OK    bool     `json:"ok" example:"true" validate:"required"`
	Lines []string `json:"lines" validate:"required"`
}

// RunAccepted is returned when a run has been started.
type RunAccepted struct {
	RunID string `json:"run_id" example:"6f1c2a7e-3b0f-4c8e-9a51-0d2b8f4e7c11" validate:"required"`
}

// RunStatus reports whether a run is active.
type RunStatus struct {
	Running bool `json:"running" validate:"required"`
}
