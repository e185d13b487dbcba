// Package models defines the domain types stored in the legal-text archive.
package models

import "time"

// InstrumentKey identifies an Instrument. All three parts take part in the
// uniqueness constraint; an empty jurisdiction code means "not yet known".
type InstrumentKey struct {
	JurisdictionCode string `json:"jurisdiction_code"`
	ExternalID       string `json:"external_id"`
	Language         string `json:"language"`
}

// InstrumentFields are the curated, optional attributes of an Instrument.
// Once set they are never overwritten by later ingestion.
type InstrumentFields struct {
	Name      string         `json:"name,omitempty"`
	SourceURL string         `json:"source_url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Instrument is a named legal source document.
type Instrument struct {
	ID             int64          `json:"id"`
	Key            InstrumentKey  `json:"key"`
	Name           string         `json:"name"`
	SourceURL      string         `json:"source_url"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	JurisdictionID int64          `json:"jurisdiction_id,omitempty"` // 0 when unassigned
	CreatedAt      time.Time      `json:"created_at"`
}

// Fragment is an addressable sub-unit of an Instrument.
type Fragment struct {
	ID           int64  `json:"id"`
	InstrumentID int64  `json:"instrument_id"`
	Code         string `json:"code"`
	ParentID     int64  `json:"parent_id,omitempty"` // 0 for a root fragment
}

// CurrentPointer is the mutable "latest extracted content" slot of a Fragment.
type CurrentPointer struct {
	FragmentID  int64     `json:"fragment_id"`
	ContentRef  string    `json:"content_ref"`
	ContentHash string    `json:"content_hash"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Snapshot is an immutable dated capture of a Fragment's content.
// Date is normalized to YYYYMMDD.
type Snapshot struct {
	ID          int64     `json:"id"`
	FragmentID  int64     `json:"fragment_id"`
	Date        string    `json:"date"`
	ContentHash string    `json:"content_hash"`
	ContentRef  string    `json:"content_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnnexOutcome is the latest known result of converting one source PDF.
type AnnexOutcome struct {
	Status           ConversionStatus `json:"status"`
	PDFPath          string           `json:"pdf_path,omitempty"`
	MarkdownPath     string           `json:"md_path,omitempty"`
	ContentHash      string           `json:"content_sha256,omitempty"`
	ConverterTool    string           `json:"converter_tool"`
	ConverterVersion string           `json:"converter_version,omitempty"`
	Provenance       string           `json:"provenance,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	ConvertedAt      time.Time        `json:"converted_at"`
}

// Annex is one ledger row keyed by (FragmentID, PDFURL).
type Annex struct {
	ID         int64  `json:"id"`
	FragmentID int64  `json:"fragment_id"`
	PDFURL     string `json:"pdf_url"`
	AnnexOutcome
}

// Jurisdiction is a normalization entity keyed by Code.
type Jurisdiction struct {
	ID    int64  `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Level string `json:"level"`
}

// Tag is a free label keyed by Name.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FragmentLink is a typed edge from a Fragment to a Snapshot.
type FragmentLink struct {
	ID             int64    `json:"id"`
	FromFragmentID int64    `json:"from_fragment_id"`
	ToSnapshotID   int64    `json:"to_snapshot_id"`
	LinkType       LinkType `json:"link_type"`
}
