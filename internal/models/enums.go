package models

import "fmt"

// ConversionStatus is the closed set of annex conversion outcomes.
type ConversionStatus string

const (
	ConversionSuccess ConversionStatus = "success"
	ConversionFailed  ConversionStatus = "failed"
	ConversionSkipped ConversionStatus = "skipped"
)

// ConversionStatuses lists every valid ConversionStatus.
var ConversionStatuses = []ConversionStatus{ConversionSuccess, ConversionFailed, ConversionSkipped}

// Valid reports whether s is one of the known statuses.
func (s ConversionStatus) Valid() bool {
	switch s {
	case ConversionSuccess, ConversionFailed, ConversionSkipped:
		return true
	}
	return false
}

// ParseConversionStatus converts a stored string back into a ConversionStatus.
func ParseConversionStatus(s string) (ConversionStatus, error) {
	st := ConversionStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown conversion status %q", s)
	}
	return st, nil
}

// EntryState is the state of one manifest entry inside an ingestion run.
type EntryState string

const (
	StatePending          EntryState = "pending"
	StateFetching         EntryState = "fetching"
	StateRetrying         EntryState = "retrying"
	StateSucceeded        EntryState = "succeeded"
	StateFailed           EntryState = "failed"
	StateSkippedUnchanged EntryState = "skipped_unchanged"
	StateSkippedBlocked   EntryState = "skipped_blocked"
)

// FinalStates lists the states an entry can end a run in, in report order.
var FinalStates = []EntryState{StateSucceeded, StateSkippedUnchanged, StateSkippedBlocked, StateFailed}

// Terminal reports whether no further transition can happen from s.
func (s EntryState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkippedUnchanged, StateSkippedBlocked:
		return true
	}
	return false
}

// ParseEntryState converts a run-log string back into an EntryState.
func ParseEntryState(s string) (EntryState, error) {
	switch st := EntryState(s); st {
	case StatePending, StateFetching, StateRetrying, StateSucceeded, StateFailed,
		StateSkippedUnchanged, StateSkippedBlocked:
		return st, nil
	}
	return "", fmt.Errorf("unknown entry state %q", s)
}

// LinkType classifies a FragmentLink.
type LinkType string

// LinkVersion marks a Snapshot discovered by a fragment's history crawl.
const LinkVersion LinkType = "version"

// SourceKind is the content type of a manifest source.
type SourceKind string

const (
	SourceHTML SourceKind = "html"
	SourcePDF  SourceKind = "pdf"
	SourceJSON SourceKind = "json"
	SourceXML  SourceKind = "xml"
)

// Extension returns the file extension used when archiving bytes of this kind.
func (k SourceKind) Extension() string {
	switch k {
	case SourcePDF, SourceJSON, SourceXML:
		return "." + string(k)
	}
	return ".html"
}
