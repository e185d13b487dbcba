// Package manifest loads the list of sources an ingestion run processes.
// A manifest is a JSON (comments and trailing commas allowed), YAML or TOML
// file holding either a bare list of entries or an object with an
// "entries" list.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/gobwas/glob"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/models"
)

// DefaultFragment is the fragment code used when an entry names none.
const DefaultFragment = "document"

// Entry is one source to ingest.
type Entry struct {
	URL             string            `json:"url" yaml:"url" toml:"url"`
	Language        string            `json:"language" yaml:"language" toml:"language"`
	Instrument      string            `json:"instrument,omitempty" yaml:"instrument,omitempty" toml:"instrument,omitempty"`
	Title           string            `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Jurisdiction    string            `json:"jurisdiction,omitempty" yaml:"jurisdiction,omitempty" toml:"jurisdiction,omitempty"`
	Fragment        string            `json:"fragment,omitempty" yaml:"fragment,omitempty" toml:"fragment,omitempty"`
	ParentFragment  string            `json:"parent_fragment,omitempty" yaml:"parent_fragment,omitempty" toml:"parent_fragment,omitempty"`
	Kind            models.SourceKind `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
	Tags            []string          `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
	SnapshotDate    string            `json:"snapshot_date,omitempty" yaml:"snapshot_date,omitempty" toml:"snapshot_date,omitempty"`
	RequiresCapture bool              `json:"requires_capture,omitempty" yaml:"requires_capture,omitempty" toml:"requires_capture,omitempty"`
	CapturePath     string            `json:"capture_path,omitempty" yaml:"capture_path,omitempty" toml:"capture_path,omitempty"`
}

// snapshotDate accepts exactly the dates the archive stores snapshots under.
var snapshotDate = validation.By(func(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	_, err := archive.NormalizeDate(s)
	return err
})

// Validate checks the entry's fields.
func (e Entry) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.URL, validation.Required, is.URL),
		validation.Field(&e.Language, validation.Required, validation.Length(2, 16)),
		validation.Field(&e.Kind, validation.In(models.SourceHTML, models.SourcePDF, models.SourceJSON, models.SourceXML)),
		validation.Field(&e.SnapshotDate, snapshotDate),
		validation.Field(&e.CapturePath, validation.When(filepath.IsAbs(e.CapturePath), validation.Empty.Error("must be relative to the capture directory"))),
	)
}

// Key identifies the entry's source across runs: the instrument and
// language (and fragment, when named) if an instrument is given,
// otherwise the URL. PDFs are always keyed by URL.
func (e Entry) Key() string {
	if e.Instrument == "" || e.SourceKind() == models.SourcePDF {
		return e.URL
	}
	key := e.Instrument + "@" + e.Language
	if e.Fragment != "" {
		key += "#" + e.Fragment
	}
	return key
}

// InstrumentID is the external identifier the entry is archived under.
func (e Entry) InstrumentID() string {
	if e.Instrument != "" {
		return e.Instrument
	}
	return e.URL
}

// FragmentCode returns the fragment the entry's content is attached to.
func (e Entry) FragmentCode() string {
	if e.Fragment != "" {
		return e.Fragment
	}
	return DefaultFragment
}

// SourceKind returns the declared kind, or infers it from the URL.
func (e Entry) SourceKind() models.SourceKind {
	if e.Kind != "" {
		return e.Kind
	}
	u := strings.ToLower(e.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch {
	case strings.HasSuffix(u, ".pdf"):
		return models.SourcePDF
	case strings.HasSuffix(u, ".json"):
		return models.SourceJSON
	case strings.HasSuffix(u, ".xml"):
		return models.SourceXML
	}
	return models.SourceHTML
}

type document struct {
	Entries []Entry `json:"entries" yaml:"entries" toml:"entries"`
}

// Load reads and validates the manifest at path. Any decoding or
// validation problem is reported as apperr.ErrMalformedManifest.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	entries, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return entries, nil
}

// Parse decodes manifest bytes; ext selects the format (".json", ".jsonc",
// ".yaml", ".yml", ".toml").
func Parse(data []byte, ext string) ([]Entry, error) {
	var (
		entries []Entry
		err     error
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		entries, err = parseYAML(data)
	case ".toml":
		var doc document
		_, err = toml.Decode(string(data), &doc)
		entries = doc.Entries
	case ".json", ".jsonc", "":
		entries, err = parseJSON(data)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", apperr.ErrMalformedManifest, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrMalformedManifest, err)
	}

	for i := range entries {
		e := &entries[i]
		e.URL = strings.TrimSpace(e.URL)
		e.Instrument = strings.TrimSpace(e.Instrument)
		e.Language = strings.TrimSpace(e.Language)
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s): %v", apperr.ErrMalformedManifest, i, e.URL, err)
		}
	}
	return entries, nil
}

func parseJSON(data []byte) ([]Entry, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	std = bytes.TrimSpace(std)
	if len(std) > 0 && std[0] == '[' {
		var entries []Entry
		err := json.Unmarshal(std, &entries)
		return entries, err
	}
	var doc document
	err = json.Unmarshal(std, &doc)
	return doc.Entries, err
}

func parseYAML(data []byte) ([]Entry, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	top := root.Content[0]
	if top.Kind == yaml.SequenceNode {
		var entries []Entry
		err := top.Decode(&entries)
		return entries, err
	}
	var doc document
	err := top.Decode(&doc)
	return doc.Entries, err
}

// Filter keeps entries whose key, instrument or URL matches the glob
// pattern. An empty pattern keeps everything.
func Filter(entries []Entry, pattern string) ([]Entry, error) {
	if strings.TrimSpace(pattern) == "" {
		return entries, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, &apperr.ConstraintViolation{Entity: "filter", Reason: fmt.Sprintf("invalid glob %q: %v", pattern, err)}
	}
	var out []Entry
	for _, e := range entries {
		if g.Match(e.Key()) || g.Match(e.Instrument) || g.Match(e.URL) {
			out = append(out, e)
		}
	}
	return out, nil
}
