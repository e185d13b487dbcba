package parser

import (
	"strings"
	"testing"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	input := []byte("---\ntitle: Annexe I\nsource_url: https://example.org/a.pdf\n---\n# Tarifs\nBody text.\n")
	r, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Title != "Annexe I" {
		t.Errorf("title = %q, want %q", r.Title, "Annexe I")
	}
	if r.Frontmatter["source_url"] != "https://example.org/a.pdf" {
		t.Errorf("source_url = %v", r.Frontmatter["source_url"])
	}
	if r.Body != "# Tarifs\nBody text.\n" {
		t.Errorf("body = %q", r.Body)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	input := []byte("# Annexe II\nSome text.\n## Section 1 ##\n")
	r, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", r.Frontmatter)
	}
	if r.Title != "Annexe II" {
		t.Errorf("title = %q, want %q", r.Title, "Annexe II")
	}
	if len(r.Headings) != 2 || r.Headings[1] != "Section 1" {
		t.Errorf("headings = %v", r.Headings)
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	input := []byte("---\n: invalid: yaml: {{{\n---\nBody\n")
	r, err := Parse(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
	if r.Body != string(input) {
		t.Errorf("body = %q, want the whole input", r.Body)
	}
}

func TestRender_RoundTrip(t *testing.T) {
	fm := map[string]any{"sha256": "abc", "source_url": "https://example.org/a.pdf"}
	out, err := Render(fm, "# Annexe\ntext\n")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(string(out), "---\nsha256: abc\nsource_url: https://example.org/a.pdf\n---\n\n") {
		t.Errorf("rendered = %q", out)
	}
	r, err := Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Frontmatter["sha256"] != "abc" || r.Body != "# Annexe\ntext\n" {
		t.Errorf("round trip = %+v", r)
	}
}

func TestRender_NoFrontmatter(t *testing.T) {
	out, err := Render(nil, "body")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(out) != "body" {
		t.Errorf("rendered = %q", out)
	}
}

func TestDeriveTitle_FrontmatterOverHeading(t *testing.T) {
	title := deriveTitle(map[string]any{"title": "FM Title"}, []string{"H1 Title"})
	if title != "FM Title" {
		t.Errorf("title = %q, want %q", title, "FM Title")
	}
	if got := deriveTitle(nil, nil); got != "" {
		t.Errorf("title = %q, want empty", got)
	}
}
