// Package parser reads and writes the YAML front matter of converted annex
// Markdown, and derives a title and section outline from its body.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*#*[ \t]*$`)

// Result holds the output of parsing a Markdown file.
type Result struct {
	Frontmatter map[string]any
	Body        string
	Title       string
	Headings    []string
}

// Parse splits front matter from body and derives the title and headings.
func Parse(data []byte) (*Result, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	headings := extractHeadings(body)
	return &Result{
		Frontmatter: fm,
		Body:        body,
		Title:       deriveTitle(fm, headings),
		Headings:    headings,
	}, nil
}

// splitFrontmatter separates YAML front matter (between leading --- lines)
// from the body. Without front matter the entire content is body.
func splitFrontmatter(data []byte) (map[string]any, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), nil
	}

	block := rest[:idx]
	body := strings.TrimLeft(string(rest[idx+1+len(delim):]), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(block, &fm); err != nil {
		// Converters sometimes emit a horizontal rule first; treat the
		// whole file as body.
		return nil, string(data), nil
	}
	return fm, body, nil
}

// Render writes fm as front matter ahead of body. Keys are emitted in
// sorted order so the same inputs always produce the same bytes.
func Render(fm map[string]any, body string) ([]byte, error) {
	var buf bytes.Buffer
	if len(fm) > 0 {
		out, err := yaml.Marshal(fm)
		if err != nil {
			return nil, fmt.Errorf("parser: encode front matter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(out)
		buf.WriteString("---\n\n")
	}
	buf.WriteString(body)
	return buf.Bytes(), nil
}

func extractHeadings(body string) []string {
	var out []string
	for _, m := range headingRe.FindAllStringSubmatch(body, -1) {
		if h := strings.TrimSpace(m[2]); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// deriveTitle returns the front matter "title" if present, otherwise the
// first heading, otherwise "".
func deriveTitle(fm map[string]any, headings []string) string {
	if s, ok := fm["title"].(string); ok && s != "" {
		return s
	}
	if len(headings) > 0 {
		return headings[0]
	}
	return ""
}
