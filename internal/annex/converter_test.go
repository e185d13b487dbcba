package annex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/parser"
	"github.com/starford/lexarchive/internal/testutil"
)

// script writes an executable shell script standing in for the converter.
func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "convert.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func samplePDF(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "annexe-1.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4 annexe"), 0o644))
	return p
}

func TestConvertSuccessAddsProvenance(t *testing.T) {
	pdf := samplePDF(t)
	c := &Converter{
		Command: script(t, `printf '%s\n' '---' 'converter_version: "1.2"' '---' '# Annexe I' '' 'Tarifs.' > "$2"`),
		Args:    []string{"{input}", "{output}"},
		Tool:    "marker",
		Timeout: 5 * time.Second,
		Logger:  testutil.Logger(),
	}

	out := c.Convert(context.Background(), pdf, "https://example.org/annexe-1.pdf")
	require.Equal(t, models.ConversionSuccess, out.Status, out.Warnings)
	assert.Equal(t, "marker", out.ConverterTool)
	assert.Equal(t, "1.2", out.ConverterVersion)
	assert.Equal(t, "marker 1.2", out.Provenance)
	assert.Equal(t, "Annexe I", out.Metadata["title"])

	md, err := os.ReadFile(out.MarkdownPath)
	require.NoError(t, err)
	assert.Equal(t, checksum.Sum(md), out.ContentHash)

	parsed, err := parser.Parse(md)
	require.NoError(t, err)
	pdfSum, err := checksum.SumFile(pdf)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/annexe-1.pdf", parsed.Frontmatter["source_url"])
	assert.Equal(t, pdfSum, parsed.Frontmatter["sha256"])
	assert.Equal(t, "# Annexe I\n\nTarifs.\n", parsed.Body)
}

func TestConvertFailureIsRecorded(t *testing.T) {
	c := &Converter{
		Command: script(t, `echo "cannot read xref table" >&2; exit 3`),
		Args:    []string{"{input}", "{output}"},
		Logger:  testutil.Logger(),
	}
	out := c.Convert(context.Background(), samplePDF(t), "https://example.org/a.pdf")
	assert.Equal(t, models.ConversionFailed, out.Status)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "cannot read xref table")
	assert.Empty(t, out.ContentHash)
}

func TestConvertTimeoutIsRetriedThenFails(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempts")
	c := &Converter{
		Command: script(t, `echo x >> "`+marker+`"; exec sleep 5`),
		Args:    []string{"{input}", "{output}"},
		Timeout: 100 * time.Millisecond,
		Retries: 1,
		Logger:  testutil.Logger(),
	}
	out := c.Convert(context.Background(), samplePDF(t), "https://example.org/a.pdf")
	assert.Equal(t, models.ConversionFailed, out.Status)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "timed out")

	attempts, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\n", string(attempts))
}

func TestConvertWithoutCommandIsSkipped(t *testing.T) {
	out := (&Converter{}).Convert(context.Background(), samplePDF(t), "https://example.org/a.pdf")
	assert.Equal(t, models.ConversionSkipped, out.Status)
	assert.Equal(t, "none", out.ConverterTool)
}
