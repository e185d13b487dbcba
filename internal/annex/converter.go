// Package annex runs the external PDF-to-Markdown converter for annex PDFs
// and turns its result into an annex ledger outcome.
package annex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/natefinch/atomic"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/parser"
)

// DefaultArgs invoke a marker-style converter. {input} and {output} are
// replaced with the PDF and Markdown paths.
var DefaultArgs = []string{"--input", "{input}", "--output", "{output}", "--format", "gfm"}

// maxStderr bounds how much converter output is kept as a warning.
const maxStderr = 2048

// errTimedOut marks an attempt killed by the per-attempt timeout.
var errTimedOut = errors.New("timed out")

// Converter shells out to an external conversion tool.
type Converter struct {
	// Command is the executable; empty disables conversion and every
	// outcome is recorded as skipped.
	Command string
	Args    []string
	// Tool and Version identify the converter in the ledger. Tool
	// defaults to the command's base name.
	Tool    string
	Version string
	// Timeout bounds one attempt. A timed out attempt is retried up to
	// Retries more times.
	Timeout time.Duration
	Retries int
	Logger  *slog.Logger
}

// Convert converts the PDF at pdfPath into a sibling .md file carrying
// provenance front matter. Failures are reported in the outcome.
func (c *Converter) Convert(ctx context.Context, pdfPath, sourceURL string) models.AnnexOutcome {
	out := models.AnnexOutcome{
		ConverterTool:    c.tool(),
		ConverterVersion: c.Version,
		ConvertedAt:      time.Now().UTC(),
		Metadata:         map[string]any{},
	}
	if c.Command == "" {
		out.Status = models.ConversionSkipped
		out.Warnings = []string{"no converter configured"}
		return out
	}

	pdfSum, err := checksum.SumFile(pdfPath)
	if err != nil {
		return c.failed(out, err)
	}
	out.Metadata["pdf_sha256"] = pdfSum

	mdPath := strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath)) + ".md"
	if err := c.run(ctx, pdfPath, mdPath); err != nil {
		return c.failed(out, err)
	}

	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return c.failed(out, fmt.Errorf("read output: %w", err))
	}
	parsed, err := parser.Parse(raw)
	if err != nil {
		return c.failed(out, err)
	}

	fm := map[string]any{}
	for k, v := range parsed.Frontmatter {
		fm[k] = v
	}
	fm["source_url"] = sourceURL
	fm["sha256"] = pdfSum
	fm["converter"] = out.ConverterTool
	if c.Version != "" {
		fm["converter_version"] = c.Version
	} else if v, ok := parsed.Frontmatter["converter_version"].(string); ok {
		out.ConverterVersion = v
	}
	rendered, err := parser.Render(fm, parsed.Body)
	if err != nil {
		return c.failed(out, err)
	}
	if err := atomic.WriteFile(mdPath, bytes.NewReader(rendered)); err != nil {
		return c.failed(out, fmt.Errorf("write output: %w", err))
	}

	out.Status = models.ConversionSuccess
	out.MarkdownPath = mdPath
	out.ContentHash = checksum.Sum(rendered)
	out.Provenance = strings.TrimSpace(out.ConverterTool + " " + out.ConverterVersion)
	if parsed.Title != "" {
		out.Metadata["title"] = parsed.Title
	}
	out.Metadata["headings"] = len(parsed.Headings)
	if strings.TrimSpace(parsed.Body) == "" {
		out.Warnings = append(out.Warnings, "converter produced an empty document")
	}
	return out
}

func (c *Converter) failed(out models.AnnexOutcome, err error) models.AnnexOutcome {
	cerr := &apperr.ConversionError{Tool: out.ConverterTool, Err: err}
	c.logger().Warn("annex: conversion failed", slog.String("tool", out.ConverterTool), slog.String("error", err.Error()))
	out.Status = models.ConversionFailed
	out.Warnings = append(out.Warnings, cerr.Error())
	return out
}

// run invokes the converter, retrying attempts that hit the timeout.
func (c *Converter) run(ctx context.Context, input, output string) error {
	args := c.Args
	if len(args) == 0 {
		args = DefaultArgs
	}
	expanded := make([]string, len(args))
	r := strings.NewReplacer("{input}", input, "{output}", output)
	for i, a := range args {
		expanded[i] = r.Replace(a)
	}

	attempt := func() (struct{}, error) {
		err := c.runOnce(ctx, expanded)
		if err != nil && !errors.Is(err, errTimedOut) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(uint(max(c.Retries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			c.logger().Warn("annex: converter attempt failed, retrying", slog.String("input", input), slog.String("error", err.Error()))
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return err
}

func (c *Converter) runOnce(ctx context.Context, args []string) error {
	attemptCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(attemptCtx, c.Command, args...)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if attemptCtx.Err() != nil {
		return fmt.Errorf("%w after %s", errTimedOut, c.Timeout)
	}
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > maxStderr {
		msg = msg[:maxStderr]
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

func (c *Converter) tool() string {
	if c.Tool != "" {
		return c.Tool
	}
	if c.Command == "" {
		return "none"
	}
	return filepath.Base(c.Command)
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
