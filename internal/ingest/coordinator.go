// Package ingest drives manifest-described batch runs: fetch with retry,
// checksum-gated change detection, archival of new bytes, and the per-entry
// run log. Entries are processed one at a time, in manifest order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/manifest"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/observability"
	"github.com/starford/lexarchive/internal/runlog"
	"github.com/starford/lexarchive/internal/storage"
)

// Event reports a state transition of one manifest entry.
type Event struct {
	RunID      string            `json:"run_id"`
	Index      int               `json:"index"`
	Key        string            `json:"key"`
	URL        string            `json:"url"`
	State      models.EntryState `json:"state"`
	RetryCount int               `json:"retry_count"`
	Error      string            `json:"error,omitempty"`
}

// Coordinator runs manifests against an archive.
type Coordinator struct {
	Fetcher  Fetcher
	Captures *CaptureSource
	// Store receives archived bytes at storage.ArchivePath locations.
	Store  storage.Provider
	State  *StateFile
	Sink   Sink
	Policy RetryPolicy
	// Delay is the minimum spacing between network requests.
	Delay   time.Duration
	Logger  *slog.Logger
	OnEvent func(Event)
	Now     func() time.Time
}

// Summary is the outcome of one run.
type Summary struct {
	RunID  string
	Dir    string
	Total  int
	Counts map[models.EntryState]int
}

// ExitCode is 1 when every entry failed, else 0.
func (s Summary) ExitCode() int {
	if s.Total > 0 && s.Counts[models.StateFailed] == s.Total {
		return 1
	}
	return 0
}

// String renders the per-state counts in report order.
func (s Summary) String() string {
	parts := make([]string, 0, len(models.FinalStates)+1)
	parts = append(parts, fmt.Sprintf("total=%d", s.Total))
	for _, st := range models.FinalStates {
		parts = append(parts, fmt.Sprintf("%s=%d", st, s.Counts[st]))
	}
	return strings.Join(parts, " ")
}

// Run processes entries in order, appending one record per entry to log.
// Entries whose key appears in previous are not fetched again and are
// recorded as skipped_unchanged. A failing entry never stops the run;
// cancellation, a corrupt archive, or a failure to write the run log or
// the state file does.
func (c *Coordinator) Run(ctx context.Context, entries []manifest.Entry, log *runlog.Writer, previous map[string]runlog.Record) (Summary, error) {
	sum := Summary{RunID: log.RunID(), Dir: log.Dir(), Counts: make(map[models.EntryState]int)}
	logger := c.logger().With(slog.String("run_id", sum.RunID))

	limit := rate.Inf
	if c.Delay > 0 {
		limit = rate.Every(c.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	observability.RunInProgress.Set(1)
	defer observability.RunInProgress.Set(0)

	logger.Info("ingest: run started", slog.Int("entries", len(entries)), slog.String("dir", sum.Dir))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			logger.Warn("ingest: run interrupted", slog.Int("processed", sum.Total))
			return sum, err
		}

		rec := c.process(ctx, i, e, limiter, previous, logger, sum.RunID)
		if rec.abort != nil {
			logger.Error("ingest: run aborted", slog.String("key", e.Key()), slog.String("error", rec.abort.Error()))
			return sum, rec.abort
		}
		if err := log.Append(rec.Record); err != nil {
			return sum, err
		}
		sum.Total++
		sum.Counts[rec.State]++
		observability.IngestEntriesTotal.WithLabelValues(string(rec.State)).Inc()
	}
	logger.Info("ingest: run finished", slog.String("summary", sum.String()))
	return sum, nil
}

// outcome is an entry's run-log record, or the error that ends the run.
type outcome struct {
	runlog.Record
	abort error
}

func (c *Coordinator) process(ctx context.Context, i int, e manifest.Entry, limiter *rate.Limiter, previous map[string]runlog.Record, logger *slog.Logger, runID string) outcome {
	key := e.Key()
	out := outcome{Record: runlog.Record{
		Index: i, Key: key, URL: e.URL, Instrument: e.InstrumentID(), Language: e.Language,
	}}
	emit := func(st models.EntryState) {
		if c.OnEvent != nil {
			c.OnEvent(Event{RunID: runID, Index: i, Key: key, URL: e.URL, State: st, RetryCount: out.RetryCount, Error: out.Error})
		}
	}
	finish := func(st models.EntryState, err error) outcome {
		out.State = st
		out.Timestamp = c.now()
		if err != nil {
			out.Error = err.Error()
		}
		emit(st)
		return out
	}
	emit(models.StatePending)

	if prev, ok := previous[key]; ok {
		out.ContentHash, out.Bytes, out.Path = prev.ContentHash, prev.Bytes, prev.Path
		logger.Debug("ingest: completed in a previous run", slog.String("key", key))
		return finish(models.StateSkippedUnchanged, nil)
	}

	emit(models.StateFetching)
	fetched, err := c.fetch(ctx, e, limiter, func(n int, err error, wait time.Duration) {
		out.RetryCount = n
		observability.IngestRetriesTotal.Inc()
		logger.Warn("ingest: transient failure, retrying",
			slog.String("key", key), slog.Int("retry", n), slog.Duration("wait", wait), slog.String("error", err.Error()))
		emit(models.StateRetrying)
	})
	if err != nil {
		if ctx.Err() != nil {
			out.abort = ctx.Err()
			return out
		}
		if e.RequiresCapture && errors.Is(err, apperr.ErrBlocked) {
			logger.Warn("ingest: no primed capture", slog.String("key", key), slog.String("path", CapturePath(e)))
			return finish(models.StateSkippedBlocked, err)
		}
		logger.Warn("ingest: fetch failed", slog.String("key", key), slog.Int("retries", out.RetryCount), slog.String("error", err.Error()))
		return finish(models.StateFailed, err)
	}

	hash := checksum.Sum(fetched.Body)
	out.ContentHash, out.Bytes = hash, int64(len(fetched.Body))
	at := c.now()
	if c.State != nil && c.State.LastHash(key) == hash {
		c.State.Touch(e, at.UTC().Format(time.RFC3339))
		if err := c.State.Save(); err != nil {
			out.abort = err
			return out
		}
		return finish(models.StateSkippedUnchanged, nil)
	}

	ext := storage.DetectExtension(e.URL, fetched.ContentType)
	if e.Kind != "" {
		ext = e.Kind.Extension()
	}
	rel, err := c.archiveBytes(e, at, ext, fetched.Body)
	if err != nil {
		logger.Warn("ingest: archive write failed", slog.String("key", key), slog.String("error", err.Error()))
		return finish(models.StateFailed, err)
	}
	out.Path = rel

	if c.Sink != nil {
		abs, err := c.Store.Abs(rel)
		if err != nil {
			logger.Warn("ingest: resolve archived path failed", slog.String("key", key), slog.String("error", err.Error()))
			return finish(models.StateFailed, err)
		}
		err = c.Sink.Persist(ctx, e, Stored{Ref: rel, AbsPath: abs, ContentHash: hash, Bytes: len(fetched.Body), FetchedAt: at})
		if err != nil {
			if archive.IsCorruptError(err) {
				out.abort = err
				return out
			}
			logger.Warn("ingest: persist failed", slog.String("key", key), slog.String("error", err.Error()))
			return finish(models.StateFailed, err)
		}
	}

	// The state record moves last, so an entry interrupted before this
	// point is redone on the next run and its archive writes replay as
	// no-ops.
	if c.State != nil {
		c.State.Record(e, StateEvent{Timestamp: at.UTC().Format(time.RFC3339), SHA256: hash, Bytes: len(fetched.Body), Path: rel})
		if err := c.State.Save(); err != nil {
			out.abort = err
			return out
		}
	}
	logger.Info("ingest: archived", slog.String("key", key), slog.String("path", rel), slog.String("sha256", hash))
	return finish(models.StateSucceeded, nil)
}

// fetch prefers a primed capture and otherwise goes to the network under
// the retry policy.
func (c *Coordinator) fetch(ctx context.Context, e manifest.Entry, limiter *rate.Limiter, onRetry func(int, error, time.Duration)) (Fetched, error) {
	source := "network"
	start := time.Now()
	defer func() {
		observability.FetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}()

	if c.Captures != nil {
		f, err := c.Captures.Fetch(ctx, e)
		switch {
		case err == nil:
			source = "capture"
			return f, nil
		case !errors.Is(err, apperr.ErrBlocked) || e.RequiresCapture:
			source = "capture"
			return Fetched{}, err
		}
	} else if e.RequiresCapture {
		return Fetched{}, fmt.Errorf("no capture directory configured: %w", apperr.ErrBlocked)
	}

	if c.Fetcher == nil {
		return Fetched{}, &apperr.PermanentFetchError{URL: e.URL, Err: errors.New("no fetcher configured")}
	}
	f, _, err := retry(ctx, c.policy(), func(ctx context.Context) (Fetched, error) {
		if err := limiter.Wait(ctx); err != nil {
			return Fetched{}, err
		}
		return c.Fetcher.Fetch(ctx, e)
	}, onRetry)
	return f, err
}

// archiveBytes writes body under its deterministic location, adding a
// counter when an earlier entry of the same instrument already used it.
func (c *Coordinator) archiveBytes(e manifest.Entry, at time.Time, ext string, body []byte) (string, error) {
	if c.Store == nil {
		return "", errors.New("no archive directory configured")
	}
	base := storage.ArchivePath(e.InstrumentID(), at, ext)
	rel := base
	for n := 1; ; n++ {
		ok, err := c.Store.Exists(rel)
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		rel = strings.TrimSuffix(base, ext) + fmt.Sprintf("-%d", n) + ext
	}
	if err := c.Store.Write(rel, body); err != nil {
		return "", err
	}
	return path.Clean(rel), nil
}

func (c *Coordinator) policy() RetryPolicy {
	if c.Policy == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	return c.Policy
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
