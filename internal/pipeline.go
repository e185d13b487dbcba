package internal

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/ingest"
	"github.com/starford/lexarchive/internal/storage"
)

// IngestOptions adjusts one process's ingestion beyond the config file.
type IngestOptions struct {
	// AwaitCaptures waits up to this long for a missing primed capture.
	AwaitCaptures time.Duration
	OnEvent       func(ingest.Event)
}

// NewLauncher wires the ingestion coordinator to the archive a. Every run
// reloads the state file and re-resolves the storage roots.
func NewLauncher(cfg *Config, a *archive.Archive, logger *slog.Logger, opts IngestOptions) *ingest.Launcher {
	build := func() (*ingest.Coordinator, error) {
		sources, err := storage.EnsureFS(cfg.SourceDir())
		if err != nil {
			return nil, err
		}
		captures, err := storage.EnsureFS(cfg.CaptureDir())
		if err != nil {
			return nil, err
		}
		state, err := ingest.LoadState(cfg.StatePath())
		if err != nil {
			return nil, err
		}
		return &ingest.Coordinator{
			Fetcher: &ingest.HTTPFetcher{
				Client:      &http.Client{},
				Timeout:     cfg.Ingest.Timeout,
				UserAgent:   cfg.Ingest.UserAgent,
				HostHeaders: cfg.Ingest.HostHeaders,
			},
			Captures: &ingest.CaptureSource{
				Store:  captures,
				Await:  opts.AwaitCaptures,
				Logger: logger,
			},
			Store: sources,
			State: state,
			Sink: &ingest.ArchiveSink{
				Archive:   a,
				Converter: cfg.Annex.Converter(logger),
				Logger:    logger,
			},
			Policy:  cfg.Ingest.RetryPolicy(),
			Delay:   cfg.Ingest.Delay,
			Logger:  logger,
			OnEvent: opts.OnEvent,
		}, nil
	}
	return &ingest.Launcher{
		NewCoordinator: build,
		LogDir:         cfg.LogDir(),
		Logger:         logger,
	}
}
