package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/lexarchive/internal/manifest"
	"github.com/starford/lexarchive/internal/runlog"
)

// ErrRunInProgress is returned when a run is requested while another one
// started by the same Launcher has not finished.
var ErrRunInProgress = errors.New("ingest: a run is already in progress")

// Request describes one run.
type Request struct {
	Manifest string `json:"manifest"`
	// Only keeps entries whose key, instrument or URL matches the glob.
	Only string `json:"only,omitempty"`
	// Resume skips entries the latest run completed.
	Resume bool `json:"resume,omitempty"`
}

// Launcher prepares runs from requests. At most one of its runs is active
// at any time.
type Launcher struct {
	// NewCoordinator builds the coordinator for one run; the state file is
	// loaded fresh each time.
	NewCoordinator func() (*Coordinator, error)
	LogDir         string
	Logger         *slog.Logger

	mu      sync.Mutex
	running bool
}

// Prepared is a run ready to execute.
type Prepared struct {
	Entries  []manifest.Entry
	Previous map[string]runlog.Record
	Log      *runlog.Writer
	coord    *Coordinator
}

// RunID identifies the prepared run.
func (p *Prepared) RunID() string { return p.Log.RunID() }

// Execute runs the prepared entries and closes the run log.
func (p *Prepared) Execute(ctx context.Context) (Summary, error) {
	sum, err := p.coord.Run(ctx, p.Entries, p.Log, p.Previous)
	return sum, errors.Join(err, p.Log.Close())
}

// Run prepares and executes req synchronously.
func (l *Launcher) Run(ctx context.Context, req Request) (Summary, error) {
	if err := l.acquire(); err != nil {
		return Summary{}, err
	}
	defer l.release()

	p, err := l.prepare(req)
	if err != nil {
		return Summary{}, err
	}
	return p.Execute(ctx)
}

// Start prepares req and executes it in the background. Problems with the
// request itself (unreadable manifest, bad filter) are returned before
// anything runs. done, when non-nil, is called with the result.
func (l *Launcher) Start(ctx context.Context, req Request, done func(Summary, error)) (string, error) {
	if err := l.acquire(); err != nil {
		return "", err
	}
	p, err := l.prepare(req)
	if err != nil {
		l.release()
		return "", err
	}
	go func() {
		defer l.release()
		sum, err := p.Execute(ctx)
		if err != nil {
			l.logger().Error("ingest: background run failed", slog.String("run_id", p.RunID()), slog.String("error", err.Error()))
		}
		if done != nil {
			done(sum, err)
		}
	}()
	return p.RunID(), nil
}

// Running reports whether a run is active.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Launcher) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrRunInProgress
	}
	l.running = true
	return nil
}

func (l *Launcher) release() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

func (l *Launcher) prepare(req Request) (*Prepared, error) {
	entries, err := manifest.Load(req.Manifest)
	if err != nil {
		return nil, err
	}
	if entries, err = manifest.Filter(entries, req.Only); err != nil {
		return nil, err
	}

	var previous map[string]runlog.Record
	if req.Resume {
		if previous, err = l.previous(); err != nil {
			return nil, err
		}
	}

	coord, err := l.NewCoordinator()
	if err != nil {
		return nil, err
	}
	log, err := runlog.Create(l.LogDir, coord.now())
	if err != nil {
		return nil, err
	}
	return &Prepared{Entries: entries, Previous: previous, Log: log, coord: coord}, nil
}

// previous returns the completed entries of the latest run. A torn last
// line is tolerated; the entries before it still count.
func (l *Launcher) previous() (map[string]runlog.Record, error) {
	dir, err := runlog.Latest(l.LogDir)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		l.logger().Info("ingest: nothing to resume", slog.String("log_dir", l.LogDir))
		return nil, nil
	}
	records, err := runlog.ReadRecords(dir)
	if err != nil {
		if len(records) == 0 {
			return nil, fmt.Errorf("ingest: resume from %s: %w", dir, err)
		}
		l.logger().Warn("ingest: resuming from a partial run log", slog.String("dir", dir), slog.String("error", err.Error()))
	}
	done := runlog.Completed(records)
	l.logger().Info("ingest: resuming", slog.String("from", dir), slog.Int("completed", len(done)))
	return done, nil
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
