package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/manifest"
	"github.com/starford/lexarchive/internal/storage"
)

// captureSettle is how long a primed file must stay quiet before it is
// considered completely written.
const captureSettle = 200 * time.Millisecond

// CapturePath is where the headless-capture collaborator is expected to
// drop an entry's bytes, relative to the capture directory.
func CapturePath(e manifest.Entry) string {
	if e.CapturePath != "" {
		return filepath.ToSlash(e.CapturePath)
	}
	return storage.SafeSegment(e.InstrumentID()) + "/" + e.Language + e.SourceKind().Extension()
}

// CaptureSource reads primed captures instead of touching the network.
type CaptureSource struct {
	Store storage.Provider
	// Await, when positive, waits that long for a missing capture to
	// appear before giving up.
	Await  time.Duration
	Logger *slog.Logger
}

// Fetch returns the primed bytes, or apperr.ErrBlocked when no capture
// is present.
func (c *CaptureSource) Fetch(ctx context.Context, e manifest.Entry) (Fetched, error) {
	if c == nil || c.Store == nil {
		return Fetched{}, fmt.Errorf("capture %s: %w", e.URL, apperr.ErrBlocked)
	}
	rel := CapturePath(e)
	ok, err := c.Store.Exists(rel)
	if err != nil {
		return Fetched{}, &apperr.PermanentFetchError{URL: e.URL, Err: err}
	}
	if !ok && c.Await > 0 {
		abs, err := c.Store.Abs(rel)
		if err != nil {
			return Fetched{}, &apperr.PermanentFetchError{URL: e.URL, Err: err}
		}
		ok, err = WaitForFile(ctx, abs, c.Await, c.logger())
		if err != nil {
			return Fetched{}, err
		}
	}
	if !ok {
		return Fetched{}, fmt.Errorf("capture %s: %w", rel, apperr.ErrBlocked)
	}
	data, err := c.Store.Read(rel)
	if err != nil {
		return Fetched{}, &apperr.PermanentFetchError{URL: e.URL, Err: err}
	}
	return Fetched{Body: data, FromCapture: true}, nil
}

func (c *CaptureSource) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// WaitForFile blocks until a regular file exists at path and has not been
// written to for a short settle period, the timeout elapses, or ctx is
// cancelled. Directories created on the way to path are watched as they
// appear.
func WaitForFile(ctx context.Context, path string, timeout time.Duration, logger *slog.Logger) (bool, error) {
	if fileReady(path) {
		return true, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("capture watch: %w", err)
	}
	defer w.Close()

	watchRoot := nearestExistingDir(filepath.Dir(path))
	if err := addDirsRecursive(w, watchRoot); err != nil {
		return false, fmt.Errorf("capture watch %s: %w", watchRoot, err)
	}
	logger.Info("capture: waiting for primed file", slog.String("path", path), slog.Duration("timeout", timeout))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// settle debounces writes to the target; nil until the file shows up.
	var settle *time.Timer
	var settleCh <-chan time.Time
	arm := func() {
		if settle == nil {
			settle = time.NewTimer(captureSettle)
			settleCh = settle.C
		} else {
			settle.Reset(captureSettle)
		}
	}
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	// The file may have appeared between the first check and Add.
	if fileReady(path) {
		arm()
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return fileReady(path), nil
		case <-settleCh:
			if fileReady(path) {
				logger.Debug("capture: primed file ready", slog.String("path", path))
				return true, nil
			}
		case ev, ok := <-w.Events:
			if !ok {
				return fileReady(path), nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(w, ev.Name); err != nil {
						logger.Warn("capture: add new dir failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
					}
				}
			}
			if fileReady(path) {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fileReady(path), nil
			}
			logger.Warn("capture: watcher error", slog.String("error", err.Error()))
		}
	}
}

func fileReady(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func nearestExistingDir(dir string) string {
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
