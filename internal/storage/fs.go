package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path
}

// NewFS creates a provider rooted at an existing directory.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// EnsureFS creates root if needed and returns a provider for it.
func EnsureFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return NewFS(root)
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects any
// result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

// Abs resolves path against the root.
func (f *FS) Abs(path string) (string, error) {
	return f.safePath(path)
}

// List walks dir and returns files ending in ext. A missing dir is empty.
func (f *FS) List(dir, ext string) ([]FileInfo, error) {
	base, err := f.safePath(dir)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p == base {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || (ext != "" && !strings.HasSuffix(d.Name(), ext)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(f.root, p)
		out = append(out, FileInfo{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically replaces the file: temp file in the same directory,
// fsync, rename.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: cannot write to root")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	if err := atomic.WriteFile(abs, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a regular file exists at path.
func (f *FS) Exists(path string) (bool, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return info.Mode().IsRegular(), nil
}

// SafeSegment turns an instrument name into a single path segment.
func SafeSegment(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	r := strings.NewReplacer("/", "-", "\\", "-", " ", "_", "..", "_")
	return r.Replace(name)
}

// ArchivePath is the deterministic location of bytes fetched for an
// instrument at time at: <instrument>/<YYYYMMDDTHHMMSSZ><ext>.
func ArchivePath(instrument string, at time.Time, ext string) string {
	return SafeSegment(instrument) + "/" + Timestamp(at) + ext
}

// Timestamp formats t the way archive and run-log directories are named.
func Timestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// DetectExtension picks the archive file extension from the URL, falling
// back to the response Content-Type, then ".html".
func DetectExtension(url, contentType string) string {
	lowered := strings.ToLower(url)
	if i := strings.IndexAny(lowered, "?#"); i >= 0 && !strings.Contains(lowered[i:], "resultformat=html") {
		lowered = lowered[:i]
	}
	for _, ext := range []string{".pdf", ".json", ".xml"} {
		if strings.HasSuffix(lowered, ext) {
			return ext
		}
	}
	if strings.Contains(lowered, "resultformat=html") {
		return ".html"
	}
	ct := strings.ToLower(contentType)
	for _, kind := range []string{"pdf", "json", "xml"} {
		if strings.Contains(ct, kind) {
			return "." + kind
		}
	}
	return ".html"
}
