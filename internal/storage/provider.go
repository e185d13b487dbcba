// Package storage is the file-system side of the archive: fetched source
// bytes, primed captures and collaborator output live under a root
// directory and are addressed by root-relative paths.
package storage

import "time"

// FileInfo describes one file found by List.
type FileInfo struct {
	Path    string // relative to the provider root, slash-separated
	Size    int64
	ModTime time.Time
}

// Provider is the interface for root-confined file operations. The archive
// only ever stores references to these files; nothing here deletes them.
type Provider interface {
	// List returns every file under dir whose name ends in ext (all files
	// when ext is empty), sorted by path.
	List(dir, ext string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path with content.
	Write(path string, content []byte) error
	// Exists reports whether a regular file exists at path.
	Exists(path string) (bool, error)
	// Abs resolves path against the root.
	Abs(path string) (string, error)
}
