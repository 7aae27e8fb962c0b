// Package security confines every file lockwallet writes to its data
// directory.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DirPermSecure  = 0700 // Directory: owner rwx only
	FilePermSecure = 0600 // File: owner rw only
)

var (
	ErrPathEscapes  = errors.New("path escapes data directory")
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	ErrEmptyPath    = errors.New("empty path not allowed")
)

// DataDir is a directory that owns the wallet database, log files and
// saved backups. File operations go through os.Root so names cannot leave
// it.
type DataDir struct {
	root *os.Root
	path string
}

// Open creates dir with owner-only permissions if needed and opens it.
func Open(dir string) (*DataDir, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, DirPermSecure); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat data directory: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(absPath, DirPermSecure); err != nil {
			return nil, fmt.Errorf("failed to restrict data directory: %w", err)
		}
	}

	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}

	return &DataDir{root: root, path: absPath}, nil
}

// Close releases the directory handle.
func (d *DataDir) Close() error {
	if d.root != nil {
		return d.root.Close()
	}
	return nil
}

// Path returns the absolute directory path.
func (d *DataDir) Path() string {
	return d.path
}

// Normalize validates a name relative to the data directory and returns it
// cleaned, with forward slashes. It rejects empty, absolute and escaping
// names.
func (d *DataDir) Normalize(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyPath
	}

	if !filepath.IsLocal(name) {
		if filepath.IsAbs(name) {
			return "", fmt.Errorf("%w: %s", ErrAbsolutePath, name)
		}
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, name)
	}

	rel, err := filepath.Rel(d.path, filepath.Join(d.path, filepath.Clean(name)))
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, name)
	}

	return filepath.ToSlash(rel), nil
}

// Join returns the absolute path of name inside the data directory.
func (d *DataDir) Join(name string) (string, error) {
	rel, err := d.Normalize(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.path, filepath.FromSlash(rel)), nil
}

// WriteFile writes data to name with owner-only permissions, creating
// parent directories.
func (d *DataDir) WriteFile(name string, data []byte) error {
	rel, err := d.Normalize(name)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	platform := filepath.FromSlash(rel)

	if dir := filepath.Dir(platform); dir != "." {
		if err := d.root.MkdirAll(dir, DirPermSecure); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return d.root.WriteFile(platform, data, FilePermSecure)
}

// ReadFile reads name from the data directory.
func (d *DataDir) ReadFile(name string) ([]byte, error) {
	rel, err := d.Normalize(name)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	return d.root.ReadFile(filepath.FromSlash(rel))
}

// MkdirAll creates name and its parents inside the data directory.
func (d *DataDir) MkdirAll(name string) error {
	rel, err := d.Normalize(name)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	return d.root.MkdirAll(filepath.FromSlash(rel), DirPermSecure)
}
