// ABOUTME: Local-filesystem FileStore adapter confined to a base directory.
// ABOUTME: All paths resolve relative to the base; escapes via .. or absolute paths are rejected.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local implements ports.FileStore over a directory tree. Every operation
// resolves its path inside the base directory; a path that escapes it fails.
type Local struct {
	base string
}

// New creates a Local store rooted at base, creating the directory if needed.
func New(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving base %s: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating base %s: %w", abs, err)
	}
	return &Local{base: abs}, nil
}

// Base returns the store's root directory.
func (l *Local) Base() string { return l.base }

// resolve joins the path under base and verifies it stays inside.
func (l *Local) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute path %q not allowed", path)
	}
	full := filepath.Clean(filepath.Join(l.base, path))
	if full != l.base && !strings.HasPrefix(full, l.base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the store", path)
	}
	return full, nil
}

// Read returns the file's contents.
func (l *Local) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Write replaces the file's contents, creating parent directories as needed.
func (l *Local) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// Append adds data to the end of the file, creating it if missing.
func (l *Local) Append(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// Delete removes the file. Deleting a missing file is not an error.
func (l *Local) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
