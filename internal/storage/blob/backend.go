// Package blob stores upload bytes under content-derived paths on a
// pluggable backend (local filesystem or MinIO).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("blob: not found")
	ErrInvalidPath = errors.New("blob: invalid path")
)

// Object describes a stored object
type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend is the physical byte store. Paths are slash separated and relative.
type Backend interface {
	// Put writes r under p atomically and returns the bytes written.
	// size may be -1 when unknown.
	Put(ctx context.Context, p string, r io.Reader, size int64) (int64, error)
	// Open returns ErrNotFound for a missing object
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	// Delete succeeds when p is already absent
	Delete(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

// WriteError reports a failed physical write
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("blob write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return c, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
