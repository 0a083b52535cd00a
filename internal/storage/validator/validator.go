// Package validator inspects incoming upload streams: extension policy,
// size limits, script-marker sniffing, MIME detection and SHA-256 digest.
package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// ValidationError rejects an upload for a user-correctable reason
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func reject(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// markers that indicate an embedded script engine payload
var scriptMarkers = [][]byte{
	[]byte("<?php"),
	[]byte("<?="),
	[]byte("<script"),
	[]byte("<%@"),
	[]byte("<%="),
}

// Inspection is the result of a successful Inspect. The bytes are spooled to
// a staging file that Open re-reads; Close removes it.
type Inspection struct {
	ContentHash    string
	MimeType       string
	Extension      string
	Size           int64
	SizeValid      bool
	TypeValid      bool
	SignatureValid bool

	head  []byte
	spool string
}

// Head returns the first sniffed bytes of the stream
func (i *Inspection) Head() []byte {
	return i.head
}

// Open returns a reader over the full inspected content
func (i *Inspection) Open() (io.ReadSeekCloser, error) {
	return os.Open(i.spool)
}

// Close removes the staging file
func (i *Inspection) Close() error {
	if i.spool == "" {
		return nil
	}
	err := os.Remove(i.spool)
	i.spool = ""
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Validator applies the upload policy
type Validator struct {
	cfg     *Config
	allowed map[string]struct{}
	denied  map[string]struct{}
	logger  *logger.Logger
}

// New creates a Validator
func New(cfg *Config, log *logger.Logger) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SniffBytes <= 0 {
		cfg.SniffBytes = 4096
	}
	if log == nil {
		log = logger.L()
	}
	return &Validator{
		cfg:     cfg,
		allowed: normalizeExtensions(cfg.AllowedExtensions),
		denied:  normalizeExtensions(cfg.DeniedExtensions),
		logger:  log.Named("validator"),
	}
}

// MaxUploadSize returns the configured limit
func (v *Validator) MaxUploadSize() int64 {
	return v.cfg.MaxUploadSize
}

// Extension returns the lowercased extension of name without the dot
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// CheckName applies the extension policy to a filename. The deny-list wins
// over the allow-list.
func (v *Validator) CheckName(name string) error {
	ext := Extension(name)
	if _, bad := v.denied[ext]; bad {
		return reject("extension %q is not permitted", ext)
	}
	if len(v.allowed) > 0 {
		if _, ok := v.allowed[ext]; !ok {
			if ext == "" {
				return reject("file has no extension")
			}
			return reject("extension %q is not allowed", ext)
		}
	}
	return nil
}

// Inspect validates and digests r in a single pass. declaredSize < 0 means
// the caller does not know the size. Cancellation of ctx while reading is
// returned as ctx.Err(), not as a ValidationError.
func (v *Validator) Inspect(ctx context.Context, r io.Reader, declaredName string, declaredSize int64) (*Inspection, error) {
	if strings.TrimSpace(declaredName) == "" {
		return nil, reject("filename is required")
	}
	if err := v.CheckName(declaredName); err != nil {
		return nil, err
	}
	if declaredSize > v.cfg.MaxUploadSize {
		return nil, reject("file size %d exceeds limit %d", declaredSize, v.cfg.MaxUploadSize)
	}

	f, err := os.CreateTemp(v.cfg.StagingDir, "upload-*.part")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	hasher := sha256.New()
	head := &headBuffer{limit: v.cfg.SniffBytes}
	src := io.LimitReader(&ctxReader{ctx: ctx, r: r}, v.cfg.MaxUploadSize+1)

	n, err := io.Copy(io.MultiWriter(f, hasher, head), src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read upload stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	if n > v.cfg.MaxUploadSize {
		return nil, reject("file exceeds limit %d", v.cfg.MaxUploadSize)
	}
	if declaredSize >= 0 && n != declaredSize {
		return nil, reject("declared size %d does not match received %d", declaredSize, n)
	}
	if marker := findScriptMarker(head.Bytes()); marker != "" {
		v.logger.Warn("upload rejected by content sniff",
			zap.String("name", declaredName),
			zap.String("marker", marker),
		)
		return nil, reject("content contains executable marker %q", marker)
	}

	mime := mimetype.Detect(head.Bytes())
	ext := Extension(declaredName)
	if ext == "" {
		ext = strings.TrimPrefix(mime.Extension(), ".")
	}

	ok = true
	return &Inspection{
		ContentHash:    hex.EncodeToString(hasher.Sum(nil)),
		MimeType:       mime.String(),
		Extension:      ext,
		Size:           n,
		SizeValid:      true,
		TypeValid:      true,
		SignatureValid: true,
		head:           head.Bytes(),
		spool:          f.Name(),
	}, nil
}

// findScriptMarker returns the first execution marker found, if any
func findScriptMarker(head []byte) string {
	if bytes.HasPrefix(head, []byte("#!")) {
		return "#!"
	}
	lower := bytes.ToLower(head)
	for _, m := range scriptMarkers {
		if bytes.Contains(lower, m) {
			return string(m)
		}
	}
	return ""
}

type headBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.limit - h.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		h.buf.Write(p[:room])
	}
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte {
	return h.buf.Bytes()
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
