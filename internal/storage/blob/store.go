package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	uploadsPrefix    = "uploads/"
	compressedPrefix = "compressed/"
	thumbnailsPrefix = "thumbnails/"
	maxStemLength    = 80
)

// Config tunes path layout and compression
type Config struct {
	Backend string `mapstructure:"backend" validate:"oneof=local minio"`
	Root    string `mapstructure:"root"`

	CompressionEnabled bool    `mapstructure:"compression_enabled"`
	CompressMinSize    int64   `mapstructure:"compress_min_size" validate:"gte=0"`
	CompressMinSaving  float64 `mapstructure:"compress_min_saving" validate:"gte=0,lt=1"`
}

// DefaultConfig stores on the local filesystem under ./data
func DefaultConfig() *Config {
	return &Config{
		Backend:            "local",
		Root:               "data/blobs",
		CompressionEnabled: true,
		CompressMinSize:    1024,
		CompressMinSaving:  0.10,
	}
}

// CompressedBlob describes a retained compressed artifact
type CompressedBlob struct {
	Path           string
	OriginalSize   int64
	CompressedSize int64
}

// Store places blobs and their derived assets on a Backend
type Store struct {
	backend Backend
	cfg     *Config
	logger  *logger.Logger
	now     func() time.Time
}

// NewStore creates a Store
func NewStore(backend Backend, cfg *Config, log *logger.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.L()
	}
	return &Store{backend: backend, cfg: cfg, logger: log.Named("blob"), now: time.Now}
}

// SetClock overrides the time source used for date-partitioned paths
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Put writes r to uploads/<yyyy>/<mm>/<hash8>_<name>.<ext>. A path that is
// already taken gets a random suffix. Partial output is removed on failure.
func (s *Store) Put(ctx context.Context, r io.Reader, size int64, contentHash, suggestedName string) (string, error) {
	p := s.blobPath(contentHash, suggestedName, "")
	exists, err := s.backend.Exists(ctx, p)
	if err != nil {
		return "", &WriteError{Path: p, Err: err}
	}
	if !exists {
		exists, err = s.backend.Exists(ctx, CompressedPath(p))
		if err != nil {
			return "", &WriteError{Path: p, Err: err}
		}
	}
	if exists {
		p = s.blobPath(contentHash, suggestedName, uuid.NewString()[:6])
	}

	if _, err := s.backend.Put(ctx, p, r, size); err != nil {
		if derr := s.backend.Delete(context.WithoutCancel(ctx), p); derr != nil {
			s.logger.Warn("remove partial blob failed", zap.String("blob_path", p), zap.Error(derr))
		}
		return "", &WriteError{Path: p, Err: err}
	}

	s.logger.Debug("blob stored", zap.String("blob_path", p), zap.Int64("size", size))
	return p, nil
}

// MaybeCompress keeps a gzip artifact only for textual content at or above
// the size threshold that saves at least the configured ratio. When kept,
// the uncompressed original is removed and Read decodes transparently.
func (s *Store) MaybeCompress(ctx context.Context, blobPath, mimeType string, size int64) (*CompressedBlob, error) {
	if !s.cfg.CompressionEnabled || size < s.cfg.CompressMinSize || size <= 0 || !validator.IsTextual(mimeType) {
		return nil, nil
	}

	cpath := CompressedPath(blobPath)
	src, err := s.backend.Open(ctx, blobPath)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, src)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		src.Close()
		pw.CloseWithError(err)
	}()

	compressedSize, err := s.backend.Put(ctx, cpath, pr, -1)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		_ = s.backend.Delete(context.WithoutCancel(ctx), cpath)
		return nil, &WriteError{Path: cpath, Err: err}
	}

	saving := float64(size-compressedSize) / float64(size)
	if saving < s.cfg.CompressMinSaving {
		if err := s.backend.Delete(ctx, cpath); err != nil {
			return nil, err
		}
		s.logger.Debug("compression discarded",
			zap.String("blob_path", blobPath),
			zap.Float64("saving", saving),
		)
		return nil, nil
	}

	if err := s.backend.Delete(ctx, blobPath); err != nil {
		s.logger.Warn("remove uncompressed original failed", zap.String("blob_path", blobPath), zap.Error(err))
	}
	return &CompressedBlob{Path: cpath, OriginalSize: size, CompressedSize: compressedSize}, nil
}

// Read returns the plain bytes of blobPath, decoding a compressed artifact
func (s *Store) Read(ctx context.Context, blobPath string) (io.ReadCloser, error) {
	rc, err := s.backend.Open(ctx, blobPath)
	if err == nil {
		return rc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	crc, err := s.backend.Open(ctx, CompressedPath(blobPath))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, blobPath)
		}
		return nil, err
	}
	zr, err := gzip.NewReader(crc)
	if err != nil {
		crc.Close()
		return nil, fmt.Errorf("open compressed blob %s: %w", blobPath, err)
	}
	return &gzipReadCloser{Reader: zr, src: crc}, nil
}

// Exists reports whether blobPath is readable in either form
func (s *Store) Exists(ctx context.Context, blobPath string) (bool, error) {
	ok, err := s.backend.Exists(ctx, blobPath)
	if err != nil || ok {
		return ok, err
	}
	return s.backend.Exists(ctx, CompressedPath(blobPath))
}

// Delete removes the blob together with its compressed artifact and thumbnail
func (s *Store) Delete(ctx context.Context, blobPath string) error {
	err := multierr.Combine(
		s.backend.Delete(ctx, blobPath),
		s.backend.Delete(ctx, CompressedPath(blobPath)),
		s.backend.Delete(ctx, ThumbnailPath(blobPath)),
	)
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", blobPath, err)
	}
	s.logger.Debug("blob deleted", zap.String("blob_path", blobPath))
	return nil
}

// DeleteIfUnreferenced asks refCount immediately before deleting and keeps
// the blob when anything still references it. Callers hold the blob lock.
func (s *Store) DeleteIfUnreferenced(ctx context.Context, blobPath string, refCount func(context.Context) (int64, error)) (bool, error) {
	n, err := refCount(ctx)
	if err != nil {
		return false, fmt.Errorf("count references of %s: %w", blobPath, err)
	}
	if n > 0 {
		s.logger.Debug("blob still referenced", zap.String("blob_path", blobPath), zap.Int64("refs", n))
		return false, nil
	}
	if err := s.Delete(ctx, blobPath); err != nil {
		return false, err
	}
	return true, nil
}

// PutThumbnail stores a JPEG preview next to blobPath's naming
func (s *Store) PutThumbnail(ctx context.Context, blobPath string, jpeg []byte) (string, error) {
	p := ThumbnailPath(blobPath)
	if _, err := s.backend.Put(ctx, p, bytes.NewReader(jpeg), int64(len(jpeg))); err != nil {
		return "", &WriteError{Path: p, Err: err}
	}
	return p, nil
}

// ReadThumbnail opens the preview of blobPath
func (s *Store) ReadThumbnail(ctx context.Context, blobPath string) (io.ReadCloser, error) {
	return s.backend.Open(ctx, ThumbnailPath(blobPath))
}

// ListBlobs returns every logical blob under uploads/, including those only
// present in compressed form
func (s *Store) ListBlobs(ctx context.Context) ([]Object, error) {
	plain, err := s.backend.List(ctx, strings.TrimSuffix(uploadsPrefix, "/"))
	if err != nil {
		return nil, err
	}
	packed, err := s.backend.List(ctx, strings.TrimSuffix(compressedPrefix, "/"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int, len(plain))
	out := make([]Object, 0, len(plain)+len(packed))
	for _, o := range plain {
		seen[o.Path] = len(out)
		out = append(out, o)
	}
	for _, o := range packed {
		logical := uploadsPrefix + strings.TrimSuffix(strings.TrimPrefix(o.Path, compressedPrefix), ".gz")
		if i, ok := seen[logical]; ok {
			if o.ModTime.After(out[i].ModTime) {
				out[i].ModTime = o.ModTime
			}
			continue
		}
		seen[logical] = len(out)
		out = append(out, Object{Path: logical, Size: o.Size, ModTime: o.ModTime})
	}
	return out, nil
}

func (s *Store) blobPath(contentHash, name, suffix string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := validator.Extension(base)
	stem := sanitize(strings.TrimSuffix(base, path.Ext(base)))
	if suffix != "" {
		stem += "_" + suffix
	}
	hash8 := contentHash
	if len(hash8) > 8 {
		hash8 = hash8[:8]
	}

	now := s.now().UTC()
	file := hash8 + "_" + stem
	if ext != "" {
		file += "." + sanitize(ext)
	}
	return fmt.Sprintf("%s%04d/%02d/%s", uploadsPrefix, now.Year(), int(now.Month()), file)
}

// CompressedPath maps uploads/<p> to compressed/<p>.gz
func CompressedPath(blobPath string) string {
	return compressedPrefix + strings.TrimPrefix(blobPath, uploadsPrefix) + ".gz"
}

// ThumbnailPath maps uploads/<dir>/<name>.<ext> to thumbnails/<dir>/<name>_thumb.jpg
func ThumbnailPath(blobPath string) string {
	rel := strings.TrimPrefix(blobPath, uploadsPrefix)
	return thumbnailsPrefix + strings.TrimSuffix(rel, path.Ext(rel)) + "_thumb.jpg"
}

// sanitize keeps letters, digits, dot, dash and underscore
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > maxStemLength {
		out = out[:maxStemLength]
	}
	if out == "" {
		out = "file"
	}
	return out
}

type gzipReadCloser struct {
	*gzip.Reader
	src io.Closer
}

func (g *gzipReadCloser) Close() error {
	return multierr.Append(g.Reader.Close(), g.src.Close())
}
