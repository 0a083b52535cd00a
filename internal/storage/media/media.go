// Package media derives image attributes and previews from uploaded bytes.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	maxPixels        = 64 << 20
	maxExifString    = 256
	thumbnailQuality = 80
)

var ErrTooLarge = errors.New("media: image dimensions too large")

// Config tunes preview generation
type Config struct {
	ThumbnailMaxSide int `mapstructure:"thumbnail_max_side" validate:"gt=0"`
}

func DefaultConfig() *Config {
	return &Config{ThumbnailMaxSide: 200}
}

// Processor extracts image metadata and renders thumbnails
type Processor struct {
	cfg *Config
}

func NewProcessor(cfg *Config) *Processor {
	if cfg == nil || cfg.ThumbnailMaxSide <= 0 {
		cfg = DefaultConfig()
	}
	return &Processor{cfg: cfg}
}

// Extract returns width, height and the scalar EXIF fields of an image.
// Missing EXIF is not an error.
func (p *Processor) Extract(r io.ReadSeeker) (map[string]interface{}, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}

	meta := map[string]interface{}{
		"width":  cfg.Width,
		"height": cfg.Height,
		"format": format,
	}

	if format != "jpeg" {
		return meta, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return meta, err
	}
	x, err := exif.Decode(r)
	if err != nil {
		return meta, nil
	}

	if err := collectExif(x, meta); err != nil {
		return meta, err
	}
	return meta, nil
}

type exifSource interface {
	Walk(w exif.Walker) error
}

// collectExif stores the scalar fields under meta["exif"]. Fields gathered
// before a walk failure are kept.
func collectExif(x exifSource, meta map[string]interface{}) error {
	fields := scalarWalker{}
	err := x.Walk(fields)
	if len(fields) > 0 {
		meta["exif"] = map[string]interface{}(fields)
	}
	if err != nil {
		return fmt.Errorf("walk exif: %w", err)
	}
	return nil
}

// Thumbnail renders a JPEG whose longest side is at most the configured bound,
// preserving aspect ratio
func (p *Processor) Thumbnail(r io.ReadSeeker) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, ErrTooLarge
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	w, h := FitWithin(src.Bounds().Dx(), src.Bounds().Dy(), p.cfg.ThumbnailMaxSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// FitWithin scales w x h so the longest side is at most maxSide
func FitWithin(w, h, maxSide int) (int, int) {
	if w <= 0 || h <= 0 {
		return 1, 1
	}
	if w <= maxSide && h <= maxSide {
		return w, h
	}
	if w >= h {
		nh := (h*maxSide + w/2) / w
		if nh < 1 {
			nh = 1
		}
		return maxSide, nh
	}
	nw := (w*maxSide + h/2) / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxSide
}

// scalarWalker keeps single-valued EXIF fields; arrays, undefined blobs and
// IFD pointers are dropped
type scalarWalker map[string]interface{}

func (s scalarWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	n := string(name)
	if strings.HasSuffix(n, "IFDPointer") || strings.HasPrefix(n, "ThumbJPEG") {
		return nil
	}

	switch tag.Format() {
	case tiff.StringVal:
		v, err := tag.StringVal()
		if err != nil {
			return nil
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return nil
		}
		if len(v) > maxExifString {
			v = v[:maxExifString]
		}
		s[n] = v
	case tiff.IntVal:
		if tag.Count != 1 {
			return nil
		}
		if v, err := tag.Int64(0); err == nil {
			s[n] = v
		}
	case tiff.FloatVal:
		if tag.Count != 1 {
			return nil
		}
		if v, err := tag.Float(0); err == nil {
			s[n] = v
		}
	case tiff.RatVal:
		if tag.Count != 1 {
			return nil
		}
		num, den, err := tag.Rat2(0)
		if err != nil || den == 0 {
			return nil
		}
		s[n] = float64(num) / float64(den)
	}
	return nil
}
