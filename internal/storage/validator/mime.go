package validator

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var textualTypes = map[string]struct{}{
	"application/json":       {},
	"application/xml":        {},
	"application/javascript": {},
	"application/x-yaml":     {},
	"application/yaml":       {},
	"application/x-ndjson":   {},
	"application/rtf":        {},
	"application/x-sh":       {},
	"image/svg+xml":          {},
}

// IsTextual reports whether mimeType is text or structured text that
// compresses well
func IsTextual(mimeType string) bool {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if strings.HasPrefix(base, "text/") {
		return true
	}
	if _, ok := textualTypes[base]; ok {
		return true
	}
	for m := mimetype.Lookup(base); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// IsImage reports whether mimeType is a raster image we can decode
func IsImage(mimeType string) bool {
	switch strings.SplitN(mimeType, ";", 2)[0] {
	case "image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp":
		return true
	}
	return false
}
