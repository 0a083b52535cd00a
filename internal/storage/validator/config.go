package validator

import (
	"os"
	"strings"
)

// Config controls upload acceptance
type Config struct {
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gt=0"`
	// AllowedExtensions empty means every extension not denied is accepted
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	DeniedExtensions  []string `mapstructure:"denied_extensions"`
	SniffBytes        int      `mapstructure:"sniff_bytes" validate:"gte=512"`
	StagingDir        string   `mapstructure:"staging_dir"`
}

// DefaultConfig returns the stock policy
func DefaultConfig() *Config {
	return &Config{
		MaxUploadSize: 100 << 20,
		AllowedExtensions: []string{
			"jpg", "jpeg", "png", "gif", "webp", "bmp", "svg",
			"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods",
			"txt", "md", "csv", "json", "xml", "yaml", "yml", "log",
			"zip", "tar", "gz", "7z", "rar",
			"mp3", "wav", "ogg", "mp4", "mov", "webm", "mkv",
		},
		DeniedExtensions: []string{
			"php", "phtml", "php3", "php4", "php5", "phar", "asp", "aspx", "jsp", "cgi", "pl", "py",
			"sh", "bash", "exe", "dll", "bat", "cmd", "com", "msi", "vbs", "ps1", "jar", "scr",
		},
		SniffBytes: 4096,
		StagingDir: os.TempDir(),
	}
}

func normalizeExtensions(exts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out[e] = struct{}{}
		}
	}
	return out
}
