package biz

import (
	"math"
	"path"
	"sort"
	"strings"
)

// relevance tiers of a text match
const (
	scoreExact       = 100.0
	scorePrefix      = 75.0
	scoreSubstring   = 50.0
	scoreDescription = 25.0

	popularityPerDownload = 0.01
	popularityCap         = 10.0
)

// ScoredFile is a search hit with its relevance
type ScoredFile struct {
	File  *FileRecord
	Score float64
}

// Score rates how well f matches query. Zero means no match.
func Score(f *FileRecord, query string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	name := strings.ToLower(f.DisplayName)
	stem := strings.TrimSuffix(name, path.Ext(name))

	var base float64
	switch {
	case name == q || stem == q:
		base = scoreExact
	case strings.HasPrefix(name, q):
		base = scorePrefix
	case strings.Contains(name, q):
		base = scoreSubstring
	case strings.Contains(strings.ToLower(f.Description), q):
		base = scoreDescription
	default:
		return 0
	}
	return base + math.Min(float64(f.DownloadCount)*popularityPerDownload, popularityCap)
}

// Rank scores and orders candidates for query, dropping non-matches. An
// empty query keeps every candidate newest first.
func Rank(candidates []*FileRecord, query string) []ScoredFile {
	out := make([]ScoredFile, 0, len(candidates))
	empty := strings.TrimSpace(query) == ""
	for _, f := range candidates {
		if empty {
			out = append(out, ScoredFile{File: f})
			continue
		}
		if s := Score(f, query); s > 0 {
			out = append(out, ScoredFile{File: f, Score: s})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.File.CreatedAt.Equal(b.File.CreatedAt) {
			return a.File.CreatedAt.After(b.File.CreatedAt)
		}
		return a.File.ID < b.File.ID
	})
	return out
}
