package service

import (
	"time"

	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
)

// FileResponse is the API view of a FileRecord
type FileResponse struct {
	ID             string                 `json:"id"`
	OwnerID        string                 `json:"owner_id"`
	ParentID       *string                `json:"parent_id"`
	IsDirectory    bool                   `json:"is_directory"`
	Name           string                 `json:"name"`
	Extension      string                 `json:"extension,omitempty"`
	ContentHash    string                 `json:"content_hash,omitempty"`
	Size           int64                  `json:"size"`
	MimeType       string                 `json:"mime_type,omitempty"`
	Description    string                 `json:"description"`
	Tags           []string               `json:"tags"`
	Visibility     string                 `json:"visibility"`
	State          string                 `json:"state"`
	Version        int                    `json:"version"`
	HasThumbnail   bool                   `json:"has_thumbnail"`
	DownloadCount  int64                  `json:"download_count"`
	LastAccessedAt *time.Time             `json:"last_accessed_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	TrashedAt      *time.Time             `json:"trashed_at,omitempty"`
}

// VersionResponse is the API view of a VersionEntry
type VersionResponse struct {
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	AuthorID    string    `json:"author_id"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchResult pairs a file with its relevance score
type SearchResult struct {
	File  *FileResponse `json:"file"`
	Score float64       `json:"score"`
}

// QuotaResponse is the API view of a QuotaAccount
type QuotaResponse struct {
	OwnerID       string `json:"owner_id"`
	UsedBytes     int64  `json:"used_bytes"`
	ReservedBytes int64  `json:"reserved_bytes"`
	QuotaBytes    int64  `json:"quota_bytes"`
	// Available is -1 for unlimited accounts
	Available int64 `json:"available"`
}

func toFileResponse(f *biz.FileRecord) *FileResponse {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	return &FileResponse{
		ID:             f.ID,
		OwnerID:        f.OwnerID,
		ParentID:       f.ParentID,
		IsDirectory:    f.IsDirectory,
		Name:           f.DisplayName,
		Extension:      f.Extension,
		ContentHash:    f.ContentHash,
		Size:           f.Size,
		MimeType:       f.MimeType,
		Description:    f.Description,
		Tags:           tags,
		Visibility:     string(f.Visibility),
		State:          string(f.State),
		Version:        f.VersionNo,
		HasThumbnail:   f.ThumbnailPath != "",
		DownloadCount:  f.DownloadCount,
		LastAccessedAt: f.LastAccessedAt,
		Metadata:       f.Metadata,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
		TrashedAt:      f.TrashedAt,
	}
}

func toFileResponses(files []*biz.FileRecord) []*FileResponse {
	items := make([]*FileResponse, len(files))
	for i, f := range files {
		items[i] = toFileResponse(f)
	}
	return items
}

func toVersionResponse(v *biz.VersionEntry) *VersionResponse {
	return &VersionResponse{
		Version:     v.VersionNo,
		ContentHash: v.ContentHash,
		Size:        v.Size,
		MimeType:    v.MimeType,
		AuthorID:    v.AuthorID,
		Note:        v.Note,
		CreatedAt:   v.CreatedAt,
	}
}

func toQuotaResponse(a *biz.QuotaAccount) *QuotaResponse {
	return &QuotaResponse{
		OwnerID:       a.OwnerID,
		UsedBytes:     a.UsedBytes,
		ReservedBytes: a.ReservedBytes,
		QuotaBytes:    a.QuotaBytes,
		Available:     a.Available(),
	}
}
