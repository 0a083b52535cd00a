package biz

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxDisplayNameLength = 255
	MaxTags              = 32
	MaxTagLength         = 64
)

// Visibility controls who may read a file
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// LifecycleState governs visibility and blob retention
type LifecycleState string

const (
	StateActive  LifecycleState = "active"
	StateTrashed LifecycleState = "trashed"
	StatePurged  LifecycleState = "purged"
)

func (s LifecycleState) Valid() bool {
	return s == StateActive || s == StateTrashed || s == StatePurged
}

// FileRecord is the owner-visible file or directory. Its version fields
// (including VersionAuthorID, VersionNote and VersionCreatedAt) mirror the
// newest version.
type FileRecord struct {
	ID               string
	OwnerID          string
	ParentID         *string
	IsDirectory      bool
	DisplayName      string
	StoredName       string
	Extension        string
	ContentHash      string
	BlobPath         string
	CompressedPath   string
	ThumbnailPath    string
	Size             int64
	MimeType         string
	Description      string
	Tags             []string
	Visibility       Visibility
	State            LifecycleState
	VersionNo        int
	VersionAuthorID  string
	VersionNote      string
	VersionCreatedAt time.Time
	DownloadCount    int64
	LastAccessedAt   *time.Time
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
	TrashedAt        *time.Time
}

// VersionEntry is one historical content revision of a file
type VersionEntry struct {
	FileID      string
	VersionNo   int
	BlobPath    string
	ContentHash string
	Size        int64
	MimeType    string
	AuthorID    string
	Note        string
	CreatedAt   time.Time
}

// BlobInfo describes stored content ready to become a file's current version
type BlobInfo struct {
	BlobPath       string
	CompressedPath string
	ThumbnailPath  string
	ContentHash    string
	Size           int64
	MimeType       string
	Extension      string
	Metadata       map[string]interface{}
}

// NewFileParams holds the inputs of NewFileRecord
type NewFileParams struct {
	OwnerID     string
	ParentID    *string
	DisplayName string
	Blob        BlobInfo
	Description string
	Tags        []string
	Visibility  Visibility
}

// NewFileRecord builds an active version-1 file record
func NewFileRecord(p NewFileParams, now time.Time) (*FileRecord, error) {
	if strings.TrimSpace(p.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRecord)
	}
	name, err := NormalizeName(p.DisplayName)
	if err != nil {
		return nil, err
	}
	if !validHash(p.Blob.ContentHash) {
		return nil, fmt.Errorf("%w: content hash must be 64 hex characters", ErrInvalidRecord)
	}
	if p.Blob.BlobPath == "" {
		return nil, fmt.Errorf("%w: blob path is required", ErrInvalidRecord)
	}
	if p.Blob.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrInvalidRecord)
	}
	vis := p.Visibility
	if vis == "" {
		vis = VisibilityPrivate
	}
	if !vis.Valid() {
		return nil, fmt.Errorf("%w: visibility %q", ErrInvalidRecord, vis)
	}
	tags, err := NormalizeTags(p.Tags)
	if err != nil {
		return nil, err
	}

	return &FileRecord{
		ID:               uuid.NewString(),
		OwnerID:          p.OwnerID,
		ParentID:         p.ParentID,
		DisplayName:      name,
		StoredName:       path.Base(p.Blob.BlobPath),
		Extension:        p.Blob.Extension,
		ContentHash:      p.Blob.ContentHash,
		BlobPath:         p.Blob.BlobPath,
		CompressedPath:   p.Blob.CompressedPath,
		ThumbnailPath:    p.Blob.ThumbnailPath,
		Size:             p.Blob.Size,
		MimeType:         p.Blob.MimeType,
		Description:      strings.TrimSpace(p.Description),
		Tags:             tags,
		Visibility:       vis,
		State:            StateActive,
		VersionNo:        1,
		VersionAuthorID:  p.OwnerID,
		VersionCreatedAt: now,
		Metadata:         p.Blob.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// NewDirectory builds an empty directory record
func NewDirectory(ownerID string, parentID *string, name string, now time.Time) (*FileRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRecord)
	}
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &FileRecord{
		ID:               id,
		OwnerID:          ownerID,
		ParentID:         parentID,
		IsDirectory:      true,
		DisplayName:      name,
		StoredName:       id,
		Visibility:       VisibilityPrivate,
		State:            StateActive,
		VersionNo:        1,
		VersionAuthorID:  ownerID,
		VersionCreatedAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// NormalizeName trims and validates a display name
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: name is required", ErrInvalidRecord)
	case len(name) > MaxDisplayNameLength:
		return "", fmt.Errorf("%w: name longer than %d bytes", ErrInvalidRecord, MaxDisplayNameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("%w: name contains a path separator", ErrInvalidRecord)
	}
	return name, nil
}

// NormalizeTags lowercases and trims tags, dropping empties and duplicates
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > MaxTagLength {
			return nil, fmt.Errorf("%w: tag %q longer than %d bytes", ErrInvalidRecord, t, MaxTagLength)
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	if len(out) > MaxTags {
		return nil, fmt.Errorf("%w: at most %d tags", ErrInvalidRecord, MaxTags)
	}
	return out, nil
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// IsLive reports whether the record still holds blob references
func (f *FileRecord) IsLive() bool {
	return f.State != StatePurged
}

// CurrentVersion synthesizes the version entry of the current content
func (f *FileRecord) CurrentVersion() *VersionEntry {
	return &VersionEntry{
		FileID:      f.ID,
		VersionNo:   f.VersionNo,
		BlobPath:    f.BlobPath,
		ContentHash: f.ContentHash,
		Size:        f.Size,
		MimeType:    f.MimeType,
		AuthorID:    f.VersionAuthorID,
		Note:        f.VersionNote,
		CreatedAt:   f.VersionCreatedAt,
	}
}

// ApplyBlob makes info the current version
func (f *FileRecord) ApplyBlob(info BlobInfo, authorID, note string, now time.Time) {
	f.ContentHash = info.ContentHash
	f.BlobPath = info.BlobPath
	f.CompressedPath = info.CompressedPath
	f.ThumbnailPath = info.ThumbnailPath
	f.Size = info.Size
	f.MimeType = info.MimeType
	f.StoredName = path.Base(info.BlobPath)
	if info.Extension != "" {
		f.Extension = info.Extension
	}
	f.Metadata = info.Metadata
	f.VersionNo++
	f.VersionAuthorID = authorID
	f.VersionNote = note
	f.VersionCreatedAt = now
	f.UpdatedAt = now
}

// Clone returns a deep copy
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	if f.ParentID != nil {
		p := *f.ParentID
		c.ParentID = &p
	}
	if f.TrashedAt != nil {
		t := *f.TrashedAt
		c.TrashedAt = &t
	}
	if f.LastAccessedAt != nil {
		t := *f.LastAccessedAt
		c.LastAccessedAt = &t
	}
	c.Tags = append([]string(nil), f.Tags...)
	if f.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Snapshot is the audit representation of the record
func (f *FileRecord) Snapshot() map[string]interface{} {
	s := map[string]interface{}{
		"id":              f.ID,
		"owner_id":        f.OwnerID,
		"display_name":    f.DisplayName,
		"is_directory":    f.IsDirectory,
		"lifecycle_state": string(f.State),
		"visibility":      string(f.Visibility),
		"version_no":      f.VersionNo,
		"size":            f.Size,
		"content_hash":    f.ContentHash,
		"blob_path":       f.BlobPath,
		"description":     f.Description,
		"tags":            f.Tags,
	}
	if f.ParentID != nil {
		s["parent_id"] = *f.ParentID
	}
	return s
}
