package biz

import (
	"context"
	"io"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/storage/blob"
	"github.com/lk2023060901/filevault-backend/internal/storage/validator"
)

// ListFilter selects a page of an owner's records
type ListFilter struct {
	OwnerID string
	// ParentID nil lists the root unless AllFolders is set
	ParentID   *string
	AllFolders bool
	State      LifecycleState
	Page       int
	PageSize   int
}

// SearchCriteria filters candidate records; ranking happens in Rank
type SearchCriteria struct {
	OwnerID       string
	ParentID      *string
	Query         string
	Extension     string
	Tags          []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	State         LifecycleState
	Limit         int
}

// FileRepo persists FileRecords. Lookups of missing ids return ErrFileNotFound.
type FileRepo interface {
	Create(ctx context.Context, f *FileRecord) error
	GetByID(ctx context.Context, id string) (*FileRecord, error)
	Update(ctx context.Context, f *FileRecord) error
	// UpdateVersioned writes f only if the stored version_no still equals
	// expectedVersion, else ErrVersionConflict
	UpdateVersioned(ctx context.Context, f *FileRecord, expectedVersion int) error
	Delete(ctx context.Context, id string) error

	// FindByContentHash matches active files only
	FindByContentHash(ctx context.Context, hash string) (*FileRecord, error)
	Search(ctx context.Context, c *SearchCriteria) ([]*FileRecord, error)
	ListByOwner(ctx context.Context, f *ListFilter) ([]*FileRecord, int64, error)
	CountChildren(ctx context.Context, parentID string, states ...LifecycleState) (int64, error)
	IncrementDownloads(ctx context.Context, id string, at time.Time) error

	// CountBlobReferences counts non-purged records plus version entries of
	// non-purged files pointing at blobPath
	CountBlobReferences(ctx context.Context, blobPath string) (int64, error)
	// ListLive pages non-purged, non-directory records by id
	ListLive(ctx context.Context, afterID string, limit int) ([]*FileRecord, error)
	// ListTrashed pages trashed records trashed before the cutoff by id; an
	// empty ownerID matches every owner
	ListTrashed(ctx context.Context, ownerID string, before time.Time, afterID string, limit int) ([]*FileRecord, error)
	SumActiveSize(ctx context.Context, ownerID string) (int64, error)
}

// VersionRepo persists the append-only version history
type VersionRepo interface {
	Append(ctx context.Context, v *VersionEntry) error
	// ListByFile returns entries newest first
	ListByFile(ctx context.Context, fileID string) ([]*VersionEntry, error)
	Get(ctx context.Context, fileID string, versionNo int) (*VersionEntry, error)
	DeleteByFile(ctx context.Context, fileID string) error
	BlobPaths(ctx context.Context, fileID string) ([]string, error)
}

// QuotaRepo persists per-owner quota accounts
type QuotaRepo interface {
	Get(ctx context.Context, ownerID string) (*QuotaAccount, error)
	CreateIfMissing(ctx context.Context, ownerID string, quotaBytes int64) error
	// TryReserve adds bytes to reserved_bytes only when
	// used + reserved + bytes <= quota (or quota <= 0)
	TryReserve(ctx context.Context, ownerID string, bytes int64) (bool, error)
	Commit(ctx context.Context, ownerID string, bytes int64) error
	Cancel(ctx context.Context, ownerID string, bytes int64) error
	Release(ctx context.Context, ownerID string, bytes int64) error
	SetQuota(ctx context.Context, ownerID string, quotaBytes int64) error
	SetUsed(ctx context.Context, ownerID string, usedBytes int64) error
}

// Transactor runs fn in one database transaction carried by ctx
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// BlobStore places and removes physical content
type BlobStore interface {
	Put(ctx context.Context, r io.Reader, size int64, contentHash, suggestedName string) (string, error)
	MaybeCompress(ctx context.Context, blobPath, mimeType string, size int64) (*blob.CompressedBlob, error)
	Read(ctx context.Context, blobPath string) (io.ReadCloser, error)
	ReadThumbnail(ctx context.Context, blobPath string) (io.ReadCloser, error)
	Exists(ctx context.Context, blobPath string) (bool, error)
	Delete(ctx context.Context, blobPath string) error
	DeleteIfUnreferenced(ctx context.Context, blobPath string, refCount func(context.Context) (int64, error)) (bool, error)
	PutThumbnail(ctx context.Context, blobPath string, jpeg []byte) (string, error)
	ListBlobs(ctx context.Context) ([]blob.Object, error)
}

// ContentInspector validates and digests an upload stream
type ContentInspector interface {
	Inspect(ctx context.Context, r io.Reader, declaredName string, declaredSize int64) (*validator.Inspection, error)
}

// MediaProcessor derives image attributes and previews
type MediaProcessor interface {
	Extract(r io.ReadSeeker) (map[string]interface{}, error)
	Thumbnail(r io.ReadSeeker) ([]byte, error)
}

// TaskRunner executes best-effort background work
type TaskRunner interface {
	SubmitErr(name string, task func() error) error
}
