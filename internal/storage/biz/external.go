package biz

import (
	"context"
	"time"
)

// Event types consumed by notification collaborators
const (
	EventFileUploaded     = "file.uploaded"
	EventFileDownloaded   = "file.downloaded"
	EventFileDeleted      = "file.deleted"
	EventDirectoryCreated = "directory.created"
)

// Audit actions
const (
	AuditUpload          = "file.upload"
	AuditAppendVersion   = "file.version"
	AuditUpdate          = "file.update"
	AuditTrash           = "file.trash"
	AuditRestore         = "file.restore"
	AuditPurge           = "file.purge"
	AuditSweep           = "file.sweep"
	AuditCreateDirectory = "directory.create"
	AuditSetQuota        = "quota.set"
)

// SystemActorID marks maintenance operations in the audit log
const SystemActorID = "system"

// Event is published after a state change commits
type Event struct {
	Type        string    `json:"type"`
	FileID      string    `json:"file_id"`
	OwnerID     string    `json:"owner_id"`
	DisplayName string    `json:"display_name"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent builds an event from a record
func NewEvent(typ string, f *FileRecord, at time.Time) Event {
	return Event{
		Type:        typ,
		FileID:      f.ID,
		OwnerID:     f.OwnerID,
		DisplayName: f.DisplayName,
		Size:        f.Size,
		MimeType:    f.MimeType,
		Timestamp:   at,
	}
}

// EventPublisher delivers events to external consumers
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// AuditEntry records one state-changing operation
type AuditEntry struct {
	ID           string
	Action       string
	ResourceType string
	ResourceID   string
	Before       map[string]interface{}
	After        map[string]interface{}
	ActorID      string
	CreatedAt    time.Time
}

// AuditWriter persists audit entries
type AuditWriter interface {
	Write(ctx context.Context, e *AuditEntry) error
}

// Action is checked against the AccessPolicy
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// AccessPolicy decides whether requesterID may perform action on f
type AccessPolicy interface {
	Allowed(ctx context.Context, requesterID string, f *FileRecord, action Action) bool
}

// OwnerPolicy grants everything to the owner and read access to public files
type OwnerPolicy struct{}

func (OwnerPolicy) Allowed(_ context.Context, requesterID string, f *FileRecord, action Action) bool {
	if requesterID != "" && requesterID == f.OwnerID {
		return true
	}
	return action == ActionRead && f.Visibility == VisibilityPublic
}
