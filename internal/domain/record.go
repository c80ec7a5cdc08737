package domain

import (
	"context"
	"encoding/json"
	"time"
)

// RecordStatus is the lifecycle state of a collected record.
type RecordStatus string

const (
	RecordDraft     RecordStatus = "draft"
	RecordFinalized RecordStatus = "finalized"
	RecordSynced    RecordStatus = "synced"
)

// Record is one unit of collected form data.
type Record struct {
	ID        string          `json:"id"`
	FormType  string          `json:"form_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    RecordStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Attachment is a captured artifact (photo, audio clip, signature)
// linked to a record field. URI points at the file in the host's
// attachment directory; Metadata is capability-specific.
type Attachment struct {
	ID        string          `json:"id"`
	RecordID  string          `json:"record_id"`
	FieldID   string          `json:"field_id"`
	Kind      string          `json:"kind"`
	URI       string          `json:"uri"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RecordRepository is the persistent local store for collected data.
type RecordRepository interface {
	CreateRecord(ctx context.Context, formType string, payload json.RawMessage, status RecordStatus) (*Record, error)
	UpdateRecord(ctx context.Context, id string, payload json.RawMessage, status RecordStatus) (*Record, error)
	GetRecord(ctx context.Context, id string) (*Record, error)
	ListRecords(ctx context.Context, formType string, status RecordStatus) ([]*Record, error)
	AddAttachment(ctx context.Context, att *Attachment) error
	ListAttachments(ctx context.Context, recordID string) ([]*Attachment, error)
	Close() error
}

// FormSpec is a resolved form definition: the validation schema and the
// renderer layout, plus the bundle version it came from.
type FormSpec struct {
	FormType string          `json:"form_type"`
	Version  string          `json:"version"`
	Schema   json.RawMessage `json:"schema"`
	Layout   json.RawMessage `json:"layout,omitempty"`
}

// FormSpecProvider resolves form identifiers to their specification and
// validates submitted payloads against the form schema.
type FormSpecProvider interface {
	// Resolve returns the specification for formType, from cache when warm.
	Resolve(ctx context.Context, formType string) (*FormSpec, error)
	// Validate checks payload against the form's schema. Returns
	// ErrPayloadInvalid (wrapped with detail) on failure.
	Validate(ctx context.Context, formType string, payload json.RawMessage) error
	// Invalidate drops the cached specification for formType; an empty
	// formType drops the whole cache.
	Invalidate(formType string)
}
