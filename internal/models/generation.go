package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generation statuses. Transitions are monotonic
// (pending -> queued -> processing -> completed/failed); the only
// back-edge is processing -> queued, performed by the recovery service.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxRecoveryAttempts caps how many times a stalled generation may be
// re-queued before it is forced to failed.
const MaxRecoveryAttempts = 3

type Generation struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	AvatarID uuid.UUID
	Status   string
	Prompt   string

	// Checkpoint counters. ItemsCompleted + ItemsFailed is the resume
	// index into SelectedPoseIDs; SelectedPoseIDs must never be mutated
	// after creation.
	TotalExpectedItems int
	ItemsCompleted     int
	ItemsFailed        int
	SelectedPoseIDs    json.RawMessage

	// Optional enhancement settings (JSON blobs, nullable).
	FashionSettings    json.RawMessage
	BackgroundSettings json.RawMessage
	ProfessionTheme    sql.NullString

	QueueJobID       sql.NullString
	RecoveryAttempts int
	LastRecoveryAt   sql.NullTime

	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	ErrorMessage sql.NullString

	CreditCharged  int
	CreditRefunded int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PoseIDs decodes the immutable work list fixed at creation.
func (g *Generation) PoseIDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal(g.SelectedPoseIDs, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode selected pose ids: %w", err)
	}
	return ids, nil
}

// ResumeIndex is the index of the next unprocessed pose. Processing is
// strictly sequential from the front of SelectedPoseIDs, so the counter
// sum is authoritative for resume.
func (g *Generation) ResumeIndex() int {
	return g.ItemsCompleted + g.ItemsFailed
}

// IsDone reports whether every expected item has been accounted for.
func (g *Generation) IsDone() bool {
	return g.ItemsCompleted+g.ItemsFailed >= g.TotalExpectedItems
}

type GeneratedItem struct {
	ID             uuid.UUID
	GenerationID   uuid.UUID
	PoseTemplateID string
	OutputURL      sql.NullString
	AppliedStages  json.RawMessage
	Success        bool
	ErrorMessage   sql.NullString
	DurationMs     int64
	CreatedAt      time.Time
}

type Avatar struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Name         string
	BaseImageURL string
	UsageCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
