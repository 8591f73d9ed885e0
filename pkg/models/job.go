package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is the persisted history of a submitted task. The live progress of a
// job is held by the status store; this record outlives it.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	Type         TaskType   `db:"type"          json:"type"`
	Scope        string     `db:"scope"         json:"scope"`
	Status       string     `db:"status"        json:"status"`
	ErrorCode    *string    `db:"error_code"    json:"error_code,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
