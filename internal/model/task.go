package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskKind names a registered task handler.
type TaskKind string

const (
	TaskIngest      TaskKind = "evidence.ingest"
	TaskPOVGenerate TaskKind = "pov.generate"
	TaskScan        TaskKind = "consistency.scan"
	TaskErasure     TaskKind = "erasure"
	TaskReconcile   TaskKind = "reconcile"
	TaskExpire      TaskKind = "evidence.expire"
)

// TaskStatus is the task lifecycle. Strictly monotonic except that a running
// task returns to queued on retry redelivery.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskPartial   TaskStatus = "partial"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskPartial
}

// Task is a durable long-running operation. The row is the source of truth
// for status; stream messages only trigger execution and may be duplicated.
type Task struct {
	ID           uuid.UUID       `json:"id"`
	Kind         TaskKind        `json:"kind"`
	EngagementID uuid.UUID       `json:"engagement_id"`
	Status       TaskStatus      `json:"status"`
	Progress     float64         `json:"progress"`
	Stage        string          `json:"stage"`
	Attempts     int             `json:"attempts"`
	LastError    *string         `json:"last_error,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	CancelFlag   bool            `json:"cancel_requested"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
