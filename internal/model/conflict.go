package model

import (
	"time"

	"github.com/google/uuid"
)

// MismatchType classifies a detected cross-source disagreement.
type MismatchType string

const (
	MismatchSequence    MismatchType = "sequence"
	MismatchRole        MismatchType = "role"
	MismatchRule        MismatchType = "rule"
	MismatchExistence   MismatchType = "existence"
	MismatchIO          MismatchType = "io"
	MismatchControlGap  MismatchType = "control_gap"
	MismatchNaming      MismatchType = "naming_variant"
	MismatchTemporal    MismatchType = "temporal_shift"
	MismatchDisagreeing MismatchType = "genuine_disagreement"
)

// ConflictStatus is the conflict resolution lifecycle. Transitions are
// append-only: each change produces a new status row in the audit trail.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictAssigned  ConflictStatus = "assigned"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
)

// ResolutionType records how a conflict was closed.
type ResolutionType string

const (
	ResolutionVariant     ResolutionType = "naming_variant"
	ResolutionSuperseded  ResolutionType = "temporal_supersession"
	ResolutionHumanReview ResolutionType = "human_review"
)

// ConflictObject is the persistent record of a detected disagreement between
// two assertions. Uniqueness within an engagement is keyed by
// (mismatch_type, sorted pair of assertion refs) so re-running the scanner
// never duplicates a conflict.
type ConflictObject struct {
	ID           uuid.UUID    `json:"id"`
	EngagementID uuid.UUID    `json:"engagement_id"`
	MismatchType MismatchType `json:"mismatch_type"`

	SourceARef uuid.UUID `json:"source_a_ref"`
	SourceBRef uuid.UUID `json:"source_b_ref"`

	Severity          float64         `json:"severity"`
	ResolutionType    *ResolutionType `json:"resolution_type,omitempty"`
	ResolutionDetails *string         `json:"resolution_details,omitempty"`
	Status            ConflictStatus  `json:"status"`
	AssignedTo        *string         `json:"assigned_to,omitempty"`
	ClassifiedAt      *time.Time      `json:"classified_at,omitempty"`
	DetectedAt        time.Time       `json:"detected_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PairKey returns the order-independent (low, high) ordering of the two
// assertion refs, the stable half of the conflict uniqueness key.
func PairKey(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() <= b.String() {
		return a, b
	}
	return b, a
}
