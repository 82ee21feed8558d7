package model

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EvidenceCategory is the 12-entry evidence taxonomy.
type EvidenceCategory string

const (
	CategoryProcessDocs      EvidenceCategory = "process_docs"
	CategoryRegulatory       EvidenceCategory = "regulatory"
	CategoryCommunications   EvidenceCategory = "communications"
	CategoryTelemetryLogs    EvidenceCategory = "telemetry_logs"
	CategorySystemExports    EvidenceCategory = "system_exports"
	CategoryInterviews       EvidenceCategory = "interviews"
	CategoryWorkObservations EvidenceCategory = "work_observations"
	CategoryScreenshots      EvidenceCategory = "screenshots"
	CategorySpreadsheets     EvidenceCategory = "spreadsheets"
	CategoryOrgCharts        EvidenceCategory = "org_charts"
	CategoryPolicies         EvidenceCategory = "policies"
	CategoryTickets          EvidenceCategory = "tickets"
)

// Categories lists the full taxonomy in declaration order.
var Categories = []EvidenceCategory{
	CategoryProcessDocs, CategoryRegulatory, CategoryCommunications,
	CategoryTelemetryLogs, CategorySystemExports, CategoryInterviews,
	CategoryWorkObservations, CategoryScreenshots, CategorySpreadsheets,
	CategoryOrgCharts, CategoryPolicies, CategoryTickets,
}

// SourcePlane is the capture plane an evidence item arrived through.
type SourcePlane string

const (
	PlaneDocument    SourcePlane = "document"
	PlaneTelemetry   SourcePlane = "telemetry"
	PlaneWorkSurface SourcePlane = "work_surface"
	PlaneHumanInterp SourcePlane = "human_interp"
)

// Planes lists all evidence planes.
var Planes = []SourcePlane{PlaneDocument, PlaneTelemetry, PlaneWorkSurface, PlaneHumanInterp}

// PlaneWeights ranks capture planes by how hard their evidence is to fake or
// misremember. Telemetry beats documents beats human recollection. Used by
// evidence reliability scoring and directly-follows edge weighting.
var PlaneWeights = map[SourcePlane]float64{
	PlaneTelemetry:   0.95,
	PlaneDocument:    0.80,
	PlaneWorkSurface: 0.75,
	PlaneHumanInterp: 0.60,
}

// PlaneWeight returns the class weight for a plane, defaulting to 0.5.
func PlaneWeight(p SourcePlane) float64 {
	if w, ok := PlaneWeights[p]; ok {
		return w
	}
	return 0.5
}

// PlaneForCategory maps each taxonomy category to its capture plane.
var PlaneForCategory = map[EvidenceCategory]SourcePlane{
	CategoryProcessDocs:      PlaneDocument,
	CategoryRegulatory:       PlaneDocument,
	CategoryCommunications:   PlaneDocument,
	CategoryTelemetryLogs:    PlaneTelemetry,
	CategorySystemExports:    PlaneTelemetry,
	CategoryInterviews:       PlaneHumanInterp,
	CategoryWorkObservations: PlaneWorkSurface,
	CategoryScreenshots:      PlaneWorkSurface,
	CategorySpreadsheets:     PlaneDocument,
	CategoryOrgCharts:        PlaneDocument,
	CategoryPolicies:         PlaneDocument,
	CategoryTickets:          PlaneTelemetry,
}

// EvidenceLifecycle is the five-state evidence lifecycle. Transitions are
// monotonic along the declared order; ARCHIVED is terminal and additionally
// reachable from any non-terminal state via rejection.
type EvidenceLifecycle string

const (
	LifecyclePending   EvidenceLifecycle = "pending"
	LifecycleValidated EvidenceLifecycle = "validated"
	LifecycleActive    EvidenceLifecycle = "active"
	LifecycleExpired   EvidenceLifecycle = "expired"
	LifecycleArchived  EvidenceLifecycle = "archived"
)

// Freshness computes the exponential decay score exp(-ageDays/halfLifeDays).
// A just-ingested item scores 1.0 and decays toward 0 as it ages.
func Freshness(ageDays, halfLifeDays float64) float64 {
	if ageDays <= 0 {
		return 1.0
	}
	return math.Exp(-ageDays / halfLifeDays)
}

// QualityScores are the four independent quality dimensions, each in [0,1].
type QualityScores struct {
	Completeness float64 `json:"completeness"`
	Reliability  float64 `json:"reliability"`
	Freshness    float64 `json:"freshness"`
	Consistency  float64 `json:"consistency"`
}

// Mean returns the unweighted mean of the four dimensions.
func (q QualityScores) Mean() float64 {
	return (q.Completeness + q.Reliability + q.Freshness + q.Consistency) / 4
}

// EvidenceItem is a single piece of ingested evidence. The content itself
// lives in blob storage; the item records its fingerprint, quality, and
// lifecycle state. Content is never mutated after ingest.
type EvidenceItem struct {
	ID           uuid.UUID         `json:"id"`
	EngagementID uuid.UUID         `json:"engagement_id"`
	Category     EvidenceCategory  `json:"category"`
	Format       string            `json:"format"`
	BlobRef      string            `json:"blob_ref"`
	ContentHash  string            `json:"content_hash"`
	Quality      QualityScores     `json:"quality"`
	SourcePlane  SourcePlane       `json:"source_plane"`
	Lifecycle    EvidenceLifecycle `json:"lifecycle"`
	LastError    *string           `json:"last_error,omitempty"`
	ValidatedBy  *string           `json:"validated_by,omitempty"`
	Principal    *string           `json:"principal,omitempty"` // data subject, for erasure
	Metadata     map[string]any    `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiredAt    *time.Time        `json:"expired_at,omitempty"`
}

// EvidenceFragment is an ordered slice of parsed evidence text with its
// embedding. Fragments are immutable; they are deleted only when the parent
// item is ARCHIVED and the retention window has elapsed.
type EvidenceFragment struct {
	ID           uuid.UUID        `json:"id"`
	EvidenceID   uuid.UUID        `json:"evidence_id"`
	EngagementID uuid.UUID        `json:"engagement_id"`
	Ordinal      int              `json:"ordinal"`
	Text         string           `json:"text"`
	Embedding    *pgvector.Vector `json:"-"`
	Contradicted bool             `json:"contradicted"`
	CreatedAt    time.Time        `json:"created_at"`
}
