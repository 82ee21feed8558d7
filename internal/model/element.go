package model

import (
	"time"

	"github.com/google/uuid"
)

// ElementType is the BPMN-shaped kind of a process element.
type ElementType string

const (
	ElementActivity ElementType = "activity"
	ElementDecision ElementType = "decision"
	ElementGateway  ElementType = "gateway"
	ElementEvent    ElementType = "event"
)

// Brightness is the derived visualization classification of an element.
type Brightness string

const (
	BrightnessBright Brightness = "bright"
	BrightnessDim    Brightness = "dim"
	BrightnessDark   Brightness = "dark"
)

var brightnessRank = map[Brightness]int{
	BrightnessDark:   0,
	BrightnessDim:    1,
	BrightnessBright: 2,
}

// MinBrightness returns the darker of two brightness values.
func MinBrightness(a, b Brightness) Brightness {
	if brightnessRank[a] <= brightnessRank[b] {
		return a
	}
	return b
}

// EvidenceGrade is the provenance classification A..U, independent of the
// numeric confidence score.
type EvidenceGrade string

const (
	GradeA EvidenceGrade = "A" // human-validated, >=2 supporting planes
	GradeB EvidenceGrade = "B" // >=2 supporting planes, not human-validated
	GradeC EvidenceGrade = "C" // single plane, reliability >= 0.5
	GradeD EvidenceGrade = "D" // single source, unvalidated
	GradeU EvidenceGrade = "U" // no supporting evidence in scope
)

// GradeBrightness is the brightness ceiling a grade imposes.
func GradeBrightness(g EvidenceGrade) Brightness {
	switch g {
	case GradeA, GradeB:
		return BrightnessBright
	case GradeC:
		return BrightnessDim
	default:
		return BrightnessDark
	}
}

// ElementStatus is the review state of a process element within a POV version.
type ElementStatus string

const (
	ElementPending   ElementStatus = "pending"
	ElementConfirmed ElementStatus = "confirmed"
	ElementCorrected ElementStatus = "corrected"
	ElementRejected  ElementStatus = "rejected"
	ElementDeferred  ElementStatus = "deferred"
)

// ProcessElement is one consensus-supported element of a POV version.
// Elements are regenerated per version; old versions are preserved.
type ProcessElement struct {
	ID           uuid.UUID   `json:"id"`
	ModelID      uuid.UUID   `json:"model_id"`
	EngagementID uuid.UUID   `json:"engagement_id"`
	Type         ElementType `json:"type"`
	Name         string      `json:"name"` // canonical name after seed resolution

	Confidence float64       `json:"confidence_score"`
	Strength   float64       `json:"strength"`
	Quality    float64       `json:"quality"`
	Brightness Brightness    `json:"brightness"`
	Grade      EvidenceGrade `json:"evidence_grade"`

	SupportingEvidenceIDs []uuid.UUID   `json:"supporting_evidence_ids"`
	SupportingPlanes      int           `json:"supporting_planes"`
	HumanValidated        bool          `json:"human_validated"`
	ValidatedBy           int           `json:"validated_by"` // count of confirming reviewers
	Status                ElementStatus `json:"status"`

	// Disagreements are conflict ids tagged on the element without removing it.
	Disagreements []uuid.UUID `json:"disagreements,omitempty"`
}

// GatewayKind distinguishes structural split/join semantics.
type GatewayKind string

const (
	GatewayAND  GatewayKind = "and"
	GatewayXOR  GatewayKind = "xor"
	GatewayLoop GatewayKind = "loop"
)

// StructuralEdge is a relationship between two elements of a POV version.
type StructuralEdge struct {
	ModelID   uuid.UUID   `json:"model_id"`
	SourceID  uuid.UUID   `json:"source_id"`
	TargetID  uuid.UUID   `json:"target_id"`
	Predicate Predicate   `json:"predicate"`
	Gateway   GatewayKind `json:"gateway,omitempty"`
	Weight    float64     `json:"weight"`
}

// ProcessModel is one immutable POV version.
type ProcessModel struct {
	ID           uuid.UUID        `json:"id"`
	EngagementID uuid.UUID        `json:"engagement_id"`
	Version      int              `json:"version"`
	Partial      bool             `json:"partial"`
	Scope        POVScope         `json:"scope"`
	Elements     []ProcessElement `json:"elements"`
	Edges        []StructuralEdge `json:"edges"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// POVScope bounds a POV generation run.
type POVScope struct {
	SeedTermIDs []uuid.UUID `json:"seed_term_ids,omitempty"`
	From        *time.Time  `json:"from,omitempty"`
	To          *time.Time  `json:"to,omitempty"`
}

// ElementDelta is a per-element change between two POV versions.
type ElementDelta struct {
	ElementID       uuid.UUID  `json:"element_id"`
	Name            string     `json:"name"`
	ConfidenceDelta float64    `json:"confidence_delta"`
	GradeBefore     EvidenceGrade `json:"grade_before"`
	GradeAfter      EvidenceGrade `json:"grade_after"`
}

// Diff is the structural difference between two POV versions. Membership is
// keyed by (type, name) so regenerated element ids do not show as churn.
type Diff struct {
	Added   []ProcessElement `json:"added"`
	Removed []ProcessElement `json:"removed"`
	Changed []ElementDelta   `json:"changed"`

	AddedEdges   []StructuralEdge `json:"added_edges"`
	RemovedEdges []StructuralEdge `json:"removed_edges"`
}
