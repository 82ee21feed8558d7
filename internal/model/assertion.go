package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeType is a typed knowledge-graph node kind.
type NodeType string

const (
	NodeActivity   NodeType = "Activity"
	NodeEvent      NodeType = "Event"
	NodeGateway    NodeType = "Gateway"
	NodeDataObject NodeType = "DataObject"
	NodePolicy     NodeType = "Policy"
	NodeRole       NodeType = "Role"
	NodeEvidence   NodeType = "Evidence"
	NodeAssertion  NodeType = "Assertion"
	NodeProcess    NodeType = "Process"
	NodeSubprocess NodeType = "Subprocess"
)

// Predicate is one of the 12 controlled edge kinds.
type Predicate string

const (
	PredPrecedes       Predicate = "PRECEDES"
	PredTriggers       Predicate = "TRIGGERS"
	PredDependsOn      Predicate = "DEPENDS_ON"
	PredConsumes       Predicate = "CONSUMES"
	PredProduces       Predicate = "PRODUCES"
	PredGovernedBy     Predicate = "GOVERNED_BY"
	PredPerformedBy    Predicate = "PERFORMED_BY"
	PredEvidencedBy    Predicate = "EVIDENCED_BY"
	PredContradicts    Predicate = "CONTRADICTS"
	PredSupersedes     Predicate = "SUPERSEDES"
	PredDecomposesInto Predicate = "DECOMPOSES_INTO"
	PredVariantOf      Predicate = "VARIANT_OF"
)

// NodeRef is an identifier-only reference to a typed graph node. Object
// graphs (supersession chains, decomposition trees) are represented by ids
// in both directions, never by ownership.
type NodeRef struct {
	Type NodeType  `json:"type"`
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name,omitempty"`
}

// FrameKind is the epistemic frame of an assertion: what sort of knowing
// produced it.
type FrameKind string

const (
	FrameProcedural   FrameKind = "procedural"
	FrameRegulatory   FrameKind = "regulatory"
	FrameExperiential FrameKind = "experiential"
	FrameTelemetric   FrameKind = "telemetric"
	FrameElicited     FrameKind = "elicited"
	FrameBehavioral   FrameKind = "behavioral"
)

// Validity is a bitemporal validity window: when the claim holds true,
// as distinct from when it was asserted.
type Validity struct {
	From time.Time  `json:"valid_from"`
	To   *time.Time `json:"valid_to,omitempty"`
}

// Overlaps reports whether two validity windows intersect.
func (v Validity) Overlaps(o Validity) bool {
	if v.To != nil && !v.To.After(o.From) {
		return false
	}
	if o.To != nil && !o.To.After(v.From) {
		return false
	}
	return true
}

// Assertion is a single typed claim in the knowledge graph. Assertions are
// never mutated: retraction and supersession set bookkeeping columns
// (retracted_at, superseded_by) and the superseding claim is a new row.
type Assertion struct {
	ID           uuid.UUID `json:"id"`
	EngagementID uuid.UUID `json:"engagement_id"`

	Subject   NodeRef   `json:"subject"`
	Predicate Predicate `json:"predicate"`
	Object    NodeRef   `json:"object"`

	FrameKind      FrameKind   `json:"frame_kind"`
	AuthorityScope string      `json:"authority_scope"`
	SourcePlane    SourcePlane `json:"source_plane"`
	Negated        bool        `json:"negated"` // denial of the subject/predicate/object claim

	// EvidenceID links the assertion to its supporting evidence item.
	EvidenceID *uuid.UUID `json:"evidence_id,omitempty"`

	// Criticality of the subject activity, used by conflict severity.
	Criticality float64 `json:"criticality"`

	AssertedAt   time.Time  `json:"asserted_at"`
	RetractedAt  *time.Time `json:"retracted_at,omitempty"`
	Validity     Validity   `json:"validity"`
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// CurrentlyValid reports whether the assertion belongs to current truth:
// not retracted, and its validity window is open at now.
func (a Assertion) CurrentlyValid(now time.Time) bool {
	if a.RetractedAt != nil {
		return false
	}
	if a.Validity.To != nil && !a.Validity.To.After(now) {
		return false
	}
	return true
}
