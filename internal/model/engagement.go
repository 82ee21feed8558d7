// Package model holds the core entity types shared across the synthesis
// engine. Types here are plain data; behavior lives in the services that
// operate on them. No package under internal/ imports anything above model.
package model

import (
	"time"

	"github.com/google/uuid"
)

// DataResidency constrains where an engagement's evidence may be stored.
type DataResidency string

const (
	ResidencyNone   DataResidency = "none"
	ResidencyEU     DataResidency = "eu"
	ResidencyUK     DataResidency = "uk"
	ResidencyCustom DataResidency = "custom"
)

// Engagement is the consulting tenancy boundary. Every entity in the system
// belongs to exactly one engagement; cross-engagement references are forbidden
// at every layer.
type Engagement struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	BusinessArea  string        `json:"business_area"`
	DataResidency DataResidency `json:"data_residency"`

	// Embedding schema. Immutable once the first vector is stored
	// (EmbeddingLocked flips on first write under an advisory lock).
	EmbeddingModel  string `json:"embedding_model"`
	EmbeddingDim    int    `json:"embedding_dim"`
	EmbeddingLocked bool   `json:"embedding_locked"`

	// FreshnessThreshold is the floor below which ACTIVE evidence expires.
	FreshnessThreshold float64 `json:"freshness_threshold"`

	// AuthorityScopes is the engagement's controlled authority vocabulary:
	// scope name -> weight in [0,1], used by conflict severity scoring.
	AuthorityScopes map[string]float64 `json:"authority_scopes"`

	// EvidenceQuota caps the number of evidence items; 0 means unlimited.
	EvidenceQuota int `json:"evidence_quota"`

	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthorityWeight returns the weight for a scope, defaulting to 0.5 for
// scopes the engagement has not enumerated.
func (e Engagement) AuthorityWeight(scope string) float64 {
	if w, ok := e.AuthorityScopes[scope]; ok {
		return w
	}
	return 0.5
}
