package model

import (
	"time"

	"github.com/google/uuid"
)

// SeedTermCategory classifies what kind of domain vocabulary a seed term is.
type SeedTermCategory string

const (
	SeedActivity   SeedTermCategory = "activity"
	SeedSystem     SeedTermCategory = "system"
	SeedRole       SeedTermCategory = "role"
	SeedRegulation SeedTermCategory = "regulation"
	SeedArtifact   SeedTermCategory = "artifact"
)

// SeedTermSource records how a seed term entered the engagement vocabulary.
type SeedTermSource string

const (
	SeedSourceConsultant SeedTermSource = "consultant"
	SeedSourceNLP        SeedTermSource = "nlp"
	SeedSourceExtracted  SeedTermSource = "extracted"
)

// SeedTermStatus is the seed term lifecycle.
type SeedTermStatus string

const (
	SeedStatusActive     SeedTermStatus = "active"
	SeedStatusDeprecated SeedTermStatus = "deprecated"
	SeedStatusMerged     SeedTermStatus = "merged"
)

// SeedTerm is a domain vocabulary entry. Terms are case-insensitively unique
// among active terms within an engagement. A merged term points at its
// canonical replacement via MergedInto; chains resolve transitively during
// canonicalization, and a cycle aborts POV generation with ErrSeedCycle.
type SeedTerm struct {
	ID           uuid.UUID        `json:"id"`
	EngagementID uuid.UUID        `json:"engagement_id"`
	Term         string           `json:"term"`
	Category     SeedTermCategory `json:"category"`
	Source       SeedTermSource   `json:"source"`
	Status       SeedTermStatus   `json:"status"`
	MergedInto   *uuid.UUID       `json:"merged_into,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
