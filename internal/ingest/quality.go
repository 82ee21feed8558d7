// Package ingest accepts evidence into an engagement and walks it through
// its lifecycle: fingerprinting, parsing, quality scoring, embedding, and
// validation.
package ingest

import (
	"time"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// expectedFields is the per-category metadata schema used by the
// completeness score. Observed fields outside the schema are ignored.
var expectedFields = map[model.EvidenceCategory][]string{
	model.CategoryProcessDocs:      {"title", "author", "version", "effective_date"},
	model.CategoryRegulatory:       {"title", "jurisdiction", "regulation_ref", "effective_date"},
	model.CategoryCommunications:   {"from", "to", "sent_at", "subject"},
	model.CategoryTelemetryLogs:    {"system", "case_id", "timestamp"},
	model.CategorySystemExports:    {"system", "export_schema", "exported_at"},
	model.CategoryInterviews:       {"interviewee", "role", "conducted_at"},
	model.CategoryWorkObservations: {"observer", "observed_at", "workstation"},
	model.CategoryScreenshots:      {"captured_at", "application"},
	model.CategorySpreadsheets:     {"title", "owner", "modified_at"},
	model.CategoryOrgCharts:        {"title", "effective_date"},
	model.CategoryPolicies:         {"title", "owner", "version", "effective_date"},
	model.CategoryTickets:          {"system", "ticket_id", "opened_at", "status"},
}

// Completeness scores observed metadata against the category schema.
// Categories without a schema score 1.0: there is nothing to miss.
func Completeness(category model.EvidenceCategory, metadata map[string]any) float64 {
	expected := expectedFields[category]
	if len(expected) == 0 {
		return 1.0
	}
	observed := 0
	for _, field := range expected {
		if v, ok := metadata[field]; ok && v != nil && v != "" {
			observed++
		}
	}
	return float64(observed) / float64(len(expected))
}

// Reliability is the source class weight gated by the integrity bit: content
// whose hash does not match what the collector declared scores zero
// regardless of plane.
func Reliability(plane model.SourcePlane, integrityOK bool) float64 {
	if !integrityOK {
		return 0
	}
	return model.PlaneWeight(plane)
}

// FreshnessAt computes the decay score for an item of the given category at
// the given instant, clamped to [0,1].
func FreshnessAt(category model.EvidenceCategory, createdAt, now time.Time, halfLifeDays map[model.EvidenceCategory]float64) float64 {
	hl := halfLifeDays[category]
	if hl <= 0 {
		hl = 90
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	f := model.Freshness(ageDays, hl)
	return clamp01(f)
}

// Consistency scores how much of the item's parsed content survived conflict
// scanning. Initialized 1.0 at ingest; recomputed as the scanner flags
// fragments.
func Consistency(contradicting, total int) float64 {
	if total <= 0 {
		return 1.0
	}
	return clamp01(1.0 - float64(contradicting)/float64(total))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
