package consensus

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func evidencedBy(element string, evidenceID uuid.UUID) model.Assertion {
	return model.Assertion{
		ID:        uuid.New(),
		Subject:   model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: element},
		Predicate: model.PredEvidencedBy,
		Object:    model.NodeRef{Type: model.NodeEvidence, ID: evidenceID},
	}
}

func TestShouldPropagate(t *testing.T) {
	before := model.QualityScores{Completeness: 1, Reliability: 0.8, Freshness: 1, Consistency: 1}
	small := model.QualityScores{Completeness: 1, Reliability: 0.8, Freshness: 0.9, Consistency: 1}
	big := model.QualityScores{Completeness: 1, Reliability: 0.8, Freshness: 0.5, Consistency: 1}

	if ShouldPropagate(before, small, 0.05) {
		t.Error("mean delta 0.025 should not propagate at epsilon 0.05")
	}
	if !ShouldPropagate(before, big, 0.05) {
		t.Error("mean delta 0.125 should propagate at epsilon 0.05")
	}
}

func TestAffectedElementsTwoHops(t *testing.T) {
	changed, shared, far := uuid.New(), uuid.New(), uuid.New()
	assertions := []model.Assertion{
		// Hop 1: directly evidenced by the changed item.
		evidencedBy("approve", changed),
		// Hop 2: shares evidence with approve.
		evidencedBy("approve", shared),
		evidencedBy("pay", shared),
		// Hop 3: only reachable through pay's other evidence. Out of range.
		evidencedBy("pay", far),
		evidencedBy("archive", far),
	}

	got, err := AffectedElements(assertions, NewCanonicalizer(nil), changed, 2)
	if err != nil {
		t.Fatalf("AffectedElements() error: %v", err)
	}
	want := []string{"approve", "pay"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AffectedElements() = %v, want %v", got, want)
	}
}

func TestAffectedElementsIgnoresRetracted(t *testing.T) {
	changed := uuid.New()
	retracted := evidencedBy("ghost", changed)
	now := retracted.AssertedAt
	retracted.RetractedAt = &now

	got, err := AffectedElements([]model.Assertion{retracted}, NewCanonicalizer(nil), changed, 2)
	if err != nil {
		t.Fatalf("AffectedElements() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("AffectedElements() = %v, want empty", got)
	}
}
