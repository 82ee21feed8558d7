package consensus

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func goodQuality() model.QualityScores {
	return model.QualityScores{Completeness: 0.9, Reliability: 0.8, Freshness: 0.9, Consistency: 1.0}
}

func TestSynthesizeTriangulatesSeedVariants(t *testing.T) {
	// Two sources name the same activity differently; the seed merge chain
	// collapses them into one element.
	canonical := model.SeedTerm{ID: uuid.New(), Term: "KYC Review", Status: model.SeedStatusActive}
	alias := model.SeedTerm{ID: uuid.New(), Term: "Know Your Customer Review", Status: model.SeedStatusMerged, MergedInto: &canonical.ID}

	docEvidence, telemetryEvidence := uuid.New(), uuid.New()
	in := Input{
		EngagementID: uuid.New(),
		SeedTerms:    []model.SeedTerm{canonical, alias},
		Candidates: []Candidate{
			{Name: "Know Your Customer Review", Type: model.ElementActivity, EvidenceID: docEvidence, SourcePlane: model.PlaneDocument, Quality: goodQuality()},
			{Name: "KYC Review", Type: model.ElementActivity, EvidenceID: telemetryEvidence, SourcePlane: model.PlaneTelemetry, Quality: goodQuality()},
		},
		PlanesAvailable: 2,
	}

	out, err := NewEngine(0.1).Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if len(out.Elements) != 1 {
		t.Fatalf("elements = %d, want 1 after triangulation", len(out.Elements))
	}

	el := out.Elements[0]
	if el.Name != "kyc review" {
		t.Errorf("canonical name = %q, want %q", el.Name, "kyc review")
	}
	if el.SupportingPlanes != 2 {
		t.Errorf("supporting planes = %d, want 2", el.SupportingPlanes)
	}
	if len(el.SupportingEvidenceIDs) != 2 {
		t.Errorf("supporting evidence = %d, want 2", len(el.SupportingEvidenceIDs))
	}
	// Full coverage, full agreement: strength is 1.0.
	if el.Strength < 0.999 {
		t.Errorf("strength = %v, want 1.0", el.Strength)
	}
	if el.Grade != model.GradeB {
		t.Errorf("grade = %v, want B for two unvalidated planes", el.Grade)
	}
}

func TestSynthesizeAgreementCountsDeniers(t *testing.T) {
	ev := uuid.New()
	in := Input{
		EngagementID: uuid.New(),
		Candidates: []Candidate{
			{Name: "manual override", Type: model.ElementActivity, EvidenceID: ev, SourcePlane: model.PlaneDocument, Quality: goodQuality()},
		},
		Assertions: []model.Assertion{
			{
				ID:        uuid.New(),
				Subject:   model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: "Manual Override"},
				Predicate: model.PredPerformedBy,
				Object:    model.NodeRef{Type: model.NodeRole, ID: uuid.New(), Name: "clerk"},
				Negated:   true,
			},
		},
		PlanesAvailable: 4,
	}

	out, err := NewEngine(0.1).Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	el := out.Elements[0]
	// One supporter, one denier: agreement 0.5.
	wantStrength := 0.55*0.25 + 0.45*0.5
	if diff := el.Strength - wantStrength; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("strength = %v, want %v", el.Strength, wantStrength)
	}
}

func TestSynthesizeStableOrdering(t *testing.T) {
	in := Input{
		EngagementID: uuid.New(),
		Candidates: []Candidate{
			{Name: "zeta", Type: model.ElementActivity, EvidenceID: uuid.New(), SourcePlane: model.PlaneDocument, Quality: goodQuality()},
			{Name: "alpha", Type: model.ElementActivity, EvidenceID: uuid.New(), SourcePlane: model.PlaneDocument, Quality: goodQuality()},
			{Name: "start", Type: model.ElementEvent, EvidenceID: uuid.New(), SourcePlane: model.PlaneDocument, Quality: goodQuality()},
		},
		PlanesAvailable: 4,
	}

	out, err := NewEngine(0.1).Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	var got []string
	for _, el := range out.Elements {
		got = append(got, string(el.Type)+"/"+el.Name)
	}
	want := []string{"activity/alpha", "activity/zeta", "event/start"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSynthesizeDependencyBrightnessCap(t *testing.T) {
	brightEv1, brightEv2, darkEv := uuid.New(), uuid.New(), uuid.New()
	in := Input{
		EngagementID: uuid.New(),
		Candidates: []Candidate{
			// Well-evidenced activity across two planes.
			{Name: "post payment", Type: model.ElementActivity, EvidenceID: brightEv1, SourcePlane: model.PlaneTelemetry, Quality: goodQuality(), HumanValidated: true},
			{Name: "post payment", Type: model.ElementActivity, EvidenceID: brightEv2, SourcePlane: model.PlaneDocument, Quality: goodQuality()},
			// Thin, unreliable single mention: dark.
			{Name: "legacy batch job", Type: model.ElementActivity, EvidenceID: darkEv, SourcePlane: model.PlaneHumanInterp, Quality: model.QualityScores{Completeness: 0.2, Reliability: 0.3, Freshness: 0.1, Consistency: 0.5}},
		},
		Assertions: []model.Assertion{
			{
				ID:        uuid.New(),
				Subject:   model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: "post payment"},
				Predicate: model.PredDependsOn,
				Object:    model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: "legacy batch job"},
			},
		},
		PlanesAvailable: 2,
	}

	out, err := NewEngine(0.1).Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}

	byName := map[string]model.ProcessElement{}
	for _, el := range out.Elements {
		byName[el.Name] = el
	}
	if byName["legacy batch job"].Brightness != model.BrightnessDark {
		t.Fatalf("dependency brightness = %v, want dark", byName["legacy batch job"].Brightness)
	}
	if got := byName["post payment"].Brightness; got != model.BrightnessDim {
		t.Errorf("dependent brightness = %v, want dim (capped by dark dependency)", got)
	}
}

func TestSynthesizeEmitsStructuralEdges(t *testing.T) {
	ev := uuid.New()
	now := time.Now()
	in := Input{
		EngagementID: uuid.New(),
		Candidates: []Candidate{
			{Name: "receive order", Type: model.ElementActivity, EvidenceID: ev, SourcePlane: model.PlaneTelemetry, Quality: goodQuality()},
			{Name: "check stock", Type: model.ElementActivity, EvidenceID: ev, SourcePlane: model.PlaneTelemetry, Quality: goodQuality()},
		},
		Assertions: []model.Assertion{
			precedesAt("receive order", "check stock", ev, now),
		},
		PlanesAvailable: 4,
	}

	out, err := NewEngine(0.1).Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if len(out.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(out.Edges))
	}
	edge := out.Edges[0]
	if edge.Predicate != model.PredPrecedes || edge.Weight <= 0 {
		t.Errorf("edge = %+v, want weighted PRECEDES", edge)
	}
}

func TestSynthesizeSeedCycleFails(t *testing.T) {
	a := model.SeedTerm{ID: uuid.New(), Term: "a", Status: model.SeedStatusMerged}
	b := model.SeedTerm{ID: uuid.New(), Term: "b", Status: model.SeedStatusMerged, MergedInto: &a.ID}
	a.MergedInto = &b.ID

	in := Input{
		EngagementID: uuid.New(),
		SeedTerms:    []model.SeedTerm{a, b},
		Candidates: []Candidate{
			{Name: "a", Type: model.ElementActivity, EvidenceID: uuid.New(), SourcePlane: model.PlaneDocument, Quality: goodQuality()},
		},
		PlanesAvailable: 1,
	}
	if _, err := NewEngine(0.1).Synthesize(in); err == nil {
		t.Fatal("Synthesize() should fail on a seed merge cycle")
	}
}

func precedesAt(src, dst string, evidenceID uuid.UUID, at time.Time) model.Assertion {
	return model.Assertion{
		ID:          uuid.New(),
		Subject:     model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: src},
		Predicate:   model.PredPrecedes,
		Object:      model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: dst},
		SourcePlane: model.PlaneTelemetry,
		EvidenceID:  &evidenceID,
		AssertedAt:  at,
		Validity:    model.Validity{From: at},
	}
}
