package pov

import (
	"testing"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func element(name string, confidence float64, grade model.EvidenceGrade) model.ProcessElement {
	return model.ProcessElement{
		ID:         uuid.New(),
		Type:       model.ElementActivity,
		Name:       name,
		Confidence: confidence,
		Grade:      grade,
	}
}

func TestDiffModelsMembershipByName(t *testing.T) {
	// Element ids regenerate every version; only (type, name) membership
	// counts.
	approveV1 := element("approve", 0.6, model.GradeC)
	payV1 := element("pay", 0.7, model.GradeB)
	approveV2 := element("approve", 0.6, model.GradeC)
	shipV2 := element("ship", 0.5, model.GradeC)

	d := DiffModels(
		model.ProcessModel{Elements: []model.ProcessElement{approveV1, payV1}},
		model.ProcessModel{Elements: []model.ProcessElement{approveV2, shipV2}},
	)

	if len(d.Added) != 1 || d.Added[0].Name != "ship" {
		t.Errorf("added = %v, want [ship]", names(d.Added))
	}
	if len(d.Removed) != 1 || d.Removed[0].Name != "pay" {
		t.Errorf("removed = %v, want [pay]", names(d.Removed))
	}
	if len(d.Changed) != 0 {
		t.Errorf("changed = %v, want none for identical scores", d.Changed)
	}
}

func TestDiffModelsConfidenceDeltas(t *testing.T) {
	before := element("approve", 0.50, model.GradeC)
	after := element("approve", 0.75, model.GradeB)

	d := DiffModels(
		model.ProcessModel{Elements: []model.ProcessElement{before}},
		model.ProcessModel{Elements: []model.ProcessElement{after}},
	)

	if len(d.Changed) != 1 {
		t.Fatalf("changed = %d entries, want 1", len(d.Changed))
	}
	delta := d.Changed[0]
	if delta.ConfidenceDelta < 0.249 || delta.ConfidenceDelta > 0.251 {
		t.Errorf("confidence delta = %v, want 0.25", delta.ConfidenceDelta)
	}
	if delta.GradeBefore != model.GradeC || delta.GradeAfter != model.GradeB {
		t.Errorf("grades = %s -> %s, want C -> B", delta.GradeBefore, delta.GradeAfter)
	}
}

func TestDiffModelsEdgesByEndpointNames(t *testing.T) {
	a1, b1 := element("a", 0.8, model.GradeB), element("b", 0.8, model.GradeB)
	a2, b2, c2 := element("a", 0.8, model.GradeB), element("b", 0.8, model.GradeB), element("c", 0.8, model.GradeB)

	from := model.ProcessModel{
		Elements: []model.ProcessElement{a1, b1},
		Edges: []model.StructuralEdge{
			{SourceID: a1.ID, TargetID: b1.ID, Predicate: model.PredPrecedes},
		},
	}
	to := model.ProcessModel{
		Elements: []model.ProcessElement{a2, b2, c2},
		Edges: []model.StructuralEdge{
			// Same logical edge, new ids.
			{SourceID: a2.ID, TargetID: b2.ID, Predicate: model.PredPrecedes},
			{SourceID: b2.ID, TargetID: c2.ID, Predicate: model.PredPrecedes},
		},
	}

	d := DiffModels(from, to)
	if len(d.AddedEdges) != 1 {
		t.Fatalf("added edges = %d, want only the new b->c edge", len(d.AddedEdges))
	}
	if len(d.RemovedEdges) != 0 {
		t.Errorf("removed edges = %d, want 0", len(d.RemovedEdges))
	}
}

func TestPromoteGrade(t *testing.T) {
	cases := map[model.EvidenceGrade]model.EvidenceGrade{
		model.GradeC: model.GradeB,
		model.GradeB: model.GradeA,
		model.GradeA: model.GradeA,
		model.GradeD: model.GradeD,
		model.GradeU: model.GradeU,
	}
	for in, want := range cases {
		if got := promoteGrade(in); got != want {
			t.Errorf("promoteGrade(%s) = %s, want %s", in, got, want)
		}
	}
}

func names(els []model.ProcessElement) []string {
	var out []string
	for _, el := range els {
		out = append(out, el.Name)
	}
	return out
}
