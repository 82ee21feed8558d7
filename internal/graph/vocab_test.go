package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func edge(p model.Predicate, src, tgt model.NodeType) model.Assertion {
	return model.Assertion{
		ID:        uuid.New(),
		Subject:   model.NodeRef{Type: src, ID: uuid.New()},
		Predicate: p,
		Object:    model.NodeRef{Type: tgt, ID: uuid.New()},
		Validity:  model.Validity{From: time.Now()},
	}
}

func TestValidateEdgeAllowed(t *testing.T) {
	tests := []struct {
		name string
		a    model.Assertion
	}{
		{"precedes activity-activity", edge(model.PredPrecedes, model.NodeActivity, model.NodeActivity)},
		{"triggers event-activity", edge(model.PredTriggers, model.NodeEvent, model.NodeActivity)},
		{"triggers gateway-activity", edge(model.PredTriggers, model.NodeGateway, model.NodeActivity)},
		{"depends_on activity-activity", edge(model.PredDependsOn, model.NodeActivity, model.NodeActivity)},
		{"consumes activity-dataobject", edge(model.PredConsumes, model.NodeActivity, model.NodeDataObject)},
		{"produces activity-dataobject", edge(model.PredProduces, model.NodeActivity, model.NodeDataObject)},
		{"governed_by process-policy", edge(model.PredGovernedBy, model.NodeProcess, model.NodePolicy)},
		{"governed_by activity-policy", edge(model.PredGovernedBy, model.NodeActivity, model.NodePolicy)},
		{"performed_by activity-role", edge(model.PredPerformedBy, model.NodeActivity, model.NodeRole)},
		{"evidenced_by assertion-evidence", edge(model.PredEvidencedBy, model.NodeAssertion, model.NodeEvidence)},
		{"evidenced_by activity-evidence", edge(model.PredEvidencedBy, model.NodeActivity, model.NodeEvidence)},
		{"contradicts assertion-assertion", edge(model.PredContradicts, model.NodeAssertion, model.NodeAssertion)},
		{"supersedes assertion-assertion", edge(model.PredSupersedes, model.NodeAssertion, model.NodeAssertion)},
		{"decomposes_into process-subprocess", edge(model.PredDecomposesInto, model.NodeProcess, model.NodeSubprocess)},
		{"variant_of activity-activity", edge(model.PredVariantOf, model.NodeActivity, model.NodeActivity)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateEdge(tt.a); err != nil {
				t.Errorf("ValidateEdge() = %v, want nil", err)
			}
		})
	}
}

func TestValidateEdgeRejected(t *testing.T) {
	tests := []struct {
		name string
		a    model.Assertion
	}{
		{"unknown predicate", edge("RELATES_TO", model.NodeActivity, model.NodeActivity)},
		{"precedes role source", edge(model.PredPrecedes, model.NodeRole, model.NodeActivity)},
		{"precedes policy target", edge(model.PredPrecedes, model.NodeActivity, model.NodePolicy)},
		{"triggers activity source", edge(model.PredTriggers, model.NodeActivity, model.NodeActivity)},
		{"performed_by reversed", edge(model.PredPerformedBy, model.NodeRole, model.NodeActivity)},
		{"governed_by event source", edge(model.PredGovernedBy, model.NodeEvent, model.NodePolicy)},
		{"decomposes_into process-process", edge(model.PredDecomposesInto, model.NodeProcess, model.NodeProcess)},
		{"contradicts evidence target", edge(model.PredContradicts, model.NodeAssertion, model.NodeEvidence)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEdge(tt.a)
			var invalid *model.InvalidEdgeError
			if !errors.As(err, &invalid) {
				t.Errorf("ValidateEdge() = %v, want InvalidEdgeError", err)
			}
		})
	}
}

func TestValidateEdgeSelfEdge(t *testing.T) {
	a := edge(model.PredPrecedes, model.NodeActivity, model.NodeActivity)
	a.Object.ID = a.Subject.ID

	err := ValidateEdge(a)
	var invalid *model.InvalidEdgeError
	if !errors.As(err, &invalid) {
		t.Fatalf("ValidateEdge() = %v, want InvalidEdgeError", err)
	}
	if invalid.Reason != "self edge" {
		t.Errorf("Reason = %q, want %q", invalid.Reason, "self edge")
	}
}

func TestValidateEdgeSupersedesRequiresValidity(t *testing.T) {
	a := edge(model.PredSupersedes, model.NodeAssertion, model.NodeAssertion)
	a.Validity = model.Validity{}

	err := ValidateEdge(a)
	var invalid *model.InvalidEdgeError
	if !errors.As(err, &invalid) {
		t.Fatalf("ValidateEdge() = %v, want InvalidEdgeError", err)
	}
}

func TestIsSymmetric(t *testing.T) {
	if !IsSymmetric(model.PredContradicts) || !IsSymmetric(model.PredVariantOf) {
		t.Error("CONTRADICTS and VARIANT_OF should be symmetric")
	}
	if IsSymmetric(model.PredPrecedes) || IsSymmetric(model.PredSupersedes) {
		t.Error("PRECEDES and SUPERSEDES should be directional")
	}
}
