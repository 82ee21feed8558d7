package scanner

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/model"
)

var scanNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func activityRef(name string) model.NodeRef {
	return model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: name}
}

func assertion(pred model.Predicate, subject, object model.NodeRef, opts ...func(*model.Assertion)) model.Assertion {
	a := model.Assertion{
		ID:             uuid.New(),
		EngagementID:   uuid.New(),
		Subject:        subject,
		Predicate:      pred,
		Object:         object,
		FrameKind:      model.FrameProcedural,
		AuthorityScope: "operations_team",
		SourcePlane:    model.PlaneDocument,
		AssertedAt:     scanNow.AddDate(0, -1, 0),
		Validity:       model.Validity{From: scanNow.AddDate(-1, 0, 0)},
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

func buildView(t *testing.T, canon *consensus.Canonicalizer, assertions ...model.Assertion) *view {
	t.Helper()
	if canon == nil {
		canon = consensus.NewCanonicalizer(nil)
	}
	v, err := newView(assertions, canon, scanNow)
	if err != nil {
		t.Fatalf("newView() error: %v", err)
	}
	return v
}

func countMismatch(cands []candidate, m model.MismatchType) int {
	n := 0
	for _, c := range cands {
		if c.mismatch == m {
			n++
		}
	}
	return n
}

func TestDetectSequenceCycle(t *testing.T) {
	approve, pay := activityRef("Approve Invoice"), activityRef("Pay Invoice")
	forward := assertion(model.PredPrecedes, approve, pay)
	backward := assertion(model.PredPrecedes, pay, approve)

	v := buildView(t, nil, forward, backward)
	cands := v.detect()
	if got := countMismatch(cands, model.MismatchSequence); got != 1 {
		t.Fatalf("sequence conflicts = %d, want 1", got)
	}

	// Re-running detection on the same view is stable.
	if again := countMismatch(v.detect(), model.MismatchSequence); again != 1 {
		t.Errorf("re-run sequence conflicts = %d, want 1", again)
	}
}

func TestDetectSequenceIgnoresRetracted(t *testing.T) {
	approve, pay := activityRef("approve"), activityRef("pay")
	retracted := scanNow.AddDate(0, 0, -1)
	forward := assertion(model.PredPrecedes, approve, pay)
	backward := assertion(model.PredPrecedes, pay, approve, func(a *model.Assertion) {
		a.RetractedAt = &retracted
	})

	v := buildView(t, nil, forward, backward)
	if got := len(v.detect()); got != 0 {
		t.Errorf("conflicts = %d, want 0 when one side is retracted", got)
	}
}

func TestDetectRoleConflict(t *testing.T) {
	review := activityRef("review order")
	clerk := model.NodeRef{Type: model.NodeRole, ID: uuid.New(), Name: "AP Clerk"}
	manager := model.NodeRef{Type: model.NodeRole, ID: uuid.New(), Name: "Finance Manager"}

	docSide := assertion(model.PredPerformedBy, review, clerk)
	telemetrySide := assertion(model.PredPerformedBy, review, manager, func(a *model.Assertion) {
		a.SourcePlane = model.PlaneTelemetry
	})

	v := buildView(t, nil, docSide, telemetrySide)
	if got := countMismatch(v.detect(), model.MismatchRole); got != 1 {
		t.Errorf("role conflicts = %d, want 1", got)
	}

	// Same plane: no conflict, per the rule.
	samePlane := assertion(model.PredPerformedBy, review, manager)
	v = buildView(t, nil, docSide, samePlane)
	if got := countMismatch(v.detect(), model.MismatchRole); got != 0 {
		t.Errorf("same-plane role conflicts = %d, want 0", got)
	}
}

func TestDetectRuleConflict(t *testing.T) {
	approve := activityRef("approve payment")
	policy := model.NodeRef{Type: model.NodePolicy, ID: uuid.New(), Name: "four eyes"}

	requires := assertion(model.PredGovernedBy, approve, policy)
	denies := assertion(model.PredGovernedBy, approve, policy, func(a *model.Assertion) {
		a.Negated = true
	})

	v := buildView(t, nil, requires, denies)
	if got := countMismatch(v.detect(), model.MismatchRule); got != 1 {
		t.Errorf("rule conflicts = %d, want 1", got)
	}
}

func TestDetectExistenceConflict(t *testing.T) {
	check := activityRef("fraud check")
	role := model.NodeRef{Type: model.NodeRole, ID: uuid.New(), Name: "analyst"}

	asserted := assertion(model.PredPerformedBy, check, role)
	denied := assertion(model.PredPerformedBy, check, role, func(a *model.Assertion) {
		a.Negated = true
		a.SourcePlane = model.PlaneHumanInterp
	})

	v := buildView(t, nil, asserted, denied)
	if got := countMismatch(v.detect(), model.MismatchExistence); got != 1 {
		t.Errorf("existence conflicts = %d, want 1", got)
	}
}

func TestDetectIOMismatch(t *testing.T) {
	pick, ship := activityRef("pick goods"), activityRef("ship goods")
	pickList := model.NodeRef{Type: model.NodeDataObject, ID: uuid.New(), Name: "pick list"}
	manifest := model.NodeRef{Type: model.NodeDataObject, ID: uuid.New(), Name: "shipping manifest"}

	flow := assertion(model.PredPrecedes, pick, ship)
	produced := assertion(model.PredProduces, pick, pickList)
	consumed := assertion(model.PredConsumes, ship, manifest)

	v := buildView(t, nil, flow, produced, consumed)
	if got := countMismatch(v.detect(), model.MismatchIO); got != 1 {
		t.Errorf("io conflicts = %d, want 1", got)
	}

	// Seed resolution bridges the names: no mismatch once the consumed
	// object is an alias of the produced one.
	canonical := model.SeedTerm{ID: uuid.New(), Term: "pick list", Status: model.SeedStatusActive}
	alias := model.SeedTerm{ID: uuid.New(), Term: "shipping manifest", Status: model.SeedStatusMerged, MergedInto: &canonical.ID}
	canon := consensus.NewCanonicalizer([]model.SeedTerm{canonical, alias})

	v = buildView(t, canon, flow, produced, consumed)
	if got := countMismatch(v.detect(), model.MismatchIO); got != 0 {
		t.Errorf("io conflicts after seed resolution = %d, want 0", got)
	}
}

func TestDetectControlGap(t *testing.T) {
	process := model.NodeRef{Type: model.NodeProcess, ID: uuid.New(), Name: "order to cash"}
	policy := model.NodeRef{Type: model.NodePolicy, ID: uuid.New(), Name: "sox 404"}
	approve, pay := activityRef("approve"), activityRef("pay")

	processGoverned := assertion(model.PredGovernedBy, process, policy)
	flow := assertion(model.PredPrecedes, approve, pay)
	approveGoverned := assertion(model.PredGovernedBy, approve, policy)

	v := buildView(t, nil, processGoverned, flow, approveGoverned)
	cands := v.detect()
	// approve is covered, pay is not.
	if got := countMismatch(cands, model.MismatchControlGap); got != 1 {
		t.Fatalf("control gaps = %d, want 1", got)
	}
}

func TestDetectDedupesByPair(t *testing.T) {
	a, b := activityRef("a"), activityRef("b")
	forward := assertion(model.PredPrecedes, a, b)
	backward := assertion(model.PredPrecedes, b, a)

	v := buildView(t, nil, forward, backward)
	cands := v.detect()
	seen := map[string]bool{}
	for _, c := range cands {
		lo, hi := model.PairKey(c.a.ID, c.b.ID)
		key := string(c.mismatch) + lo.String() + hi.String()
		if seen[key] {
			t.Fatalf("duplicate candidate %s", key)
		}
		seen[key] = true
	}
}
