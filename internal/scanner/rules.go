package scanner

import (
	"sort"
	"time"

	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/model"
)

// candidate is one detected disagreement before classification.
type candidate struct {
	mismatch model.MismatchType
	a, b     model.Assertion
}

// view is an in-memory snapshot of an engagement's live (non-retracted)
// assertions, indexed for the detection rules. Names are matched on their
// seed-canonical form so merged vocabulary collapses before detection; the
// classifier later re-examines the raw names.
type view struct {
	now    time.Time
	canon  *consensus.Canonicalizer
	byPred map[model.Predicate][]model.Assertion
	names  map[string]string // raw -> canonical cache
}

func newView(assertions []model.Assertion, canon *consensus.Canonicalizer, now time.Time) (*view, error) {
	v := &view{
		now:    now,
		canon:  canon,
		byPred: make(map[model.Predicate][]model.Assertion),
		names:  make(map[string]string),
	}
	for _, a := range assertions {
		if a.RetractedAt != nil {
			continue
		}
		v.byPred[a.Predicate] = append(v.byPred[a.Predicate], a)
	}
	// Stable iteration order for deterministic conflict pairing.
	for p := range v.byPred {
		as := v.byPred[p]
		sort.Slice(as, func(i, j int) bool { return as[i].ID.String() < as[j].ID.String() })
	}
	// Pre-resolve every name so a seed cycle surfaces before detection.
	for _, as := range v.byPred {
		for _, a := range as {
			if _, err := v.cname(a.Subject.Name); err != nil {
				return nil, err
			}
			if _, err := v.cname(a.Object.Name); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (v *view) cname(raw string) (string, error) {
	if c, ok := v.names[raw]; ok {
		return c, nil
	}
	c, err := v.canon.Canonical(raw)
	if err != nil {
		return "", err
	}
	v.names[raw] = c
	return c, nil
}

// mustCname is cname after newView pre-resolved the vocabulary.
func (v *view) mustCname(raw string) string {
	c, _ := v.cname(raw)
	return c
}

// detect runs all six rules and dedupes candidates on
// (mismatch, sorted pair).
func (v *view) detect() []candidate {
	var out []candidate
	out = append(out, v.detectSequence()...)
	out = append(out, v.detectRole()...)
	out = append(out, v.detectRule()...)
	out = append(out, v.detectExistence()...)
	out = append(out, v.detectIO()...)
	out = append(out, v.detectControlGap()...)

	seen := map[string]bool{}
	deduped := out[:0]
	for _, c := range out {
		lo, hi := model.PairKey(c.a.ID, c.b.ID)
		key := string(c.mismatch) + "|" + lo.String() + "|" + hi.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, c)
	}
	return deduped
}

// detectSequence finds length-2 cycles in the PRECEDES subgraph: A->B and
// B->A asserted for the same canonical activity pair.
func (v *view) detectSequence() []candidate {
	precedes := v.byPred[model.PredPrecedes]
	byPair := make(map[[2]string][]model.Assertion)
	for _, a := range precedes {
		key := [2]string{v.mustCname(a.Subject.Name), v.mustCname(a.Object.Name)}
		byPair[key] = append(byPair[key], a)
	}

	var out []candidate
	for _, a := range precedes {
		forward := [2]string{v.mustCname(a.Subject.Name), v.mustCname(a.Object.Name)}
		reversed := [2]string{forward[1], forward[0]}
		for _, b := range byPair[reversed] {
			if a.ID.String() < b.ID.String() {
				out = append(out, candidate{mismatch: model.MismatchSequence, a: a, b: b})
			}
		}
	}
	return out
}

// detectRole finds activities with two PERFORMED_BY edges naming different
// roles from different capture planes.
func (v *view) detectRole() []candidate {
	performed := v.byPred[model.PredPerformedBy]
	bySubject := make(map[string][]model.Assertion)
	for _, a := range performed {
		key := v.mustCname(a.Subject.Name)
		bySubject[key] = append(bySubject[key], a)
	}

	var out []candidate
	for _, group := range bySubject {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if consensus.Normalize(a.Object.Name) == consensus.Normalize(b.Object.Name) {
					continue
				}
				if a.SourcePlane == b.SourcePlane {
					continue
				}
				out = append(out, candidate{mismatch: model.MismatchRole, a: a, b: b})
			}
		}
	}
	return out
}

// detectRule finds GOVERNED_BY pairs on the same activity and policy where
// one side negates the other: mutually exclusive conditions.
func (v *view) detectRule() []candidate {
	governed := v.byPred[model.PredGovernedBy]
	byKey := make(map[[2]string][]model.Assertion)
	for _, a := range governed {
		key := [2]string{v.mustCname(a.Subject.Name), v.mustCname(a.Object.Name)}
		byKey[key] = append(byKey[key], a)
	}

	var out []candidate
	for _, group := range byKey {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i].Negated != group[j].Negated {
					out = append(out, candidate{mismatch: model.MismatchRule, a: group[i], b: group[j]})
				}
			}
		}
	}
	return out
}

// detectExistence finds the same claim asserted by one source and denied by
// another: identical canonical (subject, predicate, object) with opposite
// negation. GOVERNED_BY denials are rule conflicts and excluded here.
func (v *view) detectExistence() []candidate {
	var out []candidate
	for pred, group := range v.byPred {
		if pred == model.PredGovernedBy {
			continue
		}
		byKey := make(map[[2]string][]model.Assertion)
		for _, a := range group {
			key := [2]string{v.mustCname(a.Subject.Name), v.mustCname(a.Object.Name)}
			byKey[key] = append(byKey[key], a)
		}
		for _, claims := range byKey {
			for i := 0; i < len(claims); i++ {
				for j := i + 1; j < len(claims); j++ {
					if claims[i].Negated != claims[j].Negated {
						out = append(out, candidate{mismatch: model.MismatchExistence, a: claims[i], b: claims[j]})
					}
				}
			}
		}
	}
	return out
}

// detectIO finds broken handoffs: A PRECEDES B, A produces data objects, B
// consumes data objects, and after seed resolution the two sets are
// disjoint.
func (v *view) detectIO() []candidate {
	produces := make(map[string][]model.Assertion)
	for _, a := range v.byPred[model.PredProduces] {
		key := v.mustCname(a.Subject.Name)
		produces[key] = append(produces[key], a)
	}
	consumes := make(map[string][]model.Assertion)
	for _, a := range v.byPred[model.PredConsumes] {
		key := v.mustCname(a.Subject.Name)
		consumes[key] = append(consumes[key], a)
	}

	var out []candidate
	for _, edge := range v.byPred[model.PredPrecedes] {
		up := produces[v.mustCname(edge.Subject.Name)]
		down := consumes[v.mustCname(edge.Object.Name)]
		if len(up) == 0 || len(down) == 0 {
			continue
		}
		matched := false
		for _, p := range up {
			for _, c := range down {
				if v.mustCname(p.Object.Name) == v.mustCname(c.Object.Name) {
					matched = true
				}
			}
		}
		if !matched {
			// Pair the first produce with the first consume; groups are
			// already id-sorted, so re-runs pick the same pair.
			out = append(out, candidate{mismatch: model.MismatchIO, a: up[0], b: down[0]})
		}
	}
	return out
}

// detectControlGap finds activities not covered by a process-level policy:
// the process is GOVERNED_BY policy P, but an activity participating in the
// flow has no GOVERNED_BY edge of its own to P.
func (v *view) detectControlGap() []candidate {
	var processGov []model.Assertion
	activityGoverned := make(map[[2]string]bool) // (activity, policy)
	for _, a := range v.byPred[model.PredGovernedBy] {
		switch a.Subject.Type {
		case model.NodeProcess:
			processGov = append(processGov, a)
		case model.NodeActivity:
			activityGoverned[[2]string{v.mustCname(a.Subject.Name), v.mustCname(a.Object.Name)}] = true
		}
	}
	if len(processGov) == 0 {
		return nil
	}

	// Representative assertion per flow activity, keyed by canonical name.
	repr := make(map[string]model.Assertion)
	var activityNames []string
	for _, a := range v.byPred[model.PredPrecedes] {
		for _, ref := range []model.NodeRef{a.Subject, a.Object} {
			name := v.mustCname(ref.Name)
			if _, ok := repr[name]; !ok {
				repr[name] = a
				activityNames = append(activityNames, name)
			}
		}
	}
	sort.Strings(activityNames)

	var out []candidate
	for _, gov := range processGov {
		policy := v.mustCname(gov.Object.Name)
		for _, name := range activityNames {
			if activityGoverned[[2]string{name, policy}] {
				continue
			}
			out = append(out, candidate{mismatch: model.MismatchControlGap, a: gov, b: repr[name]})
		}
	}
	return out
}
