package consensus

import (
	"sort"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// ShouldPropagate reports whether a quality change is large enough to
// trigger confidence recomputation: the mean moved by at least epsilon.
func ShouldPropagate(before, after model.QualityScores, epsilon float64) bool {
	delta := after.Mean() - before.Mean()
	if delta < 0 {
		delta = -delta
	}
	return delta >= epsilon
}

// AffectedElements walks the EVIDENCED_BY bipartite graph outward from a
// changed evidence item and returns the canonical element names within
// maxHops element-hops: the elements directly evidenced by the item, then
// elements sharing evidence with those. Each hop costs one pass over the
// affected frontier's edges.
func AffectedElements(assertions []model.Assertion, canon *Canonicalizer, evidenceID uuid.UUID, maxHops int) ([]string, error) {
	// Index the EVIDENCED_BY edges both ways.
	byEvidence := map[uuid.UUID][]string{}
	byElement := map[string][]uuid.UUID{}
	for _, a := range assertions {
		if a.Predicate != model.PredEvidencedBy || a.RetractedAt != nil {
			continue
		}
		name, err := canon.Canonical(a.Subject.Name)
		if err != nil {
			return nil, err
		}
		evID := a.Object.ID
		byEvidence[evID] = append(byEvidence[evID], name)
		byElement[name] = append(byElement[name], evID)
	}

	affected := map[string]bool{}
	frontier := map[uuid.UUID]bool{evidenceID: true}
	seenEvidence := map[uuid.UUID]bool{evidenceID: true}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		nextFrontier := map[uuid.UUID]bool{}
		for evID := range frontier {
			for _, name := range byEvidence[evID] {
				if affected[name] {
					continue
				}
				affected[name] = true
				for _, other := range byElement[name] {
					if !seenEvidence[other] {
						seenEvidence[other] = true
						nextFrontier[other] = true
					}
				}
			}
		}
		frontier = nextFrontier
	}

	out := make([]string, 0, len(affected))
	for name := range affected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
