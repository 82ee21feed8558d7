// Package consensus computes the least-common-denominator process view:
// canonical element triangulation, structure discovery over the
// directly-follows graph, and the three-dimensional confidence model.
package consensus

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// Canonicalizer resolves raw element names to their canonical form through
// the engagement's seed-term merge chains. It is built once per run from a
// snapshot of the seed list, so a single consensus pass sees one vocabulary.
type Canonicalizer struct {
	byID   map[uuid.UUID]model.SeedTerm
	byTerm map[string]model.SeedTerm
}

// NewCanonicalizer indexes a seed-term snapshot. All statuses are indexed:
// merged terms must remain resolvable so old names still canonicalize.
func NewCanonicalizer(terms []model.SeedTerm) *Canonicalizer {
	c := &Canonicalizer{
		byID:   make(map[uuid.UUID]model.SeedTerm, len(terms)),
		byTerm: make(map[string]model.SeedTerm, len(terms)),
	}
	for _, t := range terms {
		c.byID[t.ID] = t
		c.byTerm[Normalize(t.Term)] = t
	}
	return c
}

// Normalize lowercases and trims a raw name. This is the case fold applied
// before any seed-term lookup.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Canonical resolves a raw name through the merge chain and returns the
// canonical normalized term. Names that are not seed terms normalize but
// otherwise pass through. A merged_into cycle returns ErrSeedCycle.
func (c *Canonicalizer) Canonical(name string) (string, error) {
	norm := Normalize(name)
	term, ok := c.byTerm[norm]
	if !ok {
		return norm, nil
	}

	visited := map[uuid.UUID]bool{}
	for term.Status == model.SeedStatusMerged && term.MergedInto != nil {
		if visited[term.ID] {
			return "", fmt.Errorf("consensus: resolve %q: %w", name, model.ErrSeedCycle)
		}
		visited[term.ID] = true
		next, ok := c.byID[*term.MergedInto]
		if !ok {
			// Dangling merge target; stop at the last known term.
			break
		}
		term = next
	}
	return Normalize(term.Term), nil
}

// SameCanonical reports whether two raw names resolve to the same canonical
// term. A cycle on either side propagates as an error.
func (c *Canonicalizer) SameCanonical(a, b string) (bool, error) {
	ca, err := c.Canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := c.Canonical(b)
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}

// ActiveTerms returns the normalized active vocabulary, for fuzzy alias
// matching by the conflict classifier.
func (c *Canonicalizer) ActiveTerms() []string {
	out := make([]string, 0, len(c.byTerm))
	for norm, t := range c.byTerm {
		if t.Status == model.SeedStatusActive {
			out = append(out, norm)
		}
	}
	return out
}
