package consensus

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// Candidate is one element mention produced by the entity extractor from a
// single evidence item.
type Candidate struct {
	Name        string
	Type        model.ElementType
	EvidenceID  uuid.UUID
	SourcePlane model.SourcePlane

	// Quality is the supporting item's score snapshot at extraction time.
	Quality model.QualityScores

	// HumanValidated marks candidates whose evidence a reviewer approved.
	HumanValidated bool
}

// Extractor produces element candidates from evidence fragments, guided by
// the engagement's active seed vocabulary. Implementations are external
// (LLM- or rule-based); the consensus engine only consumes their output.
type Extractor interface {
	Extract(ctx context.Context, frags []model.EvidenceFragment, seeds []model.SeedTerm) ([]Candidate, error)
}

// Input is a complete snapshot for one consensus run. The engine is pure:
// everything it needs arrives here, and ties are broken by stable orderings,
// so the same snapshot always synthesizes the same output.
type Input struct {
	EngagementID uuid.UUID
	Candidates   []Candidate
	Assertions   []model.Assertion // live assertions; PRECEDES and DEPENDS_ON drive structure
	SeedTerms    []model.SeedTerm

	// PlanesAvailable counts planes with any ACTIVE evidence in the
	// engagement: the coverage denominator.
	PlanesAvailable int

	// OpenDisagreements maps canonical element names to unresolved
	// genuine-disagreement conflict ids; they tag elements without removing
	// them.
	OpenDisagreements map[string][]uuid.UUID
}

// Output is the synthesized element and edge set for a new POV version.
type Output struct {
	Elements []model.ProcessElement
	Edges    []model.StructuralEdge
}

// Engine runs the consensus synthesis.
type Engine struct {
	dependencyThreshold float64
	now                 func() time.Time
}

// NewEngine creates a consensus engine. dependencyThreshold is the
// directly-follows pruning fraction.
func NewEngine(dependencyThreshold float64) *Engine {
	return &Engine{dependencyThreshold: dependencyThreshold, now: time.Now}
}

// cluster is a triangulated group of candidates sharing (type, canonical).
type cluster struct {
	key         clusterKey
	evidenceIDs []uuid.UUID
	planes      map[model.SourcePlane]bool
	quality     []model.QualityScores
	validated   bool
	deniers     int
}

type clusterKey struct {
	typ  model.ElementType
	name string
}

// Synthesize triangulates the candidates, scores each resulting element,
// and discovers the process structure. A seed-term merge cycle aborts the
// whole run.
func (e *Engine) Synthesize(in Input) (Output, error) {
	canon := NewCanonicalizer(in.SeedTerms)

	clusters, err := e.triangulate(in, canon)
	if err != nil {
		return Output{}, err
	}

	elements := make([]model.ProcessElement, 0, len(clusters))
	byName := make(map[string]*model.ProcessElement, len(clusters))
	for _, c := range clusters {
		el := e.score(in, c)
		elements = append(elements, el)
	}

	// Stable output order: (type, canonical name), ties by lowest
	// supporting evidence id.
	sort.Slice(elements, func(i, j int) bool {
		if elements[i].Type != elements[j].Type {
			return elements[i].Type < elements[j].Type
		}
		if elements[i].Name != elements[j].Name {
			return elements[i].Name < elements[j].Name
		}
		return lowestID(elements[i].SupportingEvidenceIDs) < lowestID(elements[j].SupportingEvidenceIDs)
	})
	for i := range elements {
		byName[elements[i].Name] = &elements[i]
	}

	if err := e.capDependencyBrightness(in.Assertions, canon, byName); err != nil {
		return Output{}, err
	}

	edges, err := e.discoverStructure(in, canon, byName)
	if err != nil {
		return Output{}, err
	}
	return Output{Elements: elements, Edges: edges}, nil
}

// triangulate merges candidates with identical (type, canonical name) and
// counts denying sources from negated existence assertions.
func (e *Engine) triangulate(in Input, canon *Canonicalizer) ([]*cluster, error) {
	byKey := map[clusterKey]*cluster{}
	var order []clusterKey

	for _, cand := range in.Candidates {
		name, err := canon.Canonical(cand.Name)
		if err != nil {
			return nil, err
		}
		key := clusterKey{typ: cand.Type, name: name}
		c, ok := byKey[key]
		if !ok {
			c = &cluster{key: key, planes: map[model.SourcePlane]bool{}}
			byKey[key] = c
			order = append(order, key)
		}
		if !containsID(c.evidenceIDs, cand.EvidenceID) {
			c.evidenceIDs = append(c.evidenceIDs, cand.EvidenceID)
			c.quality = append(c.quality, cand.Quality)
		}
		c.planes[cand.SourcePlane] = true
		c.validated = c.validated || cand.HumanValidated
	}

	// A negated assertion naming the element is a denying source.
	for _, a := range in.Assertions {
		if a.RetractedAt != nil || !a.Negated {
			continue
		}
		name, err := canon.Canonical(a.Subject.Name)
		if err != nil {
			return nil, err
		}
		for _, key := range order {
			if key.name == name {
				byKey[key].deniers++
			}
		}
	}

	out := make([]*cluster, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out, nil
}

// score turns one cluster into a confidence-scored element.
func (e *Engine) score(in Input, c *cluster) model.ProcessElement {
	mentioning := len(c.evidenceIDs) + c.deniers
	agreement := 0.0
	if mentioning > 0 {
		agreement = float64(len(c.evidenceIDs)) / float64(mentioning)
	}
	coverage := 0.0
	if in.PlanesAvailable > 0 {
		coverage = float64(len(c.planes)) / float64(in.PlanesAvailable)
	}

	var meanQ, rel, rec float64
	for _, q := range c.quality {
		meanQ += q.Mean()
		rel += q.Reliability
		rec += q.Freshness
	}
	if n := float64(len(c.quality)); n > 0 {
		meanQ, rel, rec = meanQ/n, rel/n, rec/n
	}

	score := Compute(Inputs{
		Coverage:    coverage,
		Agreement:   agreement,
		MeanQuality: meanQ,
		Reliability: rel,
		Recency:     rec,
	})
	grade := Grade(len(c.evidenceIDs), len(c.planes), c.validated, rel)

	sorted := append([]uuid.UUID(nil), c.evidenceIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	return model.ProcessElement{
		ID:                    uuid.New(),
		EngagementID:          in.EngagementID,
		Type:                  c.key.typ,
		Name:                  c.key.name,
		Confidence:            score.Confidence,
		Strength:              score.Strength,
		Quality:               score.Quality,
		Grade:                 grade,
		Brightness:            BrightnessOf(score.Confidence, grade),
		SupportingEvidenceIDs: sorted,
		SupportingPlanes:      len(c.planes),
		HumanValidated:        c.validated,
		Status:                model.ElementPending,
		Disagreements:         in.OpenDisagreements[c.key.name],
	}
}

// capDependencyBrightness applies the dependency cap: an activity that
// depends on a dark activity renders at most dim.
func (e *Engine) capDependencyBrightness(assertions []model.Assertion, canon *Canonicalizer, byName map[string]*model.ProcessElement) error {
	for _, a := range assertions {
		if a.Predicate != model.PredDependsOn || a.RetractedAt != nil || a.Negated {
			continue
		}
		src, err := canon.Canonical(a.Subject.Name)
		if err != nil {
			return err
		}
		dst, err := canon.Canonical(a.Object.Name)
		if err != nil {
			return err
		}
		from, to := byName[src], byName[dst]
		if from == nil || to == nil {
			continue
		}
		if to.Brightness == model.BrightnessDark {
			from.Brightness = model.MinBrightness(from.Brightness, model.BrightnessDim)
		}
	}
	return nil
}

// discoverStructure builds, prunes, and annotates the directly-follows
// graph, then maps it onto the synthesized elements.
func (e *Engine) discoverStructure(in Input, canon *Canonicalizer, byName map[string]*model.ProcessElement) ([]model.StructuralEdge, error) {
	var precedes []model.Assertion
	for _, a := range in.Assertions {
		if a.Predicate == model.PredPrecedes {
			precedes = append(precedes, a)
		}
	}
	g, err := BuildDFG(precedes, canon, e.now())
	if err != nil {
		return nil, err
	}
	g.Prune(e.dependencyThreshold)

	gateway := map[[2]string]model.GatewayKind{}
	for _, split := range g.Splits() {
		for _, branch := range split.Branches {
			gateway[[2]string{split.At, branch}] = split.Kind
		}
	}
	for _, loop := range g.Loops() {
		gateway[loop] = model.GatewayLoop
	}

	var edges []model.StructuralEdge
	for _, key := range g.Edges() {
		src, dst := byName[key[0]], byName[key[1]]
		if src == nil || dst == nil {
			// The flow references an element the extractor never produced;
			// without an element row there is nothing to attach the edge to.
			continue
		}
		edges = append(edges, model.StructuralEdge{
			SourceID:  src.ID,
			TargetID:  dst.ID,
			Predicate: model.PredPrecedes,
			Gateway:   gateway[key],
			Weight:    g.Weight(key[0], key[1]),
		})
	}
	return edges, nil
}

func containsID(s []uuid.UUID, id uuid.UUID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

func lowestID(s []uuid.UUID) string {
	if len(s) == 0 {
		return ""
	}
	return s[0].String()
}
