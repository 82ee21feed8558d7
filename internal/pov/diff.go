package pov

import (
	"github.com/kmflow-ai/kmflow/internal/model"
)

type elementKey struct {
	typ  model.ElementType
	name string
}

type edgeKey struct {
	source, target string
	predicate      model.Predicate
}

// DiffModels computes the structural difference between two POV versions.
// Membership is keyed by (type, canonical name): element ids are regenerated
// every version and must not show as churn.
func DiffModels(from, to model.ProcessModel) model.Diff {
	fromEls := indexElements(from.Elements)
	toEls := indexElements(to.Elements)

	var d model.Diff
	for _, el := range to.Elements {
		prev, ok := fromEls[elementKey{el.Type, el.Name}]
		if !ok {
			d.Added = append(d.Added, el)
			continue
		}
		if prev.Confidence != el.Confidence || prev.Grade != el.Grade {
			d.Changed = append(d.Changed, model.ElementDelta{
				ElementID:       el.ID,
				Name:            el.Name,
				ConfidenceDelta: el.Confidence - prev.Confidence,
				GradeBefore:     prev.Grade,
				GradeAfter:      el.Grade,
			})
		}
	}
	for _, el := range from.Elements {
		if _, ok := toEls[elementKey{el.Type, el.Name}]; !ok {
			d.Removed = append(d.Removed, el)
		}
	}

	fromEdges := indexEdges(from)
	toEdges := indexEdges(to)
	for key, edge := range toEdges {
		if _, ok := fromEdges[key]; !ok {
			d.AddedEdges = append(d.AddedEdges, edge)
		}
	}
	for key, edge := range fromEdges {
		if _, ok := toEdges[key]; !ok {
			d.RemovedEdges = append(d.RemovedEdges, edge)
		}
	}
	return d
}

func indexElements(els []model.ProcessElement) map[elementKey]model.ProcessElement {
	out := make(map[elementKey]model.ProcessElement, len(els))
	for _, el := range els {
		out[elementKey{el.Type, el.Name}] = el
	}
	return out
}

// indexEdges keys a version's edges by the names of their endpoints so edges
// survive id regeneration across versions.
func indexEdges(m model.ProcessModel) map[edgeKey]model.StructuralEdge {
	names := make(map[string]string, len(m.Elements)) // element id -> name
	for _, el := range m.Elements {
		names[el.ID.String()] = el.Name
	}
	out := make(map[edgeKey]model.StructuralEdge, len(m.Edges))
	for _, e := range m.Edges {
		out[edgeKey{
			source:    names[e.SourceID.String()],
			target:    names[e.TargetID.String()],
			predicate: e.Predicate,
		}] = e
	}
	return out
}
