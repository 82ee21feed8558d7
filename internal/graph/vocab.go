// Package graph maintains the typed knowledge-graph projection in Neo4j.
//
// The relational store is the system of record; everything here is derived
// through the outbox and can be rebuilt from it. Writes enforce the closed
// edge vocabulary before any Cypher runs.
package graph

import (
	"github.com/kmflow-ai/kmflow/internal/model"
)

// edgeRule is the allowed (source, target) type set for one predicate, plus
// its structural constraints.
type edgeRule struct {
	sources map[model.NodeType]bool
	targets map[model.NodeType]bool

	symmetric        bool // edge direction carries no meaning
	requiresValidity bool // both validity endpoints must be well-formed
	acyclic          bool // writer runs a cycle probe before merging
}

func types(ts ...model.NodeType) map[model.NodeType]bool {
	m := make(map[model.NodeType]bool, len(ts))
	for _, t := range ts {
		m[t] = true
	}
	return m
}

// vocabulary is the closed 12-predicate edge vocabulary. Anything outside
// this table is rejected before reaching the graph store.
var vocabulary = map[model.Predicate]edgeRule{
	model.PredPrecedes: {
		sources: types(model.NodeActivity),
		targets: types(model.NodeActivity),
		acyclic: true, // within a single variant
	},
	model.PredTriggers: {
		sources: types(model.NodeEvent, model.NodeGateway),
		targets: types(model.NodeActivity),
	},
	model.PredDependsOn: {
		sources: types(model.NodeActivity),
		targets: types(model.NodeActivity),
		acyclic: true,
	},
	model.PredConsumes: {
		sources: types(model.NodeActivity),
		targets: types(model.NodeDataObject),
	},
	model.PredProduces: {
		sources: types(model.NodeActivity),
		targets: types(model.NodeDataObject),
	},
	model.PredGovernedBy: {
		sources: types(model.NodeProcess, model.NodeActivity),
		targets: types(model.NodePolicy),
	},
	model.PredPerformedBy: {
		sources: types(model.NodeActivity),
		targets: types(model.NodeRole),
	},
	model.PredEvidencedBy: {
		sources: types(model.NodeAssertion, model.NodeActivity),
		targets: types(model.NodeEvidence),
	},
	model.PredContradicts: {
		sources:   types(model.NodeAssertion),
		targets:   types(model.NodeAssertion),
		symmetric: true,
	},
	model.PredSupersedes: {
		sources:          types(model.NodeAssertion),
		targets:          types(model.NodeAssertion),
		requiresValidity: true,
	},
	model.PredDecomposesInto: {
		sources: types(model.NodeProcess),
		targets: types(model.NodeSubprocess),
		acyclic: true, // tree
	},
	model.PredVariantOf: {
		sources:   types(model.NodeActivity),
		targets:   types(model.NodeActivity),
		symmetric: true,
	},
}

// ValidateEdge checks an assertion's (predicate, source type, target type)
// triple against the vocabulary. Self-edges are rejected for every
// predicate. Structural rules that need the graph (acyclicity) are enforced
// by the writer, not here.
func ValidateEdge(a model.Assertion) error {
	rule, ok := vocabulary[a.Predicate]
	if !ok {
		return &model.InvalidEdgeError{
			Predicate:  a.Predicate,
			SourceType: a.Subject.Type,
			TargetType: a.Object.Type,
			Reason:     "unknown predicate",
		}
	}
	if !rule.sources[a.Subject.Type] || !rule.targets[a.Object.Type] {
		return &model.InvalidEdgeError{
			Predicate:  a.Predicate,
			SourceType: a.Subject.Type,
			TargetType: a.Object.Type,
		}
	}
	if a.Subject.ID == a.Object.ID {
		return &model.InvalidEdgeError{
			Predicate:  a.Predicate,
			SourceType: a.Subject.Type,
			TargetType: a.Object.Type,
			Reason:     "self edge",
		}
	}
	if rule.requiresValidity && a.Validity.From.IsZero() {
		return &model.InvalidEdgeError{
			Predicate:  a.Predicate,
			SourceType: a.Subject.Type,
			TargetType: a.Object.Type,
			Reason:     "validity window required",
		}
	}
	return nil
}

// IsSymmetric reports whether the predicate's direction carries no meaning.
func IsSymmetric(p model.Predicate) bool {
	return vocabulary[p].symmetric
}

// needsCycleProbe reports whether the writer must run an acyclicity probe
// before merging an edge with this predicate.
func needsCycleProbe(p model.Predicate) bool {
	return vocabulary[p].acyclic
}
