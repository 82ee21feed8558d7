package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// Writer applies projection deltas to the graph store. Every apply is
// idempotent: nodes MERGE by id, edges MERGE by
// (source, predicate, target, asserted_at), so at-least-once outbox
// delivery converges on the same graph.
type Writer struct {
	store *Store
}

// NewWriter creates a graph writer over the store.
func NewWriter(store *Store) *Writer {
	return &Writer{store: store}
}

// ApplyAssertion projects an assertion as a typed edge between its subject
// and object nodes. The edge vocabulary is enforced first; acyclic
// predicates additionally probe for a cycle the new edge would close.
func (w *Writer) ApplyAssertion(ctx context.Context, a model.Assertion) error {
	if err := ValidateEdge(a); err != nil {
		return err
	}
	if needsCycleProbe(a.Predicate) {
		if err := w.probeCycle(ctx, a); err != nil {
			return err
		}
	}

	params := map[string]any{
		"engagement_id": a.EngagementID.String(),
		"assertion_id":  a.ID.String(),
		"subject_id":    a.Subject.ID.String(),
		"subject_name":  a.Subject.Name,
		"object_id":     a.Object.ID.String(),
		"object_name":   a.Object.Name,
		"frame_kind":    string(a.FrameKind),
		"scope":         a.AuthorityScope,
		"plane":         string(a.SourcePlane),
		"negated":       a.Negated,
		"asserted_at":   a.AssertedAt.UTC(),
		"valid_from":    a.Validity.From.UTC(),
	}
	if a.Validity.To != nil {
		params["valid_to"] = a.Validity.To.UTC()
	} else {
		params["valid_to"] = nil
	}

	// Predicate and node types come from the closed vocabulary, never from
	// caller input, so interpolating them into labels is safe.
	cypher := fmt.Sprintf(`
		MERGE (src:Node {id: $subject_id})
		  ON CREATE SET src.engagement_id = $engagement_id
		SET src:%s, src.name = $subject_name
		MERGE (tgt:Node {id: $object_id})
		  ON CREATE SET tgt.engagement_id = $engagement_id
		SET tgt:%s, tgt.name = $object_name
		MERGE (src)-[r:%s {asserted_at: $asserted_at}]->(tgt)
		SET r.assertion_id = $assertion_id,
		    r.engagement_id = $engagement_id,
		    r.frame_kind = $frame_kind,
		    r.authority_scope = $scope,
		    r.source_plane = $plane,
		    r.negated = $negated,
		    r.valid_from = $valid_from,
		    r.valid_to = $valid_to`,
		a.Subject.Type, a.Object.Type, a.Predicate,
	)
	if _, err := w.store.write(ctx, cypher, params); err != nil {
		return fmt.Errorf("graph: apply assertion %s: %w", a.ID, err)
	}
	return nil
}

// probeCycle rejects an edge that would close a cycle among currently valid
// edges of the same predicate.
func (w *Writer) probeCycle(ctx context.Context, a model.Assertion) error {
	cypher := fmt.Sprintf(`
		MATCH (tgt:Node {id: $object_id})
		MATCH p = (tgt)-[:%s*1..]->(src:Node {id: $subject_id})
		WHERE all(r IN relationships(p) WHERE r.retracted_at IS NULL AND r.engagement_id = $engagement_id)
		RETURN count(p) AS cycles LIMIT 1`,
		a.Predicate,
	)
	result, err := w.store.read(ctx, cypher, map[string]any{
		"engagement_id": a.EngagementID.String(),
		"subject_id":    a.Subject.ID.String(),
		"object_id":     a.Object.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("graph: cycle probe %s: %w", a.ID, err)
	}
	if len(result.Records) > 0 {
		if cycles, ok := result.Records[0].Get("cycles"); ok {
			if n, ok := cycles.(int64); ok && n > 0 {
				return &model.InvalidEdgeError{
					Predicate:  a.Predicate,
					SourceType: a.Subject.Type,
					TargetType: a.Object.Type,
					Reason:     "edge would close a cycle",
				}
			}
		}
	}
	return nil
}

// RetractAssertion stamps the projected edge with its retraction time.
// Current-truth queries filter on retracted_at IS NULL, so the edge drops
// out of scans without losing history.
func (w *Writer) RetractAssertion(ctx context.Context, a model.Assertion) error {
	cypher := fmt.Sprintf(`
		MATCH (:Node {id: $subject_id})-[r:%s {assertion_id: $assertion_id}]->(:Node {id: $object_id})
		SET r.retracted_at = $retracted_at,
		    r.valid_to = coalesce(r.valid_to, $retracted_at)`,
		a.Predicate,
	)
	var retractedAt any
	if a.RetractedAt != nil {
		retractedAt = a.RetractedAt.UTC()
	}
	if _, err := w.store.write(ctx, cypher, map[string]any{
		"subject_id":   a.Subject.ID.String(),
		"object_id":    a.Object.ID.String(),
		"assertion_id": a.ID.String(),
		"retracted_at": retractedAt,
	}); err != nil {
		return fmt.Errorf("graph: retract assertion %s: %w", a.ID, err)
	}
	return nil
}

// MergeEvidence projects an activated evidence item as an Evidence node.
func (w *Writer) MergeEvidence(ctx context.Context, engagementID, evidenceID uuid.UUID, category model.EvidenceCategory, plane model.SourcePlane) error {
	_, err := w.store.write(ctx, `
		MERGE (e:Node {id: $id})
		  ON CREATE SET e.engagement_id = $engagement_id
		SET e:Evidence, e.category = $category, e.source_plane = $plane`,
		map[string]any{
			"id":            evidenceID.String(),
			"engagement_id": engagementID.String(),
			"category":      string(category),
			"plane":         string(plane),
		})
	if err != nil {
		return fmt.Errorf("graph: merge evidence %s: %w", evidenceID, err)
	}
	return nil
}

// ErasePrincipal detaches and deletes the principal's Evidence nodes and
// retracts the projected edges of the assertions that cited them. Part of
// the durable erasure task; idempotent under replay.
func (w *Writer) ErasePrincipal(ctx context.Context, engagementID uuid.UUID, evidenceIDs, retractedAssertionIDs []uuid.UUID) error {
	ids := make([]string, len(evidenceIDs))
	for i, id := range evidenceIDs {
		ids[i] = id.String()
	}
	if _, err := w.store.write(ctx, `
		MATCH (n:Evidence {engagement_id: $engagement_id})
		WHERE n.id IN $ids
		DETACH DELETE n`,
		map[string]any{
			"engagement_id": engagementID.String(),
			"ids":           ids,
		}); err != nil {
		return fmt.Errorf("graph: erase evidence nodes: %w", err)
	}

	assertionIDs := make([]string, len(retractedAssertionIDs))
	for i, id := range retractedAssertionIDs {
		assertionIDs[i] = id.String()
	}
	if _, err := w.store.write(ctx, `
		MATCH ()-[r {engagement_id: $engagement_id}]->()
		WHERE r.assertion_id IN $ids AND r.retracted_at IS NULL
		SET r.retracted_at = datetime(), r.valid_to = coalesce(r.valid_to, datetime())`,
		map[string]any{
			"engagement_id": engagementID.String(),
			"ids":           assertionIDs,
		}); err != nil {
		return fmt.Errorf("graph: retract erased assertions: %w", err)
	}
	return nil
}

// EdgeCountsByPredicate returns current (non-retracted) edge counts per
// predicate for one engagement, the graph half of reconciliation.
func (w *Writer) EdgeCountsByPredicate(ctx context.Context, engagementID uuid.UUID) (map[model.Predicate]int64, error) {
	result, err := w.store.read(ctx, `
		MATCH ()-[r {engagement_id: $engagement_id}]->()
		WHERE r.retracted_at IS NULL
		RETURN type(r) AS predicate, count(r) AS n`,
		map[string]any{"engagement_id": engagementID.String()})
	if err != nil {
		return nil, fmt.Errorf("graph: edge counts: %w", err)
	}

	counts := make(map[model.Predicate]int64)
	for _, rec := range result.Records {
		predicate, ok1 := rec.Get("predicate")
		n, ok2 := rec.Get("n")
		if !ok1 || !ok2 {
			continue
		}
		p, ok1 := predicate.(string)
		count, ok2 := n.(int64)
		if !ok1 || !ok2 {
			continue
		}
		counts[model.Predicate(p)] = count
	}
	return counts, nil
}
