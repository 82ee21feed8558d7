package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// InsertProcessModel stores a newly generated POV version with its elements
// and edges in one transaction. The version number is assigned here under an
// advisory lock so concurrent generations for the same engagement serialize
// instead of colliding.
func (db *DB) InsertProcessModel(ctx context.Context, m model.ProcessModel) (model.ProcessModel, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	scope, err := json.Marshal(m.Scope)
	if err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: marshal pov scope: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: begin insert pov: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Engagement-scoped advisory lock keyed on the low 64 bits of the id.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
		m.EngagementID,
	); err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: pov version lock: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM process_models WHERE engagement_id = $1`,
		m.EngagementID,
	).Scan(&m.Version); err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: next pov version: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO process_models (id, engagement_id, version, partial, scope)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 RETURNING generated_at`,
		m.ID, m.EngagementID, m.Version, m.Partial, scope,
	).Scan(&m.GeneratedAt)
	if err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: insert pov: %w", err)
	}

	for i := range m.Elements {
		el := &m.Elements[i]
		if el.ID == uuid.Nil {
			el.ID = uuid.New()
		}
		el.ModelID = m.ID
		el.EngagementID = m.EngagementID
		if el.Status == "" {
			el.Status = model.ElementPending
		}
	}

	elementRows := make([][]any, len(m.Elements))
	for i, el := range m.Elements {
		elementRows[i] = []any{
			el.ID, el.ModelID, el.EngagementID, el.Type, el.Name,
			el.Confidence, el.Strength, el.Quality, el.Brightness, el.Grade,
			el.SupportingEvidenceIDs, el.SupportingPlanes, el.HumanValidated, el.ValidatedBy,
			el.Status, el.Disagreements,
		}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"process_elements"},
		[]string{
			"id", "model_id", "engagement_id", "type", "name",
			"confidence", "strength", "quality", "brightness", "grade",
			"supporting_evidence_ids", "supporting_planes", "human_validated", "validated_by",
			"status", "disagreements",
		},
		pgx.CopyFromRows(elementRows),
	); err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: copy pov elements: %w", err)
	}

	edgeRows := make([][]any, len(m.Edges))
	for i, e := range m.Edges {
		var gw *model.GatewayKind
		if e.Gateway != "" {
			gw = &e.Gateway
		}
		edgeRows[i] = []any{m.ID, e.SourceID, e.TargetID, e.Predicate, gw, e.Weight}
	}
	if len(edgeRows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"process_edges"},
			[]string{"model_id", "source_id", "target_id", "predicate", "gateway", "weight"},
			pgx.CopyFromRows(edgeRows),
		); err != nil {
			return model.ProcessModel{}, fmt.Errorf("storage: copy pov edges: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ProcessModel{}, fmt.Errorf("storage: insert pov: commit: %w", err)
	}
	return m, nil
}

// GetProcessModel loads a POV version with elements and edges. version 0
// means latest.
func (db *DB) GetProcessModel(ctx context.Context, engagementID uuid.UUID, version int) (model.ProcessModel, error) {
	var (
		m     model.ProcessModel
		scope []byte
	)
	query := `SELECT id, engagement_id, version, partial, scope, generated_at
	          FROM process_models WHERE engagement_id = $1`
	args := []any{engagementID}
	if version > 0 {
		args = append(args, version)
		query += fmt.Sprintf(" AND version = $%d", len(args))
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.EngagementID, &m.Version, &m.Partial, &scope, &m.GeneratedAt,
	)
	if err != nil {
		return model.ProcessModel{}, noRows(fmt.Errorf("storage: get pov: %w", err))
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &m.Scope); err != nil {
			return model.ProcessModel{}, fmt.Errorf("storage: unmarshal pov scope: %w", err)
		}
	}

	if m.Elements, err = db.listElements(ctx, m.ID); err != nil {
		return model.ProcessModel{}, err
	}
	if m.Edges, err = db.listEdges(ctx, m.ID); err != nil {
		return model.ProcessModel{}, err
	}
	return m, nil
}

// LatestVersion returns the highest POV version for an engagement, 0 when
// none exists yet.
func (db *DB) LatestVersion(ctx context.Context, engagementID uuid.UUID) (int, error) {
	var v int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM process_models WHERE engagement_id = $1`,
		engagementID,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("storage: latest pov version: %w", err)
	}
	return v, nil
}

func (db *DB) listElements(ctx context.Context, modelID uuid.UUID) ([]model.ProcessElement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, model_id, engagement_id, type, name,
		        confidence, strength, quality, brightness, grade,
		        supporting_evidence_ids, supporting_planes, human_validated, validated_by,
		        status, disagreements
		 FROM process_elements WHERE model_id = $1
		 ORDER BY name ASC, id ASC`,
		modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pov elements: %w", err)
	}
	defer rows.Close()

	var elements []model.ProcessElement
	for rows.Next() {
		var el model.ProcessElement
		if err := rows.Scan(
			&el.ID, &el.ModelID, &el.EngagementID, &el.Type, &el.Name,
			&el.Confidence, &el.Strength, &el.Quality, &el.Brightness, &el.Grade,
			&el.SupportingEvidenceIDs, &el.SupportingPlanes, &el.HumanValidated, &el.ValidatedBy,
			&el.Status, &el.Disagreements,
		); err != nil {
			return nil, fmt.Errorf("storage: scan pov element: %w", err)
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}

func (db *DB) listEdges(ctx context.Context, modelID uuid.UUID) ([]model.StructuralEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT model_id, source_id, target_id, predicate, gateway, weight
		 FROM process_edges WHERE model_id = $1
		 ORDER BY source_id ASC, target_id ASC`,
		modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pov edges: %w", err)
	}
	defer rows.Close()

	var edges []model.StructuralEdge
	for rows.Next() {
		var (
			e  model.StructuralEdge
			gw *model.GatewayKind
		)
		if err := rows.Scan(&e.ModelID, &e.SourceID, &e.TargetID, &e.Predicate, &gw, &e.Weight); err != nil {
			return nil, fmt.Errorf("storage: scan pov edge: %w", err)
		}
		if gw != nil {
			e.Gateway = *gw
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpdateElementReview applies a reviewer decision to an element of the
// latest POV version. Corrections may rename; confirmations bump the
// reviewer count and flip human_validated.
func (db *DB) UpdateElementReview(ctx context.Context, engagementID, elementID uuid.UUID, status model.ElementStatus, correctedName *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE process_elements
		 SET status = $1,
		     name = COALESCE($2, name),
		     validated_by = validated_by + CASE WHEN $1 = 'confirmed' THEN 1 ELSE 0 END,
		     human_validated = human_validated OR $1 = 'confirmed'
		 WHERE engagement_id = $3 AND id = $4`,
		status, correctedName, engagementID, elementID,
	)
	if err != nil {
		return fmt.Errorf("storage: update element review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetElement loads one element of any POV version.
func (db *DB) GetElement(ctx context.Context, engagementID, elementID uuid.UUID) (model.ProcessElement, error) {
	var el model.ProcessElement
	err := db.pool.QueryRow(ctx,
		`SELECT id, model_id, engagement_id, type, name,
		        confidence, strength, quality, brightness, grade,
		        supporting_evidence_ids, supporting_planes, human_validated, validated_by,
		        status, disagreements
		 FROM process_elements WHERE engagement_id = $1 AND id = $2`,
		engagementID, elementID,
	).Scan(
		&el.ID, &el.ModelID, &el.EngagementID, &el.Type, &el.Name,
		&el.Confidence, &el.Strength, &el.Quality, &el.Brightness, &el.Grade,
		&el.SupportingEvidenceIDs, &el.SupportingPlanes, &el.HumanValidated, &el.ValidatedBy,
		&el.Status, &el.Disagreements,
	)
	if err != nil {
		return model.ProcessElement{}, noRows(fmt.Errorf("storage: get pov element: %w", err))
	}
	return el, nil
}

// SetElementScores rewrites an element's derived scoring after a review
// decision changed its provenance (grade promotion, confidence recompute).
func (db *DB) SetElementScores(ctx context.Context, engagementID, elementID uuid.UUID, grade model.EvidenceGrade, confidence float64, brightness model.Brightness) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE process_elements
		 SET grade = $1, confidence = $2, brightness = $3
		 WHERE engagement_id = $4 AND id = $5`,
		grade, confidence, brightness, engagementID, elementID,
	)
	if err != nil {
		return fmt.Errorf("storage: set element scores: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DarkElements returns the dark-room view: elements of the latest POV
// version whose brightness is dark, the known-unknowns a consultant should
// chase evidence for.
func (db *DB) DarkElements(ctx context.Context, engagementID uuid.UUID) ([]model.ProcessElement, error) {
	var modelID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM process_models
		 WHERE engagement_id = $1 ORDER BY version DESC LIMIT 1`,
		engagementID,
	).Scan(&modelID)
	if err != nil {
		return nil, noRows(fmt.Errorf("storage: dark elements: latest model: %w", err))
	}

	elements, err := db.listElements(ctx, modelID)
	if err != nil {
		return nil, err
	}
	dark := elements[:0]
	for _, el := range elements {
		if el.Brightness == model.BrightnessDark {
			dark = append(dark, el)
		}
	}
	return dark, nil
}
