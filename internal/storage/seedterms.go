package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// CreateSeedTerm inserts a seed term. Active terms are case-insensitively
// unique per engagement; a duplicate returns the existing term's id with
// model.ErrDuplicateIgnored.
func (db *DB) CreateSeedTerm(ctx context.Context, t model.SeedTerm) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = model.SeedStatusActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO seed_terms (id, engagement_id, term, category, source, status, merged_into)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.EngagementID, t.Term, t.Category, t.Source, t.Status, t.MergedInto,
	)
	if isUniqueViolation(err, "seed_terms_engagement_term_active_idx") {
		var existingID uuid.UUID
		if err := db.pool.QueryRow(ctx,
			`SELECT id FROM seed_terms
			 WHERE engagement_id = $1 AND lower(term) = lower($2) AND status = $3`,
			t.EngagementID, t.Term, model.SeedStatusActive,
		).Scan(&existingID); err != nil {
			return uuid.Nil, fmt.Errorf("storage: reselect duplicate seed term: %w", err)
		}
		return existingID, model.ErrDuplicateIgnored
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert seed term: %w", err)
	}
	return t.ID, nil
}

// GetSeedTerm loads one seed term scoped to an engagement.
func (db *DB) GetSeedTerm(ctx context.Context, engagementID, id uuid.UUID) (model.SeedTerm, error) {
	var t model.SeedTerm
	err := db.pool.QueryRow(ctx,
		`SELECT id, engagement_id, term, category, source, status, merged_into, created_at
		 FROM seed_terms WHERE engagement_id = $1 AND id = $2`,
		engagementID, id,
	).Scan(&t.ID, &t.EngagementID, &t.Term, &t.Category, &t.Source, &t.Status, &t.MergedInto, &t.CreatedAt)
	if err != nil {
		return model.SeedTerm{}, noRows(fmt.Errorf("storage: get seed term: %w", err))
	}
	return t, nil
}

// ListSeedTerms returns all seed terms for an engagement, merged and
// deprecated ones included so canonicalization can walk merge chains.
func (db *DB) ListSeedTerms(ctx context.Context, engagementID uuid.UUID) ([]model.SeedTerm, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, engagement_id, term, category, source, status, merged_into, created_at
		 FROM seed_terms WHERE engagement_id = $1
		 ORDER BY created_at ASC`,
		engagementID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list seed terms: %w", err)
	}
	defer rows.Close()

	var terms []model.SeedTerm
	for rows.Next() {
		var t model.SeedTerm
		if err := rows.Scan(&t.ID, &t.EngagementID, &t.Term, &t.Category, &t.Source, &t.Status, &t.MergedInto, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan seed term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// MergeSeedTerm marks a term merged into a canonical one. Self-merges are
// rejected here; longer cycles are detected during canonicalization.
func (db *DB) MergeSeedTerm(ctx context.Context, engagementID, id, into uuid.UUID) error {
	if id == into {
		return model.ErrSeedCycle
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE seed_terms
		 SET status = $1, merged_into = $2
		 WHERE engagement_id = $3 AND id = $4 AND status != $1`,
		model.SeedStatusMerged, into, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: merge seed term: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeprecateSeedTerm retires a term without a canonical replacement.
func (db *DB) DeprecateSeedTerm(ctx context.Context, engagementID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE seed_terms SET status = $1
		 WHERE engagement_id = $2 AND id = $3`,
		model.SeedStatusDeprecated, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: deprecate seed term: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
