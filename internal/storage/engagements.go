package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// CreateEngagement inserts a new engagement and returns its id.
func (db *DB) CreateEngagement(ctx context.Context, e model.Engagement) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	scopes, err := json.Marshal(e.AuthorityScopes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal authority scopes: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO engagements (
		     id, name, business_area, data_residency,
		     embedding_model, embedding_dim, embedding_locked,
		     freshness_threshold, authority_scopes, evidence_quota, closed
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8::jsonb, $9, false)`,
		e.ID, e.Name, e.BusinessArea, e.DataResidency,
		e.EmbeddingModel, e.EmbeddingDim,
		e.FreshnessThreshold, scopes, e.EvidenceQuota,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert engagement: %w", err)
	}
	return e.ID, nil
}

// GetEngagement loads an engagement by id.
func (db *DB) GetEngagement(ctx context.Context, id uuid.UUID) (model.Engagement, error) {
	var (
		e      model.Engagement
		scopes []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, business_area, data_residency,
		        embedding_model, embedding_dim, embedding_locked,
		        freshness_threshold, authority_scopes, evidence_quota,
		        closed, created_at
		 FROM engagements WHERE id = $1`,
		id,
	).Scan(
		&e.ID, &e.Name, &e.BusinessArea, &e.DataResidency,
		&e.EmbeddingModel, &e.EmbeddingDim, &e.EmbeddingLocked,
		&e.FreshnessThreshold, &scopes, &e.EvidenceQuota,
		&e.Closed, &e.CreatedAt,
	)
	if err != nil {
		return model.Engagement{}, noRows(fmt.Errorf("storage: get engagement: %w", err))
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &e.AuthorityScopes); err != nil {
			return model.Engagement{}, fmt.Errorf("storage: unmarshal authority scopes: %w", err)
		}
	}
	return e, nil
}

// UpdateAuthorityScopes replaces the engagement's authority vocabulary.
func (db *DB) UpdateAuthorityScopes(ctx context.Context, id uuid.UUID, scopes map[string]float64) error {
	payload, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("storage: marshal authority scopes: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE engagements SET authority_scopes = $1::jsonb WHERE id = $2`,
		payload, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update authority scopes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseEngagement marks the engagement closed. Writes against a closed
// engagement fail with ErrEngagementClosed at the service layer.
func (db *DB) CloseEngagement(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE engagements SET closed = true WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: close engagement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LockEmbeddingSchema pins the engagement's embedding model and dimension on
// first vector write. Once locked, any disagreeing (model, dim) pair fails
// with ErrEmbeddingMismatch; the row is serialized with FOR UPDATE so two
// concurrent first writes cannot race the lock.
func (db *DB) LockEmbeddingSchema(ctx context.Context, id uuid.UUID, embModel string, dim int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin lock embedding: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		curModel string
		curDim   int
		locked   bool
	)
	err = tx.QueryRow(ctx,
		`SELECT embedding_model, embedding_dim, embedding_locked
		 FROM engagements WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&curModel, &curDim, &locked)
	if err != nil {
		return noRows(fmt.Errorf("storage: lock embedding schema: %w", err))
	}

	if locked {
		if curModel != embModel || curDim != dim {
			return fmt.Errorf("storage: engagement locked to %s/%d, got %s/%d: %w",
				curModel, curDim, embModel, dim, model.ErrEmbeddingMismatch)
		}
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE engagements
		 SET embedding_model = $1, embedding_dim = $2, embedding_locked = true
		 WHERE id = $3`,
		embModel, dim, id,
	); err != nil {
		return fmt.Errorf("storage: set embedding schema: %w", err)
	}
	return tx.Commit(ctx)
}
