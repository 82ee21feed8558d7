package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// InsertEvidence inserts an evidence item, enforcing the engagement write
// guard, the evidence quota, and content-hash idempotency in one transaction.
//
// If an item with the same (engagement_id, content_hash) already exists, the
// existing item's id is returned together with model.ErrDuplicateIgnored and
// nothing is written.
func (db *DB) InsertEvidence(ctx context.Context, item model.EvidenceItem) (uuid.UUID, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal evidence metadata: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: begin insert evidence: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		closed bool
		quota  int
	)
	err = tx.QueryRow(ctx,
		`SELECT closed, evidence_quota FROM engagements WHERE id = $1 FOR UPDATE`,
		item.EngagementID,
	).Scan(&closed, &quota)
	if err != nil {
		return uuid.Nil, noRows(fmt.Errorf("storage: insert evidence: load engagement: %w", err))
	}
	if closed {
		return uuid.Nil, model.ErrEngagementClosed
	}
	if quota > 0 {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM evidence_items WHERE engagement_id = $1`,
			item.EngagementID,
		).Scan(&count); err != nil {
			return uuid.Nil, fmt.Errorf("storage: insert evidence: count: %w", err)
		}
		if count >= quota {
			return uuid.Nil, model.ErrQuotaExceeded
		}
	}

	var insertedID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO evidence_items (
		     id, engagement_id, category, format, blob_ref, content_hash,
		     completeness, reliability, freshness, consistency,
		     source_plane, lifecycle, principal, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
		 ON CONFLICT (engagement_id, content_hash) DO NOTHING
		 RETURNING id`,
		item.ID, item.EngagementID, item.Category, item.Format, item.BlobRef, item.ContentHash,
		item.Quality.Completeness, item.Quality.Reliability, item.Quality.Freshness, item.Quality.Consistency,
		item.SourcePlane, model.LifecyclePending, item.Principal, meta,
	).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate content: surface the existing item instead.
		var existingID uuid.UUID
		if err := tx.QueryRow(ctx,
			`SELECT id FROM evidence_items WHERE engagement_id = $1 AND content_hash = $2`,
			item.EngagementID, item.ContentHash,
		).Scan(&existingID); err != nil {
			return uuid.Nil, fmt.Errorf("storage: insert evidence: reselect duplicate: %w", err)
		}
		return existingID, model.ErrDuplicateIgnored
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert evidence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert evidence: commit: %w", err)
	}
	return insertedID, nil
}

// GetEvidence loads an evidence item scoped to an engagement.
func (db *DB) GetEvidence(ctx context.Context, engagementID, id uuid.UUID) (model.EvidenceItem, error) {
	var (
		item model.EvidenceItem
		meta []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, engagement_id, category, format, blob_ref, content_hash,
		        completeness, reliability, freshness, consistency,
		        source_plane, lifecycle, last_error, validated_by, principal,
		        metadata, created_at, expired_at
		 FROM evidence_items
		 WHERE engagement_id = $1 AND id = $2`,
		engagementID, id,
	).Scan(
		&item.ID, &item.EngagementID, &item.Category, &item.Format, &item.BlobRef, &item.ContentHash,
		&item.Quality.Completeness, &item.Quality.Reliability, &item.Quality.Freshness, &item.Quality.Consistency,
		&item.SourcePlane, &item.Lifecycle, &item.LastError, &item.ValidatedBy, &item.Principal,
		&meta, &item.CreatedAt, &item.ExpiredAt,
	)
	if err != nil {
		return model.EvidenceItem{}, noRows(fmt.Errorf("storage: get evidence: %w", err))
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return model.EvidenceItem{}, fmt.Errorf("storage: unmarshal evidence metadata: %w", err)
		}
	}
	return item, nil
}

// TransitionLifecycle moves an evidence item from one lifecycle state to
// another with a compare-and-set on the current state. The legality of the
// transition is decided by the caller's state machine; this guard only makes
// concurrent transitions lose cleanly instead of clobbering each other.
func (db *DB) TransitionLifecycle(ctx context.Context, engagementID, id uuid.UUID, from, to model.EvidenceLifecycle, validatedBy *string) error {
	var expiredAt *time.Time
	if to == model.LifecycleExpired || to == model.LifecycleArchived {
		now := time.Now().UTC()
		expiredAt = &now
	}

	var tag pgconn.CommandTag
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		tag, err = db.pool.Exec(ctx,
			`UPDATE evidence_items
			 SET lifecycle = $1,
			     validated_by = COALESCE($2, validated_by),
			     expired_at = COALESCE($3, expired_at),
			     last_error = NULL
			 WHERE engagement_id = $4 AND id = $5 AND lifecycle = $6`,
			to, validatedBy, expiredAt, engagementID, id, from,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: transition lifecycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing item from a lost CAS race.
		var current model.EvidenceLifecycle
		err := db.pool.QueryRow(ctx,
			`SELECT lifecycle FROM evidence_items WHERE engagement_id = $1 AND id = $2`,
			engagementID, id,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: transition lifecycle: reload: %w", err)
		}
		return &model.IllegalTransitionError{Entity: "evidence", From: string(current), To: string(to)}
	}
	return nil
}

// SetEvidenceQuality updates the four quality dimensions of an item.
func (db *DB) SetEvidenceQuality(ctx context.Context, engagementID, id uuid.UUID, q model.QualityScores) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_items
		 SET completeness = $1, reliability = $2, freshness = $3, consistency = $4
		 WHERE engagement_id = $5 AND id = $6`,
		q.Completeness, q.Reliability, q.Freshness, q.Consistency, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set evidence quality: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEvidenceError records a parse or validation failure without moving the
// lifecycle; the item stays where it is and the runtime retries.
func (db *DB) SetEvidenceError(ctx context.Context, engagementID, id uuid.UUID, msg string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence_items SET last_error = $1
		 WHERE engagement_id = $2 AND id = $3`,
		msg, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set evidence error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EvidenceFilters narrows ListEvidence. Zero values mean "any".
type EvidenceFilters struct {
	Category  model.EvidenceCategory
	Plane     model.SourcePlane
	Lifecycle model.EvidenceLifecycle
	Principal string
	Limit     int
}

// ListEvidence returns evidence items for an engagement, newest first.
func (db *DB) ListEvidence(ctx context.Context, engagementID uuid.UUID, f EvidenceFilters) ([]model.EvidenceItem, error) {
	query := `SELECT id, engagement_id, category, format, blob_ref, content_hash,
	                 completeness, reliability, freshness, consistency,
	                 source_plane, lifecycle, last_error, validated_by, principal,
	                 metadata, created_at, expired_at
	          FROM evidence_items
	          WHERE engagement_id = $1`
	args := []any{engagementID}

	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.Plane != "" {
		args = append(args, f.Plane)
		query += fmt.Sprintf(" AND source_plane = $%d", len(args))
	}
	if f.Lifecycle != "" {
		args = append(args, f.Lifecycle)
		query += fmt.Sprintf(" AND lifecycle = $%d", len(args))
	}
	if f.Principal != "" {
		args = append(args, f.Principal)
		query += fmt.Sprintf(" AND principal = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	defer rows.Close()

	var items []model.EvidenceItem
	for rows.Next() {
		var (
			item model.EvidenceItem
			meta []byte
		)
		if err := rows.Scan(
			&item.ID, &item.EngagementID, &item.Category, &item.Format, &item.BlobRef, &item.ContentHash,
			&item.Quality.Completeness, &item.Quality.Reliability, &item.Quality.Freshness, &item.Quality.Consistency,
			&item.SourcePlane, &item.Lifecycle, &item.LastError, &item.ValidatedBy, &item.Principal,
			&meta, &item.CreatedAt, &item.ExpiredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal evidence metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ActivePlanes returns the distinct source planes that have at least one
// ACTIVE evidence item in the engagement. This is the coverage denominator
// for consensus strength.
func (db *DB) ActivePlanes(ctx context.Context, engagementID uuid.UUID) ([]model.SourcePlane, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT source_plane FROM evidence_items
		 WHERE engagement_id = $1 AND lifecycle = $2`,
		engagementID, model.LifecycleActive,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active planes: %w", err)
	}
	defer rows.Close()

	var planes []model.SourcePlane
	for rows.Next() {
		var p model.SourcePlane
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan plane: %w", err)
		}
		planes = append(planes, p)
	}
	return planes, rows.Err()
}

// InsertFragments bulk-loads parsed fragments via COPY. Fragments carry the
// engagement id redundantly so fragment queries never need a join to enforce
// the tenancy boundary.
func (db *DB) InsertFragments(ctx context.Context, frags []model.EvidenceFragment) error {
	if len(frags) == 0 {
		return nil
	}
	rows := make([][]any, len(frags))
	for i, f := range frags {
		id := f.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows[i] = []any{id, f.EvidenceID, f.EngagementID, f.Ordinal, f.Text, f.Embedding, f.Contradicted}
	}
	_, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"evidence_fragments"},
		[]string{"id", "evidence_id", "engagement_id", "ordinal", "text", "embedding", "contradicted"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: copy fragments: %w", err)
	}
	return nil
}

// FragmentsByEvidence returns the ordered fragments of one evidence item.
func (db *DB) FragmentsByEvidence(ctx context.Context, engagementID, evidenceID uuid.UUID) ([]model.EvidenceFragment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, evidence_id, engagement_id, ordinal, text, embedding, contradicted, created_at
		 FROM evidence_fragments
		 WHERE engagement_id = $1 AND evidence_id = $2
		 ORDER BY ordinal ASC`,
		engagementID, evidenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: fragments by evidence: %w", err)
	}
	defer rows.Close()

	var frags []model.EvidenceFragment
	for rows.Next() {
		var f model.EvidenceFragment
		if err := rows.Scan(&f.ID, &f.EvidenceID, &f.EngagementID, &f.Ordinal, &f.Text, &f.Embedding, &f.Contradicted, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan fragment: %w", err)
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// MarkFragmentsContradicted flags fragments whose claims lost a resolved
// conflict. Flagged fragments stay queryable but are excluded from consensus.
func (db *DB) MarkFragmentsContradicted(ctx context.Context, engagementID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE evidence_fragments SET contradicted = true
		 WHERE engagement_id = $1 AND id = ANY($2)`,
		engagementID, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: mark fragments contradicted: %w", err)
	}
	return nil
}

// StaleActiveEvidence returns ACTIVE items whose freshness, recomputed at
// call time from the per-category half-life table, has decayed below the
// engagement's threshold. The caller transitions them to EXPIRED.
func (db *DB) StaleActiveEvidence(ctx context.Context, engagementID uuid.UUID, threshold float64, halfLifeDays map[model.EvidenceCategory]float64) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, category, created_at FROM evidence_items
		 WHERE engagement_id = $1 AND lifecycle = $2`,
		engagementID, model.LifecycleActive,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale evidence: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var stale []uuid.UUID
	for rows.Next() {
		var (
			id        uuid.UUID
			category  model.EvidenceCategory
			createdAt time.Time
		)
		if err := rows.Scan(&id, &category, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan stale evidence: %w", err)
		}
		hl := halfLifeDays[category]
		if hl <= 0 {
			hl = 90
		}
		ageDays := now.Sub(createdAt).Hours() / 24
		if model.Freshness(ageDays, hl) < threshold {
			stale = append(stale, id)
		}
	}
	return stale, rows.Err()
}
