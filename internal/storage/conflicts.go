package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// UpsertConflict records a detected disagreement. The uniqueness key is
// (engagement_id, mismatch_type, sorted assertion pair): re-running the
// scanner over unchanged assertions is a no-op apart from refreshing the
// severity of a still-open conflict. Returns the conflict id and whether a
// new row was created.
func (db *DB) UpsertConflict(ctx context.Context, c model.ConflictObject) (uuid.UUID, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	low, high := model.PairKey(c.SourceARef, c.SourceBRef)

	var insertedID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO conflicts (
		     id, engagement_id, mismatch_type, source_a_ref, source_b_ref,
		     severity, status
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (engagement_id, mismatch_type, source_a_ref, source_b_ref) DO NOTHING
		 RETURNING id`,
		c.ID, c.EngagementID, c.MismatchType, low, high,
		c.Severity, model.ConflictOpen,
	).Scan(&insertedID)
	if errors.Is(err, pgx.ErrNoRows) {
		var existingID uuid.UUID
		if err := db.pool.QueryRow(ctx,
			`UPDATE conflicts
			 SET severity = CASE WHEN status = 'open' THEN $1 ELSE severity END,
			     updated_at = now()
			 WHERE engagement_id = $2 AND mismatch_type = $3
			   AND source_a_ref = $4 AND source_b_ref = $5
			 RETURNING id`,
			c.Severity, c.EngagementID, c.MismatchType, low, high,
		).Scan(&existingID); err != nil {
			return uuid.Nil, false, fmt.Errorf("storage: refresh existing conflict: %w", err)
		}
		return existingID, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: insert conflict: %w", err)
	}

	if err := db.Notify(ctx, ChannelConflicts, insertedID.String()); err != nil {
		db.logger.Warn("storage: conflict notify failed", "error", err)
	}
	return insertedID, true, nil
}

// GetConflict loads one conflict scoped to an engagement.
func (db *DB) GetConflict(ctx context.Context, engagementID, id uuid.UUID) (model.ConflictObject, error) {
	c, err := scanConflict(db.pool.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE engagement_id = $1 AND id = $2`,
		engagementID, id,
	))
	if err != nil {
		return model.ConflictObject{}, noRows(fmt.Errorf("storage: get conflict: %w", err))
	}
	return c, nil
}

// ClassifyConflict records the scanner's three-way classification on a
// conflict that auto-resolves (naming variant or temporal supersession), or
// stamps classified_at for genuine disagreements left open for humans.
func (db *DB) ClassifyConflict(ctx context.Context, engagementID, id uuid.UUID, resolution *model.ResolutionType, details *string) error {
	status := model.ConflictOpen
	if resolution != nil && *resolution != model.ResolutionHumanReview {
		status = model.ConflictResolved
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflicts
		 SET resolution_type = $1, resolution_details = $2, status = $3,
		     classified_at = now(), updated_at = now()
		 WHERE engagement_id = $4 AND id = $5 AND status IN ('open', 'assigned')`,
		resolution, details, status, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: classify conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignConflict hands an open or escalated conflict to a reviewer.
func (db *DB) AssignConflict(ctx context.Context, engagementID, id uuid.UUID, assignee string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflicts
		 SET status = $1, assigned_to = $2, updated_at = now()
		 WHERE engagement_id = $3 AND id = $4 AND status IN ('open', 'escalated')`,
		model.ConflictAssigned, assignee, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: assign conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveConflict closes a conflict with a human decision.
func (db *DB) ResolveConflict(ctx context.Context, engagementID, id uuid.UUID, resolution model.ResolutionType, details string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conflicts
		 SET status = $1, resolution_type = $2, resolution_details = $3, updated_at = now()
		 WHERE engagement_id = $4 AND id = $5 AND status != $1`,
		model.ConflictResolved, resolution, details, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EscalateStaleConflicts moves open conflicts older than the cutoff to
// escalated and returns their ids.
func (db *DB) EscalateStaleConflicts(ctx context.Context, engagementID uuid.UUID, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE conflicts
		 SET status = $1, updated_at = now()
		 WHERE engagement_id = $2 AND status = $3
		   AND detected_at < now() - $4::interval
		 RETURNING id`,
		model.ConflictEscalated, engagementID, model.ConflictOpen,
		fmt.Sprintf("%f seconds", olderThan.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: escalate stale conflicts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan escalated conflict: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const conflictColumns = `id, engagement_id, mismatch_type, source_a_ref, source_b_ref,
	severity, resolution_type, resolution_details, status, assigned_to,
	classified_at, detected_at, updated_at`

func scanConflict(row pgx.Row) (model.ConflictObject, error) {
	var c model.ConflictObject
	err := row.Scan(
		&c.ID, &c.EngagementID, &c.MismatchType, &c.SourceARef, &c.SourceBRef,
		&c.Severity, &c.ResolutionType, &c.ResolutionDetails, &c.Status, &c.AssignedTo,
		&c.ClassifiedAt, &c.DetectedAt, &c.UpdatedAt,
	)
	return c, err
}

// ConflictFilters narrows ListConflicts. Zero values mean "any".
type ConflictFilters struct {
	Status       model.ConflictStatus
	MismatchType model.MismatchType
	MinSeverity  float64
	AssertionID  uuid.UUID // conflicts touching this assertion on either side
	Limit        int
}

// ListConflicts returns conflicts for an engagement, most severe first.
func (db *DB) ListConflicts(ctx context.Context, engagementID uuid.UUID, f ConflictFilters) ([]model.ConflictObject, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE engagement_id = $1`
	args := []any{engagementID}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.MismatchType != "" {
		args = append(args, f.MismatchType)
		query += fmt.Sprintf(" AND mismatch_type = $%d", len(args))
	}
	if f.MinSeverity > 0 {
		args = append(args, f.MinSeverity)
		query += fmt.Sprintf(" AND severity >= $%d", len(args))
	}
	if f.AssertionID != uuid.Nil {
		args = append(args, f.AssertionID)
		query += fmt.Sprintf(" AND (source_a_ref = $%d OR source_b_ref = $%d)", len(args), len(args))
	}
	query += " ORDER BY severity DESC, detected_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.ConflictObject
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
