package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// CreateTask inserts a queued task row. The row is the source of truth for
// task state; the stream pump reads unenqueued rows and publishes trigger
// messages, so a crash between insert and publish loses nothing. The NOTIFY
// wakes the pump without waiting for its poll tick.
func (db *DB) CreateTask(ctx context.Context, t model.Task) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Payload == nil {
		t.Payload = json.RawMessage(`{}`)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: begin create task: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO tasks (id, kind, engagement_id, status, payload)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		t.ID, t.Kind, t.EngagementID, model.TaskQueued, []byte(t.Payload),
	); err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert task: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelTasks, t.ID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("storage: notify task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("storage: create task: commit: %w", err)
	}
	return t.ID, nil
}

const taskColumns = `id, kind, engagement_id, status, progress, stage, attempts,
	last_error, payload, result, cancel_requested, created_at, updated_at`

// GetTask loads a task by id.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	var (
		t       model.Task
		payload []byte
		result  []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id,
	).Scan(
		&t.ID, &t.Kind, &t.EngagementID, &t.Status, &t.Progress, &t.Stage, &t.Attempts,
		&t.LastError, &payload, &result, &t.CancelFlag, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, noRows(fmt.Errorf("storage: get task: %w", err))
	}
	t.Payload = payload
	t.Result = result
	return t, nil
}

// FetchUnenqueuedTasks leases queued tasks that have not yet been published
// to the stream. The lease keeps a second pump instance from double
// publishing within the window; a crashed pump's lease simply expires.
func (db *DB) FetchUnenqueuedTasks(ctx context.Context, limit int) ([]model.Task, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin fetch unenqueued: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = $1 AND enqueued = false
		   AND (enqueue_lease IS NULL OR enqueue_lease < now())
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		model.TaskQueued, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select unenqueued tasks: %w", err)
	}

	var tasks []model.Task
	for rows.Next() {
		var (
			t       model.Task
			payload []byte
			result  []byte
		)
		if err := rows.Scan(
			&t.ID, &t.Kind, &t.EngagementID, &t.Status, &t.Progress, &t.Stage, &t.Attempts,
			&t.LastError, &payload, &result, &t.CancelFlag, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan unenqueued task: %w", err)
		}
		t.Payload = payload
		t.Result = result
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate unenqueued tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET enqueue_lease = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease unenqueued tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit enqueue lease: %w", err)
	}
	return tasks, nil
}

// MarkTasksEnqueued records that trigger messages were published for these
// tasks.
func (db *DB) MarkTasksEnqueued(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE tasks SET enqueued = true, updated_at = now() WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: mark tasks enqueued: %w", err)
	}
	return nil
}

// ClaimTask transitions a queued task to running with a compare-and-set.
// Returns false when the task is not queued, which is how duplicate stream
// deliveries collapse to a single execution.
func (db *DB) ClaimTask(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $1, attempts = attempts + 1, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		model.TaskRunning, id, model.TaskQueued,
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueTask returns a running task to queued for a retry delivery. The
// enqueue lease holds the pump off until the retry backoff elapses, so the
// next trigger message is published no earlier than retryAfter from now.
func (db *DB) RequeueTask(ctx context.Context, id uuid.UUID, errMsg string, retryAfter time.Duration) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $1, last_error = $2, enqueued = false,
		     enqueue_lease = now() + $3::interval, updated_at = now()
		 WHERE id = $4 AND status = $5`,
		model.TaskQueued, errMsg, fmt.Sprintf("%f seconds", retryAfter.Seconds()), id, model.TaskRunning,
	)
	if err != nil {
		return fmt.Errorf("storage: requeue task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask moves a running task to a terminal status with its result.
func (db *DB) CompleteTask(ctx context.Context, id uuid.UUID, status model.TaskStatus, result json.RawMessage, errMsg *string) error {
	if !status.Terminal() {
		return &model.IllegalTransitionError{Entity: "task", From: string(model.TaskRunning), To: string(status)}
	}
	var resultBytes []byte
	if result != nil {
		resultBytes = []byte(result)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $1, result = $2::jsonb, last_error = $3, progress = 1.0, updated_at = now()
		 WHERE id = $4 AND status = $5`,
		status, resultBytes, errMsg, id, model.TaskRunning,
	)
	if err != nil {
		return fmt.Errorf("storage: complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskProgress advances a running task's progress. Progress is
// monotonic: stale writers racing a further-along one cannot move it
// backwards.
func (db *DB) UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress float64, stage string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE tasks
		 SET progress = GREATEST(progress, $1), stage = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		progress, stage, id, model.TaskRunning,
	)
	if err != nil {
		return fmt.Errorf("storage: update task progress: %w", err)
	}
	return nil
}

// RequestTaskCancel sets the cooperative cancel flag. Returns false when the
// task already reached a terminal status, in which case cancellation is a
// no-op for the caller.
func (db *DB) RequestTaskCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET cancel_requested = true, updated_at = now()
		 WHERE id = $1 AND status IN ($2, $3)`,
		id, model.TaskQueued, model.TaskRunning,
	)
	if err != nil {
		return false, fmt.Errorf("storage: request task cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TaskCancelRequested reads the cooperative cancel flag. Handlers poll this
// between stages.
func (db *DB) TaskCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = $1`, id,
	).Scan(&flag)
	if err != nil {
		return false, noRows(fmt.Errorf("storage: task cancel flag: %w", err))
	}
	return flag, nil
}

// StuckRunningTasks returns tasks that have sat in running longer than the
// cutoff, typically because their worker died without acking. The runtime
// requeues them.
func (db *DB) StuckRunningTasks(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM tasks
		 WHERE status = $1 AND updated_at < now() - $2::interval`,
		model.TaskRunning, fmt.Sprintf("%f seconds", olderThan.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stuck running tasks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan stuck task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
