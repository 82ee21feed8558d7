package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/stream"
)

// workerLoop consumes one topic: fetch, claim, execute, settle.
func (r *Runtime) workerLoop(ctx context.Context, kind model.TaskKind, n int) {
	topic := stream.Topic(kind)
	logger := r.logger.With("topic", topic, "worker", n)

	for ctx.Err() == nil {
		msgs, err := r.broker.Fetch(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("fetch from stream", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			r.handle(ctx, msg, logger)
		}
	}
}

// handle executes one delivery end to end. The task row is the truth: a
// delivery whose row is not claimable is a duplicate and just gets acked.
func (r *Runtime) handle(ctx context.Context, msg stream.Message, logger *slog.Logger) {
	topic := stream.Topic(msg.Kind)

	reg, ok := r.registry.Lookup(msg.Kind)
	if !ok {
		logger.Error("no handler for delivered kind", "task_id", msg.TaskID)
		_ = r.broker.DeadLetter(ctx, msg, "no handler registered")
		return
	}

	claimed, err := r.db.ClaimTask(ctx, msg.TaskID)
	if err != nil {
		logger.Error("claim task", "task_id", msg.TaskID, "error", err)
		return // left pending; reclaimed after the idle window
	}
	if !claimed {
		// Duplicate delivery or already-settled task.
		_ = r.broker.Ack(ctx, topic, msg.StreamID)
		return
	}

	task, err := r.db.GetTask(ctx, msg.TaskID)
	if err != nil {
		logger.Error("load claimed task", "task_id", msg.TaskID, "error", err)
		return
	}

	if reg.Heavy {
		if err := r.limiter.Acquire(ctx, task.EngagementID); err != nil {
			_ = r.db.RequeueTask(ctx, task.ID, "shutdown before execution", 0)
			return
		}
		defer r.limiter.Release(task.EngagementID)
	}

	if cancelled, _ := r.db.TaskCancelRequested(ctx, task.ID); cancelled {
		r.settleCancelled(ctx, msg)
		return
	}

	result, err := r.runHandler(ctx, reg, task)
	switch {
	case err == nil:
		if cerr := r.db.CompleteTask(ctx, task.ID, model.TaskSucceeded, result, nil); cerr != nil {
			logger.Error("complete task", "task_id", task.ID, "error", cerr)
			return
		}
		_ = r.broker.Ack(ctx, topic, msg.StreamID)

	case errors.Is(err, model.ErrCancelled):
		r.settleCancelled(ctx, msg)

	case errors.Is(err, errPartial):
		// The handler already persisted a partial result and moved the row;
		// nothing left to settle.
		_ = r.broker.Ack(ctx, topic, msg.StreamID)

	default:
		r.settleFailure(ctx, msg, task, err, logger)
	}
}

// runHandler executes the handler under the stage timeout with a progress
// reporter bound to the task row. A timeout surfaces as ErrTimeout and takes
// the retry path.
func (r *Runtime) runHandler(ctx context.Context, reg Registration, task model.Task) (json.RawMessage, error) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = r.cfg.IngestStageTimeout
	}
	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, model.ErrTimeout)
	defer cancel()

	report := func(fraction float64, stage string) {
		if uerr := r.db.UpdateTaskProgress(runCtx, task.ID, fraction, stage); uerr != nil {
			r.logger.Warn("report progress", "task_id", task.ID, "error", uerr)
		}
		// Stage boundaries double as cancellation checks.
		if cancelled, _ := r.db.TaskCancelRequested(runCtx, task.ID); cancelled {
			cancel()
		}
	}

	result, err := reg.Handler(runCtx, task, report)
	if err != nil && runCtx.Err() != nil {
		if cancelled, _ := r.db.TaskCancelRequested(ctx, task.ID); cancelled {
			return nil, model.ErrCancelled
		}
		if cause := context.Cause(runCtx); cause != nil {
			return nil, cause
		}
	}
	return result, err
}

// settleFailure requeues with backoff or dead-letters once the attempt budget
// is spent. The claim already counted this attempt, so task.Attempts read
// after the claim is the attempt just executed.
func (r *Runtime) settleFailure(ctx context.Context, msg stream.Message, task model.Task, taskErr error, logger *slog.Logger) {
	topic := stream.Topic(msg.Kind)
	errMsg := taskErr.Error()

	if task.Attempts >= r.cfg.RetryMaxAttempts {
		if err := r.db.CompleteTask(ctx, task.ID, model.TaskFailed, nil, &errMsg); err != nil {
			logger.Error("fail task", "task_id", task.ID, "error", err)
			return
		}
		if err := r.broker.DeadLetter(ctx, msg, errMsg); err != nil {
			logger.Error("dead-letter task", "task_id", task.ID, "error", err)
		}
		logger.Warn("task failed permanently",
			"task_id", task.ID,
			"attempts", task.Attempts,
			"error", errMsg)
		return
	}

	delay := Backoff(task.Attempts, r.cfg.RetryBase, r.cfg.RetryCap, r.cfg.RetryJitterRatio)
	if err := r.db.RequeueTask(ctx, task.ID, errMsg, delay); err != nil {
		logger.Error("requeue task", "task_id", task.ID, "error", err)
		return
	}
	_ = r.broker.Ack(ctx, topic, msg.StreamID)
	logger.Info("task requeued",
		"task_id", task.ID,
		"attempt", task.Attempts,
		"retry_in", delay,
		"error", errMsg)
}

func (r *Runtime) settleCancelled(ctx context.Context, msg stream.Message) {
	errMsg := model.ErrCancelled.Error()
	if err := r.db.CompleteTask(ctx, msg.TaskID, model.TaskFailed, nil, &errMsg); err != nil {
		r.logger.Error("settle cancelled task", "task_id", msg.TaskID, "error", err)
		return
	}
	_ = r.broker.Ack(ctx, stream.Topic(msg.Kind), msg.StreamID)
	r.logger.Info("task cancelled", "task_id", msg.TaskID)
}

// errPartial marks a handler exit after it persisted a partial result itself
// via MarkPartial.
var errPartial = errors.New("runtime: partial result persisted")

// MarkPartial transitions a running task to partial with its result and
// returns the sentinel the handler should propagate.
func (r *Runtime) MarkPartial(ctx context.Context, task model.Task, result json.RawMessage) error {
	if err := r.db.CompleteTask(ctx, task.ID, model.TaskPartial, result, nil); err != nil {
		return fmt.Errorf("runtime: mark partial: %w", err)
	}
	return errPartial
}
