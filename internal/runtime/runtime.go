package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/config"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
	"github.com/kmflow-ai/kmflow/internal/stream"
)

const (
	pumpBatchSize    = 64
	pumpPollInterval = time.Second

	// stuckRequeueAfter requeues running tasks whose worker died without
	// acking. Longer than the longest stage timeout so live work is never
	// stolen.
	stuckRequeueAfter = 5 * time.Hour
)

// Runtime owns task submission, the stream pump, and the worker pool.
type Runtime struct {
	db       *storage.DB
	broker   *stream.Broker
	registry *Registry
	limiter  *engagementLimiter
	cfg      config.Config
	logger   *slog.Logger

	cancelLoops context.CancelFunc
	wg          sync.WaitGroup
	pumpWake    chan struct{}
}

// New creates a runtime over the given broker and handler registry.
func New(db *storage.DB, broker *stream.Broker, registry *Registry, cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		db:       db,
		broker:   broker,
		registry: registry,
		limiter:  newEngagementLimiter(cfg.SemaphorePerEngagement),
		cfg:      cfg,
		logger:   logger,
		pumpWake: make(chan struct{}, 1),
	}
}

// Submit persists a task row and returns its id. The stream message is
// published by the pump after commit, so a crash between the two loses
// nothing: the row is durable and the pump retries.
func (r *Runtime) Submit(ctx context.Context, kind model.TaskKind, engagementID uuid.UUID, payload json.RawMessage) (uuid.UUID, error) {
	if _, ok := r.registry.Lookup(kind); !ok {
		return uuid.Nil, fmt.Errorf("runtime: no handler registered for %s", kind)
	}
	id, err := r.db.CreateTask(ctx, model.Task{
		Kind:         kind,
		EngagementID: engagementID,
		Payload:      payload,
	})
	if err != nil {
		return uuid.Nil, err
	}
	r.wakePump()
	return id, nil
}

// Poll reads a task's current state.
func (r *Runtime) Poll(ctx context.Context, taskID uuid.UUID) (model.Task, error) {
	return r.db.GetTask(ctx, taskID)
}

// Cancel sets the cooperative cancel flag. Workers observe it between
// stages; there is no preemptive kill.
func (r *Runtime) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return r.db.RequestTaskCancel(ctx, taskID)
}

// Start launches the pump, the notify listener, and the per-topic workers.
func (r *Runtime) Start(ctx context.Context) error {
	for _, kind := range r.registry.Kinds() {
		if err := r.broker.EnsureGroup(ctx, stream.Topic(kind)); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancelLoops = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.pumpLoop(loopCtx)
	}()
	go func() {
		defer r.wg.Done()
		r.notifyLoop(loopCtx)
	}()

	for _, kind := range r.registry.Kinds() {
		for i := 0; i < r.cfg.WorkersPerTopic; i++ {
			r.wg.Add(1)
			go func(kind model.TaskKind, n int) {
				defer r.wg.Done()
				r.workerLoop(loopCtx, kind, n)
			}(kind, i)
		}
	}

	r.logger.Info("task runtime started",
		"kinds", len(r.registry.Kinds()),
		"workers_per_topic", r.cfg.WorkersPerTopic)
	return nil
}

// Stop cancels the loops and waits for in-flight work to finish its current
// stage.
func (r *Runtime) Stop() {
	if r.cancelLoops != nil {
		r.cancelLoops()
	}
	r.wg.Wait()
}

func (r *Runtime) wakePump() {
	select {
	case r.pumpWake <- struct{}{}:
	default:
	}
}

// pumpLoop publishes trigger messages for queued, unenqueued tasks. It also
// sweeps tasks stuck in running from dead workers.
func (r *Runtime) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(pumpPollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pumpWake:
		case <-ticker.C:
		case <-sweep.C:
			r.requeueStuck(ctx)
			continue
		}
		r.pumpOnce(ctx)
	}
}

func (r *Runtime) pumpOnce(ctx context.Context) {
	for {
		tasks, err := r.db.FetchUnenqueuedTasks(ctx, pumpBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("fetch unenqueued tasks", "error", err)
			}
			return
		}
		if len(tasks) == 0 {
			return
		}

		var published []uuid.UUID
		for _, t := range tasks {
			err := r.broker.Publish(ctx, stream.Message{
				TaskID:       t.ID,
				Kind:         t.Kind,
				EngagementID: t.EngagementID,
			})
			if err != nil {
				// Leave the row unenqueued; the lease expires and the pump
				// retries.
				r.logger.Error("publish task trigger", "task_id", t.ID, "error", err)
				continue
			}
			published = append(published, t.ID)
		}
		if err := r.db.MarkTasksEnqueued(ctx, published); err != nil {
			// Worst case the pump republishes; ClaimTask collapses the
			// duplicate delivery.
			r.logger.Error("mark tasks enqueued", "error", err)
		}
		if len(tasks) < pumpBatchSize {
			return
		}
	}
}

// notifyLoop wakes the pump on task-insert NOTIFYs so submission-to-publish
// latency is not bounded by the poll tick.
func (r *Runtime) notifyLoop(ctx context.Context) {
	if err := r.db.Listen(ctx, storage.ChannelTasks); err != nil {
		r.logger.Warn("listen for task notifications, falling back to polling", "error", err)
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := r.db.WaitForNotification(ctx); err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("task notification wait failed, falling back to polling", "error", err)
			}
			return
		}
		r.wakePump()
	}
}

func (r *Runtime) requeueStuck(ctx context.Context) {
	ids, err := r.db.StuckRunningTasks(ctx, stuckRequeueAfter)
	if err != nil {
		r.logger.Error("find stuck tasks", "error", err)
		return
	}
	for _, id := range ids {
		if err := r.db.RequeueTask(ctx, id, "worker lost", 0); err != nil {
			r.logger.Error("requeue stuck task", "task_id", id, "error", err)
			continue
		}
		r.logger.Warn("requeued stuck task", "task_id", id)
	}
}
