package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
	"github.com/kmflow-ai/kmflow/internal/telemetry"
)

// Projector drains the graph outbox into the graph store. It polls on a
// ticker and additionally wakes on LISTEN/NOTIFY so deltas usually apply
// within milliseconds of their relational commit.
type Projector struct {
	db           *storage.DB
	writer       *Writer
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	wake        chan struct{}
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewProjector creates an outbox projector.
func NewProjector(db *storage.DB, writer *Writer, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Projector {
	return &Projector{
		db:           db,
		writer:       writer,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (p *Projector) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("graph projector: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.pollLoop(loopCtx)
	go p.notifyLoop(loopCtx)
}

// Wake triggers an immediate poll without waiting for the ticker.
func (p *Projector) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (p *Projector) Drain(ctx context.Context) {
	select {
	case p.drainCh <- ctx:
	default:
	}
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("graph projector: drain timed out")
	}
}

func (p *Projector) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the final poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-p.drainCh:
			default:
			}
			if drainCtx != nil {
				p.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				p.processBatch(fallbackCtx)
				cancel()
			}
			p.once.Do(func() { close(p.done) })
			return
		case <-p.wake:
		case <-ticker.C:
		}
		batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		p.processBatch(batchCtx)
		cancel()
	}
}

// notifyLoop listens for outbox NOTIFY events and converts them into wakes.
// Best-effort: if the notify connection is unavailable the ticker still
// drives progress.
func (p *Projector) notifyLoop(ctx context.Context) {
	if p.db.NotifyConn() == nil {
		return
	}
	if err := p.db.Listen(ctx, storage.ChannelOutbox); err != nil {
		p.logger.Warn("graph projector: listen failed, falling back to polling", "error", err)
		return
	}
	for {
		if _, _, err := p.db.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("graph projector: notification wait failed", "error", err)
			return
		}
		p.Wake()
	}
}

func (p *Projector) processBatch(ctx context.Context) {
	ctx, span := telemetry.Tracer("kmflow/graph").Start(ctx, "outbox.drain")
	defer span.End()

	entries, err := p.db.FetchOutbox(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("graph projector: fetch outbox", "error", err)
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("outbox.batch", len(entries)))

	var succeeded, failed []int64
	var failMsg string
	for _, e := range entries {
		if err := p.applyEntry(ctx, e); err != nil {
			// Vocabulary violations are permanent: retrying cannot fix a
			// malformed edge, so drop the entry and log loudly.
			var invalid *model.InvalidEdgeError
			if errors.As(err, &invalid) {
				p.logger.Error("graph projector: rejected edge dropped",
					"outbox_id", e.ID, "engagement_id", e.EngagementID, "error", err)
				succeeded = append(succeeded, e.ID)
				continue
			}
			p.logger.Error("graph projector: apply entry",
				"outbox_id", e.ID, "operation", e.Operation, "error", err)
			failed = append(failed, e.ID)
			failMsg = err.Error()
			continue
		}
		succeeded = append(succeeded, e.ID)
	}

	if err := p.db.SucceedOutbox(ctx, succeeded); err != nil {
		p.logger.Error("graph projector: ack entries", "error", err)
	}
	if err := p.db.FailOutbox(ctx, failed, failMsg); err != nil {
		p.logger.Error("graph projector: fail entries", "error", err)
	}
	for _, e := range entries {
		if e.Attempts+1 >= storage.MaxOutboxAttempts {
			p.logger.Warn("graph projector: dead-letter entry",
				"outbox_id", e.ID,
				"engagement_id", e.EngagementID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}

	if time.Since(p.lastCleanup) > time.Hour {
		if n, err := p.db.CleanupOutboxDeadLetters(ctx); err == nil && n > 0 {
			p.logger.Info("graph projector: cleaned dead-letter entries", "deleted", n)
		}
		p.lastCleanup = time.Now()
	}
}

func (p *Projector) applyEntry(ctx context.Context, e storage.OutboxEntry) error {
	switch e.Operation {
	case storage.OutboxMergeAssertion:
		var a model.Assertion
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return fmt.Errorf("graph projector: decode assertion: %w", err)
		}
		return p.writer.ApplyAssertion(ctx, a)

	case storage.OutboxRetractAssertion:
		var a model.Assertion
		if err := json.Unmarshal(e.Payload, &a); err != nil {
			return fmt.Errorf("graph projector: decode retraction: %w", err)
		}
		return p.writer.RetractAssertion(ctx, a)

	case storage.OutboxMergeEvidence:
		var ev struct {
			ID          uuid.UUID              `json:"id"`
			Category    model.EvidenceCategory `json:"category"`
			SourcePlane model.SourcePlane      `json:"source_plane"`
		}
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("graph projector: decode evidence: %w", err)
		}
		return p.writer.MergeEvidence(ctx, e.EngagementID, ev.ID, ev.Category, ev.SourcePlane)

	case storage.OutboxErasePrincipal:
		var payload struct {
			EvidenceIDs  []uuid.UUID `json:"evidence_ids"`
			RetractedIDs []uuid.UUID `json:"retracted_assertion_ids"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return fmt.Errorf("graph projector: decode erasure: %w", err)
		}
		return p.writer.ErasePrincipal(ctx, e.EngagementID, payload.EvidenceIDs, payload.RetractedIDs)

	default:
		return fmt.Errorf("graph projector: unknown operation %q", e.Operation)
	}
}

// registerMetrics registers observable OTEL gauges for projection health.
func (p *Projector) registerMetrics() {
	meter := telemetry.Meter("kmflow/graph")

	_, _ = meter.Int64ObservableGauge("kmflow.outbox.depth",
		metric.WithDescription("Number of pending entries in the graph outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := p.db.OutboxDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(depth)
			return nil
		}),
	)
}
