// Package kmflow is the core synthesis engine for evidence-first process
// intelligence: evidence ingestion with quality scoring, a typed knowledge
// graph with a controlled edge vocabulary, consistency scanning with
// three-way conflict classification, lowest-common-denominator consensus,
// and versioned point-of-view process models.
//
// The Engine is the single entry point. It owns the Postgres system of
// record, the Neo4j graph projection (kept consistent through a
// transactional outbox), the Qdrant similarity index, and the Redis-backed
// task runtime. Collaborators the engine cannot supply itself (blob store,
// parser, extractor) arrive through options.
package kmflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/config"
	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/embedding"
	"github.com/kmflow-ai/kmflow/internal/graph"
	"github.com/kmflow-ai/kmflow/internal/ingest"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/pov"
	"github.com/kmflow-ai/kmflow/internal/runtime"
	"github.com/kmflow-ai/kmflow/internal/scanner"
	"github.com/kmflow-ai/kmflow/internal/storage"
	"github.com/kmflow-ai/kmflow/internal/stream"
	"github.com/kmflow-ai/kmflow/migrations"
)

// Re-exported collaborator and payload types so callers outside the module
// can use the engine without reaching into internal packages.
type (
	Config = config.Config

	BlobStore = ingest.BlobStore
	Parser    = ingest.Parser
	Parsed    = ingest.Parsed
	Extractor = consensus.Extractor
	Candidate = consensus.Candidate

	IngestRequest = ingest.Request
	Decision      = ingest.Decision

	Review         = pov.Review
	ReviewDecision = pov.ReviewDecision

	Engagement     = model.Engagement
	SeedTerm       = model.SeedTerm
	EvidenceItem   = model.EvidenceItem
	Assertion      = model.Assertion
	ConflictObject = model.ConflictObject
	ProcessModel   = model.ProcessModel
	ProcessElement = model.ProcessElement
	POVScope       = model.POVScope
	Diff           = model.Diff
	Task           = model.Task
	TaskKind       = model.TaskKind

	EvidenceFilters  = storage.EvidenceFilters
	AssertionFilters = storage.AssertionFilters
	ConflictFilters  = storage.ConflictFilters
	ErasureReport    = storage.ErasureReport
	ReconcileReport  = graph.Report
)

const (
	DecisionApprove = ingest.DecisionApprove
	DecisionReject  = ingest.DecisionReject

	ReviewConfirm = pov.ReviewConfirm
	ReviewCorrect = pov.ReviewCorrect
	ReviewReject  = pov.ReviewReject
	ReviewDefer   = pov.ReviewDefer
)

// LoadConfig reads engine configuration from the environment.
func LoadConfig() (Config, error) {
	return config.Load()
}

// Engine wires the full synthesis pipeline.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	db         *storage.DB
	graphStore *graph.Store
	writer     *graph.Writer
	projector  *graph.Projector
	reconciler *graph.Reconciler
	index      *vectorIndex
	broker     *stream.Broker
	tasks      *runtime.Runtime

	ingest    *ingest.Service
	scanner   *scanner.Service
	assembler *pov.Assembler
}

// New builds an engine: connects every backing store, runs migrations,
// ensures graph constraints and the vector collection, and registers the
// task handlers. Start must be called before submitted tasks execute.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.blobs == nil {
		return nil, fmt.Errorf("kmflow: a blob store is required (WithBlobStore)")
	}
	if o.parser == nil {
		return nil, fmt.Errorf("kmflow: a parser is required (WithParser)")
	}
	if o.extractor == nil {
		return nil, fmt.Errorf("kmflow: an extractor is required (WithExtractor)")
	}
	logger := o.logger

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, err
	}

	graphStore, err := graph.NewStore(ctx, cfg.GraphURI, cfg.GraphUser, cfg.GraphPassword, logger)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	if err := graphStore.EnsureConstraints(ctx); err != nil {
		_ = graphStore.Close(ctx)
		db.Close(ctx)
		return nil, err
	}
	writer := graph.NewWriter(graphStore)

	index, err := openVectorIndex(ctx, cfg, logger)
	if err != nil {
		_ = graphStore.Close(ctx)
		db.Close(ctx)
		return nil, err
	}

	broker, err := stream.NewBroker(cfg.RedisURL, "kmflow-workers", consumerName(), cfg.StreamBlock, cfg.StreamClaimIdle, logger)
	if err != nil {
		index.close()
		_ = graphStore.Close(ctx)
		db.Close(ctx)
		return nil, err
	}

	var embedder embedding.Provider
	switch cfg.EmbeddingProvider {
	case "ollama":
		embedder = embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	default:
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}

	eng := &Engine{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		graphStore: graphStore,
		writer:     writer,
		projector:  graph.NewProjector(db, writer, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize),
		reconciler: graph.NewReconciler(db, writer, logger),
		index:      index,
		broker:     broker,
	}
	eng.ingest = ingest.NewService(db, o.blobs, o.parser, embedder, index.idx, cfg, logger)
	eng.scanner = scanner.New(db, cfg, logger)
	eng.assembler = pov.NewAssembler(db, o.extractor, eng.scanner, cfg, logger)
	eng.tasks = runtime.New(db, broker, eng.registerHandlers(), cfg, logger)
	return eng, nil
}

// Start launches the outbox projector and the task runtime.
func (e *Engine) Start(ctx context.Context) error {
	e.projector.Start(ctx)
	return e.tasks.Start(ctx)
}

// Shutdown stops the loops, drains the outbox, and closes every connection.
func (e *Engine) Shutdown(ctx context.Context) {
	e.tasks.Stop()
	e.projector.Drain(ctx)
	_ = e.broker.Close()
	e.index.close()
	if err := e.graphStore.Close(ctx); err != nil {
		e.logger.Warn("close graph store", "error", err)
	}
	e.db.Close(ctx)
}

// --- Engagements and seed vocabulary ---

// CreateEngagement opens a new tenancy boundary.
func (e *Engine) CreateEngagement(ctx context.Context, eng model.Engagement) (uuid.UUID, error) {
	return e.db.CreateEngagement(ctx, eng)
}

// GetEngagement loads an engagement.
func (e *Engine) GetEngagement(ctx context.Context, id uuid.UUID) (model.Engagement, error) {
	return e.db.GetEngagement(ctx, id)
}

// CloseEngagement marks an engagement closed; its data stays for the audit
// trail.
func (e *Engine) CloseEngagement(ctx context.Context, id uuid.UUID) error {
	return e.db.CloseEngagement(ctx, id)
}

// CreateSeedTerm adds a vocabulary entry.
func (e *Engine) CreateSeedTerm(ctx context.Context, t model.SeedTerm) (uuid.UUID, error) {
	return e.db.CreateSeedTerm(ctx, t)
}

// MergeSeedTerm folds one term into another; existing mentions resolve
// through the merge chain at canonicalization time.
func (e *Engine) MergeSeedTerm(ctx context.Context, engagementID, id, into uuid.UUID) error {
	return e.db.MergeSeedTerm(ctx, engagementID, id, into)
}

// DeprecateSeedTerm retires a term without rewriting history.
func (e *Engine) DeprecateSeedTerm(ctx context.Context, engagementID, id uuid.UUID) error {
	return e.db.DeprecateSeedTerm(ctx, engagementID, id)
}

// ListSeedTerms returns the engagement's vocabulary, all statuses.
func (e *Engine) ListSeedTerms(ctx context.Context, engagementID uuid.UUID) ([]model.SeedTerm, error) {
	return e.db.ListSeedTerms(ctx, engagementID)
}

// --- Evidence ---

// IngestEvidence queues an async ingest run and returns the task id. Poll
// the task for the evidence id; duplicates settle successfully with the
// existing item's id in the result.
func (e *Engine) IngestEvidence(ctx context.Context, engagementID uuid.UUID, req IngestRequest) (uuid.UUID, error) {
	payload, err := json.Marshal(ingestTaskPayload{
		Category:     req.Category,
		Format:       req.Format,
		BlobRef:      req.BlobRef,
		DeclaredHash: req.DeclaredHash,
		Principal:    req.Principal,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("kmflow: encode ingest payload: %w", err)
	}
	return e.tasks.Submit(ctx, model.TaskIngest, engagementID, payload)
}

// ValidateEvidence applies a reviewer decision to an evidence item.
func (e *Engine) ValidateEvidence(ctx context.Context, engagementID, evidenceID uuid.UUID, decision Decision, reviewer string) error {
	return e.ingest.Validate(ctx, engagementID, evidenceID, decision, reviewer)
}

// GetEvidence loads one evidence item.
func (e *Engine) GetEvidence(ctx context.Context, engagementID, id uuid.UUID) (model.EvidenceItem, error) {
	return e.db.GetEvidence(ctx, engagementID, id)
}

// ListEvidence lists evidence matching the filters.
func (e *Engine) ListEvidence(ctx context.Context, engagementID uuid.UUID, f EvidenceFilters) ([]model.EvidenceItem, error) {
	return e.db.ListEvidence(ctx, engagementID, f)
}

// ExpireEvidence queues a freshness sweep that moves stale ACTIVE items to
// EXPIRED.
func (e *Engine) ExpireEvidence(ctx context.Context, engagementID uuid.UUID) (uuid.UUID, error) {
	return e.tasks.Submit(ctx, model.TaskExpire, engagementID, nil)
}

// --- Knowledge graph ---

// WriteAssertion validates a claim against the edge vocabulary and persists
// it; the graph projection follows through the outbox.
func (e *Engine) WriteAssertion(ctx context.Context, a model.Assertion) (uuid.UUID, error) {
	if err := graph.ValidateEdge(a); err != nil {
		return uuid.Nil, err
	}
	return e.db.InsertAssertion(ctx, a)
}

// RetractAssertion retracts a claim without deleting it.
func (e *Engine) RetractAssertion(ctx context.Context, engagementID, id uuid.UUID) error {
	return e.db.RetractAssertion(ctx, engagementID, id)
}

// ListAssertions lists assertions matching the filters.
func (e *Engine) ListAssertions(ctx context.Context, engagementID uuid.UUID, f AssertionFilters) ([]model.Assertion, error) {
	return e.db.ListAssertions(ctx, engagementID, f)
}

// --- Consistency scanning and conflicts ---

// Scan queues an on-demand consistency scan.
func (e *Engine) Scan(ctx context.Context, engagementID uuid.UUID) (uuid.UUID, error) {
	return e.tasks.Submit(ctx, model.TaskScan, engagementID, nil)
}

// ListConflicts lists conflict objects matching the filters.
func (e *Engine) ListConflicts(ctx context.Context, engagementID uuid.UUID, f ConflictFilters) ([]model.ConflictObject, error) {
	return e.db.ListConflicts(ctx, engagementID, f)
}

// AssignConflict hands an open conflict to a reviewer.
func (e *Engine) AssignConflict(ctx context.Context, engagementID, id uuid.UUID, assignee string) error {
	return e.db.AssignConflict(ctx, engagementID, id, assignee)
}

// ResolveConflict records a human resolution for a conflict and applies its
// side effects: a VARIANT_OF edge for naming variants, supersession
// bookkeeping for temporal shifts, and a CONTRADICTS edge plus quality
// penalty for genuine disagreements. A large enough quality shift queues a
// POV regeneration.
func (e *Engine) ResolveConflict(ctx context.Context, engagementID, id uuid.UUID, resolution model.ResolutionType, details string) error {
	c, err := e.db.GetConflict(ctx, engagementID, id)
	if err != nil {
		return err
	}
	if err := e.db.ResolveConflict(ctx, engagementID, id, resolution, details); err != nil {
		return err
	}
	return e.applyResolution(ctx, engagementID, c, resolution)
}

// --- POV ---

// GeneratePOV queues assembly of the next POV version. Generation is heavy:
// it counts against the engagement's task semaphore and runs under the POV
// stage timeout.
func (e *Engine) GeneratePOV(ctx context.Context, engagementID uuid.UUID, scope POVScope) (uuid.UUID, error) {
	payload, err := json.Marshal(povTaskPayload{Scope: scope})
	if err != nil {
		return uuid.Nil, fmt.Errorf("kmflow: encode pov payload: %w", err)
	}
	return e.tasks.Submit(ctx, model.TaskPOVGenerate, engagementID, payload)
}

// GetPOV loads a POV version; 0 means latest.
func (e *Engine) GetPOV(ctx context.Context, engagementID uuid.UUID, version int) (model.ProcessModel, error) {
	return e.assembler.Get(ctx, engagementID, version)
}

// DiffPOV compares two POV versions by element identity, not by regenerated
// ids.
func (e *Engine) DiffPOV(ctx context.Context, engagementID uuid.UUID, fromVersion, toVersion int) (model.Diff, error) {
	from, err := e.assembler.Get(ctx, engagementID, fromVersion)
	if err != nil {
		return model.Diff{}, err
	}
	to, err := e.assembler.Get(ctx, engagementID, toVersion)
	if err != nil {
		return model.Diff{}, err
	}
	return pov.DiffModels(from, to), nil
}

// ReviewElement applies a reviewer decision to a POV element.
func (e *Engine) ReviewElement(ctx context.Context, engagementID uuid.UUID, r Review) error {
	return e.assembler.Validate(ctx, engagementID, r)
}

// DarkRoom returns the unreviewed dark elements of the latest POV version.
func (e *Engine) DarkRoom(ctx context.Context, engagementID uuid.UUID) ([]model.ProcessElement, error) {
	return e.assembler.DarkRoom(ctx, engagementID)
}

// --- Compliance and operations ---

// ErasePrincipal queues a GDPR erasure run for a data subject.
func (e *Engine) ErasePrincipal(ctx context.Context, engagementID uuid.UUID, principal, reason string) (uuid.UUID, error) {
	payload, err := json.Marshal(erasureTaskPayload{Principal: principal, Reason: reason})
	if err != nil {
		return uuid.Nil, fmt.Errorf("kmflow: encode erasure payload: %w", err)
	}
	return e.tasks.Submit(ctx, model.TaskErasure, engagementID, payload)
}

// Reconcile queues a dual-store reconciliation pass for an engagement.
func (e *Engine) Reconcile(ctx context.Context, engagementID uuid.UUID) (uuid.UUID, error) {
	return e.tasks.Submit(ctx, model.TaskReconcile, engagementID, nil)
}

// PollTask reads a task's current state.
func (e *Engine) PollTask(ctx context.Context, taskID uuid.UUID) (model.Task, error) {
	return e.tasks.Poll(ctx, taskID)
}

// CancelTask requests cooperative cancellation of a queued or running task.
func (e *Engine) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return e.tasks.Cancel(ctx, taskID)
}

// IntegrityProof creates and returns a fresh audit-chain integrity proof.
func (e *Engine) IntegrityProof(ctx context.Context, engagementID uuid.UUID) (storage.IntegrityProof, error) {
	return e.db.CreateIntegrityProof(ctx, engagementID)
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "kmflow"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
