package kmflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/ingest"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/pov"
	"github.com/kmflow-ai/kmflow/internal/runtime"
)

// ingestTaskPayload carries an ingest request through the task queue. The
// engagement id lives on the task row, not in the payload.
type ingestTaskPayload struct {
	Category     model.EvidenceCategory `json:"category"`
	Format       string                 `json:"format"`
	BlobRef      string                 `json:"blob_ref"`
	DeclaredHash string                 `json:"declared_hash,omitempty"`
	Principal    *string                `json:"principal,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
}

type povTaskPayload struct {
	Scope model.POVScope `json:"scope"`
}

type erasureTaskPayload struct {
	Principal string `json:"principal"`
	Reason    string `json:"reason"`
}

// registerHandlers binds every task kind to its handler and stage timeout.
func (e *Engine) registerHandlers() *runtime.Registry {
	reg := runtime.NewRegistry()
	reg.Register(model.TaskIngest, runtime.Registration{
		Handler: e.handleIngest,
		Timeout: e.cfg.IngestStageTimeout,
	})
	reg.Register(model.TaskPOVGenerate, runtime.Registration{
		Handler: e.handlePOVGenerate,
		Timeout: e.cfg.POVTimeout,
		Heavy:   true,
	})
	reg.Register(model.TaskScan, runtime.Registration{
		Handler: e.handleScan,
		Timeout: e.cfg.ScanTimeout,
	})
	reg.Register(model.TaskErasure, runtime.Registration{
		Handler: e.handleErasure,
		Timeout: e.cfg.IngestStageTimeout,
	})
	reg.Register(model.TaskReconcile, runtime.Registration{
		Handler: e.handleReconcile,
		Timeout: e.cfg.ScanTimeout,
	})
	reg.Register(model.TaskExpire, runtime.Registration{
		Handler: e.handleExpire,
		Timeout: e.cfg.IngestStageTimeout,
	})
	return reg
}

func (e *Engine) handleIngest(ctx context.Context, task model.Task, report runtime.Progress) (json.RawMessage, error) {
	var p ingestTaskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("kmflow: decode ingest payload: %w", err)
	}
	report(0.1, "fetch")

	id, err := e.ingest.Ingest(ctx, ingest.Request{
		EngagementID: task.EngagementID,
		Category:     p.Category,
		Format:       p.Format,
		BlobRef:      p.BlobRef,
		DeclaredHash: p.DeclaredHash,
		Principal:    p.Principal,
		Metadata:     p.Metadata,
	})
	if errors.Is(err, model.ErrDuplicateIgnored) {
		// Re-submission of identical content settles successfully with the
		// existing item's id.
		return json.Marshal(struct {
			EvidenceID uuid.UUID `json:"evidence_id"`
			Duplicate  bool      `json:"duplicate"`
		}{id, true})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		EvidenceID uuid.UUID `json:"evidence_id"`
	}{id})
}

func (e *Engine) handlePOVGenerate(ctx context.Context, task model.Task, report runtime.Progress) (json.RawMessage, error) {
	var p povTaskPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("kmflow: decode pov payload: %w", err)
		}
	}
	m, err := e.assembler.Assemble(ctx, task.EngagementID, p.Scope, pov.Progress(report))
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ModelID  uuid.UUID `json:"model_id"`
		Version  int       `json:"version"`
		Partial  bool      `json:"partial"`
		Elements int       `json:"elements"`
		Edges    int       `json:"edges"`
	}{m.ID, m.Version, m.Partial, len(m.Elements), len(m.Edges)})
}

func (e *Engine) handleScan(ctx context.Context, task model.Task, report runtime.Progress) (json.RawMessage, error) {
	report(0.1, "scan")
	ids, err := e.scanner.Scan(ctx, task.EngagementID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Conflicts int `json:"conflicts"`
	}{len(ids)})
}

func (e *Engine) handleErasure(ctx context.Context, task model.Task, report runtime.Progress) (json.RawMessage, error) {
	var p erasureTaskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("kmflow: decode erasure payload: %w", err)
	}
	report(0.1, "erase")

	rep, err := e.db.ErasePrincipal(ctx, task.EngagementID, p.Principal, p.Reason)
	if err != nil {
		return nil, err
	}
	// The graph purge rides the outbox; the vector purge is direct and
	// best-effort since the index is re-derivable.
	if e.index.idx != nil && len(rep.EvidenceIDs) > 0 {
		if err := e.index.idx.DeleteByEvidence(ctx, task.EngagementID, rep.EvidenceIDs); err != nil {
			e.logger.Warn("erasure: vector purge failed",
				"engagement_id", task.EngagementID, "error", err)
		}
	}
	report(0.9, "purge")
	return json.Marshal(rep)
}

func (e *Engine) handleReconcile(ctx context.Context, task model.Task, _ runtime.Progress) (json.RawMessage, error) {
	rep, err := e.reconciler.Reconcile(ctx, task.EngagementID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rep)
}

func (e *Engine) handleExpire(ctx context.Context, task model.Task, _ runtime.Progress) (json.RawMessage, error) {
	ids, err := e.ingest.ExpireDue(ctx, task.EngagementID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Expired []uuid.UUID `json:"expired"`
	}{ids})
}
