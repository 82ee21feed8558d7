// Package pov assembles the consensus output into versioned, reviewable
// process models: generation, diffing, reviewer validation, and the dark
// room backlog.
package pov

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/config"
	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/scanner"
	"github.com/kmflow-ai/kmflow/internal/storage"
)

// Assembler generates POV versions.
type Assembler struct {
	db        *storage.DB
	extractor consensus.Extractor
	scanner   *scanner.Service
	engine    *consensus.Engine
	cfg       config.Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewAssembler wires the POV pipeline.
func NewAssembler(db *storage.DB, extractor consensus.Extractor, sc *scanner.Service, cfg config.Config, logger *slog.Logger) *Assembler {
	return &Assembler{
		db:        db,
		extractor: extractor,
		scanner:   sc,
		engine:    consensus.NewEngine(cfg.DependencyThreshold),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Progress is called between stages with a fraction in [0,1] and a stage
// label; the task runtime maps it onto the task row. May be nil.
type Progress func(fraction float64, stage string)

// Assemble produces the next immutable POV version for an engagement. When
// extraction fails for a subset of evidence the run proceeds with the rest
// and the version is marked partial; a seed merge cycle fails the whole run.
func (a *Assembler) Assemble(ctx context.Context, engagementID uuid.UUID, scope model.POVScope, report Progress) (model.ProcessModel, error) {
	step := func(f float64, stage string) {
		if report != nil {
			report(f, stage)
		}
	}

	items, err := a.db.ListEvidence(ctx, engagementID, storage.EvidenceFilters{
		Lifecycle: model.LifecycleActive,
	})
	if err != nil {
		return model.ProcessModel{}, err
	}
	items = filterScope(items, scope)

	seeds, err := a.db.ListSeedTerms(ctx, engagementID)
	if err != nil {
		return model.ProcessModel{}, err
	}
	step(0.1, "aggregate")

	// Extract candidates per evidence item. A failing item is skipped and
	// the run marked partial; the element set just gets thinner.
	var (
		candidates []consensus.Candidate
		partial    bool
	)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return model.ProcessModel{}, err
		}
		frags, err := a.db.FragmentsByEvidence(ctx, engagementID, item.ID)
		if err != nil {
			return model.ProcessModel{}, err
		}
		extracted, err := a.extractor.Extract(ctx, frags, seeds)
		if err != nil {
			a.logger.Warn("extraction failed, continuing partial",
				"engagement_id", engagementID,
				"evidence_id", item.ID,
				"error", err)
			partial = true
			continue
		}
		for _, c := range extracted {
			c.EvidenceID = item.ID
			c.SourcePlane = item.SourcePlane
			c.Quality = item.Quality
			c.HumanValidated = item.ValidatedBy != nil && *item.ValidatedBy != "auto"
			candidates = append(candidates, c)
		}
		step(0.1+0.3*float64(i+1)/float64(len(items)), "extract")
	}

	// The scan runs as part of generation so fresh disagreements tag the
	// elements they touch.
	if _, err := a.scanner.Scan(ctx, engagementID); err != nil {
		return model.ProcessModel{}, err
	}
	step(0.5, "scan")

	assertions, err := a.db.ListAssertions(ctx, engagementID, storage.AssertionFilters{})
	if err != nil {
		return model.ProcessModel{}, err
	}
	planes, err := a.db.ActivePlanes(ctx, engagementID)
	if err != nil {
		return model.ProcessModel{}, err
	}
	disagreements, err := a.openDisagreements(ctx, engagementID, assertions, seeds)
	if err != nil {
		return model.ProcessModel{}, err
	}
	step(0.6, "triangulate")

	out, err := a.engine.Synthesize(consensus.Input{
		EngagementID:      engagementID,
		Candidates:        candidates,
		Assertions:        live(assertions),
		SeedTerms:         seeds,
		PlanesAvailable:   len(planes),
		OpenDisagreements: disagreements,
	})
	if err != nil {
		return model.ProcessModel{}, fmt.Errorf("pov: synthesize: %w", err)
	}
	step(0.9, "synthesize")

	saved, err := a.db.InsertProcessModel(ctx, model.ProcessModel{
		ID:           uuid.New(),
		EngagementID: engagementID,
		Partial:      partial,
		Scope:        scope,
		Elements:     out.Elements,
		Edges:        out.Edges,
		GeneratedAt:  a.now(),
	})
	if err != nil {
		return model.ProcessModel{}, err
	}
	step(1.0, "persist")

	a.logger.Info("pov assembled",
		"engagement_id", engagementID,
		"version", saved.Version,
		"elements", len(saved.Elements),
		"edges", len(saved.Edges),
		"partial", partial)
	return saved, nil
}

// Get loads a POV version; version 0 means latest.
func (a *Assembler) Get(ctx context.Context, engagementID uuid.UUID, version int) (model.ProcessModel, error) {
	return a.db.GetProcessModel(ctx, engagementID, version)
}

// openDisagreements maps unresolved genuine disagreements onto the canonical
// names of the elements their assertions mention.
func (a *Assembler) openDisagreements(ctx context.Context, engagementID uuid.UUID, assertions []model.Assertion, seeds []model.SeedTerm) (map[string][]uuid.UUID, error) {
	conflicts, err := a.db.ListConflicts(ctx, engagementID, storage.ConflictFilters{
		Status: model.ConflictOpen,
	})
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, nil
	}

	canon := consensus.NewCanonicalizer(seeds)
	byID := make(map[uuid.UUID]model.Assertion, len(assertions))
	for _, as := range assertions {
		byID[as.ID] = as
	}

	out := map[string][]uuid.UUID{}
	for _, c := range conflicts {
		for _, ref := range []uuid.UUID{c.SourceARef, c.SourceBRef} {
			as, ok := byID[ref]
			if !ok {
				continue
			}
			for _, nodeRef := range []model.NodeRef{as.Subject, as.Object} {
				if nodeRef.Type != model.NodeActivity {
					continue
				}
				name, err := canon.Canonical(nodeRef.Name)
				if err != nil {
					return nil, err
				}
				if !containsUUID(out[name], c.ID) {
					out[name] = append(out[name], c.ID)
				}
			}
		}
	}
	return out, nil
}

// filterScope keeps evidence inside the scope's date window. An empty scope
// passes everything through.
func filterScope(items []model.EvidenceItem, scope model.POVScope) []model.EvidenceItem {
	if scope.From == nil && scope.To == nil {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if scope.From != nil && item.CreatedAt.Before(*scope.From) {
			continue
		}
		if scope.To != nil && item.CreatedAt.After(*scope.To) {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

func live(assertions []model.Assertion) []model.Assertion {
	kept := assertions[:0]
	for _, a := range assertions {
		if a.RetractedAt == nil {
			kept = append(kept, a)
		}
	}
	return kept
}

func containsUUID(s []uuid.UUID, id uuid.UUID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}
