package consensus

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func seedTerm(term string, status model.SeedTermStatus, mergedInto *uuid.UUID) model.SeedTerm {
	return model.SeedTerm{
		ID:         uuid.New(),
		Term:       term,
		Category:   model.SeedActivity,
		Source:     model.SeedSourceConsultant,
		Status:     status,
		MergedInto: mergedInto,
	}
}

func TestCanonicalMergeChain(t *testing.T) {
	canonical := seedTerm("approve invoice", model.SeedStatusActive, nil)
	middle := seedTerm("invoice approval", model.SeedStatusMerged, &canonical.ID)
	leaf := seedTerm("Invoice Sign-Off", model.SeedStatusMerged, &middle.ID)

	c := NewCanonicalizer([]model.SeedTerm{canonical, middle, leaf})

	// Two hops through the chain, with case folding on the way in.
	got, err := c.Canonical("  INVOICE SIGN-OFF ")
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	if got != "approve invoice" {
		t.Errorf("Canonical() = %q, want %q", got, "approve invoice")
	}

	same, err := c.SameCanonical("invoice approval", "Approve Invoice")
	if err != nil {
		t.Fatalf("SameCanonical() error: %v", err)
	}
	if !same {
		t.Error("merged term and canonical term should resolve the same")
	}
}

func TestCanonicalUnknownNamePassesThrough(t *testing.T) {
	c := NewCanonicalizer(nil)
	got, err := c.Canonical("  Ship Goods ")
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	if got != "ship goods" {
		t.Errorf("Canonical() = %q, want normalized pass-through", got)
	}
}

func TestCanonicalCycle(t *testing.T) {
	a := seedTerm("term a", model.SeedStatusMerged, nil)
	b := seedTerm("term b", model.SeedStatusMerged, &a.ID)
	a.MergedInto = &b.ID

	c := NewCanonicalizer([]model.SeedTerm{a, b})
	if _, err := c.Canonical("term a"); !errors.Is(err, model.ErrSeedCycle) {
		t.Errorf("Canonical() error = %v, want ErrSeedCycle", err)
	}
}

func TestActiveTermsExcludesMergedAndDeprecated(t *testing.T) {
	active := seedTerm("post payment", model.SeedStatusActive, nil)
	merged := seedTerm("payment posting", model.SeedStatusMerged, &active.ID)
	deprecated := seedTerm("legacy step", model.SeedStatusDeprecated, nil)

	c := NewCanonicalizer([]model.SeedTerm{active, merged, deprecated})
	terms := c.ActiveTerms()
	if len(terms) != 1 || terms[0] != "post payment" {
		t.Errorf("ActiveTerms() = %v, want [post payment]", terms)
	}
}
