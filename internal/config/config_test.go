package config

import (
	"testing"
	"time"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.RetryMaxAttempts != 5 {
		t.Errorf("RetryMaxAttempts = %d, want 5", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBase != time.Second {
		t.Errorf("RetryBase = %v, want 1s", cfg.RetryBase)
	}
	if cfg.RetryCap != 5*time.Minute {
		t.Errorf("RetryCap = %v, want 5m", cfg.RetryCap)
	}
	if cfg.MinViableConfidence != 0.40 {
		t.Errorf("MinViableConfidence = %v, want 0.40", cfg.MinViableConfidence)
	}
	if cfg.SemaphorePerEngagement != 4 {
		t.Errorf("SemaphorePerEngagement = %d, want 4", cfg.SemaphorePerEngagement)
	}
	if cfg.DependencyThreshold != 0.1 {
		t.Errorf("DependencyThreshold = %v, want 0.1", cfg.DependencyThreshold)
	}
}

func TestHalfLifeTable(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := map[model.EvidenceCategory]float64{
		model.CategoryRegulatory:     365,
		model.CategoryProcessDocs:    180,
		model.CategoryCommunications: 30,
		model.CategoryTickets:        90, // default bucket
	}
	for cat, days := range want {
		if got := cfg.FreshnessHalfLifeDays[cat]; got != days {
			t.Errorf("half-life[%s] = %v, want %v", cat, got, days)
		}
	}
	// Every taxonomy category has an entry.
	for _, c := range model.Categories {
		if _, ok := cfg.FreshnessHalfLifeDays[c]; !ok {
			t.Errorf("half-life table missing category %s", c)
		}
	}
}

func TestHalfLifeOverride(t *testing.T) {
	t.Setenv("KMFLOW_FRESHNESS_HALF_LIFE", "communications=45,tickets=7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.FreshnessHalfLifeDays[model.CategoryCommunications]; got != 45 {
		t.Errorf("override half-life[communications] = %v, want 45", got)
	}
	if got := cfg.FreshnessHalfLifeDays[model.CategoryTickets]; got != 7 {
		t.Errorf("override half-life[tickets] = %v, want 7", got)
	}
}

func TestHalfLifeOverrideMalformed(t *testing.T) {
	t.Setenv("KMFLOW_FRESHNESS_HALF_LIFE", "communications")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with malformed half-life should fail")
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero embedding dims", func(c *Config) { c.EmbeddingDimensions = 0 }},
		{"zero retry attempts", func(c *Config) { c.RetryMaxAttempts = 0 }},
		{"jitter out of range", func(c *Config) { c.RetryJitterRatio = 1.0 }},
		{"zero semaphore", func(c *Config) { c.SemaphorePerEngagement = 0 }},
		{"mvc out of range", func(c *Config) { c.MinViableConfidence = 1.5 }},
		{"bad residency", func(c *Config) { c.DataResidency = "mars" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
