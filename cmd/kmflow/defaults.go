package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kmflow-ai/kmflow"
	"github.com/kmflow-ai/kmflow/internal/model"
)

// localBlobStore resolves blob refs as filesystem paths. Production
// deployments swap in an object-store implementation through the engine
// options; this default keeps single-node setups runnable.
type localBlobStore struct{}

func (localBlobStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "file://")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	return content, nil
}

// paragraphParser splits text content on blank lines. It performs no
// category classification, so its confidence is zero and every item waits
// for a human reviewer instead of auto-validating.
type paragraphParser struct{}

func (paragraphParser) Parse(_ context.Context, _ model.EvidenceCategory, _ string, content []byte) (kmflow.Parsed, error) {
	var frags []string
	for _, block := range strings.Split(string(content), "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			frags = append(frags, block)
		}
	}
	if len(frags) == 0 {
		return kmflow.Parsed{}, fmt.Errorf("parse: no textual content")
	}
	return kmflow.Parsed{Fragments: frags}, nil
}

// seedExtractor emits an activity candidate for every active activity seed
// term mentioned in a fragment. Deterministic and vocabulary-bound; richer
// extraction backends plug in through the engine options.
type seedExtractor struct{}

func (seedExtractor) Extract(_ context.Context, frags []model.EvidenceFragment, seeds []model.SeedTerm) ([]kmflow.Candidate, error) {
	terms := make(map[string]bool)
	for _, s := range seeds {
		if s.Status == model.SeedStatusActive && s.Category == model.SeedActivity {
			terms[strings.ToLower(strings.TrimSpace(s.Term))] = true
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	for _, f := range frags {
		text := strings.ToLower(f.Text)
		for term := range terms {
			if strings.Contains(text, term) {
				seen[term] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]kmflow.Candidate, len(names))
	for i, name := range names {
		out[i] = kmflow.Candidate{Name: name, Type: model.ElementActivity}
	}
	return out, nil
}
