package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "mxbai-embed-large" {
			t.Errorf("model = %q, want mxbai-embed-large", req.Model)
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: []float32{0.1, 0.2, 0.3},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 3)
	vec, err := p.Embed(context.Background(), "review purchase order")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if got := len(vec.Slice()); got != 3 {
		t.Errorf("embedding dims = %d, want 3", got)
	}
}

func TestOllamaEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "missing-model", 3)
	if _, err := p.Embed(context.Background(), "text"); err == nil {
		t.Fatal("Embed() should fail on server error")
	}
}

func TestOllamaEmbedBatchOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		// Encode the text length so order is observable in the output.
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embedding: []float32{float32(len(req.Prompt))},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 1)
	texts := []string{"a", "bb", "ccc", "dddd"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if got := v.Slice()[0]; got != float32(len(texts[i])) {
			t.Errorf("vecs[%d] = %v, want %v", i, got, float32(len(texts[i])))
		}
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(4)
	vec, err := p.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if got := len(vec.Slice()); got != 4 {
		t.Errorf("dims = %d, want 4", got)
	}
	for _, f := range vec.Slice() {
		if f != 0 {
			t.Errorf("noop embedding should be zero, got %v", f)
		}
	}
}
