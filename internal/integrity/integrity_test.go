package integrity

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func TestHashContentDeterministic(t *testing.T) {
	a := HashContent([]byte("purchase order approval flow"))
	b := HashContent([]byte("purchase order approval flow"))
	if a != b {
		t.Errorf("same content hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if c := HashContent([]byte("purchase order approval flow v2")); c == a {
		t.Error("different content produced identical hash")
	}
}

func TestAssertionHashFieldSensitivity(t *testing.T) {
	id := uuid.New()
	subj := uuid.New()
	obj := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	base := AssertionHash(id, model.PredPrecedes, subj, obj, at)
	if got := AssertionHash(id, model.PredTriggers, subj, obj, at); got == base {
		t.Error("predicate change did not change hash")
	}
	if got := AssertionHash(id, model.PredPrecedes, obj, subj, at); got == base {
		t.Error("swapping subject and object did not change hash")
	}
	if got := AssertionHash(id, model.PredPrecedes, subj, obj, at.Add(time.Second)); got == base {
		t.Error("asserted_at change did not change hash")
	}
}

func TestBuildMerkleRoot(t *testing.T) {
	if root := BuildMerkleRoot(nil); root != "" {
		t.Errorf("empty leaves root = %q, want empty", root)
	}

	single := []string{HashContent([]byte("only"))}
	if root := BuildMerkleRoot(single); root != single[0] {
		t.Errorf("single leaf root = %q, want the leaf itself", root)
	}

	leaves := []string{
		HashContent([]byte("a")),
		HashContent([]byte("b")),
		HashContent([]byte("c")),
	}
	sort.Strings(leaves)
	root := BuildMerkleRoot(leaves)
	if root == "" || root == leaves[0] {
		t.Errorf("unexpected root %q", root)
	}

	// Deterministic for identical input.
	if again := BuildMerkleRoot(leaves); again != root {
		t.Errorf("root not deterministic: %s vs %s", root, again)
	}

	// Any leaf change moves the root.
	leaves[1] = HashContent([]byte("b'"))
	if changed := BuildMerkleRoot(leaves); changed == root {
		t.Error("leaf change did not move the root")
	}
}
