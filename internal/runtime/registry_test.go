package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func noopHandler(context.Context, model.Task, Progress) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.TaskScan, Registration{Handler: noopHandler, Timeout: 30 * time.Minute})

	r, ok := reg.Lookup(model.TaskScan)
	if !ok {
		t.Fatal("registered kind not found")
	}
	if r.Timeout != 30*time.Minute {
		t.Errorf("timeout = %v, want 30m", r.Timeout)
	}
	if _, ok := reg.Lookup(model.TaskErasure); ok {
		t.Error("unregistered kind found")
	}
}

func TestRegistryDoubleRegisterPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.TaskIngest, Registration{Handler: noopHandler})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double register")
		}
	}()
	reg.Register(model.TaskIngest, Registration{Handler: noopHandler})
}

func TestRegistryNilHandlerPanics(t *testing.T) {
	reg := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil handler")
		}
	}()
	reg.Register(model.TaskIngest, Registration{})
}

func TestRegistryKindsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.TaskScan, Registration{Handler: noopHandler})
	reg.Register(model.TaskIngest, Registration{Handler: noopHandler})
	reg.Register(model.TaskErasure, Registration{Handler: noopHandler})

	kinds := reg.Kinds()
	want := []model.TaskKind{model.TaskScan, model.TaskErasure, model.TaskIngest}
	if len(kinds) != len(want) {
		t.Fatalf("got %d kinds, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}
