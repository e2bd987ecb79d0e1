package workflow

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "Revenue-API/internal/errors"
)

func TestRegistryExecute(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register("echo", func(_ context.Context, job Job) (*Result, error) {
		return &Result{Summary: "ok", Output: job.Payload, Records: 1}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := registry.Execute(context.Background(), Job{Type: "echo", Payload: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Summary != "ok" || result.Records != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Fatal("expected CreatedAt to be stamped")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Execute(context.Background(), Job{Type: "missing"})
	if xerrors.CodeOf(err) != CodeUnknownJobType {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if xerrors.RetryableError(err) {
		t.Fatal("unknown type must not be retryable")
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	handler := func(context.Context, Job) (*Result, error) { return &Result{}, nil }
	if err := registry.Register("dup", handler); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registry.Register("dup", handler); xerrors.CodeOf(err) != CodeHandlerExists {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegistryJobTimeout(t *testing.T) {
	registry := NewRegistry(WithJobTimeout(20 * time.Millisecond))
	registry.MustRegister("slow", func(ctx context.Context, _ Job) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &Result{}, nil
		}
	})

	_, err := registry.Execute(context.Background(), Job{Type: "slow"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
}

func TestRegistryWrapsPlainErrors(t *testing.T) {
	registry := NewRegistry()
	cause := stdErrors.New("boom")
	registry.MustRegister("boom", func(context.Context, Job) (*Result, error) {
		return nil, cause
	})

	_, err := registry.Execute(context.Background(), Job{Type: "boom"})
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("cause lost in wrapping")
	}
}

func TestRegistryTypes(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister("b", func(context.Context, Job) (*Result, error) { return &Result{}, nil })
	registry.MustRegister("a", func(context.Context, Job) (*Result, error) { return &Result{}, nil })

	types := registry.Types()
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Fatalf("unexpected types: %v", types)
	}
	if !registry.Supports("a") || registry.Supports("c") {
		t.Fatal("Supports mismatch")
	}
}
