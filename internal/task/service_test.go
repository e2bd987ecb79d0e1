package task

import (
	"context"
	"errors"
	"testing"

	xerrors "Revenue-API/internal/errors"
	"Revenue-API/internal/workflow"
)

// failingProducer 模拟队列后端不可用。
type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return errors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

func newTestRegistry(t *testing.T) *workflow.Registry {
	t.Helper()
	registry := workflow.NewRegistry()
	registry.MustRegister("revenue.record", func(context.Context, workflow.Job) (*workflow.Result, error) {
		return &workflow.Result{}, nil
	})
	return registry
}

func TestServiceSubmitValidatesType(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, newTestRegistry(t), 3)
	ctx := context.Background()

	if _, err := service.Submit(ctx, workflow.Job{}); !IsTaskError(err, CodeTaskValidation) && err == nil {
		t.Fatal("expected validation error for empty type")
	}
	if _, err := service.Submit(ctx, workflow.Job{Type: "unknown.type"}); err == nil {
		t.Fatal("expected validation error for unregistered type")
	}
	if _, err := service.Submit(ctx, workflow.Job{Type: "revenue.record"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, newTestRegistry(t), 3)
	ctx := context.Background()

	first, err := service.Submit(ctx, workflow.Job{ID: "client-1", Type: "revenue.record"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, workflow.Job{ID: "client-1", Type: "revenue.record"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same task, got %s and %s", first.ID, second.ID)
	}

	// 第二次提交不应再次入队。
	drained := 0
	for {
		select {
		case <-queue.ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained != 1 {
		t.Fatalf("expected exactly one queued task, got %d", drained)
	}
}

func TestServiceSubmitMarksTaskFailedOnPublishError(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, newTestRegistry(t), 3)
	ctx := context.Background()

	_, err := service.Submit(ctx, workflow.Job{ID: "doomed", Type: "revenue.record"})
	if err == nil {
		t.Fatal("expected publish failure")
	}
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected %s, got %v", CodeTaskPublish, err)
	}

	// 投递失败的任务要落成终态失败，避免悬挂在 pending。
	stored, getErr := store.Get(ctx, "doomed")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
	if stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected error code %s", stored.ErrorCode)
	}
}

func TestServiceStats(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, newTestRegistry(t), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := service.Submit(ctx, workflow.Job{Type: "revenue.record"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
