package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Revenue-API/internal/errors"
	"Revenue-API/internal/workflow"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fail      error
}

func (f *fakeExecutor) Execute(ctx context.Context, job workflow.Job) (*workflow.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	f.processed.Add(1)
	return &workflow.Result{Summary: "ok", Records: 1}, nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, nil, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		job := workflow.Job{
			Type:    "revenue.record",
			Payload: map[string]any{"account": fmt.Sprintf("acct-%d", i)},
		}
		if _, err := service.Submit(ctx, job); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// flakyExecutor 先失败 failures 次，之后按成功返回。
type flakyExecutor struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyExecutor) Execute(ctx context.Context, job workflow.Job) (*workflow.Result, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return &workflow.Result{Summary: "ok", Records: 1}, nil
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &flakyExecutor{failures: 1, err: xerrors.New(CodeTaskProcessing, "下游暂时不可用")}
	processor := NewProcessor(executor, store, queue, queue)

	if err := store.Create(ctx, &Task{ID: "job", Type: "revenue.record", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "job"); err != nil {
		t.Fatalf("first handle: %v", err)
	}

	// 第一次失败后应回写可重试的失败态并重新入队。
	select {
	case id := <-queue.ch:
		if id != "job" {
			t.Fatalf("unexpected requeued id %s", id)
		}
	default:
		t.Fatal("任务未被重新入队")
	}
	stored, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed || stored.Attempts != 1 {
		t.Fatalf("expected retryable failure with one attempt, got %+v", stored)
	}

	if err := processor.handle(ctx, "job"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	stored, err = store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get after retry: %v", err)
	}
	if stored.Status != StatusSucceeded || stored.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", stored)
	}
	if stored.Result == nil || stored.Result.Summary != "ok" {
		t.Fatalf("expected execution result, got %+v", stored.Result)
	}
}

func TestProcessorTerminalOnExhaustedAttempts(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &fakeExecutor{fail: xerrors.New(CodeTaskProcessing, "持续失败")}
	processor := NewProcessor(executor, store, queue, queue)

	if err := store.Create(ctx, &Task{ID: "job", Type: "revenue.record", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := processor.handle(ctx, "job"); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	select {
	case <-queue.ch:
	default:
		t.Fatal("首次失败后任务应被重新入队")
	}

	if err := processor.handle(ctx, "job"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	stored, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed || stored.Attempts != 2 {
		t.Fatalf("expected terminal failure after two attempts, got %+v", stored)
	}
	if stored.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("unexpected error code %s", stored.ErrorCode)
	}
	// 重试耗尽后不再入队，再次消费同一 ID 只会被跳过。
	if len(queue.ch) != 0 {
		t.Fatalf("exhausted task must not be requeued, %d queued", len(queue.ch))
	}
	if err := processor.handle(ctx, "job"); err != nil {
		t.Fatalf("handle after exhaustion: %v", err)
	}
	stored, err = store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get after skip: %v", err)
	}
	if stored.Attempts != 2 || stored.Status != StatusFailed {
		t.Fatalf("exhausted task mutated by later delivery: %+v", stored)
	}
}

func TestProcessorRecoversNonRetryableFailure(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &fakeExecutor{fail: ErrTaskExhausted} // non-retryable by attributes

	fallback := &ExecutionResult{Summary: "degraded", Records: 0}
	processor := NewProcessor(executor, store, queue, queue,
		WithRecoveryHandler(RecoveryFunc(func(context.Context, *Task, error) (*ExecutionResult, error) {
			return fallback, nil
		})),
	)

	if err := store.Create(ctx, &Task{ID: "job", Type: "revenue.record", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.handle(ctx, "job"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusSucceeded || stored.Result == nil || stored.Result.Summary != "degraded" {
		t.Fatalf("expected degraded success, got %+v", stored)
	}
}
