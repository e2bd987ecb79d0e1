package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Revenue-API/internal/errors"
	"Revenue-API/internal/observability/alerting"
	"Revenue-API/internal/observability/metrics"
	"Revenue-API/internal/workflow"
	"Revenue-API/pkg/logger"
)

// Executor 定义了处理器所需的作业执行能力。
type Executor interface {
	Execute(ctx context.Context, job workflow.Job) (*workflow.Result, error)
}

// Processor 从队列消费任务，交给执行器处理，并负责结果落库、
// 失败重投、补偿降级与告警。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置不可重试错误的补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造 Processor，默认单协程消费。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		// 不存在、已完成或重试耗尽的任务直接丢弃消息。
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, workflow.Job{
		ID:       task.ID,
		Type:     task.Type,
		Payload:  cloneMap(task.Payload),
		Metadata: cloneMap(task.Metadata),
		Attempt:  task.Attempts,
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	var record ExecutionResult
	if result != nil {
		record = ExecutionResult{
			Summary:    result.Summary,
			Output:     cloneMap(result.Output),
			Records:    result.Records,
			TotalCents: result.TotalCents,
			Currency:   result.Currency,
		}
	}
	done, err := p.persistResult(ctx, task, record, CodeTaskProcessing)
	if err != nil || !done {
		return err
	}
	metrics.ObserveJob(task.Type, "succeeded")
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.Int("records", record.Records),
	)
	return nil
}

// persistResult 把执行结果写为成功状态。写库失败时回退为失败状态
// 并把任务重投队列，等待下一轮消费重新落盘；这种情况下返回
// done=false，调用方不再按成功路径继续。
func (p *Processor) persistResult(ctx context.Context, task *Task, record ExecutionResult, failCode xerrors.Code) (bool, error) {
	err := p.store.MarkSucceeded(ctx, task.ID, record)
	if err == nil {
		return true, nil
	}
	logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
	if storeErr := p.store.MarkFailed(ctx, task.ID, failCode, err.Error(), false); storeErr != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return false, storeErr
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return false, xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在结果落盘失败后重投失败", task.ID))
	}
	logger.Audit().Warn("任务结果落盘失败后重试",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.String("error", err.Error()),
	)
	return false, nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	// 不可重试的失败先尝试补偿降级。
	if !retryable && p.recovery != nil {
		if done, err := p.compensate(ctx, task, code, execErr); done || err != nil {
			return err
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	// 不可重试的失败一定是 terminal，这里只剩两种阶段。
	stage, outcome := "retry", "retried"
	if terminal {
		stage, outcome = "terminal", "failed"
	}
	metrics.ObserveJob(task.Type, outcome)
	p.emitAlert(ctx, task, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

// compensate 执行补偿逻辑。补偿给出降级结果时任务按成功收尾，
// 返回 done=true；补偿自身失败只告警，任务继续走失败路径。
func (p *Processor) compensate(ctx context.Context, task *Task, code xerrors.Code, execErr error) (bool, error) {
	fallback, recErr := p.recovery.Recover(ctx, task, execErr)
	if recErr != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
		logger.L().Error("执行补偿逻辑失败",
			slog.Any("error", wrapped),
			slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		return false, nil
	}
	if fallback == nil {
		return false, nil
	}
	if fallback.Summary == "" {
		fallback.Summary = fmt.Sprintf("降级处理: %v", execErr)
	}
	done, err := p.persistResult(ctx, task, *fallback, code)
	if err != nil || !done {
		return true, err
	}
	metrics.ObserveJob(task.Type, "degraded")
	logger.Audit().Warn("任务降级完成",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.String("summary", fallback.Summary),
	)
	p.emitAlert(ctx, task, code, execErr, "degraded")
	return true, nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
