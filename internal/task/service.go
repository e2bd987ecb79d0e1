package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Revenue-API/internal/errors"
	"Revenue-API/internal/workflow"
	"Revenue-API/pkg/logger"
)

const defaultMaxRetries = 3

// TypeChecker 判断作业类型是否可以被执行。
type TypeChecker interface {
	Supports(jobType string) bool
}

// Service 是任务的写入口：校验、落库、入队，以及状态查询。
type Service struct {
	store      Store
	producer   Producer
	types      TypeChecker
	maxRetries int
}

// NewService 构造任务服务，maxRetries 非法时取默认值。
func NewService(store Store, producer Producer, types TypeChecker, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{store: store, producer: producer, types: types, maxRetries: maxRetries}
}

// Submit 创建任务并推入队列。带相同 ID 的重复提交返回已存在的
// 任务，提交因此是幂等的。
func (s *Service) Submit(ctx context.Context, req workflow.Job) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	jobType := strings.TrimSpace(req.Type)
	if jobType == "" {
		return nil, xerrors.New(CodeTaskValidation, "作业类型不能为空")
	}
	if s.types != nil && !s.types.Supports(jobType) {
		return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("不支持的作业类型: %s", jobType))
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	} else if existing, err := s.lookup(ctx, taskID); existing != nil || err != nil {
		return existing, err
	}

	task := &Task{
		ID:         taskID,
		Type:       jobType,
		Payload:    cloneMap(req.Payload),
		Metadata:   cloneMap(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		// 并发提交撞上同一 ID 时回读已写入的任务。
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, lookupErr := s.lookup(ctx, taskID); existing != nil || lookupErr != nil {
				return existing, lookupErr
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}

	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("type", task.Type),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// lookup 读取已存在的任务；不存在时返回 (nil, nil)。
func (s *Service) lookup(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	if err == nil {
		return task, nil
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return nil, err
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 依次关闭存储与队列生产者。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 按固定间隔轮询，直到任务进入终态或上下文取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
