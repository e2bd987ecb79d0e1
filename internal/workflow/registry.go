package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Revenue-API/internal/errors"
)

// Job 描述一次待执行的营收处理作业。
type Job struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
}

// Result 汇总一次作业执行产出的结果。
type Result struct {
	Summary    string         `json:"summary"`
	Output     map[string]any `json:"output,omitempty"`
	Records    int            `json:"records"`
	TotalCents int64          `json:"total_cents"`
	Currency   string         `json:"currency,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// HandlerFunc 是某一作业类型的处理函数。
type HandlerFunc func(ctx context.Context, job Job) (*Result, error)

const (
	CodeUnknownJobType xerrors.Code = "WORKFLOW_UNKNOWN_TYPE"
	CodeHandlerExists  xerrors.Code = "WORKFLOW_HANDLER_EXISTS"
)

func init() {
	xerrors.Register(CodeUnknownJobType, xerrors.Attributes{
		Message:   "unknown job type",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeHandlerExists, xerrors.Attributes{
		Message:   "job type already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Registry 维护作业类型到处理函数的映射，是系统的业务核心。
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	jobTimeout time.Duration
}

// Option 定义可选的 Registry 配置。
type Option func(*Registry)

// WithJobTimeout 设置单次作业执行的超时时间。
func WithJobTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout <= 0 {
			r.jobTimeout = 0
			return
		}
		r.jobTimeout = timeout
	}
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry(opts ...Option) *Registry {
	registry := &Registry{handlers: make(map[string]HandlerFunc)}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Register 注册一个作业类型，重复注册返回错误。
func (r *Registry) Register(jobType string, handler HandlerFunc) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业类型不能为空")
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "处理函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return xerrors.New(CodeHandlerExists, fmt.Sprintf("作业类型 %s 已注册", jobType))
	}
	r.handlers[jobType] = handler
	return nil
}

// MustRegister 与 Register 相同，注册失败时直接 panic，用于启动阶段。
func (r *Registry) MustRegister(jobType string, handler HandlerFunc) {
	if err := r.Register(jobType, handler); err != nil {
		panic(err)
	}
}

// Supports 判断作业类型是否已注册。
func (r *Registry) Supports(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[strings.TrimSpace(jobType)]
	return ok
}

// Types 返回全部已注册的作业类型，按字典序排序。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// Execute 查找处理函数并执行作业。
func (r *Registry) Execute(ctx context.Context, job Job) (*Result, error) {
	jobType := strings.TrimSpace(job.Type)
	if jobType == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "作业类型不能为空")
	}

	r.mu.RLock()
	handler, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeUnknownJobType, fmt.Sprintf("未注册的作业类型: %s", jobType))
	}

	execCtx := ctx
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}

	result, err := handler(execCtx, job)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("作业 %s 执行超时", jobType))
		}
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, fmt.Sprintf("作业 %s 执行失败", jobType))
	}
	if result == nil {
		result = &Result{}
	}
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}
	return result, nil
}
