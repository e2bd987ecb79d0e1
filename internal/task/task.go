package task

import (
	stdErrors "errors"
	"maps"

	xerrors "Revenue-API/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次任务执行的结果。金额以最小货币单位
// （分）累计，币种为 ISO-4217 代码。
type ExecutionResult struct {
	Summary    string         `json:"summary"`
	Output     map[string]any `json:"output,omitempty"`
	Records    int            `json:"records"`
	TotalCents int64          `json:"total_cents"`
	Currency   string         `json:"currency,omitempty"`
}

// Task 描述了排队执行的营收处理任务。
type Task struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

// 任务错误码的默认属性，在包加载时登记到全局注册表。
func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo},
		CodeTaskConflict:   {Message: "task conflict", Severity: xerrors.SeverityWarning},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "task validation failed", Severity: xerrors.SeverityInfo},
		CodeTaskPublish:    {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
		CodeTaskCompensate: {Message: "task compensation failed", Severity: xerrors.SeverityCritical, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// IsTaskError 判断 err 是否是指定错误码对应的任务哨兵错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	sentinels := map[xerrors.Code]error{
		CodeTaskNotFound:  ErrTaskNotFound,
		CodeTaskConflict:  ErrTaskConflict,
		CodeTaskCompleted: ErrTaskCompleted,
		CodeTaskExhausted: ErrTaskExhausted,
	}
	sentinel, ok := sentinels[target]
	return ok && stdErrors.Is(err, sentinel)
}

func cloneMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	return maps.Clone(values)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}
