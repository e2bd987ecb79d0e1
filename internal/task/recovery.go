package task

import "context"

// RecoveryHandler 在作业因不可重试错误失败时给出降级方案。
type RecoveryHandler interface {
	// Recover 基于失败原因产出降级结果。返回非 nil 的 ExecutionResult
	// 时任务按降级成功落账；返回 nil 则继续走失败流程。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}

// RecoveryFunc 允许用函数直接充当 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)

// Recover 实现 RecoveryHandler。
func (f RecoveryFunc) Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error) {
	return f(ctx, task, cause)
}
