package task

import "context"

// Handler 消费队列中的任务 ID 并驱动一次执行。
type Handler func(ctx context.Context, taskID string) error

// Producer 向队列投递待执行的任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的工作协程阻塞消费队列，直到上下文取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是完整的队列后端，生产与消费共用一条连接。
type Queue interface {
	Producer
	Consumer
}
