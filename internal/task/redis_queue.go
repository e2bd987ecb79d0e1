package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisQueue = "revenue:jobs"
	defaultBlockWait  = 5 * time.Second
)

// RedisQueueConfig 是 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的任务队列：LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 建立连接并用 PING 验证可达性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	q := &RedisQueue{
		queue: cfg.Queue,
		wait:  cfg.BlockWait,
	}
	if q.queue == "" {
		q.queue = defaultRedisQueue
	}
	if q.wait <= 0 {
		q.wait = defaultBlockWait
	}
	q.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return q, nil
}

// Publish 把任务 ID 推入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 启动 workerCount 个阻塞弹出循环，直到取消或出错。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			errCh <- q.popLoop(ctx, handler)
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// popLoop 反复 BRPOP；超时继续等，取消或连接关闭时退出。
func (q *RedisQueue) popLoop(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
			return err
		default:
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if handlerErr := handler(ctx, taskID); handlerErr != nil {
			// 失败重投到队尾。
			_ = q.client.RPush(ctx, q.queue, taskID).Err()
		}
	}
}

// Close 释放 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
