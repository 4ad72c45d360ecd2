package intent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue 使用 channel 模拟消息队列，主要用于测试与本地运行。
// 取出未确认的消息保存在 inflight 表中，确认后才真正删除。
type MemoryQueue struct {
	ch       chan []byte
	mu       sync.Mutex
	inflight map[string][]byte
	dead     []DeadLetter
	closed   bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:       make(chan []byte, size),
		inflight: make(map[string][]byte),
	}
}

// Publish 将消息投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- append([]byte(nil), payload...):
		return nil
	}
}

// FetchNext 实现 Consumer 接口。队列为空时立即返回 (nil, nil)。
func (q *MemoryQueue) FetchNext(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-q.ch:
		if !ok {
			return nil, errors.New("队列已关闭")
		}
		token := uuid.NewString()
		q.mu.Lock()
		q.inflight[token] = payload
		q.mu.Unlock()
		return &Delivery{Payload: payload, receipt: token}, nil
	default:
		return nil, nil
	}
}

// Ack 实现 Consumer 接口。
func (q *MemoryQueue) Ack(_ context.Context, delivery *Delivery) error {
	token, ok := q.token(delivery)
	if !ok {
		return nil
	}
	q.mu.Lock()
	delete(q.inflight, token)
	q.mu.Unlock()
	return nil
}

// MoveToDeadLetter 实现 Consumer 接口。
func (q *MemoryQueue) MoveToDeadLetter(_ context.Context, delivery *Delivery, reason string) error {
	token, ok := q.token(delivery)
	if !ok {
		return errors.New("非法的投递凭据")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.inflight[token]; !exists {
		return nil
	}
	delete(q.inflight, token)
	q.dead = append(q.dead, DeadLetter{
		Payload: string(delivery.Payload),
		Reason:  reason,
		MovedAt: time.Now().Unix(),
	})
	return nil
}

// DeadLetters 实现 DeadLetterReader 接口。
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]DeadLetter, limit)
	copy(out, q.dead[len(q.dead)-limit:])
	return out, nil
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) token(delivery *Delivery) (string, bool) {
	if delivery == nil {
		return "", false
	}
	token, ok := delivery.receipt.(string)
	return token, ok
}

var _ Queue = (*MemoryQueue)(nil)
var _ DeadLetterReader = (*MemoryQueue)(nil)
