package intent

import (
	"context"
)

// Delivery 是一次队列投递。Payload 在校验前被视为不透明字节，
// receipt 由具体后端持有，用于精确地确认或搬移这条消息。
type Delivery struct {
	Payload []byte
	receipt any
}

// DeadLetter 是被搬入死信区的消息及其原因，供运维离线检视。
type DeadLetter struct {
	Payload string `json:"payload"`
	Reason  string `json:"reason"`
	MovedAt int64  `json:"movedAt"`
}

// Producer 负责向队列投递意图消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 是拉取式的队列消费契约。投递语义是至少一次：
// 同一条消息可能被重复取得，下游必须幂等。
type Consumer interface {
	// FetchNext 返回下一条可用消息；队列为空时返回 (nil, nil)，
	// 调用方应当稍后再试，而不是视为错误。
	FetchNext(ctx context.Context) (*Delivery, error)
	// Ack 永久移除一条消息，可以安全地重复调用。
	Ack(ctx context.Context, delivery *Delivery) error
	// MoveToDeadLetter 将消息搬入死信区而不是删除。
	MoveToDeadLetter(ctx context.Context, delivery *Delivery, reason string) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// DeadLetterReader 由支持死信检视的后端实现。
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Recoverer 由支持崩溃恢复的后端实现：把上次运行中取出
// 但从未确认的消息重新放回待处理队列。
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}
