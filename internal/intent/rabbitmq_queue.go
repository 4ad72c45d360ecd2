package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现拉取式队列。消息通过 basic.get
// 逐条取出并手动确认，死信被重新发布到同名 .dead 队列。
// AMQP channel 不允许并发使用，所有通道操作都持锁进行。
type RabbitMQQueue struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	dead  string
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "crossflow.intents"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	dead := queue + ".dead"
	for _, name := range []string{queue, dead} {
		if _, err := ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", name, err)
		}
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, dead: dead}, nil
}

// Publish 将消息投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, payload []byte) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
}

// FetchNext 实现 Consumer 接口。
func (q *RabbitMQQueue) FetchNext(_ context.Context) (*Delivery, error) {
	if q == nil || q.ch == nil {
		return nil, errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	msg, ok, err := q.ch.Get(q.queue, false)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ 取意图失败: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Delivery{Payload: msg.Body, receipt: msg.DeliveryTag}, nil
}

// Ack 实现 Consumer 接口。
func (q *RabbitMQQueue) Ack(_ context.Context, delivery *Delivery) error {
	tag, ok := q.tag(delivery)
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("RabbitMQ 确认意图失败: %w", err)
	}
	return nil
}

// MoveToDeadLetter 实现 Consumer 接口：把消息重新发布到死信队列，
// 然后确认原始投递。
func (q *RabbitMQQueue) MoveToDeadLetter(ctx context.Context, delivery *Delivery, reason string) error {
	tag, ok := q.tag(delivery)
	if !ok {
		return errors.New("非法的投递凭据")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.dead, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"x-dead-reason":   reason,
			"x-dead-moved-at": time.Now().Unix(),
		},
		Body: delivery.Payload,
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 写入死信失败: %w", err)
	}
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("RabbitMQ 确认原始消息失败: %w", err)
	}
	return nil
}

// DeadLetters 实现 DeadLetterReader 接口。读取采用取出后立即
// NACK 重入队的方式，不会消耗死信。
func (q *RabbitMQQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	if q == nil || q.ch == nil {
		return nil, errors.New("RabbitMQ 队列未初始化")
	}
	if limit <= 0 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	letters := make([]DeadLetter, 0, limit)
	tags := make([]uint64, 0, limit)
	for len(letters) < limit {
		msg, ok, err := q.ch.Get(q.dead, false)
		if err != nil {
			return nil, fmt.Errorf("RabbitMQ 读取死信失败: %w", err)
		}
		if !ok {
			break
		}
		letter := DeadLetter{Payload: string(msg.Body)}
		if reason, ok := msg.Headers["x-dead-reason"].(string); ok {
			letter.Reason = reason
		}
		switch movedAt := msg.Headers["x-dead-moved-at"].(type) {
		case int64:
			letter.MovedAt = movedAt
		case int32:
			letter.MovedAt = int64(movedAt)
		}
		letters = append(letters, letter)
		tags = append(tags, msg.DeliveryTag)
	}
	for _, tag := range tags {
		if err := q.ch.Nack(tag, false, true); err != nil {
			return letters, fmt.Errorf("RabbitMQ 归还死信失败: %w", err)
		}
	}
	return letters, nil
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func (q *RabbitMQQueue) tag(delivery *Delivery) (uint64, bool) {
	if delivery == nil {
		return 0, false
	}
	tag, ok := delivery.receipt.(uint64)
	return tag, ok
}

var _ Queue = (*RabbitMQQueue)(nil)
var _ DeadLetterReader = (*RabbitMQQueue)(nil)
