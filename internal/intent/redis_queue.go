package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 实现可靠队列：BLMOVE 把消息原子地
// 从待处理链表搬到处理中链表，确认时才从处理中链表删除。
// 崩溃后处理中链表里残留的消息由 Recover 放回待处理链表，
// 因此投递语义是至少一次。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	dead       string
	wait       time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "crossflow:intents"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		dead:       queue + ":dead",
		wait:       wait,
	}, nil
}

// Publish 将消息投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布意图失败: %w", err)
	}
	return nil
}

// FetchNext 实现 Consumer 接口，最多阻塞 BlockWait。
func (q *RedisQueue) FetchNext(ctx context.Context) (*Delivery, error) {
	value, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("Redis 取意图失败: %w", err)
	}
	return &Delivery{Payload: []byte(value), receipt: value}, nil
}

// Ack 实现 Consumer 接口，从处理中链表删除这条消息。
func (q *RedisQueue) Ack(ctx context.Context, delivery *Delivery) error {
	member, ok := q.member(delivery)
	if !ok {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing, 1, member).Err(); err != nil {
		return fmt.Errorf("Redis 确认意图失败: %w", err)
	}
	return nil
}

// MoveToDeadLetter 实现 Consumer 接口。
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, delivery *Delivery, reason string) error {
	member, ok := q.member(delivery)
	if !ok {
		return errors.New("非法的投递凭据")
	}
	envelope, err := json.Marshal(DeadLetter{
		Payload: member,
		Reason:  reason,
		MovedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("序列化死信失败: %w", err)
	}
	if err := q.client.LPush(ctx, q.dead, envelope).Err(); err != nil {
		return fmt.Errorf("Redis 写入死信失败: %w", err)
	}
	if err := q.client.LRem(ctx, q.processing, 1, member).Err(); err != nil {
		return fmt.Errorf("Redis 移除处理中消息失败: %w", err)
	}
	return nil
}

// DeadLetters 实现 DeadLetterReader 接口。
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	values, err := q.client.LRange(ctx, q.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取死信失败: %w", err)
	}
	letters := make([]DeadLetter, 0, len(values))
	for _, value := range values {
		var letter DeadLetter
		if err := json.Unmarshal([]byte(value), &letter); err != nil {
			letter = DeadLetter{Payload: value}
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Recover 把上次运行残留在处理中链表的消息放回待处理队列。
// 应当在消费循环启动之前调用一次。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	values, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("Redis 读取处理中链表失败: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}
	for _, value := range values {
		if err := q.client.RPush(ctx, q.queue, value).Err(); err != nil {
			return 0, fmt.Errorf("Redis 回灌消息失败: %w", err)
		}
	}
	if err := q.client.Del(ctx, q.processing).Err(); err != nil {
		return 0, fmt.Errorf("Redis 清空处理中链表失败: %w", err)
	}
	return len(values), nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) member(delivery *Delivery) (string, bool) {
	if delivery == nil {
		return "", false
	}
	member, ok := delivery.receipt.(string)
	return member, ok
}

var _ Queue = (*RedisQueue)(nil)
var _ DeadLetterReader = (*RedisQueue)(nil)
var _ Recoverer = (*RedisQueue)(nil)
