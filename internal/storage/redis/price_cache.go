package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"CrossFlow/internal/pricefeed"
)

// PriceCacheConfig 描述价格缓存的连接参数。
type PriceCacheConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// PriceCache 把最近一次观测到的报价写进 Redis，由 TTL 约束新鲜度。
// 多个实例共享同一份缓存，轮询周期内的重复取价不会反复打到价格源。
type PriceCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPriceCache 创建 Redis 价格缓存。
func NewPriceCache(cfg PriceCacheConfig) (*PriceCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "crossflow:price:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &PriceCache{client: client, prefix: prefix, ttl: ttl}, nil
}

type cachedQuote struct {
	Pair       string          `json:"pair"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Lookup 实现 pricefeed.Cache 接口。键不存在或已过期视为未命中。
func (c *PriceCache) Lookup(ctx context.Context, pair string) (pricefeed.Quote, bool, error) {
	payload, err := c.client.Get(ctx, c.prefix+pair).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pricefeed.Quote{}, false, nil
		}
		return pricefeed.Quote{}, false, fmt.Errorf("读取价格缓存失败: %w", err)
	}

	var cached cachedQuote
	if err := json.Unmarshal(payload, &cached); err != nil {
		return pricefeed.Quote{}, false, fmt.Errorf("解析价格缓存失败: %w", err)
	}
	return pricefeed.Quote{
		Pair:       cached.Pair,
		Price:      cached.Price,
		ObservedAt: cached.ObservedAt,
	}, true, nil
}

// Store 实现 pricefeed.Cache 接口。
func (c *PriceCache) Store(ctx context.Context, quote pricefeed.Quote) error {
	payload, err := json.Marshal(cachedQuote{
		Pair:       quote.Pair,
		Price:      quote.Price,
		ObservedAt: quote.ObservedAt,
	})
	if err != nil {
		return fmt.Errorf("序列化报价失败: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+quote.Pair, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入价格缓存失败: %w", err)
	}
	return nil
}

// Close 释放 Redis 连接。
func (c *PriceCache) Close() error {
	return c.client.Close()
}

var _ pricefeed.Cache = (*PriceCache)(nil)
