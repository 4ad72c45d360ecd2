package pricefeed

import (
	"context"

	"CrossFlow/pkg/logger"
)

// Cache 为价格查询提供一层可选的短时缓存。
type Cache interface {
	Lookup(ctx context.Context, pair string) (Quote, bool, error)
	Store(ctx context.Context, quote Quote) error
}

// CachedFeed 先查缓存、未命中再回源，缓存故障时直接回源。
type CachedFeed struct {
	feed  Feed
	cache Cache
}

// NewCachedFeed 将缓存叠加在任意价格源之上。
func NewCachedFeed(feed Feed, cache Cache) *CachedFeed {
	return &CachedFeed{feed: feed, cache: cache}
}

// Fetch 实现 Feed。缓存读写失败只记录日志，不影响取价。
func (f *CachedFeed) Fetch(ctx context.Context, pair string) (Quote, error) {
	key := normalize(pair)
	if quote, ok, err := f.cache.Lookup(ctx, key); err != nil {
		logger.L().Warn("价格缓存读取失败", "pair", key, "error", err)
	} else if ok {
		return quote, nil
	}

	quote, err := f.feed.Fetch(ctx, key)
	if err != nil {
		return Quote{}, err
	}
	if err := f.cache.Store(ctx, quote); err != nil {
		logger.L().Warn("价格缓存写入失败", "pair", key, "error", err)
	}
	return quote, nil
}

var _ Feed = (*CachedFeed)(nil)
