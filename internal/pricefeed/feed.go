package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote 表示某个交易对在某一时刻的观测价格。
type Quote struct {
	Pair       string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Feed 是价格源的统一抽象，轮询器与权限引擎都通过它取价。
type Feed interface {
	Fetch(ctx context.Context, pair string) (Quote, error)
}

// Pair 将计价资产规范化为 "BASE/QUOTE" 形式的键。
func Pair(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// StaticFeed 维护一张内存价格表，主要用于本地运行与测试。
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticFeed 创建一个空的静态价格源。
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{quotes: make(map[string]Quote)}
}

// Set 写入或覆盖一个交易对的价格。
func (f *StaticFeed) Set(pair string, price decimal.Decimal) {
	key := normalize(pair)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[key] = Quote{Pair: key, Price: price, ObservedAt: time.Now()}
}

// Fetch 返回交易对当前价格，未配置的交易对视为价格源缺失。
func (f *StaticFeed) Fetch(_ context.Context, pair string) (Quote, error) {
	key := normalize(pair)
	f.mu.RLock()
	quote, ok := f.quotes[key]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("静态价格源未配置交易对 %s", key)
	}
	return quote, nil
}

func normalize(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

var _ Feed = (*StaticFeed)(nil)
