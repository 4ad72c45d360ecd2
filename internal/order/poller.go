package order

import (
	"context"
	"log/slog"
	"sort"
	"time"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/internal/pricefeed"
	"CrossFlow/pkg/logger"
)

// PairHealth 是单个交易对上的监控规模。
type PairHealth struct {
	Pair       string `json:"pair"`
	OrderCount int    `json:"orderCount"`
}

// Health 是轮询器的健康快照。
type Health struct {
	ActivePairs  int          `json:"activePairs"`
	ActiveOrders int          `json:"activeOrders"`
	Pairs        []PairHealth `json:"pairs"`
}

// CheckResult 汇总一轮评估的规模与命中数。
type CheckResult struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
}

// Poller 周期性地评估 active 订单。同一交易对的订单共享一次价格查询，
// 外部价格源的调用次数只随交易对数量增长，不随订单数量增长。
type Poller struct {
	engine   *Engine
	feed     pricefeed.Feed
	interval time.Duration
}

// NewPoller 构造轮询器。
func NewPoller(engine *Engine, feed pricefeed.Feed, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{engine: engine, feed: feed, interval: interval}
}

// Interval 返回轮询间隔。
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run 启动轮询循环，直到上下文取消。单轮失败只记录日志，不中断循环。
func (p *Poller) Run(ctx context.Context) error {
	if p.engine == nil || p.feed == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "轮询器未完成装配")
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				logger.L().Error("订单轮询失败", slog.Any("error", err))
			}
		}
	}
}

// Tick 执行一轮评估：先惰性处理过期，再按交易对分组评估价格触发。
func (p *Poller) Tick(ctx context.Context) (CheckResult, error) {
	if p.engine == nil || p.feed == nil {
		return CheckResult{}, xerrors.New(xerrors.CodeInitializationFailure, "轮询器未完成装配")
	}
	if _, err := p.engine.ExpireDue(ctx); err != nil {
		logger.L().Warn("处理到期订单失败", slog.Any("error", err))
	}

	orders, err := p.engine.ActiveOrders(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	groups := groupByPair(orders)

	result := CheckResult{}
	for _, pair := range sortedPairs(groups) {
		quote, err := p.feed.Fetch(ctx, pair)
		if err != nil {
			// 单个交易对的价格源故障只影响该交易对，其余正常评估。
			metrics.PollerFeedError()
			logger.L().Warn("获取价格失败，跳过交易对",
				slog.String("pair", pair),
				slog.Any("error", err),
			)
			continue
		}
		for _, o := range groups[pair] {
			result.Checked++
			triggered, err := p.engine.Evaluate(ctx, o, quote.Price)
			if err != nil {
				logger.L().Error("评估订单失败",
					slog.Any("error", err),
					slog.String("order_id", o.OrderID),
					slog.String("pair", pair),
				)
				continue
			}
			if triggered {
				result.Triggered++
			}
		}
	}
	metrics.PollerTick(len(groups), len(orders))
	return result, nil
}

// CheckNow 立即同步执行一轮评估，供常规周期之外的运维验证使用。
func (p *Poller) CheckNow(ctx context.Context) (CheckResult, error) {
	return p.Tick(ctx)
}

// Health 返回当前监控的交易对与订单规模。
func (p *Poller) Health(ctx context.Context) (Health, error) {
	if p.engine == nil {
		return Health{}, xerrors.New(xerrors.CodeInitializationFailure, "轮询器未完成装配")
	}
	orders, err := p.engine.ActiveOrders(ctx)
	if err != nil {
		return Health{}, err
	}
	groups := groupByPair(orders)

	health := Health{
		ActivePairs:  len(groups),
		ActiveOrders: len(orders),
		Pairs:        make([]PairHealth, 0, len(groups)),
	}
	for _, pair := range sortedPairs(groups) {
		health.Pairs = append(health.Pairs, PairHealth{Pair: pair, OrderCount: len(groups[pair])})
	}
	return health, nil
}

func groupByPair(orders []*Order) map[string][]*Order {
	groups := make(map[string][]*Order)
	for _, o := range orders {
		pair := pricefeed.Pair(o.PriceAsset, o.QuoteAsset)
		groups[pair] = append(groups[pair], o)
	}
	return groups
}

func sortedPairs(groups map[string][]*Order) []string {
	pairs := make([]string, 0, len(groups))
	for pair := range groups {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}
