package order

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"CrossFlow/internal/pricefeed"
)

type fakeFeed struct {
	prices  map[string]decimal.Decimal
	broken  map[string]bool
	fetches atomic.Int64
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		prices: make(map[string]decimal.Decimal),
		broken: make(map[string]bool),
	}
}

func (f *fakeFeed) Fetch(_ context.Context, pair string) (pricefeed.Quote, error) {
	f.fetches.Add(1)
	if f.broken[pair] {
		return pricefeed.Quote{}, fmt.Errorf("feed down for %s", pair)
	}
	price, ok := f.prices[pair]
	if !ok {
		return pricefeed.Quote{}, fmt.Errorf("no price for %s", pair)
	}
	return pricefeed.Quote{Pair: pair, Price: price, ObservedAt: time.Now()}, nil
}

func fundedOrder(t *testing.T, engine *Engine, orderID, priceAsset, quoteAsset, triggerPrice, condition string) {
	t.Helper()
	req := limitOrderRequest()
	req.OrderID = orderID
	req.PriceAsset = priceAsset
	req.QuoteAsset = quoteAsset
	req.TriggerPrice = triggerPrice
	req.Condition = condition
	if _, err := engine.Create(context.Background(), req); err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	if _, err := engine.Fund(context.Background(), orderID, ""); err != nil {
		t.Fatalf("注资失败: %v", err)
	}
}

func TestPollerBatchesFetchesByPair(t *testing.T) {
	engine, _, _ := testEngine(t)
	feed := newFakeFeed()
	feed.prices[pricefeed.Pair("SOL", "USDC")] = decimal.RequireFromString("180")
	feed.prices[pricefeed.Pair("ETH", "USDC")] = decimal.RequireFromString("2500")

	fundedOrder(t, engine, "order-0001", "SOL", "USDC", "150", "below")
	fundedOrder(t, engine, "order-0002", "SOL", "USDC", "120", "below")
	fundedOrder(t, engine, "order-0003", "ETH", "USDC", "2000", "below")

	poller := NewPoller(engine, feed, time.Minute)
	result, err := poller.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	// 三个订单分布在两个交易对上，只需要两次价格查询。
	if got := feed.fetches.Load(); got != 2 {
		t.Fatalf("expected 2 feed fetches, got %d", got)
	}
	if result.Checked != 3 || result.Triggered != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPollerTriggersMatchingOrders(t *testing.T) {
	engine, _, submitter := testEngine(t)
	feed := newFakeFeed()
	feed.prices[pricefeed.Pair("SOL", "USDC")] = decimal.RequireFromString("149.50")

	fundedOrder(t, engine, "order-0001", "SOL", "USDC", "150.00", "below")
	fundedOrder(t, engine, "order-0002", "SOL", "USDC", "100.00", "below")

	poller := NewPoller(engine, feed, time.Minute)
	result, err := poller.CheckNow(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Checked != 2 || result.Triggered != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if submitted := submitter.submitted(); len(submitted) != 1 || submitted[0].IntentID != "order:order-0001" {
		t.Fatalf("unexpected synthetic intents: %+v", submitted)
	}

	o, err := engine.Get(context.Background(), "order-0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.State != StateTriggered {
		t.Fatalf("expected triggered, got %s", o.State)
	}

	// 触发过的订单脱离 active 集合，下一轮不再评估。
	result, err = poller.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Checked != 1 || result.Triggered != 0 {
		t.Fatalf("unexpected second round: %+v", result)
	}
}

func TestPollerSkipsFailingPair(t *testing.T) {
	engine, _, _ := testEngine(t)
	feed := newFakeFeed()
	feed.broken[pricefeed.Pair("SOL", "USDC")] = true
	feed.prices[pricefeed.Pair("ETH", "USDC")] = decimal.RequireFromString("1900")

	fundedOrder(t, engine, "order-0001", "SOL", "USDC", "150", "below")
	fundedOrder(t, engine, "order-0002", "ETH", "USDC", "2000", "below")

	poller := NewPoller(engine, feed, time.Minute)
	result, err := poller.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	// 故障交易对被跳过，健康交易对照常评估。
	if result.Checked != 1 || result.Triggered != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	o, err := engine.Get(context.Background(), "order-0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.State != StateActive {
		t.Fatalf("order on the failing pair must stay active, got %s", o.State)
	}
}

func TestPollerHealthSnapshot(t *testing.T) {
	engine, _, _ := testEngine(t)
	feed := newFakeFeed()

	fundedOrder(t, engine, "order-0001", "SOL", "USDC", "150", "below")
	fundedOrder(t, engine, "order-0002", "SOL", "USDC", "120", "below")
	fundedOrder(t, engine, "order-0003", "ETH", "USDC", "2000", "above")

	poller := NewPoller(engine, feed, time.Minute)
	health, err := poller.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.ActivePairs != 2 || health.ActiveOrders != 3 {
		t.Fatalf("unexpected health: %+v", health)
	}
	if len(health.Pairs) != 2 {
		t.Fatalf("expected 2 pair entries, got %d", len(health.Pairs))
	}
	if health.Pairs[0].Pair != "ETH/USDC" || health.Pairs[0].OrderCount != 1 {
		t.Fatalf("unexpected first pair entry: %+v", health.Pairs[0])
	}
	if health.Pairs[1].Pair != "SOL/USDC" || health.Pairs[1].OrderCount != 2 {
		t.Fatalf("unexpected second pair entry: %+v", health.Pairs[1])
	}
}

func TestPollerHealthWithNoActiveOrders(t *testing.T) {
	engine, _, _ := testEngine(t)
	poller := NewPoller(engine, newFakeFeed(), time.Minute)

	health, err := poller.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.ActivePairs != 0 || health.ActiveOrders != 0 || len(health.Pairs) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", health)
	}
}

func TestPollerTickExpiresDueOrders(t *testing.T) {
	now := time.Now()
	engine, _, _ := testEngine(t, WithClock(func() time.Time { return now }))
	feed := newFakeFeed()
	feed.prices[pricefeed.Pair("SOL", "USDC")] = decimal.RequireFromString("100")

	req := limitOrderRequest()
	req.ExpiresAt = now.Add(time.Hour).Unix()
	if _, err := engine.Create(context.Background(), req); err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	if _, err := engine.Fund(context.Background(), "order-0001", ""); err != nil {
		t.Fatalf("注资失败: %v", err)
	}

	now = now.Add(2 * time.Hour)
	poller := NewPoller(engine, feed, time.Minute)
	result, err := poller.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	// 到期订单先被移入 expired，不参与本轮评估。
	if result.Checked != 0 || result.Triggered != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	o, err := engine.Get(context.Background(), "order-0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.State != StateExpired {
		t.Fatalf("expected expired, got %s", o.State)
	}
}
