package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore 将订单保存在内存中，用于测试与本地运行。
// 所有状态迁移都在锁内完成前置状态检查，语义与 MySQL 实现一致。
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return ErrConflict
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = time.Now().Unix()
	}
	m.orders[o.OrderID] = o.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// Activate 实现 Store 接口。
func (m *MemoryStore) Activate(_ context.Context, orderID string, fundedAt int64, fundingTxHash string) error {
	return m.transition(orderID, []State{StatePending}, func(o *Order) {
		o.State = StateActive
		o.FundedAt = fundedAt
		o.FundingTxHash = fundingTxHash
	})
}

// Trigger 实现 Store 接口。
func (m *MemoryStore) Trigger(_ context.Context, orderID string, price decimal.Decimal, triggeredAt int64) error {
	return m.transition(orderID, []State{StateActive}, func(o *Order) {
		o.State = StateTriggered
		o.TriggeredAt = triggeredAt
		o.TriggeredPrice = &price
	})
}

// Reactivate 实现 Store 接口。
func (m *MemoryStore) Reactivate(_ context.Context, orderID string) error {
	return m.transition(orderID, []State{StateTriggered}, func(o *Order) {
		o.State = StateActive
		o.TriggeredAt = 0
		o.TriggeredPrice = nil
	})
}

// Execute 实现 Store 接口。
func (m *MemoryStore) Execute(_ context.Context, orderID, txID, outputAmount string, executedAt int64) error {
	return m.transition(orderID, []State{StateTriggered}, func(o *Order) {
		o.State = StateExecuted
		o.ExecutedAt = executedAt
		o.ExecutionTxID = txID
		o.OutputAmount = outputAmount
	})
}

// Fail 实现 Store 接口。
func (m *MemoryStore) Fail(_ context.Context, orderID, reason string) error {
	return m.transition(orderID, []State{StateTriggered}, func(o *Order) {
		o.State = StateFailed
		o.Error = reason
	})
}

// Cancel 实现 Store 接口。
func (m *MemoryStore) Cancel(_ context.Context, orderID string) error {
	return m.transition(orderID, []State{StatePending, StateActive, StateTriggered}, func(o *Order) {
		o.State = StateCancelled
	})
}

// Expire 实现 Store 接口。
func (m *MemoryStore) Expire(_ context.Context, orderID string) error {
	return m.transition(orderID, []State{StatePending, StateActive, StateTriggered}, func(o *Order) {
		o.State = StateExpired
	})
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !matchesListFilters(o, opts) {
			continue
		}
		results = append(results, o.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].OrderID < results[j].OrderID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListActive 实现 Store 接口。
func (m *MemoryStore) ListActive(_ context.Context) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Order
	for _, o := range m.orders {
		if o.State == StateActive {
			results = append(results, o.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].OrderID < results[j].OrderID })
	return results, nil
}

// ListExpirable 实现 Store 接口。
func (m *MemoryStore) ListExpirable(_ context.Context, now int64) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Order
	for _, o := range m.orders {
		if o.Expired(now) {
			results = append(results, o.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].OrderID < results[j].OrderID })
	return results, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// transition 在持锁状态下完成前置状态检查并应用变更。
func (m *MemoryStore) transition(orderID string, from []State, apply func(*Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, state := range from {
		if o.State == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrStateChanged
	}
	apply(o)
	return nil
}

func matchesListFilters(o *Order, opts ListOptions) bool {
	if opts.UserDestination != "" && o.UserDestination != opts.UserDestination {
		return false
	}
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if o.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
