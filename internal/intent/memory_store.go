package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "CrossFlow/internal/errors"
)

// MemoryStore 以内存方式保存意图状态，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*StatusRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*StatusRecord)}
}

// Create 实现 StatusStore 接口。
func (m *MemoryStore) Create(_ context.Context, record *StatusRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "状态记录不能为空")
	}
	if record.IntentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "intentId 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.IntentID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	clone := *record
	m.records[record.IntentID] = &clone
	return nil
}

// Get 返回状态记录。
func (m *MemoryStore) Get(_ context.Context, intentID string) (*StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

// MarkProcessing 实现 StatusStore 接口。
func (m *MemoryStore) MarkProcessing(_ context.Context, intentID string, attempt, maxAttempts int, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[intentID]
	if !ok {
		return ErrNotFound
	}
	if record.State.Terminal() {
		return ErrTerminalStatus
	}
	record.State = StateProcessing
	record.Detail = detail
	record.Attempts = attempt
	record.MaxAttempts = maxAttempts
	record.Error = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 实现 StatusStore 接口。
func (m *MemoryStore) MarkSucceeded(_ context.Context, intentID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[intentID]
	if !ok {
		return ErrNotFound
	}
	if record.State.Terminal() {
		return ErrTerminalStatus
	}
	record.State = StateSucceeded
	record.Detail = ""
	record.TxID = txID
	record.Error = ""
	record.ErrorCode = ""
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 实现 StatusStore 接口。
func (m *MemoryStore) MarkFailed(_ context.Context, intentID string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[intentID]
	if !ok {
		return ErrNotFound
	}
	if record.State.Terminal() {
		return ErrTerminalStatus
	}
	record.State = StateFailed
	record.Detail = ""
	record.Error = lastError
	record.ErrorCode = string(code)
	record.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的状态记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*StatusRecord, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		clone := *record
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].IntentID < results[j].IntentID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].IntentID < results[j].IntentID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*StatusRecord{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各状态下的意图数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, record := range m.records {
		stats.Total++
		switch record.State {
		case StatePending:
			stats.Pending++
		case StateProcessing:
			stats.Processing++
		case StateSucceeded:
			stats.Succeeded++
		case StateFailed:
			stats.Failed++
		}
		if record.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = record.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = record.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *StatusRecord, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if record.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

var _ StatusStore = (*MemoryStore)(nil)
