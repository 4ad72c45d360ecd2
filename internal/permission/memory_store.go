package permission

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps permission records in process memory, intended for
// development and testing scenarios.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byAddr  map[string]string
}

// NewMemoryStore initialises an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byAddr:  make(map[string]string),
	}
}

// Get 实现 Store 接口。
func (s *MemoryStore) Get(_ context.Context, derivationPath string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[derivationPath]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// AppendWallet 实现 Store 接口。
func (s *MemoryStore) AppendWallet(_ context.Context, derivationPath string, wallet Wallet, expectedNonce uint64) error {
	key := strings.ToLower(strings.TrimSpace(wallet.ChainAddress))
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.byAddr[key]; ok && owner != derivationPath {
		return ErrWalletBound
	}
	record, ok := s.records[derivationPath]
	if !ok {
		record = &Record{DerivationPath: derivationPath}
		s.records[derivationPath] = record
	}
	if record.NextNonce != expectedNonce {
		return ErrNonceMismatch
	}
	record.Wallets = append(record.Wallets, wallet)
	record.NextNonce++
	s.byAddr[key] = derivationPath
	return nil
}

// AppendOperation 实现 Store 接口。
func (s *MemoryStore) AppendOperation(_ context.Context, derivationPath string, op Operation, expectedNonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[derivationPath]
	if !ok {
		return ErrNotFound
	}
	if record.NextNonce != expectedNonce {
		return ErrNonceMismatch
	}
	record.Operations = append(record.Operations, op)
	record.NextNonce++
	return nil
}

// DeleteOperation 实现 Store 接口。
func (s *MemoryStore) DeleteOperation(_ context.Context, derivationPath, operationID string, expectedNonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[derivationPath]
	if !ok {
		return ErrNotFound
	}
	if record.NextNonce != expectedNonce {
		return ErrNonceMismatch
	}
	for idx, op := range record.Operations {
		if op.OperationID == operationID {
			record.Operations = append(record.Operations[:idx], record.Operations[idx+1:]...)
			record.NextNonce++
			return nil
		}
	}
	return ErrOperationNotFound
}

// ConsumeOperation 实现 Store 接口。
func (s *MemoryStore) ConsumeOperation(_ context.Context, derivationPath, operationID string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[derivationPath]
	if !ok {
		return nil, ErrNotFound
	}
	for idx := range record.Operations {
		if record.Operations[idx].OperationID != operationID {
			continue
		}
		if record.Operations[idx].Executed {
			return nil, ErrOperationExecuted
		}
		record.Operations[idx].Executed = true
		consumed := record.Operations[idx]
		return &consumed, nil
	}
	return nil, ErrOperationNotFound
}

// ListActive 实现 Store 接口。
func (s *MemoryStore) ListActive(_ context.Context, from, limit int, now int64) ([]Operation, error) {
	s.mu.RLock()
	active := make([]Operation, 0)
	for _, record := range s.records {
		for _, op := range record.Operations {
			if op.Active(now) {
				active = append(active, op)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt != active[j].CreatedAt {
			return active[i].CreatedAt < active[j].CreatedAt
		}
		return active[i].OperationID < active[j].OperationID
	})
	if from < 0 {
		from = 0
	}
	if from >= len(active) {
		return []Operation{}, nil
	}
	end := from + limit
	if limit <= 0 || end > len(active) {
		end = len(active)
	}
	return active[from:end], nil
}

// PathForWallet 实现 Store 接口。
func (s *MemoryStore) PathForWallet(_ context.Context, chainAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, ok := s.byAddr[strings.ToLower(strings.TrimSpace(chainAddress))]
	if !ok {
		return "", ErrNotFound
	}
	return path, nil
}

var _ Store = (*MemoryStore)(nil)
