package intent

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestMemoryStoreForwardOnlyTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	record := &StatusRecord{IntentID: "i1", State: StatePending, MaxAttempts: 3}
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, record); !stdErrors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := store.MarkProcessing(ctx, "i1", 1, 3, "attempt 1/3"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	current, err := store.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.State != StateProcessing || current.Detail != "attempt 1/3" || current.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", current)
	}

	if err := store.MarkSucceeded(ctx, "i1", "tx-1"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	// 终态之后任何状态写入都必须被拒绝。
	if err := store.MarkProcessing(ctx, "i1", 2, 3, "attempt 2/3"); !stdErrors.Is(err, ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}
	if err := store.MarkFailed(ctx, "i1", CodeIntentExecution, "boom"); !stdErrors.Is(err, ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}
	if err := store.MarkSucceeded(ctx, "i1", "tx-2"); !stdErrors.Is(err, ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}

	final, err := store.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.State != StateSucceeded || final.TxID != "tx-1" {
		t.Fatalf("terminal record mutated: %+v", final)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	for _, id := range []string{"i1", "i2", "i3"} {
		if err := store.Create(ctx, &StatusRecord{IntentID: id, State: StatePending, MaxAttempts: 3}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.MarkFailed(ctx, "i2", CodeIntentExecution, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "i3", "tx-3"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.records["i1"].UpdatedAt = base.Unix()
	store.records["i2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.records["i3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].IntentID != "i3" {
		t.Fatalf("expected newest record first, got %s", all[0].IntentID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStates(StateFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].IntentID != "i2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records to match since filter, got %d", len(recent))
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].IntentID != "i2" {
		t.Fatalf("unexpected page: %+v", paged)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.Create(ctx, &StatusRecord{IntentID: id, State: StatePending, MaxAttempts: 3}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.MarkProcessing(ctx, "b", 1, 3, "attempt 1/3"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := store.MarkFailed(ctx, "c", CodeIntentExhausted, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "d", "tx-d"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.records["a"].UpdatedAt = base.Unix()
	store.records["d"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Processing != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
}
