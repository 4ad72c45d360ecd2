package intent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "CrossFlow/internal/errors"
)

// recordingStore 记录 MarkProcessing 写入的 detail，用于断言状态轨迹。
type recordingStore struct {
	*MemoryStore
	mu      sync.Mutex
	details []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore()}
}

func (s *recordingStore) MarkProcessing(ctx context.Context, intentID string, attempt, maxAttempts int, detail string) error {
	err := s.MemoryStore.MarkProcessing(ctx, intentID, attempt, maxAttempts, detail)
	if err == nil {
		s.mu.Lock()
		s.details = append(s.details, detail)
		s.mu.Unlock()
	}
	return err
}

func (s *recordingStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.details...)
}

type pipeline struct {
	queue      *MemoryQueue
	store      StatusStore
	service    *Service
	dispatcher *Dispatcher
}

func newPipeline(t *testing.T, store StatusStore, flow Flow, opts ...DispatcherOption) *pipeline {
	t.Helper()
	queue := NewMemoryQueue(256)
	validator := NewValidator(testRegistry(t), nil)
	router := NewRouter(flow, flow, flow)
	base := []DispatcherOption{
		WithRetryPolicy(3, time.Millisecond),
		WithIdleWait(time.Millisecond),
	}
	return &pipeline{
		queue:      queue,
		store:      store,
		service:    NewService(store, queue, validator, 3),
		dispatcher: NewDispatcher(queue, store, validator, router, append(base, opts...)...),
	}
}

func (p *pipeline) run(ctx context.Context, t *testing.T) {
	t.Helper()
	go func() {
		if err := p.dispatcher.Run(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("dispatcher exited: %v", err)
		}
	}()
}

func (p *pipeline) inflightCount() int {
	p.queue.mu.Lock()
	defer p.queue.mu.Unlock()
	return len(p.queue.inflight)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting: %s", message)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatcherExecutesIntentToSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var hooks atomic.Int32
	flow := FlowFunc(func(context.Context, *ValidatedIntent) (string, error) {
		return "tx-ok", nil
	})
	p := newPipeline(t, NewMemoryStore(), flow,
		WithTerminalHook(func(context.Context, *ValidatedIntent, *StatusRecord) {
			hooks.Add(1)
		}))
	p.run(ctx, t)

	record, err := p.service.Submit(ctx, validIntent())
	if err != nil {
		t.Fatalf("提交意图失败: %v", err)
	}
	if record.State != StatePending {
		t.Fatalf("expected pending after submit, got %s", record.State)
	}

	final, err := p.service.WaitForTerminal(ctx, "i1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal: %v", err)
	}
	if final.State != StateSucceeded || final.TxID != "tx-ok" {
		t.Fatalf("unexpected terminal record: %+v", final)
	}

	waitUntil(t, 2*time.Second, func() bool { return p.inflightCount() == 0 }, "message acked")
	if hooks.Load() != 1 {
		t.Fatalf("terminal hook fired %d times", hooks.Load())
	}
	dead, err := p.service.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 0 {
		t.Fatalf("successful intent must not reach dead letter area: %+v", dead)
	}
}

func TestDispatcherRetriesThenDeadLetters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newRecordingStore()
	flow := FlowFunc(func(context.Context, *ValidatedIntent) (string, error) {
		return "", xerrors.New(CodeIntentExecution, "rpc unavailable")
	})
	p := newPipeline(t, store, flow)
	p.run(ctx, t)

	if _, err := p.service.Submit(ctx, validIntent()); err != nil {
		t.Fatalf("提交意图失败: %v", err)
	}

	final, err := p.service.WaitForTerminal(ctx, "i1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal: %v", err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorCode != string(CodeIntentExhausted) {
		t.Fatalf("expected exhaustion code, got %s", final.ErrorCode)
	}
	if final.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", final.Attempts)
	}

	want := []string{"attempt 1/3", "retrying 2/3", "attempt 2/3", "retrying 3/3", "attempt 3/3"}
	got := store.snapshot()
	if len(got) != len(want) {
		t.Fatalf("unexpected status trail: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status trail[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		dead, err := p.service.DeadLetters(ctx, 10)
		return err == nil && len(dead) == 1
	}, "message moved to dead letter")
	dead, _ := p.service.DeadLetters(ctx, 10)
	if dead[0].Reason == "" {
		t.Fatalf("dead letter must carry a reason")
	}
}

func TestDispatcherStopsRetryingOnNonRetryableError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int32
	flow := FlowFunc(func(context.Context, *ValidatedIntent) (string, error) {
		calls.Add(1)
		return "", xerrors.New(CodeIntentExecution, "insufficient funds", xerrors.WithRetryable(false))
	})
	p := newPipeline(t, NewMemoryStore(), flow)
	p.run(ctx, t)

	if _, err := p.service.Submit(ctx, validIntent()); err != nil {
		t.Fatalf("提交意图失败: %v", err)
	}
	final, err := p.service.WaitForTerminal(ctx, "i1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal: %v", err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorCode != string(CodeIntentExecution) {
		t.Fatalf("non-retryable failure keeps its own code, got %s", final.ErrorCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("non-retryable error must not be retried, flow ran %d times", calls.Load())
	}

	waitUntil(t, 2*time.Second, func() bool {
		dead, err := p.service.DeadLetters(ctx, 10)
		return err == nil && len(dead) == 1
	}, "message moved to dead letter")
}

func TestDispatcherValidationFailureSkipsDeadLetter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int32
	flow := FlowFunc(func(context.Context, *ValidatedIntent) (string, error) {
		calls.Add(1)
		return "tx", nil
	})
	p := newPipeline(t, NewMemoryStore(), flow)
	p.run(ctx, t)

	// 模拟一条绕过受理直接出现在队列里的残缺消息。
	if err := p.store.Create(ctx, &StatusRecord{IntentID: "stale-1", State: StatePending, MaxAttempts: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.queue.Publish(ctx, []byte(`{"intentId":"stale-1","sourceChain":"solana"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	final, err := p.service.WaitForTerminal(ctx, "stale-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal: %v", err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.ErrorCode != string(CodeIntentValidation) {
		t.Fatalf("expected validation code, got %s", final.ErrorCode)
	}
	if calls.Load() != 0 {
		t.Fatalf("validation failure must not reach the flow router")
	}

	waitUntil(t, 2*time.Second, func() bool { return p.inflightCount() == 0 }, "message acked")
	dead, err := p.service.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 0 {
		t.Fatalf("validation failures never reach the dead letter area: %+v", dead)
	}
}

func TestDispatcherDropsUnparseableMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := newPipeline(t, NewMemoryStore(), namedFlow("tx"))
	p.run(ctx, t)

	if err := p.queue.Publish(ctx, []byte("{broken")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(p.queue.ch) == 0 && p.inflightCount() == 0
	}, "garbage message dropped")
	dead, err := p.service.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 0 {
		t.Fatalf("unparseable messages are dropped, not dead lettered: %+v", dead)
	}
}

func TestDispatcherAcksDuplicateDeliveryOfTerminalIntent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var calls atomic.Int32
	flow := FlowFunc(func(context.Context, *ValidatedIntent) (string, error) {
		calls.Add(1)
		return "tx", nil
	})
	p := newPipeline(t, NewMemoryStore(), flow)

	// 模拟至少一次投递：状态已是终态，但消息再次出现。
	if err := p.store.Create(ctx, &StatusRecord{IntentID: "i1", State: StatePending, MaxAttempts: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.store.MarkSucceeded(ctx, "i1", "tx-done"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	payload, err := json.Marshal(validIntent())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := p.queue.Publish(ctx, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	p.run(ctx, t)
	waitUntil(t, 2*time.Second, func() bool {
		return len(p.queue.ch) == 0 && p.inflightCount() == 0
	}, "duplicate delivery acked")

	if calls.Load() != 0 {
		t.Fatalf("terminal intent must not be re-executed, flow ran %d times", calls.Load())
	}
	record, err := p.store.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.TxID != "tx-done" {
		t.Fatalf("terminal record mutated: %+v", record)
	}
}

func TestDispatcherBoundsInFlightTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const limit = 3
	var current, peak atomic.Int32
	flow := FlowFunc(func(ctx context.Context, _ *ValidatedIntent) (string, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "tx", nil
	})
	p := newPipeline(t, NewMemoryStore(), flow, WithWorkerLimit(limit))
	p.run(ctx, t)

	total := 12
	for i := 0; i < total; i++ {
		in := validIntent()
		in.IntentID = fmt.Sprintf("i-%d", i)
		if _, err := p.service.Submit(ctx, in); err != nil {
			t.Fatalf("提交意图失败: %v", err)
		}
	}

	for i := 0; i < total; i++ {
		id := fmt.Sprintf("i-%d", i)
		final, err := p.service.WaitForTerminal(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("wait for %s: %v", id, err)
		}
		if final.State != StateSucceeded {
			t.Fatalf("intent %s finished as %s", id, final.State)
		}
	}

	if peak.Load() > limit {
		t.Fatalf("in-flight tasks peaked at %d, limit is %d", peak.Load(), limit)
	}
}
