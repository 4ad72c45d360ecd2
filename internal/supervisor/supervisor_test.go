package supervisor

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/observability/alerting"
)

type fakeAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeAlerts) Notify(_ context.Context, event alerting.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAlerts) recorded() []alerting.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alerting.Event(nil), f.events...)
}

func TestSupervisorRestartsFailedLoop(t *testing.T) {
	sup := New(WithMaxRestarts(5), WithBackoff(time.Millisecond, 2*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	steady := make(chan struct{})
	loop := Loop{Name: "dispatcher", Run: func(ctx context.Context) error {
		if attempts.Add(1) <= 2 {
			return stdErrors.New("boom")
		}
		close(steady)
		<-ctx.Done()
		return nil
	}}

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx, loop) }()

	select {
	case <-steady:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not reach steady state, attempts=%d", attempts.Load())
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	snapshot := sup.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Loop != "dispatcher" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot[0].Restarts != 2 || !snapshot[0].Alive {
		t.Fatalf("unexpected status: %+v", snapshot[0])
	}
	if !sup.Healthy() {
		t.Fatalf("supervisor should report healthy")
	}
}

func TestSupervisorGivesUpAfterRestartBudget(t *testing.T) {
	alerts := &fakeAlerts{}
	sup := New(WithMaxRestarts(2), WithBackoff(time.Millisecond, time.Millisecond), WithAlerts(alerts))

	var attempts atomic.Int32
	loop := Loop{Name: "poller", Run: func(ctx context.Context) error {
		attempts.Add(1)
		return stdErrors.New("feed exploded")
	}}

	err := sup.Run(context.Background(), loop)
	if err == nil {
		t.Fatalf("expected fatal error after budget exhaustion")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnavailable {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 runs (1 + 2 restarts), got %d", got)
	}
	if sup.Healthy() {
		t.Fatalf("supervisor must report unhealthy after loop death")
	}
	snapshot := sup.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Alive {
		t.Fatalf("loop should be marked dead: %+v", snapshot)
	}

	events := alerts.recorded()
	if len(events) != 3 {
		t.Fatalf("expected 3 alert events, got %d", len(events))
	}
	if events[0].Severity != xerrors.SeverityWarning || events[2].Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected severities: %+v", events)
	}
	if events[2].Metadata["loop"] != "poller" {
		t.Fatalf("alert must carry the loop name: %+v", events[2].Metadata)
	}
}

func TestSupervisorRecoversPanics(t *testing.T) {
	sup := New(WithMaxRestarts(1), WithBackoff(time.Millisecond, time.Millisecond))

	loop := Loop{Name: "dispatcher", Run: func(ctx context.Context) error {
		panic("worker blew up")
	}}

	err := sup.Run(context.Background(), loop)
	if err == nil {
		t.Fatalf("expected error from panicking loop")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnavailable {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

func TestSupervisorStopsSiblingsOnFatalFailure(t *testing.T) {
	sup := New(WithMaxRestarts(1), WithBackoff(time.Millisecond, time.Millisecond))

	healthyStopped := make(chan struct{})
	healthy := Loop{Name: "dispatcher", Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(healthyStopped)
		return nil
	}}
	failing := Loop{Name: "poller", Run: func(ctx context.Context) error {
		return stdErrors.New("feed exploded")
	}}

	err := sup.Run(context.Background(), healthy, failing)
	if err == nil {
		t.Fatalf("expected fatal error to surface")
	}

	select {
	case <-healthyStopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("sibling loop was not cancelled")
	}
}
