package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "CrossFlow/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func sampleEvent(sev xerrors.Severity) Event {
	return Event{
		Code:        xerrors.CodeRetriesExhausted,
		Message:     "重试耗尽",
		Severity:    sev,
		IntentID:    "intent-1",
		Attempts:    3,
		MaxAttempts: 3,
		OccurredAt:  time.Unix(1700000000, 0),
	}
}

func TestThresholdFiltersBelowMinimum(t *testing.T) {
	sink := &recordingNotifier{channel: ChannelSlack}
	dispatcher := NewThreshold(xerrors.SeverityWarning, NewFanout(sink))

	if err := dispatcher.Notify(context.Background(), sampleEvent(xerrors.SeverityInfo)); err != nil {
		t.Fatalf("notify info: %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("info event should be filtered, got %d deliveries", len(sink.events))
	}

	if err := dispatcher.Notify(context.Background(), sampleEvent(xerrors.SeverityCritical)); err != nil {
		t.Fatalf("notify critical: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("critical event should pass, got %d deliveries", len(sink.events))
	}
}

func TestFanoutAggregatesFailures(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelSlack}
	broken := &recordingNotifier{channel: ChannelDingTalk, err: errors.New("webhook down")}
	dispatcher := NewFanout(ok, broken)

	err := dispatcher.Notify(context.Background(), sampleEvent(xerrors.SeverityWarning))
	if err == nil {
		t.Fatal("expected aggregated error from the broken channel")
	}
	if !strings.Contains(err.Error(), "dingtalk") {
		t.Fatalf("error should name the failed channel: %v", err)
	}
	if len(ok.events) != 1 {
		t.Fatalf("healthy channel should still deliver, got %d", len(ok.events))
	}
}

type fakeEmailSender struct {
	subject string
	content string
	to      []string
}

func (s *fakeEmailSender) Send(_ context.Context, subject, content string, to []string) error {
	s.subject = subject
	s.content = content
	s.to = to
	return nil
}

func TestEmailNotifierFormatsEvent(t *testing.T) {
	sender := &fakeEmailSender{}
	notifier := &EmailNotifier{Sender: sender, To: []string{"ops@example.com"}, SubjectPrefix: "[crossflow]"}

	event := sampleEvent(xerrors.SeverityCritical)
	event.Metadata = map[string]string{"queue": "redis"}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(sender.subject, string(xerrors.CodeRetriesExhausted)) {
		t.Fatalf("subject should carry the error code: %q", sender.subject)
	}
	if !strings.Contains(sender.content, "intent-1") || !strings.Contains(sender.content, "queue: redis") {
		t.Fatalf("content missing event details: %q", sender.content)
	}
	if len(sender.to) != 1 || sender.to[0] != "ops@example.com" {
		t.Fatalf("unexpected recipients: %v", sender.to)
	}
}

func TestEmailNotifierSkipsWhenUnconfigured(t *testing.T) {
	notifier := &EmailNotifier{}
	if err := notifier.Notify(context.Background(), sampleEvent(xerrors.SeverityWarning)); err != nil {
		t.Fatalf("unconfigured notifier should be a no-op, got %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	notifier := &LogNotifier{}
	for _, sev := range []xerrors.Severity{xerrors.SeverityInfo, xerrors.SeverityWarning, xerrors.SeverityCritical} {
		if err := notifier.Notify(context.Background(), sampleEvent(sev)); err != nil {
			t.Fatalf("log notifier returned error for %s: %v", sev, err)
		}
	}
}
