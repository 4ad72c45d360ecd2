package intent

import (
	"context"
	"testing"

	xerrors "CrossFlow/internal/errors"
)

func namedFlow(name string) Flow {
	return FlowFunc(func(context.Context, *ValidatedIntent) (string, error) {
		return name, nil
	})
}

func TestRouterDispatchesByFlow(t *testing.T) {
	router := NewRouter(namedFlow("deposit"), namedFlow("withdraw"), namedFlow("swap"))
	ctx := context.Background()

	cases := map[FlowKind]string{
		FlowLendingDeposit:  "deposit",
		FlowLendingWithdraw: "withdraw",
		FlowSwap:            "swap",
	}
	for flow, want := range cases {
		validated := &ValidatedIntent{Intent: Intent{IntentID: "i1", Flow: flow}}
		got, err := router.Route(ctx, validated)
		if err != nil {
			t.Fatalf("route %s: %v", flow, err)
		}
		if got != want {
			t.Fatalf("flow %s routed to %s", flow, got)
		}
	}
}

func TestRouterRejectsUnknownFlow(t *testing.T) {
	router := NewRouter(namedFlow("deposit"), namedFlow("withdraw"), namedFlow("swap"))
	validated := &ValidatedIntent{Intent: Intent{IntentID: "i1", Flow: "teleport"}}

	_, err := router.Route(context.Background(), validated)
	if err == nil {
		t.Fatalf("expected routing failure")
	}
	if xerrors.CodeOf(err) != CodeIntentValidation {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}

func TestRouterReportsUnconfiguredFlow(t *testing.T) {
	router := NewRouter(nil, nil, namedFlow("swap"))
	validated := &ValidatedIntent{Intent: Intent{IntentID: "i1", Flow: FlowLendingDeposit}}

	_, err := router.Route(context.Background(), validated)
	if err == nil {
		t.Fatalf("expected routing failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnavailable {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
}
