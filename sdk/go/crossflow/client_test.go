package crossflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestSubmitIntentRoundTrip(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/intents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission IntentSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if submission.SourceChain != "solana" {
			t.Fatalf("unexpected source chain: %s", submission.SourceChain)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(IntentStatus{IntentID: "i-1", State: "pending", MaxAttempts: 3})
	}))

	status, err := client.SubmitIntent(context.Background(), IntentSubmission{
		SourceChain:      "solana",
		DestinationChain: "near",
		SourceAsset:      "sol:native",
		FinalAsset:       "near:native",
		SourceAmount:     "1000000",
		UserDestination:  "alice.near",
		OriginTxHash:     "0xabc",
		DepositAddress:   "Dep1",
	})
	if err != nil {
		t.Fatalf("submit intent: %v", err)
	}
	if status.IntentID != "i-1" || status.State != "pending" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestWaitForIntentPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status/i-2" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		state := "processing"
		if calls.Add(1) >= 3 {
			state = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(IntentStatus{IntentID: "i-2", State: state, TxID: "sim-1"})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := client.WaitForIntent(ctx, "i-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for intent: %v", err)
	}
	if status.State != "succeeded" || status.TxID != "sim-1" {
		t.Fatalf("unexpected terminal status: %+v", status)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}

func TestCreateOrderReturnsCustodyCoordinates(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/orders" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Order{
			OrderID:        "order-1",
			State:          "pending",
			CustodyAddress: "custody.solana",
			CustodyChain:   "solana",
		})
	}))

	created, err := client.CreateOrder(context.Background(), OrderRequest{
		OrderType:    "limit",
		Side:         "buy",
		PriceAsset:   "SOL",
		QuoteAsset:   "USDC",
		TriggerPrice: "150.00",
		Condition:    "below",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if created.CustodyAddress != "custody.solana" || created.CustodyChain != "solana" {
		t.Fatalf("custody coordinates missing: %+v", created)
	}
}

func TestRemoveOperationSendsDelete(t *testing.T) {
	deleted := false
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/permission/operation" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodDelete {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req RemoveOperationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode remove request: %v", err)
		}
		if req.OperationID != "op-1" {
			t.Fatalf("unexpected operation id: %s", req.OperationID)
		}
		deleted = true
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "removed"})
	}))

	err := client.RemoveOperation(context.Background(), RemoveOperationRequest{
		DerivationPath: "agents/alice",
		OperationID:    "op-1",
		Nonce:          4,
	})
	if err != nil {
		t.Fatalf("remove operation: %v", err)
	}
	if !deleted {
		t.Fatal("delete request never reached the server")
	}
}

func TestPermissionRecordKeepsPathSegments(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/permission/agents/alice" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(PermissionRecord{DerivationPath: "agents/alice", NextNonce: 2})
	}))

	record, err := client.PermissionRecord(context.Background(), "agents/alice")
	if err != nil {
		t.Fatalf("permission record: %v", err)
	}
	if record.NextNonce != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestAPIErrorEnvelopeDecoding(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]map[string]string{
			"error": {"code": "NOT_FOUND", "message": "资源不存在"},
		})
	}))

	_, err := client.IntentStatus(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
