package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"CrossFlow/sdk/go/crossflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/intents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(crossflow.IntentStatus{
				IntentID:    "intent-demo",
				State:       "pending",
				MaxAttempts: 3,
				CreatedAt:   time.Now().Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/status/intent-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(crossflow.IntentStatus{
			IntentID: "intent-demo",
			State:    "succeeded",
			TxID:     "sim-tx-1",
			Attempts: 1,
		})
	})
	mux.HandleFunc("/api/orders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(crossflow.Order{
				OrderID:        "order-demo",
				State:          "pending",
				CustodyAddress: "a1b2c3.crossflow.near",
				CustodyChain:   "near",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/orders/order-demo/fund", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(crossflow.Order{
			OrderID:       "order-demo",
			State:         "active",
			FundingTxHash: "0xfeed",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := crossflow.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := client.SubmitIntent(ctx, crossflow.IntentSubmission{
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
		panic(err)
	}
	fmt.Printf("submitted intent %s (state=%s)\n", status.IntentID, status.State)

	final, err := client.WaitForIntent(ctx, status.IntentID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("intent %s finished with state=%s tx=%s\n", final.IntentID, final.State, final.TxID)

	created, err := client.CreateOrder(ctx, crossflow.OrderRequest{
		OrderType:        "limit",
		Side:             "buy",
		PriceAsset:       "SOL",
		QuoteAsset:       "USDC",
		TriggerPrice:     "150.00",
		Condition:        "below",
		SourceChain:      "near",
		SourceAsset:      "near:usdc",
		Amount:           "250",
		DestinationChain: "solana",
		TargetAsset:      "sol:native",
		UserDestination:  "alice.near",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created order %s, deposit to %s on %s\n", created.OrderID, created.CustodyAddress, created.CustodyChain)

	funded, err := client.FundOrder(ctx, created.OrderID, "0xfeed")
	if err != nil {
		panic(err)
	}
	fmt.Printf("order %s is now %s\n", funded.OrderID, funded.State)
}
