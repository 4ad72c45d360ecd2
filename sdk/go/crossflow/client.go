package crossflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the CrossFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// IntentSubmission is the payload accepted by POST /api/intents. Funding
// proof (origin tx hash plus deposit address) or a signed authorization must
// be present or the backend refuses the intent.
type IntentSubmission struct {
	IntentID         string            `json:"intentId,omitempty"`
	Flow             string            `json:"flow,omitempty"`
	SourceChain      string            `json:"sourceChain"`
	DestinationChain string            `json:"destinationChain"`
	SourceAsset      string            `json:"sourceAsset"`
	FinalAsset       string            `json:"finalAsset"`
	SourceAmount     string            `json:"sourceAmount"`
	UserDestination  string            `json:"userDestination"`
	SlippageBps      int64             `json:"slippageBps,omitempty"`
	OriginTxHash     string            `json:"originTxHash,omitempty"`
	DepositAddress   string            `json:"depositAddress,omitempty"`
	SignedMessage    string            `json:"signedMessage,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	SignerAddress    string            `json:"signerAddress,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// IntentStatus mirrors the pipeline status record returned by the backend.
type IntentStatus struct {
	IntentID    string `json:"intentId"`
	State       string `json:"state"`
	Detail      string `json:"detail,omitempty"`
	TxID        string `json:"txHash,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Terminal reports whether the intent has finished processing.
func (s IntentStatus) Terminal() bool {
	return s.State == "succeeded" || s.State == "failed"
}

// IntentStats aggregates pipeline counters by state.
type IntentStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// OrderRequest is the payload accepted by POST /api/orders.
type OrderRequest struct {
	OrderID          string `json:"orderId,omitempty"`
	OrderType        string `json:"orderType"`
	Side             string `json:"side"`
	PriceAsset       string `json:"priceAsset"`
	QuoteAsset       string `json:"quoteAsset"`
	TriggerPrice     string `json:"triggerPrice"`
	Condition        string `json:"priceCondition"`
	SourceChain      string `json:"sourceChain"`
	SourceAsset      string `json:"sourceAsset"`
	Amount           string `json:"amount"`
	DestinationChain string `json:"destinationChain"`
	TargetAsset      string `json:"targetAsset"`
	UserDestination  string `json:"userDestination"`
	SlippageBps      int64  `json:"slippageTolerance,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"`
	PublicKey        string `json:"publicKey,omitempty"`
	SignedMessage    string `json:"signedMessage,omitempty"`
	Signature        string `json:"signature,omitempty"`
}

// Order mirrors a conditional order record. CustodyAddress and CustodyChain
// are populated on creation and tell the caller where to deposit funds.
type Order struct {
	OrderID          string `json:"orderId"`
	OrderType        string `json:"orderType"`
	Side             string `json:"side"`
	PriceAsset       string `json:"priceAsset"`
	QuoteAsset       string `json:"quoteAsset"`
	TriggerPrice     string `json:"triggerPrice"`
	Condition        string `json:"priceCondition"`
	SourceChain      string `json:"sourceChain"`
	SourceAsset      string `json:"sourceAsset"`
	Amount           string `json:"amount"`
	DestinationChain string `json:"destinationChain"`
	TargetAsset      string `json:"targetAsset"`
	UserDestination  string `json:"userDestination"`
	AgentAddress     string `json:"agentAddress"`
	AgentChain       string `json:"agentChain"`
	SlippageBps      int64  `json:"slippageTolerance,omitempty"`
	State            string `json:"state"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	FundedAt         int64  `json:"fundedAt,omitempty"`
	FundingTxHash    string `json:"fundingTxHash,omitempty"`
	TriggeredAt      int64  `json:"triggeredAt,omitempty"`
	ExecutedAt       int64  `json:"executedAt,omitempty"`
	TriggeredPrice   string `json:"triggeredPrice,omitempty"`
	ExecutionTxID    string `json:"executionTxId,omitempty"`
	OutputAmount     string `json:"outputAmount,omitempty"`
	Error            string `json:"error,omitempty"`
	CustodyAddress   string `json:"custodyAddress,omitempty"`
	CustodyChain     string `json:"custodyChain,omitempty"`
}

// CancelOrderRequest identifies the owner cancelling an order.
type CancelOrderRequest struct {
	UserDestination string `json:"userDestination"`
	PublicKey       string `json:"publicKey,omitempty"`
	SignedMessage   string `json:"signedMessage,omitempty"`
	Signature       string `json:"signature,omitempty"`
	RefundFunds     bool   `json:"refundFunds,omitempty"`
}

// PollerHealth summarizes what the price poller is watching.
type PollerHealth struct {
	ActivePairs  int `json:"activePairs"`
	ActiveOrders int `json:"activeOrders"`
	Pairs        []struct {
		Pair       string `json:"pair"`
		OrderCount int    `json:"orderCount"`
	} `json:"pairs"`
}

// CheckResult reports one manual poller sweep.
type CheckResult struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
}

// RegisterWalletRequest binds an owner wallet to a derivation path. The
// message must be the canonical register message carrying the expected nonce.
type RegisterWalletRequest struct {
	DerivationPath string `json:"derivationPath"`
	WalletType     string `json:"walletType"`
	PublicKey      string `json:"publicKey"`
	ChainAddress   string `json:"chainAddress"`
	Signature      string `json:"signature"`
	Message        string `json:"message"`
	Nonce          uint64 `json:"nonce"`
}

// OperationRequest stores a new pre-authorized operation.
type OperationRequest struct {
	DerivationPath     string `json:"derivationPath"`
	OperationType      string `json:"operationType"`
	SourceAsset        string `json:"sourceAsset"`
	TargetAsset        string `json:"targetAsset"`
	MaxAmount          string `json:"maxAmount"`
	DestinationAddress string `json:"destinationAddress"`
	DestinationChain   string `json:"destinationChain"`
	SlippageBps        int64  `json:"slippageBps,omitempty"`
	PriceAsset         string `json:"priceAsset,omitempty"`
	QuoteAsset         string `json:"quoteAsset,omitempty"`
	TriggerPrice       string `json:"triggerPrice,omitempty"`
	Condition          string `json:"condition,omitempty"`
	ExpiresAt          int64  `json:"expiresAt,omitempty"`
	SignerAddress      string `json:"signerAddress"`
	Signature          string `json:"signature"`
	Message            string `json:"message"`
	Nonce              uint64 `json:"nonce"`
}

// RemoveOperationRequest deletes a stored operation.
type RemoveOperationRequest struct {
	DerivationPath string `json:"derivationPath"`
	OperationID    string `json:"operationId"`
	SignerAddress  string `json:"signerAddress"`
	Signature      string `json:"signature"`
	Message        string `json:"message"`
	Nonce          uint64 `json:"nonce"`
}

// ConsumeOperationRequest marks an operation executed. Conditional
// operations require price evidence observed within the freshness window.
type ConsumeOperationRequest struct {
	DerivationPath string `json:"derivationPath"`
	OperationID    string `json:"operationId"`
	Price          string `json:"price,omitempty"`
	ObservedAt     int64  `json:"observedAt,omitempty"`
}

// Operation mirrors a stored pre-authorization.
type Operation struct {
	OperationID        string `json:"operationId"`
	DerivationPath     string `json:"derivationPath"`
	OperationType      string `json:"operationType"`
	SourceAsset        string `json:"sourceAsset"`
	TargetAsset        string `json:"targetAsset"`
	MaxAmount          string `json:"maxAmount"`
	DestinationAddress string `json:"destinationAddress"`
	DestinationChain   string `json:"destinationChain"`
	SlippageBps        int64  `json:"slippageBps"`
	PriceAsset         string `json:"priceAsset,omitempty"`
	QuoteAsset         string `json:"quoteAsset,omitempty"`
	TriggerPrice       string `json:"triggerPrice,omitempty"`
	Condition          string `json:"condition,omitempty"`
	ExpiresAt          int64  `json:"expiresAt,omitempty"`
	Executed           bool   `json:"executed"`
	Nonce              uint64 `json:"nonce"`
	CreatedAt          int64  `json:"createdAt"`
}

// Wallet mirrors an owner wallet bound to a derivation path.
type Wallet struct {
	WalletType   string `json:"walletType"`
	PublicKey    string `json:"publicKey"`
	ChainAddress string `json:"chainAddress"`
	AddedAt      int64  `json:"addedAt"`
}

// PermissionRecord mirrors everything bound to one derivation path. The
// NextNonce field is the nonce the next signed mutation must carry.
type PermissionRecord struct {
	DerivationPath string      `json:"derivationPath"`
	Wallets        []Wallet    `json:"owner_wallets"`
	Operations     []Operation `json:"operations"`
	NextNonce      uint64      `json:"next_nonce"`
}

// APIError represents server side validation or internal errors. StatusCode
// comes from the HTTP response, never from the body.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("crossflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("crossflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the CrossFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitIntent submits a cross-chain intent and returns its initial status.
func (c *Client) SubmitIntent(ctx context.Context, submission IntentSubmission) (IntentStatus, error) {
	var status IntentStatus
	if err := c.post(ctx, "/api/intents", submission, &status); err != nil {
		return IntentStatus{}, err
	}
	return status, nil
}

// IntentStatus fetches the processing status of one intent.
func (c *Client) IntentStatus(ctx context.Context, intentID string) (IntentStatus, error) {
	var status IntentStatus
	if err := c.get(ctx, "/api/status/"+url.PathEscape(intentID), &status); err != nil {
		return IntentStatus{}, err
	}
	return status, nil
}

// WaitForIntent polls the status endpoint until the intent reaches a
// terminal state or the context expires.
func (c *Client) WaitForIntent(ctx context.Context, intentID string, interval time.Duration) (IntentStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.IntentStatus(ctx, intentID)
		if err != nil {
			return IntentStatus{}, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return IntentStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// IntentStats fetches pipeline counters.
func (c *Client) IntentStats(ctx context.Context) (IntentStats, error) {
	var stats IntentStats
	if err := c.get(ctx, "/api/intents/stats", &stats); err != nil {
		return IntentStats{}, err
	}
	return stats, nil
}

// CreateOrder registers a conditional order and returns it together with
// the custody deposit coordinates.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var created Order
	if err := c.post(ctx, "/api/orders", req, &created); err != nil {
		return Order{}, err
	}
	return created, nil
}

// GetOrder fetches one order by identifier.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var found Order
	if err := c.get(ctx, "/api/orders/"+url.PathEscape(orderID), &found); err != nil {
		return Order{}, err
	}
	return found, nil
}

// FundOrder reports the custody deposit for a pending order. The funding
// transaction hash may be empty when the caller cannot provide one.
func (c *Client) FundOrder(ctx context.Context, orderID, fundingTxHash string) (Order, error) {
	var funded Order
	payload := struct {
		FundingTxHash string `json:"fundingTxHash,omitempty"`
	}{FundingTxHash: fundingTxHash}
	if err := c.post(ctx, "/api/orders/"+url.PathEscape(orderID)+"/fund", payload, &funded); err != nil {
		return Order{}, err
	}
	return funded, nil
}

// CancelOrder cancels a not-yet-executed order.
func (c *Client) CancelOrder(ctx context.Context, orderID string, req CancelOrderRequest) (Order, error) {
	var cancelled Order
	if err := c.post(ctx, "/api/orders/"+url.PathEscape(orderID)+"/cancel", req, &cancelled); err != nil {
		return Order{}, err
	}
	return cancelled, nil
}

// PollerHealth reports which pairs the price poller is watching.
func (c *Client) PollerHealth(ctx context.Context) (PollerHealth, error) {
	var health PollerHealth
	if err := c.get(ctx, "/api/orders/status/poller", &health); err != nil {
		return PollerHealth{}, err
	}
	return health, nil
}

// TriggerCheck runs one manual poller sweep.
func (c *Client) TriggerCheck(ctx context.Context) (CheckResult, error) {
	var result CheckResult
	if err := c.post(ctx, "/api/orders/status/check", nil, &result); err != nil {
		return CheckResult{}, err
	}
	return result, nil
}

// RegisterWallet binds an owner wallet to a derivation path.
func (c *Client) RegisterWallet(ctx context.Context, req RegisterWalletRequest) (PermissionRecord, error) {
	var record PermissionRecord
	if err := c.post(ctx, "/api/permission/register", req, &record); err != nil {
		return PermissionRecord{}, err
	}
	return record, nil
}

// AddOperation stores a signed pre-authorization.
func (c *Client) AddOperation(ctx context.Context, req OperationRequest) (Operation, error) {
	var op Operation
	if err := c.post(ctx, "/api/permission/operation", req, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// RemoveOperation deletes a stored pre-authorization.
func (c *Client) RemoveOperation(ctx context.Context, req RemoveOperationRequest) error {
	return c.delete(ctx, "/api/permission/operation", req)
}

// ConsumeOperation marks a pre-authorization executed on behalf of the
// execution agent.
func (c *Client) ConsumeOperation(ctx context.Context, req ConsumeOperationRequest) (Operation, error) {
	var op Operation
	if err := c.post(ctx, "/api/permission/operation/consume", req, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// PermissionRecord fetches the full record for a derivation path.
func (c *Client) PermissionRecord(ctx context.Context, derivationPath string) (PermissionRecord, error) {
	var record PermissionRecord
	if err := c.get(ctx, "/api/permission/"+derivationPath, &record); err != nil {
		return PermissionRecord{}, err
	}
	return record, nil
}

// WalletPath resolves the derivation path owning a chain address.
func (c *Client) WalletPath(ctx context.Context, chainAddress string) (string, error) {
	var resp struct {
		DerivationPath string `json:"derivationPath"`
	}
	if err := c.get(ctx, "/api/permission/wallet/"+url.PathEscape(chainAddress), &resp); err != nil {
		return "", err
	}
	return resp.DerivationPath, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) delete(ctx context.Context, endpoint string, payload any) error {
	return c.send(ctx, http.MethodDelete, endpoint, payload, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
