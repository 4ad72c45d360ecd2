package permission

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"CrossFlow/internal/proofs"
)

// OperationType enumerates the pre-authorized action kinds an agent may
// perform on behalf of a derivation path.
type OperationType string

const (
	OpSwap       OperationType = "Swap"
	OpLimitOrder OperationType = "LimitOrder"
	OpStopLoss   OperationType = "StopLoss"
	OpTakeProfit OperationType = "TakeProfit"
)

// ParseOperationType validates a caller-supplied operation type.
func ParseOperationType(raw string) (OperationType, error) {
	switch OperationType(strings.TrimSpace(raw)) {
	case OpSwap:
		return OpSwap, nil
	case OpLimitOrder:
		return OpLimitOrder, nil
	case OpStopLoss:
		return OpStopLoss, nil
	case OpTakeProfit:
		return OpTakeProfit, nil
	default:
		return "", fmt.Errorf("unsupported operation type: %q", raw)
	}
}

// Conditional reports whether the type requires a price trigger.
func (t OperationType) Conditional() bool {
	return t == OpLimitOrder || t == OpStopLoss || t == OpTakeProfit
}

// Price trigger directions shared with the order engine.
const (
	ConditionAbove = "above"
	ConditionBelow = "below"
)

// Wallet is one owner key bound to a derivation path.
type Wallet struct {
	WalletType   proofs.WalletType `json:"walletType"`
	PublicKey    string            `json:"publicKey"`
	ChainAddress string            `json:"chainAddress"`
	AddedAt      int64             `json:"addedAt"`
}

// Operation is a one-shot pre-authorization stored under a derivation path.
type Operation struct {
	OperationID        string        `json:"operationId"`
	DerivationPath     string        `json:"derivationPath"`
	OperationType      OperationType `json:"operationType"`
	SourceAsset        string        `json:"sourceAsset"`
	TargetAsset        string        `json:"targetAsset"`
	MaxAmount          string        `json:"maxAmount"`
	DestinationAddress string        `json:"destinationAddress"`
	DestinationChain   string        `json:"destinationChain"`
	SlippageBps        int64         `json:"slippageBps"`
	PriceAsset         string        `json:"priceAsset,omitempty"`
	QuoteAsset         string        `json:"quoteAsset,omitempty"`
	TriggerPrice       string        `json:"triggerPrice,omitempty"`
	Condition          string        `json:"condition,omitempty"`
	ExpiresAt          int64         `json:"expiresAt,omitempty"`
	Executed           bool          `json:"executed"`
	Nonce              uint64        `json:"nonce"`
	CreatedAt          int64         `json:"createdAt"`
}

// Expired reports whether the operation's deadline has passed.
func (o Operation) Expired(now int64) bool {
	return o.ExpiresAt > 0 && now >= o.ExpiresAt
}

// Active reports whether the operation can still be consumed.
func (o Operation) Active(now int64) bool {
	return !o.Executed && !o.Expired(now)
}

// Record holds everything bound to one derivation path. The wire names
// owner_wallets and next_nonce predate the camelCase surface and stay.
type Record struct {
	DerivationPath string      `json:"derivationPath"`
	Wallets        []Wallet    `json:"owner_wallets"`
	Operations     []Operation `json:"operations"`
	NextNonce      uint64      `json:"next_nonce"`
}

// WalletByAddress looks up an owner wallet by its chain address.
func (r *Record) WalletByAddress(chainAddress string) (Wallet, bool) {
	if r == nil {
		return Wallet{}, false
	}
	needle := strings.TrimSpace(chainAddress)
	for _, wallet := range r.Wallets {
		if strings.EqualFold(wallet.ChainAddress, needle) {
			return wallet, true
		}
	}
	return Wallet{}, false
}

// Clone creates a deep copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := &Record{
		DerivationPath: r.DerivationPath,
		Wallets:        append([]Wallet(nil), r.Wallets...),
		Operations:     append([]Operation(nil), r.Operations...),
		NextNonce:      r.NextNonce,
	}
	return clone
}

// PriceEvidence is the observation justifying a conditional consumption.
type PriceEvidence struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// RegisterRequest binds a new owner wallet to a derivation path.
type RegisterRequest struct {
	DerivationPath string `json:"derivationPath"`
	WalletType     string `json:"walletType"`
	PublicKey      string `json:"publicKey"`
	ChainAddress   string `json:"chainAddress"`
	Signature      string `json:"signature"`
	Message        string `json:"message"`
	Nonce          uint64 `json:"nonce"`
}

// OperationRequest registers a new pre-authorized operation.
type OperationRequest struct {
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
	SignerAddress      string `json:"signerAddress"`
	Signature          string `json:"signature"`
	Message            string `json:"message"`
	Nonce              uint64 `json:"nonce"`
}

// RemoveRequest deletes a stored operation.
type RemoveRequest struct {
	DerivationPath string `json:"derivationPath"`
	OperationID    string `json:"operationId"`
	SignerAddress  string `json:"signerAddress"`
	Signature      string `json:"signature"`
	Message        string `json:"message"`
	Nonce          uint64 `json:"nonce"`
}

// RegisterMessage is the exact message a wallet must sign to be bound.
func RegisterMessage(derivationPath string, nonce uint64) string {
	return fmt.Sprintf("Register wallet for derivation path: %s with nonce: %d", derivationPath, nonce)
}

// nonceMarker is the fragment every signed mutation message must embed.
func nonceMarker(nonce uint64) string {
	return fmt.Sprintf("nonce: %d", nonce)
}
