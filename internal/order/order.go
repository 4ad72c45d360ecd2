package order

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "CrossFlow/internal/errors"
)

// State is the lifecycle state of a conditional order.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateTriggered State = "triggered"
	StateExecuted  State = "executed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateCancelled, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// ParseState normalizes a state string.
func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StatePending:
		return StatePending, nil
	case StateActive:
		return StateActive, nil
	case StateTriggered:
		return StateTriggered, nil
	case StateExecuted:
		return StateExecuted, nil
	case StateCancelled:
		return StateCancelled, nil
	case StateExpired:
		return StateExpired, nil
	case StateFailed:
		return StateFailed, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported order state %q", raw))
	}
}

// Type is the order kind.
type Type string

const (
	TypeLimit      Type = "limit"
	TypeStopLoss   Type = "stop-loss"
	TypeTakeProfit Type = "take-profit"
)

// ParseType normalizes an order type string.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeLimit:
		return TypeLimit, nil
	case TypeStopLoss:
		return TypeStopLoss, nil
	case TypeTakeProfit:
		return TypeTakeProfit, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported order type %q", raw))
	}
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide normalizes a side string.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported order side %q", raw))
	}
}

// PriceCondition selects the trigger comparison direction.
type PriceCondition string

const (
	ConditionAbove PriceCondition = "above"
	ConditionBelow PriceCondition = "below"
)

// ParseCondition normalizes a price condition string.
func ParseCondition(raw string) (PriceCondition, error) {
	switch PriceCondition(strings.ToLower(strings.TrimSpace(raw))) {
	case ConditionAbove:
		return ConditionAbove, nil
	case ConditionBelow:
		return ConditionBelow, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported price condition %q", raw))
	}
}

// Order is a price-triggered conditional order. Funds sit on an
// agent-controlled custody address until the trigger fires; the user keeps
// ownership of the destination at all times.
type Order struct {
	OrderID          string           `json:"orderId"`
	Type             Type             `json:"orderType"`
	Side             Side             `json:"side"`
	PriceAsset       string           `json:"priceAsset"`
	QuoteAsset       string           `json:"quoteAsset"`
	TriggerPrice     decimal.Decimal  `json:"triggerPrice"`
	Condition        PriceCondition   `json:"priceCondition"`
	SourceChain      string           `json:"sourceChain"`
	SourceAsset      string           `json:"sourceAsset"`
	Amount           string           `json:"amount"`
	DestinationChain string           `json:"destinationChain"`
	TargetAsset      string           `json:"targetAsset"`
	UserDestination  string           `json:"userDestination"`
	AgentAddress     string           `json:"agentAddress"`
	AgentChain       string           `json:"agentChain"`
	SlippageBps      int64            `json:"slippageTolerance,omitempty"`
	State            State            `json:"state"`
	ExpiresAt        int64            `json:"expiresAt,omitempty"`
	CreatedAt        int64            `json:"createdAt"`
	FundedAt         int64            `json:"fundedAt,omitempty"`
	FundingTxHash    string           `json:"fundingTxHash,omitempty"`
	TriggeredAt      int64            `json:"triggeredAt,omitempty"`
	ExecutedAt       int64            `json:"executedAt,omitempty"`
	TriggeredPrice   *decimal.Decimal `json:"triggeredPrice,omitempty"`
	ExecutionTxID    string           `json:"executionTxId,omitempty"`
	OutputAmount     string           `json:"outputAmount,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Expired reports whether the order has an expiry in the past and is still
// in a state that can expire.
func (o *Order) Expired(now int64) bool {
	return o != nil && o.ExpiresAt > 0 && now >= o.ExpiresAt && !o.State.Terminal()
}

// ShouldTrigger reports whether an observed price satisfies the trigger.
// Only active orders are ever evaluated.
func (o *Order) ShouldTrigger(price decimal.Decimal) bool {
	if o == nil || o.State != StateActive {
		return false
	}
	switch o.Condition {
	case ConditionAbove:
		return price.GreaterThanOrEqual(o.TriggerPrice)
	case ConditionBelow:
		return price.LessThanOrEqual(o.TriggerPrice)
	default:
		return false
	}
}

// Clone returns a deep copy safe to hand out of a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	if o.TriggeredPrice != nil {
		price := *o.TriggeredPrice
		clone.TriggeredPrice = &price
	}
	return &clone
}

var (
	// ErrNotFound 表示订单不存在。
	ErrNotFound = xerrors.New(CodeOrderNotFound, "order not found")
	// ErrConflict 表示同一 orderId 已经存在。
	ErrConflict = xerrors.New(CodeOrderExists, "order already exists")
	// ErrStateChanged 表示状态迁移的前置状态检查失败。
	ErrStateChanged = xerrors.New(CodeOrderState, "order state changed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeOrderNotFound xerrors.Code = "ORDER_NOT_FOUND"
	CodeOrderExists   xerrors.Code = "ORDER_EXISTS"
	CodeOrderState    xerrors.Code = "ORDER_STATE_CONFLICT"
)

func init() {
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:   "order not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderExists, xerrors.Attributes{
		Message:   "order already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderState, xerrors.Attributes{
		Message:   "order state changed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
