package intent

import (
	"encoding/json"

	xerrors "CrossFlow/internal/errors"
)

// State 表示意图在生命周期中的状态。
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal 报告状态是否为终态。终态一经写入不可更改。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// IsValidState 检查给定的状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StatePending, StateProcessing, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// FlowKind 是入队时确定的执行路径判别值。
type FlowKind string

const (
	FlowSwap            FlowKind = "swap"
	FlowLendingDeposit  FlowKind = "lending-deposit"
	FlowLendingWithdraw FlowKind = "lending-withdraw"
)

// IsValidFlow 检查执行路径判别值是否合法。
func IsValidFlow(flow FlowKind) bool {
	switch flow {
	case FlowSwap, FlowLendingDeposit, FlowLendingWithdraw:
		return true
	default:
		return false
	}
}

// Intent 描述了一次跨链执行请求。队列消息在校验前被视为不透明字节。
type Intent struct {
	IntentID         string            `json:"intentId"`
	Flow             FlowKind          `json:"flow,omitempty"`
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
	CreatedAt        int64             `json:"createdAt,omitempty"`
}

// UnmarshalJSON 额外接受 intentsDepositAddress 作为入金地址的别名，
// 这是部分客户端沿用的旧字段名。
func (in *Intent) UnmarshalJSON(data []byte) error {
	type plain Intent
	aux := struct {
		*plain
		IntentsDepositAddress string `json:"intentsDepositAddress"`
	}{plain: (*plain)(in)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if in.DepositAddress == "" {
		in.DepositAddress = aux.IntentsDepositAddress
	}
	return nil
}

// HasDepositProof 报告意图是否携带了入金凭证。
func (in Intent) HasDepositProof() bool {
	return in.OriginTxHash != "" && in.DepositAddress != ""
}

// HasSignedAuthorization 报告意图是否携带了签名授权。
func (in Intent) HasSignedAuthorization() bool {
	return in.SignedMessage != "" && in.Signature != "" && in.SignerAddress != ""
}

// ValidatedIntent 是校验通过后的不可变意图，Flow 一定已被确定。
type ValidatedIntent struct {
	Intent
}

// StatusRecord 是意图状态的可观测投影，只会向前推进。
type StatusRecord struct {
	IntentID    string `json:"intentId"`
	State       State  `json:"state"`
	Detail      string `json:"detail,omitempty"`
	TxID        string `json:"txHash,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Terminal 报告状态记录是否已到达终态。
func (r *StatusRecord) Terminal() bool {
	return r != nil && r.State.Terminal()
}

var (
	// ErrNotFound 表示指定的意图不存在。
	ErrNotFound = xerrors.New(CodeIntentNotFound, "intent not found")
	// ErrConflict 表示同一 intentId 的状态记录已经存在。
	ErrConflict = xerrors.New(CodeIntentConflict, "intent already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTerminalStatus 表示状态记录已是终态，不能再修改。
	ErrTerminalStatus = xerrors.New(CodeIntentTerminal, "intent already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeIntentNotFound   xerrors.Code = "INTENT_NOT_FOUND"
	CodeIntentConflict   xerrors.Code = "INTENT_CONFLICT"
	CodeIntentTerminal   xerrors.Code = "INTENT_TERMINAL"
	CodeIntentValidation xerrors.Code = "INTENT_VALIDATION_FAILED"
	CodeIntentPublish    xerrors.Code = "INTENT_PUBLISH_FAILED"
	CodeIntentExecution  xerrors.Code = "INTENT_EXECUTION_FAILED"
	CodeIntentExhausted  xerrors.Code = "INTENT_RETRIES_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeIntentNotFound, xerrors.Attributes{
		Message:   "intent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntentConflict, xerrors.Attributes{
		Message:   "intent already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntentTerminal, xerrors.Attributes{
		Message:   "intent already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntentValidation, xerrors.Attributes{
		Message:   "intent validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntentPublish, xerrors.Attributes{
		Message:   "failed to publish intent",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeIntentExecution, xerrors.Attributes{
		Message:   "intent execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeIntentExhausted, xerrors.Attributes{
		Message:   "intent retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
