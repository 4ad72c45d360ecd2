package order

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CrossFlow/internal/chains"
	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/intent"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/internal/proofs"
	"CrossFlow/pkg/logger"
)

const minOrderIDLength = 8

// IntentSubmitter 把触发后的合成意图交给执行流水线。
type IntentSubmitter interface {
	Submit(ctx context.Context, in intent.Intent) (*intent.StatusRecord, error)
}

// CreateRequest 是创建订单的入参。
type CreateRequest struct {
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
	SlippageBps      int64  `json:"slippageTolerance,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"`
	PublicKey        string `json:"publicKey,omitempty"`
	SignedMessage    string `json:"signedMessage,omitempty"`
	Signature        string `json:"signature,omitempty"`
}

// CancelRequest 是取消订单的入参。
type CancelRequest struct {
	UserDestination string `json:"userDestination"`
	PublicKey       string `json:"publicKey,omitempty"`
	SignedMessage   string `json:"signedMessage,omitempty"`
	Signature       string `json:"signature,omitempty"`
	RefundFunds     bool   `json:"refundFunds,omitempty"`
}

// Engine 驱动条件订单的状态机：创建、注资、触发、取消与过期。
// 触发只负责把合成意图递交给流水线，结算结果通过终态回调写回订单。
type Engine struct {
	store            Store
	registry         *chains.Registry
	verifiers        *proofs.Registry
	submitter        IntentSubmitter
	requireSignature bool
	now              func() time.Time
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithSignatureRequired 要求创建与取消请求必须携带所有者签名。
func WithSignatureRequired(required bool) EngineOption {
	return func(e *Engine) {
		e.requireSignature = required
	}
}

// WithClock 注入时间源，测试用。
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 构造订单引擎。
func NewEngine(store Store, registry *chains.Registry, verifiers *proofs.Registry, submitter IntentSubmitter, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		registry:  registry,
		verifiers: verifiers,
		submitter: submitter,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Create 校验请求、分配托管地址并保存 pending 状态的订单。
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if e.store == nil || e.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单引擎未初始化")
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = uuid.NewString()
	}
	if len(orderID) < minOrderIDLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("orderId 长度至少为 %d 个字符", minOrderIDLength))
	}
	orderType, err := ParseType(req.OrderType)
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	condition, err := ParseCondition(req.Condition)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PriceAsset) == "" || strings.TrimSpace(req.QuoteAsset) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 priceAsset 或 quoteAsset")
	}
	triggerPrice, err := decimal.NewFromString(strings.TrimSpace(req.TriggerPrice))
	if err != nil || triggerPrice.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("triggerPrice 必须是正的十进制数: %q", req.TriggerPrice))
	}

	if !e.registry.Supported(req.SourceChain) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链: %q", req.SourceChain))
	}
	if !e.registry.CustodyChain(req.SourceChain) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("链 %s 不支持订单托管", req.SourceChain))
	}
	if !e.registry.KnownAsset(req.SourceChain, req.SourceAsset) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("source_asset 不是链 %s 上已知的资产: %q", req.SourceChain, req.SourceAsset))
	}
	if !e.registry.Supported(req.DestinationChain) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链: %q", req.DestinationChain))
	}
	if !e.registry.KnownAsset(req.DestinationChain, req.TargetAsset) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("target_asset 不是链 %s 上已知的资产: %q", req.DestinationChain, req.TargetAsset))
	}

	amount := strings.TrimSpace(req.Amount)
	parsedAmount, ok := new(big.Int).SetString(amount, 10)
	if !ok || parsedAmount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("amount 必须是正的十进制整数字符串: %q", req.Amount))
	}
	userDestination := strings.TrimSpace(req.UserDestination)
	if userDestination == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 userDestination")
	}
	if req.SlippageBps < 0 || req.SlippageBps > 10000 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "slippage_bps 必须位于 [0, 10000] 之间")
	}
	now := e.now()
	if req.ExpiresAt > 0 && req.ExpiresAt <= now.Unix() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "expires_at 必须晚于当前时间")
	}

	if err := e.verifyOwner(req.SourceChain, userDestination, req.PublicKey, req.SignedMessage, req.Signature, orderID); err != nil {
		return nil, err
	}

	// 每个订单使用独立派生路径，互不共享托管地址。
	agentAddress, err := e.registry.DeriveCustodyAddress(req.SourceChain, "orders/"+orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "派生托管地址失败")
	}

	o := &Order{
		OrderID:          orderID,
		Type:             orderType,
		Side:             side,
		PriceAsset:       strings.ToUpper(strings.TrimSpace(req.PriceAsset)),
		QuoteAsset:       strings.ToUpper(strings.TrimSpace(req.QuoteAsset)),
		TriggerPrice:     triggerPrice,
		Condition:        condition,
		SourceChain:      strings.ToLower(strings.TrimSpace(req.SourceChain)),
		SourceAsset:      strings.TrimSpace(req.SourceAsset),
		Amount:           amount,
		DestinationChain: strings.ToLower(strings.TrimSpace(req.DestinationChain)),
		TargetAsset:      strings.TrimSpace(req.TargetAsset),
		UserDestination:  userDestination,
		AgentAddress:     agentAddress,
		AgentChain:       strings.ToLower(strings.TrimSpace(req.SourceChain)),
		SlippageBps:      req.SlippageBps,
		State:            StatePending,
		ExpiresAt:        req.ExpiresAt,
		CreatedAt:        now.Unix(),
	}
	if err := e.store.Create(ctx, o); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("订单 %s 已存在", orderID))
		}
		return nil, err
	}

	logger.Audit().Info("订单已创建",
		slog.String("order_id", orderID),
		slog.String("order_type", string(orderType)),
		slog.String("pair", o.PriceAsset+"/"+o.QuoteAsset),
		slog.String("trigger_price", triggerPrice.String()),
		slog.String("price_condition", string(condition)),
		slog.String("agent_address", agentAddress),
	)
	return o, nil
}

// Fund 在检测到托管地址入金后把订单从 pending 推进到 active。
// fundingTxHash 可选，记录入金交易哈希并在触发时作为合成意图的入金凭证。
func (e *Engine) Fund(ctx context.Context, orderID, fundingTxHash string) (*Order, error) {
	current, err := e.getFresh(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.State == StateActive {
		return current, nil
	}
	if err := e.store.Activate(ctx, orderID, e.now().Unix(), strings.TrimSpace(fundingTxHash)); err != nil {
		if stdErrors.Is(err, ErrStateChanged) {
			blocking := current.State
			if refreshed, getErr := e.getFresh(ctx, orderID); getErr == nil {
				if refreshed.State == StateActive {
					return refreshed, nil
				}
				blocking = refreshed.State
			}
			return nil, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("订单 %s 当前状态为 %s，无法注资", orderID, blocking))
		}
		return nil, e.translate(err)
	}

	logger.Audit().Info("订单已注资", slog.String("order_id", orderID))
	return e.getFresh(ctx, orderID)
}

// Cancel 取消一个尚未执行的订单。已执行的订单拒绝取消，
// 已经处于其他终态的订单按幂等处理直接返回。
func (e *Engine) Cancel(ctx context.Context, orderID string, req CancelRequest) (*Order, error) {
	current, err := e.getFresh(ctx, orderID)
	if err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(req.UserDestination)
	if owner == "" || !strings.EqualFold(owner, current.UserDestination) {
		return nil, xerrors.New(xerrors.CodePermissionDenied, "只有订单所有者可以取消订单")
	}
	if err := e.verifyOwner(current.SourceChain, current.UserDestination, req.PublicKey, req.SignedMessage, req.Signature, orderID); err != nil {
		return nil, err
	}

	if current.State == StateExecuted {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("订单 %s 已执行，无法取消", orderID))
	}
	if current.State.Terminal() {
		return current, nil
	}

	if err := e.store.Cancel(ctx, orderID); err != nil {
		if stdErrors.Is(err, ErrStateChanged) {
			refreshed, getErr := e.getFresh(ctx, orderID)
			if getErr != nil {
				return nil, getErr
			}
			if refreshed.State == StateExecuted {
				return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("订单 %s 已执行，无法取消", orderID))
			}
			return refreshed, nil
		}
		return nil, e.translate(err)
	}

	logger.Audit().Info("订单已取消",
		slog.String("order_id", orderID),
		slog.Bool("refund_requested", req.RefundFunds),
	)
	return e.getFresh(ctx, orderID)
}

// Get 返回订单，读取时惰性处理过期。
func (e *Engine) Get(ctx context.Context, orderID string) (*Order, error) {
	return e.getFresh(ctx, orderID)
}

// List 返回符合过滤条件的订单列表。
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]*Order, error) {
	if e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单引擎未初始化")
	}
	return e.store.List(ctx, opts)
}

// ActiveOrders 返回所有 active 状态的订单，供轮询器评估。
func (e *Engine) ActiveOrders(ctx context.Context) ([]*Order, error) {
	if e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单引擎未初始化")
	}
	return e.store.ListActive(ctx)
}

// Evaluate 用观测价格评估一个 active 订单，命中则触发并投递合成意图。
// 返回订单是否被本次调用触发。与取消或过期并发竞争时安全退出。
func (e *Engine) Evaluate(ctx context.Context, o *Order, price decimal.Decimal) (bool, error) {
	if o == nil || !o.ShouldTrigger(price) {
		return false, nil
	}

	now := e.now().Unix()
	if err := e.store.Trigger(ctx, o.OrderID, price, now); err != nil {
		if stdErrors.Is(err, ErrStateChanged) || stdErrors.Is(err, ErrNotFound) {
			// 并发的取消或过期赢得了竞争，放弃本次触发。
			return false, nil
		}
		return false, err
	}

	logger.Audit().Info("订单已触发",
		slog.String("order_id", o.OrderID),
		slog.String("pair", o.PriceAsset+"/"+o.QuoteAsset),
		slog.String("trigger_price", o.TriggerPrice.String()),
		slog.String("observed_price", price.String()),
	)
	metrics.OrderTriggered()

	if err := e.submitSyntheticIntent(ctx, o, price); err != nil {
		// 入队失败则回退到 active，等待下一个轮询周期重试。
		logger.L().Error("合成意图入队失败，回退订单状态",
			slog.Any("error", err),
			slog.String("order_id", o.OrderID),
		)
		if revertErr := e.store.Reactivate(ctx, o.OrderID); revertErr != nil {
			logger.L().Error("回退订单状态失败", slog.Any("error", revertErr), slog.String("order_id", o.OrderID))
		}
		return false, err
	}
	return true, nil
}

// HandleIntentResult 是流水线的终态回调：把合成意图的结算结果写回订单。
func (e *Engine) HandleIntentResult(ctx context.Context, validated *intent.ValidatedIntent, record *intent.StatusRecord) {
	if validated == nil || record == nil {
		return
	}
	orderID := validated.Metadata["order_id"]
	if orderID == "" {
		return
	}

	var err error
	switch record.State {
	case intent.StateSucceeded:
		err = e.store.Execute(ctx, orderID, record.TxID, validated.Metadata["output_amount"], e.now().Unix())
	case intent.StateFailed:
		err = e.store.Fail(ctx, orderID, record.Error)
	default:
		return
	}
	if err != nil {
		if stdErrors.Is(err, ErrStateChanged) || stdErrors.Is(err, ErrNotFound) {
			return
		}
		logger.L().Error("写回订单结算结果失败",
			slog.Any("error", err),
			slog.String("order_id", orderID),
			slog.String("intent_id", record.IntentID),
		)
		return
	}
	logger.Audit().Info("订单已结算",
		slog.String("order_id", orderID),
		slog.String("intent_id", record.IntentID),
		slog.String("state", string(record.State)),
		slog.String("tx_id", record.TxID),
	)
}

// ExpireDue 把所有到期未终结的订单迁移到 expired，返回处理数量。
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	due, err := e.store.ListExpirable(ctx, e.now().Unix())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range due {
		if err := e.store.Expire(ctx, o.OrderID); err != nil {
			if stdErrors.Is(err, ErrStateChanged) || stdErrors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired++
		logger.L().Info("订单已过期", slog.String("order_id", o.OrderID))
	}
	return expired, nil
}

// submitSyntheticIntent 构造并投递触发后的合成换币意图。
// intent_id 由订单号决定，至少一次投递下重复提交是幂等的。
func (e *Engine) submitSyntheticIntent(ctx context.Context, o *Order, price decimal.Decimal) error {
	if e.submitter == nil {
		return xerrors.New(xerrors.CodeUnavailable, "意图流水线未启用")
	}
	originTxHash := o.FundingTxHash
	if originTxHash == "" {
		originTxHash = "order:" + o.OrderID
	}
	in := intent.Intent{
		IntentID:         "order:" + o.OrderID,
		Flow:             intent.FlowSwap,
		SourceChain:      o.SourceChain,
		DestinationChain: o.DestinationChain,
		SourceAsset:      o.SourceAsset,
		FinalAsset:       o.TargetAsset,
		SourceAmount:     o.Amount,
		UserDestination:  o.UserDestination,
		SlippageBps:      o.SlippageBps,
		OriginTxHash:     originTxHash,
		DepositAddress:   o.AgentAddress,
		Metadata: map[string]string{
			"order_id":       o.OrderID,
			"trigger_price":  o.TriggerPrice.String(),
			"observed_price": price.String(),
		},
	}
	_, err := e.submitter.Submit(ctx, in)
	return err
}

// getFresh 读取订单并惰性处理过期。
func (e *Engine) getFresh(ctx context.Context, orderID string) (*Order, error) {
	if e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单引擎未初始化")
	}
	o, err := e.store.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, e.translate(err)
	}
	if o.Expired(e.now().Unix()) {
		if err := e.store.Expire(ctx, o.OrderID); err != nil && !stdErrors.Is(err, ErrStateChanged) && !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
		return e.store.Get(ctx, o.OrderID)
	}
	return o, nil
}

// verifyOwner 校验所有者签名。未配置强制签名时允许缺省。
func (e *Engine) verifyOwner(chain, ownerAddress, publicKey, message, signature, orderID string) error {
	if signature == "" && message == "" {
		if e.requireSignature {
			return xerrors.New(xerrors.CodePermissionDenied, "缺少所有者签名")
		}
		return nil
	}
	if e.verifiers == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "签名校验器未初始化")
	}
	if !strings.Contains(message, orderID) {
		return xerrors.New(xerrors.CodeUnauthorized, "签名消息必须包含订单号")
	}

	chainType, ok := e.registry.Type(chain)
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链: %q", chain))
	}
	walletType, err := proofs.ParseWalletType(chainType)
	if err != nil {
		return err
	}
	pub, err := proofs.DecodePublicKey(walletType, publicKey)
	if err != nil {
		return err
	}
	sig, err := proofs.DecodeSignature(signature)
	if err != nil {
		return err
	}
	return e.verifiers.Verify(walletType, pub, []byte(message), sig, ownerAddress)
}

// translate 把存储层哨兵错误翻译为对外错误码。
func (e *Engine) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, ErrNotFound):
		return xerrors.Wrap(xerrors.CodeNotFound, err, "订单不存在")
	case stdErrors.Is(err, ErrConflict):
		return xerrors.Wrap(xerrors.CodeConflict, err, "订单已存在")
	default:
		return err
	}
}
