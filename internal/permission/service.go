package permission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/internal/proofs"
	"CrossFlow/pkg/logger"
)

const (
	// evidenceMaxAge 限定条件授权消费时价格证据的最大新鲜度。
	evidenceMaxAge = 60 * time.Second

	defaultListLimit = 50
	maxListLimit     = 200
)

// Service 是权限引擎的入口：注册钱包、登记/删除预授权操作、
// 消费一次性授权。所有可变调用都必须携带有效签名与期望的 nonce。
type Service struct {
	store    Store
	verifier *proofs.Registry
}

// NewService 构造权限服务。
func NewService(store Store, verifier *proofs.Registry) *Service {
	if verifier == nil {
		verifier = proofs.NewRegistry()
	}
	return &Service{store: store, verifier: verifier}
}

// Register 把一个新的所有者钱包绑定到派生路径上。
// 首次注册时路径记录不存在，期望 nonce 为 0。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Record, error) {
	path := strings.TrimSpace(req.DerivationPath)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少派生路径")
	}
	walletType, err := proofs.ParseWalletType(req.WalletType)
	if err != nil {
		return nil, err
	}
	chainAddress := strings.TrimSpace(req.ChainAddress)
	if chainAddress == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少链上地址")
	}

	expectedNonce, err := s.expectedNonce(ctx, path)
	if err != nil {
		return nil, err
	}
	if req.Nonce != expectedNonce {
		return nil, xerrors.New(xerrors.CodeUnauthorized,
			fmt.Sprintf("nonce 不匹配: 期望 %d, 收到 %d", expectedNonce, req.Nonce))
	}
	if want := RegisterMessage(path, req.Nonce); req.Message != want {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "注册消息与期望格式不符")
	}
	if owner, err := s.store.PathForWallet(ctx, chainAddress); err == nil && owner != path {
		return nil, xerrors.New(xerrors.CodeConflict, "链上地址已绑定到其他派生路径")
	}

	if err := s.verifySignature(walletType, req.PublicKey, req.Message, req.Signature, chainAddress); err != nil {
		return nil, err
	}

	wallet := Wallet{
		WalletType:   walletType,
		PublicKey:    strings.TrimSpace(req.PublicKey),
		ChainAddress: chainAddress,
		AddedAt:      time.Now().Unix(),
	}
	if err := s.store.AppendWallet(ctx, path, wallet, req.Nonce); err != nil {
		return nil, s.translate(err)
	}

	logger.L().Info("已绑定所有者钱包",
		"derivation_path", path,
		"wallet_type", string(walletType),
		"chain_address", chainAddress,
	)
	return s.Get(ctx, path)
}

// AddOperation 登记一个 executed=false 的一次性预授权操作。
func (s *Service) AddOperation(ctx context.Context, req OperationRequest) (*Operation, error) {
	path := strings.TrimSpace(req.DerivationPath)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少派生路径")
	}
	opType, err := ParseOperationType(req.OperationType)
	if err != nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, err.Error())
	}
	if err := validateOperationParams(opType, req); err != nil {
		return nil, err
	}

	if _, _, err := s.authorizeMutation(ctx, path, req.SignerAddress, req.Signature, req.Message, req.Nonce); err != nil {
		return nil, err
	}

	op := Operation{
		OperationID:        fmt.Sprintf("%s-%d", path, req.Nonce),
		DerivationPath:     path,
		OperationType:      opType,
		SourceAsset:        strings.TrimSpace(req.SourceAsset),
		TargetAsset:        strings.TrimSpace(req.TargetAsset),
		MaxAmount:          strings.TrimSpace(req.MaxAmount),
		DestinationAddress: strings.TrimSpace(req.DestinationAddress),
		DestinationChain:   strings.TrimSpace(req.DestinationChain),
		SlippageBps:        req.SlippageBps,
		PriceAsset:         strings.TrimSpace(req.PriceAsset),
		QuoteAsset:         strings.TrimSpace(req.QuoteAsset),
		TriggerPrice:       strings.TrimSpace(req.TriggerPrice),
		Condition:          strings.TrimSpace(req.Condition),
		ExpiresAt:          req.ExpiresAt,
		Executed:           false,
		Nonce:              req.Nonce,
		CreatedAt:          time.Now().Unix(),
	}
	if err := s.store.AppendOperation(ctx, path, op, req.Nonce); err != nil {
		return nil, s.translate(err)
	}

	logger.L().Info("已登记预授权操作",
		"derivation_path", path,
		"operation_id", op.OperationID,
		"operation_type", string(opType),
	)
	return &op, nil
}

// RemoveOperation 删除一条预授权操作。
func (s *Service) RemoveOperation(ctx context.Context, req RemoveRequest) error {
	path := strings.TrimSpace(req.DerivationPath)
	operationID := strings.TrimSpace(req.OperationID)
	if path == "" || operationID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少派生路径或操作标识")
	}
	if _, _, err := s.authorizeMutation(ctx, path, req.SignerAddress, req.Signature, req.Message, req.Nonce); err != nil {
		return err
	}
	if err := s.store.DeleteOperation(ctx, path, operationID, req.Nonce); err != nil {
		return s.translate(err)
	}
	logger.L().Info("已删除预授权操作", "derivation_path", path, "operation_id", operationID)
	return nil
}

// Consume 由外部执行代理调用，消费一条预授权操作。
// executed 标志只会从 false 翻转到 true 一次；条件类操作还需要
// 不超过 evidenceMaxAge 的价格证据且满足存储的触发条件。
func (s *Service) Consume(ctx context.Context, derivationPath, operationID string, evidence *PriceEvidence) (*Operation, error) {
	path := strings.TrimSpace(derivationPath)
	operationID = strings.TrimSpace(operationID)
	if path == "" || operationID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少派生路径或操作标识")
	}

	record, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, s.translate(err)
	}
	var target *Operation
	for idx := range record.Operations {
		if record.Operations[idx].OperationID == operationID {
			target = &record.Operations[idx]
			break
		}
	}
	if target == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "预授权操作不存在")
	}
	now := time.Now().Unix()
	if target.Executed {
		return nil, xerrors.New(xerrors.CodeAlreadyCompleted, "预授权操作已被消费")
	}
	if target.Expired(now) {
		return nil, xerrors.New(xerrors.CodeConflict, "预授权操作已过期")
	}
	if target.OperationType.Conditional() {
		if err := checkEvidence(*target, evidence); err != nil {
			return nil, err
		}
	}

	consumed, err := s.store.ConsumeOperation(ctx, path, operationID)
	if err != nil {
		return nil, s.translate(err)
	}
	metrics.PermissionConsumed()
	logger.L().Info("已消费预授权操作",
		"derivation_path", path,
		"operation_id", operationID,
		"operation_type", string(consumed.OperationType),
	)
	return consumed, nil
}

// ListActive 分页返回所有路径下未消费且未过期的操作。
func (s *Service) ListActive(ctx context.Context, from, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	ops, err := s.store.ListActive(ctx, from, limit, time.Now().Unix())
	if err != nil {
		return nil, s.translate(err)
	}
	return ops, nil
}

// Get 返回派生路径的完整权限记录。
func (s *Service) Get(ctx context.Context, derivationPath string) (*Record, error) {
	record, err := s.store.Get(ctx, strings.TrimSpace(derivationPath))
	if err != nil {
		return nil, s.translate(err)
	}
	return record, nil
}

// VerifyAuthorization 校验意图提交时附带的签名授权：签名地址必须已经
// 绑定到某条派生路径，且签名能通过该钱包方案的验签。任何一步失败都
// 归类为认证错误，调用方不得放行。
func (s *Service) VerifyAuthorization(ctx context.Context, signerAddress, message, signature string) error {
	address := strings.TrimSpace(signerAddress)
	if address == "" || strings.TrimSpace(message) == "" || strings.TrimSpace(signature) == "" {
		return xerrors.New(xerrors.CodeUnauthorized, "签名授权不完整")
	}
	path, err := s.store.PathForWallet(ctx, address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return xerrors.New(xerrors.CodeUnauthorized, "签名地址未绑定所有者钱包")
		}
		return s.translate(err)
	}
	record, err := s.store.Get(ctx, path)
	if err != nil {
		return s.translate(err)
	}
	wallet, ok := record.WalletByAddress(address)
	if !ok {
		return xerrors.New(xerrors.CodeUnauthorized, "签名地址未绑定所有者钱包")
	}
	if err := s.verifySignature(wallet.WalletType, wallet.PublicKey, message, signature, wallet.ChainAddress); err != nil {
		// 解码失败在这里同样视作认证失败，不给调用方区分的余地。
		if xerrors.CodeOf(err) == xerrors.CodeUnauthorized {
			return err
		}
		return xerrors.Wrap(xerrors.CodeUnauthorized, err, "签名授权验签失败")
	}
	return nil
}

// PathForWallet 通过链上地址反查派生路径。
func (s *Service) PathForWallet(ctx context.Context, chainAddress string) (string, error) {
	path, err := s.store.PathForWallet(ctx, strings.TrimSpace(chainAddress))
	if err != nil {
		return "", s.translate(err)
	}
	return path, nil
}

// authorizeMutation 校验签名者钱包、消息中的 nonce 标记与期望 nonce。
func (s *Service) authorizeMutation(ctx context.Context, path, signerAddress, signature, message string, nonce uint64) (*Record, Wallet, error) {
	record, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, Wallet{}, s.translate(err)
	}
	wallet, ok := record.WalletByAddress(signerAddress)
	if !ok {
		return nil, Wallet{}, xerrors.New(xerrors.CodePermissionDenied, "签名地址不是该路径的所有者钱包")
	}
	if nonce != record.NextNonce {
		return nil, Wallet{}, xerrors.New(xerrors.CodeUnauthorized,
			fmt.Sprintf("nonce 不匹配: 期望 %d, 收到 %d", record.NextNonce, nonce))
	}
	if !strings.Contains(message, nonceMarker(nonce)) {
		return nil, Wallet{}, xerrors.New(xerrors.CodeUnauthorized, "签名消息未包含期望的 nonce")
	}
	if err := s.verifySignature(wallet.WalletType, wallet.PublicKey, message, signature, wallet.ChainAddress); err != nil {
		return nil, Wallet{}, err
	}
	return record, wallet, nil
}

// verifySignature 解码公钥与签名并交给对应的验签器。
func (s *Service) verifySignature(walletType proofs.WalletType, publicKey, message, signature, chainAddress string) error {
	pub, err := proofs.DecodePublicKey(walletType, publicKey)
	if err != nil {
		return err
	}
	sig, err := proofs.DecodeSignature(signature)
	if err != nil {
		return err
	}
	return s.verifier.Verify(walletType, pub, []byte(message), sig, chainAddress)
}

// expectedNonce 返回路径当前期望的 nonce，记录不存在时为 0。
func (s *Service) expectedNonce(ctx context.Context, path string) (uint64, error) {
	record, err := s.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, s.translate(err)
	}
	return record.NextNonce, nil
}

// translate 把存储层的哨兵错误映射到错误分类。
func (s *Service) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOperationNotFound):
		return xerrors.Wrap(xerrors.CodeNotFound, err, "权限记录或操作不存在")
	case errors.Is(err, ErrOperationExecuted):
		return xerrors.Wrap(xerrors.CodeAlreadyCompleted, err, "预授权操作已被消费")
	case errors.Is(err, ErrNonceMismatch):
		return xerrors.Wrap(xerrors.CodeUnauthorized, err, "nonce 已被并发调用使用")
	case errors.Is(err, ErrWalletBound):
		return xerrors.Wrap(xerrors.CodeConflict, err, "链上地址已绑定到其他派生路径")
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "权限存储访问失败")
	}
}

// validateOperationParams 校验操作参数，条件类操作必须携带完整触发信息。
func validateOperationParams(opType OperationType, req OperationRequest) error {
	if strings.TrimSpace(req.SourceAsset) == "" || strings.TrimSpace(req.TargetAsset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少资产对")
	}
	amount := strings.TrimSpace(req.MaxAmount)
	if amount == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少最大数量")
	}
	if _, ok := new(big.Int).SetString(amount, 10); !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "最大数量必须是十进制整数字符串")
	}
	if req.SlippageBps < 0 || req.SlippageBps > 10000 {
		return xerrors.New(xerrors.CodeInvalidArgument, "滑点必须位于 [0, 10000] 基点之间")
	}
	if !opType.Conditional() {
		return nil
	}
	if strings.TrimSpace(req.PriceAsset) == "" || strings.TrimSpace(req.QuoteAsset) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条件操作缺少计价资产对")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.TriggerPrice))
	if err != nil || !price.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, "触发价格必须是正的十进制字符串")
	}
	switch strings.TrimSpace(req.Condition) {
	case ConditionAbove, ConditionBelow:
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "触发条件必须是 above 或 below")
	}
}

// checkEvidence 校验条件消费所附的价格证据。
func checkEvidence(op Operation, evidence *PriceEvidence) error {
	if evidence == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "条件操作消费时必须附带价格证据")
	}
	if evidence.ObservedAt.IsZero() || time.Since(evidence.ObservedAt) > evidenceMaxAge {
		return xerrors.New(xerrors.CodeInvalidArgument, "价格证据已过期")
	}
	trigger, err := decimal.NewFromString(op.TriggerPrice)
	if err != nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "存储的触发价格无法解析")
	}
	satisfied := false
	switch op.Condition {
	case ConditionAbove:
		satisfied = evidence.Price.GreaterThanOrEqual(trigger)
	case ConditionBelow:
		satisfied = evidence.Price.LessThanOrEqual(trigger)
	}
	if !satisfied {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("价格 %s 未满足触发条件 %s %s", evidence.Price, op.Condition, trigger))
	}
	return nil
}
