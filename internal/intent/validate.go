package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"CrossFlow/internal/chains"
	xerrors "CrossFlow/internal/errors"
)

// AuthorizationVerifier 校验签名授权：签名地址必须对应一个已登记的
// 所有者钱包，且签名能通过该钱包方案的验签。权限服务实现了该接口。
type AuthorizationVerifier interface {
	VerifyAuthorization(ctx context.Context, signerAddress, message, signature string) error
}

// Validator 把原始队列消息映射为 ValidatedIntent。
// 校验失败永不重试；携带签名授权的意图还要通过真实的验签。
type Validator struct {
	chains *chains.Registry
	authz  AuthorizationVerifier
}

// NewValidator 构造校验器。authz 为 nil 时签名授权一律拒绝，
// 只有入金凭证能通过。
func NewValidator(registry *chains.Registry, authz AuthorizationVerifier) *Validator {
	return &Validator{chains: registry, authz: authz}
}

// Parse 将原始字节解析为 Intent，不做语义校验。
func (v *Validator) Parse(raw []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Intent{}, xerrors.Wrap(CodeIntentValidation, err, "意图消息不是合法的 JSON")
	}
	return in, nil
}

// Validate 校验意图的完整性并确定执行路径。
// 缺少授权证明归类为权限错误，签名授权无效归类为认证错误，
// 其余问题归类为校验错误，三者都不会重试。
func (v *Validator) Validate(ctx context.Context, in Intent) (*ValidatedIntent, error) {
	if strings.TrimSpace(in.IntentID) == "" {
		return nil, xerrors.New(CodeIntentValidation, "缺少 intentId")
	}
	if in.Flow != "" && !IsValidFlow(in.Flow) {
		return nil, xerrors.New(CodeIntentValidation, fmt.Sprintf("未知的执行路径: %q", in.Flow))
	}

	if err := v.checkChain("sourceChain", in.SourceChain); err != nil {
		return nil, err
	}
	if err := v.checkChain("destinationChain", in.DestinationChain); err != nil {
		return nil, err
	}
	if err := v.checkAsset(in.SourceChain, "sourceAsset", in.SourceAsset); err != nil {
		return nil, err
	}
	if err := v.checkAsset(in.DestinationChain, "finalAsset", in.FinalAsset); err != nil {
		return nil, err
	}

	amount := strings.TrimSpace(in.SourceAmount)
	if amount == "" {
		return nil, xerrors.New(CodeIntentValidation, "缺少 sourceAmount")
	}
	parsed, ok := new(big.Int).SetString(amount, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, xerrors.New(CodeIntentValidation,
			fmt.Sprintf("sourceAmount 必须是正的十进制整数字符串: %q", in.SourceAmount))
	}
	if strings.TrimSpace(in.UserDestination) == "" {
		return nil, xerrors.New(CodeIntentValidation, "缺少 userDestination")
	}
	if v.chains != nil {
		if typ, ok := v.chains.Type(in.DestinationChain); ok && typ == chains.TypeEVM {
			if !common.IsHexAddress(in.UserDestination) {
				return nil, xerrors.New(CodeIntentValidation,
					fmt.Sprintf("userDestination 不是合法的 EVM 地址: %q", in.UserDestination))
			}
		}
	}
	if in.SlippageBps < 0 || in.SlippageBps > 10000 {
		return nil, xerrors.New(CodeIntentValidation, "slippageBps 必须位于 [0, 10000] 之间")
	}

	// 有且仅需其一：入金凭证或签名授权。
	if !in.HasDepositProof() && !in.HasSignedAuthorization() {
		return nil, xerrors.New(xerrors.CodePermissionDenied, "缺少入金凭证或签名授权")
	}
	// 签名授权光有字段还不够，必须真正通过所有者钱包的验签。
	if !in.HasDepositProof() {
		if v.authz == nil {
			return nil, xerrors.New(xerrors.CodeUnauthorized, "签名授权校验未启用")
		}
		if err := v.authz.VerifyAuthorization(ctx, in.SignerAddress, in.SignedMessage, in.Signature); err != nil {
			return nil, err
		}
	}

	validated := &ValidatedIntent{Intent: in}
	validated.Metadata = cloneMetadata(in.Metadata)
	if validated.Flow == "" {
		validated.Flow = classify(in)
	}
	return validated, nil
}

func (v *Validator) checkChain(field, chain string) error {
	if strings.TrimSpace(chain) == "" {
		return xerrors.New(CodeIntentValidation, fmt.Sprintf("缺少 %s", field))
	}
	if v.chains != nil && !v.chains.Supported(chain) {
		return xerrors.New(CodeIntentValidation, fmt.Sprintf("%s 不在支持的链枚举内: %q", field, chain))
	}
	return nil
}

func (v *Validator) checkAsset(chain, field, asset string) error {
	if strings.TrimSpace(asset) == "" {
		return xerrors.New(CodeIntentValidation, fmt.Sprintf("缺少 %s", field))
	}
	if v.chains != nil && !v.chains.KnownAsset(chain, asset) {
		return xerrors.New(CodeIntentValidation, fmt.Sprintf("%s 不是链 %s 上已知的资产: %q", field, chain, asset))
	}
	return nil
}

// classify 在意图未显式声明执行路径时给出判别值。
// 显式 flow 字段永远优先，这里只兜底旧格式的消息。
func classify(in Intent) FlowKind {
	switch strings.ToLower(in.Metadata["lending_action"]) {
	case "deposit":
		return FlowLendingDeposit
	case "withdraw":
		return FlowLendingWithdraw
	}
	return FlowSwap
}
