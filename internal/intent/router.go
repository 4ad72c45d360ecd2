package intent

import (
	"context"
	"fmt"

	xerrors "CrossFlow/internal/errors"
)

// Flow 是一条外部执行路径：借贷存入、借贷取回或默认跨链兑换。
// 返回的交易号和错误都原样上抛，由重试控制器负责分类。
type Flow interface {
	Execute(ctx context.Context, validated *ValidatedIntent) (txID string, err error)
}

// FlowFunc 允许用函数充当 Flow。
type FlowFunc func(ctx context.Context, validated *ValidatedIntent) (string, error)

// Execute 实现 Flow 接口。
func (f FlowFunc) Execute(ctx context.Context, validated *ValidatedIntent) (string, error) {
	return f(ctx, validated)
}

// Router 按入队时确定的判别值把意图分发到唯一一条执行路径。
// 借贷路径的判别优先于默认的兑换路径。
type Router struct {
	deposit  Flow
	withdraw Flow
	swap     Flow
}

// NewRouter 构造路由器。未配置的路径在被命中时返回不可用错误。
func NewRouter(deposit, withdraw, swap Flow) *Router {
	return &Router{deposit: deposit, withdraw: withdraw, swap: swap}
}

// Route 分发已校验的意图并透传执行结果。
func (r *Router) Route(ctx context.Context, validated *ValidatedIntent) (string, error) {
	if validated == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少已校验的意图")
	}
	var flow Flow
	switch validated.Flow {
	case FlowLendingDeposit:
		flow = r.deposit
	case FlowLendingWithdraw:
		flow = r.withdraw
	case FlowSwap:
		flow = r.swap
	default:
		return "", xerrors.New(CodeIntentValidation, fmt.Sprintf("未知的执行路径: %q", validated.Flow))
	}
	if flow == nil {
		return "", xerrors.New(xerrors.CodeUnavailable, fmt.Sprintf("执行路径 %s 未配置", validated.Flow))
	}
	return flow.Execute(ctx, validated)
}
