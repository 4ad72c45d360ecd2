package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	xerrors "CrossFlow/internal/errors"
)

// SimulatedFlow 在本地模拟一条执行路径：可配置延迟与失败率，
// 用于在没有真实链上执行器时跑通整条流水线。
type SimulatedFlow struct {
	kind     FlowKind
	latency  time.Duration
	failRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedFlow 构造模拟执行路径。failRate 位于 [0, 1)。
func NewSimulatedFlow(kind FlowKind, latency time.Duration, failRate float64) *SimulatedFlow {
	if failRate < 0 {
		failRate = 0
	}
	if failRate >= 1 {
		failRate = 0.99
	}
	return &SimulatedFlow{
		kind:     kind,
		latency:  latency,
		failRate: failRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute 实现 Flow 接口。失败被归类为可重试的执行错误。
func (f *SimulatedFlow) Execute(ctx context.Context, validated *ValidatedIntent) (string, error) {
	if f.latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.latency):
		}
	}
	f.mu.Lock()
	failed := f.rng.Float64() < f.failRate
	f.mu.Unlock()
	if failed {
		return "", xerrors.New(CodeIntentExecution,
			fmt.Sprintf("模拟 %s 执行失败: intent %s", f.kind, validated.IntentID))
	}
	return syntheticTxID(validated.IntentID, f.kind), nil
}

// syntheticTxID 为模拟执行生成确定性的交易号。
func syntheticTxID(intentID string, kind FlowKind) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", intentID, kind, time.Now().UnixNano())))
	return "0x" + hex.EncodeToString(digest[:])
}

var _ Flow = (*SimulatedFlow)(nil)
