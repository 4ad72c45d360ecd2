package intent

import (
	"context"

	xerrors "CrossFlow/internal/errors"
)

// StatusStore 抽象了意图状态投影的持久化接口。
// 状态只会向前推进：pending → processing → succeeded|failed，
// 终态写入后所有 Mark* 调用都返回 ErrTerminalStatus。
type StatusStore interface {
	Create(ctx context.Context, record *StatusRecord) error
	Get(ctx context.Context, intentID string) (*StatusRecord, error)
	MarkProcessing(ctx context.Context, intentID string, attempt, maxAttempts int, detail string) error
	MarkSucceeded(ctx context.Context, intentID, txID string) error
	MarkFailed(ctx context.Context, intentID string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*StatusRecord, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
