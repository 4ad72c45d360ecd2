package intent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/pkg/logger"
)

// Service 负责意图的受理与查询。受理是同步的：校验通过后先落库再入队，
// 之后的执行完全异步，调用方只能通过状态查询观察进展。
type Service struct {
	store       StatusStore
	producer    Producer
	validator   *Validator
	maxAttempts int
}

// NewService 构造意图服务。
func NewService(store StatusStore, producer Producer, validator *Validator, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{store: store, producer: producer, validator: validator, maxAttempts: maxAttempts}
}

// Submit 受理一个意图：同步校验、写入 pending 状态并投递到队列。
// 同一 intent_id 重复提交是幂等的，直接返回已存在的状态记录。
func (s *Service) Submit(ctx context.Context, in Intent) (*StatusRecord, error) {
	if s.store == nil || s.validator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "意图服务未初始化")
	}
	if s.producer == nil {
		return nil, xerrors.New(xerrors.CodeUnavailable, "意图流水线未启用")
	}
	if strings.TrimSpace(in.IntentID) == "" {
		in.IntentID = uuid.NewString()
	}

	validated, err := s.validator.Validate(ctx, in)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.Get(ctx, validated.IntentID)
	if err == nil {
		return existing, nil
	}
	if !stdErrors.Is(err, ErrNotFound) {
		return nil, err
	}

	record := &StatusRecord{
		IntentID:    validated.IntentID,
		State:       StatePending,
		Detail:      "queued",
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			current, getErr := s.store.Get(ctx, validated.IntentID)
			if getErr == nil {
				return current, nil
			}
			if !stdErrors.Is(getErr, ErrNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}

	// 校验阶段已经确定了执行路径，消息里携带显式判别值。
	payload, err := json.Marshal(validated.Intent)
	if err != nil {
		return nil, xerrors.Wrap(CodeIntentValidation, err, "序列化意图失败")
	}
	if err := s.producer.Publish(ctx, payload); err != nil {
		logger.L().Error("意图入队失败", slog.Any("error", err), slog.String("intent_id", validated.IntentID))
		wrapped := xerrors.Wrap(CodeIntentPublish, err, "发布意图到队列失败")
		_ = s.store.MarkFailed(ctx, validated.IntentID, CodeIntentPublish, wrapped.Error())
		return nil, wrapped
	}

	logger.Audit().Info("意图入队成功",
		slog.String("intent_id", validated.IntentID),
		slog.String("flow", string(validated.Flow)),
		slog.String("source_chain", validated.SourceChain),
		slog.String("destination_chain", validated.DestinationChain),
		slog.Int("max_attempts", s.maxAttempts),
	)
	return record, nil
}

// Get 返回指定意图的状态记录。
func (s *Service) Get(ctx context.Context, id string) (*StatusRecord, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "意图存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的状态记录列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*StatusRecord, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "意图存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回状态统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "意图存储未初始化")
	}
	return s.store.Stats(ctx)
}

// DeadLetters 返回死信区最近的消息，队列后端不支持时返回 Unavailable。
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	reader, ok := s.producer.(DeadLetterReader)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnavailable, "队列后端不支持死信检视")
	}
	return reader.DeadLetters(ctx, limit)
}

// WaitForTerminal 在上下文超时前轮询意图状态，直到其到达终态。
func (s *Service) WaitForTerminal(ctx context.Context, id string, interval time.Duration) (*StatusRecord, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
