package intent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/observability/alerting"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/pkg/logger"
)

// TerminalHook 在意图到达终态后被调用，用于联动订单引擎等下游。
type TerminalHook func(ctx context.Context, validated *ValidatedIntent, record *StatusRecord)

// Dispatcher 是意图流水线的消费端：带上限的工作池从队列拉取消息，
// 每条消息在独立的任务里完成校验、带重试的执行、状态更新与确认。
//
// 信号量在取消息之前获取，池满时调度循环原地等待而不出队，
// 因此在途任务数永远不会超过上限，消息也不会被预取后闲置。
type Dispatcher struct {
	queue       Consumer
	store       StatusStore
	validator   *Validator
	router      *Router
	workerLimit int64
	maxAttempts int
	backoffUnit time.Duration
	idleWait    time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	onTerminal  TerminalHook

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithWorkerLimit 设置在途任务数上限。
func WithWorkerLimit(limit int) DispatcherOption {
	return func(d *Dispatcher) {
		if limit > 0 {
			d.workerLimit = int64(limit)
		}
	}
}

// WithRetryPolicy 设置最大尝试次数与线性退避单位。
func WithRetryPolicy(maxAttempts int, backoffUnit time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if backoffUnit > 0 {
			d.backoffUnit = backoffUnit
		}
	}
}

// WithIdleWait 设置队列为空或池满时的等待间隔。
func WithIdleWait(idle time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if idle > 0 {
			d.idleWait = idle
		}
	}
}

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// WithTerminalHook 配置终态回调。
func WithTerminalHook(hook TerminalHook) DispatcherOption {
	return func(d *Dispatcher) {
		d.onTerminal = hook
	}
}

// NewDispatcher 构造调度器。
func NewDispatcher(queue Consumer, store StatusStore, validator *Validator, router *Router, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:       queue,
		store:       store,
		validator:   validator,
		router:      router,
		workerLimit: 8,
		maxAttempts: 3,
		backoffUnit: time.Second,
		idleWait:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.sem = semaphore.NewWeighted(d.workerLimit)
	return d
}

// Run 启动调度循环，直到上下文取消。返回前等待所有在途任务结束。
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.queue == nil || d.store == nil || d.validator == nil || d.router == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未完成装配")
	}
	defer d.wg.Wait()

	for {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		delivery, err := d.queue.FetchNext(ctx)
		if err != nil {
			d.sem.Release(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.L().Error("拉取意图消息失败", slog.Any("error", err))
			if !d.pause(ctx, d.idleWait) {
				return ctx.Err()
			}
			continue
		}
		if delivery == nil {
			d.sem.Release(1)
			if !d.pause(ctx, d.idleWait) {
				return ctx.Err()
			}
			continue
		}

		d.wg.Add(1)
		go func(delivery *Delivery) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			metrics.IntentStarted()
			defer metrics.IntentFinished()
			d.process(ctx, delivery)
		}(delivery)
	}
}

// process 处理一条投递：解析、校验、带重试执行、处置消息。
func (d *Dispatcher) process(ctx context.Context, delivery *Delivery) {
	in, err := d.validator.Parse(delivery.Payload)
	if err != nil {
		// 无法解析的消息没有可标记的 intent_id，确认后丢弃并告警。
		logger.L().Error("丢弃无法解析的意图消息", slog.Any("error", err))
		d.emitAlert(ctx, "", 0, CodeIntentValidation, err, "parse")
		_ = d.queue.Ack(ctx, delivery)
		return
	}

	validated, err := d.validator.Validate(ctx, in)
	if err != nil {
		// 校验失败永不重试也不进死信：标记失败后确认丢弃。
		d.logDebug("意图校验失败", slog.String("intent_id", in.IntentID), slog.String("reason", err.Error()))
		if markErr := d.store.MarkFailed(ctx, in.IntentID, xerrors.CodeOf(err), err.Error()); markErr != nil &&
			!stdErrors.Is(markErr, ErrNotFound) && !stdErrors.Is(markErr, ErrTerminalStatus) {
			logger.L().Error("标记校验失败状态出错", slog.Any("error", markErr), slog.String("intent_id", in.IntentID))
		}
		metrics.IntentTerminal(string(StateFailed))
		_ = d.queue.Ack(ctx, delivery)
		return
	}

	d.executeWithRetry(ctx, validated, delivery)
}

// executeWithRetry 实现重试控制：第 k 次尝试失败后退避 backoffUnit*k，
// 到达上限后标记失败并把消息搬入死信区。确认永远发生在终态处置之后。
func (d *Dispatcher) executeWithRetry(ctx context.Context, validated *ValidatedIntent, delivery *Delivery) {
	intentID := validated.IntentID
	max := d.maxAttempts

	for attempt := 1; attempt <= max; attempt++ {
		detail := fmt.Sprintf("attempt %d/%d", attempt, max)
		if err := d.store.MarkProcessing(ctx, intentID, attempt, max, detail); err != nil {
			if stdErrors.Is(err, ErrTerminalStatus) {
				// 至少一次投递带来的重复消息：终态已定，直接确认。
				d.logDebug("重复投递的终态意图", slog.String("intent_id", intentID))
				_ = d.queue.Ack(ctx, delivery)
				return
			}
			// 状态写不进去时不确认消息，等待重新投递。
			logger.L().Error("写入处理中状态失败", slog.Any("error", err), slog.String("intent_id", intentID))
			return
		}

		txID, execErr := d.router.Route(ctx, validated)
		if execErr == nil {
			if err := d.store.MarkSucceeded(ctx, intentID, txID); err != nil && !stdErrors.Is(err, ErrTerminalStatus) {
				logger.L().Error("标记意图成功状态失败", slog.Any("error", err), slog.String("intent_id", intentID))
				return
			}
			logger.Audit().Info("意图执行成功",
				slog.String("intent_id", intentID),
				slog.String("flow", string(validated.Flow)),
				slog.String("tx_id", txID),
				slog.Int("attempts", attempt),
			)
			metrics.IntentTerminal(string(StateSucceeded))
			d.fireTerminal(ctx, validated, intentID)
			_ = d.queue.Ack(ctx, delivery)
			return
		}

		if ctx.Err() != nil {
			// 调度器正在关停：不确认，让消息重新投递。
			return
		}

		retryable := xerrors.RetryableError(execErr)
		if !retryable || attempt == max {
			d.finishFailed(ctx, validated, delivery, execErr, attempt, retryable)
			return
		}

		metrics.IntentRetried()
		retryDetail := fmt.Sprintf("retrying %d/%d", attempt+1, max)
		if err := d.store.MarkProcessing(ctx, intentID, attempt, max, retryDetail); err != nil && !stdErrors.Is(err, ErrTerminalStatus) {
			logger.L().Error("写入重试状态失败", slog.Any("error", err), slog.String("intent_id", intentID))
		}
		d.emitAlert(ctx, intentID, attempt, xerrors.CodeOf(execErr), execErr, "retry")

		// 线性退避只挂起当前任务，调度循环与其他任务不受影响。
		backoff := d.backoffUnit * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// finishFailed 执行终态失败处置：标记失败、搬入死信、通知回调。
func (d *Dispatcher) finishFailed(ctx context.Context, validated *ValidatedIntent, delivery *Delivery, execErr error, attempt int, retryable bool) {
	intentID := validated.IntentID
	code := xerrors.CodeOf(execErr)
	if retryable {
		code = CodeIntentExhausted
	}
	if err := d.store.MarkFailed(ctx, intentID, code, execErr.Error()); err != nil {
		if stdErrors.Is(err, ErrTerminalStatus) {
			// 并发的重复投递已经完成终态处置，这里只需确认。
			_ = d.queue.Ack(ctx, delivery)
			return
		}
		logger.L().Error("标记意图失败状态出错", slog.Any("error", err), slog.String("intent_id", intentID))
		return
	}

	reason := fmt.Sprintf("%s: %s", code, execErr.Error())
	if err := d.queue.MoveToDeadLetter(ctx, delivery, reason); err != nil {
		logger.L().Error("写入死信失败", slog.Any("error", err), slog.String("intent_id", intentID))
		// 消息还留在队列里，至少一次语义会再次投递；届时终态检查会直接确认。
	} else {
		metrics.IntentDeadLettered()
	}

	logger.Audit().Warn("意图执行失败",
		slog.String("intent_id", intentID),
		slog.String("flow", string(validated.Flow)),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", attempt),
		slog.Int("max_attempts", d.maxAttempts),
	)
	metrics.IntentTerminal(string(StateFailed))
	d.emitAlert(ctx, intentID, attempt, code, execErr, "terminal")
	d.fireTerminal(ctx, validated, intentID)
}

// fireTerminal 读取最终状态并触发终态回调。
func (d *Dispatcher) fireTerminal(ctx context.Context, validated *ValidatedIntent, intentID string) {
	if d.onTerminal == nil {
		return
	}
	record, err := d.store.Get(ctx, intentID)
	if err != nil {
		logger.L().Error("读取终态记录失败", slog.Any("error", err), slog.String("intent_id", intentID))
		return
	}
	d.onTerminal(ctx, validated, record)
}

func (d *Dispatcher) pause(ctx context.Context, interval time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

func (d *Dispatcher) logDebug(msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		d.logger.Debug(msg, args...)
	}
}

func (d *Dispatcher) emitAlert(ctx context.Context, intentID string, attempts int, code xerrors.Code, cause error, stage string) {
	if d == nil || d.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		IntentID:    intentID,
		Attempts:    attempts,
		MaxAttempts: d.maxAttempts,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("intent_id", intentID),
			slog.String("stage", stage),
		)
	}
}
