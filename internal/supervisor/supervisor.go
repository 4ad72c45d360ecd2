package supervisor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/observability/alerting"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/pkg/logger"
)

const defaultMaxRestarts = 5

// Loop 是一个受监督的后台循环。Run 应当阻塞运行，
// 在 ctx 取消后返回 nil，异常时返回错误。
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Status 是单个循环的运行快照。
type Status struct {
	Loop      string `json:"loop"`
	Restarts  int    `json:"restarts"`
	Alive     bool   `json:"alive"`
	LastError string `json:"lastError,omitempty"`
}

// Supervisor 管理后台循环：失败后按指数退避重启，
// 重启预算耗尽时让故障冒泡到 Run 的调用方并在快照里标记死亡。
type Supervisor struct {
	maxRestarts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	alerts         alerting.Dispatcher

	mu     sync.Mutex
	status map[string]*Status
}

// Option 定义可选配置。
type Option func(*Supervisor)

// WithMaxRestarts 设置每个循环允许的连续重启次数。
func WithMaxRestarts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxRestarts = n
		}
	}
}

// WithBackoff 设置重启退避的起始与上限间隔。
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) {
		if initial > 0 {
			s.initialBackoff = initial
		}
		if max > 0 {
			s.maxBackoff = max
		}
	}
}

// WithAlerts 注入告警派发器，重启与死亡都会产生事件。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(s *Supervisor) {
		s.alerts = alerts
	}
}

// New 构造监督器。
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		maxRestarts:    defaultMaxRestarts,
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
		status:         make(map[string]*Status),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 并发启动所有循环并阻塞，直到 ctx 取消或某个循环耗尽重启预算。
// 任一循环死亡会取消其余循环，首个致命错误被返回。
func (s *Supervisor) Run(ctx context.Context, loops ...Loop) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		if loop.Run == nil {
			continue
		}
		s.register(loop.Name)
		group.Go(func() error {
			return s.supervise(ctx, loop)
		})
	}
	return group.Wait()
}

// Healthy 报告是否所有循环都还活着。
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.status {
		if !st.Alive {
			return false
		}
	}
	return true
}

// Snapshot 返回按名称排序的循环状态。
func (s *Supervisor) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Loop < out[j].Loop })
	return out
}

func (s *Supervisor) supervise(ctx context.Context, loop Loop) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = s.maxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	restarts := 0
	for {
		err := s.runOnce(ctx, loop)
		if ctx.Err() != nil {
			// 正常停机，循环保持存活状态。
			return nil
		}
		if err == nil {
			err = stdErrors.New("循环意外退出")
		}

		restarts++
		if restarts > s.maxRestarts {
			s.markDead(loop.Name, err)
			s.notify(ctx, loop.Name, err, restarts, xerrors.SeverityCritical)
			logger.L().Error("循环重启预算耗尽",
				slog.String("loop", loop.Name),
				slog.Int("restarts", restarts-1),
				slog.Any("error", err),
			)
			return xerrors.Wrap(xerrors.CodeUnavailable, err,
				fmt.Sprintf("循环 %s 在 %d 次重启后仍然失败", loop.Name, s.maxRestarts))
		}

		s.markRestart(loop.Name, err)
		metrics.LoopRestarted(loop.Name)
		s.notify(ctx, loop.Name, err, restarts, xerrors.SeverityWarning)

		wait := policy.NextBackOff()
		logger.L().Warn("循环失败，准备重启",
			slog.String("loop", loop.Name),
			slog.Int("restart", restarts),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// runOnce 执行一轮循环，panic 转换为错误交给重启逻辑。
func (s *Supervisor) runOnce(ctx context.Context, loop Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("循环 panic: %v", r)
		}
	}()
	return loop.Run(ctx)
}

func (s *Supervisor) register(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = &Status{Loop: name, Alive: true}
}

func (s *Supervisor) markRestart(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		st.Restarts++
		st.LastError = err.Error()
	}
}

func (s *Supervisor) markDead(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		st.Alive = false
		st.LastError = err.Error()
	}
}

func (s *Supervisor) notify(ctx context.Context, name string, cause error, restarts int, severity xerrors.Severity) {
	if s.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:        xerrors.CodeUnavailable,
		Message:     fmt.Sprintf("后台循环 %s 失败: %v", name, cause),
		Severity:    severity,
		Attempts:    restarts,
		MaxAttempts: s.maxRestarts,
		Metadata:    map[string]string{"loop": name},
		OccurredAt:  time.Now(),
	}
	if err := s.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("循环告警发送失败", slog.String("loop", name), slog.Any("error", err))
	}
}
