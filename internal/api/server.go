package api

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"CrossFlow/internal/intent"
	"CrossFlow/internal/observability/metrics"
	"CrossFlow/internal/order"
	"CrossFlow/internal/permission"
	"CrossFlow/internal/supervisor"
	"CrossFlow/pkg/logger"
)

const defaultShutdownTimeout = 5 * time.Second

// Config 控制 HTTP 服务的监听地址与超时。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// HealthReporter 汇报后台循环的存活状态，/healthz 据此返回 200 或 503。
type HealthReporter interface {
	Healthy() bool
	Snapshot() []supervisor.Status
}

// Server 暴露意图流水线、条件订单与权限引擎的 REST 接口。
type Server struct {
	cfg         Config
	intents     *intent.Service
	orders      *order.Engine
	poller      *order.Poller
	permissions *permission.Service
	health      HealthReporter
}

// Option 定义可选配置。
type Option func(*Server)

// WithHealth 注入后台循环的健康汇报器。
func WithHealth(h HealthReporter) Option {
	return func(s *Server) {
		s.health = h
	}
}

// NewServer 构造 API 服务实例。poller 允许为 nil，对应轮询被禁用的部署。
func NewServer(cfg Config, intents *intent.Service, orders *order.Engine, poller *order.Poller, permissions *permission.Service, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{
		cfg:         cfg,
		intents:     intents,
		orders:      orders,
		poller:      poller,
		permissions: permissions,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 组装完整的路由表，测试直接挂到 httptest 上使用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/intents", s.handleIntents)
	mux.HandleFunc("/api/intents/stats", s.handleIntentStats)
	mux.HandleFunc("/api/status/", s.handleIntentStatus)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/orders/", s.handleOrderSubtree)
	mux.HandleFunc("/api/permission/", s.handlePermissionSubtree)
	mux.HandleFunc("/api/admin/dead-letter", s.handleDeadLetters)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	return withObservability(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("HTTP 服务已启动", "address", s.cfg.Address)
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status string              `json:"status"`
	Loops  []supervisor.Status `json:"loops,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if s.health != nil {
		resp.Loops = s.health.Snapshot()
		if !s.health.Healthy() {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.intents == nil {
		http.Error(w, "意图服务未初始化", http.StatusServiceUnavailable)
		return
	}
	limit := queryInt(r, "limit", 50)
	letters, err := s.intents.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterResponse{DeadLetters: letters, Count: len(letters)})
}

type deadLetterResponse struct {
	DeadLetters []intent.DeadLetter `json:"deadLetters"`
	Count       int                 `json:"count"`
}

// queryInt 解析正整数查询参数，缺失或非法时返回默认值。
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
