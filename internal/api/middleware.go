package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"CrossFlow/internal/observability/metrics"
	"CrossFlow/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// statusRecorder 捕获处理器写出的状态码，供日志与指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// withObservability 给每个请求打上请求标识，记录访问日志与时延指标，
// 并把处理器 panic 收敛为 500 响应而不是压垮整个进程。
func withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()

		defer func() {
			if cause := recover(); cause != nil {
				rec.status = http.StatusInternalServerError
				logger.L().Error("请求处理 panic",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"panic", cause,
				)
				http.Error(w, "内部错误", http.StatusInternalServerError)
			}
			elapsed := time.Since(started)
			metrics.ObserveHTTPRequest(routeLabel(r.URL.Path), r.Method, rec.status, elapsed)
			log := logger.L().Info
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				log = logger.L().Debug
			}
			log("HTTP 请求",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

// routeLabel 把路径折叠到固定的前两段，控制指标标签的基数。
func routeLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) <= 2 {
		return "/" + strings.Join(segments, "/")
	}
	return "/" + segments[0] + "/" + segments[1]
}
