package api

import (
	"encoding/json"
	"net/http"

	xerrors "CrossFlow/internal/errors"
	"CrossFlow/internal/intent"
	"CrossFlow/pkg/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeJSON 序列化响应体，编码失败只记日志，状态码此时已经发出。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Error("响应序列化失败", "error", err)
	}
}

// writeError 把错误分类映射为 HTTP 状态码并输出统一的错误包体。
func writeError(w http.ResponseWriter, err error) {
	coded, ok := xerrors.From(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Code:    string(xerrors.CodeUnknown),
			Message: err.Error(),
		}})
		return
	}
	writeJSON(w, statusFor(coded.Code()), errorResponse{Error: errorBody{
		Code:    string(coded.Code()),
		Message: coded.Message(),
	}})
}

// statusFor 是错误码到 HTTP 状态码的唯一映射入口。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, intent.CodeIntentValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, intent.CodeIntentNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted, intent.CodeIntentConflict:
		return http.StatusConflict
	case xerrors.CodeUnavailable, intent.CodeIntentPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON 解析请求体，失败时返回 400 级别的参数错误。
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
