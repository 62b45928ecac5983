package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/types"
)

// DefaultMaxBodyBytes 未配置时的请求体上限
const DefaultMaxBodyBytes int64 = 4 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteRaw 写入已编码的 JSON 字节（部分结果、报告）
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteFailure 以 {code,message} 写出错误，HTTP 状态由错误码决定。
// 中心的 HTTP 传输按同样的格式还原错误。
func WriteFailure(w http.ResponseWriter, err error, logger *zap.Logger) {
	WriteFailureStatus(w, StatusFor(types.GetErrorCode(err)), err, logger)
}

// WriteFailureStatus 以指定状态写出错误
func WriteFailureStatus(w http.ResponseWriter, status int, err error, logger *zap.Logger) {
	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(codec.FailureOf(err).Code)),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Warn("request rejected", fields...)
		}
	}
	WriteRaw(w, status, codec.EncodeFailure(err))
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

// StatusFor 返回错误码对应的 HTTP 状态
func StatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrSettingsValidation,
		types.ErrIncompatibleSchema, types.ErrDisallowedField:
		return http.StatusBadRequest
	case types.ErrUnknownTask, types.ErrUnknownOrganization:
		return http.StatusNotFound
	case types.ErrDuplicateContribution, types.ErrInvalidTransition:
		return http.StatusConflict
	case types.ErrCohortResolution, types.ErrEmptyCohort, types.ErrCovariateUnavailable,
		types.ErrSuppressionViolation, types.ErrInsufficientContributors:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrOrganizationTimeout:
		return http.StatusGatewayTimeout
	case types.ErrTransport:
		return http.StatusBadGateway
	case types.ErrCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求读取
// =============================================================================

// ReadBody 读取有大小上限的请求体。
// 超限返回 413，空体与读取失败返回 400，均已写出响应。
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64, logger *zap.Logger) ([]byte, bool) {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if r.Body == nil {
		WriteFailure(w, types.NewError(types.ErrInvalidRequest, "request body is empty"), logger)
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteFailureStatus(w, http.StatusRequestEntityTooLarge,
				types.Errorf(types.ErrInvalidRequest, "request body exceeds %d bytes", limit), logger)
			return nil, false
		}
		WriteFailure(w, types.NewError(types.ErrInvalidRequest, "read request body").WithCause(err), logger)
		return nil, false
	}
	if len(body) == 0 {
		WriteFailure(w, types.NewError(types.ErrInvalidRequest, "request body is empty"), logger)
		return nil, false
	}
	return body, true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与写出字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
	Written      bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 记录首次写出的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 写出响应体并累计字节数
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}
