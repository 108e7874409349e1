package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 稳定的机器可读错误标识
type ErrorCode string

const (
	// 通用错误
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"

	// 配置错误: 在任何block执行之前失败，不重试
	ErrCodeInvalidGraph     ErrorCode = "INVALID_GRAPH"
	ErrCodeCycleDetected    ErrorCode = "CYCLE_DETECTED"
	ErrCodeUnknownBlock     ErrorCode = "UNKNOWN_BLOCK_TYPE"
	ErrCodeParameterInvalid ErrorCode = "PARAMETER_INVALID"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"

	// 执行错误
	ErrCodeBlockExecution  ErrorCode = "BLOCK_EXECUTION_ERROR"
	ErrCodeFeatureNotFound ErrorCode = "FEATURE_NOT_FOUND"
	ErrCodeModelNotFound   ErrorCode = "MODEL_NOT_FOUND"
	ErrCodeShapeMismatch   ErrorCode = "SHAPE_MISMATCH"
	ErrCodeOutputFailed    ErrorCode = "OUTPUT_FAILED"
	ErrCodeWalkForward     ErrorCode = "WALK_FORWARD_ERROR"

	// 市场数据
	ErrCodeMarketDataUnavailable ErrorCode = "MARKET_DATA_UNAVAILABLE"

	// 调度
	ErrCodeRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	ErrCodeRunCanceled      ErrorCode = "RUN_CANCELED"
	ErrCodeQueueFull        ErrorCode = "QUEUE_FULL"
	ErrCodeSchedulerStopped ErrorCode = "SCHEDULER_STOPPED"

	// 存储
	ErrCodePersistence     ErrorCode = "PERSISTENCE_ERROR"
	ErrCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeDBConnection    ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION_ERROR"
)

// ErrorSeverity 用于日志与告警分级
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError 携带错误代码的结构化错误，可沿 errors.As 链解析
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 暴露底层原因
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus 将错误代码映射为API响应状态
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeRunNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeInvalidGraph, ErrCodeCycleDetected, ErrCodeUnknownBlock,
		ErrCodeParameterInvalid, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeQueueFull, ErrCodeSchedulerStopped:
		return http.StatusServiceUnavailable
	case ErrCodeRunCanceled:
		return http.StatusConflict
	case ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// IsConfigError 配置类错误在执行前即失败
func (e *AppError) IsConfigError() bool {
	switch e.Code {
	case ErrCodeInvalidGraph, ErrCodeCycleDetected, ErrCodeUnknownBlock,
		ErrCodeParameterInvalid, ErrCodeInvalidConfig:
		return true
	default:
		return false
	}
}

// IsRetryable 仅瞬时的存储/缓存/超时错误可重试
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeDBConnection, ErrCodeCacheConnection,
		ErrCodePersistence, ErrCodePayloadTooLarge:
		return true
	default:
		return false
	}
}

// NewAppError 按代码推导严重程度
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return NewAppError(code, fmt.Sprintf(format, args...), nil)
}

// WithContext 附加键值，返回自身便于链式调用
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeDBConnection:
		return SeverityCritical
	case ErrCodePersistence, ErrCodeBlockExecution, ErrCodeOutputFailed, ErrCodeWalkForward:
		return SeverityHigh
	case ErrCodeCacheConnection, ErrCodeMarketDataUnavailable, ErrCodePayloadTooLarge,
		ErrCodeCycleDetected, ErrCodeInvalidGraph:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ErrorResponse 是API错误响应体
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// WrapError 保留链中已有的AppError，否则以code包装
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	return NewAppError(code, message, err)
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError 获取应用错误，沿包装链查找
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode 判断错误链中是否包含指定代码
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
