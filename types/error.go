package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// 站点本地错误码：只影响产生它的组织
const (
	ErrCohortResolution   ErrorCode = "COHORT_RESOLUTION"
	ErrEmptyCohort        ErrorCode = "EMPTY_COHORT"
	ErrSettingsValidation ErrorCode = "SETTINGS_VALIDATION"
	ErrCancelled          ErrorCode = "CANCELLED"

	ErrCovariateUnavailable ErrorCode = "COVARIATE_UNAVAILABLE"
)

// 序列化 / 聚合错误码
const (
	ErrIncompatibleSchema       ErrorCode = "INCOMPATIBLE_SCHEMA"
	ErrDisallowedField          ErrorCode = "DISALLOWED_FIELD"
	ErrSuppressionViolation     ErrorCode = "SUPPRESSION_VIOLATION"
	ErrInsufficientContributors ErrorCode = "INSUFFICIENT_CONTRIBUTORS"
	ErrDuplicateContribution    ErrorCode = "DUPLICATE_CONTRIBUTION"
)

// 编排错误码
const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrUnknownOrganization ErrorCode = "UNKNOWN_ORGANIZATION"
	ErrUnknownTask         ErrorCode = "UNKNOWN_TASK"
	ErrInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrOrganizationTimeout ErrorCode = "ORGANIZATION_TIMEOUT"
	ErrTransport           ErrorCode = "TRANSPORT"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and the
// organization it originated from.
type Error struct {
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	Organization string    `json:"organization,omitempty"`
	Cause        error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Organization != "" {
		prefix = fmt.Sprintf("[%s] org=%s", e.Code, e.Organization)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, NewError(code, "")) 可用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithOrganization tags the error with the originating organization.
func (e *Error) WithOrganization(orgID string) *Error {
	e.Organization = orgID
	return e
}

// AsError 提取链上的 *Error。
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode 判断错误链中是否包含指定错误码。
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsWarning 报告该错误码是否为非致命警告。
func (c ErrorCode) IsWarning() bool {
	return c == ErrEmptyCohort || c == ErrCovariateUnavailable
}

// WrapError 将任意错误包装为指定错误码；已是 *Error 的保持原样。
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, message).WithCause(err)
}
