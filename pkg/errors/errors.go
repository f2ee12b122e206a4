// Package errors provides the structured error taxonomy used across cxhealth: error codes,
// categories, and the contextual metadata attached as an error crosses component boundaries.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Data source
	ErrCodeDataSourceUnavailable ErrorCode = "DATA_SOURCE_UNAVAILABLE"
	ErrCodeDataSourceMalformed   ErrorCode = "DATA_SOURCE_MALFORMED"
	ErrCodeSchemaFieldMissing    ErrorCode = "SCHEMA_FIELD_MISSING"

	// Cache tiers
	ErrCodeCacheTierUnavailable ErrorCode = "CACHE_TIER_UNAVAILABLE"
	ErrCodeCacheTierCorrupt     ErrorCode = "CACHE_TIER_CORRUPT"
	ErrCodeCacheMiss            ErrorCode = "CACHE_MISS"

	// Classifier
	ErrCodeClassifierTraining ErrorCode = "CLASSIFIER_TRAINING_FAILED"

	// Pipeline and load state
	ErrCodeComputeFailed ErrorCode = "COMPUTE_FAILED"
	ErrCodeNotLoaded     ErrorCode = "NOT_LOADED"
	ErrCodeLoadFailed    ErrorCode = "LOAD_FAILED"

	// Operations
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for reporting and HTTP mapping.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDataSource    ErrorCategory = "data_source"
	CategorySchema        ErrorCategory = "schema"
	CategoryCache         ErrorCategory = "cache"
	CategoryClassifier    ErrorCategory = "classifier"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates an error with defaults derived from its code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return New(code, message).WithCause(cause)
}

// GetCategory determines the category from the code prefix.
func GetCategory(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "DATA_SOURCE_"):
		return CategoryDataSource
	case strings.HasPrefix(s, "SCHEMA_"):
		return CategorySchema
	case strings.HasPrefix(s, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(s, "CLASSIFIER_"):
		return CategoryClassifier
	case strings.HasPrefix(s, "NOT_LOADED") || strings.HasPrefix(s, "LOAD_") ||
		strings.HasPrefix(s, "COMPUTE_"):
		return CategoryState
	case strings.HasPrefix(s, "OPERATION_") || strings.HasPrefix(s, "RETRY_") ||
		strings.HasPrefix(s, "CIRCUIT_") || strings.HasPrefix(s, "NOT_FOUND") ||
		strings.HasPrefix(s, "INVALID_ARGUMENT"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is retryable unless overridden.
func IsRetryableByDefault(code ErrorCode) bool {
	retryable := map[ErrorCode]bool{
		ErrCodeDataSourceUnavailable: true,
		ErrCodeCacheTierUnavailable:  true,
		ErrCodeOperationTimeout:      true,
	}
	return retryable[code]
}

// GetDefaultHTTPStatus maps a code to the status the API answers with.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:         http.StatusBadRequest,
		ErrCodeConfigValidation:      http.StatusBadRequest,
		ErrCodeNotFound:              http.StatusNotFound,
		ErrCodeInvalidArgument:       http.StatusBadRequest,
		ErrCodeNotLoaded:             http.StatusServiceUnavailable,
		ErrCodeLoadFailed:            http.StatusServiceUnavailable,
		ErrCodeDataSourceUnavailable: http.StatusServiceUnavailable,
		ErrCodeDataSourceMalformed:   http.StatusUnprocessableEntity,
		ErrCodeCircuitOpen:           http.StatusServiceUnavailable,
		ErrCodeOperationTimeout:      http.StatusGatewayTimeout,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithContext adds contextual information.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a structured detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &Error{Code: code})
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatusOf returns the HTTP status for err, defaulting to 500.
func HTTPStatusOf(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
