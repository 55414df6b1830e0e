// Package errors provides structured error handling for portwatch operations.
// It defines error codes, error types, and utilities for creating and
// inspecting errors with context and structured information.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"

	// Scan execution errors.
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"
	CodeScanFailed    ErrorCode = "SCAN_FAILED"
	CodeParseFailed   ErrorCode = "PARSE_FAILED"
	CodeToolMissing   ErrorCode = "TOOL_MISSING"
	CodeJobNotFound   ErrorCode = "JOB_NOT_FOUND"

	// Schedule errors.
	CodeScheduleNotFound ErrorCode = "SCHEDULE_NOT_FOUND"
	CodeScheduleTerminal ErrorCode = "SCHEDULE_TERMINAL"

	// Database errors.
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"
)

// ScanError represents an error that occurred during scan execution.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ScheduleError represents scheduling-related errors.
type ScheduleError struct {
	Code       ErrorCode
	Message    string
	ScheduleID string
	Cause      error
}

// Error implements the error interface.
func (e *ScheduleError) Error() string {
	if e.ScheduleID != "" {
		return fmt.Sprintf("[%s] %s (schedule: %s)", e.Code, e.Message, e.ScheduleID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ScheduleError) Unwrap() error {
	return e.Cause
}

// NewScheduleError creates a new schedule error.
func NewScheduleError(code ErrorCode, message, scheduleID string) *ScheduleError {
	return &ScheduleError{
		Code:       code,
		Message:    message,
		ScheduleID: scheduleID,
	}
}

// WrapScheduleError wraps an existing error as a schedule error.
func WrapScheduleError(code ErrorCode, message string, err error) *ScheduleError {
	return &ScheduleError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// StorageError represents persistence-related errors.
type StorageError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new storage error.
func NewStorageError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// WrapStorageError wraps an existing error as a storage error.
func WrapStorageError(code ErrorCode, message string, err error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *ScheduleError:
		return e.Code
	case *StorageError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeDatabaseConnection, CodeDatabaseTimeout:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodePermission, CodeConfiguration, CodeToolMissing:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification", target)
}

// ErrPrivilegesRequired creates an error for scans rejected by the OS.
func ErrPrivilegesRequired(target string) *ScanError {
	return NewScanErrorWithTarget(CodePermission,
		"This scan type requires administrator privileges", target)
}

// ErrScanCanceled creates an error for manually cancelled scans.
func ErrScanCanceled(target string) *ScanError {
	return NewScanErrorWithTarget(CodeCanceled, "Scan was cancelled", target)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *StorageError {
	return WrapStorageError(CodeDatabaseConnection, "Failed to connect to database", err)
}
