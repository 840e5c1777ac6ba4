package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed or incomplete request
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeDomainInvariant indicates a business rule rejected the request
	ErrCodeDomainInvariant ErrorCode = "DOMAIN_INVARIANT"

	// ErrCodeIdentity indicates an unknown, unconfirmed or impersonated user
	ErrCodeIdentity ErrorCode = "IDENTITY"

	// ErrCodeDependency indicates a ledger, storage or notifier failure
	ErrCodeDependency ErrorCode = "DEPENDENCY"

	// ErrCodeUnknownSelector indicates a transaction calling an unregistered function
	ErrCodeUnknownSelector ErrorCode = "UNKNOWN_SELECTOR"

	// ErrCodeNetwork indicates network-related errors
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeDatabase indicates database operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeRPC indicates RPC-related errors
	ErrCodeRPC ErrorCode = "RPC"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeTimeout indicates timeout errors
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// DirectoryError is the typed error returned across the directory node.
// Message is safe to hand back to callers verbatim.
type DirectoryError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// New creates a new DirectoryError
func New(code ErrorCode, message string, cause error) *DirectoryError {
	return &DirectoryError{
		Code:     code,
		Message:  message,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *DirectoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *DirectoryError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *DirectoryError) WithContext(key string, value interface{}) *DirectoryError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *DirectoryError) WithSeverity(severity Severity) *DirectoryError {
	e.Severity = severity
	return e
}

// IsRetryable returns true if the error is retryable
func (e *DirectoryError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeRPC, ErrCodeTimeout, ErrCodeDependency:
		return true
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal:
		return SeverityCritical
	case ErrCodeDatabase, ErrCodeDependency:
		return SeverityHigh
	case ErrCodeNetwork, ErrCodeRPC, ErrCodeTimeout, ErrCodeUnknownSelector:
		return SeverityMedium
	case ErrCodeValidation, ErrCodeConfig, ErrCodeDomainInvariant, ErrCodeIdentity:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// ErrorGroup represents a collection of errors
type ErrorGroup struct {
	Errors []error
}

// NewErrorGroup creates a new error group
func NewErrorGroup() *ErrorGroup {
	return &ErrorGroup{
		Errors: make([]error, 0),
	}
}

// Add adds an error to the group
func (eg *ErrorGroup) Add(err error) {
	if err != nil {
		eg.Errors = append(eg.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (eg *ErrorGroup) HasErrors() bool {
	return len(eg.Errors) > 0
}

// Error implements the error interface
func (eg *ErrorGroup) Error() string {
	if len(eg.Errors) == 0 {
		return ""
	}
	if len(eg.Errors) == 1 {
		return eg.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(eg.Errors), eg.Errors[0])
}

// ErrOrNil returns the group as an error, or nil when it is empty.
func (eg *ErrorGroup) ErrOrNil() error {
	if !eg.HasErrors() {
		return nil
	}
	return eg
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(message string) *DirectoryError {
	return New(ErrCodeValidation, message, nil)
}

// NewDomainError creates a domain invariant error
func NewDomainError(message string) *DirectoryError {
	return New(ErrCodeDomainInvariant, message, nil)
}

// NewIdentityError creates an identity error
func NewIdentityError(message string) *DirectoryError {
	return New(ErrCodeIdentity, message, nil)
}

// NewDependencyError creates a dependency error
func NewDependencyError(message string, cause error) *DirectoryError {
	return New(ErrCodeDependency, message, cause)
}

// NewUnknownSelectorError creates an unknown selector error
func NewUnknownSelectorError(selector string) *DirectoryError {
	return New(ErrCodeUnknownSelector, "unknown function selector", nil).WithContext("selector", selector)
}

// NewNetworkError creates a network error
func NewNetworkError(message string, cause error) *DirectoryError {
	return New(ErrCodeNetwork, message, cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(message string, cause error) *DirectoryError {
	return New(ErrCodeDatabase, message, cause)
}

// NewRPCError creates an RPC error
func NewRPCError(message string, cause error) *DirectoryError {
	return New(ErrCodeRPC, message, cause)
}

// NewConfigError creates a configuration error
func NewConfigError(message string) *DirectoryError {
	return New(ErrCodeConfig, message, nil)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string) *DirectoryError {
	return New(ErrCodeTimeout, message, nil)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *DirectoryError {
	return New(ErrCodeInternal, message, cause)
}
