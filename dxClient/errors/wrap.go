package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WrapDirectoryError wraps an error as a DirectoryError if it isn't already one.
func WrapDirectoryError(err error, code ErrorCode, message string) *DirectoryError {
	if err == nil {
		return nil
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		dirErr.WithContext("wrapped_message", message)
		return dirErr
	}

	return New(code, message, err)
}

// Is checks if an error is of a specific type
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to a target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsCode checks if an error is a DirectoryError with the given code
func IsCode(err error, code ErrorCode) bool {
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Code == code
	}
	return false
}

// CodeOf returns the code of a DirectoryError, or ErrCodeInternal for anything else.
func CodeOf(err error) ErrorCode {
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Code
	}
	return ErrCodeInternal
}

// MessageOf returns the caller-facing message of err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Message
	}
	return err.Error()
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"database is locked",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}

	var dirErr *DirectoryError
	if errors.As(err, &dirErr) {
		return dirErr.Severity
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "panic"), strings.Contains(errStr, "fatal"):
		return SeverityCritical
	case strings.Contains(errStr, "failed"), strings.Contains(errStr, "error"):
		return SeverityHigh
	case strings.Contains(errStr, "warning"):
		return SeverityMedium
	}

	return SeverityLow
}
