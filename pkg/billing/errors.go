package billing

import (
	"errors"
	"fmt"
)

// Validation errors: rejected before any store mutation.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidEmail           = errors.New("invalid email")
	ErrInvalidCourseCode      = errors.New("invalid course code")
	ErrInvalidCourseType      = errors.New("invalid course type")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidWindow          = errors.New("invalid window")
	ErrInvalidDateRange       = errors.New("invalid date range")
	ErrInvalidFilter          = errors.New("invalid filter")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// Business-rule errors: checked inside the atomic unit, no mutation performed.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrCourseNotPurchasable = errors.New("course not purchasable")
)

// Not-found and conflict errors.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrCourseNotFound = errors.New("course not found")
	ErrUserExists     = errors.New("user already exists")
	ErrCourseExists   = errors.New("course already exists")
)

// ErrConcurrentUpdate reports that the user row changed under an atomic unit. The unit is
// rolled back and never retried here.
var ErrConcurrentUpdate = errors.New("concurrent balance update")

// IsValidation reports whether err was caused by invalid input.
func IsValidation(err error) bool {
	return errorsIsAny(err,
		ErrInvalidAmount,
		ErrInvalidEmail,
		ErrInvalidCourseCode,
		ErrInvalidCourseType,
		ErrInvalidTransactionKind,
		ErrInvalidWindow,
		ErrInvalidDateRange,
		ErrInvalidFilter,
	)
}

// IsBusinessRule reports whether err is a policy rejection.
func IsBusinessRule(err error) bool {
	return errorsIsAny(err, ErrInsufficientFunds, ErrCourseNotPurchasable)
}

// IsNotFound reports whether err names a missing user or course.
func IsNotFound(err error) bool {
	return errorsIsAny(err, ErrUserNotFound, ErrCourseNotFound)
}

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	return errorsIsAny(err, ErrUserExists, ErrCourseExists)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorCode returns a stable snake_case code for err, suitable for API payloads and logs.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrCourseNotPurchasable):
		return "course_not_purchasable"
	case errors.Is(err, ErrCourseNotFound):
		return "course_not_found"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrUserExists):
		return "user_exists"
	case errors.Is(err, ErrCourseExists):
		return "course_exists"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrConcurrentUpdate):
		return "concurrent_update"
	case IsValidation(err):
		return "invalid_argument"
	default:
		return "internal"
	}
}
