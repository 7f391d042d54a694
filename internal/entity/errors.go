package entity

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeValidation       ErrorCode = "validation_error"
	CodeAdmissionTimeout ErrorCode = "admission_timeout"
	CodeAdapterNotReady  ErrorCode = "adapter_not_ready"
	CodeDomain           ErrorCode = "domain_error"
	CodeInference        ErrorCode = "inference_error"
	CodeTimeout          ErrorCode = "timeout"
	CodeCancelled        ErrorCode = "cancelled"
	CodeNotFound         ErrorCode = "not_found"
)

// JobError is the failure detail stored on a failed job and returned to clients.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error is a classified failure. Err keeps the underlying cause for logs;
// Message is what clients are allowed to see.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func ValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func DomainError(msg string) *Error {
	return &Error{Code: CodeDomain, Message: msg}
}

// Classify maps any error onto the taxonomy. Unclassified errors become
// inference errors with a generic message so internals are not leaked.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInference, Message: "inference failed", Err: err}
}

// Detail converts err into the client-facing JobError.
func Detail(err error) *JobError {
	e := Classify(err)
	if e == nil {
		return nil
	}
	return &JobError{Code: e.Code, Message: e.Message}
}

// IsCode reports whether err classifies as code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
