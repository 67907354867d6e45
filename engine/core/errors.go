package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidMessage     ErrorCode = "invalid_message"
	CodeActionError        ErrorCode = "action_error"
	CodeItemCallbackType   ErrorCode = "item_callback_type"
	CodeConfiguredHardFail ErrorCode = "configured_hard_fail"
	CodeTimeout            ErrorCode = "timeout"
)

// Error is the engine error envelope. Two errors match under errors.Is when
// the target carries no message and both share a code, so the exported
// sentinels below can be used to classify any engine error.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	cause   error
}

var (
	ErrInvalidMessage     = &Error{Code: CodeInvalidMessage}
	ErrActionError        = &Error{Code: CodeActionError}
	ErrItemCallbackType   = &Error{Code: CodeItemCallbackType}
	ErrConfiguredHardFail = &Error{Code: CodeConfiguredHardFail}
	ErrTimeout            = &Error{Code: CodeTimeout}
)

// NewError wraps err under code. A nil err yields an error with only the code.
func NewError(err error, code ErrorCode, details map[string]any) *Error {
	e := &Error{Code: code, Details: details, cause: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.cause != nil:
		return fmt.Sprintf("%s: %s", e.Code, e.cause.Error())
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.cause == nil && t.Code == e.Code
}

// InvalidMessage reports a descriptor that violates its operator contract.
func InvalidMessage(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

// HardFail reports a sequence item whose error$ predicate held.
func HardFail(message string, details map[string]any) *Error {
	if message == "" {
		message = "sequence item failed its error condition"
	}
	return &Error{Code: CodeConfiguredHardFail, Message: message, Details: details}
}

// ActionFailed wraps an executor failure. Engine errors pass through untouched
// so nested compositions keep their original classification.
func ActionFailed(err error, details map[string]any) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	return NewError(err, CodeActionError, details)
}

// CodeOf returns the engine code carried by err, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}

// MessageOf returns the message of err without its code prefix.
func MessageOf(err error) string {
	var engineErr *Error
	if errors.As(err, &engineErr) && engineErr.Message != "" {
		return engineErr.Message
	}
	return err.Error()
}

// Retryable reports whether err is an item failure that a later attempt may
// not repeat. Contract and resolution errors are not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeActionError, CodeConfiguredHardFail:
		return true
	default:
		return false
	}
}
