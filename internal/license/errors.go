package license

import (
	"context"
	"errors"
	"fmt"

	"plugin-license-server/internal/store"
)

type Code string

const (
	CodeBadRequest             Code = "bad_request"
	CodeNotFound               Code = "not_found"
	CodeQuotaExceeded          Code = "quota_exceeded"
	CodeCapacityExceeded       Code = "capacity_exceeded"
	CodeDuplicateServer        Code = "duplicate_server"
	CodeKeyGenerationExhausted Code = "key_generation_exhausted"
	CodeStoreUnavailable       Code = "store_unavailable"
)

// Error is the typed failure returned by every mutating operation. Two
// errors match under errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	// Limit carries the owner license limit for CodeQuotaExceeded and the
	// server cap for CodeCapacityExceeded.
	Limit int
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrBadRequest             = &Error{Code: CodeBadRequest, Message: "bad request"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "License not found"}
	ErrQuotaExceeded          = &Error{Code: CodeQuotaExceeded, Message: "license limit reached"}
	ErrCapacityExceeded       = &Error{Code: CodeCapacityExceeded, Message: "maximum server limit reached"}
	ErrDuplicateServer        = &Error{Code: CodeDuplicateServer, Message: "Server already added to this license"}
	ErrKeyGenerationExhausted = &Error{Code: CodeKeyGenerationExhausted, Message: "could not generate a unique license key"}
	ErrStoreUnavailable       = &Error{Code: CodeStoreUnavailable, Message: "license store unavailable"}
)

type Option func(*Error)

func WithErr(err error) Option {
	return func(e *Error) { e.Err = err }
}

func WithLimit(limit int) Option {
	return func(e *Error) { e.Limit = limit }
}

func newError(code Code, message string, opts ...Option) *Error {
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func badRequest(message string) error {
	return newError(CodeBadRequest, message)
}

func quotaExceeded(limit int) error {
	return newError(CodeQuotaExceeded,
		fmt.Sprintf("License limit reached. You can create up to %d licenses.", limit),
		WithLimit(limit))
}

func capacityExceeded(limit int) error {
	return newError(CodeCapacityExceeded,
		fmt.Sprintf("Maximum server limit reached (%d)", limit),
		WithLimit(limit))
}

// CodeOf returns the code of err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// fromStore translates store failures. Anything the core does not expect is
// an infrastructure fault and surfaces as store_unavailable.
func fromStore(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeStoreUnavailable, "license store timed out", WithErr(err))
	default:
		return newError(CodeStoreUnavailable, "license store unavailable", WithErr(err))
	}
}
