// Package errs provides structured error types and helpers for sentinel services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeTransport indicates a connect, handshake, read, write or ping failure.
	CodeTransport Code = "transport"
	// CodeAuth indicates a token issuance failure.
	CodeAuth Code = "auth"
	// CodeParse indicates a malformed inbound message.
	CodeParse Code = "parse"
	// CodeProtocol indicates the venue broke the snapshot-then-update contract.
	CodeProtocol Code = "protocol"
	// CodeFatal indicates misconfiguration that prevents startup.
	CodeFatal Code = "fatal"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an error reported by the venue itself.
	CodeExchange Code = "exchange_error"
	// CodeUnavailable indicates the component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the sentinel stack.
type E struct {
	Op      string
	Code    Code
	Product string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithProduct records the product the error relates to.
func WithProduct(product string) Option {
	trimmed := strings.TrimSpace(product)
	return func(e *E) {
		e.Product = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Product != "" {
		parts = append(parts, "product="+e.Product)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Retryable reports whether the failure should drive a reconnect rather than abort.
func (e *E) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Code == CodeTransport || e.Code == CodeAuth
}

// CodeOf returns the code of the first envelope in the chain, or an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
