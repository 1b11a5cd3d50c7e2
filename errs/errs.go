// Package errs provides structured error types and helpers for tradecore services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category raised by a tradecore component.
type Code string

const (
	// CodeInvalid indicates malformed or out-of-range input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInsufficientMargin indicates the wallet cannot cover the required margin.
	CodeInsufficientMargin Code = "insufficient_margin"
	// CodeInvalidState indicates an operation against an order or position in a terminal state.
	CodeInvalidState Code = "invalid_state"
	// CodeNotFound indicates a missing order, position, or snapshot.
	CodeNotFound Code = "not_found"
	// CodeStreamGap indicates an order-book sequence gap requiring a fresh snapshot.
	CodeStreamGap Code = "stream_gap"
	// CodeNetwork indicates a transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
)

// E captures structured error information produced across the tradecore stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
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

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or an empty Code when err does not
// carry an envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
