// Package errs provides structured error types and helpers for the webhook bridge.
package errs

import (
	"fmt"
	"strconv"
	"strings"
)

// Code identifies a failure category within the dispatch pipeline.
type Code string

const (
	// CodeSourceUnavailable indicates the message store could not be queried.
	CodeSourceUnavailable Code = "source_unavailable"
	// CodeBroker indicates a queue broker connection or publish failure.
	CodeBroker Code = "broker"
	// CodeDelivery indicates a webhook endpoint rejected or timed out a delivery.
	CodeDelivery Code = "delivery_failed"
	// CodeDuplicate indicates an event identity was already admitted.
	CodeDuplicate Code = "duplicate"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeStore indicates a dispatch-log or registration store failure.
	CodeStore Code = "store"
	// CodeUnavailable indicates a collaborator is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the bridge.
type E struct {
	Component   string
	Code        Code
	HTTP        int
	Message     string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
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

// WithMessagef attaches a formatted human-readable message to the error.
func WithMessagef(format string, args ...any) Option {
	return WithMessage(fmt.Sprintf(format, args...))
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
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

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err carries the given bridge error code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if typed, ok := err.(*E); ok {
			return typed.Code == code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
