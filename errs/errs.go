// Package errs provides structured error types and helpers for strategos services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category shared by every component.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInsufficientBalance indicates a wallet bucket cannot cover the requested amount.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeInsufficientQuantity indicates a position cannot cover the requested quantity.
	CodeInsufficientQuantity Code = "insufficient_quantity"
	// CodeAlreadyExists indicates a uniqueness violation.
	CodeAlreadyExists Code = "already_exists"
	// CodeAlreadyScheduled indicates the strategy already has a schedule registered.
	CodeAlreadyScheduled Code = "already_scheduled"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeExternalProvider indicates a market data or exchange failure.
	CodeExternalProvider Code = "external_provider"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeInternal indicates a broken invariant.
	CodeInternal Code = "internal"
)

// Retryable reports whether errors with the code are expected to clear on a later tick.
func (c Code) Retryable() bool {
	switch c {
	case CodeExternalProvider, CodeConflict:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the strategos stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Details   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
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

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetails merges the provided key/value details into the error envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		for k, v := range details {
			WithDetail(k, v)(e)
		}
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	if component := strings.TrimSpace(e.Component); component != "" {
		parts = append(parts, "component="+component)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Detail returns the named detail value.
func (e *E) Detail(key string) string {
	if e == nil || e.Details == nil {
		return ""
	}
	return e.Details[key]
}

// Detail returns the named detail of the first envelope in the error chain.
func Detail(err error, key string) string {
	var e *E
	if errors.As(err, &e) {
		return e.Detail(key)
	}
	return ""
}

// CodeOf returns the code of the first envelope in the error chain, or an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether the error chain carries an envelope with the code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// IsRetryable reports whether the error is expected to clear on a later attempt.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}

// Validation returns a CodeInvalid envelope.
func Validation(component, message string, opts ...Option) *E {
	return New(component, CodeInvalid, append([]Option{WithMessage(message)}, opts...)...)
}

// NotFound returns a CodeNotFound envelope naming the missing resource.
func NotFound(component, resource, id string) *E {
	return New(component, CodeNotFound,
		WithMessage(resource+" not found"),
		WithDetail("resource", resource),
		WithDetail("id", id))
}

// InsufficientBalance reports a bucket that cannot cover the requested amount.
func InsufficientBalance(component, bucket, requested, available string) *E {
	return New(component, CodeInsufficientBalance,
		WithMessage("insufficient "+bucket+" balance"),
		WithDetail("bucket", bucket),
		WithDetail("requested", requested),
		WithDetail("available", available))
}

// InsufficientQuantity reports a position that cannot cover the requested quantity.
func InsufficientQuantity(component, asset, requested, available string) *E {
	return New(component, CodeInsufficientQuantity,
		WithMessage("insufficient "+asset+" quantity"),
		WithDetail("asset", asset),
		WithDetail("requested", requested),
		WithDetail("available", available))
}

// External wraps a provider failure.
func External(component, message string, cause error) *E {
	return New(component, CodeExternalProvider, WithMessage(message), WithCause(cause))
}

// Internal wraps a broken invariant.
func Internal(component, message string, opts ...Option) *E {
	return New(component, CodeInternal, append([]Option{WithMessage(message)}, opts...)...)
}
