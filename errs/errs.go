// Package errs provides structured error types and failure classification for the notification client.
package errs

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a notification client error category.
type Code string

const (
	// CodeConfig indicates a caller configuration mistake such as an unregistered system.
	CodeConfig Code = "config"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeForbidden indicates the backend refused the operation permanently.
	CodeForbidden Code = "forbidden"
	// CodeSessionExpired indicates the backend session is gone.
	CodeSessionExpired Code = "session_expired"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the backend is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeDecode indicates a response body that could not be parsed.
	CodeDecode Code = "decode"
)

// Class captures how the poller reacts to a failure.
type Class int

const (
	// ClassTransient failures are retried after the retry interval.
	ClassTransient Class = iota
	// ClassForbidden failures stop the poller until it is started again explicitly.
	ClassForbidden
	// ClassSessionExpired failures stop the poller; the application must re-authenticate.
	ClassSessionExpired
	// ClassCancelled marks a request that was abandoned by the client itself.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassForbidden:
		return "forbidden"
	case ClassSessionExpired:
		return "session_expired"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fatal reports whether the class stops the poller without retry.
func (c Class) Fatal() bool {
	return c == ClassForbidden || c == ClassSessionExpired
}

// E captures structured error information produced across the notification stack.
type E struct {
	System   string
	Code     Code
	HTTP     int
	RawCode  string
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the system and error code.
func New(system string, code Code, opts ...Option) *E {
	e := &E{
		System:   strings.TrimSpace(system),
		Code:     code,
		HTTP:     0,
		RawCode:  "",
		Message:  "",
		Metadata: nil,
		cause:    nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the backend error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
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
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	system := strings.TrimSpace(e.System)
	if system == "" {
		system = "unknown"
	}
	parts = append(parts, "system="+system)

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
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// FromHTTPStatus maps a non-success HTTP status into an error envelope.
func FromHTTPStatus(system string, status int, opts ...Option) *E {
	code := CodeUnavailable
	switch status {
	case http.StatusUnauthorized:
		code = CodeSessionExpired
	case http.StatusForbidden, http.StatusMethodNotAllowed:
		code = CodeForbidden
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = CodeInvalid
	}
	all := make([]Option, 0, len(opts)+1)
	all = append(all, WithHTTP(status))
	all = append(all, opts...)
	return New(system, code, all...)
}

// Classify decides how a failed poll affects the poller.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var e *E
	if !errors.As(err, &e) {
		return ClassTransient
	}
	switch e.Code {
	case CodeSessionExpired:
		return ClassSessionExpired
	case CodeForbidden:
		return ClassForbidden
	}
	switch e.HTTP {
	case http.StatusUnauthorized:
		return ClassSessionExpired
	case http.StatusForbidden, http.StatusMethodNotAllowed:
		return ClassForbidden
	}
	return ClassTransient
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
