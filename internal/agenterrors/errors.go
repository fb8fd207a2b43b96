// Package agenterrors defines the single error type surfaced by agent invocations.
package agenterrors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Code is a closed set of invocation failure categories.
type Code string

const (
	CodeConnection     Code = "CONNECTION_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodePermission     Code = "PERMISSION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeTimeout        Code = "TIMEOUT"
	CodeServer         Code = "SERVER_ERROR"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeUnknown        Code = "UNKNOWN_ERROR"
	CodeStream         Code = "STREAM_ERROR"
)

var knownCodes = map[Code]struct{}{
	CodeConnection:     {},
	CodeAuthentication: {},
	CodePermission:     {},
	CodeNotFound:       {},
	CodeTimeout:        {},
	CodeServer:         {},
	CodeValidation:     {},
	CodeUnknown:        {},
	CodeStream:         {},
}

// Known reports whether c belongs to the taxonomy.
func (c Code) Known() bool {
	_, ok := knownCodes[c]
	return ok
}

// Error carries a classified failure. Every failure that leaves the invocation
// client is an *Error, regardless of which transport produced it.
type Error struct {
	Code       Code
	Message    string
	Suggestion string
	Details    map[string]any
	cause      error
}

// Option configures an Error.
type Option func(*Error)

// WithSuggestion attaches remediation text.
func WithSuggestion(s string) Option {
	return func(e *Error) {
		e.Suggestion = s
	}
}

// WithDetails attaches structured details.
func WithDetails(details map[string]any) Option {
	return func(e *Error) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			e.Details[k] = v
		}
	}
}

// WithDetail attaches a single detail.
func WithDetail(key string, value any) Option {
	return WithDetails(map[string]any{key: value})
}

// New creates an Error.
func New(code Code, message string, opts ...Option) *Error {
	if code == "" {
		code = CodeUnknown
	}
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates an Error that keeps cause reachable through errors.Unwrap.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeUnknown if err is not an *Error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeUnknown
}

var legacyPattern = regexp.MustCompile(`(?s)^\[([A-Za-z_]+)\]\s*(.*)$`)

// ParseLegacy splits a "[CODE] message" string. Strings without the bracket
// prefix map to CodeUnknown with the whole string as the message.
func ParseLegacy(s string) (Code, string) {
	trimmed := strings.TrimSpace(s)
	m := legacyPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return CodeUnknown, trimmed
	}
	return Code(strings.ToUpper(m[1])), strings.TrimSpace(m[2])
}
