// Package amonerr defines a closed error taxonomy as a typed,
// errors.Is-compatible wrapper: a structured error carried alongside events
// rather than a bare string.
package amonerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds callers may wrap.
type Kind string

const (
	ConfigInvalid    Kind = "CONFIG_INVALID"
	ModelAuthFailed  Kind = "MODEL_AUTH_FAILED"
	ModelRateLimit   Kind = "MODEL_RATE_LIMIT"
	ToolDenied       Kind = "TOOL_DENIED"
	PathNotAllowed   Kind = "PATH_NOT_ALLOWED"
	BudgetExceeded   Kind = "BUDGET_EXCEEDED"
	SkillParseFailed Kind = "SKILL_PARSE_FAILED"
	IOError          Kind = "IO_ERROR"
	Timeout          Kind = "TIMEOUT"
	Cancelled        Kind = "CANCELLED"
	MissingChatID    Kind = "MISSING_CHAT_ID"
	ProtocolError    Kind = "PROTOCOL_ERROR"
)

// Error is the concrete error type carried through the runtime. Reason is a
// short machine-stable explanation (e.g. "PATH_NOT_ALLOWED") distinct from
// Kind when a single Kind covers several reasons (PolicyGate denials all
// carry Kind=PathNotAllowed or Kind=ToolDenied with different Reasons).
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, amonerr.New(Kind, "", "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap constructs an *Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
