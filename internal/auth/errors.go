package auth

import (
	"errors"
	"fmt"
)

// Store level sentinels. Stores return these for expected absent/duplicate cases.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Codec sentinels.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Kind classifies failures returned by the service and the guard.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindUnauthorized
	KindForbidden
	KindTokenNotFound
	KindAccountNotFound
	KindServiceUnavailable
	KindInvalidInput
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindTokenNotFound:
		return "token_not_found"
	case KindAccountNotFound:
		return "account_not_found"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Client-facing messages.
const (
	MsgWrongCredentials = "Wrong email or password"
	MsgInvalidToken     = "Invalid token"
	MsgTokenExpired     = "Token is expired"
	MsgRefreshExpired   = "Refresh token is expired"
	MsgSessionRevoked   = "Session has been revoked"
	MsgForbidden        = "Access denied"
	MsgTokenNotFound    = "Token not found"
	MsgAccountNotFound  = "Account not found"
	MsgUnavailable      = "Service temporarily unavailable"
	MsgEmailTaken       = "Email is already registered"
)

// Error is a classified failure. Message is safe to show to clients; Err keeps
// the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func invalidCredentials(err error) error {
	return newError(KindInvalidCredentials, MsgWrongCredentials, err)
}

func unavailable(err error) error {
	return newError(KindServiceUnavailable, MsgUnavailable, err)
}

// KindOf extracts the classification of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenInvalid):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrConflict):
		return KindConflict
	}
	return KindUnknown
}

// PublicMessage returns the message that may be shown to a client for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	switch KindOf(err) {
	case KindUnauthorized:
		if errors.Is(err, ErrTokenExpired) {
			return MsgTokenExpired
		}
		return MsgInvalidToken
	case KindInvalidInput:
		return "invalid input"
	case KindConflict:
		return "already exists"
	}
	return "internal error"
}
