// Package common provides shared infrastructure for pomodex services:
// structured logging setup and the failure taxonomy used across components.
package common

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Business code wraps errors with a kind; the
// HTTP and WebSocket adapters translate kinds to protocol status codes.
type Kind int

const (
	// KindUnknown is the zero value; unclassified errors map here.
	KindUnknown Kind = iota

	// KindAuth covers invalid credentials, bad or expired tokens.
	KindAuth

	// KindNotFound covers missing resources, including resources that
	// exist but belong to another user.
	KindNotFound

	// KindConflict covers duplicate creation attempts.
	KindConflict

	// KindPrecondition covers operations invalid in the current state.
	KindPrecondition

	// KindBackend covers failures from Docker, GCP, or the registry.
	KindBackend

	// KindTransient covers retryable failures such as port contention.
	KindTransient
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPrecondition:
		return "precondition"
	case KindBackend:
		return "backend"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a kinded error. It carries a message for the caller and an
// optional wrapped cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// AuthErr builds a KindAuth error.
func AuthErr(msg string) error {
	return &Error{Kind: KindAuth, Message: msg}
}

// NotFoundErr builds a KindNotFound error.
func NotFoundErr(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// ConflictErr builds a KindConflict error.
func ConflictErr(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// PreconditionErr builds a KindPrecondition error.
func PreconditionErr(msg string) error {
	return &Error{Kind: KindPrecondition, Message: msg}
}

// BackendErr builds a KindBackend error wrapping the underlying cause.
func BackendErr(msg string, err error) error {
	return &Error{Kind: KindBackend, Message: msg, Err: err}
}

// TransientErr builds a KindTransient error wrapping the underlying cause.
func TransientErr(msg string, err error) error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
