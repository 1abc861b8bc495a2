// Package apierrors defines the stable error taxonomy shared across
// every orchestrator component (spec §7), in the style of the
// teacher's scheduler/errors.go: errors.Is-friendly sentinels plus a
// classifier that decides whether a caller should retry.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind is the stable taxonomy tag attached to every StatusError.
type Kind string

const (
	KindInvalidConfig         Kind = "InvalidConfig"
	KindAlreadyExists         Kind = "AlreadyExists"
	KindNotFound              Kind = "NotFound"
	KindConflict              Kind = "Conflict"
	KindInsufficientResources Kind = "InsufficientResources"
	KindLaunchFailure         Kind = "LaunchFailure"
	KindStopFailure           Kind = "StopFailure"
	KindReadinessTimeout      Kind = "ReadinessTimeout"
	KindUnhealthy             Kind = "Unhealthy"
	KindDependencyUnavailable Kind = "DependencyUnavailable"
	KindRateLimited           Kind = "RateLimited"
	KindInternal              Kind = "Internal"
)

// httpStatus maps each Kind to its HTTP-equivalent code, per spec §6/§7.
var httpStatus = map[Kind]int{
	KindInvalidConfig:         422,
	KindAlreadyExists:         409,
	KindNotFound:              404,
	KindConflict:              409,
	KindInsufficientResources: 503,
	KindLaunchFailure:         500,
	KindStopFailure:           500,
	KindReadinessTimeout:      504,
	KindUnhealthy:             503,
	KindDependencyUnavailable: 503,
	KindRateLimited:           429,
	KindInternal:              500,
}

// StatusError wraps an underlying cause with a stable Kind and an
// HTTP-equivalent status code, per spec §6's error envelope.
type StatusError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *StatusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code a thin transport layer should
// use when surfacing this error, per the §6 error envelope.
func (e *StatusError) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return 500
}

// New constructs a StatusError of the given kind.
func New(kind Kind, format string, args ...any) *StatusError {
	return &StatusError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a StatusError of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *StatusError {
	return &StatusError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Sentinel errors for simple, no-detail checks via errors.Is.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("operation not permitted in current state")
)

// Retryable reports whether the caller (hot-reload cycle, auto-recovery,
// scheduler retry loop) should retry the operation that produced err
// rather than surface it. Mirrors the teacher's ErrorHandlingStrategy shape.
func Retryable(err error) bool {
	switch {
	case Is(err, KindDependencyUnavailable):
		return true
	case Is(err, KindInsufficientResources):
		return true
	default:
		return false
	}
}
