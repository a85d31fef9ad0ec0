package chat

import (
	"context"
	"errors"

	"github.com/onnwee/kickchat/backend/kickapi"
)

// Session-level failures. Transports wrap their errors in one of these.
var (
	ErrConnect         = errors.New("connect failed")
	ErrTransportClosed = errors.New("transport closed")
	ErrTransport       = errors.New("transport error")
)

// Control-operation results returned by the Registry.
var (
	ErrNotFound       = errors.New("channel not found")
	ErrAlreadyExists  = errors.New("channel already exists")
	ErrNotPaused      = errors.New("channel not paused")
	ErrAlreadyPaused  = errors.New("channel already paused")
	ErrRegistryClosed = errors.New("registry shut down")
)

// ErrorClass represents whether a transport error should be retried soon or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure; normal backoff applies.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the failure will not clear on its own.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyTransportError sorts a connect or transport failure.
//
// Fatal: the channel slug does not exist on Kick, or the session was cancelled.
// Retryable: connect failures, clean closes (server restart, 4200/1011) and
// mid-session transport errors.
// Unknown: anything else; sessions treat it as retryable.
func ClassifyTransportError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, kickapi.ErrChannelNotFound),
		errors.Is(err, context.Canceled):
		return ErrorClassFatal
	case errors.Is(err, ErrConnect),
		errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrTransport),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	default:
		return ErrorClassUnknown
	}
}
