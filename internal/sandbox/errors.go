package sandbox

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindTimeout Kind = iota + 1
	KindResourceExceeded
	KindHandlerFault
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindResourceExceeded:
		return "resource_exceeded"
	case KindHandlerFault:
		return "handler_fault"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout          = errors.New("sandbox: handler timed out")
	ErrResourceExceeded = errors.New("sandbox: resource limit exceeded")
	ErrHandlerFault     = errors.New("sandbox: handler fault")
)

// Error is the only error type Execute returns.
type Error struct {
	Kind  Kind
	BotID string
	Err   error
}

func (e *Error) Error() string {
	if e.BotID != "" {
		return fmt.Sprintf("sandbox %s (bot %s): %v", e.Kind, e.BotID, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrResourceExceeded:
		return e.Kind == KindResourceExceeded
	case ErrHandlerFault:
		return e.Kind == KindHandlerFault
	}
	return false
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the sandbox error kind carried by err, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
