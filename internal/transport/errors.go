package transport

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind uint8

const (
	// Transient failures are retried with backoff up to the attempt ceiling.
	Transient ErrorKind = iota
	// Permanent failures are dead-lettered without retry.
	Permanent
	// RateLimited is a deferred-retry signal from the platform, not a failure.
	RateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// ErrBlocked is matched by errors for recipients that blocked the bot.
var ErrBlocked = errors.New("recipient blocked the bot")

// DeliveryError is the classified outcome of a failed send.
type DeliveryError struct {
	Kind ErrorKind
	// Code is the platform status code when known (e.g. 403, 429, 502).
	Code int
	// RetryAfter is the platform's hint for RateLimited (and optionally Transient).
	RetryAfter time.Duration
	// Blocked marks permanent failures caused by the recipient blocking the bot.
	Blocked bool
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s delivery error (%d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s delivery error: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	return target == ErrBlocked && e.Blocked
}

func NewTransient(code int, err error) error {
	return &DeliveryError{Kind: Transient, Code: code, Err: err}
}

func NewPermanent(code int, err error) error {
	return &DeliveryError{Kind: Permanent, Code: code, Err: err}
}

func NewBlocked(code int, err error) error {
	return &DeliveryError{Kind: Permanent, Code: code, Blocked: true, Err: err}
}

func NewRateLimited(after time.Duration, err error) error {
	if after < 0 {
		after = 0
	}
	return &DeliveryError{Kind: RateLimited, Code: 429, RetryAfter: after, Err: err}
}

// Classify returns err as a *DeliveryError. Unclassified errors, including
// context deadlines from a slow send, are Transient. A nil err returns nil.
func Classify(err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &DeliveryError{Kind: Transient, Err: err}
}

func IsPermanent(err error) bool {
	de := Classify(err)
	return de != nil && de.Kind == Permanent
}

// RetryAfter returns the platform retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	de := Classify(err)
	if de == nil || de.RetryAfter <= 0 {
		return 0, false
	}
	return de.RetryAfter, true
}
