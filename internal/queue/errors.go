package queue

import (
	"errors"
	"fmt"
)

var (
	ErrLeaseExpired = errors.New("queue: lease expired")
	ErrNotFound     = errors.New("queue: job not found")
	ErrClosed       = errors.New("queue: closed")
	ErrQueueFull    = errors.New("queue: full")
	ErrInvalidJob   = errors.New("queue: invalid job")
)

type ErrorKind uint8

const (
	LeaseExpired ErrorKind = iota + 1
	NotFound
)

// QueueError identifies the job an Ack or Defer was rejected for.
type QueueError struct {
	Kind  ErrorKind
	JobID string
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case LeaseExpired:
		return fmt.Sprintf("queue: lease expired for job %s", e.JobID)
	case NotFound:
		return fmt.Sprintf("queue: job %s not found", e.JobID)
	default:
		return "queue: error for job " + e.JobID
	}
}

func (e *QueueError) Is(target error) bool {
	switch e.Kind {
	case LeaseExpired:
		return target == ErrLeaseExpired
	case NotFound:
		return target == ErrNotFound
	}
	return false
}
