package delivery

import (
	"context"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/transport"
)

// Sender delivers one payload to one chat on behalf of a bot. Errors should
// be *transport.DeliveryError; anything else is treated as Transient.
type Sender interface {
	Send(ctx context.Context, botID string, chatID int64, p transport.Payload) (transport.Receipt, error)
}

// BlockHandler is told about recipients that blocked the bot.
type BlockHandler func(ctx context.Context, botID string, chatID int64)

// Source is the part of the dispatch queue a worker consumes.
type Source interface {
	Dequeue(ctx context.Context, workerID string) (queue.Job, bool, error)
	Ack(ctx context.Context, jobID string, epoch uint64, out queue.Outcome) error
	Defer(ctx context.Context, jobID string, epoch uint64, delay time.Duration) error
}

// Limiter grants send budget without blocking.
type Limiter interface {
	TryAcquireSend(botID string, chatID int64) ratelimit.Decision
}

type Config struct {
	Workers     int
	SendTimeout time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripAfter consecutive transient failures of one bot open its
	// circuit for CircuitOpenFor, doubling per further failure up to
	// CircuitMaxOpen. A negative value disables the breaker.
	CircuitTripAfter int
	CircuitOpenFor   time.Duration
	CircuitMaxOpen   time.Duration
	// CircuitResetAfter forgets failures older than this.
	CircuitResetAfter time.Duration
}

const (
	DefaultWorkers       = 8
	DefaultSendTimeout   = 10 * time.Second
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 15 * time.Second
	DefaultRetryJitter   = 0.2
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = DefaultRetryJitter
	}
	if c.CircuitTripAfter == 0 {
		c.CircuitTripAfter = 5
	}
	if c.CircuitOpenFor <= 0 {
		c.CircuitOpenFor = 30 * time.Second
	}
	if c.CircuitMaxOpen <= 0 {
		c.CircuitMaxOpen = 5 * time.Minute
	}
	if c.CircuitMaxOpen < c.CircuitOpenFor {
		c.CircuitMaxOpen = c.CircuitOpenFor
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

// Stats are best-effort counters.
type Stats struct {
	Workers      int
	Busy         int
	Sent         uint64
	Retried      uint64
	Deferred     uint64
	Throttled    uint64
	DeadLettered uint64
	Blocked      uint64
	StaleAcks    uint64
	Panics       uint64
	Paused       uint64
	CircuitsOpen int
}
