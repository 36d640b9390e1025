package queue

import (
	"context"
	"fmt"
	"time"

	"botfleet/internal/transport"
)

type State uint8

const (
	StatePending State = iota
	StateInFlight
	StateDelivered
	StateDeadLettered
	StateSkipped
)

var stateNames = [...]string{"pending", "in_flight", "delivered", "dead_lettered", "skipped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDeadLettered || s == StateSkipped
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("queue: unknown job state %q", s)
}

// NewJob describes a message to enqueue.
type NewJob struct {
	BotID       string
	ChatID      int64
	BroadcastID string
	Payload     transport.Payload
	// IdempotencyKey deduplicates enqueues while the job is retained.
	IdempotencyKey string
	// MaxAttempts overrides Config.MaxAttempts when > 0.
	MaxAttempts int
	NotBefore   time.Time
}

// Job is a snapshot of a job record.
type Job struct {
	ID             string            `json:"id"`
	Seq            uint64            `json:"seq"`
	BotID          string            `json:"bot_id"`
	ChatID         int64             `json:"chat_id"`
	BroadcastID    string            `json:"broadcast_id,omitempty"`
	Payload        transport.Payload `json:"payload"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	State          State             `json:"state"`
	LeaseOwner     string            `json:"lease_owner,omitempty"`
	LeaseDeadline  time.Time         `json:"lease_deadline,omitempty"`
	Epoch          uint64            `json:"epoch"`
	NotBefore      time.Time         `json:"not_before,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Blocked        bool              `json:"blocked,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type OutcomeKind uint8

const (
	OutcomeDelivered OutcomeKind = iota
	// OutcomeRetry charges an attempt and reschedules after Delay, or
	// dead-letters once attempts reach the ceiling.
	OutcomeRetry
	// OutcomePermanent dead-letters immediately.
	OutcomePermanent
)

// Outcome is the result a worker reports for a leased job.
type Outcome struct {
	Kind    OutcomeKind
	Err     error
	Delay   time.Duration
	Blocked bool
}

func Delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

func Retry(err error, delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err, Delay: delay}
}

func Permanent(err error, blocked bool) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: err, Blocked: blocked}
}

// Completion reports a job reaching a terminal state.
type Completion struct {
	JobID       string
	BroadcastID string
	BotID       string
	ChatID      int64
	State       State
	Attempts    int
	Err         string
	Blocked     bool
}

// Counts tallies the jobs of one broadcast.
type Counts struct {
	Total        int
	Pending      int
	InFlight     int
	Delivered    int
	DeadLettered int
	Skipped      int
	Blocked      int
}

// Open is the number of jobs that have not reached a terminal state.
func (c Counts) Open() int { return c.Pending + c.InFlight }

type Stats struct {
	Pending      int
	InFlight     int
	Delivered    int
	DeadLettered int
	Skipped      int
	Lanes        int

	Enqueued     uint64
	Duplicates   uint64
	Leased       uint64
	Retried      uint64
	Deferred     uint64
	LeaseExpired uint64
	StaleAcks    uint64
	StoreErrors  uint64
}

// Store persists job records. Calls are made under the queue lock, in
// transition order.
type Store interface {
	InsertJobs(ctx context.Context, jobs []Job) error
	UpdateJobs(ctx context.Context, jobs []Job) error
	LoadJobs(ctx context.Context) ([]Job, error)
	DeleteJobs(ctx context.Context, ids []string) error
}

type Config struct {
	LeaseTimeout time.Duration
	MaxAttempts  int
	// DequeueWait bounds how long Dequeue blocks when nothing is eligible.
	DequeueWait time.Duration
	// MaxOpen caps Pending+InFlight jobs; 0 means unlimited.
	MaxOpen int
}

const (
	DefaultLeaseTimeout = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultDequeueWait  = time.Second
)

func (c Config) withDefaults() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = DefaultDequeueWait
	}
	if c.MaxOpen < 0 {
		c.MaxOpen = 0
	}
	return c
}
