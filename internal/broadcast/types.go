package broadcast

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
)

type State string

const (
	StateExpanding       State = "expanding"
	StateInProgress      State = "in_progress"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Final states never change again.
func (s State) Final() bool {
	switch s {
	case StateCompleted, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}

var (
	ErrNotFound        = errors.New("broadcast: not found")
	ErrBroadcastActive = errors.New("broadcast: bot already has an active broadcast")
	ErrFinished        = errors.New("broadcast: already finished")
)

// ExpansionError reports a subscriber enumeration or enqueue failure. Jobs
// enqueued before the failure were cancelled.
type ExpansionError struct {
	BroadcastID string
	Enqueued    int
	Err         error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("broadcast %s: expansion failed after %d jobs: %v", e.BroadcastID, e.Enqueued, e.Err)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

type Broadcast struct {
	ID        string            `json:"id"`
	BotID     string            `json:"bot_id"`
	Payload   transport.Payload `json:"payload"`
	State     State             `json:"state"`
	Total     int               `json:"total"`
	Delivered int               `json:"delivered"`
	Failed    int               `json:"failed"`
	Blocked   int               `json:"blocked"`
	Skipped   int               `json:"skipped"`
	// CancelRequested is set once CancelBroadcast ran; the state turns
	// Cancelled when in-flight jobs drain.
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// Pending counts recipients not yet in a terminal state.
func (b Broadcast) Pending() int {
	return b.Total - b.Delivered - b.Failed - b.Skipped
}

// Store persists broadcast records. Counters are advisory: they are
// recomputed from retained jobs on Resume.
type Store interface {
	SaveBroadcast(ctx context.Context, b Broadcast) error
	LoadBroadcasts(ctx context.Context) ([]Broadcast, error)
	DeleteBroadcasts(ctx context.Context, ids []string) error
}

// SubscriberSource streams the audience of a bot.
type SubscriberSource interface {
	Subscribers(ctx context.Context, botID string) iter.Seq2[tenant.Subscriber, error]
}

// Queue is the part of the dispatch queue the coordinator drives.
type Queue interface {
	Enqueue(ctx context.Context, nj queue.NewJob) (string, bool, error)
	EnqueueMany(ctx context.Context, jobs []queue.NewJob) ([]string, int, error)
	Cancel(ctx context.Context, broadcastID string) (int, error)
	Counts(broadcastID string) queue.Counts
	Subscribe() *queue.Subscription
}

type Config struct {
	ExpandChunk int
	StatusTTL   time.Duration
	StatusMax   int
	// MaxAttempts overrides the queue default for broadcast jobs when > 0.
	MaxAttempts int
	NotifyOwner bool
}

const (
	DefaultExpandChunk = 500
	DefaultStatusTTL   = 24 * time.Hour
	DefaultStatusMax   = 1000
)

func (c Config) withDefaults() Config {
	if c.ExpandChunk <= 0 {
		c.ExpandChunk = DefaultExpandChunk
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = DefaultStatusTTL
	}
	if c.StatusMax <= 0 {
		c.StatusMax = DefaultStatusMax
	}
	return c
}
