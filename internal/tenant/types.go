package tenant

import (
	"context"
	"errors"
	"iter"
	"regexp"
	"time"

	logx "botfleet/pkg/logx"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

var (
	ErrNotFound       = errors.New("tenant: not found")
	ErrInvalidToken   = errors.New("tenant: invalid bot token")
	ErrDuplicateToken = errors.New("tenant: token already registered")
	ErrInvalidTrigger = errors.New("tenant: invalid command trigger")
	ErrInvalidBot     = errors.New("tenant: invalid bot")
	ErrBotLimit       = errors.New("tenant: owner bot limit reached")
)

var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{35,}$`)

// ValidToken reports whether s looks like a platform bot token.
func ValidToken(s string) bool { return tokenPattern.MatchString(s) }

type Bot struct {
	ID          string    `json:"id" bson:"_id"`
	OwnerID     string    `json:"owner_id" bson:"owner_id"`
	OwnerChatID int64     `json:"owner_chat_id" bson:"owner_chat_id"`
	Name        string    `json:"name" bson:"name"`
	Token       string    `json:"token" bson:"token"`
	Status      Status    `json:"status" bson:"status"`
	LastError   string    `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// MaskedToken is the token as it may be displayed or logged.
func (b Bot) MaskedToken() string { return logx.Mask(b.Token) }

// Redacted returns a copy safe to hand to callers outside the engine.
func (b Bot) Redacted() Bot {
	b.Token = b.MaskedToken()
	return b
}

type Command struct {
	ID        string    `json:"id" bson:"_id"`
	BotID     string    `json:"bot_id" bson:"bot_id"`
	Trigger   string    `json:"trigger" bson:"trigger"`
	Code      string    `json:"code" bson:"code"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

type Subscriber struct {
	BotID     string    `json:"bot_id" bson:"bot_id"`
	ChatID    int64     `json:"chat_id" bson:"chat_id"`
	Username  string    `json:"username,omitempty" bson:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty" bson:"first_name,omitempty"`
	JoinedAt  time.Time `json:"joined_at" bson:"joined_at"`
}

// Repository persists bots, commands and subscribers.
type Repository interface {
	SaveBot(ctx context.Context, b Bot) error
	GetBot(ctx context.Context, id string) (Bot, error)
	ListBots(ctx context.Context) ([]Bot, error)
	// DeleteBot removes the bot with its commands and subscribers.
	DeleteBot(ctx context.Context, id string) error

	SaveCommand(ctx context.Context, c Command) error
	DeleteCommand(ctx context.Context, botID, trigger string) error
	Commands(ctx context.Context, botID string) ([]Command, error)

	// AddSubscriber inserts s unless the chat is already subscribed.
	AddSubscriber(ctx context.Context, s Subscriber) (created bool, err error)
	RemoveSubscriber(ctx context.Context, botID string, chatID int64) error
	// Subscribers streams a bot's subscribers without loading them all.
	Subscribers(ctx context.Context, botID string) iter.Seq2[Subscriber, error]
	CountSubscribers(ctx context.Context, botID string) (int, error)
}
