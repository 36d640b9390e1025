package sandbox

import (
	"context"
	"time"

	"botfleet/internal/transport"
)

// HandlerInvoker evaluates handler code. Implementations must honour ctx
// cancellation and report failures as *Error.
type HandlerInvoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Input is the part of an update a handler may see.
type Input struct {
	BotID     string   `json:"bot_id"`
	ChatID    int64    `json:"chat_id"`
	MessageID int      `json:"message_id"`
	FromID    int64    `json:"from_id"`
	Username  string   `json:"username,omitempty"`
	FirstName string   `json:"first_name,omitempty"`
	Text      string   `json:"text"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
}

type Request struct {
	Input  Input  `json:"input"`
	Code   string `json:"code"`
	Limits Limits `json:"limits"`
}

type Response struct {
	Replies []transport.Payload `json:"replies,omitempty"`
	// Logs holds captured console output, truncated.
	Logs []string `json:"logs,omitempty"`
}

// Limits bound a single invocation.
type Limits struct {
	Timeout       time.Duration `json:"timeout"`
	MaxReplies    int           `json:"max_replies"`
	MaxReplyBytes int           `json:"max_reply_bytes"`
	MaxCallStack  int           `json:"max_call_stack"`
	MaxLogLines   int           `json:"max_log_lines"`
	// MemoryBytes bounds heap growth in GojaInvoker and the data segment
	// of a ProcessInvoker child. CPUSeconds is enforced by ProcessInvoker only.
	MemoryBytes int64 `json:"memory_bytes"`
	CPUSeconds  int   `json:"cpu_seconds"`
}

const (
	DefaultTimeout       = 2 * time.Second
	DefaultMaxReplies    = 5
	DefaultMaxReplyBytes = 16 << 10
	DefaultMaxCallStack  = 256
	DefaultMaxLogLines   = 20
	DefaultMemoryBytes   = 256 << 20
)

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.MaxReplies <= 0 {
		l.MaxReplies = DefaultMaxReplies
	}
	if l.MaxReplyBytes <= 0 {
		l.MaxReplyBytes = DefaultMaxReplyBytes
	}
	if l.MaxCallStack <= 0 {
		l.MaxCallStack = DefaultMaxCallStack
	}
	if l.MaxLogLines <= 0 {
		l.MaxLogLines = DefaultMaxLogLines
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = DefaultMemoryBytes
	}
	if l.CPUSeconds <= 0 {
		l.CPUSeconds = int(l.Timeout/time.Second) + 1
	}
	return l
}
