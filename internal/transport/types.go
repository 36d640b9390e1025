package transport

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	// UpdateBlocked means the user blocked the bot or removed it from the chat.
	UpdateBlocked UpdateKind = "blocked"
)

// Update is one inbound event for a hosted bot.
type Update struct {
	BotID   string
	Kind    UpdateKind
	Message *Message
	// ChatID is set for every kind; Message is nil for UpdateBlocked.
	ChatID int64
}

type Message struct {
	ID            int
	ChatID        int64
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	IsGroup       bool
	Date          time.Time
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

const (
	ParseModeHTML     = "HTML"
	ParseModeMarkdown = "MarkdownV2"
)

// Payload is what gets delivered to one chat: text or a captioned photo,
// with optional inline URL buttons.
type Payload struct {
	Text           string   `json:"text,omitempty"`
	ParseMode      string   `json:"parse_mode,omitempty"`
	PhotoURL       string   `json:"photo_url,omitempty"`
	Buttons        []Button `json:"buttons,omitempty"`
	DisablePreview bool     `json:"disable_preview,omitempty"`
}

const (
	MaxTextRunes    = 4096
	MaxCaptionRunes = 1024
	MaxButtons      = 8
)

var ErrEmptyPayload = errors.New("payload has neither text nor photo")

func (p Payload) IsZero() bool {
	return strings.TrimSpace(p.Text) == "" && strings.TrimSpace(p.PhotoURL) == ""
}

// Validate checks the payload against platform limits.
func (p Payload) Validate() error {
	if p.IsZero() {
		return ErrEmptyPayload
	}
	limit := MaxTextRunes
	if p.PhotoURL != "" {
		limit = MaxCaptionRunes
		if !strings.HasPrefix(p.PhotoURL, "https://") && !strings.HasPrefix(p.PhotoURL, "http://") {
			return errors.New("photo_url must be an http(s) URL")
		}
	}
	if n := utf8.RuneCountInString(p.Text); n > limit {
		return errors.New("payload text too long")
	}
	switch p.ParseMode {
	case "", ParseModeHTML, ParseModeMarkdown, "Markdown":
	default:
		return errors.New("unsupported parse_mode " + p.ParseMode)
	}
	if len(p.Buttons) > MaxButtons {
		return errors.New("too many buttons")
	}
	for _, b := range p.Buttons {
		if strings.TrimSpace(b.Text) == "" || strings.TrimSpace(b.URL) == "" {
			return errors.New("button needs both text and url")
		}
	}
	return nil
}

// Receipt confirms one delivered message.
type Receipt struct {
	ChatID    int64
	MessageID int
	SentAt    time.Time
}
