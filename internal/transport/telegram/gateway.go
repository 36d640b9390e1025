// Package telegram connects hosted bots to the Telegram Bot API: one
// telebot client per bot for sending, plus an optional long poller that
// feeds inbound updates to the engine.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
	"botfleet/pkg/tgui"
)

var (
	ErrUnknownBot = errors.New("telegram: bot not attached")
	ErrPolling    = errors.New("telegram: bot already polling")
)

type Config struct {
	// APIURL overrides the Bot API endpoint (empty uses the public one).
	APIURL      string
	PollTimeout time.Duration
	HTTPTimeout time.Duration
	// StopGrace bounds how long StopPolling waits for a long poll to return.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = c.PollTimeout + 10*time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	return c
}

// UpdateHandler receives inbound updates. It runs on telebot's handler
// goroutine.
type UpdateHandler func(ctx context.Context, upd transport.Update) error

type conn struct {
	botID   string
	bot     *tele.Bot
	polling bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Gateway multiplexes many bot tokens.
type Gateway struct {
	cfg     Config
	log     logx.Logger
	handler UpdateHandler

	mu    sync.RWMutex
	conns map[string]*conn
}

func New(cfg Config, handler UpdateHandler, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{cfg: cfg.withDefaults(), log: log, handler: handler, conns: make(map[string]*conn)}
}

// Attach creates the API client for a bot without touching the network.
// Re-attaching replaces the token and stops any running poller.
func (g *Gateway) Attach(ctx context.Context, botID, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("telegram: empty token for %s", botID)
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     g.cfg.APIURL,
		Token:   token,
		Poller:  &tele.LongPoller{Timeout: g.cfg.PollTimeout},
		Client:  &http.Client{Timeout: g.cfg.HTTPTimeout},
		Offline: true,
		OnError: func(err error, c tele.Context) {
			g.log.Warn("telegram handler error", logx.BotID(botID), logx.Err(err))
		},
	})
	if err != nil {
		return fmt.Errorf("telegram: client for %s: %w", botID, err)
	}
	c := &conn{botID: botID, bot: b}
	g.install(c)

	g.mu.Lock()
	old := g.conns[botID]
	g.conns[botID] = c
	g.mu.Unlock()
	if old != nil {
		g.halt(ctx, old)
	}
	g.log.Debug("telegram bot attached", logx.BotID(botID), logx.Secret("token", token))
	return nil
}

func (g *Gateway) install(c *conn) {
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		return g.dispatch(c, messageUpdate(c.botID, m))
	})
	c.bot.Handle(tele.OnMyChatMember, func(tc tele.Context) error {
		cm := tc.ChatMember()
		if cm == nil || cm.Chat == nil || cm.NewChatMember == nil {
			return nil
		}
		switch cm.NewChatMember.Role {
		case tele.Kicked, tele.Left:
			return g.dispatch(c, transport.Update{BotID: c.botID, Kind: transport.UpdateBlocked, ChatID: cm.Chat.ID})
		}
		return nil
	})
}

func (g *Gateway) dispatch(c *conn, upd transport.Update) error {
	if g.handler == nil {
		return nil
	}
	if err := g.handler(context.Background(), upd); err != nil {
		g.log.Warn("update handling failed", logx.BotID(c.botID), logx.ChatID(upd.ChatID), logx.Err(err))
	}
	return nil
}

func messageUpdate(botID string, m *tele.Message) transport.Update {
	msg := &transport.Message{
		ID:      m.ID,
		ChatID:  m.Chat.ID,
		Text:    m.Text,
		IsGroup: m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		Date:    m.Time(),
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
		msg.FromFirstName = m.Sender.FirstName
	}
	return transport.Update{BotID: botID, Kind: transport.UpdateMessage, ChatID: m.Chat.ID, Message: msg}
}

// StartPolling begins receiving updates for an attached bot.
func (g *Gateway) StartPolling(ctx context.Context, botID string) error {
	g.mu.Lock()
	c := g.conns[botID]
	if c == nil {
		g.mu.Unlock()
		return ErrUnknownBot
	}
	if c.polling {
		g.mu.Unlock()
		return ErrPolling
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.polling = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	g.mu.Unlock()

	go func() {
		defer close(done)
		go func() {
			<-rctx.Done()
			c.bot.Stop()
		}()
		g.log.Info("polling started", logx.BotID(botID))
		c.bot.Start() // returns after Stop
	}()
	return nil
}

// StopPolling stops the poller and waits a short grace for it to return.
func (g *Gateway) StopPolling(ctx context.Context, botID string) error {
	g.mu.Lock()
	c := g.conns[botID]
	g.mu.Unlock()
	if c == nil {
		return ErrUnknownBot
	}
	g.halt(ctx, c)
	return nil
}

func (g *Gateway) halt(ctx context.Context, c *conn) {
	g.mu.Lock()
	if !c.polling {
		g.mu.Unlock()
		return
	}
	c.polling = false
	cancel, done := c.cancel, c.done
	g.mu.Unlock()

	cancel()
	t := time.NewTimer(g.cfg.StopGrace)
	defer t.Stop()
	select {
	case <-done:
		g.log.Info("polling stopped", logx.BotID(c.botID))
	case <-ctx.Done():
	case <-t.C:
		g.log.Warn("polling stop grace elapsed", logx.BotID(c.botID))
	}
}

// Detach stops polling and forgets the bot.
func (g *Gateway) Detach(ctx context.Context, botID string) {
	g.mu.Lock()
	c := g.conns[botID]
	delete(g.conns, botID)
	g.mu.Unlock()
	if c != nil {
		g.halt(ctx, c)
	}
}

// Polling reports whether the bot's poller runs.
func (g *Gateway) Polling(botID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := g.conns[botID]
	return c != nil && c.polling
}

// Close stops every poller.
func (g *Gateway) Close(ctx context.Context) {
	g.mu.RLock()
	all := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		all = append(all, c)
	}
	g.mu.RUnlock()
	for _, c := range all {
		g.halt(ctx, c)
	}
}

// Send delivers one payload. Errors are *transport.DeliveryError.
func (g *Gateway) Send(ctx context.Context, botID string, chatID int64, p transport.Payload) (transport.Receipt, error) {
	g.mu.RLock()
	c := g.conns[botID]
	g.mu.RUnlock()
	if c == nil {
		return transport.Receipt{}, transport.NewPermanent(0, fmt.Errorf("%w: %s", ErrUnknownBot, botID))
	}
	if err := ctx.Err(); err != nil {
		return transport.Receipt{}, transport.NewTransient(0, err)
	}
	what, opts := sendable(p)

	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := c.bot.Send(tele.ChatID(chatID), what, opts)
		ch <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return transport.Receipt{}, transport.NewTransient(0, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return transport.Receipt{}, ClassifyError(r.err)
		}
		rc := transport.Receipt{ChatID: chatID, SentAt: time.Now()}
		if r.msg != nil {
			rc.MessageID = r.msg.ID
		}
		return rc, nil
	}
}

// sendable builds the telebot value and options for a payload.
func sendable(p transport.Payload) (any, *tele.SendOptions) {
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(p.ParseMode),
		DisableWebPagePreview: p.DisablePreview,
	}
	if len(p.Buttons) > 0 {
		btns := make([]tele.Btn, 0, len(p.Buttons))
		for _, b := range p.Buttons {
			btns = append(btns, tgui.URLBtn(b.Text, b.URL))
		}
		opts.ReplyMarkup = tgui.URLKeyboard(1, btns...)
	}
	if p.PhotoURL != "" {
		return &tele.Photo{File: tele.FromURL(p.PhotoURL), Caption: p.Text}, opts
	}
	return p.Text, opts
}
