package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/sandbox"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
	"botfleet/pkg/tgui"
)

// Executor runs handler code for one update.
type Executor interface {
	Execute(ctx context.Context, botID string, upd transport.Update, code string) (sandbox.Response, error)
}

// Enqueuer accepts outbound jobs.
type Enqueuer interface {
	EnqueueMany(ctx context.Context, jobs []queue.NewJob) ([]string, int, error)
}

type HostConfig struct {
	// ReplyErrors sends an "Execution Error" notice to the chat when a
	// handler fails.
	ReplyErrors bool
	// StopCommand unsubscribes the sender; empty disables it.
	StopCommand string
}

type HostStats struct {
	Updates      uint64
	Ignored      uint64
	Handled      uint64
	Skipped      uint64
	Replies      uint64
	Subscribed   uint64
	Unsubscribed uint64
}

// Host dispatches inbound updates of running bots.
type Host struct {
	reg   *Registry
	repo  Repository
	exec  Executor
	out   Enqueuer
	log   logx.Logger
	now   func() time.Time
	cfgMu sync.RWMutex
	cfg   HostConfig

	updates, ignored, handled, skipped, replies atomic.Uint64
	subscribed, unsubscribed                   atomic.Uint64
}

func NewHost(reg *Registry, repo Repository, exec Executor, out Enqueuer, cfg HostConfig, log logx.Logger) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{reg: reg, repo: repo, exec: exec, out: out, cfg: cfg, log: log, now: time.Now}
}

func (h *Host) Apply(cfg HostConfig) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
}

func (h *Host) config() HostConfig {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// HandleUpdate processes one update. Handler failures are logged and never
// returned; the error is only set when replies could not be queued.
func (h *Host) HandleUpdate(ctx context.Context, upd transport.Update) error {
	h.updates.Add(1)
	b, ok := h.reg.Get(upd.BotID)
	if !ok || b.Status != StatusRunning {
		h.ignored.Add(1)
		return nil
	}
	if upd.Kind == transport.UpdateBlocked {
		return h.Unsubscribe(ctx, b.ID, upd.ChatID, "blocked")
	}
	m := upd.Message
	if m == nil {
		h.ignored.Add(1)
		return nil
	}
	h.subscribe(ctx, b.ID, m)

	cfg := h.config()
	trigger, _, isCmd := sandbox.ParseCommand(m.Text)
	if !isCmd {
		h.ignored.Add(1)
		return nil
	}
	if cfg.StopCommand != "" && trigger == cfg.StopCommand {
		if err := h.Unsubscribe(ctx, b.ID, m.ChatID, "stop command"); err != nil {
			h.log.Warn("unsubscribe failed", logx.BotID(b.ID), logx.ChatID(m.ChatID), logx.Err(err))
		}
	}
	cmd, ok := h.reg.Command(b.ID, trigger)
	if !ok {
		h.ignored.Add(1)
		return nil
	}

	resp, err := h.exec.Execute(ctx, b.ID, upd, cmd.Code)
	for _, line := range resp.Logs {
		h.log.Debug("handler console", logx.BotID(b.ID), logx.String("command", trigger), logx.String("line", line))
	}
	replies := resp.Replies
	if err != nil {
		h.skipped.Add(1)
		kind := sandbox.KindOf(err)
		h.log.Warn("handler skipped",
			logx.BotID(b.ID),
			logx.ChatID(m.ChatID),
			logx.String("command", trigger),
			logx.String("kind", kind.String()),
			logx.Err(err),
		)
		if !cfg.ReplyErrors {
			return nil
		}
		replies = []transport.Payload{errorNotice(err)}
	} else {
		h.handled.Add(1)
	}
	return h.enqueueReplies(ctx, b.ID, m, replies)
}

func (h *Host) enqueueReplies(ctx context.Context, botID string, m *transport.Message, replies []transport.Payload) error {
	jobs := make([]queue.NewJob, 0, len(replies))
	for i, p := range replies {
		if err := p.Validate(); err != nil {
			h.log.Debug("handler reply dropped", logx.BotID(botID), logx.Err(err))
			continue
		}
		jobs = append(jobs, queue.NewJob{
			BotID:          botID,
			ChatID:         m.ChatID,
			Payload:        p,
			IdempotencyKey: fmt.Sprintf("reply:%s:%d:%d:%d", botID, m.ChatID, m.ID, i),
		})
	}
	if len(jobs) == 0 {
		return nil
	}
	_, created, err := h.out.EnqueueMany(ctx, jobs)
	if err != nil {
		return fmt.Errorf("queue replies: %w", err)
	}
	h.replies.Add(uint64(created))
	return nil
}

func errorNotice(err error) transport.Payload {
	detail := err.Error()
	var se *sandbox.Error
	if errors.As(err, &se) && se.Err != nil {
		detail = se.Kind.String() + ": " + se.Err.Error()
	}
	body := tgui.JoinH("\n", tgui.Raw("⚠️ "+tgui.B("Execution Error").String()), tgui.PreClip(detail, 512))
	return transport.Payload{Text: body.String(), ParseMode: transport.ParseModeHTML}
}

func (h *Host) subscribe(ctx context.Context, botID string, m *transport.Message) {
	created, err := h.repo.AddSubscriber(ctx, Subscriber{
		BotID:     botID,
		ChatID:    m.ChatID,
		Username:  m.FromUsername,
		FirstName: m.FromFirstName,
		JoinedAt:  h.now(),
	})
	if err != nil {
		h.log.Warn("subscriber upsert failed", logx.BotID(botID), logx.ChatID(m.ChatID), logx.Err(err))
		return
	}
	if created {
		h.subscribed.Add(1)
	}
}

// Unsubscribe removes a chat from a bot's audience.
func (h *Host) Unsubscribe(ctx context.Context, botID string, chatID int64, reason string) error {
	if err := h.repo.RemoveSubscriber(ctx, botID, chatID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	h.unsubscribed.Add(1)
	h.log.Debug("subscriber removed", logx.BotID(botID), logx.ChatID(chatID), logx.String("reason", reason))
	return nil
}

func (h *Host) Snapshot() HostStats {
	return HostStats{
		Updates:      h.updates.Load(),
		Ignored:      h.ignored.Load(),
		Handled:      h.handled.Load(),
		Skipped:      h.skipped.Load(),
		Replies:      h.replies.Load(),
		Subscribed:   h.subscribed.Load(),
		Unsubscribed: h.unsubscribed.Load(),
	}
}
