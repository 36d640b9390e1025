package app

import (
	"context"
	"errors"
	"fmt"

	"botfleet/internal/broadcast"
	"botfleet/internal/delivery"
	"botfleet/internal/eventbus"
	"botfleet/internal/eventbus/natsbridge"
	"botfleet/internal/maintenance"
	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/sandbox"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

// RegisterBot stores a new bot in the stopped state and attaches it to the
// platform. The returned bot carries a masked token.
func (a *App) RegisterBot(ctx context.Context, req tenant.RegisterRequest) (tenant.Bot, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	b, err := a.registry.Register(ctx, req)
	if err != nil {
		return tenant.Bot{}, err
	}
	if err := a.platform.Attach(ctx, b.ID, b.Token); err != nil {
		// Retried by the next start.
		a.log.Warn("bot attach failed", logx.BotID(b.ID), logx.Err(err))
	}
	a.publishBot(eventbus.BotRegistered, b, "")
	return b.Redacted(), nil
}

// ToggleBotStatus starts a stopped bot or stops a running one. A bot whose
// poller cannot start stays stopped with the error recorded.
func (a *App) ToggleBotStatus(ctx context.Context, botID string) (tenant.Bot, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	b, ok := a.registry.Get(botID)
	if !ok {
		return tenant.Bot{}, tenant.ErrNotFound
	}
	log := a.log.With(logx.BotID(botID))

	if b.Status == tenant.StatusRunning {
		if err := a.platform.StopPolling(ctx, botID); err != nil && !errors.Is(err, telegram.ErrUnknownBot) {
			log.Warn("stop polling failed", logx.Err(err))
		}
		nb, err := a.registry.SetStatus(ctx, botID, tenant.StatusStopped, "")
		if err != nil {
			return tenant.Bot{}, err
		}
		a.publishBot(eventbus.BotStopped, nb, "toggle")
		log.Info("bot stopped")
		return nb.Redacted(), nil
	}

	if err := a.startPolling(ctx, b); err != nil {
		if _, serr := a.registry.SetStatus(ctx, botID, tenant.StatusStopped, err.Error()); serr != nil {
			log.Warn("bot status update failed", logx.Err(serr))
		}
		return tenant.Bot{}, fmt.Errorf("start bot %s: %w", botID, err)
	}
	nb, err := a.registry.SetStatus(ctx, botID, tenant.StatusRunning, "")
	if err != nil {
		_ = a.platform.StopPolling(ctx, botID)
		return tenant.Bot{}, err
	}
	a.publishBot(eventbus.BotStarted, nb, "toggle")
	log.Info("bot started")
	return nb.Redacted(), nil
}

func (a *App) startPolling(ctx context.Context, b tenant.Bot) error {
	err := a.platform.StartPolling(ctx, b.ID)
	if errors.Is(err, telegram.ErrUnknownBot) {
		if err = a.platform.Attach(ctx, b.ID, b.Token); err == nil {
			err = a.platform.StartPolling(ctx, b.ID)
		}
	}
	if errors.Is(err, telegram.ErrPolling) {
		return nil
	}
	return err
}

// UpsertCommand creates or replaces the handler of trigger.
func (a *App) UpsertCommand(ctx context.Context, botID, trigger, code string) (tenant.Command, error) {
	return a.registry.UpsertCommand(ctx, botID, trigger, code)
}

func (a *App) RemoveCommand(ctx context.Context, botID, trigger string) error {
	return a.registry.RemoveCommand(ctx, botID, trigger)
}

func (a *App) Commands(botID string) []tenant.Command { return a.registry.Commands(botID) }

// DeleteBot cancels the bot's active broadcasts, detaches it and removes it
// with its commands and subscribers. Queued replies of the bot fail at
// send time.
func (a *App) DeleteBot(ctx context.Context, botID string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	b, ok := a.registry.Get(botID)
	if !ok {
		return tenant.ErrNotFound
	}
	for _, bc := range a.coord.List(botID) {
		if bc.State.Final() {
			continue
		}
		if _, err := a.coord.CancelBroadcast(ctx, bc.ID); err != nil && !errors.Is(err, broadcast.ErrFinished) {
			a.log.Warn("broadcast cancel failed", logx.BotID(botID), logx.BroadcastID(bc.ID), logx.Err(err))
		}
	}
	a.platform.Detach(ctx, botID)
	if err := a.registry.Delete(ctx, botID); err != nil {
		return err
	}
	a.sandbox.Forget(botID)
	a.publishBot(eventbus.BotDeleted, b, "")
	return nil
}

// ListBots returns every bot with masked tokens.
func (a *App) ListBots() []tenant.Bot {
	bots := a.registry.List()
	for i := range bots {
		bots[i] = bots[i].Redacted()
	}
	return bots
}

// StartBroadcast fans payload out to every subscriber of botID.
func (a *App) StartBroadcast(ctx context.Context, botID string, p transport.Payload) (string, error) {
	if _, ok := a.registry.Get(botID); !ok {
		return "", tenant.ErrNotFound
	}
	return a.coord.StartBroadcast(ctx, botID, p)
}

func (a *App) GetBroadcastStatus(id string) (broadcast.Broadcast, bool) {
	return a.coord.GetStatus(id)
}

func (a *App) CancelBroadcast(ctx context.Context, id string) (int, error) {
	return a.coord.CancelBroadcast(ctx, id)
}

func (a *App) ListBroadcasts(botID string) []broadcast.Broadcast { return a.coord.List(botID) }

func (a *App) publishBot(typ string, b tenant.Bot, reason string) {
	a.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.BotEvent{BotID: b.ID, Name: b.Name, Reason: reason}})
}

// Stats is a point-in-time view of every component's counters.
type Stats struct {
	Limiter       ratelimit.Stats         `json:"limiter"`
	Sandbox       sandbox.Stats           `json:"sandbox"`
	Queue         queue.Stats             `json:"queue"`
	Delivery      delivery.Stats          `json:"delivery"`
	Host          tenant.HostStats        `json:"host"`
	Maintenance   []maintenance.TaskStats `json:"maintenance,omitempty"`
	EventsMirror  *natsbridge.Stats       `json:"events_mirror,omitempty"`
	EventsDropped uint64                  `json:"events_dropped"`
	AlertsDropped uint64                  `json:"alerts_dropped"`
	Goroutines    *supervisor.Snapshot    `json:"goroutines,omitempty"`
}

func (a *App) Snapshot() Stats {
	st := Stats{
		Limiter:       a.limiter.Snapshot(),
		Sandbox:       a.sandbox.Snapshot(),
		Queue:         a.queue.Stats(),
		Delivery:      a.pool.Snapshot(),
		Host:          a.host.Snapshot(),
		EventsDropped: eventbus.Dropped(a.bus),
		AlertsDropped: a.logs.AlertsDropped(),
	}
	if a.maint != nil {
		st.Maintenance = a.maint.Snapshot()
	}
	if a.bridge != nil {
		ns := a.bridge.Snapshot()
		st.EventsMirror = &ns
	}
	if a.sup != nil {
		gs := a.sup.Snapshot()
		st.Goroutines = &gs
	}
	return st
}
