package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/internal/broadcast"
	"botfleet/internal/config"
	"botfleet/internal/eventbus"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

type sentMsg struct {
	botID  string
	chatID int64
	p      transport.Payload
}

type fakePlatform struct {
	mu       sync.Mutex
	handler  telegram.UpdateHandler
	attached map[string]string
	polling  map[string]bool
	sent     []sentMsg
	startErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{attached: map[string]string{}, polling: map[string]bool{}}
}

func (p *fakePlatform) factory(_ telegram.Config, h telegram.UpdateHandler, _ logx.Logger) Platform {
	p.handler = h
	return p
}

func (p *fakePlatform) Attach(_ context.Context, botID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached[botID] = token
	return nil
}

func (p *fakePlatform) StartPolling(_ context.Context, botID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.attached[botID]; !ok {
		return telegram.ErrUnknownBot
	}
	if p.startErr != nil {
		return p.startErr
	}
	if p.polling[botID] {
		return telegram.ErrPolling
	}
	p.polling[botID] = true
	return nil
}

func (p *fakePlatform) StopPolling(_ context.Context, botID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.attached[botID]; !ok {
		return telegram.ErrUnknownBot
	}
	p.polling[botID] = false
	return nil
}

func (p *fakePlatform) Detach(_ context.Context, botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, botID)
	delete(p.polling, botID)
}

func (p *fakePlatform) Close(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.polling {
		p.polling[id] = false
	}
}

func (p *fakePlatform) Send(_ context.Context, botID string, chatID int64, pl transport.Payload) (transport.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.attached[botID]; !ok {
		return transport.Receipt{}, transport.NewPermanent(0, telegram.ErrUnknownBot)
	}
	p.sent = append(p.sent, sentMsg{botID: botID, chatID: chatID, p: pl})
	return transport.Receipt{ChatID: chatID, MessageID: len(p.sent), SentAt: time.Now()}, nil
}

func (p *fakePlatform) isPolling(botID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling[botID]
}

func (p *fakePlatform) isAttached(botID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.attached[botID]
	return ok
}

func (p *fakePlatform) sentTexts(chatID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.sent {
		if m.chatID == chatID {
			out = append(out, m.p.Text)
		}
	}
	return out
}

var testToken = "123456:" + strings.Repeat("A", 35)

func testConfig() *config.Config {
	off := false
	return &config.Config{
		Logging:     config.LoggingConfig{Level: "error"},
		Limiter:     config.LimiterConfig{GlobalRate: 1000, ChatRate: 1000},
		Queue:       config.QueueConfig{DequeueWait: "20ms"},
		Delivery:    config.DeliveryConfig{Workers: 2, RetryBase: "10ms"},
		Maintenance: config.MaintenanceConfig{Enabled: &off},
	}
}

func newTestApp(t *testing.T, plat *fakePlatform) *App {
	t.Helper()
	a, err := NewFromConfig(context.Background(), testConfig(), Options{Platform: plat.factory})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	return a
}

func startTestApp(t *testing.T, plat *fakePlatform) *App {
	t.Helper()
	a := newTestApp(t, plat)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBotLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	plat := newFakePlatform()
	a := startTestApp(t, plat)

	b, err := a.RegisterBot(ctx, tenant.RegisterRequest{
		OwnerID:    "owner-1",
		Name:       "shop",
		Credential: testToken,
		Commands:   map[string]string{"ping": `ctx.reply("pong " + ctx.chat.id)`},
	})
	if err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	if b.Token == testToken {
		t.Fatalf("RegisterBot returned the raw token")
	}
	if b.Status != tenant.StatusStopped {
		t.Fatalf("status = %s, want %s", b.Status, tenant.StatusStopped)
	}
	if !plat.isAttached(b.ID) {
		t.Fatalf("bot not attached after register")
	}

	b, err = a.ToggleBotStatus(ctx, b.ID)
	if err != nil {
		t.Fatalf("ToggleBotStatus: %v", err)
	}
	if b.Status != tenant.StatusRunning || !plat.isPolling(b.ID) {
		t.Fatalf("status = %s polling = %v, want running and polling", b.Status, plat.isPolling(b.ID))
	}

	upd := transport.Update{
		BotID:   b.ID,
		Kind:    transport.UpdateMessage,
		ChatID:  42,
		Message: &transport.Message{ID: 1, ChatID: 42, FromID: 7, FromFirstName: "Ann", Text: "/ping"},
	}
	if err := plat.handler(ctx, upd); err != nil {
		t.Fatalf("handler: %v", err)
	}
	waitFor(t, "handler reply", func() bool { return len(plat.sentTexts(42)) == 1 })
	if got := plat.sentTexts(42)[0]; got != "pong 42" {
		t.Fatalf("reply = %q, want %q", got, "pong 42")
	}

	id, err := a.StartBroadcast(ctx, b.ID, transport.Payload{Text: "news"})
	if err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	waitFor(t, "broadcast completion", func() bool {
		st, ok := a.GetBroadcastStatus(id)
		return ok && st.State.Final()
	})
	st, _ := a.GetBroadcastStatus(id)
	if st.State != broadcast.StateCompleted || st.Total != 1 || st.Delivered != 1 {
		t.Fatalf("broadcast = %+v, want completed 1/1", st)
	}
	if _, err := a.CancelBroadcast(ctx, id); !errors.Is(err, broadcast.ErrFinished) {
		t.Fatalf("CancelBroadcast after finish err = %v, want %v", err, broadcast.ErrFinished)
	}

	b, err = a.ToggleBotStatus(ctx, b.ID)
	if err != nil {
		t.Fatalf("ToggleBotStatus: %v", err)
	}
	if b.Status != tenant.StatusStopped || plat.isPolling(b.ID) {
		t.Fatalf("status = %s polling = %v, want stopped", b.Status, plat.isPolling(b.ID))
	}

	if err := a.DeleteBot(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}
	if n := len(a.ListBots()); n != 0 {
		t.Fatalf("ListBots = %d, want 0", n)
	}
	if plat.isAttached(b.ID) {
		t.Fatalf("bot still attached after delete")
	}
	if err := a.DeleteBot(ctx, b.ID); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("second DeleteBot err = %v, want %v", err, tenant.ErrNotFound)
	}
}

func TestCommandsThroughFacade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := startTestApp(t, newFakePlatform())

	b, err := a.RegisterBot(ctx, tenant.RegisterRequest{OwnerID: "o", Name: "n", Credential: testToken})
	if err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	if _, err := a.UpsertCommand(ctx, b.ID, "/Start", `ctx.reply("hi")`); err != nil {
		t.Fatalf("UpsertCommand: %v", err)
	}
	if _, err := a.UpsertCommand(ctx, b.ID, "bad trigger!", `ctx.reply("x")`); !errors.Is(err, tenant.ErrInvalidTrigger) {
		t.Fatalf("UpsertCommand err = %v, want %v", err, tenant.ErrInvalidTrigger)
	}
	cmds := a.Commands(b.ID)
	if len(cmds) != 1 || cmds[0].Trigger != "start" {
		t.Fatalf("Commands = %+v, want one 'start'", cmds)
	}
	if err := a.RemoveCommand(ctx, b.ID, "start"); err != nil {
		t.Fatalf("RemoveCommand: %v", err)
	}
	if err := a.RemoveCommand(ctx, b.ID, "start"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("RemoveCommand again err = %v, want %v", err, tenant.ErrNotFound)
	}
}

func TestToggleFailureRecordsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	plat := newFakePlatform()
	a := startTestApp(t, plat)

	b, err := a.RegisterBot(ctx, tenant.RegisterRequest{OwnerID: "o", Name: "n", Credential: testToken})
	if err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	plat.mu.Lock()
	plat.startErr = errors.New("unauthorized")
	plat.mu.Unlock()

	if _, err := a.ToggleBotStatus(ctx, b.ID); err == nil {
		t.Fatalf("ToggleBotStatus succeeded, want error")
	}
	bots := a.ListBots()
	if len(bots) != 1 || bots[0].Status != tenant.StatusStopped || !strings.Contains(bots[0].LastError, "unauthorized") {
		t.Fatalf("bot = %+v, want stopped with last error", bots)
	}
}

func TestFacadeRejectsUnknownAndInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := startTestApp(t, newFakePlatform())

	if _, err := a.RegisterBot(ctx, tenant.RegisterRequest{OwnerID: "o", Name: "n", Credential: "nope"}); !errors.Is(err, tenant.ErrInvalidToken) {
		t.Fatalf("RegisterBot err = %v, want %v", err, tenant.ErrInvalidToken)
	}
	if _, err := a.StartBroadcast(ctx, "missing", transport.Payload{Text: "x"}); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("StartBroadcast err = %v, want %v", err, tenant.ErrNotFound)
	}
	if _, err := a.ToggleBotStatus(ctx, "missing"); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("ToggleBotStatus err = %v, want %v", err, tenant.ErrNotFound)
	}
	if _, err := a.CancelBroadcast(ctx, "missing"); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("CancelBroadcast err = %v, want %v", err, broadcast.ErrNotFound)
	}
}

func TestRunningBotsRestartOnStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Storage = config.StorageConfig{Driver: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "bots.db")}}

	plat := newFakePlatform()
	a, err := NewFromConfig(ctx, cfg, Options{Platform: plat.factory})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b, err := a.RegisterBot(ctx, tenant.RegisterRequest{OwnerID: "o", Name: "n", Credential: testToken})
	if err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	if _, err := a.ToggleBotStatus(ctx, b.ID); err != nil {
		t.Fatalf("ToggleBotStatus: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	plat2 := newFakePlatform()
	a2, err := NewFromConfig(ctx, cfg, Options{Platform: plat2.factory})
	if err != nil {
		t.Fatalf("NewFromConfig again: %v", err)
	}
	if err := a2.Start(ctx); err != nil {
		t.Fatalf("Start again: %v", err)
	}
	defer func() { _ = a2.Stop(stopCtx, StopAppStop) }()
	if !plat2.isPolling(b.ID) {
		t.Fatalf("running bot not polling after restart")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, newFakePlatform())
	defer func() { _ = a.stores.Close() }()

	prev := a.cfg
	next := testConfig()
	next.Limiter.GlobalRate = 5
	next.Tenant.StopCommand = "-"
	if !a.applyConfig(prev, next) {
		t.Fatalf("applyConfig rejected a valid config")
	}
	if got := a.limiter.Config().GlobalRate; got != 5 {
		t.Fatalf("global rate = %v, want 5", got)
	}

	bad := testConfig()
	bad.Maintenance.ReapLeases = "every blue moon"
	if a.applyConfig(next, bad) {
		t.Fatalf("applyConfig accepted an invalid schedule")
	}
	if !a.applyConfig(next, next) {
		t.Fatalf("applyConfig rejected an unchanged config")
	}
}

func TestNewWatchesConfigFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "botfleet.yaml")
	write := func(rate int) {
		t.Helper()
		body := fmt.Sprintf("logging:\n  level: error\nlimiter:\n  global_rate: %d\nmaintenance:\n  enabled: false\n", rate)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write(10)

	plat := newFakePlatform()
	a, err := New(ctx, path, Options{Platform: plat.factory, Env: func(string) string { return "" }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()
	if got := a.limiter.Config().GlobalRate; got != 10 {
		t.Fatalf("global rate = %v, want 10", got)
	}

	write(20)
	// The watcher may commit the new file first; either way it gets applied.
	if _, err := a.cfgm.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	waitFor(t, "limiter retune", func() bool { return a.limiter.Config().GlobalRate == 20 })
}

func TestDebugStatsServeSnapshot(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "tok"}
	a, err := NewFromConfig(context.Background(), cfg, Options{Platform: newFakePlatform().factory})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	if a.debug == nil {
		t.Fatalf("debug server not built")
	}

	ts := httptest.NewServer(a.debug.Handler())
	defer ts.Close()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/debug/stats", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /debug/stats: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		Goroutines *supervisor.Snapshot `json:"goroutines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Goroutines == nil || st.Goroutines.Active == 0 {
		t.Fatalf("goroutines = %+v, want active supervisor goroutines", st.Goroutines)
	}
}

func TestLogAlertsReachEventBus(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Logging.Alerts = config.LoggingAlerts{Enabled: true, MinLevel: "error", RatePerSec: 10}
	a, err := NewFromConfig(context.Background(), cfg, Options{Platform: newFakePlatform().factory})
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(func() { _ = a.logs.Close() })

	events, unsub := a.Events().Subscribe(8)
	defer unsub()
	a.log.Error("storage write failed", logx.BotID("b1"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.LogAlert {
				continue
			}
			al, ok := e.Data.(logx.Alert)
			if !ok || al.Message != "storage write failed" || al.Component != "app" {
				t.Fatalf("alert = %#v, want storage write failed from app", e.Data)
			}
			return
		case <-deadline:
			t.Fatalf("no log.alert event")
		}
	}
}
