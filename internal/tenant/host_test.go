package tenant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/sandbox"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []string
	resp  sandbox.Response
	err   error
}

func (e *fakeExec) Execute(_ context.Context, botID string, upd transport.Update, code string) (sandbox.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, code)
	return e.resp, e.err
}

type fakeOut struct {
	mu   sync.Mutex
	jobs []queue.NewJob
}

func (o *fakeOut) EnqueueMany(_ context.Context, jobs []queue.NewJob) ([]string, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, jobs...)
	ids := make([]string, len(jobs))
	return ids, len(jobs), nil
}

type hostFixture struct {
	repo *fakeRepo
	reg  *Registry
	exec *fakeExec
	out  *fakeOut
	host *Host
	bot  Bot
}

func newHostFixture(t *testing.T, cfg HostConfig, running bool) *hostFixture {
	t.Helper()
	ctx := context.Background()
	f := &hostFixture{repo: newFakeRepo(), exec: &fakeExec{}, out: &fakeOut{}}
	f.reg = NewRegistry(f.repo, RegistryConfig{}, logx.Nop())
	b, err := f.reg.Register(ctx, RegisterRequest{
		OwnerID:    "owner",
		Name:       "shop",
		Credential: tokenA,
		Commands:   map[string]string{"hello": "reply('hi ' + input.first_name)"},
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if running {
		if b, err = f.reg.SetStatus(ctx, b.ID, StatusRunning, ""); err != nil {
			t.Fatalf("SetStatus error: %v", err)
		}
	}
	f.bot = b
	f.host = NewHost(f.reg, f.repo, f.exec, f.out, cfg, logx.Nop())
	return f
}

func (f *hostFixture) message(chatID int64, msgID int, text string) transport.Update {
	return transport.Update{
		BotID:  f.bot.ID,
		Kind:   transport.UpdateMessage,
		ChatID: chatID,
		Message: &transport.Message{
			ID: msgID, ChatID: chatID, FromID: chatID, FromFirstName: "Ann", Text: text, Date: time.Now(),
		},
	}
}

func TestHandleUpdateRunsCommand(t *testing.T) {
	t.Parallel()
	f := newHostFixture(t, HostConfig{}, true)
	f.exec.resp = sandbox.Response{Replies: []transport.Payload{{Text: "hi Ann"}, {}}}

	if err := f.host.HandleUpdate(context.Background(), f.message(42, 7, "/Hello@shop_bot world")); err != nil {
		t.Fatalf("HandleUpdate error: %v", err)
	}
	if len(f.exec.calls) != 1 || !strings.Contains(f.exec.calls[0], "reply(") {
		t.Fatalf("executor calls = %v", f.exec.calls)
	}
	if len(f.out.jobs) != 1 {
		t.Fatalf("queued %d replies, want 1 (invalid reply dropped)", len(f.out.jobs))
	}
	j := f.out.jobs[0]
	if j.ChatID != 42 || j.BotID != f.bot.ID || j.BroadcastID != "" {
		t.Fatalf("reply job = %+v", j)
	}
	if want := "reply:" + f.bot.ID + ":42:7:0"; j.IdempotencyKey != want {
		t.Fatalf("IdempotencyKey = %q, want %q", j.IdempotencyKey, want)
	}
	if n, _ := f.repo.CountSubscribers(context.Background(), f.bot.ID); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if s := f.host.Snapshot(); s.Handled != 1 || s.Replies != 1 || s.Subscribed != 1 {
		t.Fatalf("Snapshot = %+v", s)
	}
}

func TestHandleUpdateIgnores(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		running bool
		text    string
		subs    int
	}{
		{name: "stopped bot", running: false, text: "/hello", subs: 0},
		{name: "plain text", running: true, text: "hello there", subs: 1},
		{name: "unknown command", running: true, text: "/nope", subs: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newHostFixture(t, HostConfig{}, tt.running)
			if err := f.host.HandleUpdate(context.Background(), f.message(5, 1, tt.text)); err != nil {
				t.Fatalf("HandleUpdate error: %v", err)
			}
			if len(f.exec.calls) != 0 || len(f.out.jobs) != 0 {
				t.Fatalf("handler ran: calls=%d jobs=%d", len(f.exec.calls), len(f.out.jobs))
			}
			if n, _ := f.repo.CountSubscribers(context.Background(), f.bot.ID); n != tt.subs {
				t.Fatalf("subscribers = %d, want %d", n, tt.subs)
			}
		})
	}
}

func TestHandlerFailure(t *testing.T) {
	t.Parallel()
	fault := &sandbox.Error{Kind: sandbox.KindTimeout, BotID: "b", Err: errors.New("deadline after 2s")}
	tests := []struct {
		name        string
		replyErrors bool
		wantJobs    int
	}{
		{name: "silent", replyErrors: false, wantJobs: 0},
		{name: "notice", replyErrors: true, wantJobs: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newHostFixture(t, HostConfig{ReplyErrors: tt.replyErrors}, true)
			f.exec.resp = sandbox.Response{Replies: []transport.Payload{{Text: "partial"}}}
			f.exec.err = fault
			if err := f.host.HandleUpdate(context.Background(), f.message(9, 3, "/hello")); err != nil {
				t.Fatalf("HandleUpdate error: %v", err)
			}
			if len(f.out.jobs) != tt.wantJobs {
				t.Fatalf("queued %d jobs, want %d", len(f.out.jobs), tt.wantJobs)
			}
			if tt.wantJobs > 0 {
				p := f.out.jobs[0].Payload
				if !strings.Contains(p.Text, "Execution Error") || !strings.Contains(p.Text, "timeout") || p.ParseMode != transport.ParseModeHTML {
					t.Fatalf("notice = %+v", p)
				}
			}
			if s := f.host.Snapshot(); s.Skipped != 1 || s.Handled != 0 {
				t.Fatalf("Snapshot = %+v", s)
			}
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	f := newHostFixture(t, HostConfig{StopCommand: "stop"}, true)
	ctx := context.Background()
	_ = f.host.HandleUpdate(ctx, f.message(1, 1, "hi"))
	_ = f.host.HandleUpdate(ctx, f.message(2, 1, "hi"))

	if err := f.host.HandleUpdate(ctx, f.message(1, 2, "/stop")); err != nil {
		t.Fatalf("HandleUpdate error: %v", err)
	}
	blocked := transport.Update{BotID: f.bot.ID, Kind: transport.UpdateBlocked, ChatID: 2}
	if err := f.host.HandleUpdate(ctx, blocked); err != nil {
		t.Fatalf("HandleUpdate error: %v", err)
	}
	if n, _ := f.repo.CountSubscribers(ctx, f.bot.ID); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
	// A second block for an unknown chat is not an error.
	if err := f.host.HandleUpdate(ctx, blocked); err != nil {
		t.Fatalf("repeated block error: %v", err)
	}
	if s := f.host.Snapshot(); s.Unsubscribed != 3 {
		t.Fatalf("Unsubscribed = %d, want 3", s.Unsubscribed)
	}
}
