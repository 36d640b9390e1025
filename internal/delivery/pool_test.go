package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fn    func(chatID int64) error
}

func (s *fakeSender) Send(_ context.Context, botID string, chatID int64, p transport.Payload) (transport.Receipt, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(chatID); err != nil {
			return transport.Receipt{}, err
		}
	}
	return transport.Receipt{ChatID: chatID, MessageID: 1}, nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	clk    *fakeClock
	q      *queue.Queue
	sender *fakeSender
	pool   *Pool
	rng    *rand.Rand
}

func newFixture(t *testing.T, cfg Config, qcfg queue.Config, opts Options) *fixture {
	t.Helper()
	clk := newFakeClock()
	q := queue.New(qcfg, nil, logx.Nop())
	q.SetClock(clk.Now)
	t.Cleanup(q.Close)
	s := &fakeSender{}
	p := New(cfg, q, s, opts)
	p.SetClock(clk.Now)
	return &fixture{clk: clk, q: q, sender: s, pool: p, rng: rand.New(rand.NewSource(1))}
}

func (f *fixture) enqueue(t *testing.T, chatID int64) string {
	t.Helper()
	id, _, err := f.q.Enqueue(context.Background(), queue.NewJob{BotID: "bot", ChatID: chatID, Payload: transport.Payload{Text: "hi"}})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return id
}

// step leases the next eligible job and processes it.
func (f *fixture) step(t *testing.T) (time.Duration, bool) {
	t.Helper()
	j, ok := f.q.TryDequeue("w0")
	if !ok {
		return 0, false
	}
	return f.pool.process(context.Background(), "w0", j, f.rng), true
}

func (f *fixture) mustStep(t *testing.T) time.Duration {
	t.Helper()
	pause, ok := f.step(t)
	if !ok {
		t.Fatalf("no eligible job")
	}
	return pause
}

func TestSendOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		state     queue.State
		attempts  int
		notBefore [2]time.Duration
		blocked   bool
	}{
		{name: "delivered", state: queue.StateDelivered, attempts: 1},
		{name: "transient", err: errors.New("connection reset"), state: queue.StatePending, attempts: 1,
			notBefore: [2]time.Duration{400 * time.Millisecond, 600 * time.Millisecond}},
		{name: "server error with hint", err: &transport.DeliveryError{Kind: transport.Transient, Code: 502, RetryAfter: 2 * time.Second, Err: errors.New("bad gateway")},
			state: queue.StatePending, attempts: 1, notBefore: [2]time.Duration{1600 * time.Millisecond, 2400 * time.Millisecond}},
		{name: "rate limited", err: transport.NewRateLimited(7*time.Second, errors.New("429")), state: queue.StatePending, attempts: 0,
			notBefore: [2]time.Duration{7 * time.Second, 7 * time.Second}},
		{name: "permanent", err: transport.NewPermanent(400, errors.New("chat not found")), state: queue.StateDeadLettered, attempts: 1},
		{name: "blocked", err: transport.NewBlocked(403, errors.New("bot was blocked by the user")), state: queue.StateDeadLettered, attempts: 1, blocked: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var blockedChats []int64
			bus := eventbus.New()
			events, unsubscribe := bus.Subscribe(4)
			defer unsubscribe()
			f := newFixture(t, Config{}, queue.Config{}, Options{
				Events:    bus,
				OnBlocked: func(_ context.Context, botID string, chatID int64) { blockedChats = append(blockedChats, chatID) },
			})
			f.sender.fn = func(int64) error { return tt.err }
			id := f.enqueue(t, 77)
			start := f.clk.Now()

			if pause := f.mustStep(t); pause != 0 {
				t.Fatalf("pause = %v, want 0", pause)
			}
			j, _ := f.q.Get(id)
			if j.State != tt.state || j.Attempts != tt.attempts || j.Blocked != tt.blocked {
				t.Fatalf("job = state %v attempts %d blocked %v; want %v %d %v", j.State, j.Attempts, j.Blocked, tt.state, tt.attempts, tt.blocked)
			}
			if tt.state == queue.StatePending {
				wait := j.NotBefore.Sub(start)
				if wait < tt.notBefore[0] || wait > tt.notBefore[1] {
					t.Fatalf("retry after %v, want within %v", wait, tt.notBefore)
				}
			}
			if tt.blocked && (len(blockedChats) != 1 || blockedChats[0] != 77) {
				t.Fatalf("block handler saw %v, want [77]", blockedChats)
			}
			if tt.state == queue.StateDeadLettered {
				select {
				case e := <-events:
					if e.Type != eventbus.JobDeadLettered {
						t.Fatalf("event type = %q", e.Type)
					}
				default:
					t.Fatalf("no dead-letter event")
				}
			}
		})
	}
}

func TestMaxAttemptsDeadLetters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CircuitTripAfter: -1}, queue.Config{MaxAttempts: 3}, Options{})
	f.sender.fn = func(int64) error { return transport.NewTransient(500, errors.New("internal")) }
	id := f.enqueue(t, 1)
	for i := 0; i < 3; i++ {
		f.mustStep(t)
		f.clk.Advance(time.Minute)
	}
	j, _ := f.q.Get(id)
	if j.State != queue.StateDeadLettered || j.Attempts != 3 {
		t.Fatalf("job = %v after %d attempts, want dead-lettered after 3", j.State, j.Attempts)
	}
	if s := f.pool.Snapshot(); s.Retried != 2 || s.DeadLettered != 1 {
		t.Fatalf("Snapshot = %+v", s)
	}
}

func TestGlobalDenialPausesWorker(t *testing.T) {
	t.Parallel()
	clkLim := ratelimit.New(ratelimit.Config{GlobalRate: 1, GlobalBurst: 1, ChatRate: 10, ChatBurst: 10})
	f := newFixture(t, Config{}, queue.Config{}, Options{Limiter: clkLim})
	clkLim.SetClock(f.clk.Now)
	first := f.enqueue(t, 1)
	second := f.enqueue(t, 2)

	if pause := f.mustStep(t); pause != 0 {
		t.Fatalf("first pause = %v", pause)
	}
	pause := f.mustStep(t)
	if pause <= 0 || pause > time.Second {
		t.Fatalf("pause after global denial = %v, want (0, 1s]", pause)
	}
	if j, _ := f.q.Get(first); j.State != queue.StateDelivered {
		t.Fatalf("first job = %v", j.State)
	}
	if j, _ := f.q.Get(second); j.State != queue.StatePending || j.Attempts != 0 {
		t.Fatalf("denied job = %v attempts %d, want pending without a charged attempt", j.State, j.Attempts)
	}
	if f.sender.Calls() != 1 {
		t.Fatalf("sender calls = %d, want 1", f.sender.Calls())
	}
	f.clk.Advance(pause)
	f.mustStep(t)
	if j, _ := f.q.Get(second); j.State != queue.StateDelivered {
		t.Fatalf("second job after pause = %v", j.State)
	}
}

func TestChatDenialDefersWithoutPause(t *testing.T) {
	t.Parallel()
	lim := ratelimit.New(ratelimit.Config{GlobalRate: 100, ChatRate: 1, ChatBurst: 1})
	f := newFixture(t, Config{}, queue.Config{}, Options{Limiter: lim})
	lim.SetClock(f.clk.Now)
	f.enqueue(t, 5)
	f.mustStep(t)
	id := f.enqueue(t, 5)
	if pause := f.mustStep(t); pause != 0 {
		t.Fatalf("pause = %v, want 0 for a chat-scope denial", pause)
	}
	j, _ := f.q.Get(id)
	if j.State != queue.StatePending || !j.NotBefore.After(f.clk.Now()) {
		t.Fatalf("denied job = %+v", j)
	}
	if s := f.pool.Snapshot(); s.Throttled != 1 || s.Deferred != 1 {
		t.Fatalf("Snapshot = %+v", s)
	}
}

func TestCircuitOpensPerBot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{CircuitTripAfter: 2, CircuitOpenFor: time.Minute}, queue.Config{MaxAttempts: 10}, Options{})
	f.sender.fn = func(int64) error { return errors.New("timeout") }
	id := f.enqueue(t, 1)

	for i := 0; i < 2; i++ {
		f.mustStep(t)
		f.clk.Advance(2 * time.Second)
	}
	if s := f.pool.Snapshot(); s.CircuitsOpen != 1 {
		t.Fatalf("CircuitsOpen = %d, want 1", s.CircuitsOpen)
	}
	f.mustStep(t)
	if f.sender.Calls() != 2 {
		t.Fatalf("sent through an open circuit: calls = %d", f.sender.Calls())
	}
	j, _ := f.q.Get(id)
	if j.Attempts != 2 || j.State != queue.StatePending {
		t.Fatalf("job = %v attempts %d", j.State, j.Attempts)
	}

	f.clk.Advance(2 * time.Minute)
	f.sender.fn = nil
	f.mustStep(t)
	if j, _ := f.q.Get(id); j.State != queue.StateDelivered {
		t.Fatalf("job after circuit closed = %v", j.State)
	}
	if s := f.pool.Snapshot(); s.CircuitsOpen != 0 {
		t.Fatalf("CircuitsOpen = %d, want 0", s.CircuitsOpen)
	}
}

func TestSenderPanicIsTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, queue.Config{}, Options{})
	f.sender.fn = func(int64) error { panic("nil map") }
	id := f.enqueue(t, 1)
	f.mustStep(t)
	j, _ := f.q.Get(id)
	if j.State != queue.StatePending || j.Attempts != 1 {
		t.Fatalf("job = %v attempts %d", j.State, j.Attempts)
	}
	if s := f.pool.Snapshot(); s.Panics != 1 {
		t.Fatalf("Panics = %d, want 1", s.Panics)
	}
}

func TestStaleLeaseIsNotAcked(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, queue.Config{LeaseTimeout: time.Second}, Options{})
	id := f.enqueue(t, 1)
	j, _ := f.q.TryDequeue("slow")
	f.sender.fn = func(int64) error {
		f.clk.Advance(2 * time.Second)
		f.q.ReapExpired(f.clk.Now())
		return nil
	}
	f.pool.process(context.Background(), "slow", j, f.rng)
	got, _ := f.q.Get(id)
	if got.State != queue.StatePending {
		t.Fatalf("job = %v, want pending for redelivery", got.State)
	}
	if s := f.pool.Snapshot(); s.StaleAcks != 1 || s.Sent != 1 {
		t.Fatalf("Snapshot = %+v", s)
	}
}

// Ten thousand recipients at 30/s global and 1/s per chat need at least
// (10000-30)/30 seconds of clock.
func TestBroadcastPacing(t *testing.T) {
	t.Parallel()
	const subscribers = 10000
	lim := ratelimit.New(ratelimit.Config{GlobalRate: 30, GlobalBurst: 30, ChatRate: 1, ChatBurst: 1})
	f := newFixture(t, Config{}, queue.Config{}, Options{Limiter: lim})
	lim.SetClock(f.clk.Now)

	jobs := make([]queue.NewJob, subscribers)
	for i := range jobs {
		jobs[i] = queue.NewJob{BotID: "bot", ChatID: int64(i + 1), BroadcastID: "bc", Payload: transport.Payload{Text: "news"}}
	}
	if _, _, err := f.q.EnqueueMany(context.Background(), jobs); err != nil {
		t.Fatalf("EnqueueMany error: %v", err)
	}

	start := f.clk.Now()
	for i := 0; f.q.Counts("bc").Delivered < subscribers; i++ {
		if i > 20*subscribers {
			t.Fatalf("no progress: %+v", f.q.Counts("bc"))
		}
		pause, ok := f.step(t)
		switch {
		case !ok:
			f.clk.Advance(10 * time.Millisecond)
		case pause > 0:
			f.clk.Advance(pause)
		}
	}
	elapsed := f.clk.Now().Sub(start)
	minSeconds := float64(subscribers-30) / 30
	minimum := time.Duration(minSeconds * float64(time.Second))
	if elapsed < minimum {
		t.Fatalf("elapsed = %v, want >= %v", elapsed, minimum)
	}
	if f.sender.Calls() != subscribers {
		t.Fatalf("sender calls = %d, want %d", f.sender.Calls(), subscribers)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{DequeueWait: 20 * time.Millisecond}, nil, logx.Nop())
	defer q.Close()
	var sent atomic.Int64
	s := &fakeSender{fn: func(int64) error { sent.Add(1); return nil }}
	p := New(Config{Workers: 4}, q, s, Options{})

	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		if _, _, err := q.Enqueue(ctx, queue.NewJob{BotID: "b", ChatID: int64(i), Payload: transport.Payload{Text: "x"}}); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start error = %v, want ErrStarted", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.Stats().Delivered < 50 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 50", q.Stats().Delivered)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := p.Snapshot(); st.Workers != 4 || st.Sent != 50 {
		t.Fatalf("Snapshot = %+v", st)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if sent.Load() != 50 {
		t.Fatalf("sent = %d, want 50", sent.Load())
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryJitter: -1}.withDefaults()
	cfg.RetryJitter = 0
	tests := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{1, 0, 500 * time.Millisecond},
		{2, 0, time.Second},
		{4, 0, 4 * time.Second},
		{10, 0, 15 * time.Second},
		{1, 3 * time.Second, 3 * time.Second},
		{1, time.Hour, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt, tt.hint, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d, %v) = %v, want %v", tt.attempt, tt.hint, got, tt.want)
		}
	}
}
