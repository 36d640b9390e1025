package ratelimit

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	l := New(cfg)
	l.SetClock(clk.Now)
	return l, clk
}

func TestGlobalBurstUnderConcurrency(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{GlobalRate: 30, GlobalBurst: 30})

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(Global(), 1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := granted.Load(); got != 30 {
		t.Fatalf("granted = %d, want 30", got)
	}
}

func TestSendGrantsOnlyWhenAllScopesGrant(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{GlobalRate: 2, GlobalBurst: 2, ChatRate: 1, ChatBurst: 1})

	if d := l.TryAcquireSend("b1", 100); !d.Allowed {
		t.Fatalf("first send denied: %+v", d)
	}
	d := l.TryAcquireSend("b1", 100)
	if d.Allowed {
		t.Fatalf("second send to same chat allowed")
	}
	if d.Denied.Kind != KindChat {
		t.Fatalf("Denied = %v, want chat scope", d.Denied)
	}
	if d.RetryIn <= 0 || d.RetryIn > time.Second {
		t.Fatalf("RetryIn = %v, want (0, 1s]", d.RetryIn)
	}

	// The chat denial must have returned the global token it took.
	if d := l.TryAcquireSend("b1", 200); !d.Allowed {
		t.Fatalf("send to other chat denied: %+v", d)
	}
	d = l.TryAcquireSend("b1", 300)
	if d.Allowed || d.Denied.Kind != KindGlobal {
		t.Fatalf("third distinct chat = %+v, want global denial", d)
	}
}

func TestRefillIsLazyAndCapped(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(Config{ChatRate: 1, ChatBurst: 1, GlobalRate: 100, GlobalBurst: 100})
	scope := Chat("b", 1)

	if !l.TryAcquire(scope, 1) {
		t.Fatal("first acquire denied")
	}
	if l.TryAcquire(scope, 1) {
		t.Fatal("acquire without refill granted")
	}
	clk.Advance(500 * time.Millisecond)
	if l.TryAcquire(scope, 1) {
		t.Fatal("acquire after half a period granted")
	}
	clk.Advance(500 * time.Millisecond)
	if !l.TryAcquire(scope, 1) {
		t.Fatal("acquire after full period denied")
	}

	// Long idle time still refills only to capacity.
	clk.Advance(time.Hour)
	if !l.TryAcquire(scope, 1) {
		t.Fatal("acquire after idle denied")
	}
	if l.TryAcquire(scope, 1) {
		t.Fatal("bucket refilled beyond capacity")
	}
}

func TestNeverExceedsCapacityPlusRefillInWindow(t *testing.T) {
	t.Parallel()
	const (
		rateLimit = 5.0
		burst     = 5
	)
	l, clk := newTestLimiter(Config{GlobalRate: rateLimit, GlobalBurst: burst, ChatRate: -1})
	rng := rand.New(rand.NewPCG(1, 2))

	var grants []time.Time
	for i := 0; i < 5000; i++ {
		clk.Advance(time.Duration(rng.IntN(80)) * time.Millisecond)
		if l.TryAcquire(Global(), 1) {
			grants = append(grants, clk.Now())
		}
	}
	if len(grants) == 0 {
		t.Fatal("no grants recorded")
	}

	window := time.Second
	limit := burst + int(rateLimit*window.Seconds())
	j := 0
	for i := range grants {
		for grants[i].Sub(grants[j]) > window {
			j++
		}
		if n := i - j + 1; n > limit {
			t.Fatalf("window ending %v granted %d, want <= %d", grants[i], n, limit)
		}
	}
}

func TestDisabledScopes(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{GlobalRate: -1, ChatRate: -1})
	for i := 0; i < 1000; i++ {
		if d := l.TryAcquireSend("b", 1); !d.Allowed {
			t.Fatalf("send %d denied with all scopes disabled: %+v", i, d)
		}
	}
}

func TestBotScope(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{GlobalRate: 100, GlobalBurst: 100, BotRate: 2, BotBurst: 2})
	for i := int64(0); i < 2; i++ {
		if d := l.TryAcquireSend("busy", i); !d.Allowed {
			t.Fatalf("send %d denied: %+v", i, d)
		}
	}
	d := l.TryAcquireSend("busy", 99)
	if d.Allowed || d.Denied.Kind != KindBot {
		t.Fatalf("third send = %+v, want bot denial", d)
	}
	if d := l.TryAcquireSend("quiet", 1); !d.Allowed {
		t.Fatalf("other bot denied: %+v", d)
	}
}

func TestApplyRetunesExistingBuckets(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(Config{GlobalRate: 1, GlobalBurst: 1, ChatRate: -1})
	if !l.TryAcquire(Global(), 1) {
		t.Fatal("initial acquire denied")
	}
	l.Apply(Config{GlobalRate: 10, GlobalBurst: 10, ChatRate: -1})
	clk.Advance(time.Second)
	granted := 0
	for i := 0; i < 20; i++ {
		if l.TryAcquire(Global(), 1) {
			granted++
		}
	}
	if granted != 10 {
		t.Fatalf("granted after retune = %d, want 10", granted)
	}
}

func TestPruneDropsIdleFullBuckets(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(Config{ChatRate: 1, ChatBurst: 1, IdleTTL: time.Minute})
	for i := int64(0); i < 10; i++ {
		l.TryAcquireSend("b", i)
	}
	if got := l.Snapshot().ChatBuckets; got != 10 {
		t.Fatalf("ChatBuckets = %d, want 10", got)
	}
	if n := l.Prune(); n != 0 {
		t.Fatalf("Prune() removed %d fresh buckets", n)
	}
	clk.Advance(2 * time.Minute)
	l.TryAcquireSend("b", 3)
	if n := l.Prune(); n != 9 {
		t.Fatalf("Prune() = %d, want 9", n)
	}
	if got := l.Snapshot().ChatBuckets; got != 1 {
		t.Fatalf("ChatBuckets after prune = %d, want 1", got)
	}
}

// A broadcast to 10k distinct chats at 30/s global cannot finish faster
// than the global budget allows.
func TestBroadcastPacingSimulated(t *testing.T) {
	t.Parallel()
	const subscribers = 10000
	l, clk := newTestLimiter(Config{GlobalRate: 30, GlobalBurst: 30, ChatRate: 1, ChatBurst: 1})
	start := clk.Now()

	next := int64(0)
	for next < subscribers {
		d := l.TryAcquireSend("b", next)
		if d.Allowed {
			next++
			continue
		}
		if d.Denied.Kind != KindGlobal {
			t.Fatalf("unexpected denial scope %v", d.Denied)
		}
		clk.Advance(d.RetryIn)
	}

	elapsed := clk.Now().Sub(start)
	minSeconds := float64(subscribers-30) / 30
	minimum := time.Duration(minSeconds * float64(time.Second))
	if elapsed < minimum {
		t.Fatalf("elapsed = %v, want >= %v", elapsed, minimum)
	}
	if elapsed > minimum+5*time.Second {
		t.Fatalf("elapsed = %v, pacing far slower than the budget", elapsed)
	}
	if got := l.Snapshot().Granted; got != subscribers {
		t.Fatalf("Granted = %d, want %d", got, subscribers)
	}
}

func TestPruneNeverRefillsBucketInUse(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Config{GlobalRate: 1000, GlobalBurst: 1000, ChatRate: 1, ChatBurst: 1, IdleTTL: time.Minute})

	stop := make(chan struct{})
	pruned := make(chan struct{})
	go func() {
		defer close(pruned)
		for {
			select {
			case <-stop:
				return
			default:
				l.Prune()
			}
		}
	}()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if l.TryAcquire(Chat("b", 1), 1) {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-pruned

	// The clock never moves, so the bucket never refills.
	if got := granted.Load(); got != 1 {
		t.Fatalf("granted = %d, want 1", got)
	}
}
