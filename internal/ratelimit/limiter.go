package ratelimit

import (
	"hash/maphash"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type Kind uint8

const (
	KindGlobal Kind = iota
	KindBot
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindBot:
		return "bot"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Scope names one rate budget.
type Scope struct {
	Kind   Kind
	BotID  string
	ChatID int64
}

func Global() Scope                         { return Scope{Kind: KindGlobal} }
func Bot(botID string) Scope                { return Scope{Kind: KindBot, BotID: botID} }
func Chat(botID string, chatID int64) Scope { return Scope{Kind: KindChat, BotID: botID, ChatID: chatID} }

func (s Scope) String() string {
	switch s.Kind {
	case KindBot:
		return "bot:" + s.BotID
	case KindChat:
		return "chat:" + s.BotID + "/" + strconv.FormatInt(s.ChatID, 10)
	default:
		return s.Kind.String()
	}
}

func (s Scope) key() string {
	if s.Kind == KindChat {
		return s.BotID + "/" + strconv.FormatInt(s.ChatID, 10)
	}
	return s.BotID
}

// Config sets rate (tokens per second) and burst (bucket capacity) per scope.
// A zero global or chat rate takes the default; a zero bot rate disables the
// per-bot scope. A negative rate disables the scope.
type Config struct {
	GlobalRate  float64
	GlobalBurst int
	BotRate     float64
	BotBurst    int
	ChatRate    float64
	ChatBurst   int

	// IdleTTL is how long an untouched chat or bot bucket is kept.
	IdleTTL time.Duration
}

const (
	DefaultGlobalRate = 30
	DefaultChatRate   = 1
	DefaultIdleTTL    = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.GlobalRate == 0 {
		c.GlobalRate = DefaultGlobalRate
	}
	if c.ChatRate == 0 {
		c.ChatRate = DefaultChatRate
	}
	c.GlobalBurst = burstFor(c.GlobalRate, c.GlobalBurst)
	c.BotBurst = burstFor(c.BotRate, c.BotBurst)
	c.ChatBurst = burstFor(c.ChatRate, c.ChatBurst)
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

func burstFor(r float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if r >= 1 {
		return int(r)
	}
	return 1
}

// Decision is the outcome of a multi-scope send check.
type Decision struct {
	Allowed bool
	// Denied is the first scope that refused. Valid only when !Allowed.
	Denied Scope
	// RetryIn estimates when the denying scope will have enough tokens.
	RetryIn time.Duration
}

type Stats struct {
	Granted      uint64
	DeniedGlobal uint64
	DeniedBot    uint64
	DeniedChat   uint64
	BotBuckets   int
	ChatBuckets  int
}

// Limiter holds all rate budgets. The zero value is not usable; call New.
type Limiter struct {
	now func() time.Time

	mu     sync.RWMutex // guards cfg; buckets carry their own locks
	cfg    Config
	global *rate.Limiter

	bots  *bucketSet
	chats *bucketSet

	granted      atomic.Uint64
	deniedGlobal atomic.Uint64
	deniedBot    atomic.Uint64
	deniedChat   atomic.Uint64
}

func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		now:    time.Now,
		cfg:    cfg,
		global: newBucket(cfg.GlobalRate, cfg.GlobalBurst),
		bots:   newBucketSet(),
		chats:  newBucketSet(),
	}
}

func newBucket(r float64, burst int) *rate.Limiter {
	if r < 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// SetClock replaces the time source. Tests drive refill with it.
func (l *Limiter) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Config returns the active configuration.
func (l *Limiter) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// TryAcquire grants or denies n tokens from a single scope. It never blocks.
func (l *Limiter) TryAcquire(scope Scope, n int) bool {
	if n <= 0 {
		return true
	}
	now, cfg, global := l.state()
	lim := l.limiterFor(scope, now, cfg, global)
	if lim == nil {
		return true
	}
	ok := lim.AllowN(now, n)
	l.count(scope.Kind, ok)
	return ok
}

// TryAcquireSend takes one token from every enabled scope that applies to a
// send from botID to chatID. Either all scopes grant or none is charged.
func (l *Limiter) TryAcquireSend(botID string, chatID int64) Decision {
	now, cfg, global := l.state()
	scopes := [3]Scope{Global(), Bot(botID), Chat(botID, chatID)}

	var held [3]*rate.Reservation
	for i, scope := range scopes {
		lim := l.limiterFor(scope, now, cfg, global)
		if lim == nil {
			continue
		}
		r, wait := reserve(lim, now)
		if r == nil {
			release(held[:i], now)
			l.count(scope.Kind, false)
			return Decision{Denied: scope, RetryIn: wait}
		}
		held[i] = r
	}
	l.granted.Add(1)
	return Decision{Allowed: true}
}

// reserve takes one token or reports how long until one is available.
// An empty bucket is refused without reserving.
func reserve(lim *rate.Limiter, now time.Time) (*rate.Reservation, time.Duration) {
	if tokens := lim.TokensAt(now); tokens < 1 {
		return nil, deficitDelay(lim.Limit(), 1-tokens)
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d
	}
	return r, 0
}

func deficitDelay(limit rate.Limit, tokens float64) time.Duration {
	if limit <= 0 || limit == rate.Inf {
		return time.Second
	}
	d := time.Duration(math.Ceil(tokens / float64(limit) * float64(time.Second)))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func release(held []*rate.Reservation, now time.Time) {
	for i := len(held) - 1; i >= 0; i-- {
		if held[i] != nil {
			held[i].CancelAt(now)
		}
	}
}

func (l *Limiter) state() (time.Time, Config, *rate.Limiter) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now(), l.cfg, l.global
}

func (l *Limiter) limiterFor(scope Scope, now time.Time, cfg Config, global *rate.Limiter) *rate.Limiter {
	switch scope.Kind {
	case KindGlobal:
		return global
	case KindBot:
		if cfg.BotRate <= 0 {
			return nil
		}
		return l.bots.get(scope.key(), now, cfg.BotRate, cfg.BotBurst)
	case KindChat:
		if cfg.ChatRate < 0 {
			return nil
		}
		return l.chats.get(scope.key(), now, cfg.ChatRate, cfg.ChatBurst)
	default:
		return nil
	}
}

func (l *Limiter) count(kind Kind, ok bool) {
	if ok {
		l.granted.Add(1)
		return
	}
	switch kind {
	case KindGlobal:
		l.deniedGlobal.Add(1)
	case KindBot:
		l.deniedBot.Add(1)
	case KindChat:
		l.deniedChat.Add(1)
	}
}

// Apply retunes rates and bursts in place. Existing buckets keep their
// current token count.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	now := l.now()
	l.cfg = cfg
	switch {
	case cfg.GlobalRate < 0:
		l.global = nil
	case l.global == nil:
		l.global = newBucket(cfg.GlobalRate, cfg.GlobalBurst)
	default:
		l.global.SetLimitAt(now, rate.Limit(cfg.GlobalRate))
		l.global.SetBurstAt(now, cfg.GlobalBurst)
	}
	l.mu.Unlock()

	l.bots.retune(now, cfg.BotRate, cfg.BotBurst)
	l.chats.retune(now, cfg.ChatRate, cfg.ChatBurst)
}

// Prune drops bot and chat buckets that have been idle for IdleTTL and are
// full again. A full bucket is indistinguishable from a fresh one.
func (l *Limiter) Prune() int {
	l.mu.RLock()
	now := l.now()
	ttl := l.cfg.IdleTTL
	l.mu.RUnlock()
	return l.bots.prune(now, ttl) + l.chats.prune(now, ttl)
}

func (l *Limiter) Snapshot() Stats {
	return Stats{
		Granted:      l.granted.Load(),
		DeniedGlobal: l.deniedGlobal.Load(),
		DeniedBot:    l.deniedBot.Load(),
		DeniedChat:   l.deniedChat.Load(),
		BotBuckets:   l.bots.len(),
		ChatBuckets:  l.chats.len(),
	}
}

// ---- sharded bucket map ----

const shardCount = 64

type bucket struct {
	lim      *rate.Limiter
	lastUsed atomic.Int64 // unix nanos
}

type bucketShard struct {
	mu sync.Mutex
	m  map[string]*bucket
}

type bucketSet struct {
	seed   maphash.Seed
	shards [shardCount]bucketShard
}

func newBucketSet() *bucketSet {
	s := &bucketSet{seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*bucket)
	}
	return s
}

func (s *bucketSet) shard(key string) *bucketShard {
	return &s.shards[maphash.String(s.seed, key)%shardCount]
}

func (s *bucketSet) get(key string, now time.Time, r float64, burst int) *rate.Limiter {
	sh := s.shard(key)
	sh.mu.Lock()
	b, ok := sh.m[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(r), burst)}
		sh.m[key] = b
	}
	// Touched under the shard lock so prune cannot drop a bucket between
	// lookup and charge.
	b.lastUsed.Store(now.UnixNano())
	sh.mu.Unlock()
	return b.lim
}

func (s *bucketSet) retune(now time.Time, r float64, burst int) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, b := range sh.m {
			if r > 0 {
				b.lim.SetLimitAt(now, rate.Limit(r))
				b.lim.SetBurstAt(now, burst)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *bucketSet) prune(now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl).UnixNano()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.m {
			if b.lastUsed.Load() > cutoff {
				continue
			}
			if b.lim.TokensAt(now) < float64(b.lim.Burst()) {
				continue
			}
			delete(sh.m, k)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *bucketSet) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
