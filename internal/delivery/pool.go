package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

var ErrStarted = errors.New("delivery: pool already started")

type Options struct {
	Limiter   Limiter
	OnBlocked BlockHandler
	Events    eventbus.Bus
	Log       logx.Logger
}

// Pool is a fixed set of workers draining the dispatch queue.
type Pool struct {
	src       Source
	sender    Sender
	lim       Limiter
	onBlocked BlockHandler
	events    eventbus.Bus
	log       logx.Logger
	breakers  *circuits

	mu      sync.RWMutex
	cfg     Config
	now     func() time.Time
	sup     *supervisor.Supervisor
	workers int

	busy         atomic.Int64
	sent         atomic.Uint64
	retried      atomic.Uint64
	deferred     atomic.Uint64
	throttled    atomic.Uint64
	deadLettered atomic.Uint64
	blocked      atomic.Uint64
	staleAcks    atomic.Uint64
	panics       atomic.Uint64
	paused       atomic.Uint64
}

func New(cfg Config, src Source, sender Sender, opts Options) *Pool {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	events := opts.Events
	if events == nil {
		events = eventbus.Nop()
	}
	return &Pool{
		src:       src,
		sender:    sender,
		lim:       opts.Limiter,
		onBlocked: opts.OnBlocked,
		events:    events,
		log:       log,
		breakers:  newCircuits(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// SetClock replaces the time source used by the circuit breaker.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Apply swaps retry, timeout and breaker settings. The worker count only
// changes on the next Start.
func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Pool) config() (Config, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.now()
}

// Start launches the workers under a supervisor that restarts any worker
// whose loop panics or fails.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return ErrStarted
	}
	p.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(p.log))
	p.workers = p.cfg.Workers
	for i := 0; i < p.workers; i++ {
		id := fmt.Sprintf("delivery.worker.%d", i)
		idx := i
		p.sup.GoRestart(id, func(ctx context.Context) error {
			return p.run(ctx, id, idx)
		}, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}
	p.log.Info("delivery pool started", logx.Int("workers", p.workers))
	return nil
}

// Stop cancels the workers and waits for in-flight sends until ctx ends.
// A send cut off here is recovered by lease expiry.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	p.log.Info("delivery pool stopped", logx.Err(err))
	return err
}

func (p *Pool) run(ctx context.Context, workerID string, idx int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		j, ok, err := p.src.Dequeue(ctx, workerID)
		switch {
		case errors.Is(err, queue.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return fmt.Errorf("dequeue: %w", err)
		case !ok:
			continue
		}
		pause := p.process(ctx, workerID, j, rng)
		if pause <= 0 {
			continue
		}
		p.paused.Add(1)
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// process handles one leased job. It returns how long the worker should
// idle before its next dequeue; only a global budget denial pauses.
func (p *Pool) process(ctx context.Context, workerID string, j queue.Job, rng *rand.Rand) time.Duration {
	cfg, now := p.config()
	// Queue bookkeeping must land even when ctx was cancelled mid-send.
	bg := context.WithoutCancel(ctx)
	log := p.log.With(logx.String("worker", workerID), logx.JobID(j.ID), logx.BotID(j.BotID), logx.ChatID(j.ChatID))

	if open, until := p.breakers.open(j.BotID, now, cfg); open {
		p.deferJob(bg, log, j, until.Sub(now))
		return 0
	}
	if p.lim != nil {
		d := p.lim.TryAcquireSend(j.BotID, j.ChatID)
		if !d.Allowed {
			p.throttled.Add(1)
			p.deferJob(bg, log, j, d.RetryIn)
			if d.Denied.Kind == ratelimit.KindGlobal {
				return d.RetryIn
			}
			return 0
		}
	}

	p.busy.Add(1)
	_, err := p.sendOne(ctx, log, j, cfg)
	p.busy.Add(-1)
	_, now = p.config()

	if err == nil {
		p.breakers.record(j.BotID, now, cfg, false)
		p.sent.Add(1)
		p.ack(bg, log, j, queue.Delivered())
		return 0
	}

	de := transport.Classify(err)
	switch de.Kind {
	case transport.RateLimited:
		after := de.RetryAfter
		if after <= 0 {
			after = time.Second
		}
		log.Debug("platform rate limit", logx.Duration("retry_after", after))
		p.deferJob(bg, log, j, after)
	case transport.Permanent:
		if de.Blocked {
			p.blocked.Add(1)
			if p.onBlocked != nil {
				p.onBlocked(bg, j.BotID, j.ChatID)
			}
		}
		p.breakers.record(j.BotID, now, cfg, false)
		if p.ack(bg, log, j, queue.Permanent(err, de.Blocked)) {
			p.deadLetter(log, j, err)
		}
	default:
		if p.breakers.record(j.BotID, now, cfg, true) {
			log.Warn("bot circuit opened", logx.Err(err))
		}
		delay := backoffDelay(cfg, j.Attempts+1, de.RetryAfter, rng)
		if !p.ack(bg, log, j, queue.Retry(err, delay)) {
			return 0
		}
		if j.MaxAttempts > 0 && j.Attempts+1 >= j.MaxAttempts {
			p.deadLetter(log, j, err)
			return 0
		}
		p.retried.Add(1)
		log.Debug("send retry scheduled", logx.Int("attempt", j.Attempts+2), logx.Duration("delay", delay), logx.Err(err))
	}
	return 0
}

func (p *Pool) sendOne(ctx context.Context, log logx.Logger, j queue.Job, cfg Config) (rc transport.Receipt, err error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			log.Error("sender panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = transport.NewTransient(0, fmt.Errorf("sender panic: %v", r))
		}
	}()
	return p.sender.Send(sctx, j.BotID, j.ChatID, j.Payload)
}

// ack reports whether the outcome was recorded. A lost lease is expected
// after a slow send and only logged.
func (p *Pool) ack(ctx context.Context, log logx.Logger, j queue.Job, out queue.Outcome) bool {
	err := p.src.Ack(ctx, j.ID, j.Epoch, out)
	if err == nil {
		return true
	}
	if errors.Is(err, queue.ErrLeaseExpired) {
		p.staleAcks.Add(1)
		log.Debug("ack after lease expiry", logx.Err(err))
		return false
	}
	log.Warn("ack failed", logx.Err(err))
	return false
}

func (p *Pool) deferJob(ctx context.Context, log logx.Logger, j queue.Job, delay time.Duration) {
	if err := p.src.Defer(ctx, j.ID, j.Epoch, delay); err != nil {
		if errors.Is(err, queue.ErrLeaseExpired) {
			p.staleAcks.Add(1)
			return
		}
		log.Warn("defer failed", logx.Err(err))
		return
	}
	p.deferred.Add(1)
}

func (p *Pool) deadLetter(log logx.Logger, j queue.Job, err error) {
	p.deadLettered.Add(1)
	log.Warn("job dead-lettered", logx.Int("attempts", j.Attempts+1), logx.Err(err))
	p.events.Publish(eventbus.Event{Type: eventbus.JobDeadLettered, Data: eventbus.JobEvent{
		JobID:       j.ID,
		BotID:       j.BotID,
		ChatID:      j.ChatID,
		BroadcastID: j.BroadcastID,
		Error:       logx.Truncate(err.Error(), 256),
	}})
}

func (p *Pool) Snapshot() Stats {
	cfg, now := p.config()
	p.mu.RLock()
	workers := p.workers
	if p.sup == nil {
		workers = 0
	}
	p.mu.RUnlock()
	st := Stats{
		Workers:      workers,
		Busy:         int(p.busy.Load()),
		Sent:         p.sent.Load(),
		Retried:      p.retried.Load(),
		Deferred:     p.deferred.Load(),
		Throttled:    p.throttled.Load(),
		DeadLettered: p.deadLettered.Load(),
		Blocked:      p.blocked.Load(),
		StaleAcks:    p.staleAcks.Load(),
		Panics:       p.panics.Load(),
		Paused:       p.paused.Load(),
	}
	if cfg.CircuitTripAfter > 0 {
		st.CircuitsOpen = p.breakers.openCount(now)
	}
	return st
}
