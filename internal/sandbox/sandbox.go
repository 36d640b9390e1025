package sandbox

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type Config struct {
	Limits Limits
	// Grace is how long Execute waits past the timeout for an invoker that
	// ignores cancellation before abandoning it.
	Grace time.Duration
	// MaxConcurrent bounds invocations across all bots.
	MaxConcurrent int
	// MaxPerBot bounds invocations of a single bot.
	MaxPerBot int
	// SlotWait is how long a call may wait for a concurrency slot.
	SlotWait     time.Duration
	MaxCodeBytes int
}

const (
	DefaultMaxConcurrent = 64
	DefaultMaxPerBot     = 4
	DefaultMaxCodeBytes  = 64 << 10
)

func (c Config) withDefaults() Config {
	c.Limits = c.Limits.withDefaults()
	if c.Grace <= 0 {
		c.Grace = 500 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxPerBot <= 0 {
		c.MaxPerBot = DefaultMaxPerBot
	}
	if c.SlotWait <= 0 {
		c.SlotWait = c.Limits.Timeout
	}
	if c.MaxCodeBytes <= 0 {
		c.MaxCodeBytes = DefaultMaxCodeBytes
	}
	return c
}

type Stats struct {
	Executed         uint64
	Succeeded        uint64
	Timeouts         uint64
	ResourceExceeded uint64
	Faults           uint64
	Abandoned        uint64
	Running          int64
}

// Sandbox is the host-facing entry point. It owns concurrency caps and
// turns every failure mode of an invoker into a *Error.
type Sandbox struct {
	mu      sync.Mutex
	cfg     Config
	invoker HandlerInvoker
	log     logx.Logger

	global chan struct{}
	perBot slotStore

	executed  atomic.Uint64
	succeeded atomic.Uint64
	timeouts  atomic.Uint64
	resource  atomic.Uint64
	faults    atomic.Uint64
	abandoned atomic.Uint64
	running   atomic.Int64
}

func New(cfg Config, invoker HandlerInvoker, log logx.Logger) *Sandbox {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sandbox{
		cfg:     cfg,
		invoker: invoker,
		log:     log,
		global:  make(chan struct{}, cfg.MaxConcurrent),
	}
	s.perBot.limit = cfg.MaxPerBot
	return s
}

// Apply updates limits and timeouts. Concurrency caps are fixed at New.
func (s *Sandbox) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.MaxConcurrent = s.cfg.MaxConcurrent
	cfg.MaxPerBot = s.cfg.MaxPerBot
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Sandbox) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Execute runs code against upd for botID. It never panics and every
// error it returns is a *Error.
func (s *Sandbox) Execute(ctx context.Context, botID string, upd transport.Update, code string) (Response, error) {
	cfg := s.config()
	s.executed.Add(1)

	resp, err := s.execute(ctx, cfg, botID, upd, code)
	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			se = &Error{Kind: KindHandlerFault, Err: err}
		}
		if se.BotID == "" {
			se.BotID = botID
		}
		s.count(se.Kind)
		return Response{}, se
	}
	s.succeeded.Add(1)
	return resp, nil
}

func (s *Sandbox) execute(ctx context.Context, cfg Config, botID string, upd transport.Update, code string) (Response, error) {
	if strings.TrimSpace(code) == "" {
		return Response{}, newError(KindHandlerFault, "empty handler")
	}
	if len(code) > cfg.MaxCodeBytes {
		return Response{}, newError(KindResourceExceeded, "handler is %d bytes, limit %d", len(code), cfg.MaxCodeBytes)
	}

	release, err := s.acquire(ctx, cfg, botID)
	if err != nil {
		return Response{}, err
	}

	req := Request{Input: inputFrom(botID, upd), Code: code, Limits: cfg.Limits}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Limits.Timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	s.running.Add(1)
	// Slots belong to the invoker goroutine: an abandoned invocation keeps
	// holding them until it really returns.
	go func() {
		defer s.running.Add(-1)
		defer release()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("sandbox invoker panic", logx.BotID(botID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- result{err: newError(KindHandlerFault, "panic: %v", r)}
			}
		}()
		resp, err := s.invoker.Invoke(runCtx, req)
		done <- result{resp: resp, err: err}
	}()

	abandon := time.NewTimer(cfg.Limits.Timeout + cfg.Grace)
	defer abandon.Stop()
	select {
	case r := <-done:
		if r.err != nil && KindOf(r.err) == 0 && runCtx.Err() != nil {
			return Response{}, newError(KindTimeout, "%v", r.err)
		}
		return r.resp, r.err
	case <-abandon.C:
		s.abandoned.Add(1)
		s.log.Warn("sandbox invocation abandoned", logx.BotID(botID), logx.Duration("timeout", cfg.Limits.Timeout))
		return Response{}, newError(KindTimeout, "no result within %s", cfg.Limits.Timeout+cfg.Grace)
	}
}

func (s *Sandbox) acquire(ctx context.Context, cfg Config, botID string) (func(), error) {
	wait := time.NewTimer(cfg.SlotWait)
	defer wait.Stop()

	bot := s.perBot.get(botID)
	select {
	case bot <- struct{}{}:
	case <-wait.C:
		return nil, newError(KindResourceExceeded, "bot has %d handlers running", cfg.MaxPerBot)
	case <-ctx.Done():
		return nil, newError(KindTimeout, "waiting for bot slot: %v", ctx.Err())
	}
	select {
	case s.global <- struct{}{}:
	case <-wait.C:
		<-bot
		return nil, newError(KindResourceExceeded, "sandbox saturated (%d running)", cfg.MaxConcurrent)
	case <-ctx.Done():
		<-bot
		return nil, newError(KindTimeout, "waiting for sandbox slot: %v", ctx.Err())
	}
	return func() {
		<-s.global
		<-bot
	}, nil
}

func (s *Sandbox) count(k Kind) {
	switch k {
	case KindTimeout:
		s.timeouts.Add(1)
	case KindResourceExceeded:
		s.resource.Add(1)
	default:
		s.faults.Add(1)
	}
}

func (s *Sandbox) Snapshot() Stats {
	return Stats{
		Executed:         s.executed.Load(),
		Succeeded:        s.succeeded.Load(),
		Timeouts:         s.timeouts.Load(),
		ResourceExceeded: s.resource.Load(),
		Faults:           s.faults.Load(),
		Abandoned:        s.abandoned.Load(),
		Running:          s.running.Load(),
	}
}

func inputFrom(botID string, upd transport.Update) Input {
	in := Input{BotID: botID, ChatID: upd.ChatID}
	if m := upd.Message; m != nil {
		in.ChatID = m.ChatID
		in.MessageID = m.ID
		in.FromID = m.FromID
		in.Username = m.FromUsername
		in.FirstName = m.FromFirstName
		in.Text = m.Text
		if trigger, args, ok := ParseCommand(m.Text); ok {
			in.Command = trigger
			in.Args = args
		}
	}
	return in
}

// slotStore hands out one counting semaphore per bot.
type slotStore struct {
	mu    sync.Mutex
	limit int
	slots map[string]chan struct{}
}

func (s *slotStore) get(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		s.slots = make(map[string]chan struct{})
	}
	ch := s.slots[key]
	if ch == nil {
		ch = make(chan struct{}, s.limit)
		s.slots[key] = ch
	}
	return ch
}

// Forget drops the slot for a bot that was stopped or deleted.
func (s *Sandbox) Forget(botID string) {
	s.perBot.mu.Lock()
	if ch, ok := s.perBot.slots[botID]; ok && len(ch) == 0 {
		delete(s.perBot.slots, botID)
	}
	s.perBot.mu.Unlock()
}
