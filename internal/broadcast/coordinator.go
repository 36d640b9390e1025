package broadcast

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
	"botfleet/pkg/tgui"
)

type Options struct {
	Store  Store
	Events eventbus.Bus
	// Owner resolves the chat that receives the end-of-broadcast summary.
	Owner func(botID string) (chatID int64, ok bool)
	Log   logx.Logger
}

type Coordinator struct {
	mu     sync.Mutex
	cfg    Config
	q      Queue
	src    SubscriberSource
	store  Store
	events eventbus.Bus
	owner  func(string) (int64, bool)
	log    logx.Logger
	now    func() time.Time

	items map[string]*Broadcast
	sub   *queue.Subscription
	wg    sync.WaitGroup
}

// New subscribes to q immediately so no completion is missed between
// construction and Run.
func New(cfg Config, q Queue, src SubscriberSource, opts Options) *Coordinator {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	events := opts.Events
	if events == nil {
		events = eventbus.Nop()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		q:      q,
		src:    src,
		store:  opts.Store,
		events: events,
		owner:  opts.Owner,
		log:    log,
		now:    time.Now,
		items:  make(map[string]*Broadcast),
		sub:    q.Subscribe(),
	}
}

// SetClock replaces the time source. Call before use.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Coordinator) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Run follows queue completions until ctx ends or the queue closes.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case comp, ok := <-c.sub.C():
			if !ok {
				return nil
			}
			c.observe(ctx, comp)
		}
	}
}

// Close detaches from the queue and waits for background expansions.
func (c *Coordinator) Close() {
	c.sub.Close()
	c.wg.Wait()
}

func (c *Coordinator) observe(ctx context.Context, comp queue.Completion) {
	if comp.BroadcastID == "" {
		return
	}
	c.mu.Lock()
	b := c.items[comp.BroadcastID]
	if b == nil || b.State.Final() {
		c.mu.Unlock()
		return
	}
	done := c.settleLocked(b)
	snap := *b
	c.mu.Unlock()
	if done {
		c.finish(ctx, snap)
	}
}

// StartBroadcast expands payload to every subscriber of botID. The id is
// returned even when expansion fails, so the caller can inspect the Failed
// record. If ctx ends first the error wraps ctx's cause and the broadcast
// stays Expanding until Resume.
func (c *Coordinator) StartBroadcast(ctx context.Context, botID string, p transport.Payload) (string, error) {
	if strings.TrimSpace(botID) == "" {
		return "", fmt.Errorf("broadcast: missing bot id")
	}
	if p.ParseMode == "" {
		p.ParseMode = transport.ParseModeHTML
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	c.mu.Lock()
	for _, b := range c.items {
		if b.BotID == botID && !b.State.Final() {
			c.mu.Unlock()
			return "", ErrBroadcastActive
		}
	}
	now := c.now()
	b := &Broadcast{
		ID:        uuid.NewString(),
		BotID:     botID,
		Payload:   p,
		State:     StateExpanding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.items[b.ID] = b
	snap := *b
	c.mu.Unlock()

	c.save(ctx, snap)
	c.publish(eventbus.BroadcastStarted, snap)
	c.log.Info("broadcast started", logx.BroadcastID(snap.ID), logx.BotID(botID))

	return snap.ID, c.expand(ctx, snap.ID)
}

func (c *Coordinator) expand(ctx context.Context, id string) error {
	c.mu.Lock()
	b := c.items[id]
	if b == nil {
		c.mu.Unlock()
		return ErrNotFound
	}
	botID, payload := b.BotID, b.Payload
	cfg := c.cfg
	c.mu.Unlock()

	chunk := make([]queue.NewJob, 0, cfg.ExpandChunk)
	enqueued := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		_, n, err := c.q.EnqueueMany(ctx, chunk)
		chunk = chunk[:0]
		enqueued += n
		return err
	}

	var failure error
	for s, err := range c.src.Subscribers(ctx, botID) {
		if err != nil {
			failure = err
			break
		}
		if s.ChatID == 0 {
			continue
		}
		chunk = append(chunk, queue.NewJob{
			BotID:          botID,
			ChatID:         s.ChatID,
			BroadcastID:    id,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("bc:%s:%d", id, s.ChatID),
			MaxAttempts:    cfg.MaxAttempts,
		})
		if len(chunk) < cfg.ExpandChunk {
			continue
		}
		if c.cancelRequested(id) {
			break
		}
		if err := flush(); err != nil {
			failure = err
			break
		}
	}
	if failure == nil && !c.cancelRequested(id) {
		failure = flush()
	}
	if failure != nil && ctx.Err() != nil {
		// Stopped, not failed: the record stays Expanding with its jobs
		// Pending and Resume re-expands it on the next start.
		c.log.Info("broadcast expansion interrupted",
			logx.BroadcastID(id),
			logx.Int("enqueued", enqueued),
			logx.Err(failure),
		)
		return fmt.Errorf("broadcast %s: expansion interrupted: %w", id, context.Cause(ctx))
	}
	if failure != nil {
		return c.failExpansion(ctx, id, enqueued, failure)
	}

	// The source is exhausted and every chunk is queued, so the broadcast
	// is expanded even if ctx ended meanwhile.
	ctx = context.WithoutCancel(ctx)
	if c.cancelRequested(id) {
		// Jobs enqueued while CancelBroadcast ran are skipped here.
		if _, err := c.q.Cancel(ctx, id); err != nil {
			c.log.Warn("broadcast cancel after expansion failed", logx.BroadcastID(id), logx.Err(err))
		}
	}

	c.mu.Lock()
	b = c.items[id]
	if b == nil || b.State != StateExpanding {
		c.mu.Unlock()
		return nil
	}
	b.State = StateInProgress
	done := c.settleLocked(b)
	snap := *b
	c.mu.Unlock()

	c.log.Info("broadcast expanded",
		logx.BroadcastID(id),
		logx.Int("recipients", snap.Total),
		logx.Int("enqueued", enqueued),
	)
	c.save(ctx, snap)
	if done {
		c.finish(ctx, snap)
	}
	return nil
}

func (c *Coordinator) failExpansion(ctx context.Context, id string, enqueued int, cause error) error {
	bg := context.WithoutCancel(ctx)
	if _, err := c.q.Cancel(bg, id); err != nil {
		c.log.Warn("broadcast cancel after failed expansion", logx.BroadcastID(id), logx.Err(err))
	}
	c.mu.Lock()
	b := c.items[id]
	if b == nil {
		c.mu.Unlock()
		return &ExpansionError{BroadcastID: id, Enqueued: enqueued, Err: cause}
	}
	applyCounts(b, c.q.Counts(id))
	now := c.now()
	b.State = StateFailed
	b.Error = logx.Truncate(cause.Error(), 512)
	b.UpdatedAt = now
	b.FinishedAt = now
	snap := *b
	c.mu.Unlock()

	c.log.Warn("broadcast expansion failed",
		logx.BroadcastID(id),
		logx.BotID(snap.BotID),
		logx.Int("enqueued", enqueued),
		logx.Err(cause),
	)
	c.finish(bg, snap)
	return &ExpansionError{BroadcastID: id, Enqueued: enqueued, Err: cause}
}

func (c *Coordinator) cancelRequested(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.items[id]
	return b != nil && b.CancelRequested
}

func applyCounts(b *Broadcast, qc queue.Counts) {
	b.Total = qc.Total
	b.Delivered = qc.Delivered
	b.Failed = qc.DeadLettered
	b.Blocked = qc.Blocked
	b.Skipped = qc.Skipped
}

// settleLocked refreshes counters of an in-progress broadcast and moves it
// to a final state once nothing is open. It reports whether that happened.
func (c *Coordinator) settleLocked(b *Broadcast) bool {
	qc := c.q.Counts(b.ID)
	applyCounts(b, qc)
	now := c.now()
	b.UpdatedAt = now
	if b.State != StateInProgress || qc.Open() > 0 {
		return false
	}
	switch {
	case b.CancelRequested:
		b.State = StateCancelled
	case b.Failed == 0:
		b.State = StateCompleted
	default:
		b.State = StatePartiallyFailed
	}
	b.FinishedAt = now
	return true
}

func (c *Coordinator) finish(ctx context.Context, b Broadcast) {
	c.save(ctx, b)
	c.publish(eventbus.BroadcastFinished, b)
	c.log.Info("broadcast finished",
		logx.BroadcastID(b.ID),
		logx.BotID(b.BotID),
		logx.String("state", string(b.State)),
		logx.Int("total", b.Total),
		logx.Int("delivered", b.Delivered),
		logx.Int("failed", b.Failed),
		logx.Int("blocked", b.Blocked),
		logx.Int("skipped", b.Skipped),
	)
	c.notifyOwner(ctx, b)
}

func (c *Coordinator) notifyOwner(ctx context.Context, b Broadcast) {
	if !c.config().NotifyOwner || c.owner == nil {
		return
	}
	chatID, ok := c.owner(b.BotID)
	if !ok || chatID == 0 {
		return
	}
	_, _, err := c.q.Enqueue(ctx, queue.NewJob{
		BotID:          b.BotID,
		ChatID:         chatID,
		Payload:        summaryPayload(b),
		IdempotencyKey: "bc-summary:" + b.ID,
	})
	if err != nil {
		c.log.Warn("broadcast summary not queued", logx.BroadcastID(b.ID), logx.Err(err))
	}
}

func summaryPayload(b Broadcast) transport.Payload {
	title := map[State]string{
		StateCompleted:       "✅ Broadcast completed",
		StatePartiallyFailed: "⚠️ Broadcast partially failed",
		StateFailed:          "❌ Broadcast failed",
		StateCancelled:       "🛑 Broadcast cancelled",
	}[b.State]
	lines := []tgui.H{
		tgui.B(title),
		tgui.Esc(fmt.Sprintf("Recipients: %d", b.Total)),
		tgui.Esc(fmt.Sprintf("Delivered: %d", b.Delivered)),
		tgui.Esc(fmt.Sprintf("Failed: %d (blocked: %d)", b.Failed, b.Blocked)),
	}
	if b.Skipped > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("Skipped: %d", b.Skipped)))
	}
	if b.Error != "" {
		lines = append(lines, tgui.PreClip(b.Error, 300))
	}
	return transport.Payload{Text: tgui.JoinH("\n", lines...).String(), ParseMode: transport.ParseModeHTML}
}

// GetStatus returns an advisory snapshot with live counters.
func (c *Coordinator) GetStatus(id string) (Broadcast, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.items[id]
	if b == nil {
		return Broadcast{}, false
	}
	snap := *b
	if !snap.State.Final() {
		applyCounts(&snap, c.q.Counts(id))
	}
	return snap, true
}

// List returns broadcasts newest first; an empty botID lists all bots.
func (c *Coordinator) List(botID string) []Broadcast {
	c.mu.Lock()
	out := make([]Broadcast, 0, len(c.items))
	for _, b := range c.items {
		if botID == "" || b.BotID == botID {
			out = append(out, *b)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CancelBroadcast skips every recipient not yet handed to a worker.
func (c *Coordinator) CancelBroadcast(ctx context.Context, id string) (int, error) {
	c.mu.Lock()
	b := c.items[id]
	if b == nil {
		c.mu.Unlock()
		return 0, ErrNotFound
	}
	if b.State.Final() {
		c.mu.Unlock()
		return 0, ErrFinished
	}
	b.CancelRequested = true
	b.UpdatedAt = c.now()
	c.mu.Unlock()

	n, err := c.q.Cancel(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("broadcast: cancel jobs: %w", err)
	}

	c.mu.Lock()
	done := !b.State.Final() && c.settleLocked(b)
	snap := *b
	c.mu.Unlock()

	c.log.Info("broadcast cancelled", logx.BroadcastID(id), logx.Int("skipped", n))
	c.save(ctx, snap)
	if done {
		c.finish(ctx, snap)
	}
	return n, nil
}

// Resume reloads persisted broadcasts after a restart. Counters come from
// the retained jobs; broadcasts left Expanding are expanded again in the
// background, which idempotency keys make safe.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	bs, err := c.store.LoadBroadcasts(ctx)
	if err != nil {
		return 0, fmt.Errorf("broadcast: load: %w", err)
	}

	var expand []string
	var finished []Broadcast
	c.mu.Lock()
	for i := range bs {
		if _, ok := c.items[bs[i].ID]; ok {
			continue
		}
		b := bs[i]
		c.items[b.ID] = &b
		switch b.State {
		case StateExpanding:
			expand = append(expand, b.ID)
		case StateInProgress:
			if c.settleLocked(&b) {
				finished = append(finished, b)
			}
		}
	}
	c.mu.Unlock()

	for _, b := range finished {
		c.finish(ctx, b)
	}
	for _, id := range expand {
		c.wg.Add(1)
		go func(id string) {
			defer c.wg.Done()
			if err := c.expand(ctx, id); err != nil {
				c.log.Warn("broadcast re-expansion failed", logx.BroadcastID(id), logx.Err(err))
			}
		}(id)
	}
	if len(bs) > 0 {
		c.log.Info("broadcasts resumed", logx.Int("loaded", len(bs)), logx.Int("expanding", len(expand)), logx.Int("finalized", len(finished)))
	}
	return len(bs), nil
}

// Wait blocks until background expansions started by Resume return.
func (c *Coordinator) Wait() { c.wg.Wait() }

// PruneStatus forgets final broadcasts older than the status TTL and keeps
// at most StatusMax records.
func (c *Coordinator) PruneStatus(ctx context.Context, now time.Time) int {
	c.mu.Lock()
	cfg := c.cfg
	var drop []string
	var finals []*Broadcast
	for id, b := range c.items {
		if !b.State.Final() {
			continue
		}
		if now.Sub(b.FinishedAt) > cfg.StatusTTL {
			drop = append(drop, id)
			delete(c.items, id)
			continue
		}
		finals = append(finals, b)
	}
	if over := len(c.items) - cfg.StatusMax; over > 0 {
		sort.Slice(finals, func(i, j int) bool { return finals[i].FinishedAt.Before(finals[j].FinishedAt) })
		for i := 0; i < over && i < len(finals); i++ {
			drop = append(drop, finals[i].ID)
			delete(c.items, finals[i].ID)
		}
	}
	c.mu.Unlock()

	if len(drop) > 0 && c.store != nil {
		if err := c.store.DeleteBroadcasts(ctx, drop); err != nil {
			c.log.Warn("broadcast prune persist failed", logx.Err(err), logx.Int("broadcasts", len(drop)))
		}
	}
	return len(drop)
}

func (c *Coordinator) save(ctx context.Context, b Broadcast) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveBroadcast(context.WithoutCancel(ctx), b); err != nil {
		c.log.Warn("broadcast persist failed", logx.BroadcastID(b.ID), logx.Err(err))
	}
}

func (c *Coordinator) publish(typ string, b Broadcast) {
	c.events.Publish(eventbus.Event{Type: typ, Data: eventbus.BroadcastEvent{
		BroadcastID: b.ID,
		BotID:       b.BotID,
		State:       string(b.State),
		Total:       b.Total,
		Delivered:   b.Delivered,
		Failed:      b.Failed,
		Blocked:     b.Blocked,
		Skipped:     b.Skipped,
	}})
}
