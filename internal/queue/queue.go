package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "botfleet/pkg/logx"
)

const maxLastError = 512

type record struct {
	job  Job
	lane *lane
}

type Queue struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	store  Store
	now    func() time.Time
	closed bool

	jobs        map[string]*record
	byKey       map[string]string
	byBroadcast map[string][]string
	inflight    map[string]*record
	lanes       map[laneKey]*lane
	ready       ring
	delay       delayHeap
	states      [len(stateNames)]int
	perBcast    map[string]*Counts
	nextSeq     uint64

	// changed is closed and replaced whenever work may have become available.
	changed chan struct{}
	subs    []*Subscription

	enqueued, duplicates, leased, retried, deferred uint64
	leaseExpired, staleAcks, storeErrors           uint64
}

// New creates a queue. store may be nil for a purely in-memory queue.
func New(cfg Config, store Store, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:         cfg.withDefaults(),
		log:         log,
		store:       store,
		now:         time.Now,
		jobs:        make(map[string]*record),
		byKey:       make(map[string]string),
		byBroadcast: make(map[string][]string),
		perBcast:    make(map[string]*Counts),
		inflight:    make(map[string]*record),
		lanes:       make(map[laneKey]*lane),
		changed:     make(chan struct{}),
	}
}

// SetClock replaces the time source. Call before use.
func (q *Queue) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Apply updates lease and retry settings for subsequent transitions.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) Enqueue(ctx context.Context, nj NewJob) (string, bool, error) {
	ids, created, err := q.EnqueueMany(ctx, []NewJob{nj})
	if err != nil {
		return "", false, err
	}
	return ids[0], created == 1, nil
}

// EnqueueMany adds jobs atomically. ids[i] is the id for jobs[i]; jobs whose
// idempotency key is already known resolve to the existing id and are not
// counted in created.
func (q *Queue) EnqueueMany(ctx context.Context, jobs []NewJob) (ids []string, created int, err error) {
	for i := range jobs {
		if err := validate(jobs[i]); err != nil {
			return nil, 0, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, ErrClosed
	}

	now := q.now()
	ids = make([]string, len(jobs))
	fresh := make([]*record, 0, len(jobs))
	open := q.states[StatePending] + q.states[StateInFlight]
	for i, nj := range jobs {
		if nj.IdempotencyKey != "" {
			if id, ok := q.byKey[nj.IdempotencyKey]; ok {
				ids[i] = id
				q.duplicates++
				continue
			}
		}
		if q.cfg.MaxOpen > 0 && open+len(fresh) >= q.cfg.MaxOpen {
			q.discardLocked(fresh)
			return nil, 0, ErrQueueFull
		}
		maxAttempts := nj.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.cfg.MaxAttempts
		}
		q.nextSeq++
		r := &record{job: Job{
			ID:             uuid.NewString(),
			Seq:            q.nextSeq,
			BotID:          nj.BotID,
			ChatID:         nj.ChatID,
			BroadcastID:    nj.BroadcastID,
			Payload:        nj.Payload,
			IdempotencyKey: nj.IdempotencyKey,
			MaxAttempts:    maxAttempts,
			State:          StatePending,
			NotBefore:      nj.NotBefore,
			CreatedAt:      now,
			UpdatedAt:      now,
		}}
		q.indexLocked(r)
		fresh = append(fresh, r)
		ids[i] = r.job.ID
	}

	if len(fresh) > 0 && q.store != nil {
		if err := q.store.InsertJobs(ctx, snapshots(fresh)); err != nil {
			q.discardLocked(fresh)
			return nil, 0, fmt.Errorf("queue: persist %d jobs: %w", len(fresh), err)
		}
	}
	for _, r := range fresh {
		q.states[StatePending]++
		q.tallyLocked(r, 1)
		q.attachLocked(r, now)
	}
	q.enqueued += uint64(len(fresh))
	if len(fresh) > 0 {
		q.notifyLocked()
	}
	return ids, len(fresh), nil
}

func validate(nj NewJob) error {
	switch {
	case strings.TrimSpace(nj.BotID) == "":
		return fmt.Errorf("%w: missing bot id", ErrInvalidJob)
	case nj.ChatID == 0:
		return fmt.Errorf("%w: missing chat id", ErrInvalidJob)
	}
	if err := nj.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

func (q *Queue) indexLocked(r *record) {
	q.jobs[r.job.ID] = r
	if r.job.IdempotencyKey != "" {
		q.byKey[r.job.IdempotencyKey] = r.job.ID
	}
	if r.job.BroadcastID != "" {
		q.byBroadcast[r.job.BroadcastID] = append(q.byBroadcast[r.job.BroadcastID], r.job.ID)
	}
}

// discardLocked undoes indexLocked for records that never became visible.
func (q *Queue) discardLocked(rs []*record) {
	if len(rs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		drop[r.job.ID] = struct{}{}
		delete(q.jobs, r.job.ID)
		if r.job.IdempotencyKey != "" {
			delete(q.byKey, r.job.IdempotencyKey)
		}
	}
	for _, r := range rs {
		if r.job.BroadcastID != "" {
			q.byBroadcast[r.job.BroadcastID] = filterIDs(q.byBroadcast[r.job.BroadcastID], drop)
		}
	}
}

func filterIDs(ids []string, drop map[string]struct{}) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (q *Queue) attachLocked(r *record, now time.Time) {
	key := laneKey{bot: r.job.BotID, chat: r.job.ChatID}
	l := q.lanes[key]
	if l == nil {
		l = &lane{key: key}
		q.lanes[key] = l
	}
	r.lane = l
	wasEmpty := l.empty()
	l.pushBack(r)
	if wasEmpty {
		q.scheduleLocked(l, now)
	}
}

// scheduleLocked re-files an idle lane after its head changed.
func (q *Queue) scheduleLocked(l *lane, now time.Time) {
	l.gen++
	if l.inflight != nil {
		return
	}
	if len(l.pending) == 0 {
		delete(q.lanes, l.key)
		return
	}
	ref := laneRef{lane: l, gen: l.gen}
	if at := l.pending[0].job.NotBefore; at.After(now) {
		q.delay.add(delayed{at: at, laneRef: ref})
		return
	}
	q.ready.push(ref)
}

func (q *Queue) promoteLocked(now time.Time) {
	for {
		d, ok := q.delay.peek()
		if !ok || d.at.After(now) {
			return
		}
		q.delay.popMin()
		if d.valid() {
			q.ready.push(d.laneRef)
		}
	}
}

func (q *Queue) takeLocked(workerID string, now time.Time) (Job, bool) {
	q.promoteLocked(now)
	for {
		ref, ok := q.ready.pop()
		if !ok {
			return Job{}, false
		}
		l := ref.lane
		if !ref.valid() || l.inflight != nil || len(l.pending) == 0 {
			continue
		}
		r := l.popFront()
		l.inflight = r
		l.gen++
		q.setStateLocked(r, StateInFlight)
		r.job.LeaseOwner = workerID
		r.job.LeaseDeadline = now.Add(q.cfg.LeaseTimeout)
		r.job.Epoch++
		r.job.UpdatedAt = now
		q.inflight[r.job.ID] = r
		q.leased++
		q.persistLocked(context.Background(), r)
		return r.job, true
	}
}

// TryDequeue leases the next eligible job without waiting.
func (q *Queue) TryDequeue(workerID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, false
	}
	now := q.now()
	q.reapLocked(now)
	return q.takeLocked(workerID, now)
}

// Dequeue leases the next eligible job, waiting up to Config.DequeueWait.
// ok is false when the wait elapsed with nothing to hand out.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (job Job, ok bool, err error) {
	q.mu.Lock()
	deadline := time.Now().Add(q.cfg.DequeueWait)
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, false, ErrClosed
		}
		now := q.now()
		q.reapLocked(now)
		if j, ok := q.takeLocked(workerID, now); ok {
			q.mu.Unlock()
			return j, true, nil
		}
		wait := time.Until(deadline)
		if d, ok := q.delay.peek(); ok {
			if w := d.at.Sub(now); w < wait {
				wait = w
			}
		}
		ch := q.changed
		q.mu.Unlock()

		if time.Until(deadline) <= 0 {
			return Job{}, false, nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, false, ctx.Err()
		case <-ch:
		case <-t.C:
		}
		t.Stop()
	}
}

func (q *Queue) leasedLocked(jobID string, epoch uint64) (*record, error) {
	r := q.jobs[jobID]
	if r == nil {
		return nil, &QueueError{Kind: NotFound, JobID: jobID}
	}
	if r.job.State != StateInFlight || r.job.Epoch != epoch {
		q.staleAcks++
		return nil, &QueueError{Kind: LeaseExpired, JobID: jobID}
	}
	return r, nil
}

func (q *Queue) releaseLocked(r *record, now time.Time) {
	delete(q.inflight, r.job.ID)
	r.lane.inflight = nil
	r.job.LeaseOwner = ""
	r.job.LeaseDeadline = time.Time{}
	r.job.UpdatedAt = now
}

// Ack records the outcome of a leased job. A lease that expired or was
// superseded yields ErrLeaseExpired and changes nothing.
func (q *Queue) Ack(ctx context.Context, jobID string, epoch uint64, out Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.leasedLocked(jobID, epoch)
	if err != nil {
		return err
	}
	now := q.now()
	q.releaseLocked(r, now)
	r.job.Attempts++
	if out.Err != nil {
		r.job.LastError = logx.Truncate(out.Err.Error(), maxLastError)
	}

	switch out.Kind {
	case OutcomeDelivered:
		r.job.LastError = ""
		q.setStateLocked(r, StateDelivered)
	case OutcomeRetry:
		if r.job.Attempts >= r.job.MaxAttempts {
			q.setStateLocked(r, StateDeadLettered)
			break
		}
		q.setStateLocked(r, StatePending)
		r.job.NotBefore = now.Add(out.Delay)
		r.lane.pushFront(r)
		q.retried++
	default:
		r.job.Blocked = out.Blocked
		q.setStateLocked(r, StateDeadLettered)
	}

	q.scheduleLocked(r.lane, now)
	q.persistLocked(ctx, r)
	if r.job.State.Terminal() {
		q.completeLocked(r)
	}
	q.notifyLocked()
	return nil
}

// Defer returns a leased job to the head of its lane without charging an
// attempt. It is used for local throttling and platform rate limits.
func (q *Queue) Defer(ctx context.Context, jobID string, epoch uint64, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.leasedLocked(jobID, epoch)
	if err != nil {
		return err
	}
	now := q.now()
	q.releaseLocked(r, now)
	q.setStateLocked(r, StatePending)
	if delay < 0 {
		delay = 0
	}
	r.job.NotBefore = now.Add(delay)
	r.lane.pushFront(r)
	q.deferred++
	q.scheduleLocked(r.lane, now)
	q.persistLocked(ctx, r)
	q.notifyLocked()
	return nil
}

// Cancel marks every Pending job of a broadcast Skipped. In-flight jobs are
// left to finish.
func (q *Queue) Cancel(ctx context.Context, broadcastID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	now := q.now()
	var skipped []*record
	touched := make(map[*lane]struct{})
	for _, id := range q.byBroadcast[broadcastID] {
		r := q.jobs[id]
		if r == nil || r.job.State != StatePending {
			continue
		}
		r.lane.remove(r)
		touched[r.lane] = struct{}{}
		q.setStateLocked(r, StateSkipped)
		r.job.UpdatedAt = now
		skipped = append(skipped, r)
	}
	for l := range touched {
		q.scheduleLocked(l, now)
	}
	q.persistLocked(ctx, skipped...)
	for _, r := range skipped {
		q.completeLocked(r)
	}
	return len(skipped), nil
}

// ReapExpired returns InFlight jobs whose lease ran out to the head of their
// lane. Attempts are not charged.
func (q *Queue) ReapExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.reapLocked(now)
	if n > 0 {
		q.notifyLocked()
	}
	return n
}

func (q *Queue) reapLocked(now time.Time) int {
	var expired []*record
	for _, r := range q.inflight {
		if now.Before(r.job.LeaseDeadline) {
			continue
		}
		expired = append(expired, r)
	}
	for _, r := range expired {
		q.log.Debug("queue lease expired",
			logx.JobID(r.job.ID),
			logx.String("owner", r.job.LeaseOwner),
			logx.ChatID(r.job.ChatID),
		)
		q.releaseLocked(r, now)
		q.setStateLocked(r, StatePending)
		r.lane.pushFront(r)
		q.scheduleLocked(r.lane, now)
	}
	q.leaseExpired += uint64(len(expired))
	q.persistLocked(context.Background(), expired...)
	return len(expired)
}

// Restore loads persisted jobs into an empty queue. Jobs that were InFlight
// when the process stopped come back Pending.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	jobs, err := q.store.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: load jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) > 0 {
		return 0, fmt.Errorf("queue: restore into non-empty queue")
	}
	now := q.now()
	var reset []*record
	open := 0
	for _, j := range jobs {
		if _, dup := q.jobs[j.ID]; dup || j.ID == "" {
			continue
		}
		r := &record{job: j}
		if r.job.State == StateInFlight {
			r.job.State = StatePending
			r.job.LeaseOwner = ""
			r.job.LeaseDeadline = time.Time{}
			r.job.UpdatedAt = now
			reset = append(reset, r)
		}
		if r.job.Seq > q.nextSeq {
			q.nextSeq = r.job.Seq
		}
		q.indexLocked(r)
		q.states[r.job.State]++
		q.tallyLocked(r, 1)
		if !r.job.State.Terminal() {
			q.attachLocked(r, now)
			open++
		}
	}
	q.persistLocked(ctx, reset...)
	q.notifyLocked()
	return open, nil
}

// Prune drops terminal jobs last updated before cutoff, together with their
// idempotency keys.
func (q *Queue) Prune(ctx context.Context, before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	drop := make(map[string]struct{})
	broadcasts := make(map[string]struct{})
	for id, r := range q.jobs {
		if !r.job.State.Terminal() || !r.job.UpdatedAt.Before(before) {
			continue
		}
		ids = append(ids, id)
		drop[id] = struct{}{}
		delete(q.jobs, id)
		q.states[r.job.State]--
		q.tallyLocked(r, -1)
		if r.job.IdempotencyKey != "" && q.byKey[r.job.IdempotencyKey] == id {
			delete(q.byKey, r.job.IdempotencyKey)
		}
		if r.job.BroadcastID != "" {
			broadcasts[r.job.BroadcastID] = struct{}{}
		}
	}
	for b := range broadcasts {
		left := filterIDs(q.byBroadcast[b], drop)
		if len(left) == 0 {
			delete(q.byBroadcast, b)
		} else {
			q.byBroadcast[b] = left
		}
	}
	if len(ids) > 0 && q.store != nil {
		if err := q.store.DeleteJobs(ctx, ids); err != nil {
			q.storeErrors++
			q.log.Warn("queue prune persist failed", logx.Err(err), logx.Int("jobs", len(ids)))
		}
	}
	return len(ids)
}

func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.jobs[id]
	if r == nil {
		return Job{}, false
	}
	return r.job, true
}

// Counts tallies the retained jobs of a broadcast.
func (q *Queue) Counts(broadcastID string) Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c := q.perBcast[broadcastID]; c != nil {
		return *c
	}
	return Counts{}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:      q.states[StatePending],
		InFlight:     q.states[StateInFlight],
		Delivered:    q.states[StateDelivered],
		DeadLettered: q.states[StateDeadLettered],
		Skipped:      q.states[StateSkipped],
		Lanes:        len(q.lanes),
		Enqueued:     q.enqueued,
		Duplicates:   q.duplicates,
		Leased:       q.leased,
		Retried:      q.retried,
		Deferred:     q.deferred,
		LeaseExpired: q.leaseExpired,
		StaleAcks:    q.staleAcks,
		StoreErrors:  q.storeErrors,
	}
}

// Close wakes blocked Dequeue calls with ErrClosed and ends subscriptions.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.subs = nil
	q.notifyLocked()
	q.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (q *Queue) setStateLocked(r *record, s State) {
	q.states[r.job.State]--
	q.tallyLocked(r, -1)
	r.job.State = s
	q.states[s]++
	q.tallyLocked(r, 1)
}

// tallyLocked adds (delta=1) or removes (delta=-1) r from its broadcast's
// counts.
func (q *Queue) tallyLocked(r *record, delta int) {
	id := r.job.BroadcastID
	if id == "" {
		return
	}
	c := q.perBcast[id]
	if c == nil {
		c = &Counts{}
		q.perBcast[id] = c
	}
	switch r.job.State {
	case StatePending:
		c.Pending += delta
	case StateInFlight:
		c.InFlight += delta
	case StateDelivered:
		c.Delivered += delta
	case StateDeadLettered:
		c.DeadLettered += delta
		if r.job.Blocked {
			c.Blocked += delta
		}
	case StateSkipped:
		c.Skipped += delta
	}
	c.Total += delta
	if c.Total == 0 {
		delete(q.perBcast, id)
	}
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) persistLocked(ctx context.Context, rs ...*record) {
	if q.store == nil || len(rs) == 0 {
		return
	}
	if err := q.store.UpdateJobs(ctx, snapshots(rs)); err != nil {
		q.storeErrors++
		q.log.Warn("queue persist failed", logx.Err(err), logx.Int("jobs", len(rs)))
	}
}

func snapshots(rs []*record) []Job {
	out := make([]Job, len(rs))
	for i, r := range rs {
		out[i] = r.job
	}
	return out
}
