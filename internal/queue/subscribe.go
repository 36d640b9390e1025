package queue

import "sync"

// Subscription is a non-dropping stream of completions. The queue never
// blocks on a slow subscriber: completions are buffered without bound and
// handed to C by a pump goroutine.
type Subscription struct {
	q   *Queue
	out chan Completion

	mu     sync.Mutex
	buf    []Completion
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a completion stream. Completions emitted before the
// call are not replayed.
func (q *Queue) Subscribe() *Subscription {
	s := &Subscription{
		q:      q,
		out:    make(chan Completion),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	q.subs = append(q.subs, s)
	q.mu.Unlock()
	go s.pump()
	return s
}

// C is closed after Close or when the queue closes.
func (s *Subscription) C() <-chan Completion { return s.out }

// Close detaches the subscription. Buffered completions are discarded.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.q.mu.Lock()
		for i, sub := range s.q.subs {
			if sub == s {
				s.q.subs = append(s.q.subs[:i], s.q.subs[i+1:]...)
				break
			}
		}
		s.q.mu.Unlock()
		close(s.done)
	})
}

// Backlog is the number of completions not yet received.
func (s *Subscription) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Subscription) push(c Completion) {
	s.mu.Lock()
	s.buf = append(s.buf, c)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.buf
		s.buf = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}
	}
}

func (q *Queue) completeLocked(r *record) {
	if len(q.subs) == 0 {
		return
	}
	c := Completion{
		JobID:       r.job.ID,
		BroadcastID: r.job.BroadcastID,
		BotID:       r.job.BotID,
		ChatID:      r.job.ChatID,
		State:       r.job.State,
		Attempts:    r.job.Attempts,
		Err:         r.job.LastError,
		Blocked:     r.job.Blocked,
	}
	for _, s := range q.subs {
		s.push(c)
	}
}
