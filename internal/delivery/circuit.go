package delivery

import (
	"sync"
	"time"
)

// circuitState counts consecutive transient failures of one bot.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func newCircuits() *circuits { return &circuits{m: make(map[string]*circuitState)} }

// expireLocked forgets a failure streak that went quiet.
func (c *circuits) expireLocked(st *circuitState, now time.Time, cfg Config) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
	}
}

// open reports whether botID's circuit is open and until when.
func (c *circuits) open(botID string, now time.Time, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripAfter < 0 {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.m[botID]
	if st == nil {
		return false, time.Time{}
	}
	c.expireLocked(st, now, cfg)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record notes a send result; failed means a transient failure. It reports
// whether this failure tripped the circuit.
func (c *circuits) record(botID string, now time.Time, cfg Config, failed bool) bool {
	if cfg.CircuitTripAfter < 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.m[botID]
	if !failed {
		if st != nil {
			delete(c.m, botID)
		}
		return false
	}
	if st == nil {
		st = &circuitState{}
		c.m[botID] = st
	}
	c.expireLocked(st, now, cfg)
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripAfter {
		return false
	}
	d := cfg.CircuitOpenFor
	for i := 0; i < st.fails-cfg.CircuitTripAfter; i++ {
		d *= 2
		if d >= cfg.CircuitMaxOpen {
			break
		}
	}
	if d > cfg.CircuitMaxOpen {
		d = cfg.CircuitMaxOpen
	}
	st.openUntil = now.Add(d)
	return true
}

func (c *circuits) openCount(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.m {
		if now.Before(st.openUntil) {
			n++
		}
	}
	return n
}
