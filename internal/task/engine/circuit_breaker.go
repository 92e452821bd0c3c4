package engine

import (
	"sort"
	"sync"
	"time"
)

// circuitState counts consecutive failures for one task name. Once fails
// reaches the trip threshold the circuit opens for a cooldown that doubles
// with every further failure.
type circuitState struct {
	fails     int
	openUntil time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func (c *circuitStore) isOpen(name string, now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.m[name]
	if st == nil || !now.Before(st.openUntil) {
		return time.Time{}, false
	}
	return st.openUntil, true
}

func (c *circuitStore) record(name string, cfg Config, now time.Time, err error) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.m, name)
		return
	}
	if c.m == nil {
		c.m = make(map[string]*circuitState)
	}
	st := c.m[name]
	if st == nil {
		st = &circuitState{}
		c.m[name] = st
	}
	st.fails++
	if st.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := cfg.CircuitTripFailures; i < st.fails && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (c *circuitStore) open(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, st := range c.m {
		if now.Before(st.openUntil) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
