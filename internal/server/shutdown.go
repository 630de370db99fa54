package server

import (
	"sort"
	"sync"
	"time"
)

// coordinator tracks live sessions and runs the two-phase shutdown: closing
// the shutdown channel tells every session to say goodbye and drain, and
// the idle channel closes once the last session has checked out.
type coordinator struct {
	// shutdown is closed exactly once to begin the drain.
	shutdown chan struct{}
	// idle is closed once draining is on and no sessions remain.
	idle chan struct{}

	once sync.Once

	mu       sync.Mutex
	sessions map[*session]struct{}
	draining bool
}

func newCoordinator() *coordinator {
	return &coordinator{
		shutdown: make(chan struct{}),
		idle:     make(chan struct{}),
		sessions: make(map[*session]struct{}),
	}
}

// add registers a session.  It reports false once draining has begun, in
// which case the caller must turn the connection away.
func (c *coordinator) add(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return false
	}
	c.sessions[s] = struct{}{}
	return true
}

// remove checks a session out.  The last session out during a drain closes
// the idle channel.
func (c *coordinator) remove(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
	c.signalIdleLocked()
}

// initiate begins the drain.  Repeated calls are no-ops.
func (c *coordinator) initiate() {
	c.once.Do(func() {
		c.mu.Lock()
		c.draining = true
		c.signalIdleLocked()
		c.mu.Unlock()
		close(c.shutdown)
	})
}

// shuttingDown returns the channel sessions select on to learn about the
// drain.
func (c *coordinator) shuttingDown() <-chan struct{} {
	return c.shutdown
}

// awaitDrained blocks until every session has checked out or timeout
// elapses, reporting whether the drain completed.
func (c *coordinator) awaitDrained(timeout time.Duration) bool {
	select {
	case <-c.idle:
		return true
	case <-time.After(timeout):
		return false
	}
}

// stragglers names the sessions still checked in, sorted.
func (c *coordinator) stragglers() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.sessions))
	for s := range c.sessions {
		names = append(names, s.displayName())
	}
	c.mu.Unlock()

	sort.Strings(names)
	return names
}

// forceClose tears down the connections of every remaining session.
func (c *coordinator) forceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.sessions {
		s.conn.Close()
	}
}

// live reports how many sessions are checked in.
func (c *coordinator) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// signalIdleLocked closes idle when draining with no sessions left.  The
// caller holds mu; the select keeps a second pass from closing twice.
func (c *coordinator) signalIdleLocked() {
	if !c.draining || len(c.sessions) > 0 {
		return
	}
	select {
	case <-c.idle:
	default:
		close(c.idle)
	}
}
