package scheduling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Counts is a read-only snapshot of a session's status counters. The counters
// are eventually consistent with request transitions and are exposed verbatim
// to the intake layer for status reporting.
type Counts struct {
	// Waiting counts requests waiting for a backend slot.
	Waiting int `json:"waiting"`
	// LoadingModels counts model loads in flight on the session's behalf.
	LoadingModels int `json:"loading_models"`
	// WaitingBackends counts requests waiting on backend initialization.
	WaitingBackends int `json:"waiting_backends"`
	// Live counts generations currently running.
	Live int `json:"live"`
}

// Session is a per-connection grouping used for status accounting and
// collective interruption.
type Session struct {
	id string

	// mu is the session counter lock. All claim arithmetic happens under it.
	mu              sync.Mutex
	waiting         int
	loadingModels   int
	waitingBackends int
	live            int

	cancelMu sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSession creates a session with a fresh id and cancellation source.
func NewSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string {
	return s.id
}

// Context returns the session's current cancellation token. Claims save the
// token that was current when they were opened, so an Interrupt is observed
// by every claim opened before it.
func (s *Session) Context() context.Context {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.ctx
}

// Interrupt replaces the session's cancellation source with a fresh one and
// fires the old one.
func (s *Session) Interrupt() {
	s.cancelMu.Lock()
	old := s.cancel
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cancelMu.Unlock()
	old()
}

// Counts returns a snapshot of the session's counters.
func (s *Session) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Waiting:         s.waiting,
		LoadingModels:   s.loadingModels,
		WaitingBackends: s.waitingBackends,
		Live:            s.live,
	}
}

// Claim opens a scoped counter claim against the session. Disposing the claim
// deducts whatever it still holds.
func (s *Session) Claim(waiting, loadingModels, waitingBackends, live int) *Claim {
	c := &Claim{session: s, ctx: s.Context()}
	c.Extend(waiting, loadingModels, waitingBackends, live)
	return c
}

// Claim is a scoped resource that holds portions of a session's counters.
type Claim struct {
	session *Session
	ctx     context.Context

	// The held amounts are guarded by the session counter lock.
	waiting         int
	loadingModels   int
	waitingBackends int
	live            int
	disposed        bool
}

// Context returns the cancellation token saved when the claim was opened.
func (c *Claim) Context() context.Context {
	return c.ctx
}

// Extend increases the claim and the session's counters.
func (c *Claim) Extend(waiting, loadingModels, waitingBackends, live int) {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.disposed {
		return
	}
	c.waiting += waiting
	c.loadingModels += loadingModels
	c.waitingBackends += waitingBackends
	c.live += live
	s.waiting += waiting
	s.loadingModels += loadingModels
	s.waitingBackends += waitingBackends
	s.live += live
}

// Complete deducts from the claim and the session's counters. Amounts are
// clamped to what the claim actually holds.
func (c *Claim) Complete(waiting, loadingModels, waitingBackends, live int) {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	c.completeLocked(waiting, loadingModels, waitingBackends, live)
}

func (c *Claim) completeLocked(waiting, loadingModels, waitingBackends, live int) {
	waiting = min(waiting, c.waiting)
	loadingModels = min(loadingModels, c.loadingModels)
	waitingBackends = min(waitingBackends, c.waitingBackends)
	live = min(live, c.live)
	c.waiting -= waiting
	c.loadingModels -= loadingModels
	c.waitingBackends -= waitingBackends
	c.live -= live
	s := c.session
	s.waiting -= waiting
	s.loadingModels -= loadingModels
	s.waitingBackends -= waitingBackends
	s.live -= live
}

// Dispose auto-completes whatever the claim still holds. It is idempotent.
func (c *Claim) Dispose() {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.disposed {
		return
	}
	c.completeLocked(c.waiting, c.loadingModels, c.waitingBackends, c.live)
	c.disposed = true
}
