// Package pool shares a bounded set of browser tabs between concurrent
// turns. Every session is lent to at most one caller at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roelfdiedericks/tabrelay/internal/bus"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
)

// Pool arbitrates exclusive access to sessions. Construct one per process
// with New and pass it to whoever needs it.
type Pool struct {
	cfg     Config
	src     Source
	health  HealthFunc
	metrics *metrics.Manager
	events  *bus.Bus

	mu sync.Mutex
	// notify is closed and replaced to wake every waiter in Acquire.
	notify chan struct{}

	sessions    map[string]*Session
	byIndex     map[int]string      // persistent index -> session id, live sessions only
	rawToIndex  map[string]int      // driver tab id -> persistent index, never shrinks
	nextIndex   int
	known       map[string]struct{} // driver tab ids that discovery must not adopt again
	counter     int
	presets     map[int]string
	lastScan    time.Time
	lastActive  string
	maintaining bool
	closed      bool
	initialized bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithHealthCheck sets the liveness check applied to tab locations.
func WithHealthCheck(fn HealthFunc) Option {
	return func(p *Pool) { p.health = fn }
}

// WithMetrics records pool metrics into m.
func WithMetrics(m *metrics.Manager) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithBus publishes session lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(p *Pool) { p.events = b }
}

// New creates a pool drawing tabs from src. Tabs are discovered lazily on
// the first Acquire, or eagerly with Initialize.
func New(src Source, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		src:        src,
		health:     func(string) error { return nil },
		notify:     make(chan struct{}),
		sessions:   make(map[string]*Session),
		byIndex:    make(map[int]string),
		rawToIndex: make(map[string]int),
		nextIndex:  1,
		known:      make(map[string]struct{}),
		presets:    make(map[int]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// broadcastLocked wakes all goroutines waiting in Acquire. Caller holds p.mu.
func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Initialize adopts the tabs already open in the browser and marks every
// session idle. Safe to call more than once.
func (p *Pool) Initialize(ctx context.Context) (int, error) {
	adopted, err := p.discover(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		for _, s := range p.sessions {
			s.state = StateIdle
			s.taskID = ""
		}
		p.initialized = true
		L_info("pool: ready", "sessions", len(p.sessions), "max", p.cfg.MaxCapacity)
	}
	p.publishGaugesLocked()
	return adopted, err
}

// Acquire claims the first idle, healthy session for taskID, waiting up to
// timeout (the configured default when timeout <= 0). It returns
// ErrCapacityExhausted when the deadline passes without a claim.
func (p *Pool) Acquire(ctx context.Context, taskID string, timeout time.Duration) (*Session, error) {
	return p.acquire(ctx, taskID, timeout, -1)
}

// AcquireByIndex is Acquire restricted to the session with the given
// persistent index. Unknown and evicted indexes fail immediately.
func (p *Pool) AcquireByIndex(ctx context.Context, index int, taskID string, timeout time.Duration) (*Session, error) {
	if index < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	return p.acquire(ctx, taskID, timeout, index)
}

func (p *Pool) acquire(ctx context.Context, taskID string, timeout time.Duration, index int) (*Session, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	timer := p.metrics.StartTiming("pool", "acquire")
	loggedWait := false

	for {
		if err := ctx.Err(); err != nil {
			p.metrics.RecordOutcome("pool", "acquire", "cancelled")
			return nil, err
		}

		if index > 0 {
			p.mu.Lock()
			_, err := p.sessionByIndexLocked(index)
			p.mu.Unlock()
			if errors.Is(err, ErrSessionRemoved) {
				p.metrics.RecordOutcome("pool", "acquire", "unavailable")
				return nil, err
			}
		}

		// maintenance I/O never outlives the caller's deadline
		mctx, cancel := context.WithDeadline(ctx, deadline)
		_, err := p.maintain(mctx, false, false)
		cancel()
		if err != nil && err != ErrPoolClosed {
			L_debug("pool: maintenance", "error", err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.metrics.RecordOutcome("pool", "acquire", "closed")
			return nil, ErrPoolClosed
		}

		var claimed *Session
		if index > 0 {
			s, err := p.sessionByIndexLocked(index)
			if err != nil {
				p.mu.Unlock()
				p.metrics.RecordOutcome("pool", "acquire", "unavailable")
				return nil, err
			}
			if s.state == StateIdle {
				claimed = s
			}
		} else {
			claimed = p.firstIdleLocked()
		}
		if claimed != nil {
			p.claimLocked(claimed, taskID)
		}
		wait := p.notify
		p.mu.Unlock()

		if claimed != nil {
			if err := p.verify(ctx, claimed); err != nil {
				p.evict(claimed, err)
				if index > 0 {
					p.metrics.RecordOutcome("pool", "acquire", "unavailable")
					return nil, fmt.Errorf("%w: index %d: %v", ErrSessionRemoved, index, err)
				}
				continue
			}
			p.activate(ctx, claimed)
			timer.Stop()
			p.metrics.RecordOutcome("pool", "acquire", "acquired")
			L_debug("pool: acquired", "session", claimed.id, "index", claimed.index, "task", taskID)
			return claimed, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.metrics.RecordOutcome("pool", "acquire", "timeout")
			L_warn("pool: acquire timed out", "task", taskID, "index", index, "timeout", timeout)
			return nil, ErrCapacityExhausted
		}
		if !loggedWait {
			L_debug("pool: waiting for a free session", "task", taskID, "index", index)
			loggedWait = true
		}

		step := min(remaining, p.cfg.PollInterval)
		t := time.NewTimer(step)
		select {
		case <-wait:
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
	}
}

// sessionByIndexLocked resolves a persistent index. Caller holds p.mu.
func (p *Pool) sessionByIndexLocked(index int) (*Session, error) {
	if id, ok := p.byIndex[index]; ok {
		if s, ok := p.sessions[id]; ok {
			return s, nil
		}
	}
	if index < p.nextIndex {
		return nil, fmt.Errorf("%w: index %d", ErrSessionRemoved, index)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
}

// orderedLocked returns sessions sorted by persistent index. Caller holds p.mu.
func (p *Pool) orderedLocked() []*Session {
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func (p *Pool) firstIdleLocked() *Session {
	for _, s := range p.orderedLocked() {
		if s.state == StateIdle {
			return s
		}
	}
	return nil
}

func (p *Pool) claimLocked(s *Session, taskID string) {
	now := time.Now()
	s.state = StateBusy
	s.taskID = taskID
	s.leasedAt = now
	s.lastUsedAt = now
	p.publishGaugesLocked()
}

// verify runs the liveness check outside the lock. The session is already
// claimed, so no other goroutine touches its tab meanwhile.
func (p *Pool) verify(ctx context.Context, s *Session) error {
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ResetTimeout)
	defer cancel()

	loc, err := s.tab.Location(ioCtx)
	if err != nil {
		return fmt.Errorf("%w: read location: %v", ErrSessionUnhealthy, err)
	}
	if err := p.health(loc); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnhealthy, err)
	}

	p.mu.Lock()
	s.location = loc
	s.domain = hostOf(loc)
	s.verifiedAt = time.Now()
	if s.state == StateBusy && !s.resetting {
		s.requests++
	}
	p.mu.Unlock()
	return nil
}

// activate brings the tab to the foreground unless it already is.
func (p *Pool) activate(ctx context.Context, s *Session) {
	p.mu.Lock()
	if p.lastActive == s.id {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := s.tab.Activate(ctx); err != nil {
		L_debug("pool: activate failed", "session", s.id, "error", err)
		return
	}
	p.mu.Lock()
	p.lastActive = s.id
	p.mu.Unlock()
}

// ReleaseOption adjusts Release.
type ReleaseOption func(*releaseOptions)

type releaseOptions struct {
	clear  bool
	taskID string
}

// ClearPage navigates the tab to its neutral location before it goes idle.
func ClearPage() ReleaseOption {
	return func(o *releaseOptions) { o.clear = true }
}

// ForTask releases only when the lease still belongs to taskID.
func ForTask(taskID string) ReleaseOption {
	return func(o *releaseOptions) { o.taskID = taskID }
}

// Release returns a busy session to the pool and wakes waiters. Releasing
// a session that is not busy is a no-op.
func (p *Pool) Release(ctx context.Context, id string, opts ...ReleaseOption) error {
	var o releaseOptions
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionRemoved, id)
	}
	if o.taskID != "" && s.taskID != o.taskID {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s held by %q", ErrNotHolder, id, s.taskID)
	}
	if s.state != StateBusy || s.resetting {
		p.mu.Unlock()
		return nil
	}
	if !o.clear {
		p.idleLocked(s)
		p.mu.Unlock()
		L_debug("pool: released", "session", id)
		return nil
	}
	s.resetting = true
	p.mu.Unlock()

	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ResetTimeout)
	err := s.tab.Reset(ioCtx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	s.resetting = false
	if err != nil {
		L_debug("pool: clearing page failed", "session", id, "error", err)
		s.errors++
	} else {
		s.domain = ""
		s.location = ""
	}
	p.idleLocked(s)
	L_debug("pool: released", "session", id, "cleared", err == nil)
	return nil
}

// idleLocked flips a session to idle and wakes waiters. Caller holds p.mu.
func (p *Pool) idleLocked(s *Session) {
	if s.state == StateClosed {
		return
	}
	s.state = StateIdle
	s.taskID = ""
	s.lastUsedAt = time.Now()
	p.broadcastLocked()
	p.publishGaugesLocked()
}

// MarkError flags a session whose workflow failed. It is evicted by the
// next maintenance cycle instead of being handed out again.
func (p *Pool) MarkError(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok || s.state == StateClosed {
		return
	}
	s.state = StateError
	s.errors++
	s.lastError = reason
	p.broadcastLocked()
	p.publishGaugesLocked()
	L_warn("pool: session marked as failed", "session", id, "reason", reason)
}

// ForceReleaseAll reclaims every busy session: each is reset and returned
// to idle, or evicted when the reset fails. Returns how many were reclaimed.
func (p *Pool) ForceReleaseAll(ctx context.Context) int {
	p.mu.Lock()
	var busy []*Session
	for _, s := range p.orderedLocked() {
		if s.state == StateBusy && !s.resetting {
			s.state = StateError
			s.resetting = true
			busy = append(busy, s)
		}
	}
	p.mu.Unlock()

	for _, s := range busy {
		p.reclaim(ctx, s)
	}

	p.events.Publish(bus.TopicPoolReleasedAll, len(busy), "pool")
	L_info("pool: force released", "count", len(busy))
	return len(busy)
}

// reclaim resets a session already flagged resetting. Success makes it
// idle; failure evicts it.
func (p *Pool) reclaim(ctx context.Context, s *Session) {
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ResetTimeout)
	err := s.tab.Reset(ioCtx)
	cancel()

	if err != nil {
		p.mu.Lock()
		s.errors++
		s.resetting = false
		p.mu.Unlock()
		L_warn("pool: reset failed, evicting", "session", s.id, "error", err)
		p.evict(s, err)
		return
	}

	p.mu.Lock()
	s.resetting = false
	s.domain = ""
	s.location = ""
	p.idleLocked(s)
	p.mu.Unlock()

	p.metrics.IncrementCounter("pool", "reclaimed")
	p.events.Publish(bus.TopicSessionReclaimed, s.id, "pool")
	L_info("pool: reclaimed", "session", s.id)
}

// evict removes a session for good. Its tab stays known, so discovery
// never adopts it again.
func (p *Pool) evict(s *Session, reason error) {
	p.mu.Lock()
	p.evictLocked(s, reason)
	p.mu.Unlock()
}

func (p *Pool) evictLocked(s *Session, reason error) {
	if _, ok := p.sessions[s.id]; !ok {
		return
	}
	delete(p.sessions, s.id)
	if p.byIndex[s.index] == s.id {
		delete(p.byIndex, s.index)
	}
	if p.lastActive == s.id {
		p.lastActive = ""
	}
	s.state = StateClosed
	s.taskID = ""
	if reason != nil {
		s.lastError = reason.Error()
	}
	p.broadcastLocked()
	p.publishGaugesLocked()

	p.metrics.IncrementCounter("pool", "evicted")
	p.events.Publish(bus.TopicSessionEvicted, s.id, "pool")
	L_warn("pool: evicted", "session", s.id, "index", s.index, "reason", reason)
}

// SetPreset assigns a named preset to the session with the given index.
// An empty name restores the default preset.
func (p *Pool) SetPreset(index int, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.sessionByIndexLocked(index); err != nil {
		return err
	}
	if name == "" || name == p.cfg.DefaultPreset {
		delete(p.presets, index)
		return nil
	}
	p.presets[index] = name
	return nil
}

// Preset returns the preset for an index, the default if none was set.
func (p *Pool) Preset(index int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presetLocked(index)
}

func (p *Pool) presetLocked(index int) string {
	if name, ok := p.presets[index]; ok {
		return name
	}
	return p.cfg.DefaultPreset
}

// Shutdown closes every session and wakes all waiters, which then return
// ErrPoolClosed. Tabs are left open in the browser.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.sessions {
		s.state = StateClosed
		s.taskID = ""
	}
	p.sessions = make(map[string]*Session)
	p.byIndex = make(map[int]string)
	p.broadcastLocked()
	p.publishGaugesLocked()
	L_info("pool: shut down")
}
