package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/tabrelay/internal/bus"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// maintain runs one maintenance cycle: evict failed sessions, reclaim stuck
// ones, optionally re-verify long-idle ones, and discover new tabs when a
// scan is due. Only one goroutine maintains at a time; others skip.
// Remote I/O happens outside the lock.
func (p *Pool) maintain(ctx context.Context, forceScan, sweepIdle bool) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	if p.maintaining {
		p.mu.Unlock()
		return 0, nil
	}
	p.maintaining = true
	now := time.Now()

	for _, s := range p.orderedLocked() {
		if s.state == StateError && !s.resetting {
			p.evictLocked(s, fmt.Errorf("%w: %s", ErrSessionUnhealthy, s.lastError))
		}
	}

	var stuck []*Session
	for _, s := range p.orderedLocked() {
		if s.state == StateBusy && !s.resetting && now.Sub(s.leasedAt) > p.cfg.StuckTimeout {
			L_warn("pool: session stuck, reclaiming", "session", s.id, "task", s.taskID,
				"busyFor", now.Sub(s.leasedAt).Round(time.Second))
			s.state = StateError
			s.resetting = true
			s.taskID = ""
			stuck = append(stuck, s)
		}
	}

	var stale []*Session
	if sweepIdle {
		for _, s := range p.orderedLocked() {
			if s.state == StateIdle && now.Sub(s.lastUsedAt) > p.cfg.IdleTimeout && now.Sub(s.verifiedAt) > p.cfg.IdleTimeout {
				s.state = StateBusy
				s.resetting = true
				stale = append(stale, s)
			}
		}
	}

	scan := forceScan || p.scanDueLocked(now)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.maintaining = false
		p.mu.Unlock()
	}()

	for _, s := range stuck {
		p.reclaim(ctx, s)
	}
	for _, s := range stale {
		p.recheck(ctx, s)
	}
	if !scan {
		return 0, nil
	}
	return p.discover(ctx)
}

// scanDueLocked rate-limits discovery to ScanInterval, or PollInterval while
// the pool is below its minimum capacity. Caller holds p.mu.
func (p *Pool) scanDueLocked(now time.Time) bool {
	if len(p.sessions) >= p.cfg.MaxCapacity {
		return false
	}
	since := now.Sub(p.lastScan)
	if since >= p.cfg.ScanInterval {
		return true
	}
	return len(p.sessions) < p.cfg.MinCapacity && since >= p.cfg.PollInterval
}

// recheck verifies an idle session that sat unused past IdleTimeout.
func (p *Pool) recheck(ctx context.Context, s *Session) {
	err := p.verify(ctx, s)

	p.mu.Lock()
	s.resetting = false
	if err != nil {
		p.mu.Unlock()
		p.evict(s, err)
		return
	}
	if s.state == StateBusy {
		s.state = StateIdle
		p.broadcastLocked()
	}
	p.mu.Unlock()
}

type candidate struct {
	tab      Tab
	location string
}

// discover adopts new tabs from the source, up to MaxCapacity. Listing is
// bounded by ResetTimeout and by ctx, so a caller with a short deadline is
// not held up by a slow browser.
func (p *Pool) discover(ctx context.Context) (int, error) {
	ioCtx, cancel := context.WithTimeout(ctx, p.cfg.ResetTimeout)
	defer cancel()

	p.mu.Lock()
	room := p.cfg.MaxCapacity - len(p.sessions)
	known := make(map[string]struct{}, len(p.known))
	for id := range p.known {
		known[id] = struct{}{}
	}
	p.mu.Unlock()

	tabs, err := p.src.Tabs(ioCtx)
	if err != nil {
		// a caller giving up does not count as a scan
		if ctx.Err() == nil {
			p.mu.Lock()
			p.lastScan = time.Now()
			p.mu.Unlock()
		}
		return 0, fmt.Errorf("list tabs: %w", err)
	}

	var found []candidate
	var skipped []string
	for _, t := range tabs {
		if len(found) >= room {
			break
		}
		if _, ok := known[t.ID()]; ok {
			continue
		}
		loc, err := t.Location(ioCtx)
		if err != nil {
			L_trace("pool: skipping tab with unreadable location", "tab", t.ID(), "error", err)
			continue
		}
		switch classify(loc) {
		case skipForever:
			skipped = append(skipped, t.ID())
			continue
		case skipForNow:
			continue
		}
		found = append(found, candidate{tab: t, location: loc})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastScan = time.Now()
	if p.closed {
		return 0, ErrPoolClosed
	}
	for _, id := range skipped {
		p.known[id] = struct{}{}
	}

	adopted := 0
	for _, c := range found {
		if len(p.sessions) >= p.cfg.MaxCapacity {
			break
		}
		if _, ok := p.known[c.tab.ID()]; ok {
			continue
		}
		s := p.adoptLocked(c.tab, c.location)
		adopted++
		p.events.Publish(bus.TopicSessionAdopted, s.id, "pool")
		L_debug("pool: discovered tab", "session", s.id, "index", s.index, "location", truncate(c.location, 50))
	}
	if adopted > 0 {
		p.metrics.AddCounter("pool", "discovered", int64(adopted))
		p.broadcastLocked()
		p.publishGaugesLocked()
		L_info("pool: scan complete", "adopted", adopted, "total", len(p.sessions))
	}
	return adopted, nil
}

// adoptLocked wraps a tab in a new idle session. Caller holds p.mu.
func (p *Pool) adoptLocked(t Tab, location string) *Session {
	p.counter++
	rawID := t.ID()
	p.known[rawID] = struct{}{}

	index, ok := p.rawToIndex[rawID]
	if !ok {
		index = p.nextIndex
		p.nextIndex++
		p.rawToIndex[rawID] = index
	}

	now := time.Now()
	s := &Session{
		id:         fmt.Sprintf("%s_%d", siteAbbr(location), p.counter),
		index:      index,
		rawID:      rawID,
		tab:        t,
		state:      StateIdle,
		domain:     hostOf(location),
		location:   location,
		createdAt:  now,
		lastUsedAt: now,
		verifiedAt: now,
	}
	p.sessions[s.id] = s
	p.byIndex[index] = s.id
	return s
}

// Sweep runs one maintenance cycle outside of Acquire, including
// re-verification of sessions idle longer than IdleTimeout.
func (p *Pool) Sweep(ctx context.Context) error {
	_, err := p.maintain(ctx, false, true)
	return err
}

// Refresh forces a discovery scan and returns the number of tabs adopted.
func (p *Pool) Refresh(ctx context.Context) (int, error) {
	return p.maintain(ctx, true, false)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
