package pool

import (
	"fmt"
	"time"
)

// Status is the aggregate view of the pool. Idle + Busy == Total; sessions
// that are resetting or failed count as busy.
type Status struct {
	Total       int    `json:"total"`
	Idle        int    `json:"idle"`
	Busy        int    `json:"busy"`
	MaxCapacity int    `json:"maxCapacity"`
	KnownRaw    int    `json:"knownRaw"`
	LastScanAgo string `json:"lastScanAgo,omitempty"`
	Closed      bool   `json:"closed,omitempty"`
	Sessions    []Info `json:"sessions"`
}

// Status returns a consistent snapshot of every session.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Total:       len(p.sessions),
		MaxCapacity: p.cfg.MaxCapacity,
		KnownRaw:    len(p.known),
		Closed:      p.closed,
		Sessions:    make([]Info, 0, len(p.sessions)),
	}
	if !p.lastScan.IsZero() {
		st.LastScanAgo = time.Since(p.lastScan).Round(time.Second).String()
	}
	for _, s := range p.orderedLocked() {
		if s.state == StateIdle {
			st.Idle++
		} else {
			st.Busy++
		}
		st.Sessions = append(st.Sessions, p.infoLocked(s))
	}
	return st
}

// Tabs lists every session sorted by persistent index.
func (p *Pool) Tabs() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.sessions))
	for _, s := range p.orderedLocked() {
		out = append(out, p.infoLocked(s))
	}
	return out
}

// Info returns the view of one session.
func (p *Pool) Info(id string) (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionRemoved, id)
	}
	return p.infoLocked(s), nil
}

func (p *Pool) infoLocked(s *Session) Info {
	info := Info{
		ID:           s.id,
		Index:        s.index,
		Route:        fmt.Sprintf("/tabs/%d", s.index),
		Status:       s.state.String(),
		TaskID:       s.taskID,
		Domain:       s.domain,
		Location:     s.location,
		Preset:       p.presetLocked(s.index),
		CreatedAt:    s.createdAt,
		LastUsedAt:   s.lastUsedAt,
		RequestCount: s.requests,
		ErrorCount:   s.errors,
		LastError:    s.lastError,
	}
	if s.state == StateBusy && !s.leasedAt.IsZero() {
		info.BusyFor = time.Since(s.leasedAt).Round(time.Second).String()
	}
	return info
}

// publishGaugesLocked mirrors counts into metrics. Caller holds p.mu.
func (p *Pool) publishGaugesLocked() {
	if p.metrics == nil {
		return
	}
	idle := 0
	for _, s := range p.sessions {
		if s.state == StateIdle {
			idle++
		}
	}
	p.metrics.SetGauge("pool", "total", int64(len(p.sessions)))
	p.metrics.SetGauge("pool", "idle", int64(idle))
	p.metrics.SetGauge("pool", "busy", int64(len(p.sessions)-idle))
}
