package pool

import (
	"context"
	"time"
)

// Tab is one remote browser tab as seen by the pool.
type Tab interface {
	// ID is the driver's identifier for the tab, stable for its lifetime.
	ID() string
	Location(ctx context.Context) (string, error)
	Activate(ctx context.Context) error
	// Reset navigates the tab to a neutral location.
	Reset(ctx context.Context) error
}

// Source lists the tabs currently open in the remote browser.
type Source interface {
	Tabs(ctx context.Context) ([]Tab, error)
}

// HealthFunc reports whether a tab at location may be handed out.
type HealthFunc func(location string) error

// State of a Session.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is a leased handle to one remote tab. All mutable fields are
// guarded by the owning Pool's mutex; read them through Pool.Info.
type Session struct {
	id    string
	index int
	rawID string
	tab   Tab

	state      State
	resetting  bool
	taskID     string
	domain     string
	location   string
	createdAt  time.Time
	lastUsedAt time.Time
	leasedAt   time.Time
	verifiedAt time.Time
	requests   int
	errors     int
	lastError  string
}

// ID is the pool-unique session id, e.g. "gpt_1".
func (s *Session) ID() string { return s.id }

// Index is the persistent ordinal of the underlying tab.
func (s *Session) Index() int { return s.index }

// Tab is the remote handle. Only the current holder may drive it.
func (s *Session) Tab() Tab { return s.tab }

// Info is a point-in-time view of one session.
type Info struct {
	ID           string    `json:"id"`
	Index        int       `json:"index"`
	Route        string    `json:"route"`
	Status       string    `json:"status"`
	TaskID       string    `json:"taskId,omitempty"`
	Domain       string    `json:"domain,omitempty"`
	Location     string    `json:"location,omitempty"`
	Preset       string    `json:"preset"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
	BusyFor      string    `json:"busyFor,omitempty"`
	RequestCount int       `json:"requestCount"`
	ErrorCount   int       `json:"errorCount"`
	LastError    string    `json:"lastError,omitempty"`
}
