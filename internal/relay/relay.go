// Package relay runs one chat turn on a pooled tab: acquire, submit,
// follow the reply from the network or the page, release.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
	"github.com/roelfdiedericks/tabrelay/internal/netsource"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

var (
	// ErrNoPage is returned when a session's tab cannot be read as a page.
	ErrNoPage = errors.New("relay: tab does not expose a readable page")

	// ErrNoSelector is returned when no reply selector is known for a session.
	ErrNoSelector = errors.New("relay: no reply selector")
)

// Reply sources.
const (
	SourceNetwork = "network"
	SourceDOM     = "dom"
)

// Trigger submits the message on the acquired session.
type Trigger func(ctx context.Context, s *pool.Session) error

// NoTrigger submits nothing; the turn follows whatever the page does next.
func NoTrigger(ctx context.Context, s *pool.Session) error { return nil }

// Request describes one turn.
type Request struct {
	TaskID   string
	Index    int // 0 = any idle session
	Selector string
	Trigger  Trigger
	// Acquire timeout; 0 uses the pool default.
	Timeout time.Duration
}

// Chunk is one piece of a reply.
type Chunk struct {
	CompletionID string       `json:"id"`
	Session      string       `json:"session"`
	Delta        stream.Delta `json:"delta"`
	Source       string       `json:"source"`
}

// AdapterFunc returns the network source for a session, or nil to use the
// page only.
type AdapterFunc func(s *pool.Session) netsource.Source

// SelectorFunc picks the reply selector for a session when a request
// names none.
type SelectorFunc func(s *pool.Session) string

// Relay runs turns against a pool.
type Relay struct {
	pool      *pool.Pool
	adapters  AdapterFunc
	selectors SelectorFunc
	metrics   *metrics.Manager

	mu     sync.RWMutex
	engine *stream.Engine
}

// Option configures a Relay.
type Option func(*Relay)

// WithAdapters sets the network source lookup.
func WithAdapters(fn AdapterFunc) Option {
	return func(r *Relay) { r.adapters = fn }
}

// WithSelectors sets the fallback selector lookup.
func WithSelectors(fn SelectorFunc) Option {
	return func(r *Relay) { r.selectors = fn }
}

// WithMetrics records relay metrics into m.
func WithMetrics(m *metrics.Manager) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a relay.
func New(p *pool.Pool, engine *stream.Engine, opts ...Option) *Relay {
	r := &Relay{pool: p, engine: engine}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetEngine swaps the engine used by later turns.
func (r *Relay) SetEngine(e *stream.Engine) {
	r.mu.Lock()
	r.engine = e
	r.mu.Unlock()
}

// Engine returns the engine new turns use.
func (r *Relay) Engine() *stream.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}

// SetAdapters swaps the network source lookup.
func (r *Relay) SetAdapters(fn AdapterFunc) {
	r.mu.Lock()
	r.adapters = fn
	r.mu.Unlock()
}

// SetSelectors swaps the fallback selector lookup.
func (r *Relay) SetSelectors(fn SelectorFunc) {
	r.mu.Lock()
	r.selectors = fn
	r.mu.Unlock()
}

func (r *Relay) selectorFor(s *pool.Session, requested string) string {
	if requested != "" {
		return requested
	}
	r.mu.RLock()
	fn := r.selectors
	r.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(s)
}

func (r *Relay) adapterFor(s *pool.Session) netsource.Source {
	r.mu.RLock()
	fn := r.adapters
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(s)
}

// Run executes req. The session is released on every exit path, and
// marked failed when the trigger fails. Errors are yielded once, last.
func (r *Relay) Run(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if req.TaskID == "" {
			req.TaskID = uuid.NewString()
		}
		if req.Trigger == nil {
			req.Trigger = NoTrigger
		}

		var (
			sess *pool.Session
			err  error
		)
		if req.Index > 0 {
			sess, err = r.pool.AcquireByIndex(ctx, req.Index, req.TaskID, req.Timeout)
		} else {
			sess, err = r.pool.Acquire(ctx, req.TaskID, req.Timeout)
		}
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		defer func() {
			if err := r.pool.Release(ctx, sess.ID(), pool.ForTask(req.TaskID)); err != nil {
				L_debug("relay: release", "session", sess.ID(), "error", err)
			}
		}()

		timer := r.metrics.StartTiming("relay", "run")
		outcome := r.run(ctx, sess, req, yield)
		timer.Stop()
		r.metrics.RecordOutcome("relay", "run", outcome)
	}
}

func (r *Relay) run(ctx context.Context, sess *pool.Session, req Request, yield func(Chunk, error) bool) string {
	page, ok := sess.Tab().(stream.Page)
	if !ok {
		r.pool.MarkError(sess.ID(), ErrNoPage.Error())
		yield(Chunk{}, fmt.Errorf("%w: session %s", ErrNoPage, sess.ID()))
		return "error"
	}

	selector := r.selectorFor(sess, req.Selector)
	if selector == "" {
		yield(Chunk{}, fmt.Errorf("%w: session %s", ErrNoSelector, sess.ID()))
		return "error"
	}

	id := "chatcmpl-" + uuid.NewString()
	turn := r.Engine().NewTurn(page, selector)
	turn.Baseline(ctx)

	adapter := r.adapterFor(sess)
	if adapter != nil {
		if err := adapter.PreStart(ctx); err != nil {
			L_warn("relay: network capture unavailable, using page", "session", sess.ID(), "error", err)
			adapter = nil
		}
	}

	if err := req.Trigger(ctx, sess); err != nil {
		r.pool.MarkError(sess.ID(), err.Error())
		yield(Chunk{}, fmt.Errorf("trigger on %s: %w", sess.ID(), err))
		return "trigger_failed"
	}
	L_debug("relay: turn started", "session", sess.ID(), "task", req.TaskID, "id", id, "network", adapter != nil)

	if adapter != nil {
		emitted := 0
		var fallback error
		for d, err := range adapter.Monitor(ctx) {
			if err != nil {
				if emitted == 0 && netsource.IsFallback(err) {
					fallback = err
					break
				}
				yield(Chunk{}, err)
				return "error"
			}
			emitted++
			if !yield(Chunk{CompletionID: id, Session: sess.ID(), Delta: d, Source: SourceNetwork}, nil) {
				return "cancelled"
			}
		}
		if emitted > 0 {
			return "network"
		}
		if ctx.Err() != nil {
			return "cancelled"
		}
		r.metrics.IncrementCounter("netsource", "fallback")
		L_warn("relay: network source produced nothing, following page", "session", sess.ID(), "reason", fallback)
	}

	for d, err := range turn.Deltas(ctx) {
		if err != nil {
			yield(Chunk{}, err)
			if stream.IsTurnAbort(err) {
				return "aborted"
			}
			return "error"
		}
		if !yield(Chunk{CompletionID: id, Session: sess.ID(), Delta: d, Source: SourceDOM}, nil) {
			return "cancelled"
		}
	}
	if turn.State() == stream.StateCancelled {
		return "cancelled"
	}
	return "dom"
}
