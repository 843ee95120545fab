package netsource

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// Response is one captured network response. A nil Body marks headers
// arriving for a response whose body is still loading.
type Response struct {
	URL  string
	Body []byte
}

// Capture delivers responses whose URL contains a pattern.
type Capture interface {
	Start(ctx context.Context, pattern string) error
	// Next waits up to timeout and returns ErrNoResponse when nothing came.
	Next(ctx context.Context, timeout time.Duration) (Response, error)
	// Pending is the number of matched responses still loading.
	Pending() int
	Stop()
}

// Source is an alternative reply source to the DOM engine.
type Source interface {
	// PreStart begins capturing before the prompt is sent.
	PreStart(ctx context.Context) error
	// Monitor yields reply text as it is captured.
	Monitor(ctx context.Context) iter.Seq2[stream.Delta, error]
}

// Config holds network source timings.
type Config struct {
	Pattern              string
	FirstResponseTimeout time.Duration
	ResponseInterval     time.Duration
	Silence              time.Duration
	HardTimeout          time.Duration
}

// DefaultConfig returns the default timings with no pattern.
func DefaultConfig() Config {
	return Config{
		FirstResponseTimeout: 5 * time.Second,
		ResponseInterval:     500 * time.Millisecond,
		Silence:              3 * time.Second,
		HardTimeout:          300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FirstResponseTimeout <= 0 {
		c.FirstResponseTimeout = d.FirstResponseTimeout
	}
	if c.ResponseInterval <= 0 {
		c.ResponseInterval = d.ResponseInterval
	}
	if c.Silence <= 0 {
		c.Silence = d.Silence
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = d.HardTimeout
	}
	return c
}

// Adapter reads a reply from captured responses.
type Adapter struct {
	cfg     Config
	capture Capture
	parser  Parser
	metrics *metrics.Manager

	mu        sync.Mutex
	listening bool
}

// NewAdapter creates an adapter over capture.
func NewAdapter(capture Capture, parser Parser, cfg Config, m *metrics.Manager) *Adapter {
	return &Adapter{cfg: cfg.withDefaults(), capture: capture, parser: parser, metrics: m}
}

// PreStart starts capturing. Calling it again is a no-op, and without a
// pattern it only warns.
func (a *Adapter) PreStart(ctx context.Context) error {
	if a.cfg.Pattern == "" {
		L_warn("netsource: no listen pattern, skipping pre-start")
		return nil
	}
	return a.listen(ctx)
}

func (a *Adapter) listen(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listening {
		return nil
	}
	if err := a.capture.Start(ctx, a.cfg.Pattern); err != nil {
		return &AdapterError{Op: "listen", Err: err}
	}
	a.listening = true
	L_debug("netsource: listening", "pattern", a.cfg.Pattern)
	return nil
}

func (a *Adapter) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening {
		return
	}
	a.capture.Stop()
	a.listening = false
}

// Monitor yields parsed reply text until the parser reports done, the
// responses go silent, or the hard timeout passes. When nothing arrives
// before the first-response timeout it yields an error matching
// ErrNoFirstResponse; a failing capture yields an *AdapterError with Op
// "next". Capturing stops when Monitor returns.
func (a *Adapter) Monitor(ctx context.Context) iter.Seq2[stream.Delta, error] {
	return func(yield func(stream.Delta, error) bool) {
		if a.cfg.Pattern == "" {
			yield(stream.Delta{}, &AdapterError{Op: "monitor", Err: ErrNoPattern})
			return
		}
		a.parser.Reset()
		if err := a.listen(ctx); err != nil {
			yield(stream.Delta{}, err)
			return
		}
		defer a.stop()

		timer := a.metrics.StartTiming("netsource", "monitor")
		defer timer.Stop()

		start := time.Now()
		lastActivity := start
		received := false
		chunks := 0

		// handle parses one body and yields its content. Returns false when
		// the monitor should stop.
		handle := func(resp Response) bool {
			if len(resp.Body) == 0 {
				return true
			}
			res, err := a.parser.Parse(resp.Body)
			if err != nil {
				L_debug("netsource: skipping unparsable response", "url", resp.URL, "error", err)
				return true
			}
			if res.Content != "" {
				chunks++
				a.metrics.IncrementCounter("netsource", "chunks")
				if !yield(stream.Delta{Text: res.Content}, nil) {
					return false
				}
			}
			if res.Done {
				L_debug("netsource: reply done", "chunks", chunks)
				return false
			}
			return true
		}

		for {
			if ctx.Err() != nil {
				return
			}
			if time.Since(start) > a.cfg.HardTimeout {
				L_warn("netsource: hard timeout", "after", a.cfg.HardTimeout, "chunks", chunks)
				return
			}

			wait := a.cfg.ResponseInterval
			if !received {
				wait = a.cfg.FirstResponseTimeout
			}
			resp, err := a.capture.Next(ctx, wait)
			if errors.Is(err, ErrNoResponse) {
				if !received {
					a.metrics.IncrementCounter("netsource", "no_first_response")
					yield(stream.Delta{}, &AdapterError{Op: "monitor", Err: ErrNoFirstResponse})
					return
				}
				if time.Since(lastActivity) > a.cfg.Silence && a.capture.Pending() == 0 {
					// bodies fetched after the last wait are already queued
					for {
						resp, err := a.capture.Next(ctx, 0)
						if err != nil {
							break
						}
						if !handle(resp) {
							return
						}
					}
					L_debug("netsource: responses went silent", "chunks", chunks)
					return
				}
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					a.metrics.IncrementCounter("netsource", "capture_error")
					yield(stream.Delta{}, &AdapterError{Op: "next", Err: err})
				}
				return
			}

			received = true
			lastActivity = time.Now()
			if !handle(resp) {
				return
			}
		}
	}
}
