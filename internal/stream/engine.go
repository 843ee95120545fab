// Package stream turns the output region of a chat page into an ordered
// sequence of text deltas by polling snapshots of it.
package stream

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
)

// State is the phase of a turn.
type State int32

const (
	StateInit State = iota
	StateInstantBaseline
	StateAwaitTurnStart
	StateAwaitGenerationStart
	StateStreaming
	StateSettling
	StateDone
	StateCancelled
)

var stateNames = [...]string{
	"INIT",
	"INSTANT_BASELINE",
	"AWAIT_TURN_START",
	"AWAIT_GENERATION_START",
	"STREAMING",
	"SETTLING",
	"DONE",
	"CANCELLED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Delta is a piece of reply text. A resync delta replaces everything
// emitted before it.
type Delta struct {
	Text   string `json:"text"`
	Resync bool   `json:"resync,omitempty"`
}

// Stats summarizes a turn.
type Stats struct {
	Deltas     int           `json:"deltas"`
	Resyncs    int           `json:"resyncs"`
	Collapses  int           `json:"collapses"`
	Switches   int           `json:"switches"`
	ReadMisses int           `json:"readMisses"`
	Sent       int           `json:"sent"`
	Exit       string        `json:"exit,omitempty"` // why streaming ended
	Duration   time.Duration `json:"duration"`
}

// Engine holds the shared configuration for turns.
type Engine struct {
	cfg     Config
	ext     Extractor
	images  ImageExtractor
	metrics *metrics.Manager
}

// Option configures an Engine.
type Option func(*Engine)

// WithImages enables image extraction after a turn settles.
func WithImages(x ImageExtractor) Option {
	return func(e *Engine) { e.images = x }
}

// WithMetrics records turn metrics.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine.
func New(ext Extractor, cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.withDefaults(), ext: ext}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// TurnOption configures a Turn.
type TurnOption func(*Turn)

// WithStop installs a cooperative stop check, consulted before every read
// and during every sleep.
func WithStop(stop func() bool) TurnOption {
	return func(t *Turn) { t.stop = stop }
}

// Turn follows one reply on one page. It must be created before the
// message is submitted so the instant baseline predates the user's node.
type Turn struct {
	e      *Engine
	cfg    Config
	reader *Reader
	stop   func() bool
	sc     StreamContext

	state    atomic.Int32
	consumed atomic.Bool
	started  time.Time
	primed   *Snapshot

	mu        sync.Mutex
	finalText string
	images    []Image
	stats     Stats
}

// NewTurn prepares a turn over the nodes of page matching selector.
func (e *Engine) NewTurn(page Page, selector string, opts ...TurnOption) *Turn {
	t := &Turn{
		e:      e,
		cfg:    e.cfg,
		reader: NewReader(page, selector, e.ext, e.cfg),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Baseline takes the instant baseline now instead of when Deltas starts.
// Call it before submitting when the turn is consumed later.
func (t *Turn) Baseline(ctx context.Context) Snapshot {
	snap, _, err := t.reader.Read(ctx, "")
	if err != nil {
		L_debug("stream: instant baseline read failed", "error", err)
		snap = Snapshot{}
	}
	t.primed = &snap
	return snap
}

// State returns the current phase.
func (t *Turn) State() State {
	return State(t.state.Load())
}

// FinalText returns the settled reply text past the baseline.
func (t *Turn) FinalText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalText
}

// Images returns the images extracted from the settled reply.
func (t *Turn) Images() []Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.images
}

// Stats returns the turn's counters.
func (t *Turn) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Turn) setState(s State) {
	t.state.Store(int32(s))
	L_trace("stream: state", "state", s)
}

// Deltas returns the reply as a sequence. It ends after the final flush,
// on cancellation (no error), or with a single *AbortError.
func (t *Turn) Deltas(ctx context.Context) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		if !t.consumed.CompareAndSwap(false, true) {
			yield(Delta{}, ErrTurnConsumed)
			return
		}
		t.started = time.Now()
		timer := t.e.metrics.StartTiming("stream", "turn")
		outcome := t.run(ctx, yield)
		timer.Stop()
		t.e.metrics.RecordOutcome("stream", "turn", outcome)

		t.mu.Lock()
		t.stats.Sent = t.sc.SentLength
		t.stats.Duration = time.Since(t.started)
		t.mu.Unlock()
		L_debug("stream: turn finished", "outcome", outcome, "state", t.State(),
			"deltas", t.Stats().Deltas, "elapsed", time.Since(t.started).Round(time.Millisecond))
	}
}

func (t *Turn) run(ctx context.Context, yield func(Delta, error) bool) string {
	t.setState(StateInstantBaseline)
	if t.primed == nil {
		t.Baseline(ctx)
	}
	instant := *t.primed
	t.sc.BaselineImageCount = instant.ImageCount

	t.setState(StateAwaitTurnStart)
	user, started, ok := t.awaitTurnStart(ctx, instant)
	if !ok {
		return t.cancel()
	}

	if !started {
		t.setState(StateAwaitGenerationStart)
		ok, timedOut := t.awaitGenerationStart(ctx, user)
		if !ok {
			return t.cancel()
		}
		if timedOut {
			t.setState(StateDone)
			yield(Delta{}, &AbortError{State: StateAwaitGenerationStart, Err: ErrGenerationTimeout})
			return "generation_timeout"
		}
	}

	t.setState(StateStreaming)
	lost, ok := t.streamOutput(ctx, yield)
	if !ok {
		return t.cancel()
	}
	if lost {
		t.setFinal(t.sc.ActiveText(string(t.sc.MaxSeenText)))
		t.setState(StateDone)
		yield(Delta{}, &AbortError{State: StateStreaming, Err: ErrTargetLost})
		return "target_lost"
	}

	t.setState(StateSettling)
	if !t.settle(ctx, yield) {
		return t.cancel()
	}
	t.setState(StateDone)
	return "done"
}

func (t *Turn) cancel() string {
	t.setFinal(t.sc.ActiveText(string(t.sc.MaxSeenText)))
	t.setState(StateCancelled)
	return "cancelled"
}

func (t *Turn) setFinal(text string) {
	t.mu.Lock()
	t.finalText = text
	t.mu.Unlock()
}

func (t *Turn) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return t.stop != nil && t.stop()
}

// sleep waits d in slices of at most 100ms. Returns false on cancellation.
func (t *Turn) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if t.cancelled(ctx) {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer := time.NewTimer(min(remaining, 100*time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// awaitTurnStart watches for the user's node to land. It returns the
// snapshot to treat as the user baseline and whether the reply already
// started. ok is false on cancellation.
func (t *Turn) awaitTurnStart(ctx context.Context, instant Snapshot) (user Snapshot, started, ok bool) {
	cfg := t.cfg
	deadline := time.Now().Add(cfg.TurnStartWait)
	for time.Now().Before(deadline) {
		if t.cancelled(ctx) {
			return Snapshot{}, false, false
		}
		cur, _, err := t.reader.Read(ctx, "")
		if err == nil {
			switch {
			case cur.NodeCount >= instant.NodeCount+2:
				L_debug("stream: user and reply nodes appeared together", "nodes", cur.NodeCount)
				t.sc.BaselineLen = 0
				return cur, true, true
			case cur.NodeCount == instant.NodeCount+1:
				return cur, false, true
			case cur.NodeCount == instant.NodeCount && instant.NodeCount > 0:
				if cur.ImageCount > t.sc.BaselineImageCount {
					t.sc.ImagesDetected = true
					t.sc.BaselineLen = instant.TextLen
					return cur, true, true
				}
				if cur.TextLen > instant.TextLen+cfg.PollutionThreshold {
					L_debug("stream: reply appended to existing node", "baseline", instant.TextLen)
					t.sc.BaselineLen = instant.TextLen
					return cur, true, true
				}
			}
		}
		if !t.sleep(ctx, cfg.TurnStartPoll) {
			return Snapshot{}, false, false
		}
	}
	return instant, false, true
}

// awaitGenerationStart waits for any sign of a reply relative to user.
func (t *Turn) awaitGenerationStart(ctx context.Context, user Snapshot) (ok, timedOut bool) {
	cfg := t.cfg
	deadline := time.Now().Add(cfg.GenerationStartWait)
	for {
		if t.cancelled(ctx) {
			return false, false
		}
		cur, _, err := t.reader.Read(ctx, "")
		if err == nil {
			reason := ""
			switch {
			case cur.NodeCount > user.NodeCount:
				reason = "new_node"
			case cur.Generating:
				reason = "generating"
			case cur.TextLen > user.TextLen+cfg.GenerationEpsilon:
				reason = "text_growth"
			case cur.ImageCount > t.sc.BaselineImageCount:
				reason = "images"
				t.sc.ImagesDetected = true
			}
			if reason != "" {
				if cur.NodeCount > user.NodeCount {
					t.sc.BaselineLen = 0
				} else {
					t.sc.BaselineLen = user.TextLen
				}
				L_debug("stream: generation started", "reason", reason, "baseline", t.sc.BaselineLen)
				return true, false
			}
		}
		if time.Now().After(deadline) {
			L_warn("stream: generation did not start", "waited", cfg.GenerationStartWait)
			return true, true
		}
		if !t.sleep(ctx, cfg.GenerationStartPoll) {
			return false, false
		}
	}
}

// emit hands a step to the consumer. Returns false if the turn should stop.
func (t *Turn) emit(ctx context.Context, yield func(Delta, error) bool, step Step) bool {
	if t.cancelled(ctx) {
		return false
	}
	d := Delta{Text: step.Delta, Resync: step.Kind == StepResync}
	t.mu.Lock()
	t.stats.Deltas++
	if d.Resync {
		t.stats.Resyncs++
	}
	t.mu.Unlock()
	t.e.metrics.IncrementCounter("stream", "deltas")
	if d.Resync {
		t.e.metrics.IncrementCounter("stream", "resync")
	}
	return yield(d, nil)
}

func (t *Turn) setExit(reason string) {
	t.mu.Lock()
	t.stats.Exit = reason
	t.mu.Unlock()
}

func (t *Turn) miss() {
	t.mu.Lock()
	t.stats.ReadMisses++
	t.mu.Unlock()
	t.e.metrics.IncrementCounter("stream", "read_miss")
}

// streamOutput polls the locked target and emits deltas until an exit
// condition holds. lost reports an abort after too many missed reads;
// ok is false on cancellation.
func (t *Turn) streamOutput(ctx context.Context, yield func(Delta, error) bool) (lost, ok bool) {
	cfg := t.cfg
	c := &t.sc

	init, _, err := t.reader.Read(ctx, "")
	if err != nil {
		L_debug("stream: initial target read failed", "error", err)
	}
	c.TargetAnchor = init.LastAnchor
	c.TargetCount = init.NodeCount
	lastLen := init.TextLen
	lastImages := init.ImageCount
	if init.ImageCount > c.BaselineImageCount {
		c.ImagesDetected = true
	}

	phaseStart := time.Now()
	silenceStart := phaseStart
	interval := cfg.PollDefault
	misses := 0

	for {
		if time.Since(phaseStart) > cfg.HardTimeout {
			L_warn("stream: hard timeout, settling", "after", cfg.HardTimeout)
			t.setExit("hard_timeout")
			return false, true
		}
		if t.cancelled(ctx) {
			return false, false
		}

		snap, _, err := t.reader.Read(ctx, c.TargetAnchor)
		if err != nil || (snap.Text == "" && snap.ImageCount == 0) {
			if err != nil || c.SentLength > 0 {
				misses++
				t.miss()
				if misses >= cfg.MaxReadMisses {
					L_warn("stream: target lost", "anchor", c.TargetAnchor, "misses", misses)
					t.setExit("target_lost")
					return true, true
				}
			}
			if !t.sleep(ctx, interval) {
				return false, false
			}
			continue
		}
		misses = 0

		if snap.ImageCount > lastImages {
			c.ImagesDetected = true
			c.ContentEverChanged = true
			silenceStart = time.Now()
			lastImages = snap.ImageCount
		}

		if c.ObserveAnchor(snap, cfg) {
			L_debug("stream: switched target", "anchor", c.TargetAnchor, "nodes", c.TargetCount)
			t.mu.Lock()
			t.stats.Switches++
			t.mu.Unlock()
			silenceStart = time.Now()
			lastLen, lastImages = 0, 0
			interval = cfg.PollMin
			if !t.sleep(ctx, interval) {
				return false, false
			}
			continue
		}

		if snap.Text != "" {
			step := c.Diff(snap.Text, cfg)
			switch step.Kind {
			case StepEmit, StepResync:
				if !t.emit(ctx, yield, step) {
					return false, false
				}
				silenceStart = time.Now()
				interval = cfg.PollMin
			case StepCollapse:
				L_debug("stream: collapse, resetting progress", "len", snap.TextLen)
				t.mu.Lock()
				t.stats.Collapses++
				t.mu.Unlock()
				t.e.metrics.IncrementCounter("stream", "collapse")
				if cfg.CollapseReleasesAnchor {
					c.TargetAnchor = snap.LastAnchor
					c.TargetCount = snap.NodeCount
				}
				silenceStart = time.Now()
			default:
				interval = min(time.Duration(float64(interval)*cfg.PollGrowth), cfg.PollMax)
			}
			if snap.TextLen != lastLen {
				c.ContentEverChanged = true
				lastLen = snap.TextLen
			}
		}

		silence := time.Since(silenceStart)
		reason := ""
		switch {
		case c.ContentEverChanged && c.StableCount >= cfg.StableCount && silence > cfg.Silence:
			reason = "stable"
		case silence > cfg.FallbackSilence:
			reason = "silence"
		case c.ImagesDetected && silence > cfg.ImageSilence:
			reason = "images"
		case !c.ContentEverChanged && !c.HasOutput && !snap.Generating &&
			(c.ImagesDetected || snap.TextLen > c.BaselineLen+cfg.QuickReplyChars):
			reason = "quick_reply"
		}
		if reason != "" {
			L_debug("stream: output complete", "reason", reason, "sent", c.SentLength)
			t.setExit(reason)
			return false, true
		}

		if !t.sleep(ctx, interval) {
			return false, false
		}
	}
}

// settle waits for the region to go quiet, then flushes the final text.
// Returns false on cancellation.
func (t *Turn) settle(ctx context.Context, yield func(Delta, error) bool) bool {
	cfg := t.cfg
	c := &t.sc

	start := time.Now()
	quietSince := start
	last, _, _ := t.reader.Read(ctx, c.TargetAnchor)
	for time.Since(start) < cfg.SettleHardCap && time.Since(quietSince) < cfg.SettleQuiet {
		if !t.sleep(ctx, cfg.SettlePoll) {
			return false
		}
		snap, _, err := t.reader.Read(ctx, c.TargetAnchor)
		if err != nil {
			continue
		}
		if c.ObserveAnchor(snap, cfg) {
			L_debug("stream: new node while settling, retargeting", "anchor", snap.LastAnchor)
			t.mu.Lock()
			t.stats.Switches++
			t.mu.Unlock()
			quietSince = time.Now()
			last = snap
			continue
		}
		if snap.NodeCount != last.NodeCount || snap.TextLen != last.TextLen ||
			snap.Anchor != last.Anchor || snap.ImageCount != last.ImageCount {
			quietSince = time.Now()
		}
		last = snap
	}

	if t.cancelled(ctx) {
		return false
	}
	final, node, err := t.reader.Read(ctx, c.TargetAnchor)
	text := ""
	if err == nil {
		text = final.Text
	}
	// an image-only target has no text to fall back from
	if text == "" && (err != nil || final.ImageCount == 0) {
		text = t.reader.LastNonEmpty(ctx)
	}
	if text == "" {
		text = string(c.MaxSeenText)
	}

	if text != "" {
		step := c.Diff(text, cfg)
		if step.Kind == StepEmit || step.Kind == StepResync {
			if !t.emit(ctx, yield, step) {
				return false
			}
		}
	}
	t.setFinal(c.ActiveText(text))

	if t.e.images != nil && cfg.ImagesEnabled && node != nil && (c.ImagesDetected || final.ImageCount > 0) {
		t.collectImages(ctx, node)
	}
	return true
}

// collectImages runs extraction in the background and waits at most
// ImageTimeout. A slow extraction is abandoned, not joined.
func (t *Turn) collectImages(ctx context.Context, node Node) {
	xctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.ImageTimeout*2)
	done := make(chan []Image, 1)
	go func() {
		defer cancel()
		images, err := t.e.images.ExtractImages(xctx, node)
		if err != nil {
			L_warn("stream: image extraction failed", "error", err)
		}
		done <- images
	}()

	timer := time.NewTimer(t.cfg.ImageTimeout)
	defer timer.Stop()
	select {
	case images := <-done:
		t.mu.Lock()
		t.images = images
		t.mu.Unlock()
		L_debug("stream: images extracted", "count", len(images))
	case <-timer.C:
		L_warn("stream: image extraction timed out, abandoning", "timeout", t.cfg.ImageTimeout)
	case <-ctx.Done():
	}
}
