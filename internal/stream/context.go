package stream

// StepKind classifies the outcome of one diff step.
type StepKind int

const (
	StepNone     StepKind = iota // nothing new
	StepEmit                     // plain suffix
	StepResync                   // full active text, replaces what was sent
	StepShrink                   // shrink beyond tolerance, ignored
	StepCollapse                 // repeated shrink, progress reset
)

// Step is the result of StreamContext.Diff.
type Step struct {
	Kind  StepKind
	Delta string
}

// StreamContext is the per-turn diff state. It is owned by one turn.
type StreamContext struct {
	MaxSeenText        []rune // longest text observed for the current target
	SentLength         int    // runes emitted past BaselineLen
	BaselineLen        int    // runes of the target that predate this turn
	TargetAnchor       string
	TargetCount        int
	PendingAnchor      string
	PendingConfirms    int
	StableCount        int
	LastStableText     string
	ContentEverChanged bool // text, emission or image count moved while streaming
	HasOutput          bool // the current target produced at least one delta
	BaselineImageCount int
	ImagesDetected     bool

	history    []rune // text as of the last emission
	shrinks    int
	resyncNext bool
}

// Diff compares the current target text against what has been emitted and
// returns the next delta. Offsets are in runes.
func (c *StreamContext) Diff(text string, cfg Config) Step {
	cur := []rune(text)
	n := len(cur)
	if n > len(c.MaxSeenText) {
		c.MaxSeenText = cur
	}
	start := c.BaselineLen + c.SentLength

	if c.SentLength > 0 && n >= start && c.diverged(cur, cfg) {
		full := cur[min(c.BaselineLen, n):]
		c.SentLength = len(full)
		c.history = cur
		c.shrinks = 0
		c.resyncNext = false
		c.markChanged(text)
		return Step{Kind: StepResync, Delta: string(full)}
	}

	if n > start {
		kind := StepEmit
		if c.resyncNext {
			kind = StepResync
			c.resyncNext = false
		}
		delta := cur[start:]
		c.SentLength += len(delta)
		c.history = cur
		c.shrinks = 0
		c.markChanged(text)
		return Step{Kind: kind, Delta: string(delta)}
	}

	if start-n > cfg.ShrinkTolerance {
		c.shrinks++
		if c.shrinks >= cfg.CollapseConfirmations && len(c.MaxSeenText) >= cfg.CollapseMinPeak {
			c.collapse(cur)
			return Step{Kind: StepCollapse}
		}
		return Step{Kind: StepShrink}
	}
	c.shrinks = 0

	if text == c.LastStableText {
		c.StableCount++
	} else {
		c.StableCount = 0
		c.LastStableText = text
	}
	return Step{Kind: StepNone}
}

// diverged reports whether the already-sent prefix no longer matches.
func (c *StreamContext) diverged(cur []rune, cfg Config) bool {
	end := c.BaselineLen + c.SentLength
	if len(c.history) < end || len(cur) < end {
		return false
	}
	budget := max(cfg.MismatchMin, int(float64(c.SentLength)*cfg.MismatchRatio))
	mismatches := 0
	for i := c.BaselineLen; i < end; i++ {
		if cur[i] != c.history[i] {
			mismatches++
			if mismatches > budget {
				return true
			}
		}
	}
	return false
}

func (c *StreamContext) markChanged(text string) {
	c.StableCount = 0
	c.LastStableText = text
	c.ContentEverChanged = true
	c.HasOutput = true
}

// collapse drops emission progress while keeping the target and baseline.
// The next emission is flagged as a resync.
func (c *StreamContext) collapse(cur []rune) {
	c.resyncNext = c.SentLength > 0
	c.SentLength = 0
	c.MaxSeenText = cur
	c.history = nil
	c.shrinks = 0
	c.StableCount = 0
	c.LastStableText = ""
}

// SwitchTarget locks onto a new node and resets per-target progress.
func (c *StreamContext) SwitchTarget(anchor string, count int) {
	c.TargetAnchor = anchor
	c.TargetCount = count
	c.PendingAnchor = ""
	c.PendingConfirms = 0
	c.BaselineLen = 0
	c.SentLength = 0
	c.MaxSeenText = nil
	c.history = nil
	c.shrinks = 0
	c.StableCount = 0
	c.LastStableText = ""
	c.HasOutput = false
	c.resyncNext = false
}

// ObserveAnchor debounces a target switch: a new trailing node must be seen
// on cfg.AnchorConfirmations consecutive polls. Returns true when the
// target switched.
func (c *StreamContext) ObserveAnchor(snap Snapshot, cfg Config) bool {
	if snap.NodeCount <= c.TargetCount || snap.LastAnchor == "" || snap.LastAnchor == c.TargetAnchor {
		c.PendingAnchor = ""
		c.PendingConfirms = 0
		return false
	}
	if snap.LastAnchor == c.PendingAnchor {
		c.PendingConfirms++
	} else {
		c.PendingAnchor = snap.LastAnchor
		c.PendingConfirms = 1
	}
	if c.PendingConfirms < cfg.AnchorConfirmations {
		return false
	}
	c.SwitchTarget(snap.LastAnchor, snap.NodeCount)
	return true
}

// ActiveText returns the target text past the baseline.
func (c *StreamContext) ActiveText(text string) string {
	r := []rune(text)
	if c.BaselineLen >= len(r) {
		return ""
	}
	return string(r[c.BaselineLen:])
}
