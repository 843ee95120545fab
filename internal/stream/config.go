package stream

import "time"

// Config holds the engine's operational thresholds. The defaults are
// empirically tuned; every one of them can be overridden from the config file.
type Config struct {
	PollMin     time.Duration
	PollDefault time.Duration
	PollMax     time.Duration
	PollGrowth  float64 // interval multiplier after a poll without a delta

	TurnStartWait      time.Duration
	TurnStartPoll      time.Duration
	PollutionThreshold int // same-node growth (chars) that counts as an answer

	GenerationStartWait time.Duration
	GenerationStartPoll time.Duration
	GenerationEpsilon   int

	ShrinkTolerance        int
	CollapseMinPeak        int
	CollapseConfirmations  int
	CollapseReleasesAnchor bool
	AnchorConfirmations    int
	MismatchMin            int
	MismatchRatio          float64

	StableCount     int
	Silence         time.Duration
	FallbackSilence time.Duration
	ImageSilence    time.Duration
	QuickReplyChars int
	MaxReadMisses   int
	HardTimeout     time.Duration

	SettleQuiet   time.Duration
	SettleHardCap time.Duration
	SettlePoll    time.Duration

	ReadTimeout time.Duration

	IndicatorSelectors []string
	IndicatorTTL       time.Duration

	ImagesEnabled bool
	ImageTimeout  time.Duration
}

// DefaultIndicatorSelectors match the "stop generating" affordances of common chat UIs.
var DefaultIndicatorSelectors = []string{
	`button[aria-label*="Stop"]`,
	`button[aria-label*="stop"]`,
	`[data-state="streaming"]`,
	`.stop-generating`,
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		PollMin:     100 * time.Millisecond,
		PollDefault: 300 * time.Millisecond,
		PollMax:     time.Second,
		PollGrowth:  1.5,

		TurnStartWait:      1500 * time.Millisecond,
		TurnStartPoll:      200 * time.Millisecond,
		PollutionThreshold: 10,

		GenerationStartWait: 180 * time.Second,
		GenerationStartPoll: 300 * time.Millisecond,
		GenerationEpsilon:   10,

		ShrinkTolerance:       3,
		CollapseMinPeak:       100,
		CollapseConfirmations: 2,
		AnchorConfirmations:   2,
		MismatchMin:           10,
		MismatchRatio:         0.05,

		StableCount:     5,
		Silence:         6 * time.Second,
		FallbackSilence: 30 * time.Second,
		ImageSilence:    3 * time.Second,
		QuickReplyChars: 5,
		MaxReadMisses:   10,
		HardTimeout:     300 * time.Second,

		SettleQuiet:   1500 * time.Millisecond,
		SettleHardCap: 5 * time.Second,
		SettlePoll:    150 * time.Millisecond,

		ReadTimeout: 500 * time.Millisecond,

		IndicatorSelectors: DefaultIndicatorSelectors,
		IndicatorTTL:       500 * time.Millisecond,

		ImageTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	dur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	num := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	dur(&c.PollMin, d.PollMin)
	dur(&c.PollDefault, d.PollDefault)
	dur(&c.PollMax, d.PollMax)
	if c.PollGrowth <= 1 {
		c.PollGrowth = d.PollGrowth
	}
	dur(&c.TurnStartWait, d.TurnStartWait)
	dur(&c.TurnStartPoll, d.TurnStartPoll)
	num(&c.PollutionThreshold, d.PollutionThreshold)
	dur(&c.GenerationStartWait, d.GenerationStartWait)
	dur(&c.GenerationStartPoll, d.GenerationStartPoll)
	num(&c.GenerationEpsilon, d.GenerationEpsilon)
	if c.ShrinkTolerance < 0 {
		c.ShrinkTolerance = d.ShrinkTolerance
	}
	num(&c.CollapseMinPeak, d.CollapseMinPeak)
	num(&c.CollapseConfirmations, d.CollapseConfirmations)
	num(&c.AnchorConfirmations, d.AnchorConfirmations)
	num(&c.MismatchMin, d.MismatchMin)
	if c.MismatchRatio <= 0 {
		c.MismatchRatio = d.MismatchRatio
	}
	num(&c.StableCount, d.StableCount)
	dur(&c.Silence, d.Silence)
	dur(&c.FallbackSilence, d.FallbackSilence)
	dur(&c.ImageSilence, d.ImageSilence)
	num(&c.QuickReplyChars, d.QuickReplyChars)
	num(&c.MaxReadMisses, d.MaxReadMisses)
	dur(&c.HardTimeout, d.HardTimeout)
	dur(&c.SettleQuiet, d.SettleQuiet)
	dur(&c.SettleHardCap, d.SettleHardCap)
	dur(&c.SettlePoll, d.SettlePoll)
	dur(&c.ReadTimeout, d.ReadTimeout)
	if len(c.IndicatorSelectors) == 0 {
		c.IndicatorSelectors = d.IndicatorSelectors
	}
	dur(&c.IndicatorTTL, d.IndicatorTTL)
	dur(&c.ImageTimeout, d.ImageTimeout)
	if c.PollMin > c.PollMax {
		c.PollMin = c.PollMax
	}
	return c
}
