// Package config loads tabrelay's configuration file and resolves it into
// the typed configs of the pool, engine, browser and network source.
package config

import (
	"strings"
	"time"

	"github.com/roelfdiedericks/tabrelay/internal/browser"
	"github.com/roelfdiedericks/tabrelay/internal/extract"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/netsource"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// Config is the whole tabrelay configuration. Durations are strings ("30s").
type Config struct {
	Log     LoggingConfig  `json:"log" toml:"log" yaml:"log"`
	Browser browser.Config `json:"browser" toml:"browser" yaml:"browser"`
	Pool    PoolConfig     `json:"pool" toml:"pool" yaml:"pool"`
	Stream  StreamConfig   `json:"stream" toml:"stream" yaml:"stream"`
	Extract ExtractConfig  `json:"extract" toml:"extract" yaml:"extract"`
	Images  ImagesConfig   `json:"images" toml:"images" yaml:"images"`
	Network NetworkConfig  `json:"network" toml:"network" yaml:"network"`
	Sites   []SiteConfig   `json:"sites" toml:"sites" yaml:"sites"`
	HTTP    HTTPConfig     `json:"http" toml:"http" yaml:"http"`
	Metrics MetricsConfig  `json:"metrics" toml:"metrics" yaml:"metrics"`
}

type LoggingConfig struct {
	Level      string `json:"level" toml:"level" yaml:"level"` // trace, debug, info, warn, error
	Format     string `json:"format" toml:"format" yaml:"format"`
	TimeFormat string `json:"timeFormat" toml:"time_format" yaml:"time_format"`
	ShowCaller bool   `json:"showCaller" toml:"show_caller" yaml:"show_caller"`
}

type PoolConfig struct {
	MaxCapacity    int    `json:"maxCapacity" toml:"max_capacity" yaml:"max_capacity"`
	MinCapacity    int    `json:"minCapacity" toml:"min_capacity" yaml:"min_capacity"`
	IdleTimeout    string `json:"idleTimeout" toml:"idle_timeout" yaml:"idle_timeout"`
	AcquireTimeout string `json:"acquireTimeout" toml:"acquire_timeout" yaml:"acquire_timeout"`
	StuckTimeout   string `json:"stuckTimeout" toml:"stuck_timeout" yaml:"stuck_timeout"`
	ScanInterval   string `json:"scanInterval" toml:"scan_interval" yaml:"scan_interval"`
	PollInterval   string `json:"pollInterval" toml:"poll_interval" yaml:"poll_interval"`
	ResetTimeout   string `json:"resetTimeout" toml:"reset_timeout" yaml:"reset_timeout"`
	DefaultPreset  string `json:"defaultPreset" toml:"default_preset" yaml:"default_preset"`
	// cron spec for the maintenance sweep
	SweepSchedule string `json:"sweepSchedule" toml:"sweep_schedule" yaml:"sweep_schedule"`
}

// StreamConfig overrides engine thresholds. Zero values keep the tuned defaults.
type StreamConfig struct {
	PollMin     string  `json:"pollMin,omitempty" toml:"poll_min,omitempty" yaml:"poll_min,omitempty"`
	PollDefault string  `json:"pollDefault,omitempty" toml:"poll_default,omitempty" yaml:"poll_default,omitempty"`
	PollMax     string  `json:"pollMax,omitempty" toml:"poll_max,omitempty" yaml:"poll_max,omitempty"`
	PollGrowth  float64 `json:"pollGrowth,omitempty" toml:"poll_growth,omitempty" yaml:"poll_growth,omitempty"`

	TurnStartWait       string `json:"turnStartWait,omitempty" toml:"turn_start_wait,omitempty" yaml:"turn_start_wait,omitempty"`
	PollutionThreshold  int    `json:"pollutionThreshold,omitempty" toml:"pollution_threshold,omitempty" yaml:"pollution_threshold,omitempty"`
	GenerationStartWait string `json:"generationStartWait,omitempty" toml:"generation_start_wait,omitempty" yaml:"generation_start_wait,omitempty"`
	GenerationEpsilon   int    `json:"generationEpsilon,omitempty" toml:"generation_epsilon,omitempty" yaml:"generation_epsilon,omitempty"`

	ShrinkTolerance        int     `json:"shrinkTolerance,omitempty" toml:"shrink_tolerance,omitempty" yaml:"shrink_tolerance,omitempty"`
	CollapseMinPeak        int     `json:"collapseMinPeak,omitempty" toml:"collapse_min_peak,omitempty" yaml:"collapse_min_peak,omitempty"`
	CollapseConfirmations  int     `json:"collapseConfirmations,omitempty" toml:"collapse_confirmations,omitempty" yaml:"collapse_confirmations,omitempty"`
	CollapseReleasesAnchor bool    `json:"collapseReleasesAnchor,omitempty" toml:"collapse_releases_anchor,omitempty" yaml:"collapse_releases_anchor,omitempty"`
	AnchorConfirmations    int     `json:"anchorConfirmations,omitempty" toml:"anchor_confirmations,omitempty" yaml:"anchor_confirmations,omitempty"`
	MismatchMin            int     `json:"mismatchMin,omitempty" toml:"mismatch_min,omitempty" yaml:"mismatch_min,omitempty"`
	MismatchRatio          float64 `json:"mismatchRatio,omitempty" toml:"mismatch_ratio,omitempty" yaml:"mismatch_ratio,omitempty"`

	StableCount     int    `json:"stableCount,omitempty" toml:"stable_count,omitempty" yaml:"stable_count,omitempty"`
	Silence         string `json:"silence,omitempty" toml:"silence,omitempty" yaml:"silence,omitempty"`
	FallbackSilence string `json:"fallbackSilence,omitempty" toml:"fallback_silence,omitempty" yaml:"fallback_silence,omitempty"`
	QuickReplyChars int    `json:"quickReplyChars,omitempty" toml:"quick_reply_chars,omitempty" yaml:"quick_reply_chars,omitempty"`
	MaxReadMisses   int    `json:"maxReadMisses,omitempty" toml:"max_read_misses,omitempty" yaml:"max_read_misses,omitempty"`
	HardTimeout     string `json:"hardTimeout,omitempty" toml:"hard_timeout,omitempty" yaml:"hard_timeout,omitempty"`

	SettleQuiet   string `json:"settleQuiet,omitempty" toml:"settle_quiet,omitempty" yaml:"settle_quiet,omitempty"`
	SettleHardCap string `json:"settleHardCap,omitempty" toml:"settle_hard_cap,omitempty" yaml:"settle_hard_cap,omitempty"`

	IndicatorSelectors []string `json:"indicatorSelectors,omitempty" toml:"indicator_selectors,omitempty" yaml:"indicator_selectors,omitempty"`
}

type ExtractConfig struct {
	Mode             string   `json:"mode" toml:"mode" yaml:"mode"` // dom or markdown
	ContentSelectors []string `json:"contentSelectors,omitempty" toml:"content_selectors,omitempty" yaml:"content_selectors,omitempty"`
}

type ImagesConfig struct {
	Enabled       bool     `json:"enabled" toml:"enabled" yaml:"enabled"`
	Mode          string   `json:"mode" toml:"mode" yaml:"mode"` // all, first, last
	DownloadBlobs bool     `json:"downloadBlobs" toml:"download_blobs" yaml:"download_blobs"`
	MaxSizeMB     int      `json:"maxSizeMB" toml:"max_size_mb" yaml:"max_size_mb"`
	Timeout       string   `json:"timeout" toml:"timeout" yaml:"timeout"`
	Selectors     []string `json:"selectors,omitempty" toml:"selectors,omitempty" yaml:"selectors,omitempty"`
}

// NetworkConfig holds the timings shared by every site's network source.
type NetworkConfig struct {
	Enabled              bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	FirstResponseTimeout string `json:"firstResponseTimeout" toml:"first_response_timeout" yaml:"first_response_timeout"`
	ResponseInterval     string `json:"responseInterval" toml:"response_interval" yaml:"response_interval"`
	Silence              string `json:"silence" toml:"silence" yaml:"silence"`
	HardTimeout          string `json:"hardTimeout" toml:"hard_timeout" yaml:"hard_timeout"`
}

// SiteConfig describes one chat site, matched by host substring.
type SiteConfig struct {
	Match    string `json:"match" toml:"match" yaml:"match"`
	Selector string `json:"selector" toml:"selector" yaml:"selector"`
	// Response URL substring; empty disables the network source for the site
	Listen     string `json:"listen,omitempty" toml:"listen,omitempty" yaml:"listen,omitempty"`
	Content    string `json:"content,omitempty" toml:"content,omitempty" yaml:"content,omitempty"` // jq
	Done       string `json:"done,omitempty" toml:"done,omitempty" yaml:"done,omitempty"`          // jq
	Cumulative bool   `json:"cumulative,omitempty" toml:"cumulative,omitempty" yaml:"cumulative,omitempty"`
}

type HTTPConfig struct {
	Listen string `json:"listen" toml:"listen" yaml:"listen"`
	// Selector used by watch requests when neither the request nor a site gives one
	DefaultSelector string `json:"defaultSelector" toml:"default_selector" yaml:"default_selector"`
}

type MetricsConfig struct {
	Enabled      bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Path         string `json:"path" toml:"path" yaml:"path"` // sqlite file; empty = ~/.tabrelay/metrics.db
	SaveSchedule string `json:"saveSchedule" toml:"save_schedule" yaml:"save_schedule"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log: LoggingConfig{
			Level:      "info",
			Format:     "text",
			TimeFormat: "15:04:05",
			ShowCaller: true,
		},
		Browser: browser.DefaultConfig(),
		Pool: PoolConfig{
			MaxCapacity:    5,
			MinCapacity:    1,
			IdleTimeout:    "300s",
			AcquireTimeout: "60s",
			StuckTimeout:   "180s",
			ScanInterval:   "10s",
			PollInterval:   "1s",
			ResetTimeout:   "10s",
			DefaultPreset:  "default",
			SweepSchedule:  "@every 30s",
		},
		Extract: ExtractConfig{Mode: "dom"},
		Images: ImagesConfig{
			Mode:          "all",
			DownloadBlobs: true,
			MaxSizeMB:     10,
			Timeout:       "5s",
		},
		Network: NetworkConfig{
			Enabled:              true,
			FirstResponseTimeout: "5s",
			ResponseInterval:     "500ms",
			Silence:              "3s",
			HardTimeout:          "300s",
		},
		HTTP: HTTPConfig{
			Listen:          "127.0.0.1:8765",
			DefaultSelector: "[data-message-author-role=\"assistant\"]",
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			SaveSchedule: "@every 1m",
		},
	}
}

// duration parses s, returning def for empty or malformed values.
func duration(field, s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		L_warn("config: invalid duration, using default", "field", field, "value", s, "default", def)
		return def
	}
	return d
}

// ResolveLog returns the logging config.
func (c *Config) ResolveLog() *LogConfig {
	lc := DefaultLogConfig()
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		L_warn("config: %v, using info", err)
	}
	lc.Level = level
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	if c.Log.TimeFormat != "" {
		lc.TimeFormat = c.Log.TimeFormat
	}
	lc.ShowCaller = c.Log.ShowCaller
	return lc
}

// ResolvePool returns the pool config.
func (c *Config) ResolvePool() pool.Config {
	d := pool.DefaultConfig()
	p := c.Pool
	cfg := pool.Config{
		MaxCapacity:    p.MaxCapacity,
		MinCapacity:    p.MinCapacity,
		IdleTimeout:    duration("pool.idleTimeout", p.IdleTimeout, d.IdleTimeout),
		AcquireTimeout: duration("pool.acquireTimeout", p.AcquireTimeout, d.AcquireTimeout),
		StuckTimeout:   duration("pool.stuckTimeout", p.StuckTimeout, d.StuckTimeout),
		ScanInterval:   duration("pool.scanInterval", p.ScanInterval, d.ScanInterval),
		PollInterval:   duration("pool.pollInterval", p.PollInterval, d.PollInterval),
		ResetTimeout:   duration("pool.resetTimeout", p.ResetTimeout, d.ResetTimeout),
		DefaultPreset:  p.DefaultPreset,
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = d.MaxCapacity
	}
	return cfg
}

// ResolveStream returns the engine config: defaults with file overrides.
func (c *Config) ResolveStream() stream.Config {
	s := c.Stream
	cfg := stream.DefaultConfig()

	cfg.PollMin = duration("stream.pollMin", s.PollMin, cfg.PollMin)
	cfg.PollDefault = duration("stream.pollDefault", s.PollDefault, cfg.PollDefault)
	cfg.PollMax = duration("stream.pollMax", s.PollMax, cfg.PollMax)
	cfg.TurnStartWait = duration("stream.turnStartWait", s.TurnStartWait, cfg.TurnStartWait)
	cfg.GenerationStartWait = duration("stream.generationStartWait", s.GenerationStartWait, cfg.GenerationStartWait)
	cfg.Silence = duration("stream.silence", s.Silence, cfg.Silence)
	cfg.FallbackSilence = duration("stream.fallbackSilence", s.FallbackSilence, cfg.FallbackSilence)
	cfg.HardTimeout = duration("stream.hardTimeout", s.HardTimeout, cfg.HardTimeout)
	cfg.SettleQuiet = duration("stream.settleQuiet", s.SettleQuiet, cfg.SettleQuiet)
	cfg.SettleHardCap = duration("stream.settleHardCap", s.SettleHardCap, cfg.SettleHardCap)

	setFloat(&cfg.PollGrowth, s.PollGrowth)
	setFloat(&cfg.MismatchRatio, s.MismatchRatio)
	setInt(&cfg.PollutionThreshold, s.PollutionThreshold)
	setInt(&cfg.GenerationEpsilon, s.GenerationEpsilon)
	setInt(&cfg.ShrinkTolerance, s.ShrinkTolerance)
	setInt(&cfg.CollapseMinPeak, s.CollapseMinPeak)
	setInt(&cfg.CollapseConfirmations, s.CollapseConfirmations)
	setInt(&cfg.AnchorConfirmations, s.AnchorConfirmations)
	setInt(&cfg.MismatchMin, s.MismatchMin)
	setInt(&cfg.StableCount, s.StableCount)
	setInt(&cfg.QuickReplyChars, s.QuickReplyChars)
	setInt(&cfg.MaxReadMisses, s.MaxReadMisses)
	cfg.CollapseReleasesAnchor = s.CollapseReleasesAnchor
	if len(s.IndicatorSelectors) > 0 {
		cfg.IndicatorSelectors = s.IndicatorSelectors
	}

	cfg.ImagesEnabled = c.Images.Enabled
	cfg.ImageTimeout = duration("images.timeout", c.Images.Timeout, cfg.ImageTimeout)
	return cfg
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// ResolveImages returns the image extractor config.
func (c *Config) ResolveImages() extract.ImageConfig {
	cfg := extract.DefaultImageConfig()
	if c.Images.Mode != "" {
		cfg.Mode = c.Images.Mode
	}
	cfg.DownloadBlobs = c.Images.DownloadBlobs
	if c.Images.MaxSizeMB > 0 {
		cfg.MaxSizeMB = c.Images.MaxSizeMB
	}
	if len(c.Images.Selectors) > 0 {
		cfg.Selectors = c.Images.Selectors
	}
	return cfg
}

// Site returns the site entry whose Match is contained in domain.
func (c *Config) Site(domain string) (SiteConfig, bool) {
	domain = strings.ToLower(domain)
	for _, s := range c.Sites {
		if s.Match != "" && strings.Contains(domain, strings.ToLower(s.Match)) {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// Selector returns the reply selector for domain.
func (c *Config) Selector(domain string) string {
	if s, ok := c.Site(domain); ok && s.Selector != "" {
		return s.Selector
	}
	return c.HTTP.DefaultSelector
}

// ResolveNetwork returns the network source config for a site, and false
// when the site has no network source.
func (c *Config) ResolveNetwork(site SiteConfig) (netsource.Config, bool) {
	if !c.Network.Enabled || site.Listen == "" || site.Content == "" {
		return netsource.Config{}, false
	}
	d := netsource.DefaultConfig()
	n := c.Network
	return netsource.Config{
		Pattern:              site.Listen,
		FirstResponseTimeout: duration("network.firstResponseTimeout", n.FirstResponseTimeout, d.FirstResponseTimeout),
		ResponseInterval:     duration("network.responseInterval", n.ResponseInterval, d.ResponseInterval),
		Silence:              duration("network.silence", n.Silence, d.Silence),
		HardTimeout:          duration("network.hardTimeout", n.HardTimeout, d.HardTimeout),
	}, true
}
