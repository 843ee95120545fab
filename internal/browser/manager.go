package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// ErrNotConnected is returned when no browser is available.
var ErrNotConnected = errors.New("browser: not connected")

// Manager owns the one browser the pool runs on: either a Chrome the user
// started with remote debugging, or a Chromium launched on a profile.
type Manager struct {
	cfg      Config
	base     string
	bin      *Binary
	profiles *ProfileManager

	mu      sync.Mutex
	browser *rod.Browser
}

// NewManager creates a manager. base is the tabrelay data directory.
func NewManager(cfg Config, base string) *Manager {
	m := &Manager{
		cfg:      cfg,
		base:     base,
		bin:      NewBinary(cfg.ResolveBinDir(base)),
		profiles: NewProfileManager(cfg.ResolveProfilesDir(base)),
	}
	L_debug("browser: manager initialized",
		"attach", cfg.ControlURL,
		"profile", cfg.Profile,
		"autoDownload", cfg.AutoDownload,
		"stealth", cfg.Stealth,
	)
	return m
}

// Config returns the current configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Profiles returns the profile manager
func (m *Manager) Profiles() *ProfileManager {
	return m.profiles
}

// Browser returns the connected browser, connecting or launching on first
// use and again after the connection died.
func (m *Manager) Browser(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if alive(m.browser) {
			return m.browser, nil
		}
		L_warn("browser: connection lost, reconnecting")
		m.browser = nil
	}

	var (
		b   *rod.Browser
		err error
	)
	if m.cfg.Attached() {
		b, err = m.attach(ctx)
	} else {
		b, err = m.launch(ctx)
	}
	if err != nil {
		return nil, err
	}
	m.browser = b
	go m.watch(b)
	return b, nil
}

// alive probes the CDP connection. rod has no IsConnected, and a dead
// client can panic, so the probe recovers.
func alive(b *rod.Browser) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			L_debug("browser: connection check panicked, browser is dead", "panic", r)
			ok = false
		}
	}()
	_, err := b.Call(context.Background(), "", "Browser.getVersion", nil)
	return err == nil
}

func (m *Manager) attach(ctx context.Context) (*rod.Browser, error) {
	endpoint := m.cfg.ControlURL
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		resolved, err := launcher.ResolveURL(endpoint)
		if err != nil {
			return nil, fmt.Errorf("resolve devtools endpoint %s: %w", endpoint, err)
		}
		endpoint = resolved
	}

	L_info("browser: attaching", "endpoint", endpoint)
	b := rod.New().Context(ctx).ControlURL(endpoint)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome at %s (started with --remote-debugging-port?): %w", endpoint, err)
	}
	b = b.Context(context.Background())
	L_info("browser: attached", "endpoint", endpoint)
	return b, nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	binPath, err := m.bin.Resolve(m.cfg.AutoDownload)
	if err != nil {
		return nil, err
	}

	profileDir, err := m.profiles.EnsureProfile(m.cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure profile: %w", err)
	}
	cleanupStaleLocks(profileDir)

	L_debug("browser: launching browser", "profile", m.cfg.Profile, "profileDir", profileDir, "headless", m.cfg.Headless)

	l := launcher.New().
		Context(ctx).
		Bin(binPath).
		UserDataDir(profileDir).
		Headless(m.cfg.Headless).
		Leakless(true).
		Set("disable-dev-shm-usage")

	// Sites serve their mobile layout to the small default window
	if !m.cfg.Headless {
		l = l.Set("window-size", "1920,1080").Set("start-maximized")
	}
	if m.cfg.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}
	if m.cfg.NoSandbox {
		l = l.Set("no-sandbox")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	b.DefaultDevice(m.cfg.ResolveDevice())
	L_info("browser: launched", "profile", m.cfg.Profile, "controlURL", controlURL)

	for _, u := range m.cfg.StartURLs {
		if _, err := m.newPage(b, u); err != nil {
			L_warn("browser: failed to open start page", "url", u, "error", err)
		}
	}
	return b, nil
}

// NewPage opens a tab on url.
func (m *Manager) NewPage(ctx context.Context, url string) (*rod.Page, error) {
	b, err := m.Browser(ctx)
	if err != nil {
		return nil, err
	}
	return m.newPage(b, url)
}

func (m *Manager) newPage(b *rod.Browser, url string) (*rod.Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	if url != "" {
		if err := page.Timeout(m.cfg.ResolveTimeout()).Navigate(url); err != nil {
			L_warn("browser: failed to navigate new page", "url", url, "error", err)
		}
	}
	return page, nil
}

// watch logs target lifecycle events until the connection dies.
func (m *Manager) watch(b *rod.Browser) {
	go b.EachEvent(func(e *proto.TargetTargetDestroyed) {
		L_debug("browser: target destroyed", "targetID", e.TargetID)
	})()
	go b.EachEvent(func(e *proto.TargetTargetCrashed) {
		L_warn("browser: target crashed", "targetID", e.TargetID)
	})()

	ctx := b.GetContext()
	<-ctx.Done()
	if !IsShuttingDown() {
		L_warn("browser: disconnected", "reason", ctx.Err())
	}
}

// Close closes a launched browser. An attached browser belongs to the
// user and is only disconnected.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return
	}
	if m.cfg.Attached() {
		L_debug("browser: leaving attached browser running")
	} else if err := m.browser.Close(); err != nil {
		L_debug("browser: close failed", "error", err)
	} else {
		L_info("browser: closed")
	}
	m.browser = nil
}

// Status describes the browser connection
type Status struct {
	Connected bool   `json:"connected"`
	Attached  bool   `json:"attached"`
	Profile   string `json:"profile,omitempty"`
	PageCount int    `json:"pageCount"`
}

// Status returns the connection status without connecting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Attached: m.cfg.Attached()}
	if !st.Attached {
		st.Profile = m.cfg.Profile
	}
	if m.browser == nil {
		return st
	}
	st.Connected = true
	if pages, err := m.browser.Pages(); err == nil {
		st.PageCount = len(pages)
	}
	return st
}
