package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// Tab is one browser page. It serves as a pool tab and as the stream
// engine's page.
type Tab struct {
	page    *rod.Page
	id      string
	neutral string
	timeout time.Duration

	mu   sync.Mutex
	home string // site root seen when the tab was first read
}

func newTab(page *rod.Page, neutral string, timeout time.Duration) *Tab {
	return &Tab{
		page:    page,
		id:      string(page.TargetID),
		neutral: neutral,
		timeout: timeout,
	}
}

// ID returns the CDP target id.
func (t *Tab) ID() string {
	return t.id
}

// Page returns the underlying rod page.
func (t *Tab) Page() *rod.Page {
	return t.page
}

// Location returns the tab's current URL.
func (t *Tab) Location(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("target info: %w", err)
	}
	t.mu.Lock()
	if t.home == "" {
		t.home = siteRoot(info.URL)
	}
	t.mu.Unlock()
	return info.URL, nil
}

// Activate brings the tab to the foreground.
func (t *Tab) Activate(ctx context.Context) error {
	_, err := t.page.Context(ctx).Activate()
	return err
}

// Reset navigates to the neutral location, or the site root the tab was
// adopted on. A reset tab still passes CheckLocation.
func (t *Tab) Reset(ctx context.Context) error {
	t.mu.Lock()
	target := t.neutral
	if target == "" {
		target = t.home
	}
	t.mu.Unlock()
	if target == "" {
		return fmt.Errorf("tab %s: no neutral location", t.id)
	}

	p := t.page.Context(ctx).Timeout(t.timeout)
	start := time.Now()
	if err := p.Navigate(target); err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	if err := p.WaitLoad(); err != nil {
		L_debug("browser: wait load after reset", "tab", t.id, "error", err)
	}
	L_debug("browser: tab reset", "tab", t.id, "url", target, "took", time.Since(start))
	return nil
}

// FindAll returns the elements matching selector without waiting.
func (t *Tab) FindAll(ctx context.Context, selector string) ([]stream.Node, error) {
	els, err := t.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	nodes := make([]stream.Node, len(els))
	for i, el := range els {
		nodes[i] = &Element{el: el}
	}
	return nodes, nil
}

// Displayed reports whether the first element matching selector is visible.
func (t *Tab) Displayed(ctx context.Context, selector string) (bool, error) {
	has, el, err := t.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return false, err
	}
	return el.Visible()
}
