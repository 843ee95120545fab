package browser

import (
	"context"
	"fmt"
	"sync"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
)

// Source lists the browser's page targets as pool tabs. Tabs are cached by
// target id so a session keeps the same Tab across scans.
type Source struct {
	m *Manager

	mu   sync.Mutex
	tabs map[string]*Tab
}

// NewSource creates a tab source over m's browser.
func NewSource(m *Manager) *Source {
	return &Source{m: m, tabs: make(map[string]*Tab)}
}

// Tabs returns the current page targets in browser order.
func (s *Source) Tabs(ctx context.Context) ([]pool.Tab, error) {
	b, err := s.m.Browser(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate browser pages: %w", err)
	}

	cfg := s.m.Config()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]*Tab, len(pages))
	out := make([]pool.Tab, 0, len(pages))
	for _, page := range pages {
		id := string(page.TargetID)
		tab, ok := s.tabs[id]
		if !ok {
			tab = newTab(page, cfg.NeutralURL, cfg.ResolveTimeout())
			L_trace("browser: new page target", "targetID", id)
		}
		seen[id] = tab
		out = append(out, tab)
	}
	for id := range s.tabs {
		if _, ok := seen[id]; !ok {
			L_trace("browser: page target gone", "targetID", id)
		}
	}
	s.tabs = seen
	return out, nil
}
