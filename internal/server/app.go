// Package server wires tabrelay's components together from the config
// and serves them over HTTP.
package server

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/roelfdiedericks/tabrelay/internal/browser"
	"github.com/roelfdiedericks/tabrelay/internal/bus"
	"github.com/roelfdiedericks/tabrelay/internal/config"
	"github.com/roelfdiedericks/tabrelay/internal/extract"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
	"github.com/roelfdiedericks/tabrelay/internal/netsource"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
	"github.com/roelfdiedericks/tabrelay/internal/relay"
	"github.com/roelfdiedericks/tabrelay/internal/stream"
)

// App is the set of long-lived components behind the CLI and the server.
type App struct {
	Browser *browser.Manager
	Pool    *pool.Pool
	Relay   *relay.Relay
	Metrics *metrics.Manager
	Events  *bus.Bus

	cfg atomic.Pointer[config.Config]
}

// NewApp builds the components. Nothing connects to the browser until the
// pool first scans for tabs.
func NewApp(cfg *config.Config, base string) (*App, error) {
	a := &App{
		Browser: browser.NewManager(cfg.Browser, base),
		Metrics: metrics.New(),
		Events:  bus.New(),
	}
	a.cfg.Store(cfg)

	a.Pool = pool.New(browser.NewSource(a.Browser), cfg.ResolvePool(),
		pool.WithHealthCheck(browser.CheckLocation),
		pool.WithMetrics(a.Metrics),
		pool.WithBus(a.Events),
	)

	engine, err := buildEngine(cfg, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.Relay = relay.New(a.Pool, engine,
		relay.WithMetrics(a.Metrics),
		relay.WithAdapters(a.adapters(cfg)),
		relay.WithSelectors(a.selectors(cfg)),
	)
	return a, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// Reconfigure applies a reloaded config to later turns. Pool and browser
// settings need a restart.
func (a *App) Reconfigure(cfg *config.Config) error {
	engine, err := buildEngine(cfg, a.Metrics)
	if err != nil {
		return err
	}
	old := a.cfg.Swap(cfg)
	a.Relay.SetEngine(engine)
	a.Relay.SetAdapters(a.adapters(cfg))
	a.Relay.SetSelectors(a.selectors(cfg))
	Init(cfg.ResolveLog())

	if old != nil && (old.Pool != cfg.Pool || !reflect.DeepEqual(old.Browser, cfg.Browser)) {
		L_warn("server: pool and browser changes take effect after restart")
	}
	L_info("server: configuration applied")
	return nil
}

// Start adopts the tabs already open in the browser.
func (a *App) Start(ctx context.Context) (int, error) {
	n, err := a.Pool.Initialize(ctx)
	if err != nil {
		return n, fmt.Errorf("initialize pool: %w", err)
	}
	return n, nil
}

// Close shuts the pool down and closes a launched browser.
func (a *App) Close() {
	a.Pool.Shutdown()
	a.Browser.Close()
	a.Events.Wait()
}

func buildEngine(cfg *config.Config, m *metrics.Manager) (*stream.Engine, error) {
	ext, err := extract.New(cfg.Extract.Mode, cfg.Extract.ContentSelectors...)
	if err != nil {
		return nil, err
	}
	sc := cfg.ResolveStream()
	opts := []stream.Option{stream.WithMetrics(m)}
	if sc.ImagesEnabled {
		opts = append(opts, stream.WithImages(extract.NewImages(cfg.ResolveImages())))
	}
	return stream.New(ext, sc, opts...), nil
}

func (a *App) domain(s *pool.Session) string {
	info, err := a.Pool.Info(s.ID())
	if err != nil {
		return ""
	}
	return info.Domain
}

func (a *App) selectors(cfg *config.Config) relay.SelectorFunc {
	return func(s *pool.Session) string {
		return cfg.Selector(a.domain(s))
	}
}

// adapters builds a network source for sessions on sites that configure one.
func (a *App) adapters(cfg *config.Config) relay.AdapterFunc {
	return func(s *pool.Session) netsource.Source {
		tab, ok := s.Tab().(*browser.Tab)
		if !ok {
			return nil
		}
		site, ok := cfg.Site(a.domain(s))
		if !ok {
			return nil
		}
		ncfg, ok := cfg.ResolveNetwork(site)
		if !ok {
			return nil
		}
		parser, err := netsource.NewJQParser(site.Content, site.Done, site.Cumulative)
		if err != nil {
			L_warn("server: bad network parser for site", "site", site.Match, "error", err)
			return nil
		}
		return netsource.NewRodAdapter(tab.Page(), parser, ncfg, a.Metrics)
	}
}
