// Command tabrelay pools the chat tabs of a browser and relays their
// replies as incremental text.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/tabrelay/internal/browser"
	"github.com/roelfdiedericks/tabrelay/internal/config"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
	"github.com/roelfdiedericks/tabrelay/internal/paths"
	"github.com/roelfdiedericks/tabrelay/internal/relay"
	"github.com/roelfdiedericks/tabrelay/internal/server"
)

var version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" short:"c" help:"Config file (default: ./tabrelay.* then ~/.tabrelay/tabrelay.*)" type:"path"`
	LogLevel   string `name:"log-level" help:"Override log level (trace, debug, info, warn, error)"`
	Attach     string `help:"Attach to a running Chrome (ws:// or http://host:9222)" env:"TABRELAY_CONTROL_URL"`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the pool and HTTP server"`
	Status   StatusCmd   `cmd:"" help:"Print pool status once"`
	Watch    WatchCmd    `cmd:"" help:"Follow the next reply on a tab and print it"`
	Config   ConfigCmd   `cmd:"" help:"Manage the config file"`
	Profiles ProfilesCmd `cmd:"" help:"List browser profiles"`
	Version  VersionCmd  `cmd:"" help:"Print version"`
}

// load reads the config and applies the global flags to it.
func (g *Globals) load(overrides config.Config) (*config.LoadResult, error) {
	res, err := config.Load(g.ConfigFile)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		overrides.Log.Level = g.LogLevel
	}
	if g.Attach != "" {
		overrides.Browser.ControlURL = g.Attach
	}
	if err := config.Overlay(res.Config, overrides); err != nil {
		return nil, err
	}
	Init(res.Config.ResolveLog())
	return res, nil
}

func baseDir() (string, error) {
	base, err := paths.BaseDir()
	if err != nil {
		return "", err
	}
	return base, paths.EnsureDir(base)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		SetShuttingDown()
	}()
	return ctx, cancel
}

type ServeCmd struct {
	Listen   string `help:"HTTP listen address"`
	Headless bool   `help:"Launch the browser headless"`
	Profile  string `help:"Browser profile to launch"`
}

func (c *ServeCmd) Run(g *Globals) error {
	var overrides config.Config
	overrides.HTTP.Listen = c.Listen
	overrides.Browser.Headless = c.Headless
	overrides.Browser.Profile = c.Profile
	res, err := g.load(overrides)
	if err != nil {
		return err
	}
	cfg := res.Config
	L_info("tabrelay %s starting", version)

	base, err := baseDir()
	if err != nil {
		return err
	}
	app, err := server.NewApp(cfg, base)
	if err != nil {
		return err
	}
	defer app.Close()

	var opts []server.Option
	if cfg.Metrics.Enabled {
		if st := openStore(cfg, app.Metrics); st != nil {
			defer st.Close()
			opts = append(opts, server.WithStore(st))
		}
	}
	if res.Path != "" {
		w, err := config.NewWatcher(res.Path, 0, app.Events, func(next *config.Config) {
			if err := app.Reconfigure(next); err != nil {
				L_warn("config: reload rejected", "error", err)
			}
		})
		if err != nil {
			L_warn("config: not watching for changes", "error", err)
		} else {
			opts = append(opts, server.WithWatcher(w))
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	n, err := app.Start(ctx)
	if err != nil {
		// The browser may come up later; the pool scans again on demand.
		L_warn("serve: %v", err)
	} else {
		L_info("serve: adopted tabs", "count", n)
	}
	return server.New(app, opts...).Run(ctx)
}

// openStore loads persisted metrics. Failure leaves metrics in memory only.
func openStore(cfg *config.Config, m *metrics.Manager) *metrics.Store {
	path := cfg.Metrics.Path
	if path == "" {
		p, err := paths.DataPath("metrics.db")
		if err != nil {
			L_warn("metrics: %v", err)
			return nil
		}
		path = p
	}
	st, err := metrics.OpenStore(path)
	if err != nil {
		L_warn("metrics: persistence disabled", "error", err)
		return nil
	}
	if n, err := st.Load(m); err != nil {
		L_warn("metrics: load failed", "error", err)
	} else {
		L_debug("metrics: restored", "count", n, "path", path)
	}
	return st
}

type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	res, err := g.load(config.Config{})
	if err != nil {
		return err
	}
	base, err := baseDir()
	if err != nil {
		return err
	}
	app, err := server.NewApp(res.Config, base)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if _, err := app.Start(ctx); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(app.Pool.Status())
}

type WatchCmd struct {
	Index    int           `short:"i" help:"Tab index (0 = first idle tab)"`
	Selector string        `short:"s" help:"Reply node selector (default: per site config)"`
	Timeout  time.Duration `default:"30s" help:"How long to wait for a free tab"`
}

func (c *WatchCmd) Run(g *Globals) error {
	res, err := g.load(config.Config{})
	if err != nil {
		return err
	}
	base, err := baseDir()
	if err != nil {
		return err
	}
	app, err := server.NewApp(res.Config, base)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signalContext()
	defer cancel()

	req := relay.Request{
		Index:    c.Index,
		Selector: c.Selector,
		Trigger:  relay.NoTrigger,
		Timeout:  c.Timeout,
	}
	fmt.Fprintln(os.Stderr, "waiting for the next reply...")
	for chunk, err := range app.Relay.Run(ctx, req) {
		if err != nil {
			return err
		}
		if chunk.Delta.Resync {
			fmt.Println()
		}
		fmt.Print(chunk.Delta.Text)
	}
	fmt.Println()
	return nil
}

type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a default config file"`
	Show ConfigShowCmd `cmd:"" help:"Print the effective config"`
}

type ConfigInitCmd struct {
	Path string `arg:"" optional:"" help:"Where to write (default ~/.tabrelay/tabrelay.json)"`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	path, err := config.WriteDefault(c.Path)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

type ConfigShowCmd struct {
	Format string `default:"json" enum:"json,toml,yaml" help:"Output format"`
}

func (c *ConfigShowCmd) Run(g *Globals) error {
	res, err := g.load(config.Config{})
	if err != nil {
		return err
	}
	if res.Path != "" {
		fmt.Fprintf(os.Stderr, "# %s\n", res.Path)
	} else {
		fmt.Fprintln(os.Stderr, "# defaults (no config file)")
	}
	data, err := config.Encode("tabrelay."+c.Format, res.Config)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

type ProfilesCmd struct{}

func (c *ProfilesCmd) Run(g *Globals) error {
	res, err := g.load(config.Config{})
	if err != nil {
		return err
	}
	base, err := baseDir()
	if err != nil {
		return err
	}
	bc := res.Config.Browser
	profiles, err := browser.NewProfileManager(bc.ResolveProfilesDir(base)).ListProfiles()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tLAST USED")
	for _, p := range profiles {
		mark := ""
		if p.Name == bc.Profile {
			mark = " *"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\n", p.Name, mark, browser.FormatSize(p.Size), p.LastUsed.Format(time.DateTime))
	}
	return tw.Flush()
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("tabrelay %s\n", version)
	return nil
}

func main() {
	Init(DefaultLogConfig())

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tabrelay"),
		kong.Description("Pool browser chat tabs and stream their replies."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		L_fatal("%v", err)
	}
}
