package browser

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/devices"
)

// Config holds browser configuration
type Config struct {
	// Browser data directory (empty = ~/.tabrelay/browser)
	Dir string `json:"dir" toml:"dir" yaml:"dir"`
	// Attach to a running Chrome (ws:// or http://host:9222); empty = launch
	ControlURL   string `json:"controlURL" toml:"control_url" yaml:"control_url"`
	AutoDownload bool   `json:"autoDownload" toml:"auto_download" yaml:"auto_download"`
	Headless     bool   `json:"headless" toml:"headless" yaml:"headless"`
	NoSandbox    bool   `json:"noSandbox" toml:"no_sandbox" yaml:"no_sandbox"` // Needed for Docker/root
	Profile      string `json:"profile" toml:"profile" yaml:"profile"`
	Stealth      bool   `json:"stealth" toml:"stealth" yaml:"stealth"`
	// Device emulation: "clear", "laptop", "laptop-hidpi", ...
	Device  string `json:"device" toml:"device" yaml:"device"`
	Timeout string `json:"timeout" toml:"timeout" yaml:"timeout"`
	// Where Reset navigates; empty = the tab's site root
	NeutralURL string `json:"neutralURL" toml:"neutral_url" yaml:"neutral_url"`
	// Tabs opened after launch
	StartURLs []string `json:"startURLs" toml:"start_urls" yaml:"start_urls"`
}

// DefaultConfig returns the default browser configuration
func DefaultConfig() Config {
	return Config{
		AutoDownload: true,
		Headless:     false, // chat sites need a logged-in, visible profile
		Profile:      "default",
		Stealth:      true,
		Device:       "clear",
		Timeout:      "30s",
	}
}

// Attached reports whether the browser is external and must not be closed.
func (c *Config) Attached() bool {
	return c.ControlURL != ""
}

// ResolveDir returns the browser directory, defaulting to <base>/browser
func (c *Config) ResolveDir(base string) string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(base, "browser")
}

// ResolveBinDir returns the chromium binary directory
func (c *Config) ResolveBinDir(base string) string {
	return filepath.Join(c.ResolveDir(base), "bin")
}

// ResolveProfilesDir returns the profiles directory
func (c *Config) ResolveProfilesDir(base string) string {
	return filepath.Join(c.ResolveDir(base), "profiles")
}

// ResolveTimeout returns the timeout as a Duration
func (c *Config) ResolveTimeout() time.Duration {
	if c.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ResolveDevice returns the devices.Device for the configured device name.
// Unknown names fall back to "clear" (no emulation, page fills the window).
func (c *Config) ResolveDevice() devices.Device {
	switch strings.ToLower(c.Device) {
	case "", "clear":
		return devices.Clear
	case "laptop", "laptop-mdpi":
		return devices.LaptopWithMDPIScreen
	case "laptop-hidpi":
		return devices.LaptopWithHiDPIScreen
	case "laptop-touch":
		return devices.LaptopWithTouch
	case "ipad":
		return devices.IPad
	case "ipad-pro":
		return devices.IPadPro
	case "pixel-2":
		return devices.Pixel2
	case "iphone-x":
		return devices.IPhoneX
	default:
		return devices.Clear
	}
}
