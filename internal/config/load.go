package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/paths"
)

// Format is a config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the encoding from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported config extension %q (want .json, .toml, .yaml)", filepath.Ext(path))
}

// Decode reads data onto cfg. Keys absent from data keep cfg's values.
func Decode(format Format, data []byte, cfg *Config) error {
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, cfg)
	case FormatTOML:
		_, err = toml.Decode(string(data), cfg)
	case FormatYAML:
		err = yaml.Unmarshal(data, cfg)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	return err
}

// Encode renders cfg in the format named by path's extension.
func Encode(path string, cfg *Config) ([]byte, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to marshal TOML: %w", err)
		}
		return buf.Bytes(), nil
	case FormatYAML:
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// LoadResult is a loaded configuration and where it came from.
type LoadResult struct {
	Config *Config
	Path   string // empty when running on defaults
}

// Load reads the config at path, or the discovered config file when path
// is empty. No file at all is not an error: defaults are returned.
func Load(path string) (*LoadResult, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	cfg := Default()
	if path == "" {
		L_debug("config: no config file, using defaults")
		return &LoadResult{Config: cfg}, nil
	}

	path, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, err
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(format, data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	L_debug("config: loaded", "path", path, "format", format)
	return &LoadResult{Config: cfg, Path: path}, nil
}

// Overlay applies the non-zero fields of overrides (command line flags) on
// top of cfg.
func Overlay(cfg *Config, overrides Config) error {
	if err := mergo.Merge(cfg, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return cfg.Validate()
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Pool.MaxCapacity < 0 {
		return fmt.Errorf("pool.maxCapacity must not be negative")
	}
	if c.Pool.MinCapacity > c.Pool.MaxCapacity && c.Pool.MaxCapacity > 0 {
		return fmt.Errorf("pool.minCapacity %d exceeds maxCapacity %d", c.Pool.MinCapacity, c.Pool.MaxCapacity)
	}
	if c.Extract.Mode != "" && c.Extract.Mode != "dom" && c.Extract.Mode != "markdown" {
		return fmt.Errorf("extract.mode %q: want dom or markdown", c.Extract.Mode)
	}
	switch c.Images.Mode {
	case "", "all", "first", "last":
	default:
		return fmt.Errorf("images.mode %q: want all, first or last", c.Images.Mode)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for i, s := range c.Sites {
		if s.Match == "" {
			return fmt.Errorf("sites[%d]: match is required", i)
		}
	}
	return nil
}

// WriteDefault writes the default configuration to path, or to
// ~/.tabrelay/tabrelay.json when path is empty. An existing file is
// backed up first.
func WriteDefault(path string) (string, error) {
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = p
	}
	if err := Save(path, Default(), DefaultBackupCount); err != nil {
		return "", err
	}
	L_info("config: wrote defaults", "path", path)
	return path, nil
}
