// Package config loads the timeouts and logging settings from a JSON or YAML
// file and the environment.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/pageframes/env"
	"github.com/liuxd6825/pageframes/log"
)

const (
	// DefaultTimeout is the default timeout of actions and navigations.
	DefaultTimeout = 30 * time.Second

	// DefaultNetworkIdleWindow is how long a frame must stay without
	// in-flight requests to be network idle.
	DefaultNetworkIdleWindow = 500 * time.Millisecond
)

// Config holds the settings of a page driver. Fields set from a later source
// override earlier ones: defaults, then the JSON file, then the environment.
type Config struct {
	Timeout           NullDuration `json:"timeout" envconfig:"PAGEFRAMES_TIMEOUT"`
	NavigationTimeout NullDuration `json:"navigationTimeout" envconfig:"PAGEFRAMES_NAVIGATION_TIMEOUT"`
	NetworkIdleWindow NullDuration `json:"networkIdleWindow" envconfig:"PAGEFRAMES_NETWORK_IDLE_WINDOW"`

	LogLevel          null.String `json:"logLevel" envconfig:"PAGEFRAMES_LOG_LEVEL"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"PAGEFRAMES_LOG_CATEGORY_FILTER"`
	LogFile           null.String `json:"logFile" envconfig:"PAGEFRAMES_LOG_FILE"`
	Debug             null.Bool   `json:"debug" envconfig:"PAGEFRAMES_DEBUG"`

	WSURL null.String `json:"wsURL" envconfig:"PAGEFRAMES_WS_URL"`

	// Traces is an OpenTelemetry exporter line, for example
	// "otel=http://localhost:4318/v1/traces,proto=http".
	Traces null.String `json:"traces" envconfig:"PAGEFRAMES_TRACES"`
}

// NewConfig creates a new Config instance with default values for some fields.
func NewConfig() Config {
	return Config{
		Timeout:           NullDuration{Duration: Duration(DefaultTimeout)},
		NetworkIdleWindow: NullDuration{Duration: Duration(DefaultNetworkIdleWindow)},
		LogLevel:          null.NewString("info", false),
		Debug:             null.NewBool(false, false),
	}
}

// Apply saves config non-zero config values from the passed config in the receiver.
func (c Config) Apply(cfg Config) Config {
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.NetworkIdleWindow.Valid {
		c.NetworkIdleWindow = cfg.NetworkIdleWindow
	}
	if cfg.LogLevel.Valid && cfg.LogLevel.String != "" {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.LogFile.Valid && cfg.LogFile.String != "" {
		c.LogFile = cfg.LogFile
	}
	if cfg.Debug.Valid {
		c.Debug = cfg.Debug
	}
	if cfg.WSURL.Valid && cfg.WSURL.String != "" {
		c.WSURL = cfg.WSURL
	}
	if cfg.Traces.Valid && cfg.Traces.String != "" {
		c.Traces = cfg.Traces
	}
	return c
}

// Load returns the defaults overridden by the file at path, if path is not
// empty, and then by the variables visible through lookup. Files ending in
// .yaml or .yml are read as YAML, anything else as JSON.
func Load(path string, lookup env.LookupFunc) (Config, error) {
	result := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return result, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err == nil {
			fileConfig, err := parseFile(path, data)
			if err != nil {
				return result, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			result = result.Apply(fileConfig)
		}
	}

	if lookup == nil {
		lookup = env.EmptyLookup
	}
	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, lookup); err != nil {
		return result, fmt.Errorf("reading config from the environment: %w", err)
	}

	return result.Apply(envConfig), nil
}

func parseFile(path string, data []byte) (Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// YAML goes through a generic map so the JSON field names and the
		// duration and null decoders stay the only source of truth.
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cfg, err
		}
		var err error
		if data, err = json.Marshal(raw); err != nil {
			return cfg, err
		}
	}
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

// ActionTimeout returns the action timeout.
func (c Config) ActionTimeout() time.Duration {
	return c.Timeout.TimeDuration()
}

// DefaultNavigationTimeout returns the navigation timeout, which falls back
// to the action timeout.
func (c Config) DefaultNavigationTimeout() time.Duration {
	if c.NavigationTimeout.Valid {
		return c.NavigationTimeout.TimeDuration()
	}
	return c.ActionTimeout()
}

// IdleWindow returns the network idle quiet window.
func (c Config) IdleWindow() time.Duration {
	if d := c.NetworkIdleWindow.TimeDuration(); d > 0 {
		return d
	}
	return DefaultNetworkIdleWindow
}

// NewLogger builds the logger described by the config. When a log file is
// configured its hook is attached to base and closes the file once ctx is
// done.
func (c Config) NewLogger(ctx context.Context, base *logrus.Logger) (*log.Logger, error) {
	if base == nil {
		base = logrus.New()
	}
	var filter *regexp.Regexp
	if c.LogCategoryFilter.Valid && c.LogCategoryFilter.String != "" {
		re, err := regexp.Compile(c.LogCategoryFilter.String)
		if err != nil {
			return nil, fmt.Errorf("compiling log category filter: %w", err)
		}
		filter = re
	}
	if c.LogFile.Valid && c.LogFile.String != "" {
		hook, err := log.NewFileHook(ctx, base, c.LogFile.String, "")
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		base.AddHook(hook)
	}
	logger := log.New(base, c.Debug.Bool, filter)
	if c.LogLevel.String != "" {
		if err := logger.SetLevel(c.LogLevel.String); err != nil {
			return nil, fmt.Errorf("setting log level: %w", err)
		}
	}
	return logger, nil
}
