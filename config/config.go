// Package config loads keysync settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jmcleod/keysync/session"
)

// Prefix is the environment variable prefix, e.g. KEYSYNC_SERVER_URL.
const Prefix = "KEYSYNC"

// Config holds the settings of the keysync CLI. Flags override values read
// from the environment.
type Config struct {
	ServerURL           string        `envconfig:"SERVER_URL" default:"http://127.0.0.1:8484"`
	DataDir             string        `envconfig:"DATA_DIR" default:"./data"`
	SyncInterval        time.Duration `envconfig:"SYNC_INTERVAL" default:"1m"`
	MaxConcurrentShares int           `envconfig:"MAX_CONCURRENT_SHARES" default:"4"`
	Modules             []string      `envconfig:"MODULES" default:"pass,autofill"`
	LogLevel            string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat           string        `envconfig:"LOG_FORMAT" default:"text"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// Development server
	DevServerAddr  string `envconfig:"DEV_SERVER_ADDR" default:":8484"`
	DevTokenSecret string `envconfig:"DEV_TOKEN_SECRET"`
}

// Load reads the configuration from KEYSYNC_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment variables: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that envconfig cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval))
	}
	if c.MaxConcurrentShares <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent shares must be positive, got %d", c.MaxConcurrentShares))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	if len(c.SessionModules()) == 0 {
		errs = append(errs, errors.New("at least one module is required"))
	}
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid server url %q", c.ServerURL))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SessionModules returns the configured modules, trimmed and deduplicated,
// primary first.
func (c *Config) SessionModules() []session.Module {
	seen := make(map[string]bool, len(c.Modules))
	var out []session.Module
	for _, m := range c.Modules {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, session.Module(m))
	}
	return out
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return l, nil
}

// StorePath is the bbolt file holding cached vault data.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "keysync.db")
}

// SecretsPath is the bbolt file standing in for the platform keychain.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}
