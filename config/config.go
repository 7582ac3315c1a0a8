// Package config loads client settings from defaults, an optional TOML
// file, and FLOWCONN_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is everything a client needs to reach the backend.
type Config struct {
	BaseURL      string        `env:"FLOWCONN_BASE_URL"`
	DialTimeout  time.Duration `env:"FLOWCONN_DIAL_TIMEOUT"`
	SendTimeout  time.Duration `env:"FLOWCONN_SEND_TIMEOUT"`
	FetchTimeout time.Duration `env:"FLOWCONN_FETCH_TIMEOUT"`
	InboxLimit   int           `env:"FLOWCONN_INBOX_LIMIT"`
	CookieFile   string        `env:"FLOWCONN_COOKIE_FILE"`
	LogLevel     string        `env:"FLOWCONN_LOG_LEVEL"`
	AppName      string        `env:"FLOWCONN_APP_NAME"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BaseURL:      "http://localhost:8000",
		DialTimeout:  10 * time.Second,
		SendTimeout:  10 * time.Second,
		FetchTimeout: 5 * time.Second,
		InboxLimit:   0,
		CookieFile:   "",
		LogLevel:     "info",
		AppName:      "flowconn",
	}
}

// flowconn.toml key mapping. Durations are strings like "10s".
type fileConfig struct {
	BaseURL      string `toml:"base_url"`
	DialTimeout  string `toml:"dial_timeout"`
	SendTimeout  string `toml:"send_timeout"`
	FetchTimeout string `toml:"fetch_timeout"`
	InboxLimit   int    `toml:"inbox_limit"`
	CookieFile   string `toml:"cookie_file"`
	LogLevel     string `toml:"log_level"`
	AppName      string `toml:"app_name"`
}

// Load builds a Config. An empty path skips the file; environment
// variables always win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("base_url") {
		c.BaseURL = strings.TrimSpace(raw.BaseURL)
	}
	if meta.IsDefined("dial_timeout") {
		if c.DialTimeout, err = parseDuration("dial_timeout", raw.DialTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("send_timeout") {
		if c.SendTimeout, err = parseDuration("send_timeout", raw.SendTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("fetch_timeout") {
		if c.FetchTimeout, err = parseDuration("fetch_timeout", raw.FetchTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("inbox_limit") {
		c.InboxLimit = raw.InboxLimit
	}
	if meta.IsDefined("cookie_file") {
		c.CookieFile = strings.TrimSpace(raw.CookieFile)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("app_name") {
		c.AppName = strings.TrimSpace(raw.AppName)
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("load config: %s: %w", key, err)
	}
	return d, nil
}

// Validate checks the settings a client cannot start without.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: base url scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: base url has no host", ErrInvalidConfig)
	}
	if c.DialTimeout <= 0 || c.SendTimeout <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.InboxLimit < 0 {
		return fmt.Errorf("%w: inbox limit %d", ErrInvalidConfig, c.InboxLimit)
	}
	return nil
}
