// Package config handles application configuration from a TOML file and
// environment variables
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath  = "~/.config/prepcoach/config.toml"
	defaultBaseURL     = "http://localhost:5000"
	defaultTimeout     = 15 * time.Second
	defaultCookieName  = "token"
	defaultGracePeriod = 5 * time.Minute
	defaultMaxIdle     = 256
	defaultLogLevel    = "info"
	defaultLogFormat   = "console"
	defaultMockAddr    = ":5000"
	defaultMockOrigin  = "http://localhost:5173"
)

// Config holds all application configuration
type Config struct {
	API   APIConfig
	Cache CacheConfig
	Log   LogConfig
	Mock  MockConfig

	// OptimisticPins shows a pin toggle before the backend confirms it
	OptimisticPins bool `env:"PREP_OPTIMISTIC_PINS"`

	// Path is the config file that was read, empty if none was found
	Path string
}

// APIConfig holds the backend connection settings
type APIConfig struct {
	BaseURL       string        `env:"PREP_API_BASE_URL"`
	Timeout       time.Duration `env:"PREP_API_TIMEOUT"`
	SessionCookie string        `env:"PREP_API_SESSION_COOKIE"`
	CookieName    string        `env:"PREP_API_COOKIE_NAME"`
	Token         string        `env:"PREP_API_TOKEN"`
}

// CacheConfig holds cache tuning
type CacheConfig struct {
	StaleTime   time.Duration `env:"PREP_CACHE_STALE_TIME"`
	GracePeriod time.Duration `env:"PREP_CACHE_GRACE_PERIOD"`
	MaxIdle     int           `env:"PREP_CACHE_MAX_IDLE"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `env:"PREP_LOG_LEVEL"`
	Format string `env:"PREP_LOG_FORMAT"`
}

// MockConfig holds settings for the mock backend
type MockConfig struct {
	Addr    string        `env:"PREP_MOCK_ADDR"`
	Origins []string      `env:"PREP_MOCK_ORIGINS" envSeparator:","`
	Latency time.Duration `env:"PREP_MOCK_LATENCY"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    defaultBaseURL,
			Timeout:    defaultTimeout,
			CookieName: defaultCookieName,
		},
		Cache: CacheConfig{
			GracePeriod: defaultGracePeriod,
			MaxIdle:     defaultMaxIdle,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Mock: MockConfig{
			Addr:    defaultMockAddr,
			Origins: []string{defaultMockOrigin},
		},
		OptimisticPins: true,
	}
}

// Load builds the configuration from defaults, then the TOML file at path,
// then PREP_* environment variables. An empty path means the default location;
// a missing file at the default location is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, explicit, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.loadFile(resolved, explicit); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.API.BaseURL = strings.TrimSpace(cfg.API.BaseURL)
	cfg.Mock.Origins = trimAll(cfg.Mock.Origins)
	return cfg, nil
}

// fileConfig mirrors the TOML layout. Durations are strings like "15s".
type fileConfig struct {
	API struct {
		BaseURL       string `toml:"base_url"`
		Timeout       string `toml:"timeout"`
		SessionCookie string `toml:"session_cookie"`
		CookieName    string `toml:"cookie_name"`
		Token         string `toml:"token"`
	} `toml:"api"`
	Cache struct {
		StaleTime   string `toml:"stale_time"`
		GracePeriod string `toml:"grace_period"`
		MaxIdle     *int   `toml:"max_idle"`
	} `toml:"cache"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Mock struct {
		Addr    string   `toml:"addr"`
		Origins []string `toml:"origins"`
		Latency string   `toml:"latency"`
	} `toml:"mock"`
	OptimisticPins *bool `toml:"optimistic_pins"`
}

func (c *Config) loadFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.API.BaseURL, raw.API.BaseURL)
	setString(&c.API.SessionCookie, raw.API.SessionCookie)
	setString(&c.API.CookieName, raw.API.CookieName)
	setString(&c.API.Token, raw.API.Token)
	setString(&c.Log.Level, raw.Log.Level)
	setString(&c.Log.Format, raw.Log.Format)
	setString(&c.Mock.Addr, raw.Mock.Addr)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"api.timeout", raw.API.Timeout, &c.API.Timeout},
		{"cache.stale_time", raw.Cache.StaleTime, &c.Cache.StaleTime},
		{"cache.grace_period", raw.Cache.GracePeriod, &c.Cache.GracePeriod},
		{"mock.latency", raw.Mock.Latency, &c.Mock.Latency},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse config %s: invalid %s: %w", path, d.name, err)
		}
		*d.dst = v
	}

	if raw.Cache.MaxIdle != nil {
		c.Cache.MaxIdle = *raw.Cache.MaxIdle
	}
	if len(raw.Mock.Origins) > 0 {
		c.Mock.Origins = raw.Mock.Origins
	}
	if raw.OptimisticPins != nil {
		c.OptimisticPins = *raw.OptimisticPins
	}
	c.Path = path
	return nil
}

// HasSessionCookie returns true if a backend session cookie is configured
func (c *Config) HasSessionCookie() bool {
	return c.API.SessionCookie != "" && c.API.CookieName != ""
}

// HasToken returns true if a bearer token is configured
func (c *Config) HasToken() bool {
	return c.API.Token != ""
}

// HasCredentials returns true if any credential is configured
func (c *Config) HasCredentials() bool {
	return c.HasSessionCookie() || c.HasToken()
}

// SessionCookie returns the configured session cookie, or nil
func (c *Config) SessionCookie() *http.Cookie {
	if !c.HasSessionCookie() {
		return nil
	}
	return &http.Cookie{Name: c.API.CookieName, Value: c.API.SessionCookie}
}

// Validate checks the configuration for values the layer cannot run with
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid PREP_API_BASE_URL %q: must be an absolute URL", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("PREP_API_TIMEOUT must be positive, got %s", c.API.Timeout)
	}
	if c.Cache.StaleTime < 0 {
		return fmt.Errorf("PREP_CACHE_STALE_TIME must not be negative, got %s", c.Cache.StaleTime)
	}
	if c.Cache.MaxIdle < 0 {
		return fmt.Errorf("PREP_CACHE_MAX_IDLE must not be negative, got %d", c.Cache.MaxIdle)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("PREP_LOG_LEVEL must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("PREP_LOG_FORMAT must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func trimAll(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func resolvePath(path string) (resolved string, explicit bool, err error) {
	if strings.TrimSpace(path) == "" {
		p, err := expandPath(defaultConfigPath)
		return p, false, err
	}
	p, err := expandPath(path)
	return p, true, err
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
