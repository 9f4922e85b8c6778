package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PreferencesConfig selects where the preferred category is persisted.
type PreferencesConfig struct {
	// Backend is one of "file", "sqlite" or "redis".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the file or sqlite database path.
	Path string `yaml:"path" json:"path"`
	// RedisAddr is used when Backend is "redis".
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	// RedisPassword is used when Backend is "redis".
	RedisPassword string `yaml:"redis_password,omitempty" json:"-"`
	// RedisDB is used when Backend is "redis".
	RedisDB int `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the local API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the local JSON API.
	Listen string `yaml:"listen" json:"listen"`

	// APIBaseURL is the booking service root, e.g. "http://127.0.0.1:8000".
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`

	// Timezone is the IANA zone used to interpret the service's
	// zone-less wall-clock timestamps. "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// UserID identifies the current session's user for signup.
	UserID int `yaml:"user_id" json:"user_id"`

	// Categories is the enumerated set of slot categories.
	Categories []string `yaml:"categories" json:"categories"`

	// DefaultCategory is used when no preference has been stored yet.
	DefaultCategory string `yaml:"default_category" json:"default_category"`

	// AdminAnchorDate is the week_start the admin list is queried with.
	AdminAnchorDate string `yaml:"admin_anchor_date" json:"admin_anchor_date"`

	// SettleDelay is how long the admin view waits after a create before
	// re-querying the list.
	SettleDelay time.Duration `yaml:"settle_delay" json:"settle_delay"`

	// RequestTimeout bounds every outbound HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// RateLimit caps outbound requests per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// RefreshCron is a cron-style schedule string (e.g. "*/5 * * * *")
	// for a periodic refresh broadcast. Empty disables it.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// SendUTCOffset appends the zone offset to timestamps submitted to
	// the service. Off by default: the service expects bare wall-clock
	// values.
	SendUTCOffset bool `yaml:"send_utc_offset" json:"send_utc_offset"`

	Preferences PreferencesConfig `yaml:"preferences" json:"preferences"`

	// LogLevel is one of DEBUG, INFO, ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultAPIBaseURL  = "http://127.0.0.1:8000"
	defaultTimezone    = "Local"
	defaultAnchorDate  = "2026-02-02"
	defaultSettleDelay = 500 * time.Millisecond
	defaultTimeout     = 15 * time.Second
	defaultPrefsPath   = "./var/preferences"
	defaultRedisAddr   = "127.0.0.1:6379"
)

// DefaultCategories is the category set shipped with a fresh config.
var DefaultCategories = []string{"Cat 1", "Cat 2", "Cat 3"}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		APIBaseURL:      defaultAPIBaseURL,
		Timezone:        defaultTimezone,
		UserID:          1,
		Categories:      append([]string(nil), DefaultCategories...),
		DefaultCategory: DefaultCategories[0],
		AdminAnchorDate: defaultAnchorDate,
		SettleDelay:     defaultSettleDelay,
		RequestTimeout:  defaultTimeout,
		Preferences: PreferencesConfig{
			Backend:   "file",
			Path:      defaultPrefsPath,
			RedisAddr: defaultRedisAddr,
		},
		LogLevel: "INFO",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.UserID <= 0 {
		c.UserID = 1
	}
	if len(c.Categories) == 0 {
		c.Categories = append([]string(nil), DefaultCategories...)
	}
	if !c.HasCategory(c.DefaultCategory) {
		c.DefaultCategory = c.Categories[0]
	}
	if _, err := time.Parse("2006-01-02", c.AdminAnchorDate); err != nil {
		c.AdminAnchorDate = defaultAnchorDate
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultTimeout
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	switch c.Preferences.Backend {
	case "file", "sqlite", "redis":
		// ok
	default:
		c.Preferences.Backend = "file"
	}
	if c.Preferences.Path == "" {
		c.Preferences.Path = defaultPrefsPath
	}
	if c.Preferences.RedisAddr == "" {
		c.Preferences.RedisAddr = defaultRedisAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

// HasCategory reports whether name is one of the configured categories.
func (c *Config) HasCategory(name string) bool {
	for _, cat := range c.Categories {
		if cat == name {
			return true
		}
	}
	return false
}

// Location resolves Timezone. Unknown zones fall back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".slotbook-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
