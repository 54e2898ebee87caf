package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ICSConfig describes an external calendar subscription whose occurrences
// are merged into a nest calendar on behalf of one member.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// NestID is the nest the occurrences belong to. Required.
	NestID string `yaml:"nest_id" json:"nest_id"`
	// MemberID is the responsible member. Empty imports the feed as
	// family-wide events that never conflict.
	MemberID string `yaml:"member_id" json:"member_id"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SupabaseConfig points at the hosted backend.
type SupabaseConfig struct {
	URL    string `yaml:"url" json:"url"`
	Key    string `yaml:"key" json:"-"`
	Schema string `yaml:"schema" json:"schema"`

	// EventsTable holds event rows; RelaysTable holds delegation notices.
	EventsTable string `yaml:"events_table" json:"events_table"`
	RelaysTable string `yaml:"relays_table" json:"relays_table"`

	// ExtractFunction is the edge function that turns an image into an
	// event suggestion.
	ExtractFunction string `yaml:"extract_function" json:"extract_function"`

	// TimeoutSeconds bounds every hosted call.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`

	// BreakerFailures consecutive failures open the circuit for
	// BreakerCooldownSeconds.
	BreakerFailures        int `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
}

// Timeout returns TimeoutSeconds as a duration.
func (s SupabaseConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Enabled reports whether enough is configured to talk to the backend.
func (s SupabaseConfig) Enabled() bool {
	return s.URL != "" && s.Key != ""
}

// StoreConfig selects the local snapshot mirror.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the sqlite file.
	Path string `yaml:"path" json:"path"`
	// URL is the postgres connection string.
	URL string `yaml:"url" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used to compute calendar windows.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday starts a week view:
	//   - "monday" (default)
	//   - "sunday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a cron-style schedule string (e.g. "*/5 * * * *")
	// for re-reading tracked nests.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is the default number of future days in a window.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// IndexInclusive makes the calendar flag treat back-to-back events as
	// conflicting, matching the pre-write check.
	IndexInclusive bool `yaml:"index_inclusive" json:"index_inclusive"`

	// Nests are refreshed on RefreshCron and kept warm in the view.
	Nests []string `yaml:"nests" json:"nests"`

	// CacheDir holds ICS HTTP caches.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Supabase SupabaseConfig `yaml:"supabase" json:"supabase"`
	Store    StoreConfig    `yaml:"store" json:"store"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		// Unknown value; fall back to monday to avoid surprising layouts.
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/5 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Nests == nil {
		c.Nests = []string{}
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/ics-cache"
	}

	s := &c.Supabase
	if s.Schema == "" {
		s.Schema = "public"
	}
	if s.EventsTable == "" {
		s.EventsTable = "events"
	}
	if s.RelaysTable == "" {
		s.RelaysTable = "event_relays"
	}
	if s.ExtractFunction == "" {
		s.ExtractFunction = "extract-event"
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = 10
	}
	if s.BreakerFailures <= 0 {
		s.BreakerFailures = 5
	}
	if s.BreakerCooldownSeconds <= 0 {
		s.BreakerCooldownSeconds = 30
	}

	st := &c.Store
	st.Driver = strings.ToLower(st.Driver)
	switch st.Driver {
	case "sqlite", "sqlite3", "":
		st.Driver = "sqlite"
		if st.Path == "" {
			st.Path = "./var/nestcal.db"
		}
	case "postgresql":
		st.Driver = "postgres"
	}

	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// ApplyEnv overrides secrets from the environment so they can stay out of
// the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		c.Supabase.Key = v
	}
	if v := os.Getenv("NESTCAL_STORE_URL"); v != "" {
		c.Store.URL = v
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, errors.New("invalid timezone: "+c.Timezone))
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, errors.New("unsupported store driver: "+c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.URL == "" {
		errs = append(errs, errors.New("store.url is required for postgres"))
	}
	for i, src := range c.ICS {
		if src.URL == "" || src.NestID == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url and nest_id are required", i))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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
			// First run: create default config file.
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

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".nestcal-config-*.tmp")
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

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
