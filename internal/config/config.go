package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"calwatch/internal/errs"
)

// PlatformConfig describes one collected platform.
type PlatformConfig struct {
	// ID is the platform identifier stored on every event (e.g. "cls").
	ID string `yaml:"id" json:"id"`
	// Type selects the adapter implementation. Defaults to ID.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
	// Name is a human-friendly label used by the web export.
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// HorizonDays, if positive, sets the collection window end to today+N.
	// Otherwise HorizonEnd decides.
	HorizonDays int `yaml:"horizon_days,omitempty" json:"horizon_days,omitempty"`
	// HorizonEnd is "year_end" (default) or a fixed YYYY-MM-DD date.
	HorizonEnd string `yaml:"horizon_end,omitempty" json:"horizon_end,omitempty"`

	BaseURL     string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Backoff     time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	// Transport is "http" (default) or "browser" for sources that can be
	// fetched through a headless browser page.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`

	// URL is the subscription endpoint for "ics" platforms.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Token and UID are sent by sources that need a session identity.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
	UID   string `yaml:"uid,omitempty" json:"uid,omitempty"`
	// Countries restricts the investing calendar filter (site country ids).
	Countries []int `yaml:"countries,omitempty" json:"countries,omitempty"`
}

// IsEnabled reports whether the platform takes part in runs.
func (p PlatformConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AdapterType returns the adapter implementation name.
func (p PlatformConfig) AdapterType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.ID
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the read-only API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type WorkerConfig struct {
	// PoolSize bounds concurrent platform collections.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// BrowserConfig configures the headless Chromium used by browser-transport
// platforms and by snapshots.
type BrowserConfig struct {
	// ExecPath is the Chromium binary. Empty searches the usual locations.
	ExecPath string        `yaml:"exec_path,omitempty" json:"exec_path,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// DataDir holds the current/previous/archived tiers and reports.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// ExportDir receives the read-only web projections.
	ExportDir string `yaml:"export_dir" json:"export_dir"`
	// CacheDir holds HTTP caches (ICS bodies).
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Timezone is the IANA zone that defines "today" for runs (e.g. "Asia/Shanghai").
	Timezone string `yaml:"timezone" json:"timezone"`

	// Schedule is the cron expression used by `serve` for automatic runs.
	Schedule string `yaml:"schedule" json:"schedule"`

	// Listen is the HTTP listen address for `serve`.
	Listen string `yaml:"listen" json:"listen"`

	// CalendarDays is the window of the exported calendar view.
	CalendarDays int `yaml:"calendar_days" json:"calendar_days"`

	Log     LogConfig     `yaml:"log" json:"log"`
	Workers WorkerConfig  `yaml:"workers" json:"workers"`
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	Platforms []PlatformConfig `yaml:"platforms" json:"platforms"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultPlatforms lists the built-in sources with their usual horizons.
func DefaultPlatforms() []PlatformConfig {
	return []PlatformConfig{
		{ID: "cls", Name: "财联社", HorizonDays: 180},
		{ID: "jiuyangongshe", Name: "韭研公社", HorizonEnd: "year_end"},
		{ID: "tonghuashun", Name: "同花顺", HorizonEnd: "year_end"},
		{ID: "investing", Name: "英为财情", HorizonEnd: "year_end", Concurrency: 5},
		{ID: "eastmoney", Name: "东方财富", HorizonEnd: "year_end"},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "./data",
		ExportDir:    "./docs/data",
		CacheDir:     "./data/cache",
		Timezone:     "Asia/Shanghai",
		Schedule:     "30 6 * * *",
		Listen:       "127.0.0.1:8080",
		CalendarDays: 30,
		Log:          LogConfig{Level: "info", Format: "console"},
		Workers:      WorkerConfig{PoolSize: 5},
		Platforms:    DefaultPlatforms(),
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave like the defaults.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.ExportDir == "" {
		c.ExportDir = d.ExportDir
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.CalendarDays <= 0 {
		c.CalendarDays = d.CalendarDays
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		c.Log.Format = d.Log.Format
	}
	if c.Workers.PoolSize <= 0 {
		c.Workers.PoolSize = d.Workers.PoolSize
	}
	if c.Platforms == nil {
		c.Platforms = d.Platforms
	}
	for i := range c.Platforms {
		p := &c.Platforms[i]
		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
		}
		if p.MaxRetries <= 0 {
			p.MaxRetries = 3
		}
		if p.Backoff <= 0 {
			p.Backoff = time.Second
		}
		if p.MaxBackoff <= 0 {
			p.MaxBackoff = 10 * time.Second
		}
		if p.Concurrency <= 0 {
			p.Concurrency = 1
		}
		if p.HorizonDays <= 0 && p.HorizonEnd == "" {
			p.HorizonEnd = "year_end"
		}
	}
}

// platformIDPattern keeps ids usable as snapshot file names.
var platformIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// reservedIDs are file names the store keeps next to the snapshots.
var reservedIDs = map[string]struct{}{
	"metadata":         {},
	"first_run_marker": {},
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errs.Wrap(fmt.Errorf("timezone %q: %w", c.Timezone, err), errs.KindConfig, "validate")
	}
	seen := make(map[string]struct{}, len(c.Platforms))
	for _, p := range c.Platforms {
		if p.ID == "" {
			return errs.New(errs.KindConfig, "validate", "platform with empty id")
		}
		if !platformIDPattern.MatchString(p.ID) {
			return errs.New(errs.KindConfig, "validate", "platform id %q: use lowercase letters, digits, '_' and '-'", p.ID)
		}
		if _, reserved := reservedIDs[p.ID]; reserved {
			return errs.New(errs.KindConfig, "validate", "platform id %q is reserved", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return errs.New(errs.KindConfig, "validate", "duplicate platform id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.AdapterType() == "ics" && p.URL == "" {
			return errs.New(errs.KindConfig, "validate", "ics platform %q has no url", p.ID)
		}
		if p.HorizonEnd != "" && p.HorizonEnd != "year_end" {
			if _, err := time.Parse("2006-01-02", p.HorizonEnd); err != nil {
				return errs.New(errs.KindConfig, "validate", "platform %q: bad horizon_end %q", p.ID, p.HorizonEnd)
			}
		}
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// EnabledPlatforms returns the platforms taking part in runs.
func (c *Config) EnabledPlatforms() []PlatformConfig {
	out := make([]PlatformConfig, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written (0600) and returned.
//   - Otherwise the YAML is read, defaults are normalized and the result validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, errs.Wrap(err, errs.KindConfig, "load")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(err, errs.KindConfig, "parse")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, with 0600
// permissions and a 0700 parent directory.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data to a temp file in path's directory and renames
// it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
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
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
