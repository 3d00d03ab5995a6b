// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the root configuration for the acquisition engine. Everything is
// resolvable from environment variables (TALON_ prefix, dots become
// underscores); an optional YAML file can override the same keys.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Session     SessionConfig     `mapstructure:"session"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Navigator   NavigatorConfig   `mapstructure:"navigator"`
	Cascade     CascadeConfig     `mapstructure:"cascade"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	ETL         ETLConfig         `mapstructure:"etl"`

	// RunTimeout bounds the whole run, including any manual-login wait in
	// interactive mode. It is the only cancellation mechanism besides signals.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// LoggerConfig controls the console and file logging cores.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// SessionConfig selects how prior authentication state reaches the browser.
// A set artifact path selects reusable mode; an empty one selects interactive
// mode backed by a persistent profile directory.
type SessionConfig struct {
	Artifact   string        `mapstructure:"artifact"`
	ProfileDir string        `mapstructure:"profile_dir"`
	LoginWait  time.Duration `mapstructure:"login_wait"`
	LoginPoll  time.Duration `mapstructure:"login_poll"`
}

// ViewportConfig is the browser window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// BrowserConfig controls the Chrome process and per-navigation waits.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless"`
	ExecPath          string         `mapstructure:"exec_path"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout"`
	SettleTimeout     time.Duration  `mapstructure:"settle_timeout"`
	QuietPeriod       time.Duration  `mapstructure:"quiet_period"`
	Viewport          ViewportConfig `mapstructure:"viewport"`
	Args              []string       `mapstructure:"args"`
}

// NavigatorConfig drives candidate-target construction and the reach loop.
type NavigatorConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Paths            []string      `mapstructure:"paths"`
	TargetURL        string        `mapstructure:"target_url"`
	Locale           string        `mapstructure:"locale"`
	Preflight        bool          `mapstructure:"preflight"`
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout"`
	TargetPacing     time.Duration `mapstructure:"target_pacing"`
}

// CascadeConfig tunes the control-discovery probes.
type CascadeConfig struct {
	MenuSettle   time.Duration `mapstructure:"menu_settle"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// CaptureConfig controls where and how export files are materialized.
type CaptureConfig struct {
	Dir             string        `mapstructure:"dir"`
	Prefix          string        `mapstructure:"prefix"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// DiagnosticsConfig controls the failure bundle. Always forces a bundle even
// on successful runs.
type DiagnosticsConfig struct {
	Dir    string `mapstructure:"dir"`
	Always bool   `mapstructure:"always"`
}

// ETLConfig describes the external transform/load collaborator. An empty
// command skips the step entirely (capture-only runs).
type ETLConfig struct {
	Command string `mapstructure:"command"`
	DB      string `mapstructure:"db"`
}

// SetDefaults registers every configuration default on the given viper
// instance. Keys are flat so environment overrides line up one-to-one.
func SetDefaults(v *viper.Viper) {
	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "talon")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)

	// Session
	v.SetDefault("session.artifact", "")
	v.SetDefault("session.profile_dir", ".talon-profile")
	v.SetDefault("session.login_wait", 10*time.Minute)
	v.SetDefault("session.login_poll", 3*time.Second)

	// Browser
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.settle_timeout", 15*time.Second)
	v.SetDefault("browser.quiet_period", 1500*time.Millisecond)
	v.SetDefault("browser.viewport.width", 1920)
	v.SetDefault("browser.viewport.height", 1080)
	v.SetDefault("browser.args", []string{})

	// Navigator
	v.SetDefault("navigator.base_url", "https://turo.com")
	v.SetDefault("navigator.paths", []string{"/host/earnings", "/host/transactions"})
	v.SetDefault("navigator.target_url", "")
	v.SetDefault("navigator.locale", "")
	v.SetDefault("navigator.preflight", true)
	v.SetDefault("navigator.preflight_timeout", 10*time.Second)
	v.SetDefault("navigator.target_pacing", 500*time.Millisecond)

	// Cascade
	v.SetDefault("cascade.menu_settle", 750*time.Millisecond)
	v.SetDefault("cascade.probe_timeout", 10*time.Second)

	// Capture
	v.SetDefault("capture.dir", "data/exports")
	v.SetDefault("capture.prefix", "turo_earnings")
	v.SetDefault("capture.download_timeout", 30*time.Second)

	// Diagnostics
	v.SetDefault("diagnostics.dir", "out/diagnostics")
	v.SetDefault("diagnostics.always", false)

	// ETL
	v.SetDefault("etl.command", "")
	v.SetDefault("etl.db", "turo.duckdb")

	v.SetDefault("run_timeout", 15*time.Minute)
}

// NewDefaultConfig returns a Config populated purely from defaults. Used by
// tests and as the baseline before environment overrides.
func NewDefaultConfig() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling default config: %w", err)
	}
	return &cfg, nil
}

// NewConfigFromViper unmarshals, expands, and validates a Config from a viper
// instance that already has defaults, env wiring, and any config file loaded.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// The session artifact keeps its historical alias so existing automation
	// that exports AUTH_STORAGE_STATE keeps working.
	_ = v.BindEnv("session.artifact", "TALON_SESSION_ARTIFACT", "AUTH_STORAGE_STATE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandPaths runs every path-like setting through homedir expansion so "~/"
// values from the environment work as operators expect.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Session.Artifact,
		&c.Session.ProfileDir,
		&c.Capture.Dir,
		&c.Diagnostics.Dir,
		&c.ETL.DB,
		&c.Logger.LogFile,
	} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the whole configuration and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Browser.Validate(); err != nil {
		return fmt.Errorf("browser config: %w", err)
	}
	if err := c.Navigator.Validate(); err != nil {
		return fmt.Errorf("navigator config: %w", err)
	}
	if err := c.Cascade.Validate(); err != nil {
		return fmt.Errorf("cascade config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Diagnostics.Validate(); err != nil {
		return fmt.Errorf("diagnostics config: %w", err)
	}
	if err := c.ETL.Validate(); err != nil {
		return fmt.Errorf("etl config: %w", err)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive, got %s", c.RunTimeout)
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

// Validate checks logger settings.
func (lc *LoggerConfig) Validate() error {
	if !validLogLevels[strings.ToLower(lc.Level)] {
		return fmt.Errorf("invalid level %q", lc.Level)
	}
	if lc.Format != "console" && lc.Format != "json" {
		return fmt.Errorf("invalid format %q (want console or json)", lc.Format)
	}
	if lc.MaxSize < 0 || lc.MaxBackups < 0 || lc.MaxAge < 0 {
		return fmt.Errorf("rotation settings must be non-negative")
	}
	return nil
}

// Validate checks session settings.
func (sc *SessionConfig) Validate() error {
	if sc.Artifact == "" && sc.ProfileDir == "" {
		return fmt.Errorf("profile_dir is required when no artifact is set")
	}
	if sc.LoginWait <= 0 {
		return fmt.Errorf("login_wait must be positive, got %s", sc.LoginWait)
	}
	if sc.LoginPoll <= 0 || sc.LoginPoll >= sc.LoginWait {
		return fmt.Errorf("login_poll must be positive and shorter than login_wait, got %s", sc.LoginPoll)
	}
	return nil
}

// Validate checks browser settings. The settle window is capped at 15s; the
// navigator promises a bounded settle and everything downstream assumes it.
func (bc *BrowserConfig) Validate() error {
	if bc.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be positive, got %s", bc.NavigationTimeout)
	}
	if bc.SettleTimeout <= 0 || bc.SettleTimeout > 15*time.Second {
		return fmt.Errorf("settle_timeout must be within (0, 15s], got %s", bc.SettleTimeout)
	}
	if bc.QuietPeriod <= 0 || bc.QuietPeriod >= bc.SettleTimeout {
		return fmt.Errorf("quiet_period must be positive and shorter than settle_timeout, got %s", bc.QuietPeriod)
	}
	if bc.Viewport.Width <= 0 || bc.Viewport.Height <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", bc.Viewport.Width, bc.Viewport.Height)
	}
	return nil
}

// Validate checks navigator settings.
func (nc *NavigatorConfig) Validate() error {
	if err := validateHTTPURL(nc.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if nc.TargetURL != "" {
		if err := validateHTTPURL(nc.TargetURL); err != nil {
			return fmt.Errorf("target_url: %w", err)
		}
	}
	if len(nc.Paths) == 0 {
		return fmt.Errorf("at least one candidate path is required")
	}
	for _, p := range nc.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("candidate path %q must start with /", p)
		}
	}
	if nc.Locale != "" && strings.ContainsAny(nc.Locale, "/ ") {
		return fmt.Errorf("locale %q must be a bare path segment", nc.Locale)
	}
	if nc.PreflightTimeout <= 0 {
		return fmt.Errorf("preflight_timeout must be positive, got %s", nc.PreflightTimeout)
	}
	if nc.TargetPacing < 0 {
		return fmt.Errorf("target_pacing must be non-negative, got %s", nc.TargetPacing)
	}
	return nil
}

// Validate checks cascade settings.
func (cc *CascadeConfig) Validate() error {
	if cc.MenuSettle <= 0 {
		return fmt.Errorf("menu_settle must be positive, got %s", cc.MenuSettle)
	}
	if cc.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", cc.ProbeTimeout)
	}
	return nil
}

// Validate checks capture settings.
func (cc *CaptureConfig) Validate() error {
	if cc.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if cc.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if strings.ContainsAny(cc.Prefix, `/\`) {
		return fmt.Errorf("prefix %q must not contain path separators", cc.Prefix)
	}
	if cc.DownloadTimeout <= 0 {
		return fmt.Errorf("download_timeout must be positive, got %s", cc.DownloadTimeout)
	}
	return nil
}

// Validate checks diagnostics settings.
func (dc *DiagnosticsConfig) Validate() error {
	if dc.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	return nil
}

// Validate checks ETL settings.
func (ec *ETLConfig) Validate() error {
	if ec.Command != "" && ec.DB == "" {
		return fmt.Errorf("db is required when a command is set")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q is missing a host", raw)
	}
	return nil
}
