// File: internal/config/config_test.go
package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEnvViper builds a viper instance wired the same way the root command
// wires it: defaults, TALON prefix, dot-to-underscore replacement.
func newEnvViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("TALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func TestNewDefaultConfig(t *testing.T) {
	cfg, err := NewDefaultConfig()
	require.NoError(t, err)

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "talon", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 15*time.Second, cfg.Browser.SettleTimeout)
	assert.Equal(t, "https://turo.com", cfg.Navigator.BaseURL)
	assert.Equal(t, []string{"/host/earnings", "/host/transactions"}, cfg.Navigator.Paths)
	assert.Equal(t, ".talon-profile", cfg.Session.ProfileDir)
	assert.Equal(t, 10*time.Minute, cfg.Session.LoginWait)
	assert.Equal(t, "turo_earnings", cfg.Capture.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Capture.DownloadTimeout)
	assert.Equal(t, "", cfg.ETL.Command)
	assert.Equal(t, 15*time.Minute, cfg.RunTimeout)

	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestConfigValidation(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := NewDefaultConfig()
		require.NoError(t, err)
		return cfg
	}

	t.Run("browser waits", func(t *testing.T) {
		cfg := valid(t)
		cfg.Browser.SettleTimeout = 30 * time.Second
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "settle_timeout")

		cfg = valid(t)
		cfg.Browser.QuietPeriod = cfg.Browser.SettleTimeout
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quiet_period")

		cfg = valid(t)
		cfg.Browser.NavigationTimeout = 0
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "navigation_timeout")
	})

	t.Run("navigator targets", func(t *testing.T) {
		cfg := valid(t)
		cfg.Navigator.BaseURL = "turo.com"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base_url")

		cfg = valid(t)
		cfg.Navigator.Paths = []string{"host/earnings"}
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must start with /")

		cfg = valid(t)
		cfg.Navigator.Locale = "en/gb"
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "locale")
	})

	t.Run("capture naming", func(t *testing.T) {
		cfg := valid(t)
		cfg.Capture.Prefix = "exports/earnings"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path separators")

		cfg = valid(t)
		cfg.Capture.DownloadTimeout = -time.Second
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "download_timeout")
	})

	t.Run("session waits", func(t *testing.T) {
		cfg := valid(t)
		cfg.Session.LoginPoll = cfg.Session.LoginWait
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "login_poll")
	})

	t.Run("etl pairing", func(t *testing.T) {
		cfg := valid(t)
		cfg.ETL.Command = "python3 etl_turo_earnings.py"
		cfg.ETL.DB = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db is required")
	})

	t.Run("logger settings", func(t *testing.T) {
		cfg := valid(t)
		cfg.Logger.Level = "chatty"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid level")

		cfg = valid(t)
		cfg.Logger.Format = "xml"
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid format")
	})
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("TALON_CAPTURE_PREFIX", "acme_export")
		t.Setenv("TALON_CAPTURE_DOWNLOAD_TIMEOUT", "45s")
		t.Setenv("TALON_NAVIGATOR_TARGET_URL", "https://turo.com/en-gb/host/earnings")

		cfg, err := NewConfigFromViper(newEnvViper(t))
		require.NoError(t, err)

		assert.Equal(t, "acme_export", cfg.Capture.Prefix)
		assert.Equal(t, 45*time.Second, cfg.Capture.DownloadTimeout)
		assert.Equal(t, "https://turo.com/en-gb/host/earnings", cfg.Navigator.TargetURL)
	})

	t.Run("legacy artifact alias", func(t *testing.T) {
		t.Setenv("AUTH_STORAGE_STATE", "/tmp/state.json")

		cfg, err := NewConfigFromViper(newEnvViper(t))
		require.NoError(t, err)
		assert.Equal(t, "/tmp/state.json", cfg.Session.Artifact)
	})

	t.Run("prefixed name wins over the alias", func(t *testing.T) {
		t.Setenv("TALON_SESSION_ARTIFACT", "/tmp/new.json")
		t.Setenv("AUTH_STORAGE_STATE", "/tmp/old.json")

		cfg, err := NewConfigFromViper(newEnvViper(t))
		require.NoError(t, err)
		assert.Equal(t, "/tmp/new.json", cfg.Session.Artifact)
	})

	t.Run("tilde paths are expanded", func(t *testing.T) {
		t.Setenv("TALON_CAPTURE_DIR", "~/talon-exports")

		cfg, err := NewConfigFromViper(newEnvViper(t))
		require.NoError(t, err)
		assert.NotContains(t, cfg.Capture.Dir, "~")
		assert.True(t, filepath.IsAbs(cfg.Capture.Dir), "expanded path should be absolute")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		t.Setenv("TALON_BROWSER_SETTLE_TIMEOUT", "30s")

		_, err := NewConfigFromViper(newEnvViper(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "settle_timeout")
	})
}
