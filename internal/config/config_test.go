// File: internal/config/config_test.go
package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "vibium", cfg.Logger.ServiceName)

	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.Browser.LaunchTimeout)
	assert.Empty(t, cfg.Browser.BinaryPath)

	assert.Equal(t, 9222, cfg.Proxy.Port)
	assert.Equal(t, 10*time.Second, cfg.Proxy.ShutdownTimeout)

	assert.Equal(t, 30*time.Second, cfg.Session.FindTimeout)

	assert.Equal(t, 10, cfg.Recording.FPS)
	assert.Equal(t, "mp4", cfg.Recording.Format)
}

func TestLoadFromYAML(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
logger:
  level: debug
  format: json
browser:
  headless: false
  binary_path: /opt/chrome/chrome
  args:
    - --disable-gpu
proxy:
  port: 9515
recording:
  fps: 30
  format: webm
`)))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "/opt/chrome/chrome", cfg.Browser.BinaryPath)
	assert.Equal(t, []string{"--disable-gpu"}, cfg.Browser.Args)
	assert.Equal(t, 9515, cfg.Proxy.Port)
	assert.Equal(t, 30, cfg.Recording.FPS)
	assert.Equal(t, "webm", cfg.Recording.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Session.FindTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port too low",
			mutate:  func(c *Config) { c.Proxy.Port = 0 },
			wantErr: "proxy.port",
		},
		{
			name:    "port too high",
			mutate:  func(c *Config) { c.Proxy.Port = 70000 },
			wantErr: "proxy.port",
		},
		{
			name:    "zero fps",
			mutate:  func(c *Config) { c.Recording.FPS = 0 },
			wantErr: "recording.fps",
		},
		{
			name:    "bad format",
			mutate:  func(c *Config) { c.Recording.Format = "gif" },
			wantErr: "recording.format",
		},
		{
			name:    "zero find timeout",
			mutate:  func(c *Config) { c.Session.FindTimeout = 0 },
			wantErr: "session.find_timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(viper.New())
			require.NoError(t, err)

			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	v := viper.New()
	v.Set("recording.format", "avi")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
