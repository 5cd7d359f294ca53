package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	t.Setenv(EnvToken, "")
	t.Setenv(EnvDB, "")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Device.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Device.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.SampleInterval)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 9600, cfg.Location.GPSBaud)
	assert.NotEmpty(t, cfg.DatabasePath)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "missing config file MUST NOT be an error")
	assert.Equal(t, DefaultConfig().API, cfg.API)
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
log_level: debug
api:
  base_url: https://api.example.org
  timeout: 5s
auth:
  token: from-file
session:
  sample_interval: 2s
location:
  static_lat: 39.95
  static_lon: -75.19
user:
  id: user-1
  group_name: G1
  class_name: Bio
  school_name: Central
`)
	t.Setenv(EnvToken, "from-env")
	t.Setenv(EnvDB, "/tmp/bio.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://api.example.org", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, "from-env", cfg.Auth.Token, "environment MUST override the file")
	assert.Equal(t, "/tmp/bio.db", cfg.DatabasePath)
	assert.Equal(t, 2*time.Second, cfg.Session.SampleInterval)
	assert.Equal(t, time.Minute, cfg.Sync.Interval, "unset values MUST take defaults")
	assert.True(t, cfg.Location.HasStatic())
	assert.InDelta(t, -75.19, *cfg.Location.StaticLon, 1e-9)
	assert.True(t, cfg.HasUser())
	require.NotNil(t, cfg.User.GroupName)
	assert.Equal(t, "G1", *cfg.User.GroupName)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed yaml", body: "api: [unterminated"},
		{name: "bad url", body: "api:\n  base_url: ftp://x"},
		{name: "negative interval", body: "sync:\n  interval: -1s"},
		{name: "unknown log level", body: "log_level: loud"},
		{name: "half static location", body: "location:\n  static_lat: 10"},
		{name: "latitude out of range", body: "location:\n  static_lat: 91\n  static_lon: 0"},
		{name: "token url without client", body: "auth:\n  token_url: https://id.example.org/token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{level: "debug", want: logrus.DebugLevel},
		{level: "warn", want: logrus.WarnLevel},
		{level: "error", want: logrus.ErrorLevel},
		{level: "bogus", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := (&Config{LogLevel: tt.level}).NewLogger()
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
