package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/model"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvAPIURL = "BIOINFO_API_URL"
	EnvToken  = "BIOINFO_TOKEN"
	EnvDB     = "BIOINFO_DB"
)

// Config holds application configuration
type Config struct {
	LogLevel     string         `yaml:"log_level" default:"warn"`
	DatabasePath string         `yaml:"database_path"`
	API          APIConfig      `yaml:"api"`
	Auth         AuthConfig     `yaml:"auth"`
	Device       DeviceConfig   `yaml:"device"`
	Scan         ScanConfig     `yaml:"scan"`
	Session      SessionConfig  `yaml:"session"`
	Sync         SyncConfig     `yaml:"sync"`
	Location     LocationConfig `yaml:"location"`
	User         model.UserInfo `yaml:"user"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" default:"http://localhost:8080"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// AuthConfig selects the token source: a static token, a refresh token, or
// client credentials, in that order of precedence.
type AuthConfig struct {
	Token        string `yaml:"token"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

type DeviceConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" default:"5s"`
	ReadInterval     time.Duration `yaml:"read_interval" default:"5s"`
}

type ScanConfig struct {
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	NameFilter string        `yaml:"name_filter"`
}

type SessionConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval" default:"5s"`
}

type SyncConfig struct {
	Interval   time.Duration `yaml:"interval" default:"1m"`
	MaxBackoff time.Duration `yaml:"max_backoff" default:"5m"`
}

// LocationConfig picks a GPS receiver when GPSPort is set, otherwise a fixed
// position when both coordinates are set, otherwise no location.
type LocationConfig struct {
	StaticLat *float64 `yaml:"static_lat"`
	StaticLon *float64 `yaml:"static_lon"`
	GPSPort   string   `yaml:"gps_port"`
	GPSBaud   int      `yaml:"gps_baud" default:"9600"`
}

// HasStatic reports whether a fixed position is configured.
func (l LocationConfig) HasStatic() bool {
	return l.StaticLat != nil && l.StaticLon != nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config file location under the user's config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bioinfo.yaml"
	}
	return filepath.Join(dir, "bioinfo", "config.yaml")
}

// DefaultDatabasePath returns the database location under the user's data dir.
func DefaultDatabasePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "bioinfo", "bioinfo.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "bioinfo.db"
	}
	return filepath.Join(home, ".local", "share", "bioinfo", "bioinfo.db")
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		c.API.BaseURL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Auth.Token = v
	}
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.DatabasePath = v
	}
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath()
	}
}

// Validate rejects configuration the application cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url: %q is not an http(s) URL", c.API.BaseURL))
	}

	for name, d := range map[string]time.Duration{
		"api.timeout":              c.API.Timeout,
		"device.connect_timeout":   c.Device.ConnectTimeout,
		"device.handshake_timeout": c.Device.HandshakeTimeout,
		"device.read_interval":     c.Device.ReadInterval,
		"scan.timeout":             c.Scan.Timeout,
		"session.sample_interval":  c.Session.SampleInterval,
		"sync.interval":            c.Sync.Interval,
		"sync.max_backoff":         c.Sync.MaxBackoff,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", name, d))
		}
	}

	if (c.Location.StaticLat == nil) != (c.Location.StaticLon == nil) {
		errs = append(errs, errors.New("location: static_lat and static_lon must be set together"))
	}
	if c.Location.HasStatic() && (*c.Location.StaticLat < -90 || *c.Location.StaticLat > 90 ||
		*c.Location.StaticLon < -180 || *c.Location.StaticLon > 180) {
		errs = append(errs, errors.New("location: static coordinates out of range"))
	}

	if c.Auth.Token == "" && c.Auth.TokenURL != "" && c.Auth.ClientID == "" {
		errs = append(errs, errors.New("auth: token_url requires client_id"))
	}

	return errors.Join(errs...)
}

// HasUser reports whether the classification metadata needed to create a
// session is present.
func (c *Config) HasUser() bool {
	return strings.TrimSpace(c.User.UserID) != "" &&
		strings.TrimSpace(c.User.ClassName) != "" &&
		strings.TrimSpace(c.User.SchoolName) != ""
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
