package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"gopkg.in/yaml.v3"
)

const (
	ResolverScan  = "scan"
	ResolverBluez = "bluez"
	ResolverNone  = "none"

	FormatText = "text"
	FormatJSON = "json"
)

var validResolvers = []string{ResolverScan, ResolverBluez, ResolverNone}
var validFormats = []string{FormatText, FormatJSON}

// DeviceConfig identifies the sensor
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// Config holds application configuration
type Config struct {
	LogLevel string       `yaml:"log_level" default:"info"`
	Device   DeviceConfig `yaml:"device"`

	UpdateInterval    time.Duration `yaml:"update_interval" default:"1s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	ReadTimeout       time.Duration `yaml:"read_timeout" default:"5s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`

	// Resolver selects how the device reference is refreshed: scan, bluez or none
	Resolver      string        `yaml:"resolver" default:"scan"`
	ResolveMaxAge time.Duration `yaml:"resolve_max_age" default:"30s"`
	BluezAdapter  string        `yaml:"bluez_adapter" default:"hci0"`

	ScanDuration time.Duration `yaml:"scan_duration" default:"10s"`
	NamePrefix   string        `yaml:"name_prefix" default:"Polar"`

	SubscriberBuffer int    `yaml:"subscriber_buffer" default:"16"`
	OutputFormat     string `yaml:"output_format" default:"text"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	for name, d := range map[string]time.Duration{
		"update_interval":    c.UpdateInterval,
		"connect_timeout":    c.ConnectTimeout,
		"read_timeout":       c.ReadTimeout,
		"disconnect_timeout": c.DisconnectTimeout,
		"resolve_max_age":    c.ResolveMaxAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if !oneOf(c.Resolver, validResolvers) {
		errs = append(errs, fmt.Errorf("resolver '%s': must be one of %v", c.Resolver, validResolvers))
	}
	if !oneOf(c.OutputFormat, validFormats) {
		errs = append(errs, fmt.Errorf("output_format '%s': must be one of %v", c.OutputFormat, validFormats))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("subscriber_buffer must be positive, got %d", c.SubscriberBuffer))
	}

	return errors.Join(errs...)
}

// Identity builds the device identity from the device section
func (c *Config) Identity() (device.Identity, error) {
	return device.NewIdentity(c.Device.Address, c.Device.Name)
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}
