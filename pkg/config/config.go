package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	// Discovery
	ScanTimeout   time.Duration `yaml:"scan_timeout" default:"10s"`
	ClosestWindow time.Duration `yaml:"closest_window" default:"3s"`
	WandPrefix    string        `yaml:"wand_prefix" default:"Kano-Wand"`

	// Connection
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
	SettleDelay      time.Duration `yaml:"settle_delay" default:"1s"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout" default:"30s"`

	// Firmware update
	DfuNameDelay     time.Duration `yaml:"dfu_name_delay" default:"100ms"`
	DfuSearchTimeout time.Duration `yaml:"dfu_search_timeout" default:"30s"`
	DfuTargetName    string        `yaml:"dfu_target_name" default:"DfuTarg"`
	ReceiptStride    int           `yaml:"receipt_stride" default:"20"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported output format %q", c.OutputFormat))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"scan_timeout", c.ScanTimeout},
		{"closest_window", c.ClosestWindow},
		{"connect_timeout", c.ConnectTimeout},
		{"reconnect_timeout", c.ReconnectTimeout},
		{"dfu_name_delay", c.DfuNameDelay},
		{"dfu_search_timeout", c.DfuSearchTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("settle_delay must not be negative, got %s", c.SettleDelay))
	}
	if c.ReceiptStride <= 0 {
		errs = append(errs, fmt.Errorf("receipt_stride must be positive, got %d", c.ReceiptStride))
	}
	if strings.TrimSpace(c.WandPrefix) == "" {
		errs = append(errs, errors.New("wand_prefix must not be empty"))
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
