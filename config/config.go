// Package config loads driver configuration files.
//
// A file is decoded by extension: .toml with BurntSushi/toml, .yaml and .yml
// with yaml.v3. Durations are strings such as "1.5s". The startup section maps
// parameter names to the values applied when the driver discovers the
// instrument.
//
//	[driver]
//	transport = "tcp"
//	host = "10.0.0.5"
//	port = 4001
//	command_timeout = "10s"
//
//	[startup]
//	SampleInterval = 15
//	TxRealTime = true
//
//	[[schedule]]
//	name = "clock"
//	event = "SCHEDULED_CLOCK_SYNC"
//	interval = "24h"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/driver"
	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/protocol"
	"github.com/arloliu/go-seabird/scheduler"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat indicates a file extension Load cannot decode.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Duration is a time.Duration decoded from a string.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the content of a configuration file.
type Config struct {
	Driver   DriverConfig   `toml:"driver" yaml:"driver"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Startup  map[string]any `toml:"startup" yaml:"startup"`
	Schedule []JobConfig    `toml:"schedule" yaml:"schedule"`
}

// DriverConfig configures the transport and the command layer.
type DriverConfig struct {
	Transport string `toml:"transport" yaml:"transport"` // tcp or serial
	Host      string `toml:"host" yaml:"host"`
	Port      int    `toml:"port" yaml:"port"`
	Device    string `toml:"device" yaml:"device"`
	BaudRate  int    `toml:"baud_rate" yaml:"baud_rate"`

	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	CommandTimeout Duration `toml:"command_timeout" yaml:"command_timeout"`
	WakeupTimeout  Duration `toml:"wakeup_timeout" yaml:"wakeup_timeout"`
	WakeupAttempts int      `toml:"wakeup_attempts" yaml:"wakeup_attempts"`
	WakeupBackoff  Duration `toml:"wakeup_backoff" yaml:"wakeup_backoff"`
	EventQueueSize int      `toml:"event_queue_size" yaml:"event_queue_size"`
	MaxRetention   int      `toml:"max_retention" yaml:"max_retention"`
	AutoDiscover   *bool    `toml:"auto_discover" yaml:"auto_discover"`
	DefaultValues  bool     `toml:"default_values" yaml:"default_values"`
}

// LoggingConfig selects the logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // json, console, text or zerolog
}

// MetricsConfig configures the prometheus endpoint of a driver process.
type MetricsConfig struct {
	Listen    string `toml:"listen" yaml:"listen"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// JobConfig is a scheduled protocol event.
type JobConfig struct {
	Name     string   `toml:"name" yaml:"name"`
	Event    string   `toml:"event" yaml:"event"`
	Interval Duration `toml:"interval" yaml:"interval"`
	RunNow   bool     `toml:"run_now" yaml:"run_now"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		cfg, err = ParseTOML(data)
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// ParseTOML decodes and validates a TOML configuration.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	return &cfg, cfg.Validate()
}

// ParseYAML decodes and validates a YAML configuration.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, cfg.Validate()
}

// Validate checks the fields that do not depend on an instrument family.
func (c *Config) Validate() error {
	var errs error

	switch strings.ToLower(c.Driver.Transport) {
	case "tcp":
		if c.Driver.Host == "" || c.Driver.Port == 0 {
			errs = errors.Join(errs, errors.New("driver: tcp transport needs host and port"))
		}
	case "serial":
		if c.Driver.Device == "" {
			errs = errors.Join(errs, errors.New("driver: serial transport needs device"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("driver: unknown transport %q", c.Driver.Transport))
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = errors.Join(errs, err)
	}
	if _, err := parseFormat(c.Logging.Format); err != nil {
		errs = errors.Join(errs, err)
	}

	if _, err := c.Jobs(); err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

// Jobs returns the scheduled jobs.
func (c *Config) Jobs() ([]scheduler.Job, error) {
	jobs := make([]scheduler.Job, 0, len(c.Schedule))
	var errs error
	for _, jc := range c.Schedule {
		ev, ok := protocol.ParseEvent(strings.ToUpper(strings.TrimSpace(jc.Event)))
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("schedule %s: unknown event %q", jc.Name, jc.Event))
			continue
		}
		job := scheduler.Job{Name: jc.Name, Event: ev, Interval: jc.Interval.Duration, RunNow: jc.RunNow}
		if err := job.Validate(); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, errs
}

// DriverOptions converts the configuration into driver options. l, when not
// nil, is passed to the driver.
func (c *Config) DriverOptions(l logger.Logger) ([]driver.Option, error) {
	d := c.Driver

	var opts []driver.Option
	switch strings.ToLower(d.Transport) {
	case "tcp":
		opts = append(opts, driver.WithTCP(d.Host, d.Port))
	case "serial":
		opts = append(opts, driver.WithSerial(d.Device, d.BaudRate))
	default:
		return nil, fmt.Errorf("config: unknown transport %q", d.Transport)
	}

	if d.ConnectTimeout.Duration > 0 {
		opts = append(opts, driver.WithConnectTimeout(d.ConnectTimeout.Duration))
	}
	if d.EventQueueSize > 0 {
		opts = append(opts, driver.WithEventQueueSize(d.EventQueueSize))
	}
	if d.MaxRetention > 0 {
		opts = append(opts, driver.WithMaxRetention(d.MaxRetention))
	}
	if d.AutoDiscover != nil {
		opts = append(opts, driver.WithAutoDiscover(*d.AutoDiscover))
	}
	if d.DefaultValues {
		opts = append(opts, driver.WithDefaultValues(true))
	}
	if len(c.Startup) > 0 {
		opts = append(opts, driver.WithStartupValues(c.Startup))
	}

	var layerOpts []command.LayerOption
	if d.CommandTimeout.Duration > 0 {
		layerOpts = append(layerOpts, command.WithCommandTimeout(d.CommandTimeout.Duration))
	}
	if d.WakeupTimeout.Duration > 0 || d.WakeupAttempts > 0 || d.WakeupBackoff.Duration > 0 {
		timeout, attempts, backoff := d.WakeupTimeout.Duration, d.WakeupAttempts, d.WakeupBackoff.Duration
		if timeout == 0 {
			timeout = command.DefaultWakeupTimeout
		}
		if attempts == 0 {
			attempts = command.DefaultWakeupAttempts
		}
		if backoff == 0 {
			backoff = command.DefaultWakeupBackoff
		}
		layerOpts = append(layerOpts, command.WithWakeup(timeout, attempts, backoff))
	}
	if len(layerOpts) > 0 {
		opts = append(opts, driver.WithCommandOptions(layerOpts...))
	}

	jobs, err := c.Jobs()
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		opts = append(opts, driver.WithSchedule(jobs...))
	}

	if l != nil {
		opts = append(opts, driver.WithLogger(l))
	}

	return opts, nil
}

// Logger builds the configured logger.
func (c *Config) Logger() (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	format, err := parseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}

	if format == formatZerolog {
		zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
		l := logger.NewZerolog(zl)
		l.SetLevel(level)
		return l, nil
	}

	return logger.NewSlog(level, false, logger.WithFormat(logger.Format(format))), nil
}

const formatZerolog = -1

func parseFormat(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return int(logger.FormatAuto), nil
	case "json":
		return int(logger.FormatJSON), nil
	case "console":
		return int(logger.FormatConsole), nil
	case "text":
		return int(logger.FormatText), nil
	case "zerolog":
		return formatZerolog, nil
	default:
		return 0, fmt.Errorf("logging: unknown format %q", s)
	}
}
