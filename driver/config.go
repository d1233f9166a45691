package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/scheduler"
)

// Default values of a driver Config.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultEventQueueSize = 64
	DefaultBaudRate       = 9600
)

// Range limits of a driver Config.
const (
	MinConnectTimeout = 100 * time.Millisecond
	MaxConnectTimeout = 2 * time.Minute

	MinEventQueueSize = 1
	MaxEventQueueSize = 65536
)

// DialFunc establishes the transport to the instrument.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// TransportKind is the kind of transport a Config dials.
type TransportKind int

const (
	TransportNone TransportKind = iota
	// TransportTCP connects to a port agent over TCP.
	TransportTCP
	// TransportSerial opens a local serial line.
	TransportSerial
	// TransportCustom uses a caller-supplied DialFunc.
	TransportCustom
)

// String returns the name of the transport kind.
func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportSerial:
		return "serial"
	case TransportCustom:
		return "custom"
	default:
		return "none"
	}
}

// Config holds the configuration of a Driver.
type Config struct {
	transport TransportKind
	host      string
	port      int
	device    string
	baudRate  int
	dial      DialFunc

	connectTimeout time.Duration
	eventQueueSize int
	maxRetention   int
	autoDiscover   bool
	seedDefaults   bool

	startupValues map[string]any
	layerOpts     []command.LayerOption
	jobs          []scheduler.Job

	clock  func() time.Time
	logger logger.Logger
}

// NewConfig creates a driver configuration. One transport option (WithTCP,
// WithSerial, WithDialFunc or WithTransport) is required.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		connectTimeout: DefaultConnectTimeout,
		eventQueueSize: DefaultEventQueueSize,
		autoDiscover:   true,
		clock:          time.Now,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.dial == nil {
		return nil, errors.New("driver: no transport configured")
	}

	return cfg, nil
}

// --- Getters ---

// Transport returns the configured transport kind.
func (cfg *Config) Transport() TransportKind { return cfg.transport }

// Addr returns the "host:port" port agent address of a TCP transport.
func (cfg *Config) Addr() string { return fmt.Sprintf("%s:%d", cfg.host, cfg.port) }

// Device returns the serial device of a serial transport.
func (cfg *Config) Device() string { return cfg.device }

// BaudRate returns the baud rate of a serial transport.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// ConnectTimeout returns the transport connect timeout.
func (cfg *Config) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// EventQueueSize returns the capacity of each event handler queue.
func (cfg *Config) EventQueueSize() int { return cfg.eventQueueSize }

// AutoDiscover returns whether Open runs discovery.
func (cfg *Config) AutoDiscover() bool { return cfg.autoDiscover }

// SeedDefaults returns whether the parameter dictionary starts out holding the
// descriptor defaults.
func (cfg *Config) SeedDefaults() bool { return cfg.seedDefaults }

// StartupValues returns a copy of the configured startup parameter values.
func (cfg *Config) StartupValues() map[string]any { return maps.Clone(cfg.startupValues) }

// Jobs returns the scheduled jobs.
func (cfg *Config) Jobs() []scheduler.Job { return append([]scheduler.Job(nil), cfg.jobs...) }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Driver.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

func setTransport(cfg *Config, kind TransportKind) error {
	if cfg.transport != TransportNone && cfg.transport != kind {
		return fmt.Errorf("driver: transport already set to %s", cfg.transport)
	}
	cfg.transport = kind
	return nil
}

// WithTCP connects to a port agent at host:port.
func WithTCP(host string, port int) Option {
	return optFunc(func(cfg *Config) error {
		host = strings.TrimSpace(host)
		if host == "" {
			return errors.New("driver: empty host")
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("driver: port %d out of range [1, 65535]", port)
		}
		if err := setTransport(cfg, TransportTCP); err != nil {
			return err
		}
		cfg.host, cfg.port = host, port
		cfg.dial = cfg.dialTCP

		return nil
	})
}

// WithSerial opens the serial device at baud, 8N1. A baud of 0 selects DefaultBaudRate.
func WithSerial(device string, baud int) Option {
	return optFunc(func(cfg *Config) error {
		if device == "" {
			return errors.New("driver: empty serial device")
		}
		if baud == 0 {
			baud = DefaultBaudRate
		}
		if baud < 0 {
			return fmt.Errorf("driver: invalid baud rate %d", baud)
		}
		if err := setTransport(cfg, TransportSerial); err != nil {
			return err
		}
		cfg.device, cfg.baudRate = device, baud
		cfg.dial = cfg.dialSerial

		return nil
	})
}

// WithDialFunc uses fn to establish the transport.
func WithDialFunc(fn DialFunc) Option {
	return optFunc(func(cfg *Config) error {
		if fn == nil {
			return errors.New("driver: dial func must not be nil")
		}
		if err := setTransport(cfg, TransportCustom); err != nil {
			return err
		}
		cfg.dial = fn

		return nil
	})
}

// WithTransport uses an already established transport. The driver can be opened
// only once.
func WithTransport(rwc io.ReadWriteCloser) Option {
	return optFunc(func(cfg *Config) error {
		if rwc == nil {
			return errors.New("driver: transport must not be nil")
		}
		if err := setTransport(cfg, TransportCustom); err != nil {
			return err
		}
		cfg.dial = onceDialer(rwc)

		return nil
	})
}

// WithConnectTimeout sets the transport connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinConnectTimeout || d > MaxConnectTimeout {
			return fmt.Errorf("driver: connect timeout %v out of range [%v, %v]", d, MinConnectTimeout, MaxConnectTimeout)
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithEventQueueSize sets the capacity of each event handler queue. Events for a
// handler whose queue is full are dropped.
func WithEventQueueSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinEventQueueSize || n > MaxEventQueueSize {
			return fmt.Errorf("driver: event queue size %d out of range [%d, %d]", n, MinEventQueueSize, MaxEventQueueSize)
		}
		cfg.eventQueueSize = n

		return nil
	})
}

// WithMaxRetention sets the maximum number of unmatched stream bytes kept by the chunker.
func WithMaxRetention(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n <= 0 {
			return fmt.Errorf("driver: invalid retention %d", n)
		}
		cfg.maxRetention = n

		return nil
	})
}

// WithAutoDiscover enables or disables discovery when the driver is opened.
// Enabled by default.
func WithAutoDiscover(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.autoDiscover = enabled

		return nil
	})
}

// WithDefaultValues makes the parameter dictionary start out holding each
// parameter's default value. Values the instrument reports replace them, so only
// parameters it never reports keep the default. Disabled by default.
func WithDefaultValues(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.seedDefaults = enabled

		return nil
	})
}

// WithStartupValues sets startup parameter values by parameter name. Values are
// coerced to the parameter type when the driver is created.
func WithStartupValues(values map[string]any) Option {
	return optFunc(func(cfg *Config) error {
		if cfg.startupValues == nil {
			cfg.startupValues = make(map[string]any, len(values))
		}
		maps.Copy(cfg.startupValues, values)

		return nil
	})
}

// WithCommandOptions passes options to the command layer.
func WithCommandOptions(opts ...command.LayerOption) Option {
	return optFunc(func(cfg *Config) error {
		cfg.layerOpts = append(cfg.layerOpts, opts...)

		return nil
	})
}

// WithSchedule adds scheduled jobs, started when the driver is opened.
func WithSchedule(jobs ...scheduler.Job) Option {
	return optFunc(func(cfg *Config) error {
		for _, job := range jobs {
			if err := job.Validate(); err != nil {
				return err
			}
		}
		cfg.jobs = append(cfg.jobs, jobs...)

		return nil
	})
}

// WithClock sets the clock used for particle timestamps and clock sync.
func WithClock(now func() time.Time) Option {
	return optFunc(func(cfg *Config) error {
		if now == nil {
			return errors.New("driver: clock must not be nil")
		}
		cfg.clock = now

		return nil
	})
}

// WithLogger sets the logger of the driver and every component it creates.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("driver: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
