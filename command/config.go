package command

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/arloliu/go-seabird/logger"
)

// Default values of the command layer.
const (
	DefaultNewline         = "\r\n"
	DefaultCommandTimeout  = 10 * time.Second
	DefaultWakeupTimeout   = 1 * time.Second
	DefaultWakeupAttempts  = 5
	DefaultWakeupBackoff   = 100 * time.Millisecond
	DefaultConfirmDelay    = 200 * time.Millisecond
	DefaultPromptGrace     = 200 * time.Millisecond
	DefaultResponseBufSize = 64 * 1024
)

// Range limits of the command layer settings.
const (
	MinCommandTimeout = 10 * time.Millisecond
	MaxCommandTimeout = 5 * time.Minute

	MinWakeupTimeout = 10 * time.Millisecond
	MaxWakeupTimeout = 30 * time.Second

	MaxWakeupAttempts = 20
	MaxConfirmDelay   = 5 * time.Second
	MaxPromptGrace    = 5 * time.Second
)

// DefaultPrompt matches the command prompt printed by the instrument.
var DefaultPrompt = regexp.MustCompile(`S>`)

// Hooks are optional callbacks used for metrics collection.
type Hooks struct {
	// OnSend is called for every command line written to the transport.
	OnSend func(verb Verb)
	// OnError is called when a command fails.
	OnError func(verb Verb, err error)
	// OnWakeupRetry is called each time a wakeup attempt times out and is retried.
	OnWakeupRetry func()
}

// Config holds the settings of a Layer.
type Config struct {
	newline        string
	prompt         *regexp.Regexp
	wakeupCommand  string
	commandTimeout time.Duration
	wakeupTimeout  time.Duration
	wakeupAttempts int
	wakeupBackoff  time.Duration
	confirmDelay   time.Duration
	promptGrace    time.Duration
	responseBuf    int
	hooks          Hooks
	logger         logger.Logger
}

func newConfig() *Config {
	return &Config{
		newline:        DefaultNewline,
		prompt:         DefaultPrompt,
		commandTimeout: DefaultCommandTimeout,
		wakeupTimeout:  DefaultWakeupTimeout,
		wakeupAttempts: DefaultWakeupAttempts,
		wakeupBackoff:  DefaultWakeupBackoff,
		confirmDelay:   DefaultConfirmDelay,
		promptGrace:    DefaultPromptGrace,
		responseBuf:    DefaultResponseBufSize,
		logger:         logger.GetLogger(),
	}
}

// CommandTimeout returns the default response timeout.
func (cfg *Config) CommandTimeout() time.Duration { return cfg.commandTimeout }

// WakeupAttempts returns the wakeup attempt ceiling.
func (cfg *Config) WakeupAttempts() int { return cfg.wakeupAttempts }

// ConfirmDelay returns the delay between the two sends of a confirmed set.
func (cfg *Config) ConfirmDelay() time.Duration { return cfg.confirmDelay }

// LayerOption is a functional option for configuring a Layer.
type LayerOption interface {
	apply(*Config) error
}

type layerOptFunc func(*Config) error

func (f layerOptFunc) apply(cfg *Config) error { return f(cfg) }

// WithNewline sets the line terminator appended to every command.
func WithNewline(nl string) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if nl == "" {
			return errors.New("command: newline must not be empty")
		}
		cfg.newline = nl
		return nil
	})
}

// WithPrompt sets the pattern that marks the end of a response and a successful wakeup.
func WithPrompt(re *regexp.Regexp) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if re == nil {
			return errors.New("command: prompt must not be nil")
		}
		cfg.prompt = re
		return nil
	})
}

// WithWakeupCommand sets the text sent (followed by the newline) to wake the instrument.
// Defaults to an empty line.
func WithWakeupCommand(cmd string) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		cfg.wakeupCommand = cmd
		return nil
	})
}

// WithCommandTimeout sets the default response timeout.
func WithCommandTimeout(d time.Duration) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if d < MinCommandTimeout || d > MaxCommandTimeout {
			return fmt.Errorf("command: timeout %v out of range [%v, %v]", d, MinCommandTimeout, MaxCommandTimeout)
		}
		cfg.commandTimeout = d
		return nil
	})
}

// WithWakeup sets the per-attempt wakeup timeout, the attempt ceiling and the
// initial backoff between attempts. The backoff doubles after each attempt.
func WithWakeup(timeout time.Duration, attempts int, backoff time.Duration) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if timeout < MinWakeupTimeout || timeout > MaxWakeupTimeout {
			return fmt.Errorf("command: wakeup timeout %v out of range [%v, %v]", timeout, MinWakeupTimeout, MaxWakeupTimeout)
		}
		if attempts < 1 || attempts > MaxWakeupAttempts {
			return fmt.Errorf("command: wakeup attempts %d out of range [1, %d]", attempts, MaxWakeupAttempts)
		}
		if backoff < 0 {
			return errors.New("command: wakeup backoff must not be negative")
		}
		cfg.wakeupTimeout = timeout
		cfg.wakeupAttempts = attempts
		cfg.wakeupBackoff = backoff
		return nil
	})
}

// WithConfirmDelay sets the delay between the two sends of a confirmed set command.
func WithConfirmDelay(d time.Duration) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if d < 0 || d > MaxConfirmDelay {
			return fmt.Errorf("command: confirm delay %v out of range [0, %v]", d, MaxConfirmDelay)
		}
		cfg.confirmDelay = d
		return nil
	})
}

// WithPromptGrace sets how long a command answered with an inline error marker
// keeps waiting for the trailing prompt, so it is not taken as the reply to the
// next command.
func WithPromptGrace(d time.Duration) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if d < 0 || d > MaxPromptGrace {
			return fmt.Errorf("command: prompt grace %v out of range [0, %v]", d, MaxPromptGrace)
		}
		cfg.promptGrace = d
		return nil
	})
}

// WithHooks sets the metrics callbacks.
func WithHooks(h Hooks) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		cfg.hooks = h
		return nil
	})
}

// WithLogger sets the logger of the layer.
func WithLogger(l logger.Logger) LayerOption {
	return layerOptFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("command: logger must not be nil")
		}
		cfg.logger = l
		return nil
	})
}
