// Package command implements the command/response layer of the engine.
//
// A Layer builds command lines from registered verb specs, writes them to the
// transport and blocks until the response is complete, the instrument reports
// an inline error, or the command times out. The layer never reads from the
// transport: the driver reader forwards every inbound byte through Feed.
//
// Before each command the layer sends the number of wakeups selected by the
// wakeup policy (SetWakeups). A wakeup that gets no prompt is retried with
// exponential backoff up to the configured attempt ceiling; this is the only
// automatic retry in the engine.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/internal/pool"
	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/param"
)

// VerbWakeup is the verb reported to hooks for wakeup lines.
const VerbWakeup Verb = "wakeup"

var (
	// ErrUnknownCommand indicates a verb without a registered spec.
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", instrument.ErrProtocol)
	// ErrNotAttached indicates a write without an attached transport.
	ErrNotAttached = errors.New("command: transport not attached")
)

// Layer is the command/response layer. It is safe for concurrent use; command
// round trips are serialized.
type Layer struct {
	cfg    *Config
	specs  map[Verb]*Spec
	logger logger.Logger

	cmdMu   sync.Mutex // one round trip at a time
	writeMu sync.Mutex // guards w
	w       io.Writer

	resp    respBuffer
	wakeups atomic.Int32
}

// NewLayer creates a Layer for the given verb specs. A default VerbSet spec is
// registered when specs does not contain one.
func NewLayer(specs []Spec, opts ...LayerOption) (*Layer, error) {
	cfg := newConfig()
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	l := &Layer{
		cfg:    cfg,
		specs:  make(map[Verb]*Spec, len(specs)+1),
		logger: cfg.logger,
	}
	for i := range specs {
		s := specs[i]
		if s.Verb == "" {
			return nil, errors.New("command: spec without verb")
		}
		if _, dup := l.specs[s.Verb]; dup {
			return nil, fmt.Errorf("command: duplicate spec for %s", s.Verb)
		}
		l.specs[s.Verb] = &s
	}
	if _, ok := l.specs[VerbSet]; !ok {
		l.specs[VerbSet] = &Spec{Verb: VerbSet}
	}

	l.resp.max = cfg.responseBuf
	l.resp.notify = make(chan struct{})
	l.wakeups.Store(1)

	return l, nil
}

// Config returns the layer configuration.
func (l *Layer) Config() *Config { return l.cfg }

// Spec returns the registered spec of verb.
func (l *Layer) Spec(verb Verb) (Spec, bool) {
	s, ok := l.specs[verb]
	if !ok {
		return Spec{}, false
	}
	return *s, true
}

// Attach sets the transport writer. A nil writer detaches the transport.
func (l *Layer) Attach(w io.Writer) {
	l.writeMu.Lock()
	l.w = w
	l.writeMu.Unlock()
}

// SetWakeups sets the number of wakeups sent before every command.
func (l *Layer) SetWakeups(n int) {
	if n < 0 {
		n = 0
	}
	l.wakeups.Store(int32(n)) //nolint:gosec
}

// Wakeups returns the number of wakeups sent before every command.
func (l *Layer) Wakeups() int {
	return int(l.wakeups.Load())
}

// Feed appends inbound transport bytes to the response buffer.
func (l *Layer) Feed(data []byte) {
	l.resp.feed(data)
}

// CallOption configures one command round trip.
type CallOption func(*call)

type call struct {
	name    string
	value   string
	wakeups int
	timeout time.Duration
	confirm bool
}

// WithParam sets the parameter name and wire value of the command.
func WithParam(name, value string) CallOption {
	return func(c *call) {
		c.name = name
		c.value = value
	}
}

// WithWakeups overrides the wakeup policy for this command.
func WithWakeups(n int) CallOption {
	return func(c *call) { c.wakeups = n }
}

// WithTimeout overrides the response timeout for this command.
func WithTimeout(d time.Duration) CallOption {
	return func(c *call) { c.timeout = d }
}

// WithConfirm sends the command twice, separated by the confirm delay.
func WithConfirm() CallOption {
	return func(c *call) { c.confirm = true }
}

// Do sends verb and returns the complete validated response.
//
// The returned error wraps instrument.ErrTimeout when no complete response
// arrived in time, and instrument.ErrProtocol for inline device errors and
// failed validation. The response text is returned along with validation errors.
func (l *Layer) Do(ctx context.Context, verb Verb, opts ...CallOption) (string, error) {
	spec, ok := l.specs[verb]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
	}

	c := call{wakeups: -1}
	for _, opt := range opts {
		opt(&c)
	}

	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	resp, err := l.roundTrip(ctx, spec, &c)
	if err != nil {
		l.logger.Debug("command: failed", "verb", verb, "error", err)
		if l.cfg.hooks.OnError != nil {
			l.cfg.hooks.OnError(verb, err)
		}
	}

	return resp, err
}

// Set sends the set command for desc with the formatted wire value. Parameters
// flagged Confirm are transmitted twice.
func (l *Layer) Set(ctx context.Context, desc param.Descriptor, value string, opts ...CallOption) (string, error) {
	opts = append([]CallOption{WithParam(desc.Name, value)}, opts...)
	if desc.Confirm {
		opts = append(opts, WithConfirm())
	}
	return l.Do(ctx, VerbSet, opts...)
}

// Wakeup sends n wakeups outside of a command. n < 0 uses the wakeup policy.
func (l *Layer) Wakeup(ctx context.Context, n int) error {
	if n < 0 {
		n = l.Wakeups()
	}

	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	return l.wakeup(ctx, n)
}

// WriteRaw writes data to the transport unmodified.
func (l *Layer) WriteRaw(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.w == nil {
		return ErrNotAttached
	}
	_, err := l.w.Write(data)
	return err
}

func (l *Layer) roundTrip(ctx context.Context, spec *Spec, c *call) (string, error) {
	if !spec.NoWakeup {
		n := c.wakeups
		if n < 0 {
			n = l.Wakeups()
		}
		if err := l.wakeup(ctx, n); err != nil {
			return "", err
		}
	}

	timeout := l.cfg.commandTimeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	if c.timeout > 0 {
		timeout = c.timeout
	}
	expect := spec.Expect
	if expect == nil {
		expect = l.cfg.prompt
	}

	line := spec.build(c.name, c.value)

	l.resp.reset()
	if err := l.writeLine(spec.Verb, line); err != nil {
		return "", err
	}
	if c.confirm {
		if err := sleepCtx(ctx, l.cfg.confirmDelay); err != nil {
			return "", err
		}
		l.resp.reset()
		if err := l.writeLine(spec.Verb, line); err != nil {
			return "", err
		}
	}

	resp, err := l.wait(ctx, timeout, expect, true)
	if err != nil {
		return resp, fmt.Errorf("command %s: %w", spec.Verb, err)
	}

	if err := spec.Validate(resp); err != nil {
		return resp, err
	}

	return resp, nil
}

func (l *Layer) wakeup(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := l.wakeupOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) wakeupOnce(ctx context.Context) error {
	backoff := l.cfg.wakeupBackoff
	for attempt := 1; ; attempt++ {
		l.resp.reset()
		if err := l.writeLine(VerbWakeup, l.cfg.wakeupCommand); err != nil {
			return err
		}

		_, err := l.wait(ctx, l.cfg.wakeupTimeout, l.cfg.prompt, false)
		if err == nil {
			return nil
		}
		if !errors.Is(err, instrument.ErrTimeout) {
			return err
		}
		if attempt >= l.cfg.wakeupAttempts {
			return fmt.Errorf("%w: wakeup failed after %d attempts", instrument.ErrTimeout, attempt)
		}

		l.logger.Warn("command: wakeup timed out, retrying", "attempt", attempt, "backoff", backoff)
		if l.cfg.hooks.OnWakeupRetry != nil {
			l.cfg.hooks.OnWakeupRetry()
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

func (l *Layer) writeLine(verb Verb, line string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.w == nil {
		return ErrNotAttached
	}

	l.logger.Debug("command: send", "verb", verb, "line", line)
	if _, err := io.WriteString(l.w, line+l.cfg.newline); err != nil {
		return fmt.Errorf("command: write %s: %w", verb, err)
	}
	if l.cfg.hooks.OnSend != nil {
		l.cfg.hooks.OnSend(verb)
	}

	return nil
}

// wait blocks until expect matches the response buffer, or, when marker is
// true, an inline error marker shows up. After a marker it waits up to the
// prompt grace for the prompt that follows it.
func (l *Layer) wait(ctx context.Context, timeout time.Duration, expect *regexp.Regexp, marker bool) (string, error) {
	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			pool.PutTimer(grace)
		}
	}()

	marked := false
	for {
		text, changed := l.resp.snapshot()
		if expect.MatchString(text) {
			return text, nil
		}
		if marker && !marked {
			if loc := errorMarkerRe.FindStringIndex(text); loc != nil {
				marked = true
				if l.cfg.promptGrace == 0 {
					return text, nil
				}
				grace = pool.GetTimer(l.cfg.promptGrace)
				graceC = grace.C
			}
		}
		if marked {
			if loc := errorMarkerRe.FindStringIndex(text); loc != nil && l.cfg.prompt.MatchString(text[loc[1]:]) {
				return text, nil
			}
		}

		select {
		case <-changed:
		case <-graceC:
			return text, nil
		case <-timer.C:
			if marked {
				return text, nil
			}
			return text, fmt.Errorf("%w: no response within %v", instrument.ErrTimeout, timeout)
		case <-ctx.Done():
			return text, ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- response buffer ---

// respBuffer accumulates inbound bytes and wakes waiters on every feed.
type respBuffer struct {
	mu     sync.Mutex
	buf    []byte
	max    int
	notify chan struct{}
}

func (b *respBuffer) feed(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	b.buf = append(b.buf, data...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
	}
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

func (b *respBuffer) reset() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}

func (b *respBuffer) snapshot() (string, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.notify
}
