// Package driver composes the engine into a running instrument driver.
//
// A Driver owns the transport and the tasks around it: one reader task drains
// the transport, feeds the command layer with every inbound byte and splits the
// stream into particles; the protocol engine serializes requests; the scheduler
// injects timed events; and every event is fanned out to application handlers,
// each on its own queue.
//
// Typical use:
//
//	drv, err := driver.New(sbe16.Family(),
//		driver.WithTCP("10.0.0.5", 4001),
//		driver.WithStartupValues(map[string]any{"SampleInterval": 15}),
//	)
//	drv.AddParticleHandler(func(p *particle.Particle) { ... })
//	err = drv.Open(ctx)
//	defer drv.Close()
//	err = drv.StartAutosample(ctx)
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/internal/task"
	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/param"
	"github.com/arloliu/go-seabird/particle"
	"github.com/arloliu/go-seabird/protocol"
	"github.com/arloliu/go-seabird/scheduler"
)

var (
	// ErrNotOpened indicates an operation on a driver that is not open.
	ErrNotOpened = errors.New("driver: not opened")
	// ErrConnectionLost indicates the transport failed while the driver was open.
	ErrConnectionLost = errors.New("driver: connection lost")
)

// Driver is an instrument driver.
type Driver struct {
	cfg     *Config
	family  *protocol.Family
	dict    *param.Dictionary
	layer   *command.Layer
	engine  *protocol.Engine
	sched   *scheduler.Scheduler
	chunker *particle.Chunker
	events  *eventHub
	logger  logger.Logger

	metrics Metrics
	opState AtomicOpState

	mu      sync.Mutex // protects conn and taskMgr
	conn    io.ReadWriteCloser
	taskMgr *task.Manager
}

// New creates a driver for family.
func New(family *protocol.Family, opts ...Option) (*Driver, error) {
	if family == nil {
		return nil, errors.New("driver: family is required")
	}

	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:    cfg,
		family: family,
		events: newEventHub(),
		logger: cfg.logger.With("instrument", family.Name),
	}

	d.dict, err = param.NewDictionary(family.Params, param.WithClock(cfg.clock))
	if err != nil {
		return nil, err
	}
	if err := d.dict.SetStartupValues(cfg.startupValues); err != nil {
		return nil, err
	}
	if cfg.seedDefaults {
		d.dict.ApplyDefaults()
	}

	layerOpts := []command.LayerOption{
		command.WithLogger(d.logger),
		command.WithHooks(command.Hooks{
			OnSend:        func(command.Verb) { d.metrics.incCommandSendCount() },
			OnError:       func(command.Verb, error) { d.metrics.incCommandErrCount() },
			OnWakeupRetry: d.metrics.incWakeupRetryCount,
		}),
	}
	d.layer, err = command.NewLayer(family.Commands, append(layerOpts, cfg.layerOpts...)...)
	if err != nil {
		return nil, err
	}

	d.engine, err = protocol.NewEngine(family, d.dict, d.layer,
		protocol.WithLogger(d.logger),
		protocol.WithClock(cfg.clock),
		protocol.WithStateHandler(d.onStateChange),
	)
	if err != nil {
		return nil, err
	}

	var chunkerOpts []particle.ChunkerOption
	if cfg.maxRetention > 0 {
		chunkerOpts = append(chunkerOpts, particle.WithMaxRetention(cfg.maxRetention))
	}
	d.chunker, err = particle.NewChunker(family.Patterns, chunkerOpts...)
	if err != nil {
		return nil, err
	}

	d.sched, err = scheduler.New(d.engine,
		scheduler.WithLogger(d.logger),
		scheduler.WithErrorHandler(func(_ scheduler.Job, err error) { d.raise(err) }),
	)
	if err != nil {
		return nil, err
	}
	for _, job := range cfg.jobs {
		if err := d.sched.Add(job); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// --- handlers ---

// AddParticleHandler adds handlers receiving every particle decoded from the
// stream. Handlers must be added before Open.
func (d *Driver) AddParticleHandler(handlers ...ParticleHandler) {
	for _, h := range handlers {
		d.events.particles.add(h)
	}
}

// AddStateHandler adds handlers receiving protocol state changes. Handlers
// must be added before Open.
func (d *Driver) AddStateHandler(handlers ...StateHandler) {
	for _, h := range handlers {
		d.events.states.add(h)
	}
}

// AddExceptionHandler adds handlers receiving asynchronous failures. Handlers
// must be added before Open.
func (d *Driver) AddExceptionHandler(handlers ...ExceptionHandler) {
	for _, h := range handlers {
		d.events.exceptions.add(h)
	}
}

// AddDirectAccessHandler adds handlers receiving raw inbound bytes while in
// direct access. Handlers must be added before Open.
func (d *Driver) AddDirectAccessHandler(handlers ...DirectAccessHandler) {
	for _, h := range handlers {
		d.events.directAccess.add(h)
	}
}

// --- lifecycle ---

// Open connects the transport and starts the driver. Unless disabled with
// WithAutoDiscover, it then discovers the protocol state and applies the startup
// parameters; a failed discovery is raised as an exception and leaves the
// instrument in protocol.StateUnknown without failing Open.
func (d *Driver) Open(ctx context.Context) error {
	if d.opState.IsOpened() {
		return nil
	}
	if !d.opState.To(OpeningState) {
		return fmt.Errorf("driver: cannot open in state %s", d.opState.String())
	}

	if err := d.start(ctx); err != nil {
		d.opState.Set(ClosedState)
		return err
	}
	d.opState.To(OpenedState)
	d.logger.Info("driver: opened", "transport", d.cfg.transport)

	if d.cfg.autoDiscover {
		if _, err := d.Discover(ctx); err != nil {
			d.logger.Warn("driver: discovery failed", "error", err)
			d.raise(err)
		}
	}

	if len(d.sched.Jobs()) > 0 {
		d.mu.Lock()
		mgrCtx := d.taskMgr.Context()
		d.mu.Unlock()
		if err := d.sched.Start(mgrCtx); err != nil {
			d.logger.Error("driver: failed to start scheduler", "error", err)
			d.raise(err)
		}
	}

	return nil
}

func (d *Driver) start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.connectTimeout)
	conn, err := d.cfg.dial(dialCtx)
	cancel()
	if err != nil {
		d.metrics.incConnectErrCount()
		return fmt.Errorf("driver: connect: %w", err)
	}
	d.metrics.incConnectCount()

	mgr := task.NewManager(context.WithoutCancel(ctx), d.logger)
	if err := d.events.start(mgr, d.cfg.eventQueueSize); err != nil {
		mgr.Stop()
		mgr.Wait()
		_ = conn.Close()
		return err
	}

	d.chunker.Reset()
	d.layer.Attach(conn)

	if err := d.engine.Start(mgr.Context()); err != nil {
		d.layer.Attach(nil)
		mgr.Stop()
		mgr.Wait()
		_ = conn.Close()
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.taskMgr = mgr
	d.mu.Unlock()

	if err := mgr.Go("driver-reader", func(ctx context.Context) { d.readLoop(ctx, conn) }); err != nil {
		d.stop()
		return err
	}

	return nil
}

// Close stops the scheduler, the engine and the reader and closes the transport.
// A request in flight fails once the transport is closed.
func (d *Driver) Close() error {
	if d.opState.IsClosed() {
		return nil
	}
	if !d.opState.To(ClosingState) {
		return fmt.Errorf("driver: cannot close in state %s", d.opState.String())
	}
	defer d.opState.To(ClosedState)

	err := d.stop()
	d.logger.Info("driver: closed")

	return err
}

func (d *Driver) stop() error {
	d.sched.Stop()

	d.mu.Lock()
	conn, mgr := d.conn, d.taskMgr
	d.conn, d.taskMgr = nil, nil
	d.mu.Unlock()

	d.layer.Attach(nil)

	var err error
	if conn != nil {
		err = conn.Close()
	}

	d.engine.Stop()

	if mgr != nil {
		mgr.Stop()
		mgr.Wait()
	}
	d.events.stop()

	return err
}

// IsOpened reports whether the driver is open.
func (d *Driver) IsOpened() bool {
	return d.opState.IsOpened()
}

// --- accessors ---

// Family returns the family table of the driver.
func (d *Driver) Family() *protocol.Family { return d.family }

// Dictionary returns the parameter dictionary.
func (d *Driver) Dictionary() *param.Dictionary { return d.dict }

// Scheduler returns the scheduler of the driver. Jobs may be added and removed
// at any time.
func (d *Driver) Scheduler() *scheduler.Scheduler { return d.sched }

// Metrics returns the driver metrics.
func (d *Driver) Metrics() *Metrics { return &d.metrics }

// Config returns the driver configuration.
func (d *Driver) Config() *Config { return d.cfg }

// State returns the current protocol state.
func (d *Driver) State() protocol.State { return d.engine.State() }

// WaitState waits until the protocol state is state or ctx is done.
func (d *Driver) WaitState(ctx context.Context, state protocol.State) error {
	return d.engine.WaitState(ctx, state)
}

// --- events ---

func (d *Driver) onStateChange(prev, next protocol.State) {
	d.metrics.setProtocolState(next)

	// direct access bytes never reach the chunker; start clean on either edge
	if prev == protocol.StateDirectAccess || next == protocol.StateDirectAccess {
		d.chunker.Reset()
	}

	d.dropped(d.events.states.emit(StateChange{Prev: prev, Next: next, Time: d.cfg.clock()}))
}

// raise emits err as an exception event.
func (d *Driver) raise(err error) {
	d.metrics.incExceptionCount()
	d.dropped(d.events.exceptions.emit(Exception{Kind: instrument.KindOf(err), Err: err, Time: d.cfg.clock()}))
}

func (d *Driver) dropped(n int) {
	if n > 0 {
		d.metrics.addEventDropCount(n)
		d.logger.Warn("driver: event queue full, event dropped", "handlers", n)
	}
}
