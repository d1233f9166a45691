// Package protocol implements the protocol state machine of the engine.
//
// The Engine is the single serialization point for all instrument interaction:
// caller requests and scheduler-injected events share one queue drained by one
// worker task. Each (state, event) pair maps to a handler in a dispatch table
// built once at construction; a pair without a handler is rejected with
// ErrInvalidEvent before anything is transmitted.
//
// A handler returns the state the instrument is in once it finishes. The engine
// never reverts a state on failure; after an error callers re-discover
// explicitly with EventDiscover.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/internal/task"
	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/param"
)

// DefaultQueueSize is the default capacity of the request queue.
const DefaultQueueSize = 16

var (
	// ErrInvalidEvent indicates an event that has no handler in the current state.
	ErrInvalidEvent = fmt.Errorf("%w: invalid event for state", instrument.ErrProtocol)
	// ErrEngineStopped indicates a request to an engine that is not running.
	ErrEngineStopped = errors.New("protocol: engine is not running")
)

// Result is the outcome of a request.
type Result struct {
	Value any
	Err   error
}

type handlerFunc func(ctx context.Context, req Request) (State, any, error)

type job struct {
	ctx    context.Context
	req    Request
	result chan Result
}

// EngineOption is a functional option for an Engine.
type EngineOption func(*Engine) error

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("protocol: logger must not be nil")
		}
		e.logger = l
		return nil
	}
}

// WithClock sets the clock used for clock sync and particle timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("protocol: clock must not be nil")
		}
		e.now = now
		return nil
	}
}

// WithQueueSize sets the capacity of the request queue.
func WithQueueSize(n int) EngineOption {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("protocol: invalid queue size %d", n)
		}
		e.queueSize = n
		return nil
	}
}

// WithStateHandler adds state change handlers.
func WithStateHandler(handlers ...StateChangeHandler) EngineOption {
	return func(e *Engine) error {
		e.states.AddHandler(handlers...)
		return nil
	}
}

// Engine is the protocol state machine.
type Engine struct {
	family *Family
	dict   *param.Dictionary
	layer  *command.Layer
	states *StateMgr
	logger logger.Logger
	now    func() time.Time

	table map[State]map[Event]handlerFunc

	queueSize int
	jobs      chan *job

	mu      sync.Mutex // protects taskMgr, ctx and cancel
	taskMgr *task.Manager
	ctx     context.Context
	cancel  context.CancelFunc

	// values of direct-access parameters when direct access started
	daSnapshot map[param.ID]any
}

// NewEngine creates an engine for family. dict and layer must be built from the
// same family table.
func NewEngine(family *Family, dict *param.Dictionary, layer *command.Layer, opts ...EngineOption) (*Engine, error) {
	if family == nil || dict == nil || layer == nil {
		return nil, errors.New("protocol: family, dictionary and command layer are required")
	}
	if err := family.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		family:    family,
		dict:      dict,
		layer:     layer,
		logger:    logger.GetLogger(),
		now:       time.Now,
		queueSize: DefaultQueueSize,
	}
	e.states = NewStateMgr(e.logger)

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.states.logger = e.logger
	e.jobs = make(chan *job, e.queueSize)
	e.buildTable()
	e.layer.SetWakeups(family.wakeups(StateUnknown))

	return e, nil
}

func (e *Engine) buildTable() {
	enter := e.handleEnter
	e.table = map[State]map[Event]handlerFunc{
		StateUnknown: {
			EventEnter:    enter,
			EventExit:     e.handleExit,
			EventDiscover: e.handleDiscover,
		},
		StateCommand: {
			EventEnter:                  enter,
			EventExit:                   e.handleExit,
			EventDiscover:               e.handleDiscover,
			EventGet:                    e.handleGet,
			EventSet:                    e.handleSet,
			EventAcquireSample:          e.handleAcquireSample,
			EventAcquireStatus:          e.handleAcquireStatus,
			EventScheduledAcquireStatus: e.handleAcquireStatus,
			EventGetConfiguration:       e.handleGetConfiguration,
			EventClockSync:              e.handleClockSync,
			EventScheduledClockSync:     e.handleClockSync,
			EventStartAutosample:        e.handleStartAutosample,
			EventStartDirect:            e.handleStartDirect,
			EventRunTest:                e.handleRunTest,
		},
		StateAutosample: {
			EventEnter:                  enter,
			EventExit:                   e.handleExit,
			EventDiscover:               e.handleDiscover,
			EventGet:                    e.handleGet,
			EventSet:                    e.handleSet,
			EventAcquireStatus:          e.handleAcquireStatus,
			EventScheduledAcquireStatus: e.handleAcquireStatus,
			EventGetConfiguration:       e.handleGetConfiguration,
			EventClockSync:              e.handleClockSync,
			EventScheduledClockSync:     e.handleClockSync,
			EventStopAutosample:         e.handleStopAutosample,
		},
		StateDirectAccess: {
			EventEnter:         enter,
			EventExit:          e.handleExit,
			EventExecuteDirect: e.handleExecuteDirect,
			EventStopDirect:    e.handleStopDirect,
		},
		StateTest: {
			EventEnter: enter,
			EventExit:  e.handleExit,
		},
	}
}

// Start starts the protocol worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.taskMgr != nil {
		return nil
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.taskMgr = task.NewManager(e.ctx, e.logger)
	if err := task.Consume[*job](e.taskMgr, "protocol-worker", e.jobs, e.process); err != nil {
		e.cancel()
		e.taskMgr = nil
		return err
	}

	return nil
}

// Stop stops the protocol worker and waits for the request in flight.
func (e *Engine) Stop() {
	e.mu.Lock()
	mgr, cancel := e.taskMgr, e.cancel
	e.taskMgr = nil
	e.mu.Unlock()

	if mgr == nil {
		return
	}
	cancel()
	mgr.Stop()
	mgr.Wait()
}

// State returns the current protocol state.
func (e *Engine) State() State {
	return e.states.State()
}

// WaitState waits until the protocol state is state or ctx is done.
func (e *Engine) WaitState(ctx context.Context, state State) error {
	return e.states.WaitState(ctx, state)
}

// AddStateHandler adds state change handlers.
func (e *Engine) AddStateHandler(handlers ...StateChangeHandler) {
	e.states.AddHandler(handlers...)
}

// Dictionary returns the parameter dictionary of the engine.
func (e *Engine) Dictionary() *param.Dictionary {
	return e.dict
}

// Family returns the family table of the engine.
func (e *Engine) Family() *Family {
	return e.family
}

// Handles reports whether ev has a handler in state.
func (e *Engine) Handles(state State, ev Event) bool {
	_, ok := e.table[state][ev]
	return ok && !ev.internal()
}

// Handle queues req and waits for its result. Requests from every caller are
// processed one at a time in queue order.
func (e *Engine) Handle(ctx context.Context, req Request) (any, error) {
	if req.event.internal() {
		return nil, fmt.Errorf("%w: %s cannot be submitted", ErrInvalidEvent, req.event)
	}

	e.mu.Lock()
	running := e.taskMgr != nil
	engineCtx := e.ctx
	e.mu.Unlock()
	if !running {
		return nil, ErrEngineStopped
	}

	j := &job{ctx: ctx, req: req, result: make(chan Result, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-engineCtx.Done():
		return nil, ErrEngineStopped
	}

	select {
	case r := <-j.result:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-engineCtx.Done():
		return nil, ErrEngineStopped
	}
}

func (e *Engine) process(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.result <- Result{Err: err}
		return
	}

	cur := e.states.State()
	h, ok := e.table[cur][j.req.event]
	if !ok {
		e.logger.Debug("protocol: invalid event", "state", cur, "event", j.req.event)
		j.result <- Result{Err: fmt.Errorf("%w: %s in %s", ErrInvalidEvent, j.req.event, cur)}
		return
	}

	// a stopping engine aborts the handler in flight
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	e.mu.Lock()
	engineCtx := e.ctx
	e.mu.Unlock()
	defer context.AfterFunc(engineCtx, cancel)()

	e.logger.Debug("protocol: handle event", "state", cur, "event", j.req.event)
	next, value, err := h(ctx, j.req)
	if err != nil {
		e.logger.Warn("protocol: event failed", "state", cur, "event", j.req.event, "error", err)
	}
	e.transition(next)

	j.result <- Result{Value: value, Err: err}
}

// transition fires EXIT of the current state, changes state and fires ENTER of next.
func (e *Engine) transition(next State) {
	cur := e.states.State()
	if cur == next {
		return
	}

	ctx := context.Background()
	if h, ok := e.table[cur][EventExit]; ok {
		_, _, _ = h(ctx, NewRequest(EventExit))
	}
	e.states.To(next)
	if h, ok := e.table[next][EventEnter]; ok {
		_, _, _ = h(ctx, NewRequest(EventEnter))
	}
}
