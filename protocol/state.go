package protocol

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-seabird/logger"
)

// State is the protocol state of the instrument as believed by the engine.
type State uint32

// Protocol states.
const (
	// StateUnknown is the initial state and the state after a failed discovery.
	StateUnknown State = iota
	// StateCommand indicates the instrument is idle and accepts commands.
	StateCommand
	// StateAutosample indicates the instrument is logging and streaming samples.
	StateAutosample
	// StateDirectAccess indicates an operator talks to the instrument unmediated.
	StateDirectAccess
	// StateTest indicates the instrument runs its self tests.
	StateTest
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateCommand:
		return "COMMAND"
	case StateAutosample:
		return "AUTOSAMPLE"
	case StateDirectAccess:
		return "DIRECT_ACCESS"
	case StateTest:
		return "TEST"
	default:
		return "INVALID"
	}
}

// IsStreaming reports whether the instrument may be transmitting autonomously in s.
func (s State) IsStreaming() bool {
	return s == StateAutosample || s == StateUnknown
}

// StateChangeHandler is invoked when the protocol state changes.
//
// Note: the handler is invoked in a blocking mode by the protocol worker. Take care
// with long-running implementations, and never wait for a state from a handler.
type StateChangeHandler func(prev State, next State)

// StateMgr holds the current protocol state and notifies listeners of changes.
// It is safe for concurrent use.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateMgr creates a StateMgr in StateUnknown.
func NewStateMgr(l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	sm := &StateMgr{
		logger:   l,
		handlers: make([]StateChangeHandler, 0, len(handlers)),
	}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(StateUnknown))
	sm.AddHandler(handlers...)

	return sm
}

// State returns the current state.
func (sm *StateMgr) State() State {
	return State(sm.state.Load())
}

// AddHandler adds handlers invoked on every state change.
func (sm *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			sm.handlers = append(sm.handlers, h)
		}
	}
}

// WaitState waits until the state is state or ctx is done.
func (sm *StateMgr) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		sm.cond.Broadcast()
		sm.mu.Unlock()
	})
	defer stop()

	for sm.State() != state {
		if err := ctx.Err(); err != nil {
			sm.logger.Debug("protocol: wait state canceled", "cur_state", sm.State(), "desired_state", state)
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// To changes the state to next and invokes the handlers. It returns false when the
// state already is next.
func (sm *StateMgr) To(next State) bool {
	sm.mu.Lock()
	prev := sm.State()
	if prev == next {
		sm.mu.Unlock()
		return false
	}

	// change state BEFORE the handlers run so they observe the new state
	sm.state.Store(uint32(next))
	sm.cond.Broadcast()
	handlers := append([]StateChangeHandler(nil), sm.handlers...)
	sm.mu.Unlock()

	sm.logger.Info("protocol: state changed", "prev", prev, "next", next)
	for _, h := range handlers {
		h(prev, next)
	}

	return true
}
