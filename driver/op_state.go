package driver

import "sync/atomic"

// OpState is the lifecycle state of a Driver's transport. It is independent of
// the protocol state of the instrument.
type OpState uint32

const (
	ClosedState OpState = iota
	ClosingState
	OpeningState
	OpenedState
	// LostState is entered when the transport fails while opened. The driver
	// stays lost until Close releases it.
	LostState
)

var opStateNames = [...]string{
	ClosedState:  "Closed",
	ClosingState: "Closing",
	OpeningState: "Opening",
	OpenedState:  "Opened",
	LostState:    "Lost",
}

// String returns the name of the state.
func (s OpState) String() string {
	if int(s) < len(opStateNames) {
		return opStateNames[s]
	}
	return "Unknown"
}

// opTransitions lists, per target state, the states it may be entered from.
var opTransitions = map[OpState][]OpState{
	OpeningState: {ClosedState},
	OpenedState:  {OpeningState},
	LostState:    {OpenedState},
	ClosingState: {OpenedState, OpeningState, LostState},
	ClosedState:  {ClosingState},
}

// AtomicOpState holds an OpState and moves it along
// Closed → Opening → Opened (→ Lost) → Closing → Closed with compare-and-swap.
type AtomicOpState struct {
	state atomic.Uint32
}

func (st *AtomicOpState) String() string {
	return st.Get().String()
}

// Get returns the current state.
func (st *AtomicOpState) Get() OpState {
	return OpState(st.state.Load())
}

// Set stores state unconditionally.
func (st *AtomicOpState) Set(state OpState) {
	st.state.Store(uint32(state))
}

// Is reports whether the current state is state.
func (st *AtomicOpState) Is(state OpState) bool {
	return st.Get() == state
}

func (st *AtomicOpState) IsClosed() bool { return st.Is(ClosedState) }
func (st *AtomicOpState) IsOpened() bool { return st.Is(OpenedState) }
func (st *AtomicOpState) IsLost() bool   { return st.Is(LostState) }

// To moves to next from one of its allowed source states. Moving to the current
// state succeeds without a change for Opened and Closed.
func (st *AtomicOpState) To(next OpState) bool {
	if (next == OpenedState || next == ClosedState) && st.Is(next) {
		return true
	}
	for _, from := range opTransitions[next] {
		if st.state.CompareAndSwap(uint32(from), uint32(next)) {
			return true
		}
	}

	return false
}
