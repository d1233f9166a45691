package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/internal/task"
	"github.com/arloliu/go-seabird/particle"
	"github.com/arloliu/go-seabird/protocol"
)

// ParticleHandler receives particles decoded from the instrument stream.
type ParticleHandler func(p *particle.Particle)

// StateChange is a protocol state change.
type StateChange struct {
	Prev protocol.State
	Next protocol.State
	Time time.Time
}

// StateHandler receives protocol state changes.
type StateHandler func(change StateChange)

// Exception is an asynchronous failure: an undecodable chunk, a failed scheduled
// event, a failed discovery on open or a lost transport.
type Exception struct {
	Kind instrument.Kind
	Err  error
	Time time.Time
}

func (e Exception) Error() string {
	return fmt.Sprintf("driver: %s exception: %v", e.Kind, e.Err)
}

func (e Exception) Unwrap() error {
	return e.Err
}

// ExceptionHandler receives exceptions.
type ExceptionHandler func(ex Exception)

// DirectAccessHandler receives raw inbound bytes while the instrument is in
// direct access. The slice is owned by the handler.
type DirectAccessHandler func(data []byte)

// fanout delivers events to handlers, each on its own queue and task, so a slow
// handler delays neither the reader nor the other handlers.
type fanout[T any] struct {
	name     string
	mu       sync.RWMutex
	handlers []func(T)
	chans    []chan T
}

func (f *fanout[T]) add(h func(T)) {
	if h == nil {
		return
	}

	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *fanout[T]) start(mgr *task.Manager, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chans = make([]chan T, 0, len(f.handlers))
	for i, h := range f.handlers {
		ch := make(chan T, size)
		if err := task.Consume[T](mgr, fmt.Sprintf("%s-handler-%d", f.name, i), ch, h); err != nil {
			return err
		}
		f.chans = append(f.chans, ch)
	}

	return nil
}

func (f *fanout[T]) stop() {
	f.mu.Lock()
	f.chans = nil
	f.mu.Unlock()
}

// emit queues v for every handler and returns the number of handlers whose queue was full.
func (f *fanout[T]) emit(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dropped := 0
	for _, ch := range f.chans {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}

	return dropped
}

type eventHub struct {
	particles    fanout[*particle.Particle]
	states       fanout[StateChange]
	exceptions   fanout[Exception]
	directAccess fanout[[]byte]
}

func newEventHub() *eventHub {
	h := &eventHub{}
	h.particles.name = "particle"
	h.states.name = "state"
	h.exceptions.name = "exception"
	h.directAccess.name = "direct-access"

	return h
}

func (h *eventHub) start(mgr *task.Manager, size int) error {
	if err := h.particles.start(mgr, size); err != nil {
		return err
	}
	if err := h.states.start(mgr, size); err != nil {
		return err
	}
	if err := h.exceptions.start(mgr, size); err != nil {
		return err
	}

	return h.directAccess.start(mgr, size)
}

func (h *eventHub) stop() {
	h.particles.stop()
	h.states.stop()
	h.exceptions.stop()
	h.directAccess.stop()
}
