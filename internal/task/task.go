// Package task manages the lifecycle of the driver's goroutines: the protocol
// worker, the transport reader, event dispatchers and scheduler timers.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-seabird/logger"
)

// startTimeout bounds how long Start waits for a goroutine to come up.
const startTimeout = 5 * time.Second

// Func is a task body that is called repeatedly. Return false to stop the task.
type Func func() bool

// Manager starts, stops and waits for named goroutines.
//
// All tasks share a context derived from the parent context. Stop cancels it and
// stops every interval ticker; Wait blocks until every task has returned and then
// re-arms the manager so it can be started again.
//
// Example:
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("worker", func() bool {
//	    // ... one unit of work ...
//	    return true
//	})
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protects ctx and cancel
	taskMu  sync.RWMutex // blocks task creation during Wait
}

// NewManager creates a Manager using ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start runs fn repeatedly in a new goroutine until it returns false or the
// manager is stopped.
func (mgr *Manager) Start(name string, fn Func) error {
	mgr.logger.Debug("task: start", "name", name)

	return mgr.launch(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !mgr.callWithRecoverBool(name, fn) {
					return
				}
			}
		}
	})
}

// Go runs fn once in a new goroutine. fn must return when ctx is done.
func (mgr *Manager) Go(name string, fn func(ctx context.Context)) error {
	mgr.logger.Debug("task: go", "name", name)

	return mgr.launch(name, func(ctx context.Context) {
		mgr.callWithRecover(name, func() { fn(ctx) })
	})
}

// Consume starts a goroutine that calls fn for every item received from ch, until
// ch is closed or the manager is stopped. A panic in fn is logged and the
// consumer keeps running.
func Consume[T any](mgr *Manager, name string, ch <-chan T, fn func(T)) error {
	if ch == nil {
		return fmt.Errorf("task: %s: input channel is nil", name)
	}

	return mgr.launch(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-ch:
				if !ok {
					return
				}
				mgr.callWithRecover(name, func() { fn(item) })
			}
		}
	})
}

// StartInterval runs fn every interval until it returns false, the interval is
// stopped with StopInterval, or the manager is stopped. If runNow is true, fn is
// also called once before StartInterval returns.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("task: start interval", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v for %s", interval, name)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.CompareAndDelete(name, ticker)
	}

	if runNow && !mgr.callWithRecoverBool(name, fn) {
		cleanup()
		return nil
	}

	err := mgr.launch(name, func(ctx context.Context) {
		defer cleanup()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, ok := mgr.tickers.Load(name); !ok {
					return
				}
				if !mgr.callWithRecoverBool(name, fn) {
					return
				}
			}
		}
	})
	if err != nil {
		cleanup()
	}

	return err
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("task: interval task %s not found", name)
	}

	ticker, _ := val.(*time.Ticker)
	ticker.Stop()

	return nil
}

// Stop signals all running tasks to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		return true
	})

	mgr.mu.Lock()
	mgr.cancel()
	mgr.mu.Unlock()
}

// Wait blocks until all tasks have terminated, then prepares a fresh context so
// that tasks can be started again.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of running tasks.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) launch(name string, body func(ctx context.Context)) error {
	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("task: cannot start %s: manager stopped", name)
	}

	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	started := make(chan struct{})
	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer mgr.wg.Done()
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task: terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		close(started)
		body(ctx)
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", name)
	}
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("task: panic", "name", name, "panic", r)
		}
	}()

	fn()
}

func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("task: panic", "name", name, "panic", r)
			ok = true
		}
	}()

	return fn()
}
