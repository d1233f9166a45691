// Package scheduler injects protocol events on timers.
//
// Each job fires one argument-less protocol event at a fixed interval. Events are
// submitted through the same queue as foreground requests, so scheduled work is
// totally ordered with caller commands and never touches the transport directly.
// An event that is not valid in the current protocol state is logged and skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-seabird/internal/task"
	"github.com/arloliu/go-seabird/logger"
	"github.com/arloliu/go-seabird/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultJobTimeout bounds one scheduled event, queue wait included.
const DefaultJobTimeout = 2 * time.Minute

// MinInterval is the shortest allowed job interval.
const MinInterval = 100 * time.Millisecond

var (
	// ErrJobExists indicates a job name that is already scheduled.
	ErrJobExists = errors.New("scheduler: job already exists")
	// ErrJobNotFound indicates an unknown job name.
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// Handler processes protocol requests. *protocol.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) (any, error)
}

// Job is a periodic protocol event.
type Job struct {
	Name     string
	Event    protocol.Event
	Interval time.Duration
	// RunNow fires the event once when the job starts.
	RunNow bool
}

// Validate checks the job definition.
func (j Job) Validate() error {
	if j.Name == "" {
		return errors.New("scheduler: job name is required")
	}
	if j.Interval < MinInterval {
		return fmt.Errorf("scheduler: job %s: interval %v is shorter than %v", j.Name, j.Interval, MinInterval)
	}
	switch j.Event {
	case protocol.EventEnter, protocol.EventExit, protocol.EventGet, protocol.EventSet, protocol.EventExecuteDirect:
		return fmt.Errorf("scheduler: job %s: event %s cannot be scheduled", j.Name, j.Event)
	}
	return nil
}

// ErrorHandler is called when a scheduled event fails for a reason other than
// being invalid in the current state.
type ErrorHandler func(job Job, err error)

// Option is a functional option for a Scheduler.
type Option func(*Scheduler) error

// WithLogger sets the scheduler logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) error {
		if l == nil {
			return errors.New("scheduler: logger must not be nil")
		}
		s.logger = l
		return nil
	}
}

// WithJobTimeout sets the timeout of one scheduled event.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return fmt.Errorf("scheduler: invalid job timeout %v", d)
		}
		s.timeout = d
		return nil
	}
}

// WithErrorHandler sets the handler of failed scheduled events.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) error {
		s.onError = h
		return nil
	}
}

// Scheduler runs jobs against a Handler.
type Scheduler struct {
	handler Handler
	logger  logger.Logger
	timeout time.Duration
	onError ErrorHandler

	jobs    *xsync.MapOf[string, Job]
	mu      sync.Mutex
	taskMgr *task.Manager
}

// New creates a scheduler for handler.
func New(handler Handler, opts ...Option) (*Scheduler, error) {
	if handler == nil {
		return nil, errors.New("scheduler: handler is required")
	}

	s := &Scheduler{
		handler: handler,
		logger:  logger.GetLogger(),
		timeout: DefaultJobTimeout,
		jobs:    xsync.NewMapOf[string, Job](),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Add schedules job. If the scheduler is running the job starts immediately.
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := s.jobs.LoadOrStore(job.Name, job); loaded {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}

	if s.taskMgr != nil {
		if err := s.startJob(job); err != nil {
			s.jobs.Delete(job.Name)
			return err
		}
	}

	return nil
}

// Remove unschedules the job named name.
func (s *Scheduler) Remove(name string) error {
	if _, ok := s.jobs.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taskMgr != nil {
		return s.taskMgr.StopInterval(name)
	}

	return nil
}

// Jobs returns the scheduled jobs.
func (s *Scheduler) Jobs() []Job {
	jobs := make([]Job, 0, s.jobs.Size())
	s.jobs.Range(func(_ string, job Job) bool {
		jobs = append(jobs, job)
		return true
	})
	return jobs
}

// Start starts every job. Jobs with RunNow fire before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taskMgr != nil {
		return nil
	}

	s.taskMgr = task.NewManager(ctx, s.logger)

	var errs error
	s.jobs.Range(func(_ string, job Job) bool {
		errs = errors.Join(errs, s.startJob(job))
		return true
	})
	if errs != nil {
		s.stop()
	}

	return errs
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.taskMgr != nil
}

// Stop stops every job and waits for events in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stop()
}

func (s *Scheduler) stop() {
	if s.taskMgr == nil {
		return
	}

	s.taskMgr.Stop()
	s.taskMgr.Wait()
	s.taskMgr = nil
}

func (s *Scheduler) startJob(job Job) error {
	s.logger.Info("scheduler: start job", "name", job.Name, "event", job.Event, "interval", job.Interval)

	mgr := s.taskMgr
	return mgr.StartInterval(job.Name, func() bool {
		s.fire(mgr.Context(), job)
		return true
	}, job.Interval, job.RunNow)
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.handler.Handle(ctx, protocol.NewRequest(job.Event))
	switch {
	case err == nil:
		s.logger.Debug("scheduler: job done", "name", job.Name, "event", job.Event)
	case errors.Is(err, protocol.ErrInvalidEvent):
		s.logger.Warn("scheduler: event skipped in current state", "name", job.Name, "event", job.Event, "error", err)
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// scheduler stopped
	default:
		s.logger.Error("scheduler: job failed", "name", job.Name, "event", job.Event, "error", err)
		if s.onError != nil {
			s.onError(job, err)
		}
	}
}
