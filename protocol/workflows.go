package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/internal/pool"
	"github.com/arloliu/go-seabird/param"
	"github.com/arloliu/go-seabird/particle"
)

// resumeTimeout bounds the logging restart that follows a failed or canceled workflow.
const resumeTimeout = 30 * time.Second

// StepResult is the outcome of one self-test command.
type StepResult struct {
	Verb     command.Verb
	Response string
	Err      error
}

// --- ENTER / EXIT ---

func (e *Engine) handleEnter(context.Context, Request) (State, any, error) {
	state := e.states.State()
	e.layer.SetWakeups(e.family.wakeups(state))
	return state, nil, nil
}

func (e *Engine) handleExit(context.Context, Request) (State, any, error) {
	state := e.states.State()
	if state == StateDirectAccess {
		e.daSnapshot = nil
	}
	return state, nil, nil
}

// --- discovery ---

func (e *Engine) handleDiscover(ctx context.Context, _ Request) (State, any, error) {
	next, err := e.discover(ctx)
	return next, nil, err
}

// discover classifies the instrument from its logging status and applies the
// startup parameters when the dictionary is dirty. It does not rely on the
// current state.
func (e *Engine) discover(ctx context.Context) (State, error) {
	e.layer.SetWakeups(e.family.wakeups(StateUnknown))

	logging, err := e.queryLogging(ctx)
	if err != nil {
		return StateUnknown, err
	}

	next := StateCommand
	if logging {
		next = StateAutosample
	}
	e.logger.Info("protocol: discovered", "state", next)

	if err := e.applyStartupParams(ctx, logging); err != nil {
		return next, err
	}

	return next, nil
}

// queryLogging sends the status verb, refreshes the dictionary from the response
// and classifies the logging state.
func (e *Engine) queryLogging(ctx context.Context) (bool, error) {
	resp, err := e.layer.Do(ctx, e.family.StatusVerb)
	if err != nil {
		return false, err
	}
	e.dict.UpdateText(resp)

	logging, err := e.family.IsLogging(resp)
	if err != nil {
		return false, fmt.Errorf("%w: %w", instrument.ErrProtocol, err)
	}

	return logging, nil
}

// refresh sends every refresh verb and updates the dictionary from the responses.
func (e *Engine) refresh(ctx context.Context) error {
	verbs := e.family.RefreshVerbs
	if len(verbs) == 0 {
		verbs = []command.Verb{e.family.StatusVerb}
	}

	for _, v := range verbs {
		resp, err := e.layer.Do(ctx, v)
		if err != nil {
			return err
		}
		e.dict.UpdateText(resp)
	}

	return nil
}

// --- logging control ---

func (e *Engine) handleStartAutosample(ctx context.Context, _ Request) (State, any, error) {
	if err := e.startLogging(ctx); err != nil {
		return StateCommand, nil, err
	}
	return StateAutosample, nil, nil
}

func (e *Engine) handleStopAutosample(ctx context.Context, _ Request) (State, any, error) {
	if err := e.stopLogging(ctx); err != nil {
		return StateAutosample, nil, err
	}
	return StateCommand, nil, nil
}

// startLogging sends the start verb, waits for the instrument to settle and
// verifies it is logging.
func (e *Engine) startLogging(ctx context.Context) error {
	if _, err := e.layer.Do(ctx, e.family.StartVerb); err != nil {
		return err
	}
	e.layer.SetWakeups(e.family.wakeups(StateAutosample))

	if err := sleepCtx(ctx, e.family.settle()); err != nil {
		return err
	}

	logging, err := e.queryLogging(ctx)
	if err != nil {
		return err
	}
	if !logging {
		e.layer.SetWakeups(e.family.wakeups(StateCommand))
		return fmt.Errorf("%w: instrument did not start logging", instrument.ErrProtocol)
	}

	return nil
}

// stopLogging sends the stop verb after a streaming wakeup sequence and verifies
// the instrument is no longer logging.
func (e *Engine) stopLogging(ctx context.Context) error {
	_, err := e.suspendLogging(ctx)
	return err
}

// suspendLogging is stopLogging that also reports whether the verification
// positively showed the instrument still logging.
func (e *Engine) suspendLogging(ctx context.Context) (bool, error) {
	wakeups := e.family.wakeups(StateAutosample)
	if _, err := e.layer.Do(ctx, e.family.StopVerb, command.WithWakeups(wakeups)); err != nil {
		return false, err
	}

	logging, err := e.queryLogging(ctx)
	if err != nil {
		return false, err
	}
	if logging {
		return true, fmt.Errorf("%w: instrument is still logging after %s", instrument.ErrProtocol, e.family.StopVerb)
	}
	e.layer.SetWakeups(e.family.wakeups(StateCommand))

	return false, nil
}

// whileStopped runs fn with logging suspended. Logging is resumed afterwards
// unless the instrument was seen still logging, even when the stop itself or fn
// failed; all errors are returned.
func (e *Engine) whileStopped(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	logging, err := e.suspendLogging(ctx)
	if logging {
		return err
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
		defer cancel()
		if rerr := e.startLogging(rctx); rerr != nil {
			e.logger.Error("protocol: failed to resume logging", "error", rerr)
			err = errors.Join(err, rerr)
		}
	}()

	if err != nil {
		return err
	}

	return fn(ctx)
}

// inState runs fn directly in COMMAND and with logging suspended in AUTOSAMPLE.
func (e *Engine) inState(ctx context.Context, state State, fn func(ctx context.Context) error) error {
	if state == StateAutosample {
		return e.whileStopped(ctx, fn)
	}
	return fn(ctx)
}

// --- parameters ---

func (e *Engine) handleGet(ctx context.Context, req Request) (State, any, error) {
	state := e.states.State()

	ids := req.IDs()
	if len(ids) == 0 {
		ids = e.dict.IDs()
	}

	out := make(map[param.ID]any, len(ids))
	refreshed := false
	for _, id := range ids {
		v, err := e.dict.Get(id, req.Baseline())
		if errors.Is(err, param.ErrStale) && !refreshed {
			if err := e.refresh(ctx); err != nil {
				return state, nil, err
			}
			refreshed = true
			v, err = e.dict.Get(id, req.Baseline())
		}
		if errors.Is(err, param.ErrStale) {
			return state, nil, fmt.Errorf("%w: %s was not reported by the instrument", instrument.ErrParameter, e.dict.Name(id))
		}
		if err != nil {
			return state, nil, err
		}
		out[id] = v
	}

	return state, out, nil
}

func (e *Engine) handleSet(ctx context.Context, req Request) (State, any, error) {
	state := e.states.State()
	values := req.Values()
	if len(values) == 0 {
		return state, nil, fmt.Errorf("%w: no parameters to set", instrument.ErrParameter)
	}

	// reject statically before anything is sent
	if _, err := e.prepare(values, false); err != nil {
		return state, nil, err
	}

	err := e.inState(ctx, state, func(ctx context.Context) error {
		return e.setParams(ctx, values, false)
	})

	return state, nil, err
}

type pendingSet struct {
	desc  param.Descriptor
	value any
	wire  string
}

// prepare checks visibility and renders every value. Results are ordered by ID.
func (e *Engine) prepare(values map[param.ID]any, startup bool) ([]pendingSet, error) {
	ids := make([]param.ID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	sets := make([]pendingSet, 0, len(ids))
	for _, id := range ids {
		if err := e.dict.CheckWritable(id, startup); err != nil {
			return nil, err
		}
		v, err := e.dict.Coerce(id, values[id])
		if err != nil {
			return nil, err
		}
		wire, err := e.dict.Format(id, v)
		if err != nil {
			return nil, err
		}
		desc, _ := e.dict.Descriptor(id)
		sets = append(sets, pendingSet{desc: desc, value: v, wire: wire})
	}

	return sets, nil
}

// setParams sends the set commands, refreshes the dictionary and verifies that
// the instrument reports the requested values.
func (e *Engine) setParams(ctx context.Context, values map[param.ID]any, startup bool) error {
	sets, err := e.prepare(values, startup)
	if err != nil {
		return err
	}

	for _, s := range sets {
		if _, err := e.layer.Set(ctx, s.desc, s.wire); err != nil {
			if instrument.KindOf(err) == instrument.KindProtocol {
				return fmt.Errorf("%w: %s=%s rejected: %v", instrument.ErrParameter, s.desc.Name, s.wire, err)
			}
			return err
		}
		// acknowledged; the refresh below replaces it with what the instrument reports
		if err := e.dict.Set(s.desc.ID, s.value); err != nil {
			return err
		}
	}

	if err := e.refresh(ctx); err != nil {
		return err
	}

	for _, s := range sets {
		cur, ok := e.dict.Value(s.desc.ID)
		if !ok || !e.dict.Equal(s.desc.ID, cur.Value, s.value) {
			return fmt.Errorf("%w: instrument did not accept %s=%s", instrument.ErrParameter, s.desc.Name, s.wire)
		}
	}

	return nil
}

// applyStartupParams writes the dirty startup parameters. It is a no-op when the
// dictionary is not dirty.
func (e *Engine) applyStartupParams(ctx context.Context, logging bool) error {
	list := e.dict.StartupList()
	dirty := e.dict.DirtyList(list)
	if len(dirty) == 0 {
		return nil
	}

	values := make(map[param.ID]any, len(dirty))
	for _, id := range dirty {
		v, _ := e.dict.StartupValue(id)
		values[id] = v
	}
	e.logger.Info("protocol: applying startup parameters", "count", len(values))

	apply := func(ctx context.Context) error {
		if err := e.setParams(ctx, values, true); err != nil {
			return err
		}
		if e.dict.IsDirty(list) {
			return fmt.Errorf("%w: startup parameters still differ after apply", instrument.ErrParameter)
		}
		return nil
	}

	if logging {
		return e.whileStopped(ctx, apply)
	}
	return apply(ctx)
}

// --- status and samples ---

func (e *Engine) handleAcquireStatus(ctx context.Context, _ Request) (State, any, error) {
	state := e.states.State()
	particles, err := e.collect(ctx, e.family.statusVerbs(), notSample)
	return state, particles, err
}

func (e *Engine) handleGetConfiguration(ctx context.Context, _ Request) (State, any, error) {
	state := e.states.State()
	particles, err := e.collect(ctx, e.family.ConfigSequence, notSample)
	return state, particles, err
}

func (e *Engine) handleAcquireSample(ctx context.Context, _ Request) (State, any, error) {
	if e.family.SampleVerb == "" {
		return StateCommand, nil, fmt.Errorf("%w: family %s cannot take single samples", instrument.ErrProtocol, e.family.Name)
	}
	particles, err := e.collect(ctx, []command.Verb{e.family.SampleVerb}, isSample)
	return StateCommand, particles, err
}

func isSample(k particle.Kind) bool  { return k == particle.KindSample }
func notSample(k particle.Kind) bool { return k != particle.KindSample }

// collect sends verbs in order and returns the particles of the kinds accepted by
// keep found in their responses. Samples streamed while logging share the wire
// with the responses.
func (e *Engine) collect(ctx context.Context, verbs []command.Verb, keep func(particle.Kind) bool) ([]*particle.Particle, error) {
	var out []*particle.Particle
	for _, v := range verbs {
		resp, err := e.layer.Do(ctx, v)
		if err != nil {
			return out, err
		}
		e.dict.UpdateText(resp)

		for _, c := range particle.Extract(e.family.Patterns, []byte(resp), e.now()) {
			if !keep(c.Kind) {
				continue
			}
			if c.Err != nil {
				return out, c.Err
			}
			out = append(out, c.Particle)
		}
	}

	return out, nil
}

// --- clock ---

func (e *Engine) handleClockSync(ctx context.Context, _ Request) (State, any, error) {
	state := e.states.State()
	err := e.inState(ctx, state, e.syncClock)
	return state, nil, err
}

// syncClock waits for the next second boundary and sets the instrument clock to it.
func (e *Engine) syncClock(ctx context.Context) error {
	desc, ok := e.dict.Descriptor(e.family.ClockParam)
	if !ok {
		return fmt.Errorf("%w: clock parameter %d", param.ErrUnknownParam, e.family.ClockParam)
	}

	now := e.now()
	target := now.Truncate(time.Second).Add(time.Second)
	if err := sleepCtx(ctx, target.Sub(now)); err != nil {
		return err
	}

	value := target.UTC().Format(e.family.ClockLayout)
	e.logger.Debug("protocol: set clock", "value", value)
	if _, err := e.layer.Set(ctx, desc, value); err != nil {
		return err
	}

	return nil
}

// --- direct access ---

func (e *Engine) handleStartDirect(context.Context, Request) (State, any, error) {
	snapshot := make(map[param.ID]any)
	for _, id := range e.dict.IDs() {
		desc, _ := e.dict.Descriptor(id)
		if !desc.DirectAccess {
			continue
		}
		if v, ok := e.dict.Value(id); ok {
			snapshot[id] = v.Value
		}
	}
	e.daSnapshot = snapshot

	return StateDirectAccess, nil, nil
}

func (e *Engine) handleExecuteDirect(_ context.Context, req Request) (State, any, error) {
	return StateDirectAccess, nil, e.layer.WriteRaw(req.Data())
}

// handleStopDirect re-discovers the instrument and restores the direct-access
// parameters an operator may have changed.
func (e *Engine) handleStopDirect(ctx context.Context, _ Request) (State, any, error) {
	e.layer.SetWakeups(e.family.wakeups(StateUnknown))

	logging, err := e.queryLogging(ctx)
	if err != nil {
		return StateUnknown, nil, err
	}
	next := StateCommand
	if logging {
		next = StateAutosample
	}

	if err := e.restoreDirectAccess(ctx, logging); err != nil {
		return next, nil, err
	}
	if err := e.applyStartupParams(ctx, logging); err != nil {
		return next, nil, err
	}

	return next, nil, nil
}

func (e *Engine) restoreDirectAccess(ctx context.Context, logging bool) error {
	changed := make(map[param.ID]any)
	for id, want := range e.daSnapshot {
		cur, ok := e.dict.Value(id)
		if !ok || !e.dict.Equal(id, cur.Value, want) {
			changed[id] = want
		}
	}
	if len(changed) == 0 {
		return nil
	}
	e.logger.Info("protocol: restoring direct access parameters", "count", len(changed))

	restore := func(ctx context.Context) error {
		return e.setParams(ctx, changed, true)
	}
	if logging {
		return e.whileStopped(ctx, restore)
	}
	return restore(ctx)
}

// --- self test ---

func (e *Engine) handleRunTest(ctx context.Context, _ Request) (State, any, error) {
	e.transition(StateTest)

	results := make([]StepResult, 0, len(e.family.TestSequence))
	var errs error
	for _, v := range e.family.TestSequence {
		resp, err := e.layer.Do(ctx, v)
		results = append(results, StepResult{Verb: v, Response: resp, Err: err})
		if err != nil {
			errs = errors.Join(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	return StateCommand, results, errs
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
