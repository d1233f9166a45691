package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-seabird/param"
	"github.com/arloliu/go-seabird/particle"
	"github.com/arloliu/go-seabird/protocol"
)

// Execute submits req to the protocol engine and waits for its result.
func (d *Driver) Execute(ctx context.Context, req protocol.Request) (any, error) {
	switch d.opState.Get() {
	case OpenedState:
	case LostState:
		return nil, ErrConnectionLost
	default:
		return nil, ErrNotOpened
	}

	return d.engine.Handle(ctx, req)
}

func (d *Driver) run(ctx context.Context, ev protocol.Event) error {
	_, err := d.Execute(ctx, protocol.NewRequest(ev))
	return err
}

func (d *Driver) particles(ctx context.Context, ev protocol.Event) ([]*particle.Particle, error) {
	v, err := d.Execute(ctx, protocol.NewRequest(ev))
	ps, _ := v.([]*particle.Particle)
	return ps, err
}

// Discover determines whether the instrument is logging, then applies the
// startup parameters when they differ from the instrument. It returns the
// resulting protocol state.
func (d *Driver) Discover(ctx context.Context) (protocol.State, error) {
	err := d.run(ctx, protocol.EventDiscover)
	return d.engine.State(), err
}

// Get returns the values of ids, or of every parameter when ids is empty.
// Values older than baseline are refreshed from the instrument first; a zero
// baseline accepts any stored value.
func (d *Driver) Get(ctx context.Context, baseline time.Time, ids ...param.ID) (map[param.ID]any, error) {
	v, err := d.Execute(ctx, protocol.GetRequest(baseline, ids...))
	values, _ := v.(map[param.ID]any)
	return values, err
}

// Set sets parameters on the instrument. While logging, logging is stopped for
// the duration of the set and resumed afterwards.
func (d *Driver) Set(ctx context.Context, values map[param.ID]any) error {
	_, err := d.Execute(ctx, protocol.SetRequest(values))
	return err
}

// SetByName is Set with parameters identified by name.
func (d *Driver) SetByName(ctx context.Context, values map[string]any) error {
	byID := make(map[param.ID]any, len(values))
	for name, v := range values {
		desc, ok := d.dict.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s", param.ErrUnknownParam, name)
		}
		byID[desc.ID] = v
	}

	return d.Set(ctx, byID)
}

// AcquireSample takes one sample in command mode.
func (d *Driver) AcquireSample(ctx context.Context) ([]*particle.Particle, error) {
	return d.particles(ctx, protocol.EventAcquireSample)
}

// AcquireStatus runs the status command sequence and returns its particles.
func (d *Driver) AcquireStatus(ctx context.Context) ([]*particle.Particle, error) {
	return d.particles(ctx, protocol.EventAcquireStatus)
}

// GetConfiguration returns the configuration and calibration particles.
func (d *Driver) GetConfiguration(ctx context.Context) ([]*particle.Particle, error) {
	return d.particles(ctx, protocol.EventGetConfiguration)
}

// StartAutosample starts logging.
func (d *Driver) StartAutosample(ctx context.Context) error {
	return d.run(ctx, protocol.EventStartAutosample)
}

// StopAutosample stops logging.
func (d *Driver) StopAutosample(ctx context.Context) error {
	return d.run(ctx, protocol.EventStopAutosample)
}

// ClockSync sets the instrument clock to the driver clock.
func (d *Driver) ClockSync(ctx context.Context) error {
	return d.run(ctx, protocol.EventClockSync)
}

// StartDirect enters direct access.
func (d *Driver) StartDirect(ctx context.Context) error {
	return d.run(ctx, protocol.EventStartDirect)
}

// ExecuteDirect writes data to the instrument unmodified. Responses arrive on
// the direct access handlers.
func (d *Driver) ExecuteDirect(ctx context.Context, data []byte) error {
	_, err := d.Execute(ctx, protocol.DirectRequest(data))
	return err
}

// StopDirect leaves direct access, restores the parameters changed during it
// and rediscovers the protocol state.
func (d *Driver) StopDirect(ctx context.Context) error {
	return d.run(ctx, protocol.EventStopDirect)
}

// RunTest runs the self-test commands and returns one result per command.
func (d *Driver) RunTest(ctx context.Context) ([]protocol.StepResult, error) {
	v, err := d.Execute(ctx, protocol.NewRequest(protocol.EventRunTest))
	results, _ := v.([]protocol.StepResult)
	return results, err
}
