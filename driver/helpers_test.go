package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/internal/simulator"
	"github.com/arloliu/go-seabird/particle"
	"github.com/arloliu/go-seabird/sbe16"
	"github.com/stretchr/testify/require"
)

// recorder collects driver events.
type recorder struct {
	mu         sync.Mutex
	particles  []*particle.Particle
	changes    []StateChange
	exceptions []Exception
	raw        []byte
}

func (r *recorder) attach(d *Driver) {
	d.AddParticleHandler(func(p *particle.Particle) {
		r.mu.Lock()
		r.particles = append(r.particles, p)
		r.mu.Unlock()
	})
	d.AddStateHandler(func(c StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	})
	d.AddExceptionHandler(func(ex Exception) {
		r.mu.Lock()
		r.exceptions = append(r.exceptions, ex)
		r.mu.Unlock()
	})
	d.AddDirectAccessHandler(func(data []byte) {
		r.mu.Lock()
		r.raw = append(r.raw, data...)
		r.mu.Unlock()
	})
}

func (r *recorder) countKind(kind particle.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.particles {
		if p.Kind() == kind {
			n++
		}
	}
	return n
}

func (r *recorder) firstOfKind(kind particle.Kind) *particle.Particle {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.particles {
		if p.Kind() == kind {
			return p
		}
	}
	return nil
}

func (r *recorder) stateChanges() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *recorder) exceptionList() []Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exception(nil), r.exceptions...)
}

func (r *recorder) rawData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.raw)
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// newTestDriver creates a driver connected to a simulator. The driver is not opened.
func newTestDriver(t *testing.T, simOpts []simulator.Option, opts ...Option) (*Driver, *simulator.Simulator, *recorder) {
	t.Helper()

	fam := sbe16.Family()
	fam.StartSettle = 10 * time.Millisecond

	sim, conn := simulator.Pipe(simOpts...)

	opts = append([]Option{
		WithTransport(conn),
		WithCommandOptions(
			command.WithCommandTimeout(time.Second),
			command.WithWakeup(200*time.Millisecond, 3, 10*time.Millisecond),
			command.WithConfirmDelay(10*time.Millisecond),
		),
	}, opts...)

	d, err := New(fam, opts...)
	require.NoError(t, err)

	rec := &recorder{}
	rec.attach(d)

	t.Cleanup(func() {
		_ = d.Close()
		sim.Close()
	})

	return d, sim, rec
}
