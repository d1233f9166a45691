package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/arloliu/go-seabird/internal/pool"
	"github.com/arloliu/go-seabird/protocol"
)

// readLoop drains conn until it fails or the driver stops.
func (d *Driver) readLoop(ctx context.Context, conn io.Reader) {
	bufp := pool.GetBuffer()
	defer pool.PutBuffer(bufp)
	buf := *bufp

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			d.dispatch(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || !d.opState.To(LostState) {
				return
			}
			d.logger.Error("driver: read failed", "error", err)
			d.sched.Stop()
			d.raise(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
	}
}

// dispatch routes inbound bytes. The command layer always sees them; in direct
// access they go to the direct access handlers only, otherwise they are split
// into particles.
func (d *Driver) dispatch(data []byte) {
	d.metrics.addBytesRecv(len(data))
	d.layer.Feed(data)

	if d.engine.State() == protocol.StateDirectAccess {
		d.dropped(d.events.directAccess.emit(bytes.Clone(data)))
		return
	}

	for _, c := range d.chunker.Add(data, d.cfg.clock()) {
		if c.Err != nil {
			d.metrics.incSampleErrCount()
			d.logger.Warn("driver: undecodable chunk", "kind", c.Kind, "error", c.Err)
			d.raise(c.Err)
			continue
		}
		d.metrics.incParticleCount()
		d.dropped(d.events.particles.emit(c.Particle))
	}
}
