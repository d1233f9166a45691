package driver

import (
	"testing"

	"github.com/arloliu/go-seabird/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	require := require.New(t)

	var m Metrics
	m.addBytesRecv(42)
	m.incCommandSendCount()
	m.incCommandSendCount()
	m.incParticleCount()
	m.setProtocolState(protocol.StateAutosample)

	c := NewCollector(&m, "seabird", prometheus.Labels{"instrument": "SBE16plus"})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(reg.Register(c))

	mfs, err := reg.Gather()
	require.NoError(err)
	require.Len(mfs, 11)

	values := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		require.Len(mf.GetMetric(), 1)
		metric := mf.GetMetric()[0]
		require.Equal("SBE16plus", metric.GetLabel()[0].GetValue())
		if metric.GetCounter() != nil {
			values[mf.GetName()] = metric.GetCounter().GetValue()
		} else {
			values[mf.GetName()] = metric.GetGauge().GetValue()
		}
	}

	require.InDelta(42.0, values["seabird_driver_received_bytes_total"], 0)
	require.InDelta(2.0, values["seabird_driver_commands_sent_total"], 0)
	require.InDelta(1.0, values["seabird_driver_particles_total"], 0)
	require.InDelta(0.0, values["seabird_driver_sample_errors_total"], 0)
	require.InDelta(float64(protocol.StateAutosample), values["seabird_driver_protocol_state"], 0)
}
