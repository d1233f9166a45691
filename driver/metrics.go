package driver

import (
	"sync/atomic"

	"github.com/arloliu/go-seabird/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains atomic metrics of a Driver.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc,
// see NewCollector.
type Metrics struct {
	// BytesRecvCount indicates the number of bytes read from the transport.
	BytesRecvCount atomic.Uint64
	// CommandSendCount indicates the number of command lines written, wakeups included.
	CommandSendCount atomic.Uint64
	// CommandErrCount indicates the number of failed commands.
	CommandErrCount atomic.Uint64
	// WakeupRetryCount indicates the number of wakeup attempts that were retried.
	WakeupRetryCount atomic.Uint64

	// ParticleCount indicates the number of particles decoded from the stream.
	ParticleCount atomic.Uint64
	// SampleErrCount indicates the number of chunks that failed to decode.
	SampleErrCount atomic.Uint64
	// ExceptionCount indicates the number of exception events raised.
	ExceptionCount atomic.Uint64
	// EventDropCount indicates the number of events dropped because a handler queue was full.
	EventDropCount atomic.Uint64

	// ConnectCount indicates the number of successful transport connections.
	ConnectCount atomic.Uint64
	// ConnectErrCount indicates the number of failed transport connections.
	ConnectErrCount atomic.Uint64

	// ProtocolState is the current protocol.State of the instrument.
	ProtocolState atomic.Uint32
}

func (m *Metrics) addBytesRecv(n int) {
	m.BytesRecvCount.Add(uint64(n)) //nolint:gosec
}

func (m *Metrics) incCommandSendCount() {
	m.CommandSendCount.Add(1)
}

func (m *Metrics) incCommandErrCount() {
	m.CommandErrCount.Add(1)
}

func (m *Metrics) incWakeupRetryCount() {
	m.WakeupRetryCount.Add(1)
}

func (m *Metrics) incParticleCount() {
	m.ParticleCount.Add(1)
}

func (m *Metrics) incSampleErrCount() {
	m.SampleErrCount.Add(1)
}

func (m *Metrics) incExceptionCount() {
	m.ExceptionCount.Add(1)
}

func (m *Metrics) addEventDropCount(n int) {
	m.EventDropCount.Add(uint64(n)) //nolint:gosec
}

func (m *Metrics) incConnectCount() {
	m.ConnectCount.Add(1)
}

func (m *Metrics) incConnectErrCount() {
	m.ConnectErrCount.Add(1)
}

func (m *Metrics) setProtocolState(s protocol.State) {
	m.ProtocolState.Store(uint32(s))
}

// Collector exposes Metrics to prometheus.
type Collector struct {
	collectors []prometheus.Collector
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a prometheus collector reading m. namespace prefixes
// every metric name; constLabels, typically the instrument name, are attached
// to every metric.
func NewCollector(m *Metrics, namespace string, constLabels prometheus.Labels) *Collector {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, func() float64 { return float64(v.Load()) })
	}

	return &Collector{collectors: []prometheus.Collector{
		counter("received_bytes_total", "Bytes read from the instrument transport.", &m.BytesRecvCount),
		counter("commands_sent_total", "Command lines written to the instrument, wakeups included.", &m.CommandSendCount),
		counter("command_errors_total", "Commands that failed.", &m.CommandErrCount),
		counter("wakeup_retries_total", "Wakeup attempts that got no prompt and were retried.", &m.WakeupRetryCount),
		counter("particles_total", "Particles decoded from the instrument stream.", &m.ParticleCount),
		counter("sample_errors_total", "Stream chunks that failed to decode.", &m.SampleErrCount),
		counter("exceptions_total", "Exception events raised.", &m.ExceptionCount),
		counter("events_dropped_total", "Events dropped because a handler queue was full.", &m.EventDropCount),
		counter("connects_total", "Successful transport connections.", &m.ConnectCount),
		counter("connect_errors_total", "Failed transport connections.", &m.ConnectErrCount),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "driver",
			Name:        "protocol_state",
			Help:        "Current protocol state: 0 unknown, 1 command, 2 autosample, 3 direct access, 4 test.",
			ConstLabels: constLabels,
		}, func() float64 { return float64(m.ProtocolState.Load()) }),
	}}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors {
		col.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors {
		col.Collect(ch)
	}
}
