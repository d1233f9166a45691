// Package simulator emulates an SBE 16plus style instrument on one end of a
// net.Conn. Tests drive the engine against it and inspect the command lines it
// received.
package simulator

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// SampleLine is the raw HEX record emitted while logging and by TS.
const SampleLine = "04570F0A1E910828FC47BC59F199952C64C9\r\n"

// Prompt is the command prompt.
const Prompt = "S>"

const dateLayout = "02 Jan 2006 15:04:05"

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogging sets the initial logging state.
func WithLogging(logging bool) Option {
	return func(s *Simulator) { s.logging = logging }
}

// WithSampleInterval sets how often samples are emitted while logging.
func WithSampleInterval(d time.Duration) Option {
	return func(s *Simulator) { s.sampleEvery = d }
}

// WithParam sets the initial value of a parameter, by instrument name.
func WithParam(name, value string) Option {
	return func(s *Simulator) { s.params[name] = value }
}

// Simulator is the emulated instrument.
type Simulator struct {
	conn net.Conn

	mu          sync.Mutex
	writeMu     sync.Mutex
	logging     bool
	params      map[string]string
	received    []string
	pending     string // first half of a confirmed set
	ignoreStart bool
	ignoreStop  bool
	silent      map[string]bool
	failSet     map[string]bool
	dropSet     map[string]bool
	sampleEvery time.Duration

	done chan struct{}
	once sync.Once
}

// New creates a simulator serving conn. Call Serve to start it.
func New(conn net.Conn, opts ...Option) *Simulator {
	s := &Simulator{
		conn: conn,
		params: map[string]string{
			"DateTime":            "24 Feb 2014 18:36:42",
			"SampleNumber":        "0",
			"SampleInterval":      "10",
			"NCycles":             "4",
			"DelayBeforeSampling": "0.0",
			"TxRealTime":          "yes",
			"BatteryCutoff":       "7.5",
			"Volt0":               "yes",
			"Volt1":               "yes",
			"Echo":                "yes",
			"OutputFormat":        "raw HEX",
		},
		silent:      make(map[string]bool),
		failSet:     make(map[string]bool),
		dropSet:     make(map[string]bool),
		sampleEvery: 50 * time.Millisecond,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Pipe returns a simulator serving one end of a net.Pipe and the other end.
func Pipe(opts ...Option) (*Simulator, net.Conn) {
	local, remote := net.Pipe()
	s := New(remote, opts...)
	go s.Serve()

	return s, local
}

// Serve reads command lines until the connection is closed.
func (s *Simulator) Serve() {
	go s.stream()
	defer s.Close()

	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if resp := s.handle(line); resp != "" {
			if err := s.write(resp); err != nil {
				return
			}
		}
	}
}

// Close closes the connection and stops sample output.
func (s *Simulator) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Received returns every line received so far. Wakeups are empty lines.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Count returns how many times line was received.
func (s *Simulator) Count(line string) int {
	n := 0
	for _, l := range s.Received() {
		if l == line {
			n++
		}
	}
	return n
}

// Commands returns the received lines without wakeups.
func (s *Simulator) Commands() []string {
	var out []string
	for _, l := range s.Received() {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// ResetReceived clears the received line history.
func (s *Simulator) ResetReceived() {
	s.mu.Lock()
	s.received = nil
	s.mu.Unlock()
}

// Logging reports whether the instrument is logging.
func (s *Simulator) Logging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logging
}

// SetLogging changes the logging state behind the driver's back, as an operator would.
func (s *Simulator) SetLogging(logging bool) {
	s.mu.Lock()
	s.logging = logging
	s.mu.Unlock()
}

// Param returns the current value of a parameter.
func (s *Simulator) Param(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[name]
}

// SetParam changes a parameter behind the driver's back.
func (s *Simulator) SetParam(name, value string) {
	s.mu.Lock()
	s.params[name] = value
	s.mu.Unlock()
}

// IgnoreStart makes StartNow answer with a prompt without starting to log.
func (s *Simulator) IgnoreStart(ignore bool) {
	s.mu.Lock()
	s.ignoreStart = ignore
	s.mu.Unlock()
}

// IgnoreStop makes Stop answer with a prompt without stopping.
func (s *Simulator) IgnoreStop(ignore bool) {
	s.mu.Lock()
	s.ignoreStop = ignore
	s.mu.Unlock()
}

// Silence makes the simulator swallow cmd without answering.
func (s *Simulator) Silence(cmd string, silent bool) {
	s.mu.Lock()
	s.silent[cmd] = silent
	s.mu.Unlock()
}

// FailSet makes sets of name answer with an inline error marker.
func (s *Simulator) FailSet(name string, fail bool) {
	s.mu.Lock()
	s.failSet[name] = fail
	s.mu.Unlock()
}

// DropSet makes sets of name answer with a prompt without taking effect.
func (s *Simulator) DropSet(name string, drop bool) {
	s.mu.Lock()
	s.dropSet[name] = drop
	s.mu.Unlock()
}

func (s *Simulator) write(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.conn, text)
	return err
}

func (s *Simulator) stream() {
	ticker := time.NewTicker(s.sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.Logging() {
				if err := s.write(SampleLine); err != nil {
					return
				}
			}
		}
	}
}

func (s *Simulator) handle(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, line)
	if s.silent[line] {
		return ""
	}

	switch line {
	case "":
		return "\r\n" + Prompt
	case "DS":
		return s.displayStatus() + Prompt
	case "GetSD":
		return s.statusData() + Prompt
	case "GetHD":
		return hardwareData + Prompt
	case "GetCD":
		return s.configurationData() + Prompt
	case "GetCC":
		return calibrationData + Prompt
	case "GetEC":
		return eventCounters + Prompt
	case "StartNow":
		if !s.ignoreStart {
			s.logging = true
		}
		return "\r\n" + Prompt
	case "Stop":
		if !s.ignoreStop {
			s.logging = false
		}
		return "\r\n" + Prompt
	case "TS":
		if s.logging {
			return notAllowed + Prompt
		}
		return SampleLine + Prompt
	case "TT", "TC", "TP":
		return fmt.Sprintf("%s test\r\n 12.3456\r\n 12.3457\r\n", line) + Prompt
	}

	name, value, ok := strings.Cut(line, "=")
	if !ok {
		return "<ERROR type='INVALID COMMAND' msg='unknown command'/>\r\n" + Prompt
	}

	return s.set(line, name, value) + Prompt
}

const notAllowed = "<ERROR type='INVALID COMMAND' msg='command not allowed while logging'/>\r\n"

func (s *Simulator) set(line, name, value string) string {
	if _, known := s.params[name]; !known {
		return "<ERROR type='INVALID ARGUMENT' msg='unknown parameter'/>\r\n"
	}
	if s.logging {
		return notAllowed
	}
	if s.failSet[name] {
		return "<ERROR type='INVALID ARGUMENT' msg='value out of range'/>\r\n"
	}

	if name == "SampleNumber" && s.pending != line {
		s.pending = line
		return "\r\nthis command will change the scan length and/or initialize logging\r\nrepeat the command to confirm:\r\n"
	}
	s.pending = ""

	if s.dropSet[name] {
		return "\r\n"
	}

	switch name {
	case "DateTime":
		t, err := time.Parse("01022006150405", value)
		if err != nil {
			return "<ERROR type='INVALID ARGUMENT' msg='bad date'/>\r\n"
		}
		value = t.Format(dateLayout)
	case "TxRealTime", "Volt0", "Volt1", "Echo":
		switch strings.ToLower(value) {
		case "y", "yes":
			value = "yes"
		case "n", "no":
			value = "no"
		default:
			return "<ERROR type='INVALID ARGUMENT' msg='expected y or n'/>\r\n"
		}
	}
	s.params[name] = value

	return "\r\n"
}

func (s *Simulator) loggingText() string {
	if s.logging {
		return "logging"
	}
	return "not logging"
}

func (s *Simulator) displayStatus() string {
	p := s.params
	var b strings.Builder
	fmt.Fprintf(&b, "SBE 16plus V 2.5  SERIAL NO. 6841    %s\r\n", p["DateTime"])
	b.WriteString("vbatt = 13.0, vlith =  8.5, ioper =  61.2 ma, ipump =  0.5 ma,\r\n")
	fmt.Fprintf(&b, "status = %s\r\n", s.loggingText())
	fmt.Fprintf(&b, "samples = %s, free = 4386542\r\n", p["SampleNumber"])
	fmt.Fprintf(&b, "sample interval = %s seconds, number of measurements per sample = %s\r\n", p["SampleInterval"], p["NCycles"])
	fmt.Fprintf(&b, "pump = run pump during sample, delay before sampling = %s seconds, delay after sampling = 0.0 seconds\r\n", p["DelayBeforeSampling"])
	fmt.Fprintf(&b, "transmit real-time = %s\r\n", p["TxRealTime"])
	fmt.Fprintf(&b, "battery cutoff =  %s volts\r\n", p["BatteryCutoff"])
	b.WriteString("pressure sensor = strain gauge, range = 160.0\r\n")
	fmt.Fprintf(&b, "Ext Volt 0 = %s, Ext Volt 1 = %s\r\n", p["Volt0"], p["Volt1"])
	fmt.Fprintf(&b, "echo characters = %s\r\n", p["Echo"])
	fmt.Fprintf(&b, "output format = %s\r\n", p["OutputFormat"])
	return b.String()
}

func (s *Simulator) statusData() string {
	t, err := time.Parse(dateLayout, s.params["DateTime"])
	if err != nil {
		t = time.Time{}
	}
	return "<StatusData DeviceType='SBE16plus' SerialNumber='01606841'>\r\n" +
		"<DateTime>" + t.Format("2006-01-02T15:04:05") + "</DateTime>\r\n" +
		"<vMain>13.0</vMain>\r\n" +
		"<vLith>8.5</vLith>\r\n" +
		"<LoggingState>" + s.loggingText() + "</LoggingState>\r\n" +
		"<EventSummary numEvents='1'/>\r\n" +
		"</StatusData>\r\n"
}

func (s *Simulator) configurationData() string {
	return "<ConfigurationData DeviceType='SBE16plus' SerialNumber='01606841'>\r\n" +
		"<ProfileMode>\r\n<ScansToAverage>" + s.params["NCycles"] + "</ScansToAverage>\r\n</ProfileMode>\r\n" +
		"<SampleInterval>" + s.params["SampleInterval"] + "</SampleInterval>\r\n" +
		"<OutputFormat>" + s.params["OutputFormat"] + "</OutputFormat>\r\n" +
		"<OutputSalinity>no</OutputSalinity>\r\n" +
		"<TxRealTime>" + s.params["TxRealTime"] + "</TxRealTime>\r\n" +
		"</ConfigurationData>\r\n"
}

const hardwareData = "<HardwareData DeviceType='SBE16plus' SerialNumber='01606841'>\r\n" +
	"<Manufacturer>Sea-Bird Electronics, Inc.</Manufacturer>\r\n" +
	"<FirmwareVersion>2.5</FirmwareVersion>\r\n" +
	"<InternalSensors>\r\n" +
	"<Sensor id='Main Temperature'><type>temperature0</type><SerialNumber>01606841</SerialNumber></Sensor>\r\n" +
	"<Sensor id='Main Conductivity'><type>conductivity-0</type><SerialNumber>01606841</SerialNumber></Sensor>\r\n" +
	"<Sensor id='Main Pressure'><type>strain-0</type><SerialNumber>2464009</SerialNumber></Sensor>\r\n" +
	"</InternalSensors>\r\n" +
	"</HardwareData>\r\n"

const calibrationData = "<CalibrationCoefficients DeviceType='SBE16plus' SerialNumber='01606841'>\r\n" +
	"<Calibration format='TEMP1' id='Main Temperature'>\r\n" +
	"<SerialNum>01606841</SerialNum>\r\n<CalDate>12-Jan-13</CalDate>\r\n" +
	"<TA0>1.254755e-03</TA0>\r\n<TA1>2.758871e-04</TA1>\r\n" +
	"</Calibration>\r\n" +
	"<Calibration format='WBCOND0' id='Main Conductivity'>\r\n" +
	"<SerialNum>01606841</SerialNum>\r\n<CalDate>12-Jan-13</CalDate>\r\n" +
	"<G>-9.761799e-01</G>\r\n<H>1.369994e-01</H>\r\n" +
	"</Calibration>\r\n" +
	"</CalibrationCoefficients>\r\n"

const eventCounters = "<EventCounters DeviceType='SBE16plus' SerialNumber='01606841'>\r\n" +
	"<EventSummary numEvents='1'/>\r\n" +
	"<Event type='PowerOnReset' count='1'/>\r\n" +
	"</EventCounters>\r\n"
