package command

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

var testSpecs = []Spec{
	{Verb: "GetSD", Validators: []Validator{ExpectEnvelope("StatusData")}},
	{Verb: "GetHD", Validators: []Validator{ExpectEnvelope("HardwareData")}},
	{Verb: "StartNow"},
	{Verb: "Stop", NoWakeup: true},
}

// fakeDevice is the remote end of a net.Pipe that records every received line
// and answers through respond.
type fakeDevice struct {
	mu      sync.Mutex
	lines   []string
	respond func(line string) string
}

func (d *fakeDevice) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

func (d *fakeDevice) count(line string) int {
	n := 0
	for _, l := range d.received() {
		if l == line {
			n++
		}
	}
	return n
}

func (d *fakeDevice) serve(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		d.mu.Lock()
		d.lines = append(d.lines, line)
		d.mu.Unlock()

		if resp := d.respond(line); resp != "" {
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}
}

// promptOnWakeup answers wakeups with the prompt and delegates other lines.
func promptOnWakeup(next func(line string) string) func(string) string {
	return func(line string) string {
		if line == "" {
			return "\r\nS>"
		}
		if next == nil {
			return ""
		}
		return next(line)
	}
}

// newTestLayer creates a Layer attached to one end of a net.Pipe and a fake
// device serving the other end.
func newTestLayer(t *testing.T, respond func(line string) string, opts ...LayerOption) (*Layer, *fakeDevice) {
	t.Helper()

	defaults := []LayerOption{
		WithCommandTimeout(500 * time.Millisecond),
		WithWakeup(100*time.Millisecond, 3, 10*time.Millisecond),
		WithConfirmDelay(20 * time.Millisecond),
	}

	l, err := NewLayer(testSpecs, append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("newTestLayer: %v", err)
	}

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	dev := &fakeDevice{respond: respond}
	go dev.serve(remote)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				l.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	l.Attach(local)

	return l, dev
}
