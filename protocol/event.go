package protocol

import (
	"maps"
	"slices"
	"time"

	"github.com/arloliu/go-seabird/param"
)

// Event is a protocol event handled by the engine.
type Event int

// Protocol events.
const (
	// EventEnter and EventExit are fired by the engine on state changes. Callers
	// cannot submit them.
	EventEnter Event = iota
	EventExit

	EventDiscover
	EventAcquireSample
	EventAcquireStatus
	EventGetConfiguration
	EventGet
	EventSet
	EventStartAutosample
	EventStopAutosample
	EventClockSync
	EventScheduledClockSync
	EventScheduledAcquireStatus
	EventStartDirect
	EventStopDirect
	EventExecuteDirect
	EventRunTest
)

var eventNames = map[Event]string{
	EventEnter:                  "ENTER",
	EventExit:                   "EXIT",
	EventDiscover:               "DISCOVER",
	EventAcquireSample:          "ACQUIRE_SAMPLE",
	EventAcquireStatus:          "ACQUIRE_STATUS",
	EventGetConfiguration:       "GET_CONFIGURATION",
	EventGet:                    "GET",
	EventSet:                    "SET",
	EventStartAutosample:        "START_AUTOSAMPLE",
	EventStopAutosample:         "STOP_AUTOSAMPLE",
	EventClockSync:              "CLOCK_SYNC",
	EventScheduledClockSync:     "SCHEDULED_CLOCK_SYNC",
	EventScheduledAcquireStatus: "SCHEDULED_ACQUIRE_STATUS",
	EventStartDirect:            "START_DIRECT",
	EventStopDirect:             "STOP_DIRECT",
	EventExecuteDirect:          "EXECUTE_DIRECT",
	EventRunTest:                "RUN_TEST",
}

// String returns string representation of the event.
func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "INVALID"
}

// ParseEvent returns the event named s, as printed by Event.String.
func ParseEvent(s string) (Event, bool) {
	for ev, name := range eventNames {
		if name == s {
			return ev, true
		}
	}
	return 0, false
}

func (e Event) internal() bool {
	return e == EventEnter || e == EventExit
}

// Request is an event with its arguments. A Request does not share memory with
// the values it was built from.
type Request struct {
	event    Event
	ids      []param.ID
	baseline time.Time
	values   map[param.ID]any
	data     []byte
}

// NewRequest returns a request for an event without arguments.
func NewRequest(ev Event) Request {
	return Request{event: ev}
}

// GetRequest returns an EventGet request for ids, or every parameter when ids is
// empty. Values older than baseline are refreshed from the instrument first.
func GetRequest(baseline time.Time, ids ...param.ID) Request {
	return Request{event: EventGet, ids: slices.Clone(ids), baseline: baseline}
}

// SetRequest returns an EventSet request.
func SetRequest(values map[param.ID]any) Request {
	return Request{event: EventSet, values: maps.Clone(values)}
}

// DirectRequest returns an EventExecuteDirect request carrying raw bytes.
func DirectRequest(data []byte) Request {
	return Request{event: EventExecuteDirect, data: slices.Clone(data)}
}

// Event returns the event of the request.
func (r Request) Event() Event { return r.event }

// IDs returns the parameter IDs of a GET request.
func (r Request) IDs() []param.ID { return slices.Clone(r.ids) }

// Baseline returns the staleness baseline of a GET request.
func (r Request) Baseline() time.Time { return r.baseline }

// Values returns the parameter values of a SET request.
func (r Request) Values() map[param.ID]any { return maps.Clone(r.values) }

// Data returns the raw bytes of an EXECUTE_DIRECT request.
func (r Request) Data() []byte { return slices.Clone(r.data) }
