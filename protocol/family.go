package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/param"
	"github.com/arloliu/go-seabird/particle"
)

// DefaultStartSettle is the delay between the start command and its verification.
const DefaultStartSettle = 1 * time.Second

// Family is the table that plugs one instrument family into the engine: its
// vocabulary, parameters, particle patterns and the few behaviors that differ
// between families.
type Family struct {
	Name string

	Params   []param.Descriptor
	Commands []command.Spec
	Patterns []particle.Pattern

	// StatusVerb reports the logging state and parameter lines.
	StatusVerb command.Verb
	// StartVerb starts logging, StopVerb stops it.
	StartVerb command.Verb
	StopVerb  command.Verb
	// SampleVerb takes a single sample in COMMAND.
	SampleVerb command.Verb
	// RefreshVerbs are sent to refresh the parameter dictionary.
	RefreshVerbs []command.Verb
	// StatusSequence is the ordered acquire-status command list.
	StatusSequence []command.Verb
	// ExtraStatus are device-specific sub-status commands appended to StatusSequence.
	ExtraStatus []command.Verb
	// ConfigSequence is the get-configuration command list.
	ConfigSequence []command.Verb
	// TestSequence is the self-test command list run in TEST.
	TestSequence []command.Verb

	// ClockParam is the parameter that sets the instrument clock, formatted with ClockLayout.
	ClockParam  param.ID
	ClockLayout string

	// IsLogging classifies a StatusVerb response.
	IsLogging func(resp string) (bool, error)
	// WakeupCount returns the number of wakeups sent before commands in a state.
	// Nil means DefaultWakeupCount.
	WakeupCount func(State) int
	// StartSettle is the delay before verifying that logging started.
	// Zero means DefaultStartSettle.
	StartSettle time.Duration
}

// DefaultWakeupCount sends two wakeups while the instrument may be streaming and
// one otherwise.
func DefaultWakeupCount(s State) int {
	if s.IsStreaming() {
		return 2
	}
	return 1
}

// Validate checks that the family table is complete.
func (f *Family) Validate() error {
	var errs error
	if f.StatusVerb == "" || f.StartVerb == "" || f.StopVerb == "" {
		errs = errors.Join(errs, errors.New("status, start and stop verbs are required"))
	}
	if f.IsLogging == nil {
		errs = errors.Join(errs, errors.New("IsLogging is required"))
	}
	if f.ClockLayout == "" {
		errs = errors.Join(errs, errors.New("ClockLayout is required"))
	}

	known := make(map[command.Verb]bool, len(f.Commands))
	for _, c := range f.Commands {
		known[c.Verb] = true
	}
	check := func(verbs ...command.Verb) {
		for _, v := range verbs {
			if v != "" && !known[v] {
				errs = errors.Join(errs, fmt.Errorf("verb %s has no command spec", v))
			}
		}
	}
	check(f.StatusVerb, f.StartVerb, f.StopVerb, f.SampleVerb)
	check(f.RefreshVerbs...)
	check(f.StatusSequence...)
	check(f.ExtraStatus...)
	check(f.ConfigSequence...)
	check(f.TestSequence...)

	found := false
	for _, p := range f.Params {
		if p.ID == f.ClockParam {
			found = true
			break
		}
	}
	if !found {
		errs = errors.Join(errs, fmt.Errorf("clock parameter %d is not defined", f.ClockParam))
	}

	if errs != nil {
		return fmt.Errorf("protocol: family %s: %w", f.Name, errs)
	}
	return nil
}

func (f *Family) wakeups(s State) int {
	if f.WakeupCount != nil {
		return f.WakeupCount(s)
	}
	return DefaultWakeupCount(s)
}

func (f *Family) settle() time.Duration {
	if f.StartSettle > 0 {
		return f.StartSettle
	}
	return DefaultStartSettle
}

func (f *Family) statusVerbs() []command.Verb {
	verbs := make([]command.Verb, 0, len(f.StatusSequence)+len(f.ExtraStatus))
	verbs = append(verbs, f.StatusSequence...)
	return append(verbs, f.ExtraStatus...)
}
