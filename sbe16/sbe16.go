// Package sbe16 plugs the Sea-Bird SBE 16plus CTD into the engine.
//
// The family table defines the command vocabulary, the parameters reported by
// the DS command and the particle patterns for raw HEX samples and the XML
// status, hardware, configuration, calibration and event counter envelopes.
package sbe16

import (
	"fmt"

	"github.com/arloliu/go-seabird/command"
	"github.com/arloliu/go-seabird/protocol"
)

// Name is the family name.
const Name = "SBE16plus"

// StreamingWakeups is the number of wakeups needed while the instrument is
// logging; a single wakeup does not reliably halt autonomous output.
const StreamingWakeups = 2

// IsLogging classifies a DS response.
func IsLogging(resp string) (bool, error) {
	m := logStatusRe.FindStringSubmatch(resp)
	if m == nil {
		return false, fmt.Errorf("no logging status in response")
	}
	return m[1] == "", nil
}

// WakeupCount is the wakeup policy of the SBE 16plus.
func WakeupCount(s protocol.State) int {
	if s.IsStreaming() {
		return StreamingWakeups
	}
	return 1
}

// Family returns the SBE 16plus family table.
func Family() *protocol.Family {
	return &protocol.Family{
		Name:       Name,
		Params:     Params(),
		Commands:   Commands(),
		Patterns:   Patterns(),
		StatusVerb: CmdDisplayStatus,
		StartVerb:  CmdStartNow,
		StopVerb:   CmdStop,
		SampleVerb: CmdTakeSample,
		RefreshVerbs: []command.Verb{
			CmdDisplayStatus,
		},
		StatusSequence: []command.Verb{
			CmdGetStatus,
			CmdGetHardware,
			CmdGetConfig,
			CmdGetCalibration,
			CmdGetEvents,
		},
		ConfigSequence: []command.Verb{
			CmdGetCalibration,
			CmdGetConfig,
		},
		TestSequence: []command.Verb{
			CmdTestTemperature,
			CmdTestConductance,
			CmdTestPressure,
		},
		ClockParam:  DateTime,
		ClockLayout: ClockLayout,
		IsLogging:   IsLogging,
		WakeupCount: WakeupCount,
	}
}
