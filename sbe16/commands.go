package sbe16

import (
	"regexp"
	"time"

	"github.com/arloliu/go-seabird/command"
)

// Command verbs of the SBE 16plus.
const (
	CmdDisplayStatus   command.Verb = "DS"
	CmdGetStatus       command.Verb = "GetSD"
	CmdGetHardware     command.Verb = "GetHD"
	CmdGetConfig       command.Verb = "GetCD"
	CmdGetCalibration  command.Verb = "GetCC"
	CmdGetEvents       command.Verb = "GetEC"
	CmdStartNow        command.Verb = "StartNow"
	CmdStop            command.Verb = "Stop"
	CmdTakeSample      command.Verb = "TS"
	CmdTestTemperature command.Verb = "TT"
	CmdTestConductance command.Verb = "TC"
	CmdTestPressure    command.Verb = "TP"
)

// testTimeout bounds the self-test commands, which run for several seconds.
const testTimeout = 60 * time.Second

var (
	logStatusRe  = regexp.MustCompile(`status = (not )?logging`)
	sampleLineRe = regexp.MustCompile(`[0-9A-F]{36}\r\n`)
)

// Commands returns the command table.
func Commands() []command.Spec {
	return []command.Spec{
		{Verb: CmdDisplayStatus, Validators: []command.Validator{command.ExpectMatch(logStatusRe)}},
		{Verb: CmdGetStatus, Validators: []command.Validator{command.ExpectEnvelope("StatusData")}},
		{Verb: CmdGetHardware, Validators: []command.Validator{command.ExpectEnvelope("HardwareData")}},
		{Verb: CmdGetConfig, Validators: []command.Validator{command.ExpectEnvelope("ConfigurationData")}},
		{Verb: CmdGetCalibration, Validators: []command.Validator{command.ExpectEnvelope("CalibrationCoefficients")}},
		{Verb: CmdGetEvents, Validators: []command.Validator{command.ExpectEnvelope("EventCounters")}},
		{Verb: CmdStartNow},
		{Verb: CmdStop},
		{Verb: CmdTakeSample, Validators: []command.Validator{command.ExpectMatch(sampleLineRe)}},
		{Verb: CmdTestTemperature, Timeout: testTimeout},
		{Verb: CmdTestConductance, Timeout: testTimeout},
		{Verb: CmdTestPressure, Timeout: testTimeout},
	}
}
