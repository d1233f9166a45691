package sbe16

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arloliu/go-seabird/param"
)

// Parameter IDs of the SBE 16plus.
const (
	DateTime param.ID = iota + 1
	Logging
	SerialNumber
	SampleNumber
	SampleInterval
	NCycles
	DelayBeforeSampling
	TxRealTime
	BatteryCutoff
	Volt0
	Volt1
	Echo
	OutputFormat
)

// ClockLayout is the time layout of the DateTime set command (mmddyyyyhhmmss).
const ClockLayout = "01022006150405"

func decodeLogging(text string) (any, error) {
	switch strings.TrimSpace(text) {
	case "logging":
		return true, nil
	case "not logging":
		return false, nil
	}
	return nil, fmt.Errorf("unknown logging status %q", text)
}

// Params returns the parameter table. Values are parsed from DS responses.
func Params() []param.Descriptor {
	return []param.Descriptor{
		{
			ID:         DateTime,
			Name:       "DateTime",
			Pattern:    regexp.MustCompile(`SERIAL NO\.\s*\d+\s+(\d{2} [A-Za-z]{3} \d{4} \d{2}:\d{2}:\d{2})`),
			Type:       param.TypeString,
			Visibility: param.ReadOnly,
		},
		{
			ID:         Logging,
			Name:       "Logging",
			Pattern:    regexp.MustCompile(`status = (logging|not logging)`),
			Type:       param.TypeBool,
			Decode:     decodeLogging,
			Visibility: param.ReadOnly,
		},
		{
			ID:         SerialNumber,
			Name:       "SerialNumber",
			Pattern:    regexp.MustCompile(`SERIAL NO\.\s*(\d+)`),
			Type:       param.TypeInt,
			Visibility: param.ReadOnly,
		},
		{
			ID:         SampleNumber,
			Name:       "SampleNumber",
			Pattern:    regexp.MustCompile(`samples = (\d+)`),
			Type:       param.TypeInt,
			Visibility: param.ReadWrite,
			Confirm:    true,
		},
		{
			ID:           SampleInterval,
			Name:         "SampleInterval",
			Pattern:      regexp.MustCompile(`sample interval = (\d+) seconds`),
			Type:         param.TypeInt,
			Visibility:   param.ReadWrite,
			Startup:      true,
			DirectAccess: true,
			Default:      10,
		},
		{
			ID:         NCycles,
			Name:       "NCycles",
			Pattern:    regexp.MustCompile(`number of measurements per sample = (\d+)`),
			Type:       param.TypeInt,
			Visibility: param.ReadWrite,
			Startup:    true,
			Default:    4,
		},
		{
			ID:         DelayBeforeSampling,
			Name:       "DelayBeforeSampling",
			Pattern:    regexp.MustCompile(`delay before sampling = ([\d.]+) seconds`),
			Type:       param.TypeFloat,
			Precision:  1,
			Visibility: param.ReadWrite,
			Startup:    true,
			Default:    0.0,
		},
		{
			ID:           TxRealTime,
			Name:         "TxRealTime",
			Pattern:      regexp.MustCompile(`transmit real-time = (yes|no)`),
			Type:         param.TypeBool,
			Visibility:   param.ReadWrite,
			Startup:      true,
			DirectAccess: true,
			Default:      true,
		},
		{
			ID:         BatteryCutoff,
			Name:       "BatteryCutoff",
			Pattern:    regexp.MustCompile(`battery cutoff =\s*([\d.]+) volts`),
			Type:       param.TypeFloat,
			Precision:  1,
			Visibility: param.ReadOnly,
		},
		{
			ID:         Volt0,
			Name:       "Volt0",
			Pattern:    regexp.MustCompile(`Ext Volt 0 = (yes|no)`),
			Type:       param.TypeBool,
			Visibility: param.ReadWrite,
			Startup:    true,
			Default:    true,
		},
		{
			ID:         Volt1,
			Name:       "Volt1",
			Pattern:    regexp.MustCompile(`Ext Volt 1 = (yes|no)`),
			Type:       param.TypeBool,
			Visibility: param.ReadWrite,
			Startup:    true,
			Default:    true,
		},
		{
			ID:           Echo,
			Name:         "Echo",
			Pattern:      regexp.MustCompile(`echo characters = (yes|no)`),
			Type:         param.TypeBool,
			Visibility:   param.Immutable,
			Startup:      true,
			DirectAccess: true,
			Default:      true,
		},
		{
			ID:         OutputFormat,
			Name:       "OutputFormat",
			Pattern:    regexp.MustCompile(`output format = (.+)`),
			Type:       param.TypeString,
			Visibility: param.ReadOnly,
		},
	}
}
