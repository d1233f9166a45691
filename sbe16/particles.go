package sbe16

import (
	"regexp"

	"github.com/arloliu/go-seabird/particle"
)

// voltDivisor scales the external voltage counts to volts.
const voltDivisor = 13107

// SampleDecoder decodes raw HEX sample records: temperature, conductivity and
// pressure counts followed by the pressure temperature, two external voltages and
// the optode oxygen.
var SampleDecoder = &particle.HexDecoder{Fields: []particle.HexField{
	{Name: "temperature", Width: 6},
	{Name: "conductivity", Width: 6},
	{Name: "pressure", Width: 6},
	{Name: "pressure_temp", Width: 4},
	{Name: "volt0", Width: 4, Divisor: voltDivisor},
	{Name: "volt1", Width: 4, Divisor: voltDivisor},
	{Name: "oxygen", Width: 6},
}}

var displayStatusRe = regexp.MustCompile(`(?s)SBE 16plus V[^\r\n]*\r\n.*?output format = [^\r\n]*\r\n`)

func envelope(root string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)<` + root + `[ >].*?</` + root + `>\r\n`)
}

// Patterns returns the particle patterns.
func Patterns() []particle.Pattern {
	return []particle.Pattern{
		{
			Kind:    particle.KindSample,
			Regexp:  sampleLineRe,
			Decoder: SampleDecoder,
		},
		{
			Kind:   particle.KindSettings,
			Regexp: displayStatusRe,
			Decoder: &particle.TextDecoder{Fields: []particle.TextField{
				{Name: "serial_number", Regexp: regexp.MustCompile(`SERIAL NO\.\s*(\d+)`), Type: particle.FieldInt},
				{Name: "firmware_version", Regexp: regexp.MustCompile(`SBE 16plus V\s*([\d.]+)`)},
				{Name: "vbatt", Regexp: regexp.MustCompile(`vbatt =\s*([\d.]+)`), Type: particle.FieldFloat},
				{Name: "vlith", Regexp: regexp.MustCompile(`vlith =\s*([\d.]+)`), Type: particle.FieldFloat},
				{Name: "logging_state", Regexp: regexp.MustCompile(`status = ([^\r\n]+)`)},
				{Name: "samples", Regexp: regexp.MustCompile(`samples = (\d+)`), Type: particle.FieldInt},
				{Name: "free", Regexp: regexp.MustCompile(`free = (\d+)`), Type: particle.FieldInt},
				{Name: "sample_interval", Regexp: regexp.MustCompile(`sample interval = (\d+)`), Type: particle.FieldInt},
				{Name: "measurements_per_sample", Regexp: regexp.MustCompile(`measurements per sample = (\d+)`), Type: particle.FieldInt},
				{Name: "tx_realtime", Regexp: regexp.MustCompile(`transmit real-time = (yes|no)`), Type: particle.FieldBool},
				{Name: "battery_cutoff", Regexp: regexp.MustCompile(`battery cutoff =\s*([\d.]+)`), Type: particle.FieldFloat},
				{Name: "ext_volts", Regexp: regexp.MustCompile(`Ext Volt \d = (yes|no)`), Type: particle.FieldStringList, Optional: true},
				{Name: "echo", Regexp: regexp.MustCompile(`echo characters = (yes|no)`), Type: particle.FieldBool, Optional: true},
				{Name: "output_format", Regexp: regexp.MustCompile(`output format = ([^\r\n]+)`)},
			}},
		},
		{
			Kind:   particle.KindStatus,
			Regexp: envelope("StatusData"),
			Decoder: &particle.TagDecoder{Root: "StatusData", Fields: []particle.TagField{
				{Name: "serial_number", Path: "@SerialNumber"},
				{Name: "date_time", Path: "DateTime"},
				{Name: "vmain", Path: "vMain", Type: particle.FieldFloat},
				{Name: "vlith", Path: "vLith", Type: particle.FieldFloat, Optional: true},
				{Name: "logging_state", Path: "LoggingState"},
				{Name: "num_events", Path: "EventSummary/@numEvents", Type: particle.FieldInt},
			}},
		},
		{
			Kind:   particle.KindHardware,
			Regexp: envelope("HardwareData"),
			Decoder: &particle.TagDecoder{Root: "HardwareData", Fields: []particle.TagField{
				{Name: "serial_number", Path: "@SerialNumber"},
				{Name: "manufacturer", Path: "Manufacturer"},
				{Name: "firmware_version", Path: "FirmwareVersion"},
				{Name: "sensor_ids", Path: "InternalSensors/Sensor/@id", Type: particle.FieldStringList},
				{Name: "sensor_types", Path: "InternalSensors/Sensor/type", Type: particle.FieldStringList},
				{Name: "pressure_serial", Path: "InternalSensors/Sensor[@id=Main Pressure]/SerialNumber", Optional: true},
			}},
		},
		{
			Kind:   particle.KindConfiguration,
			Regexp: envelope("ConfigurationData"),
			Decoder: &particle.TagDecoder{Root: "ConfigurationData", Fields: []particle.TagField{
				{Name: "serial_number", Path: "@SerialNumber"},
				{Name: "scans_to_average", Path: "ProfileMode/ScansToAverage", Type: particle.FieldInt},
				{Name: "sample_interval", Path: "SampleInterval", Type: particle.FieldInt},
				{Name: "output_format", Path: "OutputFormat"},
				{Name: "output_salinity", Path: "OutputSalinity", Type: particle.FieldBool},
				{Name: "tx_realtime", Path: "TxRealTime", Type: particle.FieldBool},
			}},
		},
		{
			Kind:   particle.KindCalibration,
			Regexp: envelope("CalibrationCoefficients"),
			Decoder: &particle.TagDecoder{Root: "CalibrationCoefficients", Fields: []particle.TagField{
				{Name: "serial_number", Path: "@SerialNumber"},
				{Name: "temp_cal_date", Path: "Calibration[@id=Main Temperature]/CalDate"},
				{Name: "ta0", Path: "Calibration[@id=Main Temperature]/TA0", Type: particle.FieldFloat},
				{Name: "ta1", Path: "Calibration[@id=Main Temperature]/TA1", Type: particle.FieldFloat},
				{Name: "cond_cal_date", Path: "Calibration[@id=Main Conductivity]/CalDate"},
				{Name: "g", Path: "Calibration[@id=Main Conductivity]/G", Type: particle.FieldFloat},
				{Name: "h", Path: "Calibration[@id=Main Conductivity]/H", Type: particle.FieldFloat},
			}},
		},
		{
			Kind:   particle.KindEventCounters,
			Regexp: envelope("EventCounters"),
			Decoder: &particle.TagDecoder{Root: "EventCounters", Fields: []particle.TagField{
				{Name: "serial_number", Path: "@SerialNumber"},
				{Name: "num_events", Path: "EventSummary/@numEvents", Type: particle.FieldInt},
				{Name: "event_types", Path: "Event/@type", Type: particle.FieldStringList, Optional: true},
				{Name: "event_counts", Path: "Event/@count", Type: particle.FieldIntList, Optional: true},
			}},
		},
	}
}
