// Package param implements the parameter dictionary: the single source of
// truth for instrument configuration.
//
// A Dictionary is built once from an immutable table of Descriptors. Each
// descriptor owns a match pattern over instrument response text, a decoder
// from the matched text to a typed value, and a formatter back to the wire
// fragment used to set it. Decoded values are stored, with the time they were
// observed, in a separate value map keyed by the strongly typed ID.
package param

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ID identifies a parameter. Instrument families declare their IDs as typed constants.
type ID int

// Type is the Go type a parameter value decodes to.
type Type int

const (
	// TypeString values are stored as string.
	TypeString Type = iota
	// TypeInt values are stored as int.
	TypeInt
	// TypeFloat values are stored as float64.
	TypeFloat
	// TypeBool values are stored as bool.
	TypeBool
)

// String returns string representation of the type.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Visibility controls who may change a parameter.
type Visibility int

const (
	// ReadWrite parameters may be set by callers at any time.
	ReadWrite Visibility = iota
	// ReadOnly parameters are reported by the instrument and never set by the driver,
	// except for dedicated workflows such as clock sync.
	ReadOnly
	// Immutable parameters are only written while applying startup parameters.
	Immutable
)

// String returns string representation of the visibility.
func (v Visibility) String() string {
	switch v {
	case ReadWrite:
		return "READ_WRITE"
	case ReadOnly:
		return "READ_ONLY"
	case Immutable:
		return "IMMUTABLE"
	default:
		return "UNKNOWN"
	}
}

// DecodeFunc converts the text captured by a descriptor pattern into a typed value.
type DecodeFunc func(text string) (any, error)

// FormatFunc renders a typed value into the wire fragment used by the set command.
type FormatFunc func(value any) (string, error)

// Descriptor describes one instrument parameter.
type Descriptor struct {
	// ID is the typed key of the parameter.
	ID ID
	// Name is the instrument's name for the parameter, used to build set commands ("Name=value").
	Name string
	// Pattern is matched against single response lines. Its first capture group is the value text.
	Pattern *regexp.Regexp
	// Type is the decoded Go type.
	Type Type
	// Precision is the number of fraction digits used when formatting TypeFloat values.
	// Zero or negative means the shortest exact representation.
	Precision int
	// Decode overrides the default decoder for Type.
	Decode DecodeFunc
	// Format overrides the default formatter for Type.
	Format FormatFunc
	// Visibility controls whether callers may set the parameter.
	Visibility Visibility
	// Startup marks the parameter as part of the startup configuration.
	Startup bool
	// DirectAccess marks the parameter as one that direct access may change.
	DirectAccess bool
	// Default is the startup value used when no configured startup value exists.
	Default any
	// Confirm requires the set command to be sent twice to take effect.
	Confirm bool
}

func (d *Descriptor) decode(text string) (any, error) {
	text = strings.TrimSpace(text)
	if d.Decode != nil {
		return d.Decode(text)
	}

	switch d.Type {
	case TypeInt:
		return strconv.Atoi(text)
	case TypeFloat:
		return strconv.ParseFloat(text, 64)
	case TypeBool:
		return ParseBool(text)
	default:
		return text, nil
	}
}

func (d *Descriptor) format(value any) (string, error) {
	if d.Format != nil {
		return d.Format(value)
	}

	switch d.Type {
	case TypeInt:
		v, ok := value.(int)
		if !ok {
			return "", fmt.Errorf("want int, got %T", value)
		}
		return strconv.Itoa(v), nil
	case TypeFloat:
		v, ok := value.(float64)
		if !ok {
			return "", fmt.Errorf("want float64, got %T", value)
		}
		if d.Precision > 0 {
			return strconv.FormatFloat(v, 'f', d.Precision, 64), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("want bool, got %T", value)
		}
		return FormatBool(v), nil
	default:
		v, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("want string, got %T", value)
		}
		return v, nil
	}
}

// equal compares two values of this parameter. Floats are equal when they
// format to the same wire literal.
func (d *Descriptor) equal(a, b any) bool {
	if d.Type != TypeFloat {
		return a == b
	}

	fa, okA := a.(float64)
	fb, okB := b.(float64)
	if !okA || !okB {
		return false
	}
	if fa == fb {
		return true
	}
	if d.Precision == 0 && d.Format == nil {
		return false
	}

	la, errA := d.format(fa)
	lb, errB := d.format(fb)

	return errA == nil && errB == nil && la == lb
}

// ParseBool decodes the boolean literals used by instruments:
// yes/no, y/n, true/false, enabled/disabled and on/off (case-insensitive).
func ParseBool(text string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "true", "enabled", "enable", "on", "1":
		return true, nil
	case "no", "n", "false", "disabled", "disable", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean literal %q", text)
	}
}

// FormatBool renders a boolean as the "yes"/"no" literal.
func FormatBool(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
