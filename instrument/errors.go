// Package instrument holds the error taxonomy shared by every layer of the
// instrument communication engine.
//
// Errors are classified by wrapping one of four sentinel kinds with %w:
//
//   - ErrTimeout:   no matching response arrived within the bounded wait.
//   - ErrProtocol:  an unexpected or invalid response, an inline device error
//     marker, or an event that is invalid for the current protocol state.
//   - ErrParameter: a rejected parameter operation (read-only, bad value, or
//     a value the device did not accept).
//   - ErrSample:    a chunk matched a particle pattern but could not be decoded.
//
// Callers classify with errors.Is or KindOf.
package instrument

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the kind of errors caused by an expired response wait.
	ErrTimeout = errors.New("instrument: timeout")
	// ErrProtocol is the kind of errors caused by invalid responses or state/event combinations.
	ErrProtocol = errors.New("instrument: protocol error")
	// ErrParameter is the kind of errors caused by rejected parameter operations.
	ErrParameter = errors.New("instrument: parameter error")
	// ErrSample is the kind of errors caused by undecodable particle chunks.
	ErrSample = errors.New("instrument: sample error")
)

// Kind is the classification of an engine error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindProtocol
	KindParameter
	KindSample
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindParameter:
		return "parameter"
	case KindSample:
		return "sample"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Errors that wrap none of the sentinel kinds are KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrParameter):
		return KindParameter
	case errors.Is(err, ErrSample):
		return KindSample
	default:
		return KindUnknown
	}
}

// DeviceError is an error reported by the instrument itself through an inline
// <ERROR type='...' msg='...'/> marker. It is always a protocol error.
type DeviceError struct {
	Type string
	Msg  string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("instrument: device error type=%q msg=%q", e.Type, e.Msg)
}

// Is reports DeviceError as ErrProtocol.
func (e *DeviceError) Is(target error) bool {
	return target == ErrProtocol
}
