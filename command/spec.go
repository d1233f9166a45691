package command

import (
	"fmt"
	"regexp"
	"time"

	"github.com/arloliu/go-seabird/instrument"
)

// Verb is an instrument command verb such as "GetSD" or "StartNow".
type Verb string

// VerbSet is the pseudo verb of parameter set commands ("Name=value").
const VerbSet Verb = "set"

// BuildFunc renders the command line, without the line terminator, for verb.
// name and value are empty unless the command carries a parameter.
type BuildFunc func(verb Verb, name, value string) string

// Validator checks a complete response. It returns an error wrapping
// instrument.ErrProtocol when the response is not acceptable for the command.
type Validator func(verb Verb, resp string) error

// Spec describes how one verb is built, completed and validated.
type Spec struct {
	Verb Verb
	// Build renders the command line. Nil means DefaultBuild.
	Build BuildFunc
	// Expect marks the end of the response. Nil means the layer prompt.
	Expect *regexp.Regexp
	// Validators run in order after the inline error marker check.
	Validators []Validator
	// Timeout overrides the layer command timeout when positive.
	Timeout time.Duration
	// NoWakeup skips the wakeup prefix regardless of the wakeup policy.
	NoWakeup bool
}

// DefaultBuild renders "name=value" for parameter commands and the verb otherwise.
func DefaultBuild(verb Verb, name, value string) string {
	if name != "" {
		return name + "=" + value
	}
	return string(verb)
}

var errorMarkerRe = regexp.MustCompile(`<ERROR\s+type='([^']*)'\s+msg='([^']*)'\s*/>`)

// CheckErrorMarker returns a *instrument.DeviceError when resp contains an
// inline <ERROR type='...' msg='...'/> marker.
func CheckErrorMarker(resp string) error {
	m := errorMarkerRe.FindStringSubmatch(resp)
	if m == nil {
		return nil
	}
	return &instrument.DeviceError{Type: m[1], Msg: m[2]}
}

// ExpectEnvelope returns a validator that requires a complete <root ...>...</root>
// element in the response. A response carrying another envelope is rejected.
func ExpectEnvelope(root string) Validator {
	re := regexp.MustCompile(`(?s)<` + regexp.QuoteMeta(root) + `(\s[^>]*)?>.*</` + regexp.QuoteMeta(root) + `>`)
	return func(verb Verb, resp string) error {
		if re.MatchString(resp) {
			return nil
		}
		return fmt.Errorf("%w: response to %s lacks <%s> envelope", instrument.ErrProtocol, verb, root)
	}
}

// ExpectMatch returns a validator that requires re to match the response.
func ExpectMatch(re *regexp.Regexp) Validator {
	return func(verb Verb, resp string) error {
		if re.MatchString(resp) {
			return nil
		}
		return fmt.Errorf("%w: response to %s does not match %q", instrument.ErrProtocol, verb, re.String())
	}
}

// RejectMatch returns a validator that fails when re matches the response.
func RejectMatch(re *regexp.Regexp) Validator {
	return func(verb Verb, resp string) error {
		if re.MatchString(resp) {
			return fmt.Errorf("%w: response to %s matches %q", instrument.ErrProtocol, verb, re.String())
		}
		return nil
	}
}

// Validate runs the inline error marker check and then every validator of spec.
func (s *Spec) Validate(resp string) error {
	if err := CheckErrorMarker(resp); err != nil {
		return err
	}
	for _, v := range s.Validators {
		if err := v(s.Verb, resp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Spec) build(name, value string) string {
	if s.Build != nil {
		return s.Build(s.Verb, name, value)
	}
	return DefaultBuild(s.Verb, name, value)
}
