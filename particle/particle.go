// Package particle locates records inside the continuous byte stream produced
// by an instrument and decodes each of them into an immutable Particle.
//
// A Chunker holds the registered Patterns and the buffered, not yet matched
// tail of the stream. Every call to Chunker.Add appends bytes and returns the
// complete records found so far, in stream order, regardless of how the bytes
// were split across reads.
//
// Two decoders cover the usual instrument wire formats: HexDecoder slices
// fixed-width ASCII-hex fields, and TagDecoder walks a tag-delimited element
// tree.
package particle

import (
	"fmt"
	"time"
)

// Kind names the type of record a particle was decoded from.
type Kind string

const (
	KindSample        Kind = "ctd_sample"
	KindHardware      Kind = "hardware"
	KindCalibration   Kind = "calibration"
	KindStatus        Kind = "status"
	KindConfiguration Kind = "configuration"
	KindSettings      Kind = "settings"
	KindEventCounters Kind = "event_counters"
)

// Field is one decoded, named value of a particle.
type Field struct {
	Name  string
	Value any
}

// Particle is a decoded record. It is never modified after construction.
type Particle struct {
	kind      Kind
	timestamp time.Time
	raw       string
	fields    []Field
}

// New creates a particle. fields is copied.
func New(kind Kind, timestamp time.Time, raw string, fields []Field) *Particle {
	p := &Particle{
		kind:      kind,
		timestamp: timestamp,
		raw:       raw,
		fields:    make([]Field, len(fields)),
	}
	copy(p.fields, fields)

	return p
}

// Kind returns the record kind.
func (p *Particle) Kind() Kind { return p.kind }

// Timestamp returns the time the record's last byte was received.
func (p *Particle) Timestamp() time.Time { return p.timestamp }

// Raw returns the raw record text.
func (p *Particle) Raw() string { return p.raw }

// Fields returns a copy of the decoded fields in declaration order.
func (p *Particle) Fields() []Field {
	out := make([]Field, len(p.fields))
	copy(out, p.fields)
	return out
}

// Value returns the value of the named field.
func (p *Particle) Value(name string) (any, bool) {
	for _, f := range p.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Int returns the named field as int.
func (p *Particle) Int(name string) (int, error) { return fieldAs[int](p, name) }

// Float returns the named field as float64.
func (p *Particle) Float(name string) (float64, error) { return fieldAs[float64](p, name) }

// String returns the named field as string.
func (p *Particle) String(name string) (string, error) { return fieldAs[string](p, name) }

// Bool returns the named field as bool.
func (p *Particle) Bool(name string) (bool, error) { return fieldAs[bool](p, name) }

func fieldAs[T any](p *Particle, name string) (T, error) {
	var zero T

	v, ok := p.Value(name)
	if !ok {
		return zero, fmt.Errorf("particle: %s has no field %q", p.kind, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("particle: field %q of %s holds %T", name, p.kind, v)
	}

	return t, nil
}
