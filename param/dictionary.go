package param

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-seabird/instrument"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrUnknownParam indicates that the ID or name is not in the descriptor table.
	ErrUnknownParam = fmt.Errorf("%w: unknown parameter", instrument.ErrParameter)
	// ErrReadOnly indicates an attempt to set a read-only or immutable parameter.
	ErrReadOnly = fmt.Errorf("%w: parameter is not writable", instrument.ErrParameter)
	// ErrInvalidValue indicates a value that cannot be decoded, coerced or formatted.
	ErrInvalidValue = fmt.Errorf("%w: invalid parameter value", instrument.ErrParameter)

	// ErrStale is returned by Get when the stored value is missing or older than the
	// caller's baseline. The caller refreshes the dictionary and retries.
	ErrStale = errors.New("param: value is older than baseline")
)

// Value is a decoded parameter value and the time it was last observed.
type Value struct {
	Value     any
	UpdatedAt time.Time
}

// Dictionary is the typed registry of device parameters.
//
// The descriptor table is fixed at construction. Values are mutated only by
// Update (device responses), Set (after a successful set round trip) and
// ApplyDefaults. Dictionary is safe for concurrent use.
type Dictionary struct {
	descs  []*Descriptor
	byID   map[ID]*Descriptor
	byName map[string]*Descriptor

	values  *xsync.MapOf[ID, Value]
	startup *xsync.MapOf[ID, any]

	now func() time.Time
}

// DictOption is a functional option for a Dictionary.
type DictOption func(*Dictionary)

// WithClock sets the clock used to timestamp values. Defaults to time.Now.
func WithClock(now func() time.Time) DictOption {
	return func(d *Dictionary) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDictionary creates a Dictionary from the descriptor table.
//
// IDs and names must be unique and every descriptor needs a pattern with at
// least one capture group.
func NewDictionary(descs []Descriptor, opts ...DictOption) (*Dictionary, error) {
	d := &Dictionary{
		descs:   make([]*Descriptor, 0, len(descs)),
		byID:    make(map[ID]*Descriptor, len(descs)),
		byName:  make(map[string]*Descriptor, len(descs)),
		values:  xsync.NewMapOf[ID, Value](),
		startup: xsync.NewMapOf[ID, any](),
		now:     time.Now,
	}

	for i := range descs {
		desc := descs[i]
		if desc.Name == "" {
			return nil, fmt.Errorf("param: descriptor %d has no name", desc.ID)
		}
		if desc.Pattern == nil || desc.Pattern.NumSubexp() < 1 {
			return nil, fmt.Errorf("param: descriptor %s needs a pattern with a capture group", desc.Name)
		}
		if _, ok := d.byID[desc.ID]; ok {
			return nil, fmt.Errorf("param: duplicate parameter id %d", desc.ID)
		}
		if _, ok := d.byName[desc.Name]; ok {
			return nil, fmt.Errorf("param: duplicate parameter name %s", desc.Name)
		}
		if desc.Default != nil {
			if _, err := desc.format(desc.Default); err != nil {
				return nil, fmt.Errorf("param: default of %s: %w", desc.Name, err)
			}
		}

		d.descs = append(d.descs, &desc)
		d.byID[desc.ID] = &desc
		d.byName[desc.Name] = &desc
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Descriptor returns the descriptor of id.
func (d *Dictionary) Descriptor(id ID) (Descriptor, bool) {
	desc, ok := d.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return *desc, true
}

// Lookup returns the descriptor with the given instrument name.
func (d *Dictionary) Lookup(name string) (Descriptor, bool) {
	desc, ok := d.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return *desc, true
}

// IDs returns all parameter IDs in table order.
func (d *Dictionary) IDs() []ID {
	ids := make([]ID, 0, len(d.descs))
	for _, desc := range d.descs {
		ids = append(ids, desc.ID)
	}
	return ids
}

// Name returns the instrument name of id, or a placeholder for unknown IDs.
func (d *Dictionary) Name(id ID) string {
	if desc, ok := d.byID[id]; ok {
		return desc.Name
	}
	return "param(" + strconv.Itoa(int(id)) + ")"
}

// Update matches line against every descriptor pattern and stores each decoded value
// with the current time. It returns the IDs that were updated.
//
// Lines matching no descriptor are ignored. A match whose text fails to decode is
// skipped and the previous value is kept.
func (d *Dictionary) Update(line string) []ID {
	var updated []ID
	now := d.now()

	for _, desc := range d.descs {
		m := desc.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := desc.decode(m[1])
		if err != nil {
			continue
		}
		d.values.Store(desc.ID, Value{Value: v, UpdatedAt: now})
		updated = append(updated, desc.ID)
	}

	return updated
}

// UpdateText splits text into lines and calls Update on each of them.
func (d *Dictionary) UpdateText(text string) []ID {
	var updated []ID
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' }) {
		updated = append(updated, d.Update(line)...)
	}
	return updated
}

// Get returns the value of id.
//
// It returns ErrStale if no value has been stored yet, or if the stored value is
// older than baseline. A zero baseline accepts any stored value.
func (d *Dictionary) Get(id ID, baseline time.Time) (any, error) {
	if _, ok := d.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}

	v, ok := d.values.Load(id)
	if !ok || v.UpdatedAt.Before(baseline) {
		return nil, fmt.Errorf("%w: %s", ErrStale, d.Name(id))
	}

	return v.Value, nil
}

// Value returns the stored value of id and whether one exists, ignoring staleness.
func (d *Dictionary) Value(id ID) (Value, bool) {
	return d.values.Load(id)
}

// Snapshot returns a copy of all stored values.
func (d *Dictionary) Snapshot() map[ID]Value {
	out := make(map[ID]Value, d.values.Size())
	d.values.Range(func(id ID, v Value) bool {
		out[id] = v
		return true
	})
	return out
}

// Set stores value for id. It is used after a successful set round trip; the value is
// coerced to the descriptor type first.
func (d *Dictionary) Set(id ID, value any) error {
	v, err := d.Coerce(id, value)
	if err != nil {
		return err
	}
	d.values.Store(id, Value{Value: v, UpdatedAt: d.now()})

	return nil
}

// ApplyDefaults stores the default value of every descriptor that has one and
// no stored value yet.
func (d *Dictionary) ApplyDefaults() {
	now := d.now()
	for _, desc := range d.descs {
		if desc.Default == nil {
			continue
		}
		d.values.LoadOrStore(desc.ID, Value{Value: desc.Default, UpdatedAt: now})
	}
}

// CheckWritable returns ErrReadOnly unless id may be set by a caller.
// When startup is true, immutable parameters are writable too.
func (d *Dictionary) CheckWritable(id ID, startup bool) error {
	desc, ok := d.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}

	switch desc.Visibility {
	case ReadWrite:
		return nil
	case Immutable:
		if startup {
			return nil
		}
	}

	return fmt.Errorf("%w: %s is %s", ErrReadOnly, desc.Name, desc.Visibility)
}

// Format renders value into the wire fragment used to set id.
func (d *Dictionary) Format(id ID, value any) (string, error) {
	desc, ok := d.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}

	v, err := d.Coerce(id, value)
	if err != nil {
		return "", err
	}
	s, err := desc.format(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidValue, desc.Name, err)
	}

	return s, nil
}

// Decode converts wire text into the typed value of id. It is the inverse of Format.
func (d *Dictionary) Decode(id ID, text string) (any, error) {
	desc, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}

	v, err := desc.decode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, desc.Name, err)
	}

	return v, nil
}

// Equal reports whether a and b are the same value of id.
func (d *Dictionary) Equal(id ID, a, b any) bool {
	desc, ok := d.byID[id]
	if !ok {
		return false
	}
	return desc.equal(a, b)
}

// Coerce converts raw, typically a value read from a configuration file, to the
// Go type of id. Strings are decoded with the descriptor decoder.
func (d *Dictionary) Coerce(id ID, raw any) (any, error) {
	desc, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}

	if s, ok := raw.(string); ok && desc.Type != TypeString {
		return d.Decode(id, s)
	}

	v, err := coerce(desc.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidValue, desc.Name, err)
	}

	return v, nil
}

func coerce(t Type, raw any) (any, error) {
	switch t {
	case TypeInt:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int32:
			return int(v), nil
		case int64:
			return int(v), nil
		case uint:
			return int(v), nil
		case uint64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int(v), nil
		}
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		}
	case TypeBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		default:
			return fmt.Sprint(v), nil
		}
	}

	return nil, fmt.Errorf("cannot use %T as %s", raw, t)
}

// SetStartupValues configures startup values by instrument name. Names must be known
// startup parameters; values are coerced to the descriptor type.
func (d *Dictionary) SetStartupValues(values map[string]any) error {
	var errs error
	for name, raw := range values {
		desc, ok := d.byName[name]
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("%w: %s", ErrUnknownParam, name))
			continue
		}
		if !desc.Startup {
			errs = errors.Join(errs, fmt.Errorf("%w: %s is not a startup parameter", ErrInvalidValue, name))
			continue
		}
		v, err := d.Coerce(desc.ID, raw)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		d.startup.Store(desc.ID, v)
	}

	return errs
}

// StartupValue returns the configured startup value of id, falling back to the
// descriptor default.
func (d *Dictionary) StartupValue(id ID) (any, bool) {
	if v, ok := d.startup.Load(id); ok {
		return v, true
	}
	desc, ok := d.byID[id]
	if !ok || desc.Default == nil {
		return nil, false
	}
	return desc.Default, true
}

// StartupList returns the IDs of startup parameters that have a startup value.
func (d *Dictionary) StartupList() []ID {
	ids := make([]ID, 0)
	for _, desc := range d.descs {
		if !desc.Startup {
			continue
		}
		if _, ok := d.StartupValue(desc.ID); ok {
			ids = append(ids, desc.ID)
		}
	}
	return ids
}

// IsDirty reports whether any startup-flagged parameter in list has a stored value
// different from its startup value. A parameter without a stored value is dirty.
// Parameters that are not startup-flagged or have no startup value are ignored.
func (d *Dictionary) IsDirty(list []ID) bool {
	return len(d.DirtyList(list)) > 0
}

// DirtyList returns the subset of list that IsDirty considers dirty, in list order.
func (d *Dictionary) DirtyList(list []ID) []ID {
	var dirty []ID
	for _, id := range list {
		desc, ok := d.byID[id]
		if !ok || !desc.Startup {
			continue
		}
		want, ok := d.StartupValue(id)
		if !ok {
			continue
		}
		cur, ok := d.values.Load(id)
		if !ok || !desc.equal(cur.Value, want) {
			dirty = append(dirty, id)
		}
	}
	return dirty
}

// Get returns the value of id as T. See Dictionary.Get for staleness rules.
func Get[T any](d *Dictionary, id ID, baseline time.Time) (T, error) {
	var zero T

	v, err := d.Get(id, baseline)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T", ErrInvalidValue, d.Name(id), v)
	}

	return t, nil
}
