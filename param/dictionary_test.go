package param

import (
	"regexp"
	"testing"
	"time"

	"github.com/arloliu/go-seabird/instrument"
	"github.com/stretchr/testify/require"
)

const (
	idInterval ID = iota + 1
	idTxRealTime
	idCutoff
	idSerial
	idEcho
	idVolt0
	idVolt1
)

func testDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID: idInterval, Name: "SampleInterval", Type: TypeInt,
			Pattern: regexp.MustCompile(`sample interval = (\d+) seconds`),
			Startup: true, Default: 10,
		},
		{
			ID: idTxRealTime, Name: "TxRealTime", Type: TypeBool,
			Pattern: regexp.MustCompile(`transmit real-time = (yes|no)`),
			Startup: true, Default: true,
		},
		{
			ID: idCutoff, Name: "BatteryCutoff", Type: TypeFloat, Precision: 1,
			Pattern:    regexp.MustCompile(`battery cutoff =\s*([\d.]+) volts`),
			Visibility: ReadOnly,
		},
		{
			ID: idSerial, Name: "SerialNumber", Type: TypeString,
			Pattern:    regexp.MustCompile(`SERIAL NO\. (\d+)`),
			Visibility: ReadOnly,
		},
		{
			ID: idEcho, Name: "Echo", Type: TypeBool,
			Pattern:    regexp.MustCompile(`echo characters = (yes|no)`),
			Visibility: Immutable, Startup: true, Default: true,
		},
		{
			ID: idVolt0, Name: "Volt0", Type: TypeBool,
			Pattern: regexp.MustCompile(`Ext Volt 0 = (yes|no)`),
		},
		{
			ID: idVolt1, Name: "Volt1", Type: TypeBool,
			Pattern: regexp.MustCompile(`Ext Volt 1 = (yes|no)`),
		},
	}
}

func newTestDict(t *testing.T, opts ...DictOption) *Dictionary {
	t.Helper()

	d, err := NewDictionary(testDescriptors(), opts...)
	require.NoError(t, err)

	return d
}

func TestNewDictionary_Validation(t *testing.T) {
	_, err := NewDictionary([]Descriptor{{ID: 1, Name: "A"}})
	require.Error(t, err)

	_, err = NewDictionary([]Descriptor{{ID: 1, Name: "A", Pattern: regexp.MustCompile(`no group`)}})
	require.Error(t, err)

	dup := []Descriptor{
		{ID: 1, Name: "A", Pattern: regexp.MustCompile(`a=(\d)`)},
		{ID: 1, Name: "B", Pattern: regexp.MustCompile(`b=(\d)`)},
	}
	_, err = NewDictionary(dup)
	require.ErrorContains(t, err, "duplicate parameter id")

	badDefault := []Descriptor{{ID: 1, Name: "A", Type: TypeInt, Pattern: regexp.MustCompile(`a=(\d)`), Default: "x"}}
	_, err = NewDictionary(badDefault)
	require.Error(t, err)
}

func TestDictionary_Update(t *testing.T) {
	require := require.New(t)
	d := newTestDict(t)

	require.Empty(d.Update("vbatt = 23.4, vlith =  8.5"))

	ids := d.Update("Ext Volt 0 = yes, Ext Volt 1 = no")
	require.ElementsMatch([]ID{idVolt0, idVolt1}, ids)

	text := "SBE 16plus V 2.5  SERIAL NO. 6841    28 Feb 2013 19:23:22\r\n" +
		"sample interval = 15 seconds, number of measurements per sample = 4\r\n" +
		"battery cutoff =  7.5 volts\r\n" +
		"transmit real-time = no\r\n"
	ids = d.UpdateText(text)
	require.ElementsMatch([]ID{idSerial, idInterval, idCutoff, idTxRealTime}, ids)

	v, err := d.Get(idInterval, time.Time{})
	require.NoError(err)
	require.Equal(15, v)

	serial, err := Get[string](d, idSerial, time.Time{})
	require.NoError(err)
	require.Equal("6841", serial)

	cutoff, err := Get[float64](d, idCutoff, time.Time{})
	require.NoError(err)
	require.InDelta(7.5, cutoff, 1e-9)

	_, err = Get[int](d, idSerial, time.Time{})
	require.ErrorIs(err, ErrInvalidValue)
}

func TestDictionary_Get_Baseline(t *testing.T) {
	require := require.New(t)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := newTestDict(t, WithClock(func() time.Time { return now }))

	_, err := d.Get(idInterval, time.Time{})
	require.ErrorIs(err, ErrStale, "missing value is stale")

	d.Update("sample interval = 20 seconds")

	v, err := d.Get(idInterval, now.Add(-time.Second))
	require.NoError(err)
	require.Equal(20, v)

	v, err = d.Get(idInterval, now)
	require.NoError(err, "a value updated at the baseline is fresh")
	require.Equal(20, v)

	_, err = d.Get(idInterval, now.Add(time.Millisecond))
	require.ErrorIs(err, ErrStale)

	_, err = d.Get(ID(99), time.Time{})
	require.ErrorIs(err, ErrUnknownParam)
	require.ErrorIs(err, instrument.ErrParameter)
}

func TestDictionary_FormatDecodeRoundTrip(t *testing.T) {
	d := newTestDict(t)

	tests := []struct {
		id    ID
		value any
		wire  string
	}{
		{idInterval, 0, "0"},
		{idInterval, 86400, "86400"},
		{idInterval, -3, "-3"},
		{idTxRealTime, true, "yes"},
		{idTxRealTime, false, "no"},
		{idCutoff, 7.5, "7.5"},
		{idCutoff, 12.0, "12.0"},
		{idCutoff, -0.3, "-0.3"},
		{idCutoff, 0.75, "0.8"},
		{idCutoff, 1.25, "1.2"},
		{idSerial, "01906914", "01906914"},
	}

	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			wire, err := d.Format(tt.id, tt.value)
			require.NoError(t, err)
			require.Equal(t, tt.wire, wire)

			back, err := d.Decode(tt.id, wire)
			require.NoError(t, err)
			require.True(t, d.Equal(tt.id, tt.value, back), "%v != %v", tt.value, back)
		})
	}

	require.True(t, d.Equal(idCutoff, 0.75, 0.8))
	require.False(t, d.Equal(idCutoff, 0.7, 0.8))

	_, err := d.Format(idInterval, "abc")
	require.ErrorIs(t, err, ErrInvalidValue)
	_, err = d.Format(idTxRealTime, 3)
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestDictionary_Coerce(t *testing.T) {
	require := require.New(t)
	d := newTestDict(t)

	v, err := d.Coerce(idInterval, int64(30))
	require.NoError(err)
	require.Equal(30, v)

	v, err = d.Coerce(idInterval, float64(30))
	require.NoError(err)
	require.Equal(30, v)

	_, err = d.Coerce(idInterval, 30.5)
	require.ErrorIs(err, ErrInvalidValue)

	v, err = d.Coerce(idCutoff, 7)
	require.NoError(err)
	require.Equal(7.0, v)

	v, err = d.Coerce(idTxRealTime, "enabled")
	require.NoError(err)
	require.Equal(true, v)

	v, err = d.Coerce(idSerial, 1234)
	require.NoError(err)
	require.Equal("1234", v)
}

func TestDictionary_CheckWritable(t *testing.T) {
	require := require.New(t)
	d := newTestDict(t)

	require.NoError(d.CheckWritable(idInterval, false))
	require.ErrorIs(d.CheckWritable(idCutoff, false), ErrReadOnly)
	require.ErrorIs(d.CheckWritable(idCutoff, true), ErrReadOnly)
	require.ErrorIs(d.CheckWritable(idEcho, false), ErrReadOnly)
	require.NoError(d.CheckWritable(idEcho, true))
	require.ErrorIs(d.CheckWritable(ID(42), false), instrument.ErrParameter)
}

func TestDictionary_IsDirty(t *testing.T) {
	require := require.New(t)
	d := newTestDict(t)

	list := d.StartupList()
	require.Equal([]ID{idInterval, idTxRealTime, idEcho}, list)

	require.True(d.IsDirty(list), "no values stored yet")

	d.UpdateText("sample interval = 10 seconds\r\ntransmit real-time = yes\r\necho characters = yes\r\n")
	require.False(d.IsDirty(list))

	require.NoError(d.SetStartupValues(map[string]any{"SampleInterval": int64(60)}))
	require.True(d.IsDirty(list))
	require.Equal([]ID{idInterval}, d.DirtyList(list))

	require.NoError(d.Set(idInterval, 60))
	require.False(d.IsDirty(list))

	// non-startup parameters never make the dictionary dirty
	d.Update("Ext Volt 0 = no")
	require.False(d.IsDirty([]ID{idVolt0, idCutoff}))

	err := d.SetStartupValues(map[string]any{"Volt0": true, "Nope": 1, "TxRealTime": "maybe"})
	require.Error(err)
	require.ErrorIs(err, ErrUnknownParam)
	require.ErrorIs(err, ErrInvalidValue)
}

func TestDictionary_ApplyDefaults(t *testing.T) {
	require := require.New(t)
	d := newTestDict(t)

	d.Update("sample interval = 99 seconds")
	d.ApplyDefaults()

	snap := d.Snapshot()
	require.Equal(99, snap[idInterval].Value, "existing values are kept")
	require.Equal(true, snap[idTxRealTime].Value)
	require.Equal(true, snap[idEcho].Value)
	require.NotContains(snap, idCutoff)
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"yes", "Y", "true", "enabled", "ON"} {
		v, err := ParseBool(s)
		require.NoError(t, err)
		require.True(t, v, s)
	}
	for _, s := range []string{"no", "n", "FALSE", "disabled", "off"} {
		v, err := ParseBool(s)
		require.NoError(t, err)
		require.False(t, v, s)
	}
	_, err := ParseBool("maybe")
	require.Error(t, err)
}
