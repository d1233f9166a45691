package particle

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/arloliu/go-seabird/instrument"
)

// Decoder turns the bytes of one matched chunk into particle fields.
// Failures must wrap instrument.ErrSample.
type Decoder interface {
	Decode(raw []byte) ([]Field, error)
}

// HexField is a fixed-width ASCII-hexadecimal field.
type HexField struct {
	Name string
	// Width is the number of hex characters.
	Width int
	// Divisor, when non-zero, turns the integer into a float64 value/Divisor.
	Divisor float64
}

// HexDecoder decodes records made of concatenated fixed-width hex fields, such
// as raw CTD samples. Surrounding whitespace and line terminators are ignored.
type HexDecoder struct {
	Fields []HexField
}

var _ Decoder = (*HexDecoder)(nil)

// Width returns the total number of hex characters of a record.
func (d *HexDecoder) Width() int {
	n := 0
	for _, f := range d.Fields {
		n += f.Width
	}
	return n
}

func (d *HexDecoder) Decode(raw []byte) ([]Field, error) {
	line := bytes.TrimSpace(raw)
	if len(line) != d.Width() {
		return nil, fmt.Errorf("%w: hex record has %d characters, want %d", instrument.ErrSample, len(line), d.Width())
	}

	fields := make([]Field, 0, len(d.Fields))
	pos := 0
	for _, f := range d.Fields {
		text := string(line[pos : pos+f.Width])
		pos += f.Width

		n, err := strconv.ParseUint(text, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", instrument.ErrSample, f.Name, err)
		}

		if f.Divisor != 0 {
			fields = append(fields, Field{Name: f.Name, Value: float64(n) / f.Divisor})
		} else {
			fields = append(fields, Field{Name: f.Name, Value: int(n)})
		}
	}

	return fields, nil
}
