package particle

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arloliu/go-seabird/instrument"
)

// TextField selects one value from free text with a regular expression. The first
// capture group is the value text.
type TextField struct {
	Name     string
	Regexp   *regexp.Regexp
	Type     FieldType
	Optional bool
}

// TextDecoder decodes "key = value" style text such as a display-status response.
type TextDecoder struct {
	Fields []TextField
}

var _ Decoder = (*TextDecoder)(nil)

func (d *TextDecoder) Decode(raw []byte) ([]Field, error) {
	text := string(raw)

	fields := make([]Field, 0, len(d.Fields))
	for _, tf := range d.Fields {
		var texts []string
		for _, m := range tf.Regexp.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 {
				texts = append(texts, strings.TrimSpace(m[1]))
			}
		}
		if len(texts) == 0 {
			if tf.Optional {
				continue
			}
			return nil, fmt.Errorf("%w: text has no %s", instrument.ErrSample, tf.Name)
		}

		v, err := convert(tf.Type, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", instrument.ErrSample, tf.Name, err)
		}
		fields = append(fields, Field{Name: tf.Name, Value: v})
	}

	return fields, nil
}
