package particle

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/arloliu/go-seabird/instrument"
	"github.com/arloliu/go-seabird/param"
)

// FieldType is the declared type of a TagField.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldFloat
	FieldBool
	FieldStringList
	FieldIntList
	FieldFloatList
)

func (t FieldType) isList() bool {
	return t == FieldStringList || t == FieldIntList || t == FieldFloatList
}

// TagField selects one value from an element tree.
//
// Path is relative to the root element. Segments are separated by '/'. A segment
// is an element name optionally followed by an attribute predicate, as in
// "Calibration[@id=Main Temperature]". A final "@name" segment selects an
// attribute instead of element text. An empty path selects the root text.
//
// Scalar types take the first match. List types collect every match, which is
// how repeated sibling elements are read.
type TagField struct {
	Name     string
	Path     string
	Type     FieldType
	Optional bool
}

// TagDecoder decodes a tag-delimited envelope such as
// <StatusData DeviceType='SBE16plus'>...</StatusData>.
type TagDecoder struct {
	Root   string
	Fields []TagField
}

var _ Decoder = (*TagDecoder)(nil)

func (d *TagDecoder) Decode(raw []byte) ([]Field, error) {
	root, err := parseTree(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", instrument.ErrSample, err)
	}
	if root.name != d.Root {
		return nil, fmt.Errorf("%w: root element is <%s>, want <%s>", instrument.ErrSample, root.name, d.Root)
	}

	fields := make([]Field, 0, len(d.Fields))
	for _, tf := range d.Fields {
		texts := root.resolve(splitPath(tf.Path))
		if len(texts) == 0 {
			if tf.Optional {
				continue
			}
			return nil, fmt.Errorf("%w: <%s> has no %s", instrument.ErrSample, d.Root, tf.Path)
		}

		v, err := convert(tf.Type, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", instrument.ErrSample, tf.Name, err)
		}
		fields = append(fields, Field{Name: tf.Name, Value: v})
	}

	return fields, nil
}

func convert(t FieldType, texts []string) (any, error) {
	switch t {
	case FieldInt:
		return strconv.Atoi(texts[0])
	case FieldFloat:
		return strconv.ParseFloat(texts[0], 64)
	case FieldBool:
		return param.ParseBool(texts[0])
	case FieldStringList:
		out := make([]string, len(texts))
		copy(out, texts)
		return out, nil
	case FieldIntList:
		out := make([]int, 0, len(texts))
		for _, s := range texts {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case FieldFloatList:
		out := make([]float64, 0, len(texts))
		for _, s := range texts {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return texts[0], nil
	}
}

// node is one element of a parsed envelope.
type node struct {
	name     string
	attrs    map[string]string
	text     string
	children []*node
}

func parseTree(raw []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var (
		stack []*node
		texts []*strings.Builder
		root  *node
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
			texts = append(texts, &strings.Builder{})

		case xml.CharData:
			if len(texts) > 0 {
				texts[len(texts)-1].Write(t)
			}

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected </%s>", t.Name.Local)
			}
			n := stack[len(stack)-1]
			n.text = strings.TrimSpace(texts[len(texts)-1].String())
			stack = stack[:len(stack)-1]
			texts = texts[:len(texts)-1]
			if len(stack) == 0 {
				return root, nil
			}
		}
	}

	if root == nil {
		return nil, errors.New("no element found")
	}

	return nil, fmt.Errorf("element <%s> is not closed", stack[len(stack)-1].name)
}

type pathSegment struct {
	name      string
	attr      string // final "@attr" segment
	predKey   string
	predValue string
}

func splitPath(path string) []pathSegment {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, "/")
	segs := make([]pathSegment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "@") {
			segs = append(segs, pathSegment{attr: p[1:]})
			continue
		}

		seg := pathSegment{name: p}
		if i := strings.Index(p, "[@"); i > 0 && strings.HasSuffix(p, "]") {
			seg.name = p[:i]
			if k, v, ok := strings.Cut(p[i+2:len(p)-1], "="); ok {
				seg.predKey = k
				seg.predValue = strings.Trim(v, `'"`)
			}
		}
		segs = append(segs, seg)
	}

	return segs
}

// resolve returns the text of every node (or attribute) reachable through segs, in
// document order.
func (n *node) resolve(segs []pathSegment) []string {
	if len(segs) == 0 {
		return []string{n.text}
	}

	seg := segs[0]
	if seg.attr != "" {
		if v, ok := n.attrs[seg.attr]; ok {
			return []string{v}
		}
		return nil
	}

	var out []string
	for _, child := range n.children {
		if child.name != seg.name {
			continue
		}
		if seg.predKey != "" && child.attrs[seg.predKey] != seg.predValue {
			continue
		}
		out = append(out, child.resolve(segs[1:])...)
	}

	return out
}
