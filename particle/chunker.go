package particle

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// DefaultMaxRetention is the default upper bound of buffered, unmatched bytes.
const DefaultMaxRetention = 64 * 1024

// MinMaxRetention is the smallest accepted retention bound.
const MinMaxRetention = 256

// Pattern registers one record kind with the chunker.
type Pattern struct {
	Kind Kind
	// Regexp matches one complete record, including its line terminator.
	Regexp *regexp.Regexp
	// Decoder decodes the matched bytes. A nil decoder yields particles without fields.
	Decoder Decoder
}

// Chunk is one matched record.
type Chunk struct {
	Kind Kind
	// Start and End are the record's offsets in the whole stream.
	Start int64
	End   int64
	Raw   []byte
	// Particle is the decoded record, nil when Err is set.
	Particle *Particle
	// Err wraps instrument.ErrSample when the record failed to decode.
	Err error
}

// Chunker splits an unbounded byte stream into records.
//
// Bytes that do not (yet) belong to a record stay buffered so that a record split
// across several reads is still found. Bytes in front of a later complete record
// can never become part of a record and are dropped as noise. The buffered tail is
// bounded by the retention limit; the oldest bytes are dropped first.
//
// Chunker is safe for concurrent use, but records are only ordered relative to
// the order of Add calls.
type Chunker struct {
	mu           sync.Mutex
	patterns     []Pattern
	buf          []byte
	offset       int64 // stream offset of buf[0]
	maxRetention int
	dropped      int64
}

// ChunkerOption is a functional option for a Chunker.
type ChunkerOption func(*Chunker) error

// WithMaxRetention sets the maximum number of unmatched bytes kept in the buffer.
func WithMaxRetention(n int) ChunkerOption {
	return func(c *Chunker) error {
		if n < MinMaxRetention {
			return fmt.Errorf("particle: retention %d below minimum %d", n, MinMaxRetention)
		}
		c.maxRetention = n
		return nil
	}
}

// NewChunker creates a Chunker for the given patterns.
func NewChunker(patterns []Pattern, opts ...ChunkerOption) (*Chunker, error) {
	if len(patterns) == 0 {
		return nil, errors.New("particle: no patterns registered")
	}
	for i, p := range patterns {
		if p.Regexp == nil {
			return nil, fmt.Errorf("particle: pattern %d (%s) has no regexp", i, p.Kind)
		}
	}

	c := &Chunker{
		patterns:     append([]Pattern(nil), patterns...),
		maxRetention: DefaultMaxRetention,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Add appends data to the stream and returns every record completed by it, in
// stream order. ts is recorded as the particle timestamp.
func (c *Chunker) Add(data []byte, ts time.Time) []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, data...)

	chunks, consumed := scan(c.patterns, c.buf, c.offset, ts)
	if consumed > 0 {
		c.dropped += int64(consumed) - matchedBytes(chunks)
		c.discard(consumed)
	}

	if over := len(c.buf) - c.maxRetention; over > 0 {
		c.dropped += int64(over)
		c.discard(over)
	}

	return chunks
}

// Buffered returns the number of buffered, unmatched bytes.
func (c *Chunker) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buf)
}

// Dropped returns the number of bytes discarded as noise so far.
func (c *Chunker) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dropped
}

// Reset discards the buffered bytes. Stream offsets keep counting.
func (c *Chunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.discard(len(c.buf))
}

func (c *Chunker) discard(n int) {
	c.offset += int64(n)
	rest := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:rest]
}

// Extract returns every record in data without keeping any state.
func Extract(patterns []Pattern, data []byte, ts time.Time) []Chunk {
	chunks, _ := scan(patterns, data, 0, ts)
	return chunks
}

type span struct {
	start, end int
	pattern    int
}

// scan finds the non-overlapping records in buf. It returns them in order and the
// number of leading bytes of buf that are consumed, which is the end of the last record.
func scan(patterns []Pattern, buf []byte, offset int64, ts time.Time) ([]Chunk, int) {
	var spans []span
	for i, p := range patterns {
		for _, loc := range p.Regexp.FindAllIndex(buf, -1) {
			if loc[1] > loc[0] {
				spans = append(spans, span{start: loc[0], end: loc[1], pattern: i})
			}
		}
	}
	if len(spans) == 0 {
		return nil, 0
	}

	// earliest start wins; for equal starts the longer record wins
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	chunks := make([]Chunk, 0, len(spans))
	pos := 0
	for _, s := range spans {
		if s.start < pos {
			continue
		}
		chunks = append(chunks, decodeSpan(patterns[s.pattern], buf[s.start:s.end], offset+int64(s.start), ts))
		pos = s.end
	}

	return chunks, pos
}

func decodeSpan(p Pattern, raw []byte, start int64, ts time.Time) Chunk {
	c := Chunk{
		Kind:  p.Kind,
		Start: start,
		End:   start + int64(len(raw)),
		Raw:   append([]byte(nil), raw...),
	}

	var fields []Field
	if p.Decoder != nil {
		var err error
		fields, err = p.Decoder.Decode(c.Raw)
		if err != nil {
			c.Err = err
			return c
		}
	}
	c.Particle = New(p.Kind, ts, string(c.Raw), fields)

	return c
}

func matchedBytes(chunks []Chunk) int64 {
	var n int64
	for _, c := range chunks {
		n += c.End - c.Start
	}
	return n
}
