package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds how many bytes a Splitter buffers while waiting
// for the end of a frame.
const DefaultMaxFrameSize = 4 << 20

var (
	ErrUnknownFraming = errors.New("envelope: unknown framing")
	ErrFrameTooLarge  = errors.New("envelope: frame is too large")
	ErrMalformedFrame = errors.New("envelope: malformed frame")
)

// Framing tells how envelopes are delimited on a byte stream.
type Framing string

const (
	// FramingNewline is newline-delimited JSON.
	FramingNewline Framing = "newline"
	// FramingLength prefixes every frame with its varint-encoded length.
	FramingLength Framing = "length"
	// FramingConcat accepts back-to-back JSON objects with no delimiter, as
	// legacy peers write them. Objects are delimited by scanning braces
	// outside of string literals.
	FramingConcat Framing = "concat"
)

func ParseFraming(s string) (Framing, error) {
	switch f := Framing(s); f {
	case "":
		return FramingNewline, nil
	case FramingNewline, FramingLength, FramingConcat:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFraming, s)
	}
}

// Frame wraps an encoded envelope for the wire.
func (f Framing) Frame(data []byte) []byte {
	switch f {
	case FramingLength:
		out := protowire.AppendVarint(make([]byte, 0, len(data)+binaryMaxVarintLen), uint64(len(data)))
		return append(out, data...)
	case FramingConcat:
		return slices.Clone(data)
	default:
		out := make([]byte, 0, len(data)+1)
		out = append(out, data...)
		return append(out, '\n')
	}
}

const binaryMaxVarintLen = 10

// Splitter turns arbitrary reads from a stream into complete frames.
// A Splitter is bound to one socket and MUST NOT be shared between sockets.
type Splitter struct {
	framing Framing
	max     int
	buf     []byte

	// concat scanner state, kept across reads.
	depth    int
	inString bool
	escaped  bool
	scanned  int
}

func NewSplitter(framing Framing, maxSize int) *Splitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Splitter{
		framing: framing,
		max:     maxSize,
	}
}

// Feed appends data and returns every frame completed so far. On error the
// buffered bytes are discarded so the stream can resynchronise.
func (s *Splitter) Feed(data []byte) ([][]byte, error) {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	var err error
	switch s.framing {
	case FramingLength:
		frames, err = s.splitLength()
	case FramingConcat:
		frames, err = s.splitConcat()
	default:
		frames = s.splitNewline()
	}
	if err != nil {
		s.Reset()
		return frames, err
	}

	if len(s.buf) > s.max {
		s.Reset()
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Buffered returns how many bytes wait for the end of a frame.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

func (s *Splitter) Reset() {
	s.buf = nil
	s.depth = 0
	s.inString = false
	s.escaped = false
	s.scanned = 0
}

func (s *Splitter) splitNewline() [][]byte {
	var frames [][]byte
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(s.buf[:idx])
		if len(line) > 0 {
			frames = append(frames, slices.Clone(line))
		}
		s.buf = s.buf[idx+1:]
	}
	s.compact()
	return frames
}

func (s *Splitter) splitLength() ([][]byte, error) {
	var frames [][]byte
	for len(s.buf) > 0 {
		size, n := protowire.ConsumeVarint(s.buf)
		if n < 0 {
			if err := protowire.ParseError(n); errors.Is(err, io.ErrUnexpectedEOF) {
				break
			} else {
				return frames, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
			}
		}
		if size > uint64(s.max) {
			return frames, ErrFrameTooLarge
		}
		end := n + int(size)
		if len(s.buf) < end {
			break
		}
		frames = append(frames, slices.Clone(s.buf[n:end]))
		s.buf = s.buf[end:]
	}
	s.compact()
	return frames, nil
}

func (s *Splitter) splitConcat() ([][]byte, error) {
	var frames [][]byte
	start := 0
	for i := s.scanned; i < len(s.buf); i++ {
		c := s.buf[i]
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			if s.depth == 0 {
				return frames, fmt.Errorf("%w: string outside of an object", ErrMalformedFrame)
			}
			s.inString = true
		case '{':
			if s.depth == 0 {
				start = i
			}
			s.depth++
		case '}':
			if s.depth == 0 {
				return frames, fmt.Errorf("%w: unbalanced closing brace", ErrMalformedFrame)
			}
			s.depth--
			if s.depth == 0 {
				frames = append(frames, slices.Clone(s.buf[start:i+1]))
				start = i + 1
			}
		case ' ', '\t', '\r', '\n':
		default:
			if s.depth == 0 {
				return frames, fmt.Errorf("%w: unexpected byte %q between objects", ErrMalformedFrame, c)
			}
		}
	}

	if s.depth == 0 {
		s.buf = s.buf[len(s.buf):]
		s.scanned = 0
	} else {
		s.buf = s.buf[start:]
		s.scanned = len(s.buf)
	}
	s.compact()
	return frames, nil
}

// compact releases the consumed prefix of the buffer.
func (s *Splitter) compact() {
	if len(s.buf) == 0 {
		s.buf = nil
		return
	}
	if cap(s.buf) > 2*len(s.buf) {
		s.buf = slices.Clone(s.buf)
	}
}
