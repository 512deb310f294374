// Package slip implements the SLIP framing used by the ESP ROM loader.
package slip

import (
	"bytes"
	"errors"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrInvalidEscape is returned for an ESC byte not followed by EscEnd or
// EscEsc.
var ErrInvalidEscape = errors.New("slip: invalid escape sequence")

// Encode wraps data in a frame: END, escaped data, END.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+len(data)/16+2)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	return append(result, End)
}

// Decode unescapes a frame body. Leading and trailing END bytes are
// ignored.
func Decode(frame []byte) ([]byte, error) {
	body := bytes.Trim(frame, string([]byte{End}))
	result := make([]byte, 0, len(body))

	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != Esc {
			result = append(result, b)
			continue
		}
		if i+1 >= len(body) {
			return nil, ErrInvalidEscape
		}
		i++
		switch body[i] {
		case EscEnd:
			result = append(result, End)
		case EscEsc:
			result = append(result, Esc)
		default:
			return nil, ErrInvalidEscape
		}
	}

	return result, nil
}

// Buffer accumulates bytes read from the wire and splits them into frames.
// Bytes before the first END (boot log noise) are discarded.
type Buffer struct {
	buf []byte
}

// Write appends bytes read from the wire.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Reset drops everything buffered.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}

// Next returns the decoded payload of the next complete, non-empty frame.
// ok is false when no complete frame is buffered yet. Frames that fail to
// decode are skipped.
func (b *Buffer) Next() (payload []byte, ok bool) {
	for {
		start := bytes.IndexByte(b.buf, End)
		if start < 0 {
			b.buf = b.buf[:0]
			return nil, false
		}

		// Collapse runs of END: back-to-back frames share delimiters.
		body := start + 1
		for body < len(b.buf) && b.buf[body] == End {
			body++
		}
		b.buf = b.buf[body-1:]

		end := bytes.IndexByte(b.buf[1:], End)
		if end < 0 {
			return nil, false
		}
		frame := b.buf[:end+2]
		b.buf = b.buf[end+1:]

		data, err := Decode(frame)
		if err != nil || len(data) == 0 {
			continue
		}
		return data, true
	}
}
