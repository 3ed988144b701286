// Package cursor provides a forward-only big-endian reader over the bytes of a
// single unit file. A Cursor owns a growable buffer that is reused across
// units, so a scanner allocates only when it meets a unit larger than any it
// has seen before.
package cursor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
	"unicode/utf8"
)

const defaultCapacity = 8 * 1024

var (
	// ErrEndOfData is returned when a read runs past the loaded bytes.
	ErrEndOfData = errors.New("unexpected end of unit data")
	// ErrMalformed is matched by every FormatError.
	ErrMalformed = errors.New("malformed unit data")
)

// FormatError describes structurally invalid unit data. Tag is -1 when the
// failure is not tied to a tag byte, Offset is -1 when it is not tied to a
// position.
type FormatError struct {
	Offset int
	Tag    int
	Msg    string
}

func (e *FormatError) Error() string {
	msg := "malformed unit"
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	msg += ": " + e.Msg
	if e.Tag >= 0 {
		msg += fmt.Sprintf(" (tag %d)", e.Tag)
	}
	return msg
}

func (e *FormatError) Is(target error) bool {
	return target == ErrMalformed
}

type Cursor struct {
	buf []byte
	own []byte
	pos int
}

func New() *Cursor {
	return &Cursor{own: make([]byte, 0, defaultCapacity)}
}

// ReadFrom replaces the cursor contents with everything r yields and rewinds
// to offset zero. The backing array is kept and grown by doubling.
func (c *Cursor) ReadFrom(r io.Reader) (int64, error) {
	if c.own == nil {
		c.own = make([]byte, 0, defaultCapacity)
	}
	c.own = c.own[:0]
	c.buf = c.own
	c.pos = 0
	for {
		if len(c.own) == cap(c.own) {
			grown := make([]byte, len(c.own), 2*cap(c.own))
			copy(grown, c.own)
			c.own = grown
		}
		n, err := r.Read(c.own[len(c.own):cap(c.own)])
		c.own = c.own[:len(c.own)+n]
		c.buf = c.own
		if err == io.EOF {
			return int64(len(c.own)), nil
		}
		if err != nil {
			return int64(len(c.own)), fmt.Errorf("reading unit bytes: %w", err)
		}
	}
}

// Load points the cursor at b without copying. The caller must not modify b
// while the cursor is in use. The owned buffer is left untouched.
func (c *Cursor) Load(b []byte) {
	c.buf = b
	c.pos = 0
}

func (c *Cursor) Size() int {
	return len(c.buf)
}

func (c *Cursor) Pos() int {
	return c.pos
}

func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Malformed builds a FormatError positioned at the last consumed byte.
func (c *Cursor) Malformed(tag int, format string, args ...any) error {
	offset := c.pos - 1
	if offset < 0 {
		offset = 0
	}
	return &FormatError{Offset: offset, Tag: tag, Msg: fmt.Sprintf(format, args...)}
}

func (c *Cursor) need(n int) error {
	if n < 0 || c.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, %d left", ErrEndOfData, n, c.pos, c.Remaining())
	}
	return nil
}

func (c *Cursor) U1() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *Cursor) U2() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *Cursor) U4() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// PeekU4 reads the u4 at offset without moving the cursor.
func (c *Cursor) PeekU4(offset int) (uint32, bool) {
	if offset < 0 || offset+4 > len(c.buf) {
		return 0, false
	}
	return binary.BigEndian.Uint32(c.buf[offset:]), true
}

func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// UTF reads a u2 length followed by that many bytes of modified UTF-8: NUL is
// encoded as C0 80 and supplementary characters as surrogate pairs of three
// byte sequences.
func (c *Cursor) UTF() (string, error) {
	n, err := c.U2()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	start := c.pos
	raw := c.buf[start : start+int(n)]
	c.pos += int(n)
	s, bad := decodeModifiedUTF8(raw)
	if bad >= 0 {
		return "", &FormatError{Offset: start + bad, Tag: -1, Msg: "invalid modified UTF-8 sequence"}
	}
	return s, nil
}

// decodeModifiedUTF8 returns the decoded string, or the offset of the first
// invalid byte.
func decodeModifiedUTF8(b []byte) (string, int) {
	ascii := true
	for _, ch := range b {
		if ch == 0 || ch >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b), -1
	}
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		ch := b[i]
		switch {
		case ch < 0x80:
			units = append(units, uint16(ch))
			i++
		case ch&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return "", i
			}
			units = append(units, uint16(ch&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case ch&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return "", i
			}
			units = append(units, uint16(ch&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			return "", i
		}
	}
	return string(utf16.Decode(units)), -1
}
