package cursor

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorReadsBigEndian(t *testing.T) {
	c := New()
	c.Load([]byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x34, 0x7F})

	v4, err := c.U4()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v4)

	v2, err := c.U2()
	require.NoError(t, err)
	assert.Equal(t, uint16(52), v2)

	v1, err := c.U1()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x7F), v1)
	assert.Equal(t, 0, c.Remaining())
}

func TestCursorEndOfData(t *testing.T) {
	c := New()
	c.Load([]byte{0x01, 0x02, 0x03})

	_, err := c.U4()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEndOfData))
	assert.Equal(t, 0, c.Pos(), "failed read must not advance")

	require.NoError(t, c.Skip(2))
	_, err = c.U2()
	assert.ErrorIs(t, err, ErrEndOfData)
	assert.ErrorIs(t, c.Skip(2), ErrEndOfData)
	assert.ErrorIs(t, c.Skip(-1), ErrEndOfData)
}

func TestCursorPeekU4(t *testing.T) {
	c := New()
	c.Load([]byte{0xCA, 0xFE, 0xBA, 0xBE})
	v, ok := c.PeekU4(0)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xCAFEBABE), v)
	assert.Equal(t, 0, c.Pos())

	_, ok = c.PeekU4(1)
	assert.False(t, ok)
}

func TestCursorReadFromReusesBuffer(t *testing.T) {
	c := New()
	big := bytes.Repeat([]byte{0xAB}, 3*defaultCapacity+17)

	n, err := c.ReadFrom(iotest.OneByteReader(bytes.NewReader(big)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(big)), n)
	assert.Equal(t, len(big), c.Size())
	grownCap := cap(c.own)

	n, err = c.ReadFrom(bytes.NewReader([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, 0, c.Pos())
	assert.Equal(t, grownCap, cap(c.own), "buffer should be kept between units")
}

func TestCursorReadFromError(t *testing.T) {
	c := New()
	_, err := c.ReadFrom(iotest.ErrReader(errors.New("disk gone")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestCursorLoadDoesNotClobberCallerBytes(t *testing.T) {
	c := New()
	external := []byte{9, 9, 9, 9}
	c.Load(external)
	_, err := c.ReadFrom(bytes.NewReader([]byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, external)
}

func TestCursorUTF(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("Ljava/lang/Deprecated;"), "Ljava/lang/Deprecated;"},
		{"empty", []byte{}, ""},
		{"encoded nul", []byte{'a', 0xC0, 0x80, 'b'}, "a\x00b"},
		{"two byte", []byte{0xC3, 0xA9}, "é"},
		{"three byte", []byte{0xE2, 0x82, 0xAC}, "€"},
		{"surrogate pair", []byte{0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}, "😀"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			c.Load(append([]byte{byte(len(tt.in) >> 8), byte(len(tt.in))}, tt.in...))
			got, err := c.UTF()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 0, c.Remaining())
		})
	}
}

func TestCursorUTFInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"lone continuation", []byte{0x80}},
		{"truncated two byte", []byte{'x', 0xC3}},
		{"four byte lead", []byte{0xF0, 0x9F, 0x98, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			c.Load(append([]byte{0, byte(len(tt.in))}, tt.in...))
			_, err := c.UTF()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			var fe *FormatError
			require.True(t, errors.As(err, &fe))
			assert.GreaterOrEqual(t, fe.Offset, 2)
		})
	}
}

func TestCursorUTFTruncatedLength(t *testing.T) {
	c := New()
	c.Load([]byte{0x00, 0x05, 'a', 'b'})
	_, err := c.UTF()
	assert.ErrorIs(t, err, ErrEndOfData)
}

func TestFormatErrorMessage(t *testing.T) {
	err := &FormatError{Offset: 12, Tag: 99, Msg: "unknown pool tag"}
	assert.Equal(t, "malformed unit at offset 12: unknown pool tag (tag 99)", err.Error())

	err = &FormatError{Offset: -1, Tag: -1, Msg: "pool index 3: slot holds no text"}
	assert.Equal(t, "malformed unit: pool index 3: slot holds no text", err.Error())
}
