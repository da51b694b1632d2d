package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderScalars(t *testing.T) {
	data := []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}
	mem := NewFlat(0x1000, data)
	r := NewReader(mem, 0x1000, 8)

	v8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), v8)

	v16, err := r.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0302), v16)

	v32, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x07060504), v32)

	v64, err := r.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0f0e0d0c0b0a0908), v64)

	assert.Equal(t, uint64(0x1000+15), r.Addr())
}

func TestReaderPointerWidth(t *testing.T) {
	data := []byte{0x78, 0x56, 0x34, 0x12, 0xff, 0xff, 0xff, 0xff}
	mem := NewFlat(0x1000, data)

	r32 := NewReader(mem, 0x1000, 4)
	p, err := r32.ReadPointer()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678), p)

	s, err := r32.ReadSignedPointer()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), s)

	r64 := NewReader(mem, 0x1000, 8)
	p, err = r64.ReadPointer()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffff12345678), p)
}

func TestReaderOutOfBounds(t *testing.T) {
	mem := NewFlat(0x1000, []byte{0x01, 0x02})

	r := NewReader(mem, 0x1001, 8)
	_, err := r.ReadU32()
	assert.ErrorIs(t, err, ErrOutOfBounds)

	r.SetAddr(0x0fff)
	_, err = r.ReadU8()
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReaderCString(t *testing.T) {
	mem := NewFlat(0x1000, []byte("hello\x00world"))

	r := NewReader(mem, 0x1000, 8)
	s, err := r.ReadCString(64)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	// no terminator inside the bound
	r.SetAddr(0x1006)
	_, err = r.ReadCString(3)
	assert.ErrorIs(t, err, ErrInvalidStringLen)
}

func TestReaderAlign(t *testing.T) {
	mem := NewFlat(0x1000, make([]byte, 32))
	r := NewReader(mem, 0x1003, 8)

	r.Align(8)
	assert.Equal(t, uint64(0x1008), r.Addr())

	r.Align(8)
	assert.Equal(t, uint64(0x1008), r.Addr())
}

func TestContains(t *testing.T) {
	mem := NewFlat(0x1000, make([]byte, 16))

	assert.True(t, Contains(mem, 0x1000, 16))
	assert.True(t, Contains(mem, 0x100f, 1))
	assert.False(t, Contains(mem, 0x100f, 2))
	assert.False(t, Contains(mem, 0xfff, 1))
	assert.False(t, Contains(mem, 0x1000, -1))
}
