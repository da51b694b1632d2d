package image

import (
	"encoding/binary"
	"fmt"
)

// Reader is a bounded little-endian cursor over image memory.
// It reads records at virtual addresses and tracks its own position.
type Reader struct {
	mem     Memory
	addr    uint64
	ptrSize int
}

// NewReader creates a Reader positioned at addr.
func NewReader(m Memory, addr uint64, ptrSize int) *Reader {
	return &Reader{mem: m, addr: addr, ptrSize: ptrSize}
}

// Addr returns the current read position.
func (r *Reader) Addr() uint64 {
	return r.addr
}

// SetAddr moves the read position.
func (r *Reader) SetAddr(addr uint64) {
	r.addr = addr
}

// Skip advances the read position by n bytes.
func (r *Reader) Skip(n int) {
	r.addr += uint64(n)
}

// PointerSize returns the pointer width used by ReadPointer.
func (r *Reader) PointerSize() int {
	return r.ptrSize
}

func (r *Reader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := r.mem.ReadAt(buf, r.addr); err != nil {
		return nil, err
	}
	r.addr += uint64(n)
	return buf, nil
}

// ReadU8 reads an unsigned 8-bit integer.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads an unsigned 16-bit integer.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads an unsigned 32-bit integer.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads an unsigned 64-bit integer.
func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadI32 reads a signed 32-bit integer.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadI64 reads a signed 64-bit integer.
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadPointer reads a pointer-width unsigned value.
func (r *Reader) ReadPointer() (uint64, error) {
	if r.ptrSize == 4 {
		v, err := r.ReadU32()
		return uint64(v), err
	}
	return r.ReadU64()
}

// ReadSignedPointer reads a pointer-width signed value.
func (r *Reader) ReadSignedPointer() (int64, error) {
	if r.ptrSize == 4 {
		v, err := r.ReadI32()
		return int64(v), err
	}
	return r.ReadI64()
}

// ReadCString reads a null-terminated string of at most max bytes.
// Exceeding the bound is a structural error, not a truncation.
func (r *Reader) ReadCString(max int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		b, err := r.ReadU8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", fmt.Errorf("image: string at %#x: %w", r.addr-uint64(max), ErrInvalidStringLen)
}

// Align aligns the read position to the given boundary.
func (r *Reader) Align(alignment int) {
	if alignment <= 1 {
		return
	}
	mod := r.addr % uint64(alignment)
	if mod != 0 {
		r.addr += uint64(alignment) - mod
	}
}
