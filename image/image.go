// Package image provides read-only access to a loaded binary image snapshot.
package image

import (
	"debug/elf"
	"debug/pe"
	"errors"
	"fmt"
	"os"
	"sort"
)

// Errors returned while opening or reading an image.
var (
	ErrOutOfBounds      = errors.New("image: address out of bounds")
	ErrUnknownFormat    = errors.New("image: unknown binary format")
	ErrNoLoadableData   = errors.New("image: no loadable sections")
	ErrInvalidStringLen = errors.New("image: string exceeds length bound")
)

// Format identifies the container format the image was loaded from.
type Format int

const (
	FormatUnknown Format = iota
	FormatPE
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "pe"
	case FormatELF:
		return "elf"
	default:
		return "unknown"
	}
}

// Memory is a read-only view of the mapped image at its loaded addresses.
// All reads are against an immutable snapshot.
type Memory interface {
	// ReadAt reads len(p) bytes starting at the given virtual address.
	ReadAt(p []byte, addr uint64) (int, error)

	// Base returns the image base address.
	Base() uint64

	// Size returns the number of mapped bytes starting at Base.
	Size() uint64
}

// Contains reports whether [addr, addr+n) is fully inside the image.
func Contains(m Memory, addr uint64, n int) bool {
	if n < 0 {
		return false
	}
	base := m.Base()
	end := base + m.Size()
	return addr >= base && addr+uint64(n) <= end
}

// Flat is an in-memory image mapped contiguously at a base address.
type Flat struct {
	base uint64
	data []byte

	format  Format
	ptrSize int

	excAddr uint64
	excSize uint64
}

// NewFlat creates a flat image from raw bytes mapped at base.
func NewFlat(base uint64, data []byte) *Flat {
	return &Flat{base: base, data: data, format: FormatUnknown, ptrSize: 8}
}

func (f *Flat) Base() uint64 { return f.base }
func (f *Flat) Size() uint64 { return uint64(len(f.data)) }

// Format returns the container format, if the image was loaded from a file.
func (f *Flat) Format() Format { return f.format }

// PointerSize returns the pointer width in bytes for the image's machine.
func (f *Flat) PointerSize() int { return f.ptrSize }

// ExceptionData returns the virtual address and size of the image's
// exception-handling directory, or (0, 0) when it carries none.
func (f *Flat) ExceptionData() (uint64, uint64) { return f.excAddr, f.excSize }

// ReadAt implements Memory.
func (f *Flat) ReadAt(p []byte, addr uint64) (int, error) {
	if !Contains(f, addr, len(p)) {
		return 0, fmt.Errorf("image: read of %d bytes at %#x: %w", len(p), addr, ErrOutOfBounds)
	}
	return copy(p, f.data[addr-f.base:]), nil
}

// Open loads a PE or ELF file and maps its sections into a Flat image.
func Open(path string) (*Flat, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("image: failed to open file: %w", err)
	}

	if pf, err := pe.Open(path); err == nil {
		defer pf.Close()
		return mapPE(pf)
	}
	if ef, err := elf.Open(path); err == nil {
		defer ef.Close()
		return mapELF(ef)
	}
	return nil, ErrUnknownFormat
}

type mapped struct {
	addr uint64
	data []byte
}

// flatten lays sections end to end into one contiguous mapping,
// zero-filling the gaps between them.
func flatten(secs []mapped, format Format, ptrSize int) (*Flat, error) {
	if len(secs) == 0 {
		return nil, ErrNoLoadableData
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i].addr < secs[j].addr })

	base := secs[0].addr
	last := secs[len(secs)-1]
	total := last.addr + uint64(len(last.data)) - base

	data := make([]byte, total)
	for _, s := range secs {
		copy(data[s.addr-base:], s.data)
	}
	return &Flat{base: base, data: data, format: format, ptrSize: ptrSize}, nil
}

func mapPE(pf *pe.File) (*Flat, error) {
	var imageBase uint64
	ptrSize := 4
	switch hdr := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		imageBase = hdr.ImageBase
		ptrSize = 8
	case *pe.OptionalHeader32:
		imageBase = uint64(hdr.ImageBase)
	}

	var secs []mapped
	for _, s := range pf.Sections {
		if s.VirtualAddress == 0 || s.VirtualSize == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("image: failed to read section %s: %w", s.Name, err)
		}
		if uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}
		secs = append(secs, mapped{addr: imageBase + uint64(s.VirtualAddress), data: data})
	}

	img, err := flatten(secs, FormatPE, ptrSize)
	if err != nil {
		return nil, err
	}
	img.base = imageBase
	img.excAddr, img.excSize = peExceptionData(pf, imageBase)
	return img, nil
}

// IMAGE_DIRECTORY_ENTRY_EXCEPTION
const peExceptionDirectory = 3

// peExceptionData extracts the .pdata directory range from the optional
// header.
func peExceptionData(pf *pe.File, imageBase uint64) (uint64, uint64) {
	var dirs []pe.DataDirectory
	switch hdr := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		dirs = hdr.DataDirectory[:]
	case *pe.OptionalHeader32:
		dirs = hdr.DataDirectory[:]
	}
	if len(dirs) <= peExceptionDirectory {
		return 0, 0
	}
	d := dirs[peExceptionDirectory]
	if d.VirtualAddress == 0 || d.Size == 0 {
		return 0, 0
	}
	return imageBase + uint64(d.VirtualAddress), uint64(d.Size)
}

func mapELF(ef *elf.File) (*Flat, error) {
	ptrSize := 8
	if ef.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}

	var secs []mapped
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("image: failed to read load segment at %#x: %w", p.Vaddr, err)
		}
		secs = append(secs, mapped{addr: p.Vaddr, data: data})
	}

	return flatten(secs, FormatELF, ptrSize)
}
