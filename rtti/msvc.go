package rtti

import (
	"bytes"
	"context"

	"github.com/skdltmxn/rtti-go/internal/demangle"
	"github.com/skdltmxn/rtti-go/internal/msvc"
)

// MSVCABI reconstructs classes from the MSVC RTTI record family found in
// PE images.
type MSVCABI struct{}

// NewMSVCABI creates the MSVC implementation of the ABI capability set.
func NewMSVCABI() *MSVCABI {
	return &MSVCABI{}
}

func (a *MSVCABI) Name() string { return "msvc" }

func (a *MSVCABI) img(p *Program) msvc.Image {
	return msvc.Image{Mem: p.Mem, PtrSize: p.PointerSize}
}

// classNamespace resolves the namespace owning a type descriptor: the
// symbol directory's answer when it has one, otherwise the qualified
// name decoded from the descriptor itself.
func (a *MSVCABI) classNamespace(p *Program, td *msvc.TypeDescriptor) string {
	if ns, ok := p.Symbols.NamespaceOf(td.Addr); ok && ns != "" {
		return ns
	}
	if cn, err := demangle.MSVCTypeName(td.RawName); err == nil {
		return cn.String()
	}
	return ""
}

const scanChunkSize = 64 * 1024

// Candidates scans the image for type descriptor name strings and
// returns the addresses of the descriptors that validate.
func (a *MSVCABI) Candidates(ctx context.Context, p *Program) ([]uint64, error) {
	img := a.img(p)
	prefix := []byte(msvc.TypeNamePrefix)
	headerSize := uint64(2 * p.PointerSize)

	var out []uint64
	base := p.Mem.Base()
	size := p.Mem.Size()

	buf := make([]byte, scanChunkSize+uint64(len(prefix)))
	for off := uint64(0); off < size; off += scanChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := size - off
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		chunk := buf[:n]
		if _, err := p.Mem.ReadAt(chunk, base+off); err != nil {
			break
		}
		for i := 0; ; {
			j := bytes.Index(chunk[i:], prefix)
			if j < 0 {
				break
			}
			// matches starting inside the overlap belong to the next chunk
			if i+j >= scanChunkSize {
				break
			}
			nameAddr := base + off + uint64(i+j)
			i += j + 1
			if nameAddr < base+headerSize {
				continue
			}
			tdAddr := nameAddr - headerSize
			td, err := img.ReadTypeDescriptor(tdAddr)
			if err != nil || td.Validate(img) != nil {
				continue
			}
			out = append(out, tdAddr)
		}
	}
	return out, nil
}

// ClassFrom reconstructs the class whose type descriptor is at addr.
func (a *MSVCABI) ClassFrom(ctx context.Context, p *Program, addr uint64) (*ClassTypeInfo, error) {
	img := a.img(p)
	td, err := img.ReadTypeDescriptor(addr)
	if err != nil {
		return nil, &InvalidDataError{Record: "type descriptor", Addr: addr, Message: "unreadable", Err: err}
	}
	if err := td.Validate(img); err != nil {
		return nil, &InvalidDataError{Record: "type descriptor", Addr: addr, Message: "validation failed", Err: err}
	}

	chd, err := a.findHierarchy(ctx, p, td)
	if err != nil {
		return nil, err
	}
	if chd == nil {
		return nil, &InvalidDataError{Record: "hierarchy descriptor", Addr: addr, Message: "absent after discovery", Err: ErrNoHierarchy}
	}

	r := &msvcReconstruction{
		p:       p,
		abi:     a,
		img:     img,
		cache:   make(map[uint64]*ClassTypeInfo),
		visited: make(map[uint64]bool),
	}
	return r.fromHierarchy(ctx, td, chd)
}

// WalkVtable runs the ownership walk over the class's vftable groups.
// MSVC images carry no VTT.
func (a *MSVCABI) WalkVtable(ctx context.Context, p *Program, class *ClassTypeInfo) WalkResult {
	return walkVtables(ctx, p, class, class.Vtable(), nil)
}

var _ ABI = (*MSVCABI)(nil)
