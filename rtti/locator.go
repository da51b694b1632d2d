package rtti

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/apex/log"

	"github.com/skdltmxn/rtti-go/internal/msvc"
)

// findLocator resolves the complete object locator for a type descriptor
// through symbol lookup. A nil result without error means "no locator",
// which is a legitimate outcome.
func (a *MSVCABI) findLocator(ctx context.Context, p *Program, td *msvc.TypeDescriptor) (*msvc.CompleteObjectLocator, error) {
	img := a.img(p)
	ns := a.classNamespace(p, td)
	if ns == "" {
		return nil, nil
	}
	for sym := range p.Symbols.SymbolsIn(ns) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.Contains(sym.Name, msvc.LocatorSymbol) {
			continue
		}
		col, err := img.ReadCompleteObjectLocator(sym.Addr)
		if err != nil {
			continue
		}
		if col.Validate(img) != nil || col.TypeDescAddr != td.Addr {
			continue
		}
		return col, nil
	}
	return nil, nil
}

// findHierarchy resolves a type descriptor's hierarchy descriptor: first
// through the locator symbol, then by a heuristic scan for image-base
// relative references to the descriptor. A nil result without error
// means the class has no recoverable hierarchy.
//
// A chain found only by the fallback scan was never materialized by an
// earlier analysis pass, so its records are persisted before returning.
func (a *MSVCABI) findHierarchy(ctx context.Context, p *Program, td *msvc.TypeDescriptor) (*msvc.ClassHierarchyDescriptor, error) {
	img := a.img(p)

	col, err := a.findLocator(ctx, p, td)
	if err != nil {
		return nil, err
	}
	if col != nil {
		chd, err := img.ReadClassHierarchyDescriptor(col.HierarchyAddr)
		if err != nil {
			// the locator validated this chain already
			return nil, preValidated(col.HierarchyAddr, err)
		}
		return chd, nil
	}

	chd, err := a.scanForHierarchy(ctx, p, td)
	if err != nil || chd == nil {
		return nil, err
	}
	a.materializeChain(ctx, p, td, chd)
	return chd, nil
}

// scanForHierarchy walks the image looking for 4-byte-aligned values
// that decode, as image-base-relative offsets, to the type descriptor's
// address. Such a reference is where a base class descriptor would
// start. Candidates inside exception-handling metadata are a known
// false-positive source and are rejected outright; the first candidate
// whose descriptor and hierarchy chain both validate wins.
func (a *MSVCABI) scanForHierarchy(ctx context.Context, p *Program, td *msvc.TypeDescriptor) (*msvc.ClassHierarchyDescriptor, error) {
	img := a.img(p)
	base := p.Mem.Base()
	size := p.Mem.Size()
	if td.Addr < base {
		return nil, nil
	}
	target := uint32(td.Addr - base)

	buf := make([]byte, scanChunkSize)
	for off := uint64(0); off+4 <= size; off += scanChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := size - off
		if n > scanChunkSize {
			n = scanChunkSize
		}
		chunk := buf[:n]
		if _, err := p.Mem.ReadAt(chunk, base+off); err != nil {
			break
		}
		for i := 0; i+4 <= len(chunk); i += 4 {
			if binary.LittleEndian.Uint32(chunk[i:]) != target {
				continue
			}
			addr := base + off + uint64(i)
			if p.InExceptionData(addr) {
				continue
			}
			bcd, err := img.ReadBaseClassDescriptor(addr)
			if err != nil || bcd.Validate(img) != nil {
				continue
			}
			if !bcd.HasHierarchyDescriptor() {
				continue
			}
			chd, err := img.ReadClassHierarchyDescriptor(bcd.HierarchyAddr)
			if err != nil || chd.Validate(img) != nil {
				continue
			}
			return chd, nil
		}
	}
	return nil, nil
}

// materializeChain persists the discovered records. Creation is
// idempotent and best-effort: a failing command is reported and skipped.
func (a *MSVCABI) materializeChain(ctx context.Context, p *Program, td *msvc.TypeDescriptor, chd *msvc.ClassHierarchyDescriptor) {
	cmds := []Command{
		&CreateTypeDescriptorCommand{Addr: td.Addr, TypeName: td.RawName},
		&CreateBaseClassArrayCommand{Addr: chd.BaseArrayAddr, Count: chd.NumBases},
		&CreateHierarchyDescriptorCommand{Addr: chd.Addr},
	}
	for _, cmd := range cmds {
		if err := cmd.Apply(ctx, p); err != nil {
			log.WithField("command", cmd.Name()).Warnf("failed to persist record: %v", err)
		}
	}
}
