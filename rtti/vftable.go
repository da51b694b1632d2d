package rtti

import (
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/skdltmxn/rtti-go/image"
	"github.com/skdltmxn/rtti-go/internal/msvc"
)

// findVtable collects the vftable groups belonging to a type. Each group
// is announced by a marker symbol whose slot holds a pointer to the
// group's complete object locator; the usable entries start one pointer
// past the marker and run until the next marker, a null slot, or the
// entry cap.
func (a *MSVCABI) findVtable(p *Program, td *msvc.TypeDescriptor) *Vtable {
	ns := a.classNamespace(p, td)
	if ns == "" {
		return nil
	}
	img := a.img(p)

	var markers []uint64
	for sym := range p.Symbols.SymbolsIn(ns) {
		if strings.Contains(sym.Name, msvc.VftableMetaSymbol) {
			markers = append(markers, sym.Addr)
		}
	}
	if len(markers) == 0 {
		return nil
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i] < markers[j] })

	next := make(map[uint64]uint64, len(markers))
	for i := 0; i < len(markers)-1; i++ {
		next[markers[i]] = markers[i+1]
	}

	ptr := uint64(p.PointerSize)
	var groups []FunctionTable
	for _, marker := range markers {
		rd := image.NewReader(p.Mem, marker, p.PointerSize)
		colAddr, err := rd.ReadPointer()
		if err != nil {
			continue
		}
		col, err := img.ReadCompleteObjectLocator(colAddr)
		if err != nil || col.Validate(img) != nil {
			continue
		}

		g := FunctionTable{
			Addr:         marker + ptr,
			ServedType:   col.TypeDescAddr,
			Displacement: int64(int32(col.Offset)),
		}
		stop, bounded := next[marker]
		for slot := g.Addr; len(g.Entries) < msvc.MaxFunctionTableEntries; slot += ptr {
			if bounded && slot >= stop {
				break
			}
			rd.SetAddr(slot)
			fn, err := rd.ReadPointer()
			if err != nil || fn == 0 {
				break
			}
			g.Entries = append(g.Entries, fn)
		}
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return nil
	}
	return NewVtable(groups)
}

// resolveBaseOffset computes the byte offset of a direct base sub-object
// within the class. Non-virtual bases sit at their member displacement.
// Virtual bases sit at the displacement of the vftable group serving
// them, adjusted by any additional member displacement. An unresolvable
// virtual base yields -1.
func resolveBaseOffset(bcd *msvc.BaseClassDescriptor, child *ClassTypeInfo, cls *ClassTypeInfo) int64 {
	if !bcd.IsVirtual() {
		return int64(bcd.MemberDisp)
	}
	if d, ok := cls.vtable.virtualDisplacement(child.addr); ok && d > 0 {
		if bcd.MemberDisp >= 0 {
			return d + int64(bcd.MemberDisp)
		}
		return d
	}
	log.WithFields(log.Fields{
		"class": cls.typeName,
		"base":  child.typeName,
	}).Warn("no vftable group serves virtual base, offset unknown")
	return -1
}
