package rtti

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/skdltmxn/rtti-go/image"
	"github.com/skdltmxn/rtti-go/internal/msvc"
)

const testBase = 0x140000000

// fixture assembles an in-memory image with MSVC RTTI records at chosen
// offsets, plus the symbol directory a program would provide.
type fixture struct {
	base uint64
	data []byte
	syms *SymbolMap
}

func newFixture(size int) *fixture {
	return &fixture{base: testBase, data: make([]byte, size), syms: NewSymbolMap()}
}

func (f *fixture) u32(off int, v uint32) { binary.LittleEndian.PutUint32(f.data[off:], v) }
func (f *fixture) u64(off int, v uint64) { binary.LittleEndian.PutUint64(f.data[off:], v) }
func (f *fixture) str(off int, s string) { copy(f.data[off:], s) }

func (f *fixture) addr(off int) uint64 { return f.base + uint64(off) }

func (f *fixture) typeDescriptor(off int, name string) {
	f.u64(off, f.base)
	f.str(off+16, name)
}

func (f *fixture) baseClassDescriptor(off, tdOff int, mdisp, pdisp int32, attrs uint32, chdOff int) {
	f.u32(off, uint32(tdOff))
	f.u32(off+4, 0)
	f.u32(off+8, uint32(mdisp))
	f.u32(off+12, uint32(pdisp))
	f.u32(off+16, 0)
	f.u32(off+20, attrs)
	f.u32(off+24, uint32(chdOff))
}

func (f *fixture) hierarchyDescriptor(off, num, arrOff int) {
	f.u32(off, 0)
	f.u32(off+4, 0)
	f.u32(off+8, uint32(num))
	f.u32(off+12, uint32(arrOff))
}

func (f *fixture) baseClassArray(off int, entries ...int) {
	for i, e := range entries {
		f.u32(off+4*i, uint32(e))
	}
}

func (f *fixture) objectLocator(off int, objOff uint32, tdOff, chdOff int) {
	f.u32(off, 1)
	f.u32(off+4, objOff)
	f.u32(off+8, 0)
	f.u32(off+12, uint32(tdOff))
	f.u32(off+16, uint32(chdOff))
}

// vftableMarker writes a marker slot pointing at a locator and registers
// the marker symbol under the class namespace.
func (f *fixture) vftableMarker(off, colOff int, namespace, name string) {
	f.u64(off, f.addr(colOff))
	f.syms.Add(namespace, Symbol{Name: name, Addr: f.addr(off)})
}

func (f *fixture) program() *Program {
	return &Program{
		Mem:         image.NewFlat(f.base, f.data),
		Symbols:     f.syms,
		PointerSize: 8,
		Format:      image.FormatPE,
	}
}

const (
	attrPlain   = msvc.AttrHasHierarchyDesc
	attrVirtual = msvc.AttrHasHierarchyDesc | msvc.AttrVirtual
	attrAmbig   = msvc.AttrHasHierarchyDesc | msvc.AttrAmbiguous
	attrVirtAmb = msvc.AttrHasHierarchyDesc | msvc.AttrVirtual | msvc.AttrAmbiguous
)

// fakeMaterializer records every creation call.
type fakeMaterializer struct {
	mu      sync.Mutex
	typeDes []uint64
	arrays  []uint64
	chds    []uint64
	thunks  map[uint64]uint64
}

func newFakeMaterializer() *fakeMaterializer {
	return &fakeMaterializer{thunks: make(map[uint64]uint64)}
}

func (m *fakeMaterializer) CreateTypeDescriptor(_ context.Context, addr uint64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typeDes = append(m.typeDes, addr)
	return nil
}

func (m *fakeMaterializer) CreateBaseClassArray(_ context.Context, addr uint64, _ uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrays = append(m.arrays, addr)
	return nil
}

func (m *fakeMaterializer) CreateHierarchyDescriptor(_ context.Context, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chds = append(m.chds, addr)
	return nil
}

func (m *fakeMaterializer) CreateThunk(_ context.Context, addr, target uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thunks[addr] = target
	return nil
}

// fakeListing implements Listing over plain maps, recording assignment
// order. onAssign, when set, runs after each successful assignment.
type fakeListing struct {
	defaults map[uint64]bool
	thunks   map[uint64]uint64
	owners   map[uint64]*ClassTypeInfo
	order    []uint64
	onAssign func(addr uint64)
	failAt   uint64
}

func newFakeListing() *fakeListing {
	return &fakeListing{
		defaults: make(map[uint64]bool),
		thunks:   make(map[uint64]uint64),
		owners:   make(map[uint64]*ClassTypeInfo),
	}
}

func (l *fakeListing) IsDefaultFunction(addr uint64) bool {
	return l.defaults[addr]
}

func (l *fakeListing) ResolveThunk(addr uint64) (uint64, bool) {
	t, ok := l.thunks[addr]
	return t, ok
}

func (l *fakeListing) AssignOwner(class *ClassTypeInfo, addr uint64) error {
	if l.failAt != 0 && addr == l.failAt {
		return errAssign
	}
	l.owners[addr] = class
	l.order = append(l.order, addr)
	if l.onAssign != nil {
		l.onAssign(addr)
	}
	return nil
}
