package rtti

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skdltmxn/rtti-go/image"
	"github.com/skdltmxn/rtti-go/internal/itanium"
)

const elfBase = 0x400000

// elfFixture assembles an ELF-flavored in-memory image with Itanium
// typeinfo records. The cxxabi classifier vtables sit at fixed offsets.
type elfFixture struct {
	*fixture
}

func newELFFixture(size int) *elfFixture {
	f := &elfFixture{&fixture{base: elfBase, data: make([]byte, size), syms: NewSymbolMap()}}
	f.syms.Add("", Symbol{Name: itanium.ClassTypeInfoVtable, Addr: f.addr(0x10)})
	f.syms.Add("", Symbol{Name: itanium.SingleTypeInfoVtable, Addr: f.addr(0x40)})
	f.syms.Add("", Symbol{Name: itanium.VMITypeInfoVtable, Addr: f.addr(0x70)})
	return f
}

func (f *elfFixture) i64(off int, v int64) { f.u64(off, uint64(v)) }

// typeInfoHeader writes the vtable pointer (at the cxxabi address point)
// and name pointer shared by every record kind.
func (f *elfFixture) typeInfoHeader(off, cxxabiOff, nameOff int) {
	f.u64(off, f.addr(cxxabiOff)+16)
	f.u64(off+8, f.addr(nameOff))
}

func (f *elfFixture) program() *Program {
	return &Program{
		Mem:         image.NewFlat(f.base, f.data),
		Symbols:     f.syms,
		PointerSize: 8,
		Format:      image.FormatELF,
	}
}

// siFixture: Derived : Base, with Derived's vtable at the very end of
// the image so entry enumeration stops at the boundary.
func siFixture() *elfFixture {
	f := newELFFixture(0x1000)
	f.str(0x300, "4Base")
	f.str(0x310, "7Derived")

	// Base: __class_type_info
	f.typeInfoHeader(0x200, 0x10, 0x300)
	f.syms.Add("Base", Symbol{Name: "_ZTI4Base", Addr: f.addr(0x200)})

	// Derived: __si_class_type_info
	f.typeInfoHeader(0x240, 0x40, 0x310)
	f.u64(0x250, f.addr(0x200))
	f.syms.Add("Derived", Symbol{Name: "_ZTI7Derived", Addr: f.addr(0x240)})

	// Derived's vtable
	f.i64(0xfe0, 0)
	f.u64(0xfe8, f.addr(0x240))
	f.u64(0xff0, f.addr(0x900))
	f.u64(0xff8, f.addr(0x908))
	f.syms.Add("Derived", Symbol{Name: "_ZTV7Derived", Addr: f.addr(0xfe0)})
	return f
}

func TestItaniumCandidates(t *testing.T) {
	f := siFixture()
	p := f.program()
	abi := NewItaniumABI()

	got, err := abi.Candidates(context.Background(), p)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{f.addr(0x200), f.addr(0x240)}, got)
}

func TestItaniumSingleInheritance(t *testing.T) {
	f := siFixture()
	p := f.program()
	abi := NewItaniumABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x240))
	require.NoError(t, err)

	assert.Equal(t, "Derived", class.TypeName())
	require.Len(t, class.Parents(), 1)
	base := class.Parents()[0]
	assert.Equal(t, "Base", base.TypeName())
	assert.Empty(t, class.VirtualParents())

	off, ok := class.OffsetOf(base)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	vt := class.Vtable()
	require.True(t, vt.Valid())
	require.Len(t, vt.Groups(), 1)
	assert.Equal(t, int64(0), vt.Groups()[0].Displacement)
	assert.Equal(t, []uint64{f.addr(0x900), f.addr(0x908)}, vt.Groups()[0].Entries)
}

// vmiFixture: Bot virtually inherits Base; the runtime displacement 16
// lives in the vbase slot 24 bytes before Bot's primary address point.
func vmiFixture() *elfFixture {
	f := newELFFixture(0x1000)
	f.str(0x300, "4Base")
	f.str(0x320, "3Bot")

	f.typeInfoHeader(0x200, 0x10, 0x300)
	f.syms.Add("Base", Symbol{Name: "_ZTI4Base", Addr: f.addr(0x200)})

	// Bot: __vmi_class_type_info with one virtual public base
	f.typeInfoHeader(0x280, 0x70, 0x320)
	f.u32(0x290, 0)
	f.u32(0x294, 1)
	f.u64(0x298, f.addr(0x200))
	f.i64(0x2a0, -24<<8|0x3)
	f.syms.Add("Bot", Symbol{Name: "_ZTI3Bot", Addr: f.addr(0x280)})

	// Bot's vtable with the vbase offset slot ahead of the header
	f.i64(0xfd8, 16)
	f.i64(0xfe0, 0)
	f.u64(0xfe8, f.addr(0x280))
	f.u64(0xff0, f.addr(0x910))
	f.u64(0xff8, f.addr(0x918))
	f.syms.Add("Bot", Symbol{Name: "_ZTV3Bot", Addr: f.addr(0xfe0)})
	return f
}

func TestItaniumVirtualBaseOffset(t *testing.T) {
	f := vmiFixture()
	p := f.program()
	abi := NewItaniumABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x280))
	require.NoError(t, err)

	require.Len(t, class.Parents(), 1)
	base := class.Parents()[0]
	require.Len(t, class.VirtualParents(), 1)
	assert.Same(t, base, class.VirtualParents()[0])

	off, ok := class.OffsetOf(base)
	require.True(t, ok)
	assert.Equal(t, int64(16), off)
}

func TestItaniumVirtualBaseWithoutVtable(t *testing.T) {
	f := vmiFixture()
	// strip the vtable symbol so the displacement slot is unreachable
	f.syms = NewSymbolMap()
	f.syms.Add("", Symbol{Name: itanium.ClassTypeInfoVtable, Addr: f.addr(0x10)})
	f.syms.Add("", Symbol{Name: itanium.SingleTypeInfoVtable, Addr: f.addr(0x40)})
	f.syms.Add("", Symbol{Name: itanium.VMITypeInfoVtable, Addr: f.addr(0x70)})
	f.syms.Add("Base", Symbol{Name: "_ZTI4Base", Addr: f.addr(0x200)})
	f.syms.Add("Bot", Symbol{Name: "_ZTI3Bot", Addr: f.addr(0x280)})
	p := f.program()
	abi := NewItaniumABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x280))
	require.NoError(t, err)

	off, ok := class.OffsetOf(class.Parents()[0])
	require.True(t, ok)
	assert.Equal(t, int64(-1), off)
}

// ctorFixture extends vmiFixture with a VTT listing a two-group
// construction vtable at 0x800. The VTT names the primary address
// point, the construction vtable's first address point, and its
// secondary address point.
func ctorFixture() *elfFixture {
	f := vmiFixture()

	// construction vtable: primary group with one entry, then a
	// secondary group at displacement -16 holding a thunk stub
	f.i64(0x800, 0)
	f.u64(0x808, f.addr(0x280))
	f.u64(0x810, f.addr(0x920))
	f.i64(0x818, -16)
	f.u64(0x820, f.addr(0x280))
	f.u64(0x828, f.addr(0x930))

	f.u64(0x700, f.addr(0xff0))
	f.u64(0x708, f.addr(0x810))
	f.u64(0x710, f.addr(0x828))
	f.syms.Add("Bot", Symbol{Name: "_ZTT3Bot", Addr: f.addr(0x700)})
	return f
}

func TestItaniumWalkConstructionVtables(t *testing.T) {
	f := ctorFixture()
	p := f.program()
	listing := newFakeListing()
	listing.defaults[f.addr(0x910)] = true
	listing.defaults[f.addr(0x918)] = true
	listing.defaults[f.addr(0x920)] = true
	listing.defaults[f.addr(0x930)] = true
	listing.thunks[f.addr(0x930)] = f.addr(0x910)
	mat := newFakeMaterializer()
	p.Listing = listing
	p.Materializer = mat
	abi := NewItaniumABI()

	class, err := abi.ClassFrom(context.Background(), p, f.addr(0x280))
	require.NoError(t, err)

	res := abi.WalkVtable(context.Background(), p, class)
	assert.Equal(t, WalkSucceeded, res.Status)

	// the construction vtable is walked before the primary table, and
	// its secondary-group stub becomes a thunk, not an owned function
	assert.Equal(t, []uint64{f.addr(0x920), f.addr(0x910), f.addr(0x918)}, res.Owned)
	assert.Equal(t, []uint64{f.addr(0x930)}, res.Thunks)
	assert.Equal(t, res.Owned, listing.order)
	assert.Equal(t, f.addr(0x910), mat.thunks[f.addr(0x930)])
	assert.NotContains(t, listing.owners, f.addr(0x930))
}

func TestItaniumUnclassifiedTypeInfo(t *testing.T) {
	f := newELFFixture(0x1000)
	f.str(0x300, "4Base")
	// vtable pointer targets nothing the classifier knows
	f.u64(0x200, f.addr(0x500))
	f.u64(0x208, f.addr(0x300))
	p := f.program()
	abi := NewItaniumABI()

	_, err := abi.ClassFrom(context.Background(), p, f.addr(0x200))
	var ide *InvalidDataError
	require.ErrorAs(t, err, &ide)
	assert.ErrorIs(t, err, itanium.ErrUnknownKind)
}

func TestItaniumCyclicTypeInfo(t *testing.T) {
	f := newELFFixture(0x1000)
	f.str(0x300, "1A")
	f.str(0x308, "1B")
	// A and B si-inherit each other
	f.typeInfoHeader(0x200, 0x40, 0x300)
	f.u64(0x210, f.addr(0x240))
	f.typeInfoHeader(0x240, 0x40, 0x308)
	f.u64(0x250, f.addr(0x200))
	p := f.program()
	abi := NewItaniumABI()

	_, err := abi.ClassFrom(context.Background(), p, f.addr(0x200))
	assert.ErrorIs(t, err, ErrCyclicHierarchy)
}
