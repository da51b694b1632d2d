// Package itanium provides typed views over the Itanium C++ ABI RTTI
// layouts: the __class_type_info record family, vtables with their
// offset-to-top/typeinfo headers, and the VTT construction vtable table.
package itanium

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/rtti-go/image"
)

// Names of the cxxabi vtables that classify typeinfo records.
const (
	ClassTypeInfoVtable  = "_ZTVN10__cxxabiv117__class_type_infoE"
	SingleTypeInfoVtable = "_ZTVN10__cxxabiv120__si_class_type_infoE"
	VMITypeInfoVtable    = "_ZTVN10__cxxabiv121__vmi_class_type_infoE"
)

// MaxTypeNameLength bounds typeinfo name extraction.
const MaxTypeNameLength = 512

// MaxVtableEntries bounds function slot enumeration per group.
const MaxVtableEntries = 512

// MaxVTTEntries bounds VTT enumeration.
const MaxVTTEntries = 256

// VMI flag bits.
const (
	FlagNonDiamondRepeat = 0x1
	FlagDiamondShape     = 0x2
)

// Base reference offset_flags bits.
const (
	baseVirtualMask = 0x1
	basePublicMask  = 0x2
	baseOffsetShift = 8
)

// Errors returned by record validation.
var (
	ErrEmptyTypeName    = errors.New("itanium: typeinfo has empty name")
	ErrUnknownKind      = errors.New("itanium: typeinfo kind not classified")
	ErrNoBases          = errors.New("itanium: vmi typeinfo has zero bases")
	ErrBadTypeInfoSlot  = errors.New("itanium: vtable typeinfo slot does not match")
	ErrDanglingPointer  = errors.New("itanium: referenced pointer does not resolve in-bounds")
	ErrEmptyVTT         = errors.New("itanium: vtt has no entries")
)

// Image binds raw memory and the pointer width used by record layouts.
type Image struct {
	Mem     image.Memory
	PtrSize int
}

// TypeInfoKind identifies which __cxxabiv1 record shape a typeinfo uses.
type TypeInfoKind int

const (
	KindUnknown TypeInfoKind = iota
	KindClass                // __class_type_info: no bases
	KindSingle               // __si_class_type_info: one non-virtual base at offset 0
	KindVMI                  // __vmi_class_type_info: multiple/virtual bases
)

func (k TypeInfoKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindSingle:
		return "si_class"
	case KindVMI:
		return "vmi_class"
	default:
		return "unknown"
	}
}

// BaseRef describes one base inside a __vmi_class_type_info record.
type BaseRef struct {
	TypeInfoAddr uint64
	OffsetFlags  int64
}

// IsVirtual reports whether the base is inherited virtually.
func (b BaseRef) IsVirtual() bool {
	return b.OffsetFlags&baseVirtualMask != 0
}

// IsPublic reports whether the base is publicly inherited.
func (b BaseRef) IsPublic() bool {
	return b.OffsetFlags&basePublicMask != 0
}

// Offset returns the encoded displacement: the base sub-object offset for
// non-virtual bases, or the vtable slot offset holding the runtime
// displacement for virtual bases.
func (b BaseRef) Offset() int64 {
	return b.OffsetFlags >> baseOffsetShift
}

// TypeInfo is a decoded __class_type_info family record.
type TypeInfo struct {
	Addr       uint64
	VtablePtr  uint64
	NameAddr   uint64
	Name       string
	Kind       TypeInfoKind
	Flags      uint32
	Bases      []BaseRef
}

// Classifier maps a typeinfo's vtable pointer to the record kind it
// implies. Pointers may target the cxxabi vtable's address point, so
// implementations should tolerate a two-slot bias.
type Classifier func(vtablePtr uint64) TypeInfoKind

// ReadTypeInfo decodes the record at addr, using classify to pick the
// record shape.
func (img Image) ReadTypeInfo(addr uint64, classify Classifier) (*TypeInfo, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	vtab, err := r.ReadPointer()
	if err != nil {
		return nil, fmt.Errorf("itanium: typeinfo at %#x: %w", addr, err)
	}
	nameAddr, err := r.ReadPointer()
	if err != nil {
		return nil, fmt.Errorf("itanium: typeinfo at %#x: %w", addr, err)
	}

	nr := image.NewReader(img.Mem, nameAddr, img.PtrSize)
	name, err := nr.ReadCString(MaxTypeNameLength)
	if err != nil {
		return nil, fmt.Errorf("itanium: typeinfo name at %#x: %w", nameAddr, err)
	}

	ti := &TypeInfo{
		Addr:      addr,
		VtablePtr: vtab,
		NameAddr:  nameAddr,
		Name:      name,
		Kind:      classify(vtab),
	}

	switch ti.Kind {
	case KindSingle:
		base, err := r.ReadPointer()
		if err != nil {
			return nil, fmt.Errorf("itanium: si typeinfo at %#x: %w", addr, err)
		}
		ti.Bases = []BaseRef{{TypeInfoAddr: base}}
	case KindVMI:
		flags, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("itanium: vmi typeinfo at %#x: %w", addr, err)
		}
		count, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("itanium: vmi typeinfo at %#x: %w", addr, err)
		}
		r.Align(img.PtrSize)
		ti.Flags = flags
		ti.Bases = make([]BaseRef, 0, count)
		for i := uint32(0); i < count; i++ {
			baseAddr, err := r.ReadPointer()
			if err != nil {
				return nil, fmt.Errorf("itanium: vmi typeinfo at %#x, base %d: %w", addr, i, err)
			}
			offFlags, err := r.ReadSignedPointer()
			if err != nil {
				return nil, fmt.Errorf("itanium: vmi typeinfo at %#x, base %d: %w", addr, i, err)
			}
			ti.Bases = append(ti.Bases, BaseRef{TypeInfoAddr: baseAddr, OffsetFlags: offFlags})
		}
	}
	return ti, nil
}

// Validate checks the structural invariants of the typeinfo.
func (t *TypeInfo) Validate(img Image) error {
	if t.Name == "" {
		return ErrEmptyTypeName
	}
	if t.Kind == KindUnknown {
		return ErrUnknownKind
	}
	if t.Kind == KindVMI && len(t.Bases) == 0 {
		return ErrNoBases
	}
	for _, b := range t.Bases {
		if !image.Contains(img.Mem, b.TypeInfoAddr, 2*img.PtrSize) {
			return fmt.Errorf("itanium: typeinfo at %#x: %w", t.Addr, ErrDanglingPointer)
		}
	}
	return nil
}

// VtableGroup is one dispatch table within a vtable: the offset-to-top
// header, the typeinfo slot, and the function entries that follow the
// address point.
type VtableGroup struct {
	Addr         uint64 // address of the offset-to-top slot
	OffsetToTop  int64
	TypeInfoAddr uint64
	AddressPoint uint64
	Entries      []uint64
}

// Vtable is a parsed vtable: one primary group followed by secondary
// groups for non-primary base sub-objects.
type Vtable struct {
	Addr   uint64
	Groups []VtableGroup
}

// ReadVtable parses vtable groups starting at addr and stopping at limit
// (0 means end of image). typeinfoAddr anchors group detection: a group
// begins wherever the typeinfo slot matches it.
func (img Image) ReadVtable(addr, typeinfoAddr, limit uint64) (*Vtable, error) {
	if limit == 0 {
		limit = img.Mem.Base() + img.Mem.Size()
	}
	v := &Vtable{Addr: addr}
	cursor := addr
	for cursor+uint64(2*img.PtrSize) <= limit {
		g, next, err := img.readGroup(cursor, typeinfoAddr, limit)
		if err != nil {
			if len(v.Groups) == 0 {
				return nil, err
			}
			break
		}
		v.Groups = append(v.Groups, *g)
		cursor = next
	}
	if len(v.Groups) == 0 {
		return nil, fmt.Errorf("itanium: vtable at %#x: %w", addr, ErrBadTypeInfoSlot)
	}
	return v, nil
}

func (img Image) readGroup(addr, typeinfoAddr, limit uint64) (*VtableGroup, uint64, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	off, err := r.ReadSignedPointer()
	if err != nil {
		return nil, 0, err
	}
	ti, err := r.ReadPointer()
	if err != nil {
		return nil, 0, err
	}
	if ti != typeinfoAddr {
		return nil, 0, fmt.Errorf("itanium: vtable group at %#x: %w", addr, ErrBadTypeInfoSlot)
	}

	g := &VtableGroup{
		Addr:         addr,
		OffsetToTop:  off,
		TypeInfoAddr: ti,
		AddressPoint: r.Addr(),
	}
	for len(g.Entries) < MaxVtableEntries && r.Addr()+uint64(img.PtrSize) <= limit {
		if img.groupStartsAt(r.Addr(), typeinfoAddr, limit) {
			break
		}
		slot, err := r.ReadPointer()
		if err != nil || slot == 0 {
			break
		}
		g.Entries = append(g.Entries, slot)
	}
	return g, r.Addr(), nil
}

// groupStartsAt reports whether a new [offset-to-top, typeinfo] header
// for the same class begins at addr.
func (img Image) groupStartsAt(addr, typeinfoAddr, limit uint64) bool {
	if addr+uint64(2*img.PtrSize) > limit {
		return false
	}
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	off, err := r.ReadSignedPointer()
	if err != nil {
		return false
	}
	ti, err := r.ReadPointer()
	if err != nil {
		return false
	}
	return ti == typeinfoAddr && off <= 0
}

// ReadVtableAtAddressPoint parses the vtable whose first address point
// is addr. VTT entries target address points, so the typeinfo slot sits
// one pointer before addr and the offset-to-top two before; parsing is
// anchored on that typeinfo and continues through the secondary groups
// that follow.
func (img Image) ReadVtableAtAddressPoint(addr, limit uint64) (*Vtable, error) {
	start := addr - uint64(2*img.PtrSize)
	r := image.NewReader(img.Mem, start+uint64(img.PtrSize), img.PtrSize)
	ti, err := r.ReadPointer()
	if err != nil {
		return nil, err
	}
	return img.ReadVtable(start, ti, limit)
}

// VBaseOffset reads the runtime virtual-base displacement stored at the
// given (negative) slot offset from the primary address point.
func (v *Vtable) VBaseOffset(img Image, slotOffset int64) (int64, error) {
	if len(v.Groups) == 0 {
		return 0, ErrBadTypeInfoSlot
	}
	addr := v.Groups[0].AddressPoint + uint64(slotOffset)
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	return r.ReadSignedPointer()
}

// VTT is the virtual table table: an ordered list of vtable address
// points used while constructing virtual-base sub-objects.
type VTT struct {
	Addr    uint64
	Entries []uint64
}

// ReadVTT parses address point entries at addr until limit or until a
// value stops looking like an in-bounds pointer.
func (img Image) ReadVTT(addr, limit uint64) (*VTT, error) {
	if limit == 0 {
		limit = img.Mem.Base() + img.Mem.Size()
	}
	t := &VTT{Addr: addr}
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	for len(t.Entries) < MaxVTTEntries && r.Addr()+uint64(img.PtrSize) <= limit {
		p, err := r.ReadPointer()
		if err != nil {
			break
		}
		if !image.Contains(img.Mem, p, img.PtrSize) {
			break
		}
		t.Entries = append(t.Entries, p)
	}
	if len(t.Entries) == 0 {
		return nil, fmt.Errorf("itanium: vtt at %#x: %w", addr, ErrEmptyVTT)
	}
	return t, nil
}
