// Package msvc provides typed views over the MSVC RTTI record layouts
// found in compiled PE images: type descriptors, base class descriptors
// and arrays, class hierarchy descriptors, and complete object locators.
//
// Readers only decode; Validate is the single structural gate. Code that
// holds a validated record may assume it stays valid for the lifetime of
// the image snapshot.
package msvc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skdltmxn/rtti-go/image"
)

// Well-known symbol name fragments emitted for MSVC RTTI constructs.
const (
	LocatorSymbol     = "RTTI_Complete_Object_Locator"
	VftableMetaSymbol = "vftable_meta_ptr"
)

// MaxTypeNameLength bounds decorated type name extraction.
const MaxTypeNameLength = 512

// MaxFunctionTableEntries bounds function table enumeration.
const MaxFunctionTableEntries = 512

// TypeNamePrefix starts every MSVC type descriptor name.
const TypeNamePrefix = ".?A"

// Base class descriptor attribute bits.
const (
	AttrNotVisible       = 0x01
	AttrAmbiguous        = 0x02
	AttrPrivOrProtBase   = 0x08
	AttrVirtual          = 0x10
	AttrNonpolymorphic   = 0x20
	AttrHasHierarchyDesc = 0x40
)

// Class hierarchy descriptor attribute bits.
const (
	HierarchyMultipleInheritance  = 0x01
	HierarchyVirtualInheritance   = 0x02
	HierarchyAmbiguousInheritance = 0x04
)

// Record sizes in bytes.
const (
	BaseClassDescriptorSize      = 28
	ClassHierarchyDescriptorSize = 16
)

// Errors returned by record validation.
var (
	ErrEmptyTypeName   = errors.New("msvc: type descriptor has empty name")
	ErrBadNamePrefix   = errors.New("msvc: type descriptor name has no .?A prefix")
	ErrBadSignature    = errors.New("msvc: unsupported record signature")
	ErrNoBaseClasses   = errors.New("msvc: hierarchy descriptor has zero base classes")
	ErrCountMismatch   = errors.New("msvc: base count disagrees with array length")
	ErrDanglingPointer = errors.New("msvc: referenced pointer does not resolve in-bounds")
)

// Image binds raw memory and the pointer width used by record layouts.
type Image struct {
	Mem     image.Memory
	PtrSize int
}

// ResolveIBO decodes an image-base-relative 32-bit offset into an address.
func (img Image) ResolveIBO(off uint32) uint64 {
	return img.Mem.Base() + uint64(off)
}

// TypeDescriptor is the rtti0 record: a vftable pointer used for type
// identity comparison followed by the decorated type name.
type TypeDescriptor struct {
	Addr        uint64
	VftableAddr uint64
	RawName     string
}

// ReadTypeDescriptor decodes the record at addr.
func (img Image) ReadTypeDescriptor(addr uint64) (*TypeDescriptor, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	vft, err := r.ReadPointer()
	if err != nil {
		return nil, fmt.Errorf("msvc: type descriptor at %#x: %w", addr, err)
	}
	r.Skip(img.PtrSize) // spare
	name, err := r.ReadCString(MaxTypeNameLength)
	if err != nil {
		return nil, fmt.Errorf("msvc: type descriptor at %#x: %w", addr, err)
	}
	return &TypeDescriptor{Addr: addr, VftableAddr: vft, RawName: name}, nil
}

// Validate checks the structural invariants of the descriptor.
func (t *TypeDescriptor) Validate(img Image) error {
	if t.RawName == "" {
		return ErrEmptyTypeName
	}
	if !strings.HasPrefix(t.RawName, TypeNamePrefix) {
		return ErrBadNamePrefix
	}
	if !image.Contains(img.Mem, t.Addr, 2*img.PtrSize+len(t.RawName)+1) {
		return ErrDanglingPointer
	}
	return nil
}

// BaseClassDescriptor is the rtti1 record describing one base of a class:
// the base's type descriptor, how many bases it contains itself, the
// displacement triple, attribute bits, and the base's own hierarchy.
type BaseClassDescriptor struct {
	Addr              uint64
	TypeDescAddr      uint64
	NumContainedBases uint32

	// MemberDisp is the fixed byte offset of the base sub-object,
	// meaningful only for non-virtual bases.
	MemberDisp int32

	// VBTableIndex indexes the virtual base displacement table,
	// -1 when the base is not virtual.
	VBTableIndex int32

	VBDisp     int32
	Attributes uint32

	HierarchyAddr uint64
}

// ReadBaseClassDescriptor decodes the record at addr.
func (img Image) ReadBaseClassDescriptor(addr uint64) (*BaseClassDescriptor, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	tdOff, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: base class descriptor at %#x: %w", addr, err)
	}
	num, _ := r.ReadU32()
	mdisp, _ := r.ReadI32()
	pdisp, _ := r.ReadI32()
	vdisp, _ := r.ReadI32()
	attrs, _ := r.ReadU32()
	chdOff, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: base class descriptor at %#x: %w", addr, err)
	}
	b := &BaseClassDescriptor{
		Addr:              addr,
		TypeDescAddr:      img.ResolveIBO(tdOff),
		NumContainedBases: num,
		MemberDisp:        mdisp,
		VBTableIndex:      pdisp,
		VBDisp:            vdisp,
		Attributes:        attrs,
	}
	if b.HasHierarchyDescriptor() {
		b.HierarchyAddr = img.ResolveIBO(chdOff)
	}
	return b, nil
}

// IsVirtual reports whether the base is inherited virtually.
func (b *BaseClassDescriptor) IsVirtual() bool {
	return b.Attributes&AttrVirtual != 0
}

// IsAmbiguousRepeat reports whether the base repeats a base already
// reachable through another path.
func (b *BaseClassDescriptor) IsAmbiguousRepeat() bool {
	return b.Attributes&AttrAmbiguous != 0
}

// HasHierarchyDescriptor reports whether the trailing hierarchy
// reference is present.
func (b *BaseClassDescriptor) HasHierarchyDescriptor() bool {
	return b.Attributes&AttrHasHierarchyDesc != 0
}

// Validate checks the structural invariants of the descriptor.
func (b *BaseClassDescriptor) Validate(img Image) error {
	td, err := img.ReadTypeDescriptor(b.TypeDescAddr)
	if err != nil {
		return err
	}
	if err := td.Validate(img); err != nil {
		return err
	}
	if !b.IsVirtual() && b.VBTableIndex != -1 {
		return fmt.Errorf("msvc: base class descriptor at %#x: non-virtual base with vbtable index %d", b.Addr, b.VBTableIndex)
	}
	if b.HasHierarchyDescriptor() {
		if !image.Contains(img.Mem, b.HierarchyAddr, ClassHierarchyDescriptorSize) {
			return fmt.Errorf("msvc: base class descriptor at %#x: %w", b.Addr, ErrDanglingPointer)
		}
		chd, err := img.ReadClassHierarchyDescriptor(b.HierarchyAddr)
		if err != nil {
			return err
		}
		if err := chd.Validate(img); err != nil {
			return err
		}
	}
	return nil
}

// BaseClassArray is the rtti2 record: an ordered array of image-base
// relative offsets to base class descriptors. Element 0 identifies the
// owning class itself.
type BaseClassArray struct {
	Addr    uint64
	Entries []uint64
}

// ReadBaseClassArray decodes count entries at addr.
func (img Image) ReadBaseClassArray(addr uint64, count uint32) (*BaseClassArray, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	entries := make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		off, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("msvc: base class array at %#x, entry %d: %w", addr, i, err)
		}
		entries = append(entries, img.ResolveIBO(off))
	}
	return &BaseClassArray{Addr: addr, Entries: entries}, nil
}

// Validate checks that every entry resolves to an in-bounds descriptor.
func (a *BaseClassArray) Validate(img Image) error {
	if len(a.Entries) == 0 {
		return ErrNoBaseClasses
	}
	for i, e := range a.Entries {
		if !image.Contains(img.Mem, e, BaseClassDescriptorSize) {
			return fmt.Errorf("msvc: base class array at %#x, entry %d: %w", a.Addr, i, ErrDanglingPointer)
		}
	}
	return nil
}

// ClassHierarchyDescriptor is the rtti3 record: aggregate inheritance
// attributes plus the base class array.
type ClassHierarchyDescriptor struct {
	Addr          uint64
	Signature     uint32
	Attributes    uint32
	NumBases      uint32
	BaseArrayAddr uint64
}

// ReadClassHierarchyDescriptor decodes the record at addr.
func (img Image) ReadClassHierarchyDescriptor(addr uint64) (*ClassHierarchyDescriptor, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	sig, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: hierarchy descriptor at %#x: %w", addr, err)
	}
	attrs, _ := r.ReadU32()
	num, _ := r.ReadU32()
	arrOff, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: hierarchy descriptor at %#x: %w", addr, err)
	}
	return &ClassHierarchyDescriptor{
		Addr:          addr,
		Signature:     sig,
		Attributes:    attrs,
		NumBases:      num,
		BaseArrayAddr: img.ResolveIBO(arrOff),
	}, nil
}

// HasMultipleInheritance reports the multiple-inheritance attribute.
func (h *ClassHierarchyDescriptor) HasMultipleInheritance() bool {
	return h.Attributes&HierarchyMultipleInheritance != 0
}

// HasVirtualInheritance reports the virtual-inheritance attribute.
func (h *ClassHierarchyDescriptor) HasVirtualInheritance() bool {
	return h.Attributes&HierarchyVirtualInheritance != 0
}

// HasAmbiguousBases reports the ambiguous-inheritance attribute.
func (h *ClassHierarchyDescriptor) HasAmbiguousBases() bool {
	return h.Attributes&HierarchyAmbiguousInheritance != 0
}

// BaseArray reads the hierarchy's base class array. The array length is
// fixed by NumBases.
func (h *ClassHierarchyDescriptor) BaseArray(img Image) (*BaseClassArray, error) {
	return img.ReadBaseClassArray(h.BaseArrayAddr, h.NumBases)
}

// Validate checks the structural invariants of the descriptor, including
// the count invariant against the base class array.
func (h *ClassHierarchyDescriptor) Validate(img Image) error {
	if h.Signature != 0 {
		return ErrBadSignature
	}
	if h.NumBases == 0 {
		return ErrNoBaseClasses
	}
	arr, err := h.BaseArray(img)
	if err != nil {
		return err
	}
	if uint32(len(arr.Entries)) != h.NumBases {
		return ErrCountMismatch
	}
	return arr.Validate(img)
}

// CompleteObjectLocator is the rtti4 record tying a vftable to its type
// descriptor and class hierarchy. Offset is the displacement of the
// sub-object the vftable serves within the complete object.
type CompleteObjectLocator struct {
	Addr          uint64
	Signature     uint32
	Offset        uint32
	CDOffset      uint32
	TypeDescAddr  uint64
	HierarchyAddr uint64
}

// ReadCompleteObjectLocator decodes the record at addr.
func (img Image) ReadCompleteObjectLocator(addr uint64) (*CompleteObjectLocator, error) {
	r := image.NewReader(img.Mem, addr, img.PtrSize)
	sig, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: object locator at %#x: %w", addr, err)
	}
	off, _ := r.ReadU32()
	cdOff, _ := r.ReadU32()
	tdOff, _ := r.ReadU32()
	chdOff, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("msvc: object locator at %#x: %w", addr, err)
	}
	return &CompleteObjectLocator{
		Addr:          addr,
		Signature:     sig,
		Offset:        off,
		CDOffset:      cdOff,
		TypeDescAddr:  img.ResolveIBO(tdOff),
		HierarchyAddr: img.ResolveIBO(chdOff),
	}, nil
}

// Validate checks the full chain the locator references.
func (l *CompleteObjectLocator) Validate(img Image) error {
	if l.Signature > 1 {
		return ErrBadSignature
	}
	td, err := img.ReadTypeDescriptor(l.TypeDescAddr)
	if err != nil {
		return err
	}
	if err := td.Validate(img); err != nil {
		return err
	}
	chd, err := img.ReadClassHierarchyDescriptor(l.HierarchyAddr)
	if err != nil {
		return err
	}
	return chd.Validate(img)
}
