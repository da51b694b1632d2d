package rtti

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"

	"github.com/skdltmxn/rtti-go/internal/demangle"
	"github.com/skdltmxn/rtti-go/internal/itanium"
)

// ItaniumABI reconstructs classes from the __class_type_info record
// family found in ELF images built against the Itanium C++ ABI.
type ItaniumABI struct{}

// NewItaniumABI creates the Itanium implementation of the ABI
// capability set.
func NewItaniumABI() *ItaniumABI {
	return &ItaniumABI{}
}

func (a *ItaniumABI) Name() string { return "itanium" }

func (a *ItaniumABI) img(p *Program) itanium.Image {
	return itanium.Image{Mem: p.Mem, PtrSize: p.PointerSize}
}

// classifier builds the typeinfo-kind mapping from the cxxabi vtable
// symbols present in the image. Typeinfo vtable pointers usually target
// the address point two slots past the symbol, so both addresses are
// registered.
func (a *ItaniumABI) classifier(p *Program) itanium.Classifier {
	kinds := make(map[uint64]itanium.TypeInfoKind)
	bias := uint64(2 * p.PointerSize)
	register := func(name string, kind itanium.TypeInfoKind) {
		for sym := range p.Symbols.All() {
			if sym.Name == name {
				kinds[sym.Addr] = kind
				kinds[sym.Addr+bias] = kind
				return
			}
		}
	}
	register(itanium.ClassTypeInfoVtable, itanium.KindClass)
	register(itanium.SingleTypeInfoVtable, itanium.KindSingle)
	register(itanium.VMITypeInfoVtable, itanium.KindVMI)
	return func(vtablePtr uint64) itanium.TypeInfoKind {
		return kinds[vtablePtr]
	}
}

// Candidates enumerates typeinfo symbol addresses. Stripped images
// without typeinfo symbols yield nothing; scanning for unlabeled
// records is not attempted.
func (a *ItaniumABI) Candidates(ctx context.Context, p *Program) ([]uint64, error) {
	var out []uint64
	for sym := range p.Symbols.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if demangle.IsItaniumTypeInfo(sym.Name) {
			out = append(out, sym.Addr)
		}
	}
	return out, nil
}

// ClassFrom reconstructs the class whose typeinfo record is at addr.
func (a *ItaniumABI) ClassFrom(ctx context.Context, p *Program, addr uint64) (*ClassTypeInfo, error) {
	r := &itaniumReconstruction{
		p:        p,
		abi:      a,
		img:      a.img(p),
		classify: a.classifier(p),
		cache:    make(map[uint64]*ClassTypeInfo),
		visited:  make(map[uint64]bool),
	}
	return r.fromTypeInfo(ctx, addr)
}

// itaniumReconstruction carries one reconstruction run's memo cache and
// the recursion-path visited set.
type itaniumReconstruction struct {
	p        *Program
	abi      *ItaniumABI
	img      itanium.Image
	classify itanium.Classifier

	cache   map[uint64]*ClassTypeInfo
	visited map[uint64]bool
}

func (r *itaniumReconstruction) fromTypeInfo(ctx context.Context, addr uint64) (*ClassTypeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c, ok := r.cache[addr]; ok {
		return c, nil
	}
	if r.visited[addr] {
		return nil, fmt.Errorf("%w: typeinfo %#x re-entered", ErrCyclicHierarchy, addr)
	}
	r.visited[addr] = true
	defer delete(r.visited, addr)

	ti, err := r.img.ReadTypeInfo(addr, r.classify)
	if err != nil {
		return nil, &InvalidDataError{Record: "typeinfo", Addr: addr, Message: "unreadable", Err: err}
	}
	if err := ti.Validate(r.img); err != nil {
		return nil, &InvalidDataError{Record: "typeinfo", Addr: addr, Message: "validation failed", Err: err}
	}

	cls := &ClassTypeInfo{
		addr:        addr,
		baseOffsets: make(map[uint64]int64),
	}
	if cn, err := demangle.ItaniumClassName(ti.Name); err == nil {
		cls.typeName = cn.String()
		cls.name = cn.Name()
		cls.namespace = cn.Namespace()
	} else {
		cls.typeName = ti.Name
		cls.name = ti.Name
	}

	type retainedBase struct {
		ref   itanium.BaseRef
		child *ClassTypeInfo
	}
	var retained []retainedBase
	seen := make(map[uint64]bool)

	for _, ref := range ti.Bases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child, err := r.fromTypeInfo(ctx, ref.TypeInfoAddr)
		if err != nil {
			return nil, err
		}
		retained = append(retained, retainedBase{ref: ref, child: child})
		cls.parents = append(cls.parents, child)

		for _, vp := range child.virtualParents {
			if !seen[vp.addr] {
				seen[vp.addr] = true
				cls.virtualParents = append(cls.virtualParents, vp)
			}
		}
		if ref.IsVirtual() && !seen[child.addr] {
			seen[child.addr] = true
			cls.virtualParents = append(cls.virtualParents, child)
		}
	}

	raw := r.findRawVtable(ti)
	cls.vtable = convertVtable(raw)
	for _, rb := range retained {
		cls.baseOffsets[rb.child.addr] = r.resolveBaseOffset(raw, rb.ref, rb.child, cls)
	}

	r.cache[addr] = cls
	return cls, nil
}

// findRawVtable locates the class's primary vtable through its _ZTV
// symbol and parses the groups anchored on the typeinfo address.
func (r *itaniumReconstruction) findRawVtable(ti *itanium.TypeInfo) *itanium.Vtable {
	addr, ok := r.findSymbol(ti, demangle.IsItaniumVtable)
	if !ok {
		return nil
	}
	vt, err := r.img.ReadVtable(addr, ti.Addr, 0)
	if err != nil {
		return nil
	}
	return vt
}

// findSymbol searches the class namespace first, then the whole
// directory, for a symbol that matches the predicate and demangles to
// the class's qualified name.
func (r *itaniumReconstruction) findSymbol(ti *itanium.TypeInfo, match func(string) bool) (uint64, bool) {
	want := ti.Name
	check := func(sym Symbol) bool {
		if !match(sym.Name) {
			return false
		}
		// "_ZTV" + mangled name; compare past the prefix
		return strings.HasSuffix(sym.Name, want)
	}
	if ns, ok := r.p.Symbols.NamespaceOf(ti.Addr); ok {
		for sym := range r.p.Symbols.SymbolsIn(ns) {
			if check(sym) {
				return sym.Addr, true
			}
		}
	}
	for sym := range r.p.Symbols.All() {
		if check(sym) {
			return sym.Addr, true
		}
	}
	return 0, false
}

// convertVtable maps a raw Itanium vtable into function table groups.
// The displacement of each group is the negated offset-to-top: a group
// dispatching for a sub-object at +16 carries offset-to-top -16.
func convertVtable(vt *itanium.Vtable) *Vtable {
	if vt == nil {
		return nil
	}
	groups := make([]FunctionTable, 0, len(vt.Groups))
	for _, g := range vt.Groups {
		groups = append(groups, FunctionTable{
			Addr:         g.AddressPoint,
			ServedType:   g.TypeInfoAddr,
			Displacement: -g.OffsetToTop,
			Entries:      g.Entries,
		})
	}
	return NewVtable(groups)
}

// resolveBaseOffset computes the byte offset of a direct base within
// the class. Non-virtual bases encode their offset in the typeinfo
// record. Virtual bases encode a vtable slot whose runtime value holds
// the displacement; without a vtable that value is unrecoverable.
func (r *itaniumReconstruction) resolveBaseOffset(vt *itanium.Vtable, ref itanium.BaseRef, child *ClassTypeInfo, cls *ClassTypeInfo) int64 {
	if !ref.IsVirtual() {
		return ref.Offset()
	}
	if vt != nil {
		if d, err := vt.VBaseOffset(r.img, ref.Offset()); err == nil {
			return d
		}
	}
	log.WithFields(log.Fields{
		"class": cls.typeName,
		"base":  child.typeName,
	}).Warn("virtual base displacement slot unreadable, offset unknown")
	return -1
}

// WalkVtable assigns function ownership over the class's vtable and the
// construction vtables listed in its VTT.
func (a *ItaniumABI) WalkVtable(ctx context.Context, p *Program, class *ClassTypeInfo) WalkResult {
	vtt := a.findVTT(p, class)
	return walkVtables(ctx, p, class, class.Vtable(), vtt)
}

// findVTT locates the class's _ZTT symbol and converts its entries into
// construction vtables. Address points already covered by the primary
// vtable are skipped: those entries dispatch for the complete object,
// not a sub-object under construction. Each remaining entry is parsed
// as a whole multi-group vtable, and the address points it spans are
// folded in so later VTT entries targeting its secondary groups do not
// start tables of their own.
func (a *ItaniumABI) findVTT(p *Program, class *ClassTypeInfo) *VTT {
	img := a.img(p)

	var vttAddr uint64
	found := false
	ns, ok := p.Symbols.NamespaceOf(class.addr)
	if ok {
		for sym := range p.Symbols.SymbolsIn(ns) {
			if demangle.IsItaniumVTT(sym.Name) {
				vttAddr = sym.Addr
				found = true
				break
			}
		}
	}
	if !found {
		return nil
	}

	raw, err := img.ReadVTT(vttAddr, 0)
	if err != nil {
		return nil
	}

	covered := make(map[uint64]bool)
	for _, g := range class.Vtable().Groups() {
		covered[g.Addr] = true
	}

	var tables []*Vtable
	for _, ap := range raw.Entries {
		if covered[ap] {
			continue
		}
		cv, err := img.ReadVtableAtAddressPoint(ap, 0)
		if err != nil {
			continue
		}
		for _, g := range cv.Groups {
			covered[g.AddressPoint] = true
		}
		tables = append(tables, convertVtable(cv))
	}
	if len(tables) == 0 {
		return nil
	}
	return NewVTT(tables)
}

var _ ABI = (*ItaniumABI)(nil)
