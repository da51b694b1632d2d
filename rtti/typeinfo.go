package rtti

// ClassTypeInfo is a reconstructed class node: its name, direct parents
// in declaration order, the transitive virtual-parent set, per-base byte
// offsets, and the class vtable. Nodes are transient reconstruction
// artifacts; identity is the underlying type record address.
type ClassTypeInfo struct {
	typeName  string
	name      string
	namespace string
	addr      uint64

	parents        []*ClassTypeInfo
	virtualParents []*ClassTypeInfo
	baseOffsets    map[uint64]int64

	vtable *Vtable
}

// TypeName returns the fully qualified class name.
func (c *ClassTypeInfo) TypeName() string { return c.typeName }

// Name returns the unqualified class name.
func (c *ClassTypeInfo) Name() string { return c.name }

// Namespace returns the enclosing namespace, "" for top-level classes.
func (c *ClassTypeInfo) Namespace() string { return c.namespace }

// Address returns the type record address that identifies the class.
func (c *ClassTypeInfo) Address() uint64 { return c.addr }

// Parents returns the direct parents in declaration order. The class's
// own self entry and ignored repeat entries are excluded.
func (c *ClassTypeInfo) Parents() []*ClassTypeInfo { return c.parents }

// VirtualParents returns the transitive virtual bases, deduplicated by
// type record address, in first-reached order.
func (c *ClassTypeInfo) VirtualParents() []*ClassTypeInfo { return c.virtualParents }

// OffsetOf returns the byte offset of a direct base sub-object within
// this class. Unresolved virtual-base offsets are reported as -1.
func (c *ClassTypeInfo) OffsetOf(parent *ClassTypeInfo) (int64, bool) {
	off, ok := c.baseOffsets[parent.addr]
	return off, ok
}

// Vtable returns the class vtable. The result may be the no-vtable
// sentinel; check Valid.
func (c *ClassTypeInfo) Vtable() *Vtable { return c.vtable }

// Equal reports whether both nodes identify the same underlying type
// record.
func (c *ClassTypeInfo) Equal(o *ClassTypeInfo) bool {
	return o != nil && c.addr == o.addr
}

// FunctionTable is one dispatch table group within a vtable.
type FunctionTable struct {
	// Addr is where the group's usable entries begin.
	Addr uint64

	// ServedType is the type record address of the sub-object this
	// group dispatches for.
	ServedType uint64

	// Displacement is the signed byte displacement of that sub-object
	// within the complete object.
	Displacement int64

	// Entries are the function pointer slots in table order.
	Entries []uint64
}

// Vtable is an ordered list of function table groups. Group 0 is the
// primary dispatch table; later groups serve secondary bases.
type Vtable struct {
	groups []FunctionTable
}

// NewVtable creates a vtable from its groups.
func NewVtable(groups []FunctionTable) *Vtable {
	return &Vtable{groups: groups}
}

// Valid reports whether the vtable exists. A nil or empty vtable is the
// "no vtable" sentinel.
func (v *Vtable) Valid() bool {
	return v != nil && len(v.groups) > 0
}

// Groups returns the function table groups in address order.
func (v *Vtable) Groups() []FunctionTable {
	if v == nil {
		return nil
	}
	return v.groups
}

// virtualDisplacement finds the group serving the given type record and
// returns its displacement. Group 0 never matches: the primary table
// serves the class itself.
func (v *Vtable) virtualDisplacement(typeAddr uint64) (int64, bool) {
	if !v.Valid() {
		return 0, false
	}
	for i, g := range v.groups {
		if i == 0 {
			continue
		}
		if g.ServedType == typeAddr {
			return g.Displacement, true
		}
	}
	return 0, false
}

// VTT is the virtual table table: the construction vtables used while
// building virtual-base sub-objects.
type VTT struct {
	tables []*Vtable
}

// NewVTT creates a VTT from construction vtables.
func NewVTT(tables []*Vtable) *VTT {
	return &VTT{tables: tables}
}

// Valid reports whether the VTT exists and lists at least one
// construction vtable.
func (t *VTT) Valid() bool {
	return t != nil && len(t.tables) > 0
}

// ConstructionVtables returns the construction vtables in table order.
func (t *VTT) ConstructionVtables() []*Vtable {
	if t == nil {
		return nil
	}
	return t.tables
}
