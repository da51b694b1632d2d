package rtti

import (
	"context"
	"iter"
	"sort"

	"github.com/skdltmxn/rtti-go/image"
)

// Symbol is one entry in a symbol directory.
type Symbol struct {
	Name string
	Addr uint64
}

// SymbolDirectory lists symbols by namespace and resolves the namespace
// owning an address. Implementations are read-only snapshots.
type SymbolDirectory interface {
	// SymbolsIn iterates the symbols under a namespace.
	SymbolsIn(namespace string) iter.Seq[Symbol]

	// All iterates every symbol in the directory.
	All() iter.Seq[Symbol]

	// NamespaceOf returns the namespace the construct at addr belongs to.
	NamespaceOf(addr uint64) (string, bool)
}

// AddrRange is a half-open [Start, End) address range.
type AddrRange struct {
	Start, End uint64
}

// Contains reports whether addr falls inside the range.
func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Listing answers questions about functions in the image and records
// ownership. All mutations are idempotent: repeating an assignment is a
// no-op.
type Listing interface {
	// IsDefaultFunction reports whether the function at addr is a
	// compiler default, i.e. not independently defined.
	IsDefaultFunction(addr uint64) bool

	// ResolveThunk reports whether addr is a thunk stub and, if so, the
	// target it forwards to.
	ResolveThunk(addr uint64) (target uint64, ok bool)

	// AssignOwner records that the class owns the function at addr.
	AssignOwner(class *ClassTypeInfo, addr uint64) error
}

// Program binds an image snapshot to the directories needed for
// reconstruction. All fields are set before use and never mutated.
type Program struct {
	Mem         image.Memory
	Symbols     SymbolDirectory
	PointerSize int
	Format      image.Format

	// ExceptionRanges marks exception-handling metadata; heuristic scans
	// reject candidates inside them.
	ExceptionRanges []AddrRange

	// Materializer persists discovered records. Optional.
	Materializer Materializer

	// Listing drives the vtable ownership walk. Optional; without it the
	// walk reports success with nothing assigned.
	Listing Listing
}

// NewProgram creates a Program over a loaded flat image. The image's
// exception directory, when present, seeds ExceptionRanges so heuristic
// scans skip unwind metadata.
func NewProgram(img *image.Flat, symbols SymbolDirectory) *Program {
	p := &Program{
		Mem:         img,
		Symbols:     symbols,
		PointerSize: img.PointerSize(),
		Format:      img.Format(),
	}
	if addr, size := img.ExceptionData(); size != 0 {
		p.ExceptionRanges = []AddrRange{{Start: addr, End: addr + size}}
	}
	return p
}

// ResolveIBO32 decodes an image-base-relative 32-bit offset.
func (p *Program) ResolveIBO32(off uint32) uint64 {
	return p.Mem.Base() + uint64(off)
}

// InExceptionData reports whether addr falls inside known
// exception-handling metadata.
func (p *Program) InExceptionData(addr uint64) bool {
	for _, r := range p.ExceptionRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// ABI is the capability set a binary format provides: class candidate
// enumeration, hierarchy reconstruction (including locator discovery and
// offset resolution), and the vtable function-ownership walk.
type ABI interface {
	// Name identifies the ABI.
	Name() string

	// Candidates enumerates type record seed addresses found in the image.
	Candidates(ctx context.Context, p *Program) ([]uint64, error)

	// ClassFrom reconstructs the class whose type record is at addr.
	ClassFrom(ctx context.Context, p *Program, addr uint64) (*ClassTypeInfo, error)

	// WalkVtable assigns function ownership over the class's vtable and,
	// when present, its construction vtables.
	WalkVtable(ctx context.Context, p *Program, class *ClassTypeInfo) WalkResult
}

// DetectABI picks the ABI implementation for the program's format.
func DetectABI(p *Program) (ABI, error) {
	switch p.Format {
	case image.FormatPE:
		return NewMSVCABI(), nil
	case image.FormatELF:
		return NewItaniumABI(), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

// SymbolMap is a map-backed SymbolDirectory.
type SymbolMap struct {
	byNS     map[string][]Symbol
	nsByAddr map[uint64]string
}

// NewSymbolMap creates an empty SymbolMap.
func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		byNS:     make(map[string][]Symbol),
		nsByAddr: make(map[uint64]string),
	}
}

// Add places a symbol under a namespace.
func (m *SymbolMap) Add(namespace string, sym Symbol) {
	m.byNS[namespace] = append(m.byNS[namespace], sym)
	m.nsByAddr[sym.Addr] = namespace
}

// SymbolsIn implements SymbolDirectory. Symbols are yielded sorted by
// address.
func (m *SymbolMap) SymbolsIn(namespace string) iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		syms := make([]Symbol, len(m.byNS[namespace]))
		copy(syms, m.byNS[namespace])
		sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
		for _, s := range syms {
			if !yield(s) {
				return
			}
		}
	}
}

// All implements SymbolDirectory. Iteration order follows namespace
// order, then address.
func (m *SymbolMap) All() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for _, ns := range m.Namespaces() {
			for s := range m.SymbolsIn(ns) {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// NamespaceOf implements SymbolDirectory.
func (m *SymbolMap) NamespaceOf(addr uint64) (string, bool) {
	ns, ok := m.nsByAddr[addr]
	return ns, ok
}

// Namespaces returns all namespaces with at least one symbol.
func (m *SymbolMap) Namespaces() []string {
	out := make([]string, 0, len(m.byNS))
	for ns := range m.byNS {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
