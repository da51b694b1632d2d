package rtti

import (
	"context"
	"fmt"

	"github.com/skdltmxn/rtti-go/internal/demangle"
	"github.com/skdltmxn/rtti-go/internal/msvc"
)

// msvcReconstruction carries the state of one reconstruction run: the
// memo cache of finished nodes and the visited set guarding the current
// recursion path against cyclic base graphs.
type msvcReconstruction struct {
	p   *Program
	abi *MSVCABI
	img msvc.Image

	cache   map[uint64]*ClassTypeInfo
	visited map[uint64]bool
}

// shouldIgnore reports whether a base descriptor denotes a non-virtual
// base already represented through another path. Such entries must not
// produce a duplicate structure member. Virtual bases are never ignored.
func shouldIgnore(b *msvc.BaseClassDescriptor) bool {
	return !b.IsVirtual() && b.IsAmbiguousRepeat()
}

// fromHierarchy builds the class node for a type descriptor whose
// hierarchy descriptor has already been resolved and validated.
func (r *msvcReconstruction) fromHierarchy(ctx context.Context, td *msvc.TypeDescriptor, chd *msvc.ClassHierarchyDescriptor) (*ClassTypeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c, ok := r.cache[td.Addr]; ok {
		return c, nil
	}
	if r.visited[td.Addr] {
		return nil, fmt.Errorf("%w: type descriptor %#x re-entered", ErrCyclicHierarchy, td.Addr)
	}
	r.visited[td.Addr] = true
	defer delete(r.visited, td.Addr)

	arr, err := chd.BaseArray(r.img)
	if err != nil {
		return nil, preValidated(chd.BaseArrayAddr, err)
	}

	cls := &ClassTypeInfo{
		addr:        td.Addr,
		baseOffsets: make(map[uint64]int64),
	}
	if cn, err := demangle.MSVCTypeName(td.RawName); err == nil {
		cls.typeName = cn.String()
		cls.name = cn.Name()
		cls.namespace = cn.Namespace()
	} else {
		cls.typeName = td.RawName
		cls.name = td.RawName
	}

	type retainedBase struct {
		bcd   *msvc.BaseClassDescriptor
		child *ClassTypeInfo
	}
	var retained []retainedBase
	seen := make(map[uint64]bool)

	// entry 0 is the class's own entry
	for i := 1; i < len(arr.Entries); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bcd, err := r.img.ReadBaseClassDescriptor(arr.Entries[i])
		if err != nil {
			return nil, preValidated(arr.Entries[i], err)
		}
		if err := bcd.Validate(r.img); err != nil {
			return nil, preValidated(bcd.Addr, err)
		}
		if shouldIgnore(bcd) {
			continue
		}

		child, err := r.fromBase(ctx, bcd)
		if err != nil {
			return nil, err
		}
		retained = append(retained, retainedBase{bcd: bcd, child: child})
		cls.parents = append(cls.parents, child)

		// diamond collapse: two paths reaching the same virtual base
		// contribute exactly one entry
		for _, vp := range child.virtualParents {
			if !seen[vp.addr] {
				seen[vp.addr] = true
				cls.virtualParents = append(cls.virtualParents, vp)
			}
		}
		if bcd.IsVirtual() && !seen[child.addr] {
			seen[child.addr] = true
			cls.virtualParents = append(cls.virtualParents, child)
		}
	}

	cls.vtable = r.abi.findVtable(r.p, td)
	for _, rb := range retained {
		cls.baseOffsets[rb.child.addr] = resolveBaseOffset(rb.bcd, rb.child, cls)
	}

	r.cache[td.Addr] = cls
	return cls, nil
}

// fromBase reconstructs a base class node, reusing the hierarchy chain
// the base descriptor already carries instead of re-running locator
// discovery. Descriptors without a hierarchy reference fall back to
// discovery.
func (r *msvcReconstruction) fromBase(ctx context.Context, bcd *msvc.BaseClassDescriptor) (*ClassTypeInfo, error) {
	td, err := r.img.ReadTypeDescriptor(bcd.TypeDescAddr)
	if err != nil {
		return nil, preValidated(bcd.TypeDescAddr, err)
	}

	var chd *msvc.ClassHierarchyDescriptor
	if bcd.HasHierarchyDescriptor() {
		chd, err = r.img.ReadClassHierarchyDescriptor(bcd.HierarchyAddr)
		if err != nil {
			return nil, preValidated(bcd.HierarchyAddr, err)
		}
	} else {
		chd, err = r.abi.findHierarchy(ctx, r.p, td)
		if err != nil {
			return nil, err
		}
		if chd == nil {
			return nil, &InvalidDataError{Record: "hierarchy descriptor", Addr: td.Addr, Message: "absent after discovery", Err: ErrNoHierarchy}
		}
	}
	return r.fromHierarchy(ctx, td, chd)
}
