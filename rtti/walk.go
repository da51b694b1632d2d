package rtti

import (
	"context"
	"errors"
	"fmt"
)

// WalkStatus is the terminal state of a vtable walk.
type WalkStatus int

const (
	WalkSucceeded WalkStatus = iota
	WalkCancelled
	WalkFailed
)

func (s WalkStatus) String() string {
	switch s {
	case WalkSucceeded:
		return "succeeded"
	case WalkCancelled:
		return "cancelled"
	case WalkFailed:
		return "failed"
	default:
		return fmt.Sprintf("WalkStatus(%d)", int(s))
	}
}

// WalkResult reports what a vtable walk did. Owned lists the function
// addresses assigned to the class, Thunks the thunk stubs materialized
// along the way.
type WalkResult struct {
	Status WalkStatus
	Reason string
	Owned  []uint64
	Thunks []uint64
}

func failed(err error) WalkResult {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WalkResult{Status: WalkCancelled, Reason: err.Error()}
	}
	return WalkResult{Status: WalkFailed, Reason: err.Error()}
}

// walkVtables assigns ownership over a class's vtables. Construction
// vtables are processed before the primary table so that sub-object
// dispatch entries are claimed under the owning class first.
func walkVtables(ctx context.Context, p *Program, class *ClassTypeInfo, primary *Vtable, vtt *VTT) WalkResult {
	res := WalkResult{Status: WalkSucceeded}
	if vtt.Valid() {
		for _, cv := range vtt.ConstructionVtables() {
			if err := ctx.Err(); err != nil {
				return failed(err)
			}
			r := walkOne(ctx, p, class, cv)
			if r.Status != WalkSucceeded {
				return r
			}
			res.Owned = append(res.Owned, r.Owned...)
			res.Thunks = append(res.Thunks, r.Thunks...)
		}
	}
	if primary.Valid() {
		r := walkOne(ctx, p, class, primary)
		if r.Status != WalkSucceeded {
			return r
		}
		res.Owned = append(res.Owned, r.Owned...)
		res.Thunks = append(res.Thunks, r.Thunks...)
	}
	return res
}

// walkOne walks a single vtable. Group 0 entries belong to the class
// itself; later groups serve base sub-objects, so their entries either
// resolve to thunks or are claimed for the class directly.
func walkOne(ctx context.Context, p *Program, class *ClassTypeInfo, vt *Vtable) WalkResult {
	res := WalkResult{Status: WalkSucceeded}
	if p.Listing == nil {
		return res
	}
	for gi, g := range vt.Groups() {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}
		for _, fn := range g.Entries {
			if err := ctx.Err(); err != nil {
				return failed(err)
			}
			if !p.Listing.IsDefaultFunction(fn) {
				continue
			}
			if gi > 0 {
				if target, ok := p.Listing.ResolveThunk(fn); ok {
					cmd := &CreateThunkCommand{Addr: fn, Target: target}
					if err := cmd.Apply(ctx, p); err != nil {
						return failed(fmt.Errorf("thunk at %#x: %w", fn, err))
					}
					res.Thunks = append(res.Thunks, fn)
					continue
				}
			}
			if err := p.Listing.AssignOwner(class, fn); err != nil {
				return failed(fmt.Errorf("assign %#x to %s: %w", fn, class.typeName, err))
			}
			res.Owned = append(res.Owned, fn)
		}
	}
	return res
}
