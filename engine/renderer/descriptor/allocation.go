package descriptor

import (
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

// Allocation is a contiguous run of CPU-visible descriptors. It has a single
// owner: hand it on with Move, and give it back with Free. The page is
// referenced by identifier only, so a stale copy cannot free someone else's
// range.
type Allocation struct {
	alloc  *Allocator
	page   core.Identifier
	live   core.Identifier
	base   gpu.CPUDescriptor
	offset uint32
	count  uint32
	stride uint32
}

// Descriptor returns the address of the i-th descriptor.
func (a *Allocation) Descriptor(i uint32) gpu.CPUDescriptor {
	if a.IsNull() || i >= a.count {
		return 0
	}
	return a.base.Offset(i, a.stride)
}

func (a *Allocation) Count() uint32  { return a.count }
func (a *Allocation) Offset() uint32 { return a.offset }
func (a *Allocation) Stride() uint32 { return a.stride }

// IsNull reports whether the allocation was freed, moved from or never
// allocated.
func (a *Allocation) IsNull() bool {
	return a == nil || a.alloc == nil
}

// Move transfers ownership to the returned allocation and nulls a.
func (a *Allocation) Move() *Allocation {
	if a.IsNull() {
		return &Allocation{}
	}
	moved := *a
	*a = Allocation{}
	return &moved
}

// Free hands the descriptors back to their page, where they stay until the
// current fence value completes. Freeing a null allocation does nothing.
// Freeing a copy of an allocation that was already freed returns
// core.ErrDoubleFree.
func (a *Allocation) Free() error {
	if a.IsNull() {
		return nil
	}
	if err := a.alloc.free(a); err != nil {
		return err
	}
	*a = Allocation{}
	return nil
}
