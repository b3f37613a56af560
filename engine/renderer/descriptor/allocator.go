// Package descriptor sub-allocates CPU-visible descriptors and stages
// shader-visible descriptor tables for command recording.
//
// Freed descriptors are not reused straight away. They wait on their page
// until the fence of the last submission that could read them completes,
// and only ReleaseStaleDescriptors puts them back on the free list.
package descriptor

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

const DefaultPageSize uint32 = 256

type AllocatorConfig struct {
	Type gpu.HeapType
	// PageSize is the number of descriptors in a page. Larger requests get a
	// page of their own.
	PageSize uint32
	// Fence returns the value of the latest submission that may still read
	// a descriptor being freed now.
	Fence func() uint64
}

// Allocator owns the pages of one descriptor heap type. A single mutex
// guards the page list and every page in it.
type Allocator struct {
	device   gpu.Device
	typ      gpu.HeapType
	pageSize uint32
	stride   uint32
	fence    func() uint64

	mu        sync.Mutex
	pages     []*Page
	ids       *core.IdentifierTable
	destroyed bool
}

func NewAllocator(device gpu.Device, cfg *AllocatorConfig) (*Allocator, error) {
	if device == nil {
		return nil, errors.Wrap(core.ErrInvalidArgument, "descriptor allocator needs a device")
	}
	if cfg == nil {
		cfg = &AllocatorConfig{}
	}
	if cfg.Type < 0 || cfg.Type >= gpu.HeapTypeCount {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "heap type %d", cfg.Type)
	}
	a := &Allocator{
		device:   device,
		typ:      cfg.Type,
		pageSize: cfg.PageSize,
		stride:   device.DescriptorStride(cfg.Type),
		fence:    cfg.Fence,
		ids:      core.NewIdentifierTable(4),
	}
	if a.pageSize == 0 {
		a.pageSize = DefaultPageSize
	}
	if a.fence == nil {
		a.fence = func() uint64 { return 0 }
	}
	return a, nil
}

func (a *Allocator) Type() gpu.HeapType { return a.typ }
func (a *Allocator) PageSize() uint32   { return a.pageSize }

// Allocate returns count contiguous descriptors. It never waits on the GPU:
// when no page has a large enough free block, a new page of
// max(PageSize, count) descriptors is created.
func (a *Allocator) Allocate(count uint32) (*Allocation, error) {
	if count == 0 {
		return nil, errors.Wrap(core.ErrInvalidArgument, "descriptor count must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, errors.Wrap(core.ErrInvalidState, "descriptor allocator is destroyed")
	}

	for _, p := range a.pages {
		if !p.available || !p.HasSpace(count) {
			continue
		}
		if alloc, ok := a.allocateFrom(p, count); ok {
			return alloc, nil
		}
	}

	p, err := a.createPage(max(a.pageSize, count))
	if err != nil {
		return nil, err
	}
	alloc, _ := a.allocateFrom(p, count)
	return alloc, nil
}

func (a *Allocator) allocateFrom(p *Page, count uint32) (*Allocation, bool) {
	offset, ok := p.allocate(count)
	if !ok {
		return nil, false
	}
	if p.numFree == 0 {
		p.available = false
	}
	alloc := &Allocation{
		alloc:  a,
		page:   p.id,
		offset: offset,
		count:  count,
		stride: a.stride,
		base:   p.base.Offset(offset, a.stride),
	}
	alloc.live = p.live.Acquire(nil)
	return alloc, true
}

func (a *Allocator) createPage(size uint32) (*Page, error) {
	heap, err := a.device.CreateDescriptorHeap(a.typ, size, false)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "creating %d descriptor %s page", size, a.typ),
			core.ErrAllocationFailed,
		)
	}
	p := newPage(heap, a.stride, fmt.Sprintf("descriptor-page-%s", uuid.NewString()))
	p.id = a.ids.Acquire(p)
	a.pages = append(a.pages, p)
	core.MetricsCountDescriptorPage()
	core.LogDebug("%s allocator: created %s with %d descriptors", a.typ, p.name, size)
	return p, nil
}

// free queues the allocation's range on its page, tagged with the current
// fence value.
func (a *Allocator) free(alloc *Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.ids.Owner(alloc.page).(*Page)
	if !ok {
		return errors.Wrapf(core.ErrDoubleFree, "page %d of %s allocation is gone", alloc.page.Index, a.typ)
	}
	if err := p.live.Release(alloc.live); err != nil {
		return errors.Wrapf(core.ErrDoubleFree, "%s descriptors [%d, %d) on %s",
			a.typ, alloc.offset, alloc.offset+alloc.count, p.name)
	}
	p.retire(alloc.offset, alloc.count, a.fence())
	return nil
}

// ReleaseStaleDescriptors returns to the free lists every freed range whose
// fence value is at most completed, and reports how many ranges it released.
func (a *Allocator) ReleaseStaleDescriptors(completed uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, p := range a.pages {
		n += p.releaseStale(completed)
		if p.numFree > 0 {
			p.available = true
		}
	}
	return n
}

// Destroy releases every page. Allocations still live become dangling and
// must not be used.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.destroyed = true
	for _, p := range a.pages {
		if live := p.live.Live(); live > 0 {
			core.LogWarn("%s allocator: %s destroyed with %d live allocations", a.typ, p.name, live)
		}
		p.heap.Destroy()
		_ = a.ids.Release(p.id)
	}
	a.pages = nil
}

type PageStats struct {
	Name           string
	Capacity       uint32
	Free           uint32
	FreeBlocks     int
	PendingRelease int
	Live           int
}

type AllocatorStats struct {
	Type  gpu.HeapType
	Pages []PageStats
}

func (s AllocatorStats) Capacity() uint32 {
	var n uint32
	for _, p := range s.Pages {
		n += p.Capacity
	}
	return n
}

func (s AllocatorStats) Free() uint32 {
	var n uint32
	for _, p := range s.Pages {
		n += p.Free
	}
	return n
}

func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AllocatorStats{Type: a.typ, Pages: make([]PageStats, 0, len(a.pages))}
	for _, p := range a.pages {
		stats.Pages = append(stats.Pages, PageStats{
			Name:           p.name,
			Capacity:       p.capacity,
			Free:           p.numFree,
			FreeBlocks:     len(p.freeList),
			PendingRelease: p.pendingRelease(),
			Live:           p.live.Live(),
		})
	}
	return stats
}

// WriteStats writes a detailed map of every page and its free blocks.
func (a *Allocator) WriteStats(json jwriter.ObjectState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	json.Name("Type").String(a.typ.String())
	json.Name("PageSize").Int(int(a.pageSize))

	pages := json.Name("Pages").Array()
	defer pages.End()

	for _, p := range a.pages {
		obj := pages.Object()
		obj.Name("Name").String(p.name)
		obj.Name("Capacity").Int(int(p.capacity))
		obj.Name("Free").Int(int(p.numFree))
		obj.Name("Live").Int(p.live.Live())
		obj.Name("PendingRelease").Int(p.pendingRelease())

		blocks := obj.Name("FreeBlocks").Array()
		for _, b := range p.freeList {
			bo := blocks.Object()
			bo.Name("Offset").Int(int(b.offset))
			bo.Name("Size").Int(int(b.size))
			bo.End()
		}
		blocks.End()

		obj.End()
	}
}
