package descriptor

import (
	"slices"

	"github.com/spaghettifunk/fencepost/engine/containers"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

type freeBlock struct {
	offset uint32
	size   uint32
}

func (b freeBlock) end() uint32 { return b.offset + b.size }

type staleRange struct {
	offset uint32
	size   uint32
	fence  uint64
}

// Page is a fixed range of CPU-visible descriptors. Every field is guarded
// by the owning Allocator's mutex.
type Page struct {
	id        core.Identifier
	name      string
	heap      gpu.DescriptorHeap
	base      gpu.CPUDescriptor
	stride    uint32
	capacity  uint32
	numFree   uint32
	available bool

	// free blocks sorted by offset, never overlapping or touching
	freeList []freeBlock
	// released ranges waiting for their fence, in release order
	stale *containers.RingQueue[staleRange]
	// outstanding allocations, generation checked on free
	live *core.IdentifierTable
}

func newPage(heap gpu.DescriptorHeap, stride uint32, name string) *Page {
	n := heap.Len()
	return &Page{
		name:      name,
		heap:      heap,
		base:      heap.CPUStart(),
		stride:    stride,
		capacity:  n,
		numFree:   n,
		available: true,
		freeList:  []freeBlock{{offset: 0, size: n}},
		stale:     containers.NewGrowableRingQueue[staleRange](16),
		live:      core.NewIdentifierTable(16),
	}
}

func (p *Page) Name() string           { return p.name }
func (p *Page) Capacity() uint32       { return p.capacity }
func (p *Page) NumFree() uint32        { return p.numFree }
func (p *Page) HasSpace(n uint32) bool { return p.numFree >= n }

// allocate takes count descriptors from the smallest free block that can
// hold them, splitting off the front of the block.
func (p *Page) allocate(count uint32) (uint32, bool) {
	best := -1
	for i, b := range p.freeList {
		if b.size < count {
			continue
		}
		if best < 0 || b.size < p.freeList[best].size {
			best = i
			if b.size == count {
				break
			}
		}
	}
	if best < 0 {
		return 0, false
	}

	b := &p.freeList[best]
	offset := b.offset
	if b.size == count {
		p.freeList = slices.Delete(p.freeList, best, best+1)
	} else {
		b.offset += count
		b.size -= count
	}
	p.numFree -= count
	return offset, true
}

// retire queues a range for release once fence has completed.
func (p *Page) retire(offset, size uint32, fence uint64) {
	p.stale.Enqueue(staleRange{offset: offset, size: size, fence: fence})
}

// releaseStale returns every range whose fence has completed to the free
// list. Ranges are released in order, so the scan stops at the first one
// still in flight.
func (p *Page) releaseStale(completed uint64) int {
	n := 0
	for !p.stale.IsEmpty() {
		r, _ := p.stale.Peek()
		if r.fence > completed {
			break
		}
		p.stale.Dequeue()
		p.freeBlock(r.offset, r.size)
		n++
	}
	return n
}

// freeBlock inserts [offset, offset+size) into the free list, merging it
// with the blocks on either side when they touch.
func (p *Page) freeBlock(offset, size uint32) {
	i, _ := slices.BinarySearchFunc(p.freeList, offset, func(b freeBlock, off uint32) int {
		switch {
		case b.offset < off:
			return -1
		case b.offset > off:
			return 1
		}
		return 0
	})

	mergePrev := i > 0 && p.freeList[i-1].end() == offset
	mergeNext := i < len(p.freeList) && offset+size == p.freeList[i].offset

	switch {
	case mergePrev && mergeNext:
		p.freeList[i-1].size += size + p.freeList[i].size
		p.freeList = slices.Delete(p.freeList, i, i+1)
	case mergePrev:
		p.freeList[i-1].size += size
	case mergeNext:
		p.freeList[i].offset = offset
		p.freeList[i].size += size
	default:
		p.freeList = slices.Insert(p.freeList, i, freeBlock{offset: offset, size: size})
	}
	p.numFree += size
}

func (p *Page) pendingRelease() int {
	return p.stale.Len()
}
