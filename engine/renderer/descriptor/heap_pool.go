package descriptor

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

const DefaultHeapSize uint32 = 1024

// HeapPool recycles shader-visible descriptor heaps of one type between
// recording contexts. A heap handed out by Request belongs to its caller
// until it is given back with Return.
type HeapPool struct {
	device gpu.Device
	typ    gpu.HeapType
	size   uint32

	mu        sync.Mutex
	created   int
	available []gpu.DescriptorHeap
	all       []gpu.DescriptorHeap
	destroyed bool
}

func NewHeapPool(device gpu.Device, t gpu.HeapType, size uint32) (*HeapPool, error) {
	if !t.ShaderVisible() {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "%s heaps cannot be shader-visible", t)
	}
	if size == 0 {
		size = DefaultHeapSize
	}
	return &HeapPool{device: device, typ: t, size: size}, nil
}

func (p *HeapPool) Type() gpu.HeapType { return p.typ }

// HeapSize is the number of descriptors in each heap.
func (p *HeapPool) HeapSize() uint32 { return p.size }

func (p *HeapPool) Request() (gpu.DescriptorHeap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, errors.Wrap(core.ErrInvalidState, "heap pool is destroyed")
	}
	if n := len(p.available); n > 0 {
		h := p.available[n-1]
		p.available = p.available[:n-1]
		return h, nil
	}

	h, err := p.device.CreateDescriptorHeap(p.typ, p.size, true)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "creating shader-visible %s heap %d", p.typ, p.created),
			core.ErrAllocationFailed,
		)
	}
	p.created++
	p.all = append(p.all, h)
	core.MetricsCountGPUHeap()
	core.LogDebug("created shader-visible %s heap #%d (%d descriptors)", p.typ, p.created, p.size)
	return h, nil
}

// Return gives heaps back to the pool. The caller must know the GPU is done
// reading them.
func (p *HeapPool) Return(heaps ...gpu.DescriptorHeap) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	for _, h := range heaps {
		if h != nil {
			p.available = append(p.available, h)
		}
	}
}

// Len returns the number of heaps the pool has created.
func (p *HeapPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *HeapPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

func (p *HeapPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	p.destroyed = true
	if out := len(p.all) - len(p.available); out > 0 {
		core.LogWarn("%s heap pool destroyed with %d heaps still handed out", p.typ, out)
	}
	for _, h := range p.all {
		h.Destroy()
	}
	p.all = nil
	p.available = nil
}
