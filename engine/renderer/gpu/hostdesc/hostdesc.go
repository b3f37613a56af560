// Package hostdesc keeps descriptors in host memory.
//
// A Space hands out non-overlapping CPU and GPU address ranges to the heaps
// created in it and resolves addresses back to heap slots, which is all a
// backend needs to implement descriptor creation and copies without
// driver-side descriptor memory.
package hostdesc

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

const (
	cpuBase uint64 = 1 << 16
	gpuBase uint64 = 1 << 40
)

// Strides used by the descriptor address space, in bytes.
var defaultStrides = [gpu.HeapTypeCount]uint32{
	gpu.HeapCBVSRVUAV: 32,
	gpu.HeapSampler:   32,
	gpu.HeapRTV:       32,
	gpu.HeapDSV:       32,
}

type Space struct {
	mu      sync.RWMutex
	strides [gpu.HeapTypeCount]uint32
	nextCPU uint64
	nextGPU uint64
	// live heaps sorted by CPU start
	heaps []*Heap
	// live shader-visible heaps sorted by GPU start
	visible []*Heap
	// MaxHeaps limits the number of live heaps, zero means unlimited.
	MaxHeaps int
}

func NewSpace() *Space {
	return &Space{
		strides: defaultStrides,
		nextCPU: cpuBase,
		nextGPU: gpuBase,
	}
}

func (s *Space) Stride(t gpu.HeapType) uint32 {
	return s.strides[t]
}

// Live returns the number of heaps that were created and not destroyed.
func (s *Space) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.heaps)
}

func (s *Space) NewHeap(t gpu.HeapType, n uint32, shaderVisible bool) (*Heap, error) {
	if t < 0 || t >= gpu.HeapTypeCount {
		return nil, errors.Newf("bad heap type %d", t)
	}
	if n == 0 {
		return nil, errors.New("descriptor heap must hold at least one descriptor")
	}
	if shaderVisible && !t.ShaderVisible() {
		return nil, errors.Newf("%s heaps cannot be shader-visible", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MaxHeaps > 0 && len(s.heaps) >= s.MaxHeaps {
		return nil, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "descriptor heap limit of %d reached", s.MaxHeaps)
	}

	stride := uint64(s.strides[t])
	size := uint64(n) * stride
	h := &Heap{
		space:    s,
		typ:      t,
		n:        n,
		views:    make([]gpu.ViewDesc, n),
		stride:   uint32(stride),
		visible:  shaderVisible,
		cpuStart: gpu.CPUDescriptor(s.nextCPU),
	}
	// Leave a one-descriptor gap so ranges never touch.
	s.nextCPU += size + stride
	if shaderVisible {
		h.gpuStart = gpu.GPUDescriptor(s.nextGPU)
		s.nextGPU += size + stride
	}
	// Addresses only grow, so appending keeps both lists sorted.
	s.heaps = append(s.heaps, h)
	if shaderVisible {
		s.visible = append(s.visible, h)
	}
	return h, nil
}

// Resolve returns the heap and index holding the descriptor at d.
func (s *Space) Resolve(d gpu.CPUDescriptor, t gpu.HeapType) (*Heap, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, found := slices.BinarySearchFunc(s.heaps, d, func(h *Heap, d gpu.CPUDescriptor) int {
		switch {
		case d < h.cpuStart:
			return 1
		case d >= h.cpuEnd():
			return -1
		}
		return 0
	})
	if !found {
		return nil, 0, errors.Wrapf(gpu.ErrInvalidHandle, "cpu descriptor %#x", uint64(d))
	}
	h := s.heaps[i]
	idx, err := h.index(uint64(d-h.cpuStart), t)
	return h, idx, err
}

// ResolveGPU returns the shader-visible heap and index holding the
// descriptor at d.
func (s *Space) ResolveGPU(d gpu.GPUDescriptor, t gpu.HeapType) (*Heap, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, found := slices.BinarySearchFunc(s.visible, d, func(h *Heap, d gpu.GPUDescriptor) int {
		switch {
		case d < h.gpuStart:
			return 1
		case d >= h.gpuEnd():
			return -1
		}
		return 0
	})
	if !found {
		return nil, 0, errors.Wrapf(gpu.ErrInvalidHandle, "gpu descriptor %#x", uint64(d))
	}
	h := s.visible[i]
	idx, err := h.index(uint64(d-h.gpuStart), t)
	return h, idx, err
}

// CreateView writes desc at dst.
func (s *Space) CreateView(desc gpu.ViewDesc, dst gpu.CPUDescriptor) error {
	h, idx, err := s.Resolve(dst, desc.Kind.HeapType())
	if err != nil {
		return err
	}
	h.set(idx, desc)
	return nil
}

// View returns the descriptor stored at d. The null descriptor reads as an
// empty ViewDesc.
func (s *Space) View(d gpu.CPUDescriptor, t gpu.HeapType) (gpu.ViewDesc, error) {
	if d.IsNull() {
		return gpu.ViewDesc{}, nil
	}
	h, idx, err := s.Resolve(d, t)
	if err != nil {
		return gpu.ViewDesc{}, err
	}
	return h.get(idx), nil
}

func (s *Space) CopySimple(n uint32, dst, src gpu.CPUDescriptor, t gpu.HeapType) error {
	return s.Copy([]gpu.DescriptorSpan{{Start: dst, Count: n}}, []gpu.DescriptorSpan{{Start: src, Count: n}}, t)
}

// Copy copies the descriptors of src into dst. Null source descriptors
// produce null destination descriptors.
func (s *Space) Copy(dst, src []gpu.DescriptorSpan, t gpu.HeapType) error {
	var nsrc, ndst uint64
	for _, r := range src {
		nsrc += uint64(r.Count)
	}
	for _, r := range dst {
		ndst += uint64(r.Count)
	}
	if nsrc != ndst {
		return errors.Newf("descriptor copy size mismatch: %d source, %d destination", nsrc, ndst)
	}

	views := make([]gpu.ViewDesc, 0, nsrc)
	stride := s.strides[t]
	for _, r := range src {
		if r.Start.IsNull() {
			views = append(views, make([]gpu.ViewDesc, r.Count)...)
			continue
		}
		for i := uint32(0); i < r.Count; i++ {
			v, err := s.View(r.Start.Offset(i, stride), t)
			if err != nil {
				return err
			}
			views = append(views, v)
		}
	}
	k := 0
	for _, r := range dst {
		for i := uint32(0); i < r.Count; i++ {
			h, idx, err := s.Resolve(r.Start.Offset(i, stride), t)
			if err != nil {
				return err
			}
			h.set(idx, views[k])
			k++
		}
	}
	return nil
}

func (s *Space) remove(h *Heap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heaps = slices.DeleteFunc(s.heaps, func(x *Heap) bool { return x == h })
	if h.visible {
		s.visible = slices.DeleteFunc(s.visible, func(x *Heap) bool { return x == h })
	}
}

// Heap is a descriptor heap stored in host memory. It implements
// gpu.DescriptorHeap.
type Heap struct {
	space    *Space
	typ      gpu.HeapType
	n        uint32
	stride   uint32
	visible  bool
	cpuStart gpu.CPUDescriptor
	gpuStart gpu.GPUDescriptor

	mu        sync.RWMutex
	views     []gpu.ViewDesc
	destroyed bool
}

func (h *Heap) Type() gpu.HeapType          { return h.typ }
func (h *Heap) Len() uint32                 { return h.n }
func (h *Heap) ShaderVisible() bool         { return h.visible }
func (h *Heap) CPUStart() gpu.CPUDescriptor { return h.cpuStart }
func (h *Heap) GPUStart() gpu.GPUDescriptor { return h.gpuStart }

func (h *Heap) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	h.views = nil
	h.mu.Unlock()
	h.space.remove(h)
}

// ViewAt returns the descriptor at index i.
func (h *Heap) ViewAt(i uint32) gpu.ViewDesc {
	return h.get(i)
}

func (h *Heap) cpuEnd() gpu.CPUDescriptor {
	return h.cpuStart + gpu.CPUDescriptor(uint64(h.n)*uint64(h.stride))
}

func (h *Heap) gpuEnd() gpu.GPUDescriptor {
	return h.gpuStart + gpu.GPUDescriptor(uint64(h.n)*uint64(h.stride))
}

func (h *Heap) index(off uint64, t gpu.HeapType) (uint32, error) {
	if h.typ != t {
		return 0, errors.Wrapf(gpu.ErrInvalidHandle, "descriptor belongs to a %s heap, not %s", h.typ, t)
	}
	if off%uint64(h.stride) != 0 {
		return 0, errors.Wrapf(gpu.ErrInvalidHandle, "misaligned descriptor offset %d", off)
	}
	return uint32(off / uint64(h.stride)), nil
}

func (h *Heap) get(i uint32) gpu.ViewDesc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(i) >= len(h.views) {
		return gpu.ViewDesc{}
	}
	return h.views[i]
}

func (h *Heap) set(i uint32, v gpu.ViewDesc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(i) < len(h.views) {
		h.views[i] = v
	}
}
