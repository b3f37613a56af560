package gpu

import "fmt"

// QueueType identifies the kind of hardware queue a command list is
// recorded for.
type QueueType int

const (
	// QueueDirect accepts draw, dispatch and copy commands.
	QueueDirect QueueType = iota
	// QueueCompute accepts dispatch and copy commands.
	QueueCompute
	// QueueCopy accepts copy commands only.
	QueueCopy

	QueueTypeCount = 3
)

func (t QueueType) String() string {
	switch t {
	case QueueDirect:
		return "direct"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	}
	return fmt.Sprintf("QueueType(%d)", int(t))
}

// HeapType identifies the kind of descriptors stored in a descriptor heap.
type HeapType int

const (
	HeapCBVSRVUAV HeapType = iota
	HeapSampler
	HeapRTV
	HeapDSV

	HeapTypeCount = 4
)

func (t HeapType) String() string {
	switch t {
	case HeapCBVSRVUAV:
		return "cbv_srv_uav"
	case HeapSampler:
		return "sampler"
	case HeapRTV:
		return "rtv"
	case HeapDSV:
		return "dsv"
	}
	return fmt.Sprintf("HeapType(%d)", int(t))
}

// ShaderVisible reports whether heaps of this type can be bound for shader
// access.
func (t HeapType) ShaderVisible() bool {
	return t == HeapCBVSRVUAV || t == HeapSampler
}

// CPUDescriptor is the address of a descriptor in CPU-visible descriptor
// memory. The zero value is the null descriptor.
type CPUDescriptor uint64

func (d CPUDescriptor) Offset(n, stride uint32) CPUDescriptor {
	return d + CPUDescriptor(uint64(n)*uint64(stride))
}

func (d CPUDescriptor) IsNull() bool { return d == 0 }

// GPUDescriptor is the address of a descriptor in shader-visible
// descriptor memory.
type GPUDescriptor uint64

func (d GPUDescriptor) Offset(n, stride uint32) GPUDescriptor {
	return d + GPUDescriptor(uint64(n)*uint64(stride))
}

func (d GPUDescriptor) IsNull() bool { return d == 0 }

// DeviceAddress is a virtual address of buffer memory as seen by the GPU.
type DeviceAddress uint64

// BindPoint selects which pipeline a binding applies to.
type BindPoint int

const (
	BindGraphics BindPoint = iota
	BindCompute
)

func (b BindPoint) String() string {
	if b == BindCompute {
		return "compute"
	}
	return "graphics"
}

// InlineKind is the kind of a root-level (inline) buffer view.
type InlineKind int

const (
	InlineCBV InlineKind = iota
	InlineSRV
	InlineUAV

	InlineKindCount = 3
)

func (k InlineKind) String() string {
	switch k {
	case InlineCBV:
		return "cbv"
	case InlineSRV:
		return "srv"
	case InlineUAV:
		return "uav"
	}
	return fmt.Sprintf("InlineKind(%d)", int(k))
}

// ViewKind is what a descriptor describes.
type ViewKind int

const (
	ViewNull ViewKind = iota
	ViewCBV
	ViewSRV
	ViewUAV
	ViewSampler
	ViewRTV
	ViewDSV
)

// HeapType returns the heap type able to hold a view of this kind.
func (k ViewKind) HeapType() HeapType {
	switch k {
	case ViewSampler:
		return HeapSampler
	case ViewRTV:
		return HeapRTV
	case ViewDSV:
		return HeapDSV
	}
	return HeapCBVSRVUAV
}

// ViewDesc is the content of a descriptor.
type ViewDesc struct {
	Kind    ViewKind
	Address DeviceAddress
	Size    uint64
}

// DescriptorSpan is a run of contiguous descriptors.
type DescriptorSpan struct {
	Start CPUDescriptor
	Count uint32
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Size uint64
	// HostVisible buffers are persistently mapped and writable by the CPU.
	HostVisible bool
	Name        string
}
