package gpu

// Device is the interface to an underlying GPU implementation.
// It is used to create queues, command lists, descriptor heaps and
// buffers. All methods are safe for concurrent use.
type Device interface {
	// Name identifies the implementation, e.g. "headless".
	Name() string

	// Queue returns the hardware queue of the given type.
	// There is exactly one queue per type and it lives as long
	// as the device.
	Queue(t QueueType) (Queue, error)

	// CreateCommandList creates a command list whose commands
	// can be submitted to queues of type t.
	// The list is created in the closed state; call Reset
	// before recording.
	CreateCommandList(t QueueType) (CommandList, error)

	// CreateDescriptorHeap creates a heap holding n descriptors
	// of type t. Only HeapCBVSRVUAV and HeapSampler heaps can be
	// shader-visible.
	CreateDescriptorHeap(t HeapType, n uint32, shaderVisible bool) (DescriptorHeap, error)

	// CreateBuffer creates a buffer.
	CreateBuffer(desc BufferDesc) (Buffer, error)

	// CreateView writes a descriptor at dst.
	CreateView(desc ViewDesc, dst CPUDescriptor) error

	// CopyDescriptorsSimple copies n contiguous descriptors.
	// dst may be a shader-visible heap's CPU range.
	CopyDescriptorsSimple(n uint32, dst, src CPUDescriptor, t HeapType) error

	// CopyDescriptors copies the concatenation of src into the
	// concatenation of dst. Both must describe the same number of
	// descriptors.
	CopyDescriptors(dst, src []DescriptorSpan, t HeapType) error

	// DescriptorStride returns the distance in bytes between two
	// consecutive descriptors of type t.
	DescriptorStride(t HeapType) uint32

	// Close waits for every queue to go idle and releases the
	// device. Objects created from the device must be destroyed
	// before calling Close.
	Close() error
}

// Queue is a hardware queue with a monotonic fence.
//
// The fence is a 64-bit counter which the queue advances when it
// executes a Signal. Values signaled on a queue must strictly
// increase. Commands submitted to a queue execute in submission
// order with respect to the queue's signals and waits.
type Queue interface {
	Type() QueueType

	// Submit hands a batch of closed command lists to the queue.
	// The lists cannot be reset until a later Signal on this
	// queue has completed.
	Submit(lists []CommandList) error

	// Signal enqueues a fence update to value. It does not block.
	Signal(value uint64) error

	// Wait makes subsequent work on this queue wait until the
	// fence of other reaches value. It does not block the caller.
	Wait(other Queue, value uint64) error

	// CompletedValue returns the last fence value the queue has
	// finished executing.
	CompletedValue() (uint64, error)

	// WaitValue blocks the caller until the fence reaches value.
	// It returns ErrDeviceLost if the device is lost meanwhile.
	WaitValue(value uint64) error
}

// CommandList records commands for later submission.
// Recording methods do not report errors; errors are deferred to
// Close, which fails if any recorded command was invalid.
type CommandList interface {
	Destroyer

	Type() QueueType

	// Reset discards recorded commands and opens the list for
	// recording. The list must not be pending execution.
	Reset() error

	// Close ends recording.
	Close() error

	// SetDescriptorHeaps sets the shader-visible heaps that
	// subsequent descriptor table bindings refer to.
	// At most one heap per type can be set.
	SetDescriptorHeaps(heaps ...DescriptorHeap)

	// SetDescriptorTable binds the table starting at base to
	// the given layout slot.
	SetDescriptorTable(bp BindPoint, slot uint32, base GPUDescriptor)

	// SetInlineView binds a buffer address directly to the given
	// layout slot.
	SetInlineView(bp BindPoint, kind InlineKind, slot uint32, addr DeviceAddress)

	Draw(vertexCount, instanceCount uint32)
	Dispatch(x, y, z uint32)

	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)

	// ClearUnorderedAccessView clears the UAV described at cpu.
	// gpu must address a copy of the same descriptor in the
	// currently set shader-visible heap.
	ClearUnorderedAccessView(gpu GPUDescriptor, cpu CPUDescriptor, values [4]uint32)
}

// DescriptorHeap is a contiguous array of descriptors.
type DescriptorHeap interface {
	Destroyer

	Type() HeapType
	Len() uint32
	ShaderVisible() bool

	// CPUStart returns the CPU address of the first descriptor.
	CPUStart() CPUDescriptor

	// GPUStart returns the GPU address of the first descriptor,
	// or zero if the heap is not shader-visible.
	GPUStart() GPUDescriptor
}

// Buffer is a linear array of bytes in GPU memory.
type Buffer interface {
	Destroyer

	Size() uint64
	Address() DeviceAddress

	// Bytes returns the mapped memory of a host-visible buffer,
	// or nil otherwise.
	Bytes() []byte
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement it own memory outside the GC's reach,
// so Destroy must be called explicitly.
type Destroyer interface {
	Destroy()
}
