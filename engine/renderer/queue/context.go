package queue

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/descriptor"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/upload"
)

type State int32

const (
	StateAvailable State = iota
	StateRecording
	StateSubmitted
	StateInFlight
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateRecording:
		return "recording"
	case StateSubmitted:
		return "submitted"
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

const constantBufferAlignment = 256

// RecordingContext is a reusable command list together with the descriptor
// staging and upload memory that the commands recorded into it use. It
// belongs to the caller from AcquireContext until Submit, and to the
// CommandQueue after that. It is not safe for concurrent use.
type RecordingContext struct {
	id    string
	queue *CommandQueue
	list  gpu.CommandList

	dynamic [gpu.HeapTypeCount]*descriptor.DynamicHeap
	bound   [gpu.HeapTypeCount]gpu.DescriptorHeap
	upload  *upload.Buffer

	deferred []func()
	fence    uint64
	state    atomic.Int32
}

func (c *RecordingContext) ID() string              { return c.id }
func (c *RecordingContext) Type() gpu.QueueType     { return c.queue.typ }
func (c *RecordingContext) State() State            { return State(c.state.Load()) }
func (c *RecordingContext) Native() gpu.CommandList { return c.list }
func (c *RecordingContext) Upload() *upload.Buffer  { return c.upload }

// Fence returns the fence value of the context's latest submission.
func (c *RecordingContext) Fence() uint64 { return c.fence }

// BindDescriptorHeap sets heap as the shader-visible heap of type t,
// keeping the heap of the other type bound.
func (c *RecordingContext) BindDescriptorHeap(t gpu.HeapType, heap gpu.DescriptorHeap) error {
	if !t.ShaderVisible() {
		return errors.Wrapf(core.ErrInvalidArgument, "%s heaps cannot be bound", t)
	}
	if c.bound[t] == heap {
		return nil
	}
	c.bound[t] = heap

	heaps := make([]gpu.DescriptorHeap, 0, 2)
	for _, h := range c.bound {
		if h != nil {
			heaps = append(heaps, h)
		}
	}
	c.list.SetDescriptorHeaps(heaps...)
	return nil
}

// SetBindingLayout prepares descriptor staging for a new binding layout.
// Everything staged for the previous layout is dropped.
func (c *RecordingContext) SetBindingLayout(layout *gpu.BindingLayout) error {
	if err := c.recording(); err != nil {
		return err
	}
	if c.dynamic[gpu.HeapCBVSRVUAV] == nil {
		return errors.Wrapf(core.ErrInvalidState, "%s contexts cannot bind descriptors", c.queue.typ)
	}
	for _, d := range c.dynamic {
		if d == nil {
			continue
		}
		if err := d.ParseBindingLayout(layout); err != nil {
			return err
		}
	}
	return nil
}

// SetDescriptors stages count descriptors starting at src into the table at
// slot, starting offset entries into the table.
func (c *RecordingContext) SetDescriptors(t gpu.HeapType, slot, offset uint32, src gpu.CPUDescriptor, count uint32) error {
	d, err := c.dynamicHeap(t)
	if err != nil {
		return err
	}
	return d.StageDescriptors(slot, offset, count, src)
}

func (c *RecordingContext) SetInlineView(kind gpu.InlineKind, slot uint32, addr gpu.DeviceAddress) error {
	d, err := c.dynamicHeap(gpu.HeapCBVSRVUAV)
	if err != nil {
		return err
	}
	return d.StageInlineAddress(kind, slot, addr)
}

// SetDynamicConstantBuffer copies data into upload memory and binds it as
// an inline constant buffer at slot.
func (c *RecordingContext) SetDynamicConstantBuffer(slot uint32, data []byte) error {
	if c.upload == nil {
		return errors.Wrap(core.ErrInvalidState, "context has no upload memory")
	}
	a, err := c.upload.Allocate(uint64(len(data)), constantBufferAlignment)
	if err != nil {
		return err
	}
	copy(a.CPU, data)
	return c.SetInlineView(gpu.InlineCBV, slot, a.GPU)
}

func (c *RecordingContext) Draw(vertexCount, instanceCount uint32) error {
	if err := c.commit(gpu.BindGraphics); err != nil {
		return err
	}
	c.list.Draw(vertexCount, instanceCount)
	return nil
}

func (c *RecordingContext) Dispatch(x, y, z uint32) error {
	if err := c.commit(gpu.BindCompute); err != nil {
		return err
	}
	c.list.Dispatch(x, y, z)
	return nil
}

// UploadToBuffer records a copy of data into dst at offset, staged through
// upload memory.
func (c *RecordingContext) UploadToBuffer(dst gpu.Buffer, offset uint64, data []byte) error {
	if err := c.recording(); err != nil {
		return err
	}
	if c.upload == nil {
		return errors.Wrap(core.ErrInvalidState, "context has no upload memory")
	}
	if len(data) == 0 {
		return nil
	}
	a, err := c.upload.Allocate(uint64(len(data)), 16)
	if err != nil {
		return err
	}
	copy(a.CPU, data)
	c.list.CopyBufferRegion(dst, offset, a.Buffer, a.Offset, a.Size)
	return nil
}

func (c *RecordingContext) CopyBuffer(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset, size uint64) error {
	if err := c.recording(); err != nil {
		return err
	}
	c.list.CopyBufferRegion(dst, dstOffset, src, srcOffset, size)
	return nil
}

// ClearUnorderedAccessView clears the UAV described at cpu. The descriptor
// is copied into shader-visible memory first, outside table staging.
func (c *RecordingContext) ClearUnorderedAccessView(cpu gpu.CPUDescriptor, values [4]uint32) error {
	d, err := c.dynamicHeap(gpu.HeapCBVSRVUAV)
	if err != nil {
		return err
	}
	g, err := d.CopyAndBindSingle(c, cpu)
	if err != nil {
		return err
	}
	c.list.ClearUnorderedAccessView(g, cpu, values)
	return nil
}

// DeferRelease runs fn when the context is recycled, after the GPU has
// finished its latest submission. Use it to keep resources the recorded
// commands read alive until then.
func (c *RecordingContext) DeferRelease(fn func()) {
	c.deferred = append(c.deferred, fn)
}

func (c *RecordingContext) commit(bp gpu.BindPoint) error {
	if err := c.recording(); err != nil {
		return err
	}
	for _, d := range c.dynamic {
		if d == nil {
			continue
		}
		if err := d.CommitStagedDescriptors(c, bp); err != nil {
			return err
		}
	}
	return nil
}

func (c *RecordingContext) dynamicHeap(t gpu.HeapType) (*descriptor.DynamicHeap, error) {
	if err := c.recording(); err != nil {
		return nil, err
	}
	if t < 0 || t >= gpu.HeapTypeCount || c.dynamic[t] == nil {
		return nil, errors.Wrapf(core.ErrInvalidState, "%s context has no %s staging", c.queue.typ, t)
	}
	return c.dynamic[t], nil
}

func (c *RecordingContext) recording() error {
	if s := c.State(); s != StateRecording {
		return errors.Wrapf(core.ErrInvalidState, "context %s is %s", c.id, s)
	}
	return nil
}

func (c *RecordingContext) begin() error {
	if err := c.list.Reset(); err != nil {
		return err
	}
	c.state.Store(int32(StateRecording))
	return nil
}

// reset releases everything the context picked up while recording. The GPU
// must be done with the context's work.
func (c *RecordingContext) reset() {
	for _, fn := range c.deferred {
		fn()
	}
	clear(c.deferred)
	c.deferred = c.deferred[:0]
	for _, d := range c.dynamic {
		if d != nil {
			d.Reset()
		}
	}
	c.bound = [gpu.HeapTypeCount]gpu.DescriptorHeap{}
	if c.upload != nil {
		c.upload.Reset()
	}
}

func (c *RecordingContext) destroy() {
	c.reset()
	c.list.Destroy()
}
