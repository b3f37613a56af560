package vulkan

import (
	"maps"
	"sync"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu/hostdesc"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_RECORDING VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

// Bindings is the descriptor state a list has recorded for one bind point.
// Pipeline collaborators translate it into descriptor sets when the
// pipeline is bound.
type Bindings struct {
	Tables map[uint32]gpu.GPUDescriptor
	Inline map[uint32]gpu.DeviceAddress
}

// CommandList owns a command pool and a single primary command buffer.
type CommandList struct {
	dev    *Device
	typ    gpu.QueueType
	family uint32
	pool   vk.CommandPool
	handle vk.CommandBuffer

	mu    sync.Mutex
	state VulkanCommandBufferState
	err   error
	heaps [gpu.HeapTypeCount]*hostdesc.Heap
	binds [2]Bindings
	// The list is pending until queue completes a value above submittedAt.
	queue       *Queue
	submittedAt uint64
}

func newCommandList(d *Device, t gpu.QueueType, family uint32) (*CommandList, error) {
	l := &CommandList{
		dev:    d,
		typ:    t,
		family: family,
		state:  COMMAND_BUFFER_STATE_NOT_ALLOCATED,
	}

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		return resultError(vk.CreateCommandPool(d.logical, &poolCreateInfo, nil, &l.pool), "vkCreateCommandPool")
	})
	if err != nil {
		return nil, err
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        l.pool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(d.logical, &allocateInfo, buffers); res != vk.Success {
		vk.DestroyCommandPool(d.logical, l.pool, nil)
		return nil, resultError(res, "vkAllocateCommandBuffers")
	}
	l.handle = buffers[0]
	// Created closed, like the other backends.
	l.state = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return l, nil
}

func (l *CommandList) Type() gpu.QueueType { return l.typ }

func (l *CommandList) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return errors.Wrap(core.ErrInvalidState, "command list destroyed")
	}
	if l.queue != nil {
		done, err := l.queue.CompletedValue()
		if err != nil {
			return err
		}
		if done <= l.submittedAt {
			return errors.Wrap(core.ErrInvalidState, "command list is pending execution")
		}
		l.queue = nil
	}

	if res := vk.ResetCommandBuffer(l.handle, 0); res != vk.Success {
		return resultError(res, "vkResetCommandBuffer")
	}
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(l.handle, &beginInfo); res != vk.Success {
		return resultError(res, "vkBeginCommandBuffer")
	}
	l.state = COMMAND_BUFFER_STATE_RECORDING
	l.err = nil
	l.heaps = [gpu.HeapTypeCount]*hostdesc.Heap{}
	for i := range l.binds {
		l.binds[i] = Bindings{Tables: map[uint32]gpu.GPUDescriptor{}, Inline: map[uint32]gpu.DeviceAddress{}}
	}
	return nil
}

func (l *CommandList) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != COMMAND_BUFFER_STATE_RECORDING {
		return errors.Wrap(core.ErrInvalidState, "command list is not recording")
	}
	l.state = COMMAND_BUFFER_STATE_RECORDING_ENDED
	if res := vk.EndCommandBuffer(l.handle); res != vk.Success && l.err == nil {
		l.err = resultError(res, "vkEndCommandBuffer")
	}
	return l.err
}

func (l *CommandList) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return
	}
	vk.FreeCommandBuffers(l.dev.logical, l.pool, 1, []vk.CommandBuffer{l.handle})
	l.dev.locks.SafeCall(CommandPoolManagement, func() error {
		vk.DestroyCommandPool(l.dev.logical, l.pool, nil)
		return nil
	})
	l.handle = nil
	l.state = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

// Bindings returns a copy of the bindings recorded for bp so far.
func (l *CommandList) Bindings(bp gpu.BindPoint) Bindings {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.binds[bp]
	return Bindings{Tables: maps.Clone(b.Tables), Inline: maps.Clone(b.Inline)}
}

func (l *CommandList) SetDescriptorHeaps(heaps ...gpu.DescriptorHeap) {
	l.record(func() error {
		var set [gpu.HeapTypeCount]*hostdesc.Heap
		for _, h := range heaps {
			hh, ok := h.(*hostdesc.Heap)
			if !ok {
				return errors.Wrap(gpu.ErrInvalidCommand, "foreign descriptor heap")
			}
			if !hh.ShaderVisible() {
				return errors.Wrapf(gpu.ErrInvalidCommand, "%s heap is not shader-visible", hh.Type())
			}
			if set[hh.Type()] != nil {
				return errors.Wrapf(gpu.ErrInvalidCommand, "two %s heaps set", hh.Type())
			}
			set[hh.Type()] = hh
		}
		l.heaps = set
		return nil
	})
}

func (l *CommandList) SetDescriptorTable(bp gpu.BindPoint, slot uint32, base gpu.GPUDescriptor) {
	l.record(func() error {
		if err := l.checkBindPoint(bp); err != nil {
			return err
		}
		if !l.inSetHeap(base) {
			return errors.Wrapf(gpu.ErrInvalidCommand, "table %#x is not in a set descriptor heap", uint64(base))
		}
		l.binds[bp].Tables[slot] = base
		return nil
	})
}

func (l *CommandList) SetInlineView(bp gpu.BindPoint, kind gpu.InlineKind, slot uint32, addr gpu.DeviceAddress) {
	l.record(func() error {
		if err := l.checkBindPoint(bp); err != nil {
			return err
		}
		l.binds[bp].Inline[slot] = addr
		return nil
	})
}

func (l *CommandList) Draw(vertexCount, instanceCount uint32) {
	l.record(func() error {
		if l.typ != gpu.QueueDirect {
			return errors.Wrapf(gpu.ErrInvalidCommand, "draw on a %s command list", l.typ)
		}
		vk.CmdDraw(l.handle, vertexCount, instanceCount, 0, 0)
		return nil
	})
}

func (l *CommandList) Dispatch(x, y, z uint32) {
	l.record(func() error {
		if l.typ == gpu.QueueCopy {
			return errors.Wrap(gpu.ErrInvalidCommand, "dispatch on a copy command list")
		}
		vk.CmdDispatch(l.handle, x, y, z)
		return nil
	})
}

func (l *CommandList) CopyBufferRegion(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset uint64, size uint64) {
	l.record(func() error {
		d, ok1 := dst.(*Buffer)
		s, ok2 := src.(*Buffer)
		if !ok1 || !ok2 {
			return errors.Wrap(gpu.ErrInvalidCommand, "foreign buffer")
		}
		if dstOffset+size > d.Size() || srcOffset+size > s.Size() {
			return errors.Wrapf(gpu.ErrInvalidCommand, "copy of %d bytes out of bounds", size)
		}
		region := vk.BufferCopy{
			SrcOffset: vk.DeviceSize(srcOffset),
			DstOffset: vk.DeviceSize(dstOffset),
			Size:      vk.DeviceSize(size),
		}
		vk.CmdCopyBuffer(l.handle, s.handle, d.handle, 1, []vk.BufferCopy{region})
		return nil
	})
}

// ClearUnorderedAccessView fills the buffer range behind the UAV with the
// first clear value.
func (l *CommandList) ClearUnorderedAccessView(g gpu.GPUDescriptor, cpu gpu.CPUDescriptor, values [4]uint32) {
	l.record(func() error {
		if l.typ == gpu.QueueCopy {
			return errors.Wrap(gpu.ErrInvalidCommand, "clear on a copy command list")
		}
		if !l.inSetHeap(g) {
			return errors.Wrapf(gpu.ErrInvalidCommand, "descriptor %#x is not in a set descriptor heap", uint64(g))
		}
		v, err := l.dev.space.View(cpu, gpu.HeapCBVSRVUAV)
		if err != nil {
			return err
		}
		if v.Kind != gpu.ViewUAV {
			return errors.Wrap(gpu.ErrInvalidCommand, "clear of a descriptor that is not a UAV")
		}
		b, off, ok := l.dev.bufferAt(v.Address)
		if !ok {
			return errors.Wrapf(gpu.ErrInvalidHandle, "no buffer at %#x", uint64(v.Address))
		}
		size := v.Size
		if size == 0 || off+size > b.Size() {
			size = b.Size() - off
		}
		// vkCmdFillBuffer writes whole words.
		size &^= 3
		if size == 0 {
			return nil
		}
		vk.CmdFillBuffer(l.handle, b.handle, vk.DeviceSize(off), vk.DeviceSize(size), values[0])
		return nil
	})
}

// record runs fn while recording, keeping the first error for Close.
func (l *CommandList) record(fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != COMMAND_BUFFER_STATE_RECORDING {
		if l.err == nil {
			l.err = errors.Wrap(core.ErrInvalidState, "command recorded while not recording")
		}
		return
	}
	if l.err != nil {
		return
	}
	l.err = fn()
}

func (l *CommandList) checkBindPoint(bp gpu.BindPoint) error {
	switch {
	case l.typ == gpu.QueueCopy:
		return errors.Wrap(gpu.ErrInvalidCommand, "binding on a copy command list")
	case l.typ == gpu.QueueCompute && bp == gpu.BindGraphics:
		return errors.Wrap(gpu.ErrInvalidCommand, "graphics binding on a compute command list")
	}
	return nil
}

func (l *CommandList) inSetHeap(g gpu.GPUDescriptor) bool {
	for _, h := range l.heaps {
		if h == nil {
			continue
		}
		if g >= h.GPUStart() && g < h.GPUStart().Offset(h.Len(), l.dev.space.Stride(h.Type())) {
			return true
		}
	}
	return false
}

func (l *CommandList) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == COMMAND_BUFFER_STATE_RECORDING_ENDED
}

func (l *CommandList) markSubmitted(q *Queue, lastSignaled uint64) {
	l.mu.Lock()
	l.queue = q
	l.submittedAt = lastSignaled
	l.mu.Unlock()
}
