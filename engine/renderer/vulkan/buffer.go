package vulkan

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

// Buffer implements gpu.Buffer on a VkBuffer with its own memory
// allocation. Host-visible buffers stay mapped for their whole life.
type Buffer struct {
	dev    *Device
	name   string
	handle vk.Buffer
	memory vk.DeviceMemory
	size   uint64
	addr   gpu.DeviceAddress
	mapped []byte

	mu        sync.Mutex
	destroyed bool
}

func newBuffer(d *Device, desc gpu.BufferDesc) (*Buffer, error) {
	b := &Buffer{dev: d, name: desc.Name, size: desc.Size}

	bufferCreateInfo := vk.BufferCreateInfo{
		SType: vk.StructureTypeBufferCreateInfo,
		Size:  vk.DeviceSize(desc.Size),
		Usage: vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
			vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit),
		SharingMode: vk.SharingModeExclusive,
	}
	// Buffers move between queues without ownership transfers.
	if len(d.sharing) > 1 {
		bufferCreateInfo.SharingMode = vk.SharingModeConcurrent
		bufferCreateInfo.QueueFamilyIndexCount = uint32(len(d.sharing))
		bufferCreateInfo.PQueueFamilyIndices = d.sharing
	}
	if res := vk.CreateBuffer(d.logical, &bufferCreateInfo, nil, &b.handle); res != vk.Success {
		return nil, resultError(res, "vkCreateBuffer")
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, b.handle, &requirements)
	requirements.Deref()

	properties := vk.MemoryPropertyDeviceLocalBit
	if desc.HostVisible {
		properties = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	index := d.FindMemoryIndex(requirements.MemoryTypeBits, uint32(properties))
	if index < 0 {
		vk.DestroyBuffer(d.logical, b.handle, nil)
		return nil, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "no memory type for buffer %q", desc.Name)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(index),
	}
	if res := vk.AllocateMemory(d.logical, &allocateInfo, nil, &b.memory); res != vk.Success {
		vk.DestroyBuffer(d.logical, b.handle, nil)
		return nil, resultError(res, "vkAllocateMemory")
	}
	if res := vk.BindBufferMemory(d.logical, b.handle, b.memory, 0); res != vk.Success {
		b.release()
		return nil, resultError(res, "vkBindBufferMemory")
	}

	if desc.HostVisible {
		var data unsafe.Pointer
		if res := vk.MapMemory(d.logical, b.memory, 0, vk.DeviceSize(desc.Size), 0, &data); res != vk.Success {
			b.release()
			return nil, resultError(res, "vkMapMemory")
		}
		b.mapped = unsafe.Slice((*byte)(data), desc.Size)
	}
	return b, nil
}

func (b *Buffer) Size() uint64               { return b.size }
func (b *Buffer) Address() gpu.DeviceAddress { return b.addr }

func (b *Buffer) Bytes() []byte { return b.mapped }

func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.mu.Unlock()

	b.dev.removeBuffer(b)
	b.release()
	core.LogDebug("buffer %q destroyed", b.name)
}

func (b *Buffer) release() {
	if b.mapped != nil {
		vk.UnmapMemory(b.dev.logical, b.memory)
		b.mapped = nil
	}
	vk.DestroyBuffer(b.dev.logical, b.handle, nil)
	vk.FreeMemory(b.dev.logical, b.memory, nil)
}
