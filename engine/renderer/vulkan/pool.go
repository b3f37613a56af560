package vulkan

import "sync"

type LockGroup string

const (
	DeviceManagement          LockGroup = "device_management"
	CommandPoolManagement     LockGroup = "command_pool_management"
	BufferManagement          LockGroup = "buffer_management"
	SynchronizationManagement LockGroup = "synchronization_management"
)

// VulkanLockPool hands out the mutexes that provide Vulkan's external
// synchronization. Queues are locked per family because two queue types can
// share one VkQueue.
type VulkanLockPool struct {
	mu           sync.Mutex // Protects access to the maps
	locks        map[LockGroup]*sync.Mutex
	queueMutexes map[uint32]*sync.Mutex // Queue family index as key
}

func NewVulkanLockPool() *VulkanLockPool {
	return &VulkanLockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

func (vs *VulkanLockPool) lock(group LockGroup) *sync.Mutex {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if _, exists := vs.locks[group]; !exists {
		vs.locks[group] = &sync.Mutex{}
	}
	return vs.locks[group]
}

func (vs *VulkanLockPool) SafeCall(group LockGroup, fn func() error) error {
	l := vs.lock(group)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (vs *VulkanLockPool) SetQueueFamily(index uint32) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if _, exists := vs.queueMutexes[index]; !exists {
		vs.queueMutexes[index] = &sync.Mutex{}
	}
}

// SafeQueueCall runs fn while holding the lock of the queue family. The
// family must have been registered with SetQueueFamily.
func (vs *VulkanLockPool) SafeQueueCall(queueFamilyIndex uint32, fn func() error) error {
	vs.mu.Lock()
	l := vs.queueMutexes[queueFamilyIndex]
	vs.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}
