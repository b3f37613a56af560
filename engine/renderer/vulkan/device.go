// Package vulkan implements gpu.Device on Vulkan.
//
// The device runs without a surface: it only needs queues, command
// buffers and buffers. Descriptor heaps live in host memory through
// hostdesc, and fence values are emulated on binary fences.
package vulkan

import (
	"runtime"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/math"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu/hostdesc"
)

const (
	addressBase      uint64 = 1 << 32
	addressAlignment uint64 = 1 << 16
)

type VulkanPhysicalDeviceRequirements struct {
	Graphics             bool
	Compute              bool
	Transfer             bool
	DeviceExtensionNames []string
	DiscreteGPU          bool
}

// VulkanPhysicalDeviceQueueFamilyInfo holds the family chosen for each
// queue type, or -1.
type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex int32
	ComputeFamilyIndex  int32
	TransferFamilyIndex int32
}

type Device struct {
	instance   vk.Instance
	physical   vk.PhysicalDevice
	logical    vk.Device
	properties vk.PhysicalDeviceProperties
	memory     vk.PhysicalDeviceMemoryProperties
	families   [gpu.QueueTypeCount]uint32
	queues     [gpu.QueueTypeCount]*Queue
	space      *hostdesc.Space
	locks      *VulkanLockPool
	// distinct queue families, shared by every buffer
	sharing []uint32

	mu         sync.Mutex
	buffers    []*Buffer
	nextAddr   uint64
	semaphores []vk.Semaphore
	closed     bool
}

// NewDevice loads Vulkan through glfw and opens the first physical device
// offering graphics, compute and transfer queues. It returns
// gpu.ErrNoDevice when there is none.
func NewDevice(appName string) (gpu.Device, error) {
	if err := glfw.Init(); err != nil {
		return nil, errors.Wrap(gpu.ErrNoDevice, err.Error())
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return nil, errors.Wrap(gpu.ErrNoDevice, "vulkan loader not found")
	}
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		glfw.Terminate()
		return nil, errors.Wrap(gpu.ErrNoDevice, "GetInstanceProcAddress is nil")
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		glfw.Terminate()
		return nil, errors.Wrap(gpu.ErrNoDevice, err.Error())
	}

	d := &Device{
		space:    hostdesc.NewSpace(),
		locks:    NewVulkanLockPool(),
		nextAddr: addressBase,
	}
	if err := d.createInstance(appName); err != nil {
		glfw.Terminate()
		return nil, err
	}
	if err := d.selectPhysicalDevice(); err != nil {
		d.destroy()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		d.destroy()
		return nil, err
	}
	for t := range d.queues {
		d.queues[t] = newQueue(d, gpu.QueueType(t), d.families[t])
	}
	core.LogInfo("Vulkan device created.")
	return d, nil
}

func (d *Device) createInstance(appName string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 0, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("fencepost"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// No surface extensions: nothing is presented.
	var extensions []string
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)

	if res := vk.CreateInstance(&createInfo, nil, &d.instance); res != vk.Success {
		return errors.Wrap(gpu.ErrNoDevice, resultError(res, "vkCreateInstance").Error())
	}
	if err := vk.InitInstance(d.instance); err != nil {
		return err
	}
	core.LogInfo("Vulkan Instance created.")
	return nil
}

func (d *Device) selectPhysicalDevice() error {
	var physicalDeviceCount uint32
	if res := vk.EnumeratePhysicalDevices(d.instance, &physicalDeviceCount, nil); res != vk.Success {
		return resultError(res, "vkEnumeratePhysicalDevices")
	}
	if physicalDeviceCount == 0 {
		return errors.Wrap(gpu.ErrNoDevice, "no devices which support Vulkan were found")
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(d.instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return resultError(res, "vkEnumeratePhysicalDevices")
	}

	requirements := VulkanPhysicalDeviceRequirements{
		Graphics: true,
		Compute:  true,
		Transfer: true,
	}
	for _, pd := range physicalDevices {
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &properties)
		properties.Deref()

		var queueInfo VulkanPhysicalDeviceQueueFamilyInfo
		if !PhysicalDeviceMeetsRequirements(pd, &properties, &requirements, &queueInfo) {
			continue
		}

		name := vk.ToString(properties.DeviceName[:])
		core.LogInfo("Selected device: '%s'.", name)
		switch properties.DeviceType {
		case vk.PhysicalDeviceTypeIntegratedGpu:
			core.LogInfo("GPU type is Integrated.")
		case vk.PhysicalDeviceTypeDiscreteGpu:
			core.LogInfo("GPU type is Discrete.")
		case vk.PhysicalDeviceTypeVirtualGpu:
			core.LogInfo("GPU type is Virtual.")
		case vk.PhysicalDeviceTypeCpu:
			core.LogInfo("GPU type is CPU.")
		default:
			core.LogInfo("GPU type is Unknown.")
		}
		core.LogInfo(
			"Vulkan API version: %d.%d.%d",
			vk.Version(properties.ApiVersion).Major(),
			vk.Version(properties.ApiVersion).Minor(),
			vk.Version(properties.ApiVersion).Patch(),
		)

		d.physical = pd
		d.properties = properties
		vk.GetPhysicalDeviceMemoryProperties(pd, &d.memory)
		d.memory.Deref()
		d.families[gpu.QueueDirect] = uint32(queueInfo.GraphicsFamilyIndex)
		d.families[gpu.QueueCompute] = uint32(queueInfo.ComputeFamilyIndex)
		d.families[gpu.QueueCopy] = uint32(queueInfo.TransferFamilyIndex)
		return nil
	}
	return errors.Wrap(gpu.ErrNoDevice, "no physical devices were found which meet the requirements")
}

// PhysicalDeviceMeetsRequirements picks a queue family per queue type.
// Families with fewer capabilities are preferred for compute and transfer,
// which favors dedicated async compute and DMA queues.
func PhysicalDeviceMeetsRequirements(device vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, requirements *VulkanPhysicalDeviceRequirements, outQueueInfo *VulkanPhysicalDeviceQueueFamilyInfo) bool {
	outQueueInfo.GraphicsFamilyIndex = -1
	outQueueInfo.ComputeFamilyIndex = -1
	outQueueInfo.TransferFamilyIndex = -1

	if requirements.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		core.LogInfo("Device is not a discrete GPU, and one is required. Skipping.")
		return false
	}

	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	minComputeScore, minTransferScore := 255, 255
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags := vk.QueueFlagBits(queueFamilies[i].QueueFlags)
		graphics := flags&vk.QueueGraphicsBit != 0
		compute := flags&vk.QueueComputeBit != 0
		// Graphics and compute queues implicitly support transfers.
		transfer := flags&vk.QueueTransferBit != 0 || graphics || compute

		score := 0
		if graphics {
			score++
		}
		if compute {
			score++
		}

		if graphics && compute && outQueueInfo.GraphicsFamilyIndex < 0 {
			outQueueInfo.GraphicsFamilyIndex = int32(i)
		}
		if compute && score < minComputeScore {
			minComputeScore = score
			outQueueInfo.ComputeFamilyIndex = int32(i)
		}
		if transfer && score < minTransferScore {
			minTransferScore = score
			outQueueInfo.TransferFamilyIndex = int32(i)
		}
	}

	core.LogDebug("Graphics Family Index: %d", outQueueInfo.GraphicsFamilyIndex)
	core.LogDebug("Compute Family Index:  %d", outQueueInfo.ComputeFamilyIndex)
	core.LogDebug("Transfer Family Index: %d", outQueueInfo.TransferFamilyIndex)

	if (requirements.Graphics && outQueueInfo.GraphicsFamilyIndex < 0) ||
		(requirements.Compute && outQueueInfo.ComputeFamilyIndex < 0) ||
		(requirements.Transfer && outQueueInfo.TransferFamilyIndex < 0) {
		return false
	}

	for _, name := range requirements.DeviceExtensionNames {
		if !hasDeviceExtension(device, name) {
			core.LogInfo("Required extension not found: '%s', skipping device.", name)
			return false
		}
	}
	return true
}

func hasDeviceExtension(device vk.PhysicalDevice, name string) bool {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success || count == 0 {
		return false
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, available); res != vk.Success {
		return false
	}
	for i := range available {
		available[i].Deref()
		if vk.ToString(available[i].ExtensionName[:]) == name {
			return true
		}
	}
	return false
}

func (d *Device) createLogicalDevice() error {
	core.LogInfo("Creating logical device...")

	// One queue per distinct family.
	var indices []uint32
	for _, f := range d.families {
		if !slices.Contains(indices, f) {
			indices = append(indices, f)
		}
	}
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(indices))
	for i, index := range indices {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: index,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
		d.locks.SetQueueFamily(index)
	}
	d.sharing = indices

	var extensionNames []string
	if hasDeviceExtension(d.physical, "VK_KHR_portability_subset") {
		core.LogInfo("Adding required extension 'VK_KHR_portability_subset'.")
		extensionNames = append(extensionNames, "VK_KHR_portability_subset")
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}
	if res := vk.CreateDevice(d.physical, &deviceCreateInfo, nil, &d.logical); res != vk.Success {
		return resultError(res, "vkCreateDevice")
	}
	core.LogInfo("Logical device created.")
	return nil
}

func (d *Device) Name() string { return "vulkan" }

func (d *Device) Queue(t gpu.QueueType) (gpu.Queue, error) {
	if t < 0 || t >= gpu.QueueTypeCount {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "queue type %d", t)
	}
	return d.queues[t], nil
}

func (d *Device) CreateCommandList(t gpu.QueueType) (gpu.CommandList, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if t < 0 || t >= gpu.QueueTypeCount {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "queue type %d", t)
	}
	return newCommandList(d, t, d.families[t])
}

func (d *Device) CreateDescriptorHeap(t gpu.HeapType, n uint32, shaderVisible bool) (gpu.DescriptorHeap, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	h, err := d.space.NewHeap(t, n, shaderVisible)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, errors.Wrap(core.ErrInvalidArgument, "buffer size must be positive")
	}
	var b *Buffer
	err := d.locks.SafeCall(BufferManagement, func() error {
		var err error
		b, err = newBuffer(d, desc)
		return err
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	b.addr = gpu.DeviceAddress(d.nextAddr)
	d.nextAddr = math.AlignUp(d.nextAddr+desc.Size, addressAlignment)
	// Addresses only grow, so the list stays sorted.
	d.buffers = append(d.buffers, b)
	return b, nil
}

func (d *Device) CreateView(desc gpu.ViewDesc, dst gpu.CPUDescriptor) error {
	if err := d.usable(); err != nil {
		return err
	}
	return d.space.CreateView(desc, dst)
}

func (d *Device) CopyDescriptorsSimple(n uint32, dst, src gpu.CPUDescriptor, t gpu.HeapType) error {
	if err := d.usable(); err != nil {
		return err
	}
	return d.space.CopySimple(n, dst, src, t)
}

func (d *Device) CopyDescriptors(dst, src []gpu.DescriptorSpan, t gpu.HeapType) error {
	if err := d.usable(); err != nil {
		return err
	}
	return d.space.Copy(dst, src, t)
}

func (d *Device) DescriptorStride(t gpu.HeapType) uint32 {
	return d.space.Stride(t)
}

// FindMemoryIndex returns the first memory type allowed by typeFilter that
// has all of propertyFlags, or -1.
func (d *Device) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		d.memory.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(d.memory.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// Close waits for every queue to go idle, then destroys the device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	leaked := len(d.buffers)
	d.mu.Unlock()

	var errs error
	for _, q := range d.queues {
		errs = errors.CombineErrors(errs, q.close())
	}
	if leaked > 0 {
		core.LogWarn("%d buffers still alive when closing the device", leaked)
	}
	d.destroy()
	core.LogInfo("Vulkan device closed.")
	return errs
}

func (d *Device) destroy() {
	d.mu.Lock()
	for _, s := range d.semaphores {
		vk.DestroySemaphore(d.logical, s, nil)
	}
	d.semaphores = nil
	d.mu.Unlock()

	if d.logical != nil {
		vk.DeviceWaitIdle(d.logical)
		vk.DestroyDevice(d.logical, nil)
		d.logical = nil
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
	glfw.Terminate()
}

func (d *Device) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrap(core.ErrInvalidState, "device is closed")
	}
	return nil
}

// acquireSemaphore returns an unsignaled binary semaphore.
func (d *Device) acquireSemaphore() (vk.Semaphore, error) {
	d.mu.Lock()
	if n := len(d.semaphores); n > 0 {
		s := d.semaphores[n-1]
		d.semaphores = d.semaphores[:n-1]
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var s vk.Semaphore
	err := d.locks.SafeCall(SynchronizationManagement, func() error {
		return resultError(vk.CreateSemaphore(d.logical, &semaphoreCreateInfo, nil, &s), "vkCreateSemaphore")
	})
	return s, err
}

// releaseSemaphore returns a semaphore whose wait has completed.
func (d *Device) releaseSemaphore(s vk.Semaphore) {
	d.mu.Lock()
	d.semaphores = append(d.semaphores, s)
	d.mu.Unlock()
}

func (d *Device) destroySemaphore(s vk.Semaphore) {
	vk.DestroySemaphore(d.logical, s, nil)
}

// bufferAt returns the live buffer containing addr.
func (d *Device) bufferAt(addr gpu.DeviceAddress) (*Buffer, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, found := slices.BinarySearchFunc(d.buffers, addr, func(b *Buffer, a gpu.DeviceAddress) int {
		switch {
		case a < b.addr:
			return 1
		case uint64(a) >= uint64(b.addr)+b.size:
			return -1
		}
		return 0
	})
	if !found {
		return nil, 0, false
	}
	b := d.buffers[i]
	return b, uint64(addr - b.addr), true
}

func (d *Device) removeBuffer(b *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = slices.DeleteFunc(d.buffers, func(x *Buffer) bool { return x == b })
}
