// Package headless implements gpu.Device in software.
//
// Each queue runs its own executor goroutine, so submitted work completes
// asynchronously after a configurable latency, the way it would on real
// hardware. Fences are timelines that waiters block on without polling.
// The device also exposes controls that tests use to hold queues, inspect
// executed work and inject device loss.
package headless

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/math"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu/hostdesc"
)

const (
	addressBase      uint64 = 1 << 32
	addressAlignment uint64 = 1 << 16
)

type Options struct {
	// Latency is how long each submitted batch takes to execute.
	Latency time.Duration
	// MaxDescriptorHeaps limits live descriptor heaps, zero means unlimited.
	MaxDescriptorHeaps int
	// MaxBuffers limits live buffers, zero means unlimited.
	MaxBuffers int
	// OnExecute, if set, is called from the executing queue for every
	// draw, dispatch and clear.
	OnExecute func(Execution)
}

type Device struct {
	id     string
	opts   Options
	space  *hostdesc.Space
	queues [gpu.QueueTypeCount]*Queue

	mu       sync.Mutex
	buffers  []*Buffer
	nextAddr uint64
	faults   []error
	closed   bool

	lost  atomic.Bool
	lists atomic.Int64
}

func New(opts *Options) *Device {
	if opts == nil {
		opts = &Options{}
	}
	d := &Device{
		id:       uuid.NewString(),
		opts:     *opts,
		space:    hostdesc.NewSpace(),
		nextAddr: addressBase,
	}
	d.space.MaxHeaps = opts.MaxDescriptorHeaps
	for t := range d.queues {
		d.queues[t] = newQueue(d, gpu.QueueType(t))
	}
	core.LogInfo("headless device %s created (latency %s)", d.id, opts.Latency)
	return d
}

func (d *Device) Name() string { return "headless" }

func (d *Device) Queue(t gpu.QueueType) (gpu.Queue, error) {
	q, err := d.queue(t)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// HeadlessQueue returns the concrete queue of type t, for test controls.
func (d *Device) HeadlessQueue(t gpu.QueueType) *Queue {
	q, _ := d.queue(t)
	return q
}

func (d *Device) queue(t gpu.QueueType) (*Queue, error) {
	if t < 0 || t >= gpu.QueueTypeCount {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "queue type %d", t)
	}
	return d.queues[t], nil
}

func (d *Device) CreateCommandList(t gpu.QueueType) (gpu.CommandList, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if _, err := d.queue(t); err != nil {
		return nil, err
	}
	d.lists.Add(1)
	return &CommandList{dev: d, typ: t, state: listClosed}, nil
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

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.MaxBuffers > 0 && len(d.buffers) >= d.opts.MaxBuffers {
		return nil, errors.Wrapf(gpu.ErrOutOfDeviceMemory, "buffer limit of %d reached", d.opts.MaxBuffers)
	}
	b := &Buffer{
		dev:  d,
		name: desc.Name,
		addr: gpu.DeviceAddress(d.nextAddr),
		mem:  make([]byte, desc.Size),
		host: desc.HostVisible,
	}
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

// View returns the descriptor at a CPU address.
func (d *Device) View(cpu gpu.CPUDescriptor, t gpu.HeapType) (gpu.ViewDesc, error) {
	return d.space.View(cpu, t)
}

// ViewAtGPU returns the descriptor at a shader-visible address.
func (d *Device) ViewAtGPU(g gpu.GPUDescriptor, t gpu.HeapType) (gpu.ViewDesc, error) {
	h, idx, err := d.space.ResolveGPU(g, t)
	if err != nil {
		return gpu.ViewDesc{}, err
	}
	return h.ViewAt(idx), nil
}

// LiveDescriptorHeaps returns the number of heaps not yet destroyed.
func (d *Device) LiveDescriptorHeaps() int {
	return d.space.Live()
}

// LiveCommandLists returns the number of command lists not yet destroyed.
func (d *Device) LiveCommandLists() int { return int(d.lists.Load()) }

func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// LoseDevice simulates device removal. Pending and future work fails with
// gpu.ErrDeviceLost.
func (d *Device) LoseDevice() {
	if d.lost.Swap(true) {
		return
	}
	core.LogError("headless device %s lost", d.id)
	for _, q := range d.queues {
		q.lose()
	}
}

// Faults returns the errors raised while executing submitted work.
func (d *Device) Faults() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.faults)
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, q := range d.queues {
		q.close()
	}
	core.LogInfo("headless device %s closed", d.id)
	return nil
}

func (d *Device) usable() error {
	if d.lost.Load() {
		return gpu.ErrDeviceLost
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Wrap(core.ErrInvalidState, "device is closed")
	}
	return nil
}

func (d *Device) fault(err error) {
	core.LogError("headless device fault: %s", err)
	d.mu.Lock()
	d.faults = append(d.faults, err)
	d.mu.Unlock()
}

// bufferAt returns the live buffer containing addr.
func (d *Device) bufferAt(addr gpu.DeviceAddress) (*Buffer, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, found := slices.BinarySearchFunc(d.buffers, addr, func(b *Buffer, a gpu.DeviceAddress) int {
		switch {
		case a < b.addr:
			return 1
		case uint64(a) >= uint64(b.addr)+uint64(len(b.mem)):
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

// Buffer is a block of host memory standing in for GPU memory.
type Buffer struct {
	dev       *Device
	name      string
	addr      gpu.DeviceAddress
	host      bool
	mu        sync.Mutex
	mem       []byte
	destroyed bool
}

func (b *Buffer) Size() uint64               { return uint64(len(b.mem)) }
func (b *Buffer) Address() gpu.DeviceAddress { return b.addr }

func (b *Buffer) Bytes() []byte {
	if !b.host {
		return nil
	}
	return b.mem
}

// Contents returns a copy of the buffer memory, whether host-visible or
// not.
func (b *Buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.mem)
}

func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.mu.Unlock()
	b.dev.removeBuffer(b)
}

func (b *Buffer) alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.destroyed
}
