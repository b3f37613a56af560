package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

// signalSemaphore is signaled by the submission that carries a fence value,
// so another queue can wait for that value on the device.
type signalSemaphore struct {
	handle   vk.Semaphore
	value    uint64
	consumed bool
}

// waitSemaphore was consumed by a submission of this queue. It is free once
// the fence value signaled after that submission completes; until a signal
// follows, value is zero.
type waitSemaphore struct {
	handle vk.Semaphore
	value  uint64
}

// Queue implements gpu.Queue on a VkQueue. Queue types sharing a family
// share the VkQueue and are serialized by the lock pool.
type Queue struct {
	dev    *Device
	typ    gpu.QueueType
	family uint32
	handle vk.Queue
	fence  *timeline

	mu           sync.Mutex
	lastSignaled uint64
	signals      []*signalSemaphore
	// semaphores the next submission waits on
	waits  []vk.Semaphore
	inUse  []waitSemaphore
	closed bool
}

func newQueue(d *Device, t gpu.QueueType, family uint32) *Queue {
	q := &Queue{
		dev:    d,
		typ:    t,
		family: family,
		fence:  newTimeline(d),
	}
	vk.GetDeviceQueue(d.logical, family, 0, &q.handle)
	return q
}

func (q *Queue) Type() gpu.QueueType { return q.typ }

func (q *Queue) Submit(lists []gpu.CommandList) error {
	buffers := make([]vk.CommandBuffer, 0, len(lists))
	batch := make([]*CommandList, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != q.dev {
			return errors.Wrap(core.ErrInvalidArgument, "command list does not belong to this device")
		}
		if cl.typ != q.typ {
			return errors.Wrapf(core.ErrInvalidArgument, "%s command list submitted to %s queue", cl.typ, q.typ)
		}
		if !cl.closed() {
			return errors.Wrap(core.ErrInvalidState, "submitted command list is not closed")
		}
		buffers = append(buffers, cl.handle)
		batch = append(batch, cl)
	}
	if len(buffers) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(buffers)),
		PCommandBuffers:    buffers,
	}
	q.attachWaitsLocked(&submitInfo)
	if err := q.submitLocked(submitInfo, nil); err != nil {
		return err
	}
	for _, cl := range batch {
		cl.markSubmitted(q, q.lastSignaled)
	}
	return nil
}

// Signal submits an empty batch that signals a fence and a semaphore for
// value once everything submitted before it has completed.
func (q *Queue) Signal(value uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}
	if value <= q.lastSignaled {
		return errors.Wrapf(core.ErrInvalidArgument, "fence value %d does not exceed %d", value, q.lastSignaled)
	}

	fence, err := q.fence.acquire()
	if err != nil {
		return err
	}
	sem, err := q.dev.acquireSemaphore()
	if err != nil {
		q.fence.release(fence)
		return err
	}
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{sem},
	}
	q.attachWaitsLocked(&submitInfo)
	if err := q.submitLocked(submitInfo, fence); err != nil {
		q.fence.release(fence)
		q.dev.destroySemaphore(sem)
		return err
	}

	q.fence.push(value, fence)
	q.signals = append(q.signals, &signalSemaphore{handle: sem, value: value})
	for i := range q.inUse {
		if q.inUse[i].value == 0 {
			q.inUse[i].value = value
		}
	}
	q.lastSignaled = value
	q.retireLocked()
	return nil
}

// Wait makes the next submission of q wait on the semaphore other signaled
// together with value. When that semaphore was already consumed the caller
// waits on the host instead.
func (q *Queue) Wait(other gpu.Queue, value uint64) error {
	o, ok := other.(*Queue)
	if !ok || o.dev != q.dev {
		return errors.Wrap(core.ErrInvalidArgument, "queue does not belong to this device")
	}
	if o == q {
		return nil
	}
	if done, err := o.CompletedValue(); err != nil {
		return err
	} else if done >= value {
		return nil
	}

	if sem, ok := o.takeSemaphore(value); ok {
		q.mu.Lock()
		q.waits = append(q.waits, sem)
		q.mu.Unlock()
		return nil
	}
	core.LogDebug("%s queue waits on the host for %s queue value %d", q.typ, o.typ, value)
	return o.WaitValue(value)
}

func (q *Queue) CompletedValue() (uint64, error) {
	return q.fence.completedValue()
}

func (q *Queue) WaitValue(value uint64) error {
	return q.fence.wait(value)
}

// takeSemaphore returns the first unconsumed semaphore signaled with a value
// of at least value.
func (q *Queue) takeSemaphore(value uint64) (vk.Semaphore, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.signals {
		if s.value >= value && !s.consumed {
			s.consumed = true
			return s.handle, true
		}
	}
	return nil, false
}

func (q *Queue) attachWaitsLocked(info *vk.SubmitInfo) {
	if len(q.waits) == 0 {
		return
	}
	stages := make([]vk.PipelineStageFlags, len(q.waits))
	for i := range stages {
		stages[i] = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}
	info.WaitSemaphoreCount = uint32(len(q.waits))
	info.PWaitSemaphores = q.waits
	info.PWaitDstStageMask = stages
}

func (q *Queue) submitLocked(info vk.SubmitInfo, fence vk.Fence) error {
	err := q.dev.locks.SafeQueueCall(q.family, func() error {
		return resultError(vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{info}, fence), "vkQueueSubmit")
	})
	if err != nil {
		return err
	}
	for _, s := range q.waits {
		q.inUse = append(q.inUse, waitSemaphore{handle: s})
	}
	q.waits = nil
	return nil
}

// retireLocked frees the semaphores whose signal or wait has completed.
func (q *Queue) retireLocked() {
	done, err := q.fence.completedValue()
	if err != nil {
		return
	}
	keep := q.signals[:0]
	for _, s := range q.signals {
		switch {
		case s.consumed:
			// owned by the waiting queue from now on
		case s.value <= done:
			// signaled and never waited for
			q.dev.destroySemaphore(s.handle)
		default:
			keep = append(keep, s)
		}
	}
	q.signals = keep

	inUse := q.inUse[:0]
	for _, w := range q.inUse {
		if w.value != 0 && w.value <= done {
			q.dev.releaseSemaphore(w.handle)
			continue
		}
		inUse = append(inUse, w)
	}
	q.inUse = inUse
}

func (q *Queue) usableLocked() error {
	if q.closed {
		return errors.Wrap(core.ErrInvalidState, "queue is closed")
	}
	return nil
}

// close waits for the queue to go idle and destroys its synchronization
// objects.
func (q *Queue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	err := q.dev.locks.SafeQueueCall(q.family, func() error {
		return resultError(vk.QueueWaitIdle(q.handle), "vkQueueWaitIdle")
	})
	for _, s := range q.signals {
		if !s.consumed {
			q.dev.destroySemaphore(s.handle)
		}
	}
	for _, w := range q.inUse {
		q.dev.destroySemaphore(w.handle)
	}
	for _, s := range q.waits {
		q.dev.destroySemaphore(s)
	}
	q.signals, q.inUse, q.waits = nil, nil, nil
	q.fence.destroy()
	return err
}
