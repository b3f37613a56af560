package vulkan

import (
	"sync"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/fencepost/engine/core"
)

// VulkanFence is a binary fence standing for one value of a timeline.
type VulkanFence struct {
	Handle vk.Fence
	Value  uint64

	// waiters blocked in vkWaitForFences on Handle; the fence is only
	// reset once there are none.
	waiters  int
	signaled bool
}

// timeline emulates a 64-bit monotonic fence on binary VkFences.
// Every signal takes a fence from the pool and appends it to the pending
// list in value order; completed fences are reset and recycled.
type timeline struct {
	dev *Device

	mu        sync.Mutex
	cond      *sync.Cond
	free      []vk.Fence
	pending   []*VulkanFence
	completed uint64
	err       error
	closed    bool
}

func newTimeline(d *Device) *timeline {
	t := &timeline{dev: d}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// acquire returns an unsignaled fence.
func (t *timeline) acquire() (vk.Fence, error) {
	t.mu.Lock()
	if n := len(t.free); n > 0 {
		f := t.free[n-1]
		t.free = t.free[:n-1]
		t.mu.Unlock()
		return f, nil
	}
	t.mu.Unlock()

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	var pFence vk.Fence
	if res := vk.CreateFence(t.dev.logical, &fenceCreateInfo, nil, &pFence); res != vk.Success {
		return nil, resultError(res, "vkCreateFence")
	}
	return pFence, nil
}

// release gives back a fence that was never submitted.
func (t *timeline) release(f vk.Fence) {
	t.mu.Lock()
	t.free = append(t.free, f)
	t.mu.Unlock()
}

// push records that f signals value once the work submitted before it
// completes.
func (t *timeline) push(value uint64, f vk.Fence) {
	t.mu.Lock()
	t.pending = append(t.pending, &VulkanFence{Handle: f, Value: value})
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *timeline) completedValue() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollLocked()
	return t.completed, t.err
}

// pollLocked advances the completed value over signaled fences.
func (t *timeline) pollLocked() {
	for len(t.pending) > 0 && t.err == nil {
		vf := t.pending[0]
		res := vk.GetFenceStatus(t.dev.logical, vf.Handle)
		switch res {
		case vk.Success:
		case vk.NotReady:
			return
		default:
			t.failLocked(resultError(res, "vkGetFenceStatus"))
			return
		}
		t.completed = vf.Value
		t.pending = t.pending[1:]
		vf.signaled = true
		if vf.waiters == 0 {
			t.recycleLocked(vf)
		}
	}
}

func (t *timeline) recycleLocked(vf *VulkanFence) {
	if res := vk.ResetFences(t.dev.logical, 1, []vk.Fence{vf.Handle}); res != vk.Success {
		core.LogWarn("failed to reset fence: %s", VulkanResultString(res))
		vk.DestroyFence(t.dev.logical, vf.Handle, nil)
		return
	}
	t.free = append(t.free, vf.Handle)
}

// wait blocks until the timeline reaches value. Values not signaled yet
// are waited for on the condition variable until a matching fence is
// pushed.
func (t *timeline) wait(value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.pollLocked()
		if t.completed >= value {
			return nil
		}
		if t.err != nil {
			return t.err
		}
		vf := t.firstAtLeast(value)
		if vf == nil {
			if t.closed {
				return errors.Wrapf(core.ErrInvalidState, "fence value %d will never be signaled", value)
			}
			t.cond.Wait()
			continue
		}

		vf.waiters++
		t.mu.Unlock()
		res := vk.WaitForFences(t.dev.logical, 1, []vk.Fence{vf.Handle}, vk.True, vk.MaxUint64)
		t.mu.Lock()
		vf.waiters--
		if res != vk.Success && res != vk.Timeout {
			t.failLocked(resultError(res, "vkWaitForFences"))
		}
		if vf.signaled && vf.waiters == 0 {
			t.recycleLocked(vf)
		}
	}
}

func (t *timeline) firstAtLeast(value uint64) *VulkanFence {
	for _, vf := range t.pending {
		if vf.Value >= value {
			return vf
		}
	}
	return nil
}

func (t *timeline) failLocked(err error) {
	if t.err == nil {
		t.err = err
		core.LogError("fence failed: %s", err)
	}
	t.cond.Broadcast()
}

// destroy releases every fence. The device must be idle.
func (t *timeline) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, vf := range t.pending {
		vk.DestroyFence(t.dev.logical, vf.Handle, nil)
	}
	for _, f := range t.free {
		vk.DestroyFence(t.dev.logical, f, nil)
	}
	t.pending, t.free = nil, nil
	t.cond.Broadcast()
}
