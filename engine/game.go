package engine

import (
	"sync"

	"github.com/spaghettifunk/fencepost/engine/renderer"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/queue"
	"github.com/spaghettifunk/fencepost/engine/systems"
)

type Game struct {
	Name         string
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnShutdown   Shutdown
}

type Initialize func(r *renderer.Renderer, jobs *systems.JobSystem) error
type Update func(deltaTime float64) error
type Render func(frame *Frame, deltaTime float64) error
type Shutdown func() error

// Frame is handed to the game's render callback. Work submitted through it
// is tracked so the engine can tell when the GPU is done with the frame.
// Submit is safe for concurrent use by jobs recording parts of the frame.
type Frame struct {
	Number   uint64
	Renderer *renderer.Renderer
	Jobs     *systems.JobSystem

	mu     sync.Mutex
	fences [gpu.QueueTypeCount]uint64
}

// Submit submits the contexts to the queue of type t and records the fence
// value as part of the frame.
func (f *Frame) Submit(t gpu.QueueType, contexts ...*queue.RecordingContext) (uint64, error) {
	q := f.Renderer.CommandQueue(t)
	v, err := q.Submit(contexts...)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.fences[t] = max(f.fences[t], v)
	f.mu.Unlock()
	return v, nil
}

// Fence returns the highest fence value the frame submitted on queue t, or
// zero.
func (f *Frame) Fence(t gpu.QueueType) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fences[t]
}

// wait blocks until the GPU finished everything the frame submitted.
func (f *Frame) wait() error {
	for t := gpu.QueueType(0); t < gpu.QueueTypeCount; t++ {
		v := f.Fence(t)
		if v == 0 {
			continue
		}
		if err := f.Renderer.CommandQueue(t).WaitForFence(v); err != nil {
			return err
		}
	}
	return nil
}
