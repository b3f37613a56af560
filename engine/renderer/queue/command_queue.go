// Package queue manages a hardware queue's fence and the recording
// contexts submitted to it.
//
// Every submission is followed by a signal of the next fence value. A
// reclamation goroutine waits for those values in order and, as each one
// completes, resets the contexts submitted with it and puts them back in
// the available pool.
package queue

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/descriptor"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/upload"
)

const DefaultMaxInFlight = 64

type CommandQueueConfig struct {
	Type gpu.QueueType
	// MaxInFlight bounds the submissions waiting for reclamation. Submit
	// blocks while the bound is reached.
	MaxInFlight int
	// HeapPools provide the shader-visible heaps for descriptor staging,
	// one per shader-visible heap type. Copy queues do not use them.
	HeapPools []*descriptor.HeapPool
	// UploadPool, if set, gives every context upload memory.
	UploadPool *upload.PagePool
	// OnReclaim is called from the reclamation goroutine after the contexts
	// submitted with value have been recycled.
	OnReclaim func(value uint64)
}

type inFlight struct {
	value    uint64
	contexts []*RecordingContext
}

// CommandQueue wraps one hardware queue.
type CommandQueue struct {
	device gpu.Device
	queue  gpu.Queue
	typ    gpu.QueueType
	cfg    CommandQueueConfig

	// submitMu orders submissions, signals and waits on the hardware queue
	// with the fence values handed out for them.
	submitMu     sync.Mutex
	lastSignaled atomic.Uint64
	stopped      atomic.Bool
	inflight     chan inFlight
	numInFlight  atomic.Int64

	completed atomic.Uint64

	mu        sync.Mutex
	cond      *sync.Cond
	available []*RecordingContext
	all       []*RecordingContext
	reclaimed uint64
	err       error
	done      chan struct{}

	shutdown sync.Once
}

func NewCommandQueue(device gpu.Device, cfg *CommandQueueConfig) (*CommandQueue, error) {
	if device == nil || cfg == nil {
		return nil, errors.Wrap(core.ErrInvalidArgument, "command queue needs a device and a config")
	}
	hq, err := device.Queue(cfg.Type)
	if err != nil {
		return nil, err
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	q := &CommandQueue{
		device:   device,
		queue:    hq,
		typ:      cfg.Type,
		cfg:      *cfg,
		inflight: make(chan inFlight, cfg.MaxInFlight),
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.reclaim()
	return q, nil
}

func (q *CommandQueue) Type() gpu.QueueType { return q.typ }
func (q *CommandQueue) Queue() gpu.Queue    { return q.queue }

// LastSignaled returns the most recent fence value handed out.
func (q *CommandQueue) LastSignaled() uint64 { return q.lastSignaled.Load() }

// NextValue returns the fence value the next submission will get.
func (q *CommandQueue) NextValue() uint64 { return q.lastSignaled.Load() + 1 }

// AcquireContext returns a context ready for recording, reusing a recycled
// one when there is one.
func (q *CommandQueue) AcquireContext() (*RecordingContext, error) {
	if q.stopped.Load() {
		return nil, core.ErrQueueClosed
	}
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return nil, q.err
	}
	var ctx *RecordingContext
	if n := len(q.available); n > 0 {
		ctx = q.available[n-1]
		q.available = q.available[:n-1]
	}
	q.mu.Unlock()

	if ctx == nil {
		var err error
		if ctx, err = q.newContext(); err != nil {
			return nil, err
		}
	}
	if err := ctx.begin(); err != nil {
		q.recycle(ctx)
		return nil, err
	}
	return ctx, nil
}

func (q *CommandQueue) newContext() (*RecordingContext, error) {
	list, err := q.device.CreateCommandList(q.typ)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating %s command list", q.typ), core.ErrAllocationFailed)
	}
	ctx := &RecordingContext{id: uuid.NewString(), queue: q, list: list}
	if q.typ != gpu.QueueCopy {
		for _, pool := range q.cfg.HeapPools {
			ctx.dynamic[pool.Type()] = descriptor.NewDynamicHeap(q.device, pool)
		}
	}
	if q.cfg.UploadPool != nil {
		ctx.upload = upload.NewBuffer(q.cfg.UploadPool)
	}

	q.mu.Lock()
	if q.stopped.Load() {
		q.mu.Unlock()
		ctx.destroy()
		return nil, core.ErrQueueClosed
	}
	q.all = append(q.all, ctx)
	q.mu.Unlock()

	core.MetricsCountContextCreated()
	core.LogDebug("%s queue: created context %s", q.typ, ctx.id)
	return ctx, nil
}

// Submit closes the contexts' command lists, submits them as one batch and
// signals the next fence value, which it returns. The contexts belong to
// the queue from now on. If a command list fails to close, nothing is
// submitted and the contexts are recycled.
func (q *CommandQueue) Submit(contexts ...*RecordingContext) (uint64, error) {
	if len(contexts) == 0 {
		return 0, errors.Wrap(core.ErrInvalidArgument, "nothing to submit")
	}
	lists := make([]gpu.CommandList, 0, len(contexts))
	seen := make(map[*RecordingContext]struct{}, len(contexts))
	for _, c := range contexts {
		if c == nil {
			return 0, errors.Wrap(core.ErrInvalidArgument, "nil context")
		}
		if _, ok := seen[c]; ok {
			return 0, errors.Wrapf(core.ErrInvalidArgument, "context %s submitted twice", c.id)
		}
		seen[c] = struct{}{}
		if c.queue != q {
			return 0, errors.Wrapf(core.ErrInvalidArgument, "context %s belongs to the %s queue", c.id, c.queue.typ)
		}
		if err := c.recording(); err != nil {
			return 0, err
		}
		lists = append(lists, c.list)
	}
	for _, c := range contexts {
		if err := c.list.Close(); err != nil {
			q.recycle(contexts...)
			return 0, errors.Wrapf(err, "closing context %s", c.id)
		}
	}

	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	if err := q.usableLocked(); err != nil {
		q.recycle(contexts...)
		return 0, err
	}
	for _, c := range contexts {
		c.state.Store(int32(StateSubmitted))
	}
	if err := q.queue.Submit(lists); err != nil {
		if gpu.IsFatal(err) {
			q.fail(err)
		}
		q.recycle(contexts...)
		return 0, errors.Wrapf(err, "submitting to %s queue", q.typ)
	}

	value, err := q.signalLocked(contexts)
	if err != nil {
		return 0, err
	}
	core.MetricsCountSubmission()
	return value, nil
}

// Signal inserts a fence signal without submitting work and returns its
// value.
func (q *CommandQueue) Signal() (uint64, error) {
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	if err := q.usableLocked(); err != nil {
		return 0, err
	}
	return q.signalLocked(nil)
}

func (q *CommandQueue) signalLocked(contexts []*RecordingContext) (uint64, error) {
	value := q.lastSignaled.Load() + 1
	if err := q.queue.Signal(value); err != nil {
		// The work may have been submitted without a fence to track it, so
		// the queue cannot go on.
		err = errors.Wrapf(err, "signaling %s fence %d", q.typ, value)
		q.fail(err)
		return 0, err
	}
	q.lastSignaled.Store(value)

	for _, c := range contexts {
		c.fence = value
		c.state.Store(int32(StateInFlight))
	}
	q.numInFlight.Add(int64(len(contexts)))
	q.inflight <- inFlight{value: value, contexts: contexts}
	return value, nil
}

// IsComplete reports whether the fence has reached value. It only queries
// the device when the last observed value is behind.
func (q *CommandQueue) IsComplete(value uint64) bool {
	if value <= q.completed.Load() {
		return true
	}
	v, err := q.queue.CompletedValue()
	if err != nil {
		return false
	}
	q.observe(v)
	return value <= v
}

// CompletedValue returns the last fence value the queue has completed.
func (q *CommandQueue) CompletedValue() uint64 {
	if v, err := q.queue.CompletedValue(); err == nil {
		q.observe(v)
	}
	return q.completed.Load()
}

// WaitForFence blocks until the fence reaches value. Waiting for a value
// that has not been signaled yet blocks until someone signals it.
func (q *CommandQueue) WaitForFence(value uint64) error {
	if q.IsComplete(value) {
		return nil
	}
	if err := q.queue.WaitValue(value); err != nil {
		return errors.Wrapf(err, "waiting for %s fence %d", q.typ, value)
	}
	q.observe(value)
	return nil
}

// Flush signals the queue and waits until everything submitted before has
// completed and been reclaimed.
func (q *CommandQueue) Flush() error {
	value, err := q.Signal()
	if err != nil {
		return err
	}
	if err := q.WaitForFence(value); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.reclaimed < value && q.err == nil {
		q.cond.Wait()
	}
	return q.err
}

// Wait makes the queue's subsequent work wait on the device until other
// reaches its latest signaled value. The caller does not block.
func (q *CommandQueue) Wait(other *CommandQueue) error {
	if other == q {
		return nil
	}
	value := other.LastSignaled()
	if value == 0 {
		return nil
	}

	q.submitMu.Lock()
	defer q.submitMu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}
	if err := q.queue.Wait(other.queue, value); err != nil {
		return errors.Wrapf(err, "%s queue waiting on %s fence %d", q.typ, other.typ, value)
	}
	return nil
}

// AvailableCount returns the number of recycled contexts ready to acquire.
func (q *CommandQueue) AvailableCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.available)
}

// InFlightCount returns the number of submitted contexts not yet recycled.
func (q *CommandQueue) InFlightCount() int { return int(q.numInFlight.Load()) }

// Len returns the number of contexts the queue has created.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.all)
}

// Err returns the error that stopped the queue, if any.
func (q *CommandQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Shutdown stops accepting work, lets the reclamation goroutine drain what
// is in flight and waits for it to exit, flushes the hardware queue and
// destroys every context. The shader-visible heaps and upload pages the
// contexts held go back to their pools.
func (q *CommandQueue) Shutdown() error {
	var err error
	q.shutdown.Do(func() {
		q.submitMu.Lock()
		q.stopped.Store(true)
		close(q.inflight)
		last := q.lastSignaled.Load()
		q.submitMu.Unlock()

		<-q.done

		err = q.Err()
		if err == nil {
			if werr := q.queue.WaitValue(last); werr != nil {
				err = errors.Wrapf(werr, "flushing %s queue", q.typ)
			}
		}

		q.mu.Lock()
		all := q.all
		q.all, q.available = nil, nil
		q.mu.Unlock()

		for _, c := range all {
			c.destroy()
		}
		core.LogDebug("%s queue: shut down, %d contexts destroyed", q.typ, len(all))
	})
	return err
}

// reclaim consumes in-flight submissions in fence order. It parks in the
// device's wait for each one, then recycles its contexts.
func (q *CommandQueue) reclaim() {
	defer close(q.done)

	for entry := range q.inflight {
		if q.Err() != nil {
			// The device is gone; what is left is destroyed by Shutdown.
			continue
		}
		if err := q.queue.WaitValue(entry.value); err != nil {
			q.fail(errors.Wrapf(err, "reclaiming %s fence %d", q.typ, entry.value))
			continue
		}
		q.observe(entry.value)

		for _, c := range entry.contexts {
			c.state.Store(int32(StateCompleted))
			c.reset()
			c.state.Store(int32(StateAvailable))
			core.MetricsCountContextReclaimed()
		}
		q.numInFlight.Add(-int64(len(entry.contexts)))

		if q.cfg.OnReclaim != nil {
			q.cfg.OnReclaim(entry.value)
		}

		q.mu.Lock()
		q.available = append(q.available, entry.contexts...)
		q.reclaimed = entry.value
		q.mu.Unlock()
		q.cond.Broadcast()
	}
}

// Discard returns contexts acquired from q without submitting them. What
// was recorded into them is dropped.
func (q *CommandQueue) Discard(contexts ...*RecordingContext) error {
	for _, c := range contexts {
		if c == nil || c.queue != q {
			return errors.Wrap(core.ErrInvalidArgument, "context does not belong to this queue")
		}
		if s := c.State(); s != StateRecording {
			return errors.Wrapf(core.ErrInvalidState, "context %s is %s", c.id, s)
		}
	}
	q.recycle(contexts...)
	return nil
}

// recycle returns contexts that never reached the GPU. After Shutdown they
// are destroyed instead.
func (q *CommandQueue) recycle(contexts ...*RecordingContext) {
	contexts = uniqueContexts(contexts)
	for _, c := range contexts {
		c.reset()
		c.state.Store(int32(StateAvailable))
	}
	q.mu.Lock()
	closed := q.stopped.Load() && q.all == nil
	if !closed {
		for _, c := range contexts {
			if !slices.Contains(q.available, c) {
				q.available = append(q.available, c)
			}
		}
	}
	q.mu.Unlock()

	if closed {
		for _, c := range contexts {
			c.list.Destroy()
		}
	}
}

// uniqueContexts drops repeated contexts, keeping the first of each.
func uniqueContexts(contexts []*RecordingContext) []*RecordingContext {
	out := contexts[:0:0]
	for _, c := range contexts {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func (q *CommandQueue) usableLocked() error {
	if q.stopped.Load() {
		return core.ErrQueueClosed
	}
	return q.Err()
}

// fail stops the queue for good. Every later call returns err.
func (q *CommandQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
		core.LogError("%s queue failed: %s", q.typ, err)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *CommandQueue) observe(v uint64) {
	for {
		cur := q.completed.Load()
		if v <= cur || q.completed.CompareAndSwap(cur, v) {
			return
		}
	}
}
