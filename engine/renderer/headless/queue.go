package headless

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/containers"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

type opKind int

const (
	opSubmit opKind = iota
	opSignal
	opWait
)

type op struct {
	kind  opKind
	lists []*CommandList
	value uint64
	other *Queue
}

// Queue executes operations in order on its own goroutine.
type Queue struct {
	dev   *Device
	typ   gpu.QueueType
	fence *timeline

	mu           sync.Mutex
	cond         *sync.Cond
	ops          *containers.RingQueue[op]
	lastSignaled uint64
	paused       bool
	closed       bool
	lost         bool
	done         chan struct{}
}

func newQueue(d *Device, t gpu.QueueType) *Queue {
	q := &Queue{
		dev:   d,
		typ:   t,
		fence: newTimeline(),
		ops:   containers.NewGrowableRingQueue[op](16),
		done:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) Type() gpu.QueueType { return q.typ }

func (q *Queue) Submit(lists []gpu.CommandList) error {
	batch := make([]*CommandList, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.dev != q.dev {
			return errors.Wrap(core.ErrInvalidArgument, "command list does not belong to this device")
		}
		if cl.typ != q.typ {
			return errors.Wrapf(core.ErrInvalidArgument, "%s command list submitted to %s queue", cl.typ, q.typ)
		}
		if err := cl.markPending(); err != nil {
			for _, p := range batch {
				p.finish()
			}
			return err
		}
		batch = append(batch, cl)
	}
	if err := q.enqueue(op{kind: opSubmit, lists: batch}); err != nil {
		for _, p := range batch {
			p.finish()
		}
		return err
	}
	return nil
}

func (q *Queue) Signal(value uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if value <= q.lastSignaled {
		return errors.Wrapf(core.ErrInvalidArgument, "fence value %d does not exceed %d", value, q.lastSignaled)
	}
	if err := q.pushLocked(op{kind: opSignal, value: value}); err != nil {
		return err
	}
	q.lastSignaled = value
	return nil
}

func (q *Queue) Wait(other gpu.Queue, value uint64) error {
	o, ok := other.(*Queue)
	if !ok || o.dev != q.dev {
		return errors.Wrap(core.ErrInvalidArgument, "queue does not belong to this device")
	}
	if o == q {
		// A queue waiting on itself is satisfied by submission order.
		return nil
	}
	return q.enqueue(op{kind: opWait, value: value, other: o})
}

func (q *Queue) CompletedValue() (uint64, error) {
	return q.fence.completed()
}

func (q *Queue) WaitValue(value uint64) error {
	return q.fence.wait(value)
}

// Pause holds execution of everything enqueued from now on until Resume.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pending returns the number of operations not yet executed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops.Len()
}

func (q *Queue) enqueue(o op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(o)
}

func (q *Queue) pushLocked(o op) error {
	if q.lost {
		return gpu.ErrDeviceLost
	}
	if q.closed {
		return errors.Wrap(core.ErrInvalidState, "queue is closed")
	}
	if err := q.ops.Enqueue(o); err != nil {
		return err
	}
	q.cond.Signal()
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.lost && (q.ops.IsEmpty() || q.paused) && !(q.closed && q.ops.IsEmpty()) {
			q.cond.Wait()
		}
		if q.lost {
			q.ops.Drain(func(o op) {
				for _, l := range o.lists {
					l.finish()
				}
			})
			q.mu.Unlock()
			return
		}
		if q.ops.IsEmpty() {
			// closed and drained
			q.mu.Unlock()
			return
		}
		o, _ := q.ops.Dequeue()
		q.mu.Unlock()

		q.execute(o)
	}
}

func (q *Queue) execute(o op) {
	switch o.kind {
	case opSubmit:
		if q.dev.opts.Latency > 0 {
			time.Sleep(q.dev.opts.Latency)
		}
		for _, l := range o.lists {
			if err := l.execute(q); err != nil {
				q.dev.fault(err)
			}
			l.finish()
		}
	case opSignal:
		q.fence.signal(o.value)
	case opWait:
		if err := o.other.fence.wait(o.value); err != nil {
			q.dev.fault(errors.Wrapf(err, "%s queue waiting on %s queue", q.typ, o.other.typ))
		}
	}
}

func (q *Queue) lose() {
	q.mu.Lock()
	q.lost = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.fence.fail(gpu.ErrDeviceLost)
}

// close lets the executor finish queued work, then stops it.
func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}
