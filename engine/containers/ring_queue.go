package containers

import "github.com/cockroachdb/errors"

var (
	ErrQueueFull  = errors.New("queue is full")
	ErrQueueEmpty = errors.New("queue is empty")
)

// RingQueue is a FIFO backed by a circular buffer. A growable queue doubles
// its storage instead of reporting ErrQueueFull.
type RingQueue[T any] struct {
	data       []T
	readIndex  int
	writeIndex int
	count      int
	growable   bool
}

// Create a new fixed capacity RingQueue
func NewRingQueue[T any](size int) *RingQueue[T] {
	if size < 1 {
		size = 1
	}
	return &RingQueue[T]{
		data: make([]T, size),
	}
}

// Create a RingQueue that grows when it runs out of room
func NewGrowableRingQueue[T any](size int) *RingQueue[T] {
	rq := NewRingQueue[T](size)
	rq.growable = true
	return rq
}

// Enqueue adds an element to the queue
func (rq *RingQueue[T]) Enqueue(value T) error {
	if rq.IsFull() {
		if !rq.growable {
			return ErrQueueFull
		}
		rq.grow()
	}

	rq.data[rq.writeIndex] = value
	rq.writeIndex = (rq.writeIndex + 1) % len(rq.data)
	rq.count++
	return nil
}

// Dequeue removes and returns the front element in the queue
func (rq *RingQueue[T]) Dequeue() (T, error) {
	var zero T
	if rq.IsEmpty() {
		return zero, ErrQueueEmpty
	}

	value := rq.data[rq.readIndex]
	// drop the reference so the slot does not keep the value alive
	rq.data[rq.readIndex] = zero
	rq.readIndex = (rq.readIndex + 1) % len(rq.data)
	rq.count--
	return value, nil
}

// Peek returns the front element without removing it
func (rq *RingQueue[T]) Peek() (T, error) {
	if rq.IsEmpty() {
		var zero T
		return zero, ErrQueueEmpty
	}
	return rq.data[rq.readIndex], nil
}

// IsEmpty checks if the queue is empty
func (rq *RingQueue[T]) IsEmpty() bool {
	return rq.count == 0
}

// IsFull checks if the queue is full
func (rq *RingQueue[T]) IsFull() bool {
	return rq.count == len(rq.data)
}

func (rq *RingQueue[T]) Len() int {
	return rq.count
}

func (rq *RingQueue[T]) Cap() int {
	return len(rq.data)
}

// Clear empties the queue, keeping its storage.
func (rq *RingQueue[T]) Clear() {
	clear(rq.data)
	rq.readIndex = 0
	rq.writeIndex = 0
	rq.count = 0
}

// Drain dequeues every element in FIFO order.
func (rq *RingQueue[T]) Drain(fn func(T)) {
	for !rq.IsEmpty() {
		v, _ := rq.Dequeue()
		fn(v)
	}
}

func (rq *RingQueue[T]) grow() {
	data := make([]T, len(rq.data)*2)
	for i := 0; i < rq.count; i++ {
		data[i] = rq.data[(rq.readIndex+i)%len(rq.data)]
	}
	rq.data = data
	rq.readIndex = 0
	rq.writeIndex = rq.count
}
