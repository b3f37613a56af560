package containers

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestRingQueueFixed(t *testing.T) {
	rq := NewRingQueue[int](3)
	for i := 0; i < 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if !rq.IsFull() {
		t.Fatal("IsFull:\nhave false\nwant true")
	}
	if err := rq.Enqueue(3); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on full queue:\nhave %v\nwant %v", err, ErrQueueFull)
	}
	if v, _ := rq.Peek(); v != 0 {
		t.Fatalf("Peek:\nhave %d\nwant 0", v)
	}
	for i := 0; i < 3; i++ {
		v, err := rq.Dequeue()
		if err != nil || v != i {
			t.Fatalf("Dequeue:\nhave %d, %v\nwant %d, nil", v, err, i)
		}
	}
	if _, err := rq.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Dequeue on empty queue:\nhave %v\nwant %v", err, ErrQueueEmpty)
	}
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	rq := NewGrowableRingQueue[int](2)
	// wrap the indices before growing
	rq.Enqueue(-1)
	rq.Dequeue()
	for i := 0; i < 9; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if n := rq.Len(); n != 9 {
		t.Fatalf("Len:\nhave %d\nwant 9", n)
	}
	if c := rq.Cap(); c < 9 {
		t.Fatalf("Cap:\nhave %d\nwant >= 9", c)
	}
	var got []int
	rq.Drain(func(v int) { got = append(got, v) })
	for i, v := range got {
		if v != i {
			t.Fatalf("Drain[%d]:\nhave %d\nwant %d", i, v, i)
		}
	}
	if !rq.IsEmpty() {
		t.Fatal("IsEmpty after Drain:\nhave false\nwant true")
	}
}

func TestRingQueueClear(t *testing.T) {
	rq := NewRingQueue[string](4)
	rq.Enqueue("a")
	rq.Enqueue("b")
	rq.Clear()
	if !rq.IsEmpty() {
		t.Fatal("IsEmpty after Clear:\nhave false\nwant true")
	}
	rq.Enqueue("c")
	if v, _ := rq.Dequeue(); v != "c" {
		t.Fatalf("Dequeue after Clear:\nhave %q\nwant \"c\"", v)
	}
}
