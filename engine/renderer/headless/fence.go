package headless

import "sync"

// timeline is a monotonic 64-bit fence. Waiters park on a condition
// variable until the value is reached or the device is lost.
type timeline struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
	err   error
}

func newTimeline() *timeline {
	t := &timeline{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *timeline) signal(v uint64) {
	t.mu.Lock()
	if v > t.value {
		t.value = v
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *timeline) completed() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.err
}

func (t *timeline) wait(v uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.value < v && t.err == nil {
		t.cond.Wait()
	}
	if t.value >= v {
		return nil
	}
	return t.err
}

func (t *timeline) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}
