package worker

import "sync"

// Deque is a double-ended queue of actions: the owning worker pushes and
// pops from the bottom (LIFO, cheap, cache-friendly continuation of its own
// work), while thieves pop from the top (FIFO, taking the oldest — and
// likely largest-grained — work first). This is the Chase-Lev deque shape
// referenced by SPEC_FULL.md §4.I, simplified to a mutex-guarded slice since
// the engine does not need the lock-free single-owner-multi-thief variant's
// extra complexity at this scale.
type Deque struct {
	mu    sync.Mutex
	items []item
}

type item struct {
	req interface{}
}

// PushBottom adds req as the owner's next item to work on.
func (d *Deque) PushBottom(req interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item{req: req})
}

// PopBottom removes and returns the most recently pushed item (LIFO), for
// the owning worker.
func (d *Deque) PopBottom() (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil, false
	}
	it := d.items[n-1]
	d.items = d.items[:n-1]
	return it.req, true
}

// PopTop removes and returns the oldest item (FIFO), for a thief stealing
// from this deque.
func (d *Deque) PopTop() (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	it := d.items[0]
	d.items = d.items[1:]
	return it.req, true
}

// Len reports the current depth, used to advertise queue depth in
// heartbeats and in the worker's LoadFactor.
func (d *Deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
