package ble

import "sync"

// notifier delivers listener calls in the order they were queued, with the
// owning controller's locks released. Calls must be queued while holding
// the owner's mu so their order matches the order of the state changes.
//
// A call queued from inside a delivery (a listener calling back into the
// controller) is run by the goroutine that is already draining, after the
// current delivery returns.
type notifier struct {
	pending  []func()
	draining bool
}

// push queues f. Caller must hold the owner's mu.
func (n *notifier) push(f func()) {
	n.pending = append(n.pending, f)
}

// flush delivers queued calls unless another goroutine is already doing so.
// Caller must not hold mu.
func (n *notifier) flush(mu *sync.Mutex) {
	mu.Lock()
	if n.draining {
		mu.Unlock()
		return
	}
	n.draining = true
	for len(n.pending) > 0 {
		f := n.pending[0]
		n.pending[0] = nil
		n.pending = n.pending[1:]
		mu.Unlock()
		f()
		mu.Lock()
	}
	n.draining = false
	mu.Unlock()
}
