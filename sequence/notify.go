package sequence

import "sync"

// notifier is the in-process fast path for continue signals: same-process
// signallers wake waiters immediately instead of riding out a poll interval.
// The durable marker in the store stays authoritative.
type notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string][]chan struct{})}
}

// wait registers a waiter for key. The returned cancel must be called once
// the waiter is done, fired or not.
func (n *notifier) wait(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], ch)
	n.mu.Unlock()
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		ws := n.waiters[key]
		for i, w := range ws {
			if w == ch {
				n.waiters[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// notify wakes every current waiter for key.
func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.waiters[key] {
		close(ch)
	}
	delete(n.waiters, key)
}
