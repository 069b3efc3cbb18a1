package tools

import (
	"context"
	"sync"
)

// ChangeNotifier is a small in-process pub-sub used to signal that the tool
// set changed. The zero value is ready to use.
type ChangeNotifier struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

// Notify signals every subscriber. Delivery is best-effort: a subscriber that
// already has a pending signal is not signalled twice.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	for ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a subscriber until ctx ends, at which point the
// returned channel is closed.
func (cn *ChangeNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	cn.mu.Lock()
	if cn.subscribers == nil {
		cn.subscribers = make(map[chan struct{}]struct{})
	}
	cn.subscribers[ch] = struct{}{}
	cn.mu.Unlock()

	go func() {
		<-ctx.Done()
		cn.mu.Lock()
		delete(cn.subscribers, ch)
		cn.mu.Unlock()
		close(ch)
	}()

	return ch
}
