package engine

import (
	"context"
	"strings"
	"sync"
)

// nodeSemaphore is a channel semaphore pre-filled with limit tokens.
type nodeSemaphore struct {
	ch chan struct{}
}

func newNodeSemaphore(limit int) *nodeSemaphore {
	limit = max(limit, 1)
	ns := &nodeSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		ns.ch <- struct{}{}
	}
	return ns
}

func (n *nodeSemaphore) acquire(ctx context.Context) bool {
	select {
	case <-n.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (n *nodeSemaphore) release() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// nodeLimiter holds one semaphore per node name. A limit change takes effect
// for nodes first seen after it; existing semaphores keep their size.
type nodeLimiter struct {
	mu  sync.Mutex
	sem map[string]*nodeSemaphore
}

// acquire blocks until the node has a free slot. It returns a release func,
// or ctx's error. limit <= 0 disables limiting.
func (l *nodeLimiter) acquire(ctx context.Context, nodeName string, limit int) (func(), error) {
	key := strings.TrimSpace(nodeName)
	if limit <= 0 || key == "" {
		return func() {}, nil
	}
	l.mu.Lock()
	if l.sem == nil {
		l.sem = map[string]*nodeSemaphore{}
	}
	ns := l.sem[key]
	if ns == nil {
		ns = newNodeSemaphore(limit)
		l.sem[key] = ns
	}
	l.mu.Unlock()

	if !ns.acquire(ctx) {
		return nil, ctx.Err()
	}
	return ns.release, nil
}
