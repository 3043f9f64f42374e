package browser

import (
	"context"
	"sync"
	"time"
)

// netTracker follows in-flight requests of a page so callers can wait for
// the network to settle. Redirects reuse their request ID and are counted once.
type netTracker struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	lastSeen time.Time
}

func newNetTracker() *netTracker {
	return &netTracker{inflight: make(map[string]struct{}), lastSeen: time.Now()}
}

func (t *netTracker) start(id string) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

func (t *netTracker) finish(id string) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

func (t *netTracker) idleFor() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inflight) > 0 {
		return 0, false
	}
	return time.Since(t.lastSeen), true
}

// wait blocks until no request has been in flight for idleAfter.
func (t *netTracker) wait(ctx context.Context, idleAfter time.Duration) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if d, idle := t.idleFor(); idle && d >= idleAfter {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
