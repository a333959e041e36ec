// Package sessions tracks the conversation sessions currently running so a
// serving layer can enumerate them and drain everything on shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a registered session exposes to the tracker.
type Handle struct {
	Stop func()
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]*tracked
	wg      sync.WaitGroup
}

type tracked struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*tracked)}
}

// Register adds a session under id, replacing (and unregistering) any
// previous session with the same id. The returned func unregisters; calling
// it more than once is safe.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*tracked)
	}
	old := t.entries[id]
	t.entries[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *tracked) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.entries != nil && t.entries[id] == entry {
			delete(t.entries, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// StopAll tears down every registered session. Stop hooks run outside the
// tracker lock; a hook may unregister its own session.
func (t *Tracker) StopAll() (stopped int) {
	if t == nil {
		return 0
	}

	var stops []func()
	t.mu.Lock()
	for _, entry := range t.entries {
		if entry == nil || entry.handle.Stop == nil {
			continue
		}
		stops = append(stops, entry.handle.Stop)
	}
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
		stopped++
	}
	return stopped
}

// Wait blocks until every registered session has unregistered, or ctx
// expires. A nil ctx waits indefinitely.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
