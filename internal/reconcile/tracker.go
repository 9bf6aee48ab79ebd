package reconcile

import (
	"context"
	"sync"
	"time"
)

// AttemptTracker counts failed synthesis attempts per orphan file.
// pkg/queue.AttemptCounter is the Redis-backed implementation.
type AttemptTracker interface {
	Failures(ctx context.Context, key string) (int, error)
	RecordFailure(ctx context.Context, key string) (int, error)
	Clear(ctx context.Context, key string) error
}

type memoryEntry struct {
	count   int
	expires time.Time
}

// MemoryTracker is a process-local AttemptTracker for single-instance deployments.
type MemoryTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry

	// Now is the tracker clock. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryTracker returns a tracker whose counts expire ttl after the last failure.
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{ttl: ttl, entries: make(map[string]memoryEntry), Now: time.Now}
}

func (m *MemoryTracker) get(key string) memoryEntry {
	e, ok := m.entries[key]
	if ok && !m.Now().Before(e.expires) {
		delete(m.entries, key)
		return memoryEntry{}
	}
	return e
}

func (m *MemoryTracker) Failures(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key).count, nil
}

func (m *MemoryTracker) RecordFailure(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(key)
	e.expires = m.Now().Add(m.ttl)
	e.count++
	m.entries[key] = e
	return e.count, nil
}

func (m *MemoryTracker) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
