package statestore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time // Zero = no expiry.
}

type memCounter struct {
	total     int64
	expiresAt time.Time
}

// Memory is the in-process store. It backs the failover path in production
// and the full engine in tests and single-node deployments.
//
// Expiry is lazy on access, with a background sweep goroutine bounding
// memory between accesses. Call Close to stop the sweeper.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	counters map[string]*memCounter

	now func() time.Time // Injectable clock for tests.

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates an in-process store and starts its sweep goroutine.
func NewMemory() *Memory {
	m := &Memory{
		entries:  make(map[string]*memEntry),
		counters: make(map[string]*memCounter),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveEntry(key)
	if !ok {
		return nil, 0, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.version, true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveEntry(key)
	if !ok {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.value = append(e.value[:0], value...)
	e.version++
	e.expiresAt = m.deadline(ttl)
	return nil
}

// Incr implements Store.
func (m *Memory) Incr(_ context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if ok && !c.expiresAt.IsZero() && m.now().After(c.expiresAt) {
		ok = false
	}
	if !ok {
		c = &memCounter{}
		m.counters[key] = c
	}
	c.total += by
	if ttl > 0 {
		c.expiresAt = m.deadline(ttl)
	}
	return c.total, nil
}

// Counter implements Store.
func (m *Memory) Counter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return 0, nil
	}
	if !c.expiresAt.IsZero() && m.now().After(c.expiresAt) {
		delete(m.counters, key)
		return 0, nil
	}
	return c.total, nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(_ context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveEntry(key)
	if !ok {
		if expectedVersion != 0 {
			return false, nil
		}
		m.entries[key] = &memEntry{
			value:     append([]byte(nil), value...),
			version:   1,
			expiresAt: m.deadline(ttl),
		}
		return true, nil
	}
	if e.version != expectedVersion {
		return false, nil
	}
	e.value = append(e.value[:0], value...)
	e.version++
	e.expiresAt = m.deadline(ttl)
	return true, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	delete(m.counters, key)
	return nil
}

// Health implements Store.
func (m *Memory) Health() Health { return Health{Backend: BackendMemory} }

// Close stops the sweep goroutine. Safe to call multiple times.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// liveEntry returns the entry for key, discarding it if expired.
// Caller must hold mu.
func (m *Memory) liveEntry(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

const sweepInterval = time.Minute

func (m *Memory) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
	for key, c := range m.counters {
		if !c.expiresAt.IsZero() && now.After(c.expiresAt) {
			delete(m.counters, key)
		}
	}
}
