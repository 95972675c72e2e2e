package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryBackend is a concurrency-safe in-memory cache backend with TTL and a
// size bound. It serves as the default backend when no Redis address is
// configured, and as the local tier in tests.
type MemoryBackend struct {
	mu sync.RWMutex

	data       map[string]memoryEntry
	maxEntries int // 0 = unlimited

	stop    chan struct{}
	stopped sync.Once
}

// NewMemoryBackend creates a MemoryBackend. A janitor goroutine removes
// expired entries every sweepInterval; sweepInterval <= 0 disables it (expired
// entries are still filtered on read).
func NewMemoryBackend(maxEntries int, sweepInterval time.Duration) *MemoryBackend {
	m := &MemoryBackend{
		data:       make(map[string]memoryEntry),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.janitor(sweepInterval)
	}
	return m
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxEntries > 0 && len(m.data) >= m.maxEntries {
		if _, exists := m.data[key]; !exists {
			m.evictSoonestLocked()
		}
	}
	m.data[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close stops the janitor goroutine.
func (m *MemoryBackend) Close() {
	m.stopped.Do(func() { close(m.stop) })
}

// evictSoonestLocked drops the entry closest to expiry, preferring already
// expired ones. Entries without expiry are evicted last.
func (m *MemoryBackend) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for k, e := range m.data {
		when := e.expiresAt
		if when.IsZero() {
			// Sorts after every real deadline.
			when = time.Now().Add(1000 * time.Hour)
		}
		if victim == "" || when.Before(soonest) {
			victim, soonest = k, when
		}
	}
	if victim != "" {
		delete(m.data, victim)
	}
}

func (m *MemoryBackend) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.data {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
