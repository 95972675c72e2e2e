package cache

import (
	"context"
	"errors"
	"log"
	"time"
)

var (
	// ErrNotFound is returned by a Backend when no value exists for a key.
	ErrNotFound = errors.New("cache: key not found")
)

// Backend is the contract any key-value cache backend must satisfy. TTL
// semantics are best-effort; no transactional guarantees are assumed.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Facade wraps a Backend with the engine's degradation policy: a backend
// failure is never propagated to the caller: a failed Get reads as a miss and
// a failed Set is dropped, both logged at warning level. The engine then
// degrades to compute-through.
type Facade struct {
	backend Backend
}

// NewFacade wraps backend. A nil backend yields a facade where every Get
// misses and every Set is a no-op (cache disabled).
func NewFacade(backend Backend) *Facade {
	return &Facade{backend: backend}
}

// Get returns the cached value for key, or ok=false on a miss or backend
// failure.
func (f *Facade) Get(ctx context.Context, key string) ([]byte, bool) {
	if f.backend == nil {
		return nil, false
	}
	val, err := f.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("WARN: cache get failed for %s: %v", key, err)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the given TTL, best-effort.
func (f *Facade) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if f.backend == nil {
		return
	}
	if err := f.backend.Set(ctx, key, value, ttl); err != nil {
		log.Printf("WARN: cache set failed for %s: %v", key, err)
	}
}
