package grid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/guernica0131/foreshadow/internal/singleflight"
)

var (
	// ErrUnknownDataset is returned when no grid exists for the requested
	// model/run/parameter/hour combination.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrDecode is returned when the underlying grid data is unreadable.
	ErrDecode = errors.New("grid data unreadable")
)

// Decoder turns a Ref into a decoded Dataset. Implementations wrap the
// external grid decoding library; they must surface a missing combination as
// ErrUnknownDataset and corrupt data as ErrDecode, never as a zero-filled
// grid.
type Decoder interface {
	Decode(ctx context.Context, ref Ref) (*Dataset, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, ref Ref) (*Dataset, error)

func (f DecoderFunc) Decode(ctx context.Context, ref Ref) (*Dataset, error) {
	return f(ctx, ref)
}

type entry struct {
	ds       *Dataset
	loadedAt time.Time
}

// Accessor loads datasets through a Decoder and keeps recently used ones
// resident. Loading is idempotent; repeated loads for the same Ref return
// equivalent data. Residency is an internal matter: callers must treat every
// Load as potentially expensive, and a dataset may be evicted and reloaded at
// any time.
type Accessor struct {
	dec    Decoder
	flight *singleflight.Group[*Dataset]

	mu         sync.RWMutex
	resident   map[string]entry
	maxEntries int
	maxAge     time.Duration
}

// NewAccessor creates an Accessor retaining up to maxEntries datasets for at
// most maxAge. maxEntries <= 0 means unlimited; maxAge <= 0 disables age
// eviction.
func NewAccessor(dec Decoder, maxEntries int, maxAge time.Duration) *Accessor {
	return &Accessor{
		dec:        dec,
		flight:     singleflight.NewGroup[*Dataset](),
		resident:   make(map[string]entry),
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

// Load returns the dataset for ref, decoding it if not resident. Concurrent
// loads for the same ref are collapsed into one decode.
func (a *Accessor) Load(ctx context.Context, ref Ref) (*Dataset, error) {
	key := ref.Key()

	if ds := a.lookup(key); ds != nil {
		return ds, nil
	}

	ds, _, err := a.flight.Do(ctx, key, func() (*Dataset, error) {
		// Another caller may have finished between lookup and registration.
		if ds := a.lookup(key); ds != nil {
			return ds, nil
		}
		ds, err := a.dec.Decode(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ds == nil {
			return nil, fmt.Errorf("%w: decoder returned no data for %s", ErrUnknownDataset, key)
		}
		a.store(key, ds)
		return ds, nil
	})
	return ds, err
}

func (a *Accessor) lookup(key string) *Dataset {
	a.mu.RLock()
	e, ok := a.resident[key]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	if a.maxAge > 0 && time.Since(e.loadedAt) > a.maxAge {
		a.mu.Lock()
		delete(a.resident, key)
		a.mu.Unlock()
		return nil
	}
	return e.ds
}

func (a *Accessor) store(key string, ds *Dataset) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxEntries > 0 && len(a.resident) >= a.maxEntries {
		a.evictOldestLocked()
	}
	a.resident[key] = entry{ds: ds, loadedAt: time.Now()}
}

func (a *Accessor) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range a.resident {
		if oldestKey == "" || e.loadedAt.Before(oldest) {
			oldestKey, oldest = k, e.loadedAt
		}
	}
	if oldestKey != "" {
		log.Printf("DEBUG: evicting resident dataset %s", oldestKey)
		delete(a.resident, oldestKey)
	}
}

// Resident reports how many datasets are currently held in memory.
func (a *Accessor) Resident() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.resident)
}
