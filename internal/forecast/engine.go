package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/guernica0131/foreshadow/internal/cache"
	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/geo"
	"github.com/guernica0131/foreshadow/internal/grid"
	"github.com/guernica0131/foreshadow/internal/singleflight"
)

// RunResolver maps (model, hour-offset) onto a published model run.
type RunResolver interface {
	ValidModel(id string) bool
	Resolve(model string, hourOffset int) (catalog.Run, error)
}

// Loader provides decoded grid datasets. Loads may be expensive; the engine
// never assumes a dataset stays resident.
type Loader interface {
	Load(ctx context.Context, ref grid.Ref) (*grid.Dataset, error)
}

// Config bounds the engine's resources.
type Config struct {
	// Workers caps concurrently executing units of work across all requests.
	Workers int
	// UnitTimeout is the per-unit deadline. A unit exceeding it is marked
	// failed; its siblings are unaffected.
	UnitTimeout time.Duration
	// TileSize is the square pixel size of rendered tile rasters.
	TileSize int
	// PointTTL and TileTTL select cache lifetimes per request mode. Tiles
	// are stable once a run is published and may live longer.
	PointTTL time.Duration
	TileTTL  time.Duration
}

func (c *Config) fill() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = 30 * time.Second
	}
	if c.TileSize <= 0 {
		c.TileSize = 256
	}
	if c.PointTTL <= 0 {
		c.PointTTL = time.Hour
	}
	if c.TileTTL <= 0 {
		c.TileTTL = 15 * time.Minute
	}
}

// Engine is the computation orchestrator: it turns requests into cache
// lookups, deduplicates concurrent computations per cache key, fans units of
// work out over a bounded worker pool and assembles ordered results.
type Engine struct {
	runs   RunResolver
	grids  Loader
	cache  *cache.Facade
	flight *singleflight.Group[*Result]
	pool   *semaphore.Weighted
	cfg    Config
}

// New creates an Engine. facade may wrap a nil backend to disable caching.
func New(runs RunResolver, grids Loader, facade *cache.Facade, cfg Config) *Engine {
	cfg.fill()
	return &Engine{
		runs:   runs,
		grids:  grids,
		cache:  facade,
		flight: singleflight.NewGroup[*Result](),
		pool:   semaphore.NewWeighted(int64(cfg.Workers)),
		cfg:    cfg,
	}
}

// progressSink receives unit completions during a computation. A nil sink is
// used for synchronous requests.
type progressSink interface {
	unitDone(completed, total int)
	stopDispatch() bool
}

// Compute resolves a request to a result: cache hit, attach to an in-flight
// computation for the same key, or fresh computation published to the cache.
// cached reports whether the result came straight from the cache.
func (e *Engine) Compute(ctx context.Context, req Request) (res *Result, cached bool, err error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	if !e.runs.ValidModel(req.ModelID()) {
		return nil, false, fmt.Errorf("%w: model %q", grid.ErrUnknownDataset, req.ModelID())
	}

	key := req.CacheKey()
	if data, ok := e.cache.Get(ctx, key); ok {
		if res, err := DecodeResult(data); err == nil {
			return res, true, nil
		}
		log.Printf("WARN: discarding undecodable cache entry %s", key)
	}

	res, _, err = e.flight.Do(ctx, key, func() (*Result, error) {
		return e.computeAndPublish(ctx, key, req, nil)
	})
	return res, false, err
}

// Stream starts a computation whose progress is observable. Validation errors
// surface synchronously; everything later arrives as events.
func (e *Engine) Stream(ctx context.Context, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !e.runs.ValidModel(req.ModelID()) {
		return nil, fmt.Errorf("%w: model %q", grid.ErrUnknownDataset, req.ModelID())
	}

	st := newStream(e.unitCount(req) + 2)
	key := req.CacheKey()

	// The computation is detached from the consumer's lifetime: a client
	// disconnect stops dispatch through the stream's gate, but dispatched
	// units settle and the result still reaches the cache.
	dctx := context.WithoutCancel(ctx)

	go func() {
		st.start()
		if data, ok := e.cache.Get(dctx, key); ok {
			if res, err := DecodeResult(data); err == nil {
				st.complete(res)
				return
			}
		}
		res, _, err := e.flight.Do(dctx, key, func() (*Result, error) {
			return e.computeAndPublish(dctx, key, req, st)
		})
		if err != nil {
			st.fail(err)
			return
		}
		st.complete(res)
	}()

	return st, nil
}

func (e *Engine) computeAndPublish(ctx context.Context, key string, req Request, sink progressSink) (*Result, error) {
	res, err := e.compute(ctx, req, sink)
	if err != nil {
		return nil, err
	}
	if data, encErr := res.Encode(); encErr == nil {
		// Publication must survive the requester walking away mid-store.
		e.cache.Set(context.WithoutCancel(ctx), key, data, e.ttl(req))
	} else {
		log.Printf("WARN: failed to encode result for %s: %v", key, encErr)
	}
	return res, nil
}

func (e *Engine) ttl(req Request) time.Duration {
	if _, ok := req.(*TileRequest); ok {
		return e.cfg.TileTTL
	}
	return e.cfg.PointTTL
}

func (e *Engine) unitCount(req Request) int {
	switch r := req.(type) {
	case *PointRequest:
		return len(r.Offsets()) * len(r.Params)
	default:
		return 1
	}
}

func (e *Engine) compute(ctx context.Context, req Request, sink progressSink) (*Result, error) {
	switch r := req.(type) {
	case *PointRequest:
		return e.computePoint(ctx, r, sink)
	case *TileRequest:
		return e.computeTile(ctx, r, sink)
	default:
		return nil, fmt.Errorf("%w: unsupported request shape %T", ErrInvalidRequest, req)
	}
}

// unitOutcome is one settled unit of work.
type unitOutcome struct {
	sample    Sample
	units     string
	validTime time.Time
	err       error
}

func (e *Engine) computePoint(parent context.Context, r *PointRequest, sink progressSink) (*Result, error) {
	offsets := r.Offsets()
	nParams := len(r.Params)
	total := len(offsets) * nParams

	outcomes := make([]unitOutcome, total)
	var (
		wg        sync.WaitGroup
		completed atomic.Int64
		fatalOnce sync.Once
		fatalErr  error
	)

	// A fatal unit error (the point is off-grid) abandons the siblings.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

dispatch:
	for oi, off := range offsets {
		for pi, param := range r.Params {
			idx := oi*nParams + pi
			if sink != nil && sink.stopDispatch() {
				outcomes[idx].sample = Failed()
				outcomes[idx].err = context.Canceled
				continue
			}
			if err := e.pool.Acquire(ctx, 1); err != nil {
				// Request cancelled or timed out while queued: the remaining
				// units degrade rather than hang.
				for j := idx; j < total; j++ {
					outcomes[j].sample = Failed()
					outcomes[j].err = fmt.Errorf("%w: %v", ErrUnitTimeout, err)
				}
				break dispatch
			}
			wg.Add(1)
			go func(idx, off int, param ParamSpec) {
				defer wg.Done()
				defer e.pool.Release(1)

				uctx, ucancel := context.WithTimeout(ctx, e.cfg.UnitTimeout)
				defer ucancel()

				outcomes[idx] = e.pointUnit(uctx, r, param, off)
				if errors.Is(outcomes[idx].err, geo.ErrOutOfDomain) {
					fatalOnce.Do(func() {
						fatalErr = outcomes[idx].err
						cancel()
					})
				}
				if sink != nil {
					sink.unitDone(int(completed.Add(1)), total)
				}
			}(idx, off, param)
		}
	}
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}

	// If every unit failed, report the request as failed with the first
	// unit's error kind; partial failure degrades units only.
	var firstErr error
	failedCount := 0
	for _, o := range outcomes {
		if o.err != nil {
			failedCount++
			if firstErr == nil {
				firstErr = o.err
			}
		}
	}
	if failedCount == total {
		return nil, firstErr
	}

	series := &PointSeries{
		Model:  r.Model,
		Lat:    r.Lat,
		Lon:    r.Lon,
		Params: make([]string, nParams),
		Units:  make([]string, nParams),
		Steps:  make([]TimeStep, len(offsets)),
	}
	for pi, p := range r.Params {
		series.Params[pi] = p.Key
		// First settled unit that knows the parameter's units wins.
		for oi := range offsets {
			if u := outcomes[oi*nParams+pi].units; u != "" {
				series.Units[pi] = u
				break
			}
		}
	}
	for oi, off := range offsets {
		step := TimeStep{HourOffset: off, Samples: make([]Sample, nParams)}
		for pi := 0; pi < nParams; pi++ {
			o := outcomes[oi*nParams+pi]
			step.Samples[pi] = o.sample
			if step.ValidTime.IsZero() && !o.validTime.IsZero() {
				step.ValidTime = o.validTime
			}
		}
		series.Steps[oi] = step
	}
	return &Result{Point: series}, nil
}

// pointUnit is one unit of work: resolve the run, load the grid, sample it.
func (e *Engine) pointUnit(ctx context.Context, r *PointRequest, param ParamSpec, off int) unitOutcome {
	run, err := e.runs.Resolve(r.Model, off)
	if err != nil {
		return unitOutcome{sample: Failed(), err: fmt.Errorf("%w: %v", grid.ErrUnknownDataset, err)}
	}
	ds, err := e.grids.Load(ctx, grid.Ref{
		Model:       r.Model,
		Run:         run.Time,
		HourOffset:  run.FHR,
		ParamKey:    param.Key,
		Level:       param.Level,
		TypeOfLevel: param.TypeOfLevel,
		StepType:    param.StepType,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: loading %s/%s f%03d", ErrUnitTimeout, r.Model, param.Key, run.FHR)
		}
		return unitOutcome{sample: Failed(), err: err, validTime: run.ValidTime()}
	}
	val, ok, err := ds.SampleAt(r.Lat, r.Lon)
	if err != nil {
		return unitOutcome{sample: Failed(), err: err, units: ds.Units, validTime: run.ValidTime()}
	}
	if !ok {
		return unitOutcome{sample: Missing(), units: ds.Units, validTime: run.ValidTime()}
	}
	return unitOutcome{sample: Present(val), units: ds.Units, validTime: run.ValidTime()}
}

func (e *Engine) computeTile(parent context.Context, r *TileRequest, sink progressSink) (*Result, error) {
	if !geo.ValidTile(r.Z, r.X, r.Y) {
		return nil, fmt.Errorf("%w: tile %d/%d/%d", ErrInvalidRequest, r.Z, r.X, r.Y)
	}
	if sink != nil && sink.stopDispatch() {
		return nil, context.Canceled
	}
	if err := e.pool.Acquire(parent, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnitTimeout, err)
	}
	defer e.pool.Release(1)

	ctx, cancel := context.WithTimeout(parent, e.cfg.UnitTimeout)
	defer cancel()

	run, err := e.runs.Resolve(r.Model, r.HourOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrUnknownDataset, err)
	}
	ds, err := e.grids.Load(ctx, grid.Ref{
		Model:       r.Model,
		Run:         run.Time,
		HourOffset:  run.FHR,
		ParamKey:    r.Param.Key,
		Level:       r.Param.Level,
		TypeOfLevel: r.Param.TypeOfLevel,
		StepType:    r.Param.StepType,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: loading %s/%s", ErrUnitTimeout, r.Model, r.Param.Key)
		}
		return nil, err
	}

	bbox, err := geo.TileBBox(r.Z, r.X, r.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	lats, lons, err := geo.TilePixelCenters(r.Z, r.X, r.Y, e.cfg.TileSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	values, missing := ds.ExtractRaster(lats, lons)

	raster := &TileRaster{
		Z: r.Z, X: r.X, Y: r.Y,
		Size:       e.cfg.TileSize,
		BBox:       bbox,
		Values:     values,
		Missing:    missing,
		Units:      ds.Units,
		HourOffset: r.HourOffset,
	}
	first := true
	for i, v := range values {
		if missing[i] {
			continue
		}
		if first {
			raster.Min, raster.Max = v, v
			first = false
			continue
		}
		if v < raster.Min {
			raster.Min = v
		}
		if v > raster.Max {
			raster.Max = v
		}
	}
	if sink != nil {
		sink.unitDone(1, 1)
	}
	return &Result{Tile: raster}, nil
}
