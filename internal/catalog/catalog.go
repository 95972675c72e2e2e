// Package catalog tracks which forecast models, runs and parameters are
// available on disk. Model descriptors are immutable after load; the run and
// parameter views are refreshed by the scheduler as the ingest process lands
// new files.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoRun is returned when no published run covers a requested hour-offset.
var ErrNoRun = errors.New("no run available for requested hour offset")

// Model describes one forecast model's file naming scheme.
type Model struct {
	ID           string `json:"id"`
	FilePrefix   string `json:"-"`
	FileCategory string `json:"-"`
	Resolution   string `json:"-"`
	FileAppendix string `json:"-"`
	MaxHour      int    `json:"maxHour"`
}

// DefaultModels are the models the service knows out of the box.
func DefaultModels() []Model {
	return []Model{
		{ID: "gfs", FilePrefix: "gfs", FileCategory: "pgrb2", Resolution: "0p25", FileAppendix: "", MaxHour: 384},
		{ID: "gfswave", FilePrefix: "gfswave", FileCategory: "global", Resolution: "0p25", FileAppendix: ".grib2", MaxHour: 384},
	}
}

// Parameter describes one physical parameter a model exposes.
type Parameter struct {
	Key         string           `json:"parameter_key"`
	Name        string           `json:"parameter_name"`
	Units       string           `json:"units"`
	ShortName   string           `json:"short_name"`
	TypeOfLevel string           `json:"type_of_level"`
	Levels      map[string][]int `json:"levels,omitempty"`
	StepTypes   []string         `json:"step_types,omitempty"`
	Min         float64          `json:"min"`
	Max         float64          `json:"max"`
}

// ParameterSource lists the parameters present in a model's grid files. The
// file-decoding side implements it; the catalog only stores the result.
type ParameterSource interface {
	Parameters(ctx context.Context, model Model, run Run) ([]Parameter, error)
}

// Run identifies one resolved model run and the forecast hour within it.
type Run struct {
	Model   string
	Time    time.Time // run reference time, UTC
	FHR     int       // forecast hour within the run's file set
	Path    string    // on-disk grid file for this hour
}

// ValidTime is the wall-clock time the forecast hour refers to.
func (r Run) ValidTime() time.Time {
	return r.Time.Add(time.Duration(r.FHR) * time.Hour)
}

// runHours are the synoptic cycles published per day.
var runHours = []int{0, 6, 12, 18}

var paramKeyStrip = regexp.MustCompile(`[^\w\s_-]`)

// MakeParamKey normalizes a raw parameter name into a URL-safe key, e.g.
// "2 metre temperature" -> "2-metre-temperature".
func MakeParamKey(raw string) string {
	k := strings.ReplaceAll(raw, "/", "_")
	k = paramKeyStrip.ReplaceAllString(k, "")
	return strings.ReplaceAll(strings.ToLower(k), " ", "-")
}

// SnapHourOffset maps an hour-offset onto the grid of published forecast
// hours: hourly through f120, 3-hourly beyond. Offsets past 120 snap to the
// nearest multiple of three, rounding remainder 1 down and remainder 2 up.
func SnapHourOffset(h int) int {
	if h <= 120 {
		return h
	}
	switch (h - 120) % 3 {
	case 1:
		return h - 1
	case 2:
		return h + 1
	default:
		return h
	}
}

// Catalog resolves requests against the models and run files on disk.
type Catalog struct {
	root   string
	models map[string]Model
	now    func() time.Time

	mu     sync.RWMutex
	params map[string][]Parameter // model id -> descriptors

	maxLookbackDays int
	maxForwardDays  int
}

// New creates a Catalog rooted at the grid file directory.
func New(root string, models []Model) *Catalog {
	m := make(map[string]Model, len(models))
	for _, md := range models {
		m[md.ID] = md
	}
	return &Catalog{
		root:            root,
		models:          m,
		now:             time.Now,
		params:          make(map[string][]Parameter),
		maxLookbackDays: 5,
		maxForwardDays:  1,
	}
}

// ValidModel reports whether the model id is known.
func (c *Catalog) ValidModel(id string) bool {
	_, ok := c.models[id]
	return ok
}

// Models returns the known model descriptors, sorted by id.
func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// runCandidates lists possible run reference times, newest first, spanning the
// configured lookback/forward window around now.
func (c *Catalog) runCandidates() []time.Time {
	now := c.now().UTC()
	var runs []time.Time
	for d := -c.maxLookbackDays; d <= c.maxForwardDays; d++ {
		day := now.AddDate(0, 0, d)
		for _, rh := range runHours {
			runs = append(runs, time.Date(day.Year(), day.Month(), day.Day(), rh, 0, 0, 0, time.UTC))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].After(runs[j]) })
	return runs
}

// FileName builds the file name for one forecast hour of a run. The same
// scheme names files in the upstream archive and on local disk.
func FileName(m Model, runHour, fhr int) string {
	return fmt.Sprintf("%s.t%02dz.%s.%s.f%03d%s",
		m.FilePrefix, runHour, m.FileCategory, m.Resolution, fhr, m.FileAppendix)
}

// FilePath returns where a run-hour file lives (or would live) under the root.
func (c *Catalog) FilePath(m Model, run time.Time, fhr int) string {
	return filepath.Join(c.root, run.Format("20060102"), fmt.Sprintf("%02d", run.Hour()),
		FileName(m, run.Hour(), fhr))
}

// Resolve finds the freshest run whose files cover the requested hour-offset.
// The offset is interpreted relative to now: the chosen run is the newest one
// for which (now + offset) falls on an available forecast-hour file.
func (c *Catalog) Resolve(modelID string, hourOffset int) (Run, error) {
	m, ok := c.models[modelID]
	if !ok {
		return Run{}, fmt.Errorf("%w: unknown model %q", ErrNoRun, modelID)
	}

	target := c.now().UTC().Add(time.Duration(hourOffset) * time.Hour)
	for _, rt := range c.runCandidates() {
		diff := target.Sub(rt).Hours()
		fhr := SnapHourOffset(int(diff + 0.5))
		if fhr < 0 || fhr > m.MaxHour {
			continue
		}
		path := c.FilePath(m, rt, fhr)
		if _, err := os.Stat(path); err == nil {
			return Run{Model: modelID, Time: rt, FHR: fhr, Path: path}, nil
		}
	}
	return Run{}, fmt.Errorf("%w: model=%s offset=%d", ErrNoRun, modelID, hourOffset)
}

// Parameters returns the cached descriptors for a model.
func (c *Catalog) Parameters(modelID string) []Parameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params[modelID]
}

// Parameter looks up one descriptor by key.
func (c *Catalog) Parameter(modelID, key string) (Parameter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.params[modelID] {
		if p.Key == key {
			return p, true
		}
	}
	return Parameter{}, false
}

// SetParameters replaces a model's descriptors. Used by Refresh and by tests.
func (c *Catalog) SetParameters(modelID string, params []Parameter) {
	c.mu.Lock()
	c.params[modelID] = params
	c.mu.Unlock()
}

// Refresh rebuilds the parameter registry for every model whose current run
// can be resolved. Models without data keep their previous descriptors.
func (c *Catalog) Refresh(ctx context.Context, src ParameterSource) {
	for _, m := range c.Models() {
		run, err := c.Resolve(m.ID, 0)
		if err != nil {
			log.Printf("INFO: catalog refresh: no current run for %s: %v", m.ID, err)
			continue
		}
		params, err := src.Parameters(ctx, m, run)
		if err != nil {
			log.Printf("WARN: catalog refresh failed for %s: %v", m.ID, err)
			continue
		}
		sort.Slice(params, func(i, j int) bool { return params[i].Key < params[j].Key })
		c.SetParameters(m.ID, params)
		log.Printf("INFO: catalog refreshed %s: %d parameters (run %s f%03d)",
			m.ID, len(params), run.Time.Format("2006-01-02 15Z"), run.FHR)
	}
}
