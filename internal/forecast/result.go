package forecast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/guernica0131/foreshadow/internal/geo"
)

// SampleState distinguishes a real reading from the two flavors of absence:
// the source data had no value at that cell, or the unit of work that should
// have produced it failed.
type SampleState uint8

const (
	StatePresent SampleState = iota
	StateMissing
	StateFailed
)

var stateNames = map[SampleState]string{
	StatePresent: "ok",
	StateMissing: "missing",
	StateFailed:  "failed",
}

func (s SampleState) String() string { return stateNames[s] }

func (s SampleState) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown sample state %d", s)
	}
	return json.Marshal(name)
}

func (s *SampleState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown sample state %q", name)
}

// Sample is one value-or-missing reading. Value is meaningful only when State
// is StatePresent; missing is never conflated with a valid zero.
type Sample struct {
	Value float64     `json:"value"`
	State SampleState `json:"state"`
}

// Present wraps a real reading.
func Present(v float64) Sample { return Sample{Value: v, State: StatePresent} }

// Missing marks a cell the source data has no value for.
func Missing() Sample { return Sample{State: StateMissing} }

// Failed marks a unit of work that did not complete.
func Failed() Sample { return Sample{State: StateFailed} }

// TimeStep is one row of a point timeseries: the samples for every requested
// parameter at one hour-offset, in the caller's parameter order.
type TimeStep struct {
	HourOffset int       `json:"hourOffset"`
	ValidTime  time.Time `json:"validTime"`
	Samples    []Sample  `json:"samples"`
}

// PointSeries is the point-mode result: steps ascend by hour-offset and
// sample columns follow the request's parameter order, not the canonical
// order used for cache keys.
type PointSeries struct {
	Model  string     `json:"model"`
	Lat    float64    `json:"lat"`
	Lon    float64    `json:"lon"`
	Params []string   `json:"params"`
	Units  []string   `json:"units"`
	Steps  []TimeStep `json:"steps"`
}

// TileRaster is the tile-mode result: a Size×Size grid of per-pixel samples
// in row-major order (north to south, west to east), tagged with the tile's
// bounding box. Image encoding is the transport's concern.
type TileRaster struct {
	Z          int       `json:"z"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Size       int       `json:"size"`
	BBox       geo.BBox  `json:"bbox"`
	Values     []float64 `json:"values"`
	Missing    []bool    `json:"missing"`
	Units      string    `json:"units"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	HourOffset int       `json:"hourOffset"`
}

// Result is the settled outcome of a forecast computation, one of the two
// shapes depending on the request.
type Result struct {
	Point *PointSeries `json:"point,omitempty"`
	Tile  *TileRaster  `json:"tile,omitempty"`
}

// Encode serializes the result for cache storage.
func (r *Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult deserializes a cached result.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
