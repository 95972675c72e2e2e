package forecast

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParamSpec names one requested parameter plus its optional level qualifiers.
// A nil Level and empty strings mean "unspecified": the decoder applies its
// own near-surface fallback rules. Level 0 is a real level, distinct from
// unspecified.
type ParamSpec struct {
	Key         string `json:"param_key"`
	Level       *int   `json:"level,omitempty"`
	TypeOfLevel string `json:"typeOfLevel,omitempty"`
	StepType    string `json:"stepType,omitempty"`
}

// canonical renders the spec with explicit sentinels for unset fields, so a
// present-but-default value never collides with an absent one.
func (p ParamSpec) canonical() string {
	level := "-"
	if p.Level != nil {
		level = strconv.Itoa(*p.Level)
	}
	tol, st := p.TypeOfLevel, p.StepType
	if tol == "" {
		tol = "-"
	}
	if st == "" {
		st = "-"
	}
	return p.Key + ":" + level + ":" + tol + ":" + st
}

// Request is a parsed, validated forecast request: either a PointRequest or a
// TileRequest. Exactly one of the two shapes exists for any request.
type Request interface {
	// ModelID names the forecast model the request targets.
	ModelID() string
	// CacheKey returns the canonical cache key: two semantically identical
	// requests (parameter order aside, defaults normalized) share a key.
	CacheKey() string
	// Validate rejects malformed requests before they reach the engine.
	Validate() error

	isRequest()
}

// PointRequest asks for a timeseries of parameter values at one geographic
// point over a range of hour-offsets.
type PointRequest struct {
	Model     string
	Params    []ParamSpec // caller order, preserved in the result
	Lat       float64
	Lon       float64
	StartHour int
	EndHour   int // inclusive; equal to StartHour for a single offset
	StepHours int
}

func (r *PointRequest) isRequest()      {}
func (r *PointRequest) ModelID() string { return r.Model }

func (r *PointRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Params) == 0 {
		return fmt.Errorf("%w: at least one parameter key is required", ErrInvalidRequest)
	}
	for _, p := range r.Params {
		if p.Key == "" {
			return fmt.Errorf("%w: empty parameter key", ErrInvalidRequest)
		}
	}
	if r.Lat < -90 || r.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidRequest, r.Lat)
	}
	if r.Lon < -360 || r.Lon > 360 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidRequest, r.Lon)
	}
	if r.StartHour < 0 || r.EndHour < r.StartHour {
		return fmt.Errorf("%w: bad hour-offset range [%d, %d]", ErrInvalidRequest, r.StartHour, r.EndHour)
	}
	if r.StepHours <= 0 {
		return fmt.Errorf("%w: step hours must be positive", ErrInvalidRequest)
	}
	return nil
}

// Offsets expands the request's hour range into ascending offsets.
func (r *PointRequest) Offsets() []int {
	var out []int
	for h := r.StartHour; h <= r.EndHour; h += r.StepHours {
		out = append(out, h)
	}
	return out
}

func (r *PointRequest) CacheKey() string {
	params := make([]string, len(r.Params))
	for i, p := range r.Params {
		params[i] = p.canonical()
	}
	sort.Strings(params)
	// Coordinates are formatted losslessly: the key must not collide for
	// points the computation would sample differently.
	return fmt.Sprintf("point:%s:%s:%s:%d:%d:%d:%s",
		r.Model,
		strconv.FormatFloat(r.Lat, 'g', -1, 64),
		strconv.FormatFloat(r.Lon, 'g', -1, 64),
		r.StartHour, r.EndHour, r.StepHours,
		strings.Join(params, ","))
}

// TileRequest asks for a raster of one parameter over a slippy-map tile at one
// hour-offset.
type TileRequest struct {
	Model      string
	Param      ParamSpec
	HourOffset int
	Z, X, Y    int
}

func (r *TileRequest) isRequest()      {}
func (r *TileRequest) ModelID() string { return r.Model }

func (r *TileRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if r.Param.Key == "" {
		return fmt.Errorf("%w: parameter key is required", ErrInvalidRequest)
	}
	if r.HourOffset < 0 {
		return fmt.Errorf("%w: negative hour offset", ErrInvalidRequest)
	}
	if r.Z < 0 || r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: bad tile coordinates %d/%d/%d", ErrInvalidRequest, r.Z, r.X, r.Y)
	}
	return nil
}

func (r *TileRequest) CacheKey() string {
	return fmt.Sprintf("tile:%s:%s:%d:%d:%d:%d",
		r.Model, r.Param.canonical(), r.HourOffset, r.Z, r.X, r.Y)
}
