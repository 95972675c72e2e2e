package grid

import (
	"fmt"
	"math"
	"time"

	"github.com/guernica0131/foreshadow/internal/geo"
)

// missingTolerance matches sentinel comparisons against encoded values that
// lost precision on the wire (the source data marks missing cells with large
// sentinels like 9999, sometimes rounded during packing).
const missingTolerance = 1.0

// Ref addresses one decodable grid: a (model, run, parameter, hour-offset)
// combination plus the optional level qualifiers. Optional fields left at
// their zero value (nil level, empty strings) mean "unspecified" and are
// resolved by the decoder's own fallback rules.
type Ref struct {
	Model       string
	Run         time.Time
	HourOffset  int
	ParamKey    string
	Level       *int
	TypeOfLevel string
	StepType    string
}

// Key returns a canonical string for deduplicating loads of the same grid.
func (r Ref) Key() string {
	level := "-"
	if r.Level != nil {
		level = fmt.Sprintf("%d", *r.Level)
	}
	tol, st := r.TypeOfLevel, r.StepType
	if tol == "" {
		tol = "-"
	}
	if st == "" {
		st = "-"
	}
	return fmt.Sprintf("grid:%s:%s:%03d:%s:%s:%s:%s",
		r.Model, r.Run.UTC().Format("2006010215"), r.HourOffset, r.ParamKey, level, tol, st)
}

// Dataset is the in-memory representation of one decoded grid. It is never
// mutated after load; concurrent readers need no synchronization.
type Dataset struct {
	Ref      Ref
	Geometry geo.GridGeometry
	// Values is row-major: row 0 is the northernmost band, column 0 the
	// westernmost. Length is Geometry.Rows * Geometry.Cols.
	Values       []float64
	MissingValue float64
	Units        string
	Name         string
	ValidTime    time.Time
}

// IsMissing reports whether v is the dataset's missing sentinel (compared with
// tolerance) or a NaN produced upstream.
func (d *Dataset) IsMissing(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return math.Abs(v-d.MissingValue) <= missingTolerance
}

// At returns the sample at (row, col) and whether it holds a real value.
func (d *Dataset) At(row, col int) (float64, bool) {
	v := d.Values[row*d.Geometry.Cols+col]
	if d.IsMissing(v) {
		return 0, false
	}
	return v, true
}

// SampleAt bilinearly interpolates the value at a geographic point from the
// surrounding 2x2 cell neighborhood. Points outside the dataset's bounding
// box return geo.ErrOutOfDomain. A point surrounded only by missing cells
// reports ok=false.
func (d *Dataset) SampleAt(lat, lon float64) (val float64, ok bool, err error) {
	if !d.Geometry.Contains(lat, lon) {
		return 0, false, fmt.Errorf("%w: lat=%.4f lon=%.4f", geo.ErrOutOfDomain, lat, lon)
	}
	v, ok := d.interpolate(lat, lon)
	return v, ok, nil
}

// SampleClamped is SampleAt without the domain check: out-of-box points clamp
// to the grid edge. Used for tile rasters, which always address the valid
// global extent.
func (d *Dataset) SampleClamped(lat, lon float64) (val float64, ok bool) {
	return d.interpolate(lat, lon)
}

func (d *Dataset) interpolate(lat, lon float64) (float64, bool) {
	fr, fc := d.Geometry.FractionalCell(lat, lon)
	fr = math.Min(math.Max(fr, 0), float64(d.Geometry.Rows-1))
	fc = math.Min(math.Max(fc, 0), float64(d.Geometry.Cols-1))
	r0 := clamp(int(math.Floor(fr)), d.Geometry.Rows-1)
	c0 := clamp(int(math.Floor(fc)), d.Geometry.Cols-1)
	r1 := clamp(r0+1, d.Geometry.Rows-1)
	c1 := clamp(c0+1, d.Geometry.Cols-1)
	dr := fr - float64(r0)
	dc := fc - float64(c0)

	type corner struct {
		r, c int
		w    float64
	}
	corners := [4]corner{
		{r0, c0, (1 - dr) * (1 - dc)},
		{r0, c1, (1 - dr) * dc},
		{r1, c0, dr * (1 - dc)},
		{r1, c1, dr * dc},
	}

	// Missing corners drop out and the remaining weights renormalize.
	var weightSum, valueSum float64
	for _, cn := range corners {
		if cn.w == 0 {
			continue
		}
		v, valid := d.At(cn.r, cn.c)
		if !valid {
			continue
		}
		weightSum += cn.w
		valueSum += v * cn.w
	}
	if weightSum < 1e-14 {
		return 0, false
	}
	return valueSum / weightSum, true
}

// ExtractRaster samples the dataset at every (lat, lon) pixel center of a
// rectangular output raster. lats index rows north to south, lons index
// columns west to east. The returned missing mask is parallel to values.
func (d *Dataset) ExtractRaster(lats, lons []float64) (values []float64, missing []bool) {
	values = make([]float64, len(lats)*len(lons))
	missing = make([]bool, len(values))
	for i, lat := range lats {
		for j, lon := range lons {
			v, ok := d.SampleClamped(lat, lon)
			idx := i*len(lons) + j
			if !ok {
				missing[idx] = true
				continue
			}
			values[idx] = v
		}
	}
	return values, missing
}

func clamp(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}
