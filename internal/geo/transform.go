package geo

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfDomain is returned when a point falls outside a grid's bounding box.
	ErrOutOfDomain = errors.New("point outside grid domain")
	// ErrInvalidTile is returned for tile indices outside the slippy-map scheme.
	ErrInvalidTile = errors.New("invalid tile coordinates")
)

// Web Mercator clips latitudes beyond this value.
const MaxMercatorLat = 85.05112878

// BBox is a geographic bounding box in degrees.
type BBox struct {
	LatMin float64 `json:"latMin"`
	LatMax float64 `json:"latMax"`
	LonMin float64 `json:"lonMin"`
	LonMax float64 `json:"lonMax"`
}

// ValidTile reports whether (z, x, y) addresses a tile in the slippy-map scheme.
func ValidTile(z, x, y int) bool {
	if z < 0 || z > 30 {
		return false
	}
	n := 1 << uint(z)
	return x >= 0 && x < n && y >= 0 && y < n
}

// TileBBox converts slippy-map tile indices to a geographic bounding box.
// Tile (0,0,0) covers the full Web Mercator extent.
func TileBBox(z, x, y int) (BBox, error) {
	if !ValidTile(z, x, y) {
		return BBox{}, fmt.Errorf("%w: z=%d x=%d y=%d", ErrInvalidTile, z, x, y)
	}
	n := float64(int(1) << uint(z))
	lonMin := float64(x)/n*360.0 - 180.0
	lonMax := float64(x+1)/n*360.0 - 180.0
	// Tile rows count down from the north edge.
	latMax := tileLat(float64(y), n)
	latMin := tileLat(float64(y+1), n)
	return BBox{LatMin: latMin, LatMax: latMax, LonMin: lonMin, LonMax: lonMax}, nil
}

func tileLat(y, n float64) float64 {
	rad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	return rad * 180.0 / math.Pi
}

// TilePixelCenters returns the geographic coordinates of the pixel centers of a
// size×size tile. Latitudes are returned per row (north to south) and
// longitudes per column (west to east); spacing follows the Web Mercator
// projection, so latitude rows are not linear in degrees.
func TilePixelCenters(z, x, y, size int) (lats, lons []float64, err error) {
	if !ValidTile(z, x, y) {
		return nil, nil, fmt.Errorf("%w: z=%d x=%d y=%d", ErrInvalidTile, z, x, y)
	}
	if size <= 0 {
		return nil, nil, fmt.Errorf("invalid tile size %d", size)
	}
	n := float64(int(1) << uint(z))
	lats = make([]float64, size)
	lons = make([]float64, size)
	for i := 0; i < size; i++ {
		frac := (float64(i) + 0.5) / float64(size)
		lats[i] = tileLat(float64(y)+frac, n)
		lons[i] = (float64(x)+frac)/n*360.0 - 180.0
	}
	return lats, lons, nil
}

// NormalizeLon wraps a longitude into [-180, 180).
func NormalizeLon(lon float64) float64 {
	lon = math.Mod(lon+180.0, 360.0)
	if lon < 0 {
		lon += 360.0
	}
	return lon - 180.0
}

// LonDelta returns the smallest signed angular distance from a to b,
// crossing the antimeridian when that is shorter.
func LonDelta(a, b float64) float64 {
	d := math.Mod(b-a, 360.0)
	if d > 180.0 {
		d -= 360.0
	} else if d < -180.0 {
		d += 360.0
	}
	return d
}

// GridGeometry describes the geographic layout of a 2-D grid. Row 0 holds the
// northernmost latitude band and column 0 the westernmost longitude. A grid
// whose LonMin/LonMax are expressed in [0, 360) (common for global GFS data)
// is handled transparently: query longitudes are rewrapped before lookup.
type GridGeometry struct {
	BBox BBox `json:"bbox"`
	Rows int  `json:"rows"`
	Cols int  `json:"cols"`
}

// CellSize returns the latitude and longitude extent of one grid cell.
func (g GridGeometry) CellSize() (dLat, dLon float64) {
	dLat = (g.BBox.LatMax - g.BBox.LatMin) / float64(g.Rows-1)
	dLon = g.lonSpan() / float64(g.Cols-1)
	return dLat, dLon
}

func (g GridGeometry) lonSpan() float64 {
	span := g.BBox.LonMax - g.BBox.LonMin
	if span < 0 {
		span += 360.0
	}
	return span
}

// wrapQueryLon maps a query longitude into the grid's own longitude frame.
func (g GridGeometry) wrapQueryLon(lon float64) float64 {
	lon = NormalizeLon(lon)
	if lon < g.BBox.LonMin {
		lon += 360.0
	}
	return lon
}

// Contains reports whether the point lies within the grid's bounding box,
// inclusive of its edges.
func (g GridGeometry) Contains(lat, lon float64) bool {
	if lat < g.BBox.LatMin || lat > g.BBox.LatMax {
		return false
	}
	wl := g.wrapQueryLon(lon)
	return wl >= g.BBox.LonMin && wl <= g.BBox.LonMin+g.lonSpan()
}

// Cell resolves a geographic point to the nearest grid cell. Points exactly on
// a boundary resolve to the nearest interior cell; points outside the bounding
// box return ErrOutOfDomain.
func (g GridGeometry) Cell(lat, lon float64) (row, col int, err error) {
	if !g.Contains(lat, lon) {
		return 0, 0, fmt.Errorf("%w: lat=%.4f lon=%.4f", ErrOutOfDomain, lat, lon)
	}
	fr, fc := g.fractionalCell(lat, lon)
	row = clampIndex(int(math.Round(fr)), g.Rows)
	col = clampIndex(int(math.Round(fc)), g.Cols)
	return row, col, nil
}

// CellClamped resolves a point to the nearest grid cell, clamping out-of-box
// points to the grid edge. Tile rendering uses this: tiles always reference a
// valid global extent, so clamping is safe there.
func (g GridGeometry) CellClamped(lat, lon float64) (row, col int) {
	fr, fc := g.fractionalCell(lat, lon)
	return clampIndex(int(math.Round(fr)), g.Rows), clampIndex(int(math.Round(fc)), g.Cols)
}

// FractionalCell returns the continuous (row, col) position of a point for
// bilinear sampling. The caller is responsible for domain checks.
func (g GridGeometry) FractionalCell(lat, lon float64) (fr, fc float64) {
	return g.fractionalCell(lat, lon)
}

func (g GridGeometry) fractionalCell(lat, lon float64) (fr, fc float64) {
	dLat, dLon := g.CellSize()
	fr = (g.BBox.LatMax - lat) / dLat
	fc = (g.wrapQueryLon(lon) - g.BBox.LonMin) / dLon
	return fr, fc
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
