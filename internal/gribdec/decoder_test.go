package gribdec

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/guernica0131/foreshadow/internal/grid"
)

const sampleListing = `id  Parameter                        Level            Step
0   2 metre temperature              surface          instant
1   Pressure reduced to MSL          mean sea level   instant
2   Temperature                      850 mb           instant
`

func TestMatchMessage(t *testing.T) {
	ref := grid.Ref{ParamKey: "2-metre-temperature"}
	idx, ok := matchMessage(sampleListing, ref)
	if !ok || idx != "0" {
		t.Fatalf("expected message 0, got %q ok=%v", idx, ok)
	}

	lvl := 850
	ref = grid.Ref{ParamKey: "temperature", Level: &lvl}
	idx, ok = matchMessage(sampleListing, ref)
	if !ok || idx != "2" {
		t.Fatalf("expected message 2, got %q ok=%v", idx, ok)
	}

	if _, ok := matchMessage(sampleListing, grid.Ref{ParamKey: "wind-speed"}); ok {
		t.Fatal("unknown parameter must not match")
	}
}

func TestParseDecodeOutput(t *testing.T) {
	in := `Latitude Longitude Value
40.00 280.00 283.15
40.00 280.25 283.40
39.75 280.00 NaN
39.75 280.25 284.00
`
	points, err := parseDecodeOutput(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(points))
	}
	if !math.IsNaN(points[2].val) {
		t.Fatalf("expected NaN for masked point, got %v", points[2].val)
	}

	if _, err := parseDecodeOutput(strings.NewReader("bogus header\n")); err == nil {
		t.Fatal("expected header error")
	}
}

func TestAssembleDataset(t *testing.T) {
	ref := grid.Ref{Model: "gfs", Run: time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), ParamKey: "t2m"}
	// 2x2 grid delivered south-to-north.
	points := []point{
		{39.75, 280.00, 1},
		{39.75, 280.25, 2},
		{40.00, 280.00, 3},
		{40.00, 280.25, 4},
	}
	ds, err := assembleDataset(ref, points)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if ds.Geometry.Rows != 2 || ds.Geometry.Cols != 2 {
		t.Fatalf("expected 2x2, got %dx%d", ds.Geometry.Rows, ds.Geometry.Cols)
	}
	// Row 0 is the northern edge.
	if ds.Values[0] != 3 || ds.Values[1] != 4 || ds.Values[2] != 1 || ds.Values[3] != 2 {
		t.Fatalf("rows not flipped north-first: %v", ds.Values)
	}
	if ds.Geometry.BBox.LatMax != 40 || ds.Geometry.BBox.LatMin != 39.75 {
		t.Fatalf("unexpected bbox %+v", ds.Geometry.BBox)
	}

	if _, err := assembleDataset(ref, points[:3]); err == nil {
		t.Fatal("irregular grid must fail")
	}
	if _, err := assembleDataset(ref, nil); err == nil {
		t.Fatal("empty message must fail")
	}
}

func TestParseListing(t *testing.T) {
	params := parseListing(sampleListing)
	if len(params) != 3 {
		t.Fatalf("expected 3 parameters, got %d", len(params))
	}
	if params[0].Key != "2-metre-temperature-surface-instant" {
		t.Fatalf("unexpected key %q", params[0].Key)
	}
}
