// Package gribdec decodes grid files by shelling out to the gribber CLI
// (github.com/noritada/grib-rs). The decoder finds the message matching a
// parameter reference, streams its point values and reassembles them into a
// regular lat/lon grid.
package gribdec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/geo"
	"github.com/guernica0131/foreshadow/internal/grid"
)

const missingSentinel = 9999.0

// Decoder implements grid.Decoder over the local grid-file tree.
type Decoder struct {
	bin string
	cat *catalog.Catalog
}

// New creates a Decoder using the given gribber binary. An empty bin resolves
// "gribber" from PATH at decode time.
func New(bin string, cat *catalog.Catalog) *Decoder {
	return &Decoder{bin: bin, cat: cat}
}

func (d *Decoder) binary() (string, error) {
	if d.bin != "" {
		return d.bin, nil
	}
	p, err := exec.LookPath("gribber")
	if err != nil {
		return "", fmt.Errorf("find gribber executable: %w", err)
	}
	return p, nil
}

// Decode loads the grid for ref from disk. A file or message that does not
// exist surfaces as grid.ErrUnknownDataset; undecodable data as
// grid.ErrDecode.
func (d *Decoder) Decode(ctx context.Context, ref grid.Ref) (*grid.Dataset, error) {
	m, ok := d.model(ref.Model)
	if !ok {
		return nil, fmt.Errorf("%w: model %q", grid.ErrUnknownDataset, ref.Model)
	}
	path := d.cat.FilePath(m, ref.Run, ref.HourOffset)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", grid.ErrUnknownDataset, path)
	}

	bin, err := d.binary()
	if err != nil {
		return nil, err
	}

	msg, err := d.findMessage(ctx, bin, path, ref)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin, "decode", path, msg)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	points, err := parseDecodeOutput(stdout)
	if err != nil {
		cmd.Wait()
		return nil, fmt.Errorf("%w: %v (stderr: %q)", grid.ErrDecode, err, stderr.String())
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v (stderr: %q)", grid.ErrDecode, err, stderr.String())
	}

	ds, err := assembleDataset(ref, points)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrDecode, err)
	}
	if p, ok := d.cat.Parameter(ref.Model, ref.ParamKey); ok {
		ds.Units = p.Units
		ds.Name = p.Name
	}
	ds.ValidTime = ref.Run.Add(time.Duration(ref.HourOffset) * time.Hour)
	return ds, nil
}

func (d *Decoder) model(id string) (catalog.Model, bool) {
	for _, m := range d.cat.Models() {
		if m.ID == id {
			return m, true
		}
	}
	return catalog.Model{}, false
}

// findMessage lists the file's messages and returns the index of the one
// matching the reference.
func (d *Decoder) findMessage(ctx context.Context, bin, path string, ref grid.Ref) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "list", path).Output()
	if err != nil {
		return "", fmt.Errorf("%w: list %s: %v", grid.ErrDecode, path, err)
	}
	idx, ok := matchMessage(string(out), ref)
	if !ok {
		return "", fmt.Errorf("%w: no message for %s in %s", grid.ErrUnknownDataset, ref.ParamKey, path)
	}
	return idx, nil
}

// matchMessage scans `gribber list` output for the line whose normalized
// description carries the parameter key and, when set, the level and step
// qualifiers. The first field of a matching line is the message index.
func matchMessage(listing string, ref grid.Ref) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
			continue // header
		}
		norm := catalog.MakeParamKey(line)
		if !strings.Contains(norm, ref.ParamKey) {
			continue
		}
		if ref.Level != nil && !strings.Contains(line, strconv.Itoa(*ref.Level)) {
			continue
		}
		if ref.TypeOfLevel != "" && !strings.Contains(norm, catalog.MakeParamKey(ref.TypeOfLevel)) {
			continue
		}
		if ref.StepType != "" && !strings.Contains(norm, catalog.MakeParamKey(ref.StepType)) {
			continue
		}
		return fields[0], true
	}
	return "", false
}

type point struct {
	lat, lon, val float64
}

// parseDecodeOutput reads the "Latitude Longitude Value" table gribber
// prints for one message.
func parseDecodeOutput(r io.Reader) ([]point, error) {
	sc := bufio.NewScanner(r)
	var points []point
	var line int
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if line++; line == 1 {
			for i, want := range []string{"Latitude", "Longitude", "Value"} {
				if i >= len(f) || f[i] != want {
					return nil, fmt.Errorf("expected field %d:%q, got %q", i, want, f)
				}
			}
			continue
		}
		if len(f) < 3 {
			return nil, fmt.Errorf("malformed row %d: %q", line, f)
		}
		lat, err := strconv.ParseFloat(f[0], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d latitude: %w", line, err)
		}
		lon, err := strconv.ParseFloat(f[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d longitude: %w", line, err)
		}
		val, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			// Some builds print NaN for masked points.
			if strings.EqualFold(f[2], "nan") {
				val = math.NaN()
			} else {
				return nil, fmt.Errorf("row %d value: %w", line, err)
			}
		}
		points = append(points, point{lat, lon, val})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// assembleDataset arranges decoded points into a row-major grid with row 0 at
// the northern edge.
func assembleDataset(ref grid.Ref, points []point) (*grid.Dataset, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("message decoded to no points")
	}

	latSet := make(map[float64]struct{})
	lonSet := make(map[float64]struct{})
	for _, p := range points {
		latSet[p.lat] = struct{}{}
		lonSet[p.lon] = struct{}{}
	}
	lats := sortedKeys(latSet)
	lons := sortedKeys(lonSet)
	rows, cols := len(lats), len(lons)
	if rows < 2 || cols < 2 {
		return nil, fmt.Errorf("degenerate grid %dx%d", rows, cols)
	}
	if rows*cols != len(points) {
		return nil, fmt.Errorf("irregular grid: %d points for %dx%d", len(points), rows, cols)
	}

	// lats ascend south to north; row 0 is the northern edge.
	rowOf := make(map[float64]int, rows)
	for i, lat := range lats {
		rowOf[lat] = rows - 1 - i
	}
	colOf := make(map[float64]int, cols)
	for i, lon := range lons {
		colOf[lon] = i
	}

	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = math.NaN()
	}
	for _, p := range points {
		values[rowOf[p.lat]*cols+colOf[p.lon]] = p.val
	}

	return &grid.Dataset{
		Ref: ref,
		Geometry: geo.GridGeometry{
			BBox: geo.BBox{
				LatMin: lats[0], LatMax: lats[rows-1],
				LonMin: lons[0], LonMax: lons[cols-1],
			},
			Rows: rows,
			Cols: cols,
		},
		Values:       values,
		MissingValue: missingSentinel,
	}, nil
}

func sortedKeys(set map[float64]struct{}) []float64 {
	out := make([]float64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Float64s(out)
	return out
}
