package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/guernica0131/foreshadow/internal/cache"
	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/forecast"
	"github.com/guernica0131/foreshadow/internal/geo"
	"github.com/guernica0131/foreshadow/internal/grid"
)

var testRun = time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

type stubResolver struct{}

func (stubResolver) ValidModel(id string) bool { return id == "gfs" }

func (stubResolver) Resolve(model string, hourOffset int) (catalog.Run, error) {
	return catalog.Run{Model: model, Time: testRun, FHR: hourOffset}, nil
}

type stubLoader struct{}

func (stubLoader) Load(_ context.Context, ref grid.Ref) (*grid.Dataset, error) {
	values := make([]float64, 9)
	for i := range values {
		values[i] = 280 + float64(ref.HourOffset)
	}
	return &grid.Dataset{
		Ref: ref,
		Geometry: geo.GridGeometry{
			BBox: geo.BBox{LatMin: -90, LatMax: 90, LonMin: -180, LonMax: 180},
			Rows: 3, Cols: 3,
		},
		Values:       values,
		MissingValue: 9999,
		Units:        "K",
		ValidTime:    testRun.Add(time.Duration(ref.HourOffset) * time.Hour),
	}, nil
}

type stubGeocoder struct{}

func (stubGeocoder) Geocode(city, country string) (float64, float64, error) {
	if city == "Philadelphia" {
		return 39.95, -75.16, nil
	}
	return 0, 0, fmt.Errorf("unknown place %s, %s", city, country)
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	app := fiber.New()
	cat := catalog.New(t.TempDir(), catalog.DefaultModels())
	cat.SetParameters("gfs", []catalog.Parameter{
		{Key: "2-metre-temperature", Name: "2 metre temperature", Units: "K"},
	})
	engine := forecast.New(stubResolver{}, stubLoader{}, cache.NewFacade(nil), forecast.Config{
		Workers: 2, UnitTimeout: time.Second, TileSize: 4,
	})
	RegisterRoutes(app, Deps{
		Engine:         engine,
		Catalog:        cat,
		Geocoder:       stubGeocoder{},
		RequestTimeout: 5 * time.Second,
	})
	return app
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

func TestForecastValidation(t *testing.T) {
	app := newTestApp(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing params", `{"model":"gfs","lat":40,"lon":-75,"start_hour":0,"end_hour":6,"step_hours":3}`},
		{"missing model", `{"lat":40,"lon":-75,"params":[{"key":"t2m"}],"start_hour":0,"end_hour":6,"step_hours":3}`},
		{"end before start", `{"model":"gfs","lat":40,"lon":-75,"params":[{"key":"t2m"}],"start_hour":6,"end_hour":0,"step_hours":3}`},
		{"no place at all", `{"model":"gfs","params":[{"key":"t2m"}],"start_hour":0,"end_hour":6,"step_hours":3}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/forecast", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected status %d, got %d", tc.name, http.StatusBadRequest, resp.StatusCode)
		}
	}
}

func TestForecastTimeseries(t *testing.T) {
	app := newTestApp(t)

	body := `{"model":"gfs","lat":40,"lon":-75,"params":[{"key":"t2m"}],"start_hour":0,"end_hour":6,"step_hours":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/forecast", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("expected X-Cache MISS, got %q", got)
	}

	var series forecast.PointSeries
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(series.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(series.Steps))
	}
	for i, want := range []float64{280, 283, 286} {
		s := series.Steps[i].Samples[0]
		if s.State != forecast.StatePresent || s.Value != want {
			t.Errorf("step %d: expected present %v, got %+v", i, want, s)
		}
	}
}

func TestPointSamplesSingleHour(t *testing.T) {
	app := newTestApp(t)

	body := `{"model":"gfs","lat":40,"lon":-75,"params":[{"key":"t2m"}],"hour":6}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/point", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var series forecast.PointSeries
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(series.Steps) != 1 || series.Steps[0].HourOffset != 6 {
		t.Fatalf("expected single step at hour 6, got %+v", series.Steps)
	}
}

func TestPointGeocodesNamedPlace(t *testing.T) {
	app := newTestApp(t)

	body := `{"model":"gfs","city":"Philadelphia","country":"US","params":[{"key":"t2m"}],"hour":0}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/point", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var series forecast.PointSeries
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if series.Lat != 39.95 || series.Lon != -75.16 {
		t.Fatalf("expected geocoded coordinates, got %v,%v", series.Lat, series.Lon)
	}
}

func TestUnknownModelReturnsNotFound(t *testing.T) {
	app := newTestApp(t)

	body := `{"model":"icon","lat":40,"lon":-75,"params":[{"key":"t2m"}],"hour":0}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/point", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
}

func TestTileRaster(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/tiles/gfs/t2m/0/0/0/0", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var raster forecast.TileRaster
	if err := json.NewDecoder(resp.Body).Decode(&raster); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raster.Size != 4 || len(raster.Values) != 16 {
		t.Fatalf("expected 4x4 raster, got size %d with %d values", raster.Size, len(raster.Values))
	}
	if raster.Min != 280 || raster.Max != 280 {
		t.Fatalf("expected flat 280 field, got min %v max %v", raster.Min, raster.Max)
	}
}

func TestTileValidation(t *testing.T) {
	app := newTestApp(t)

	// Non-numeric coordinate.
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/tiles/gfs/t2m/0/0/zero/0", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}

	// Tile coordinates outside the zoom level's range.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/tiles/gfs/t2m/0/1/5/0", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
}

func TestParametersEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/parameters?model=gfs", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "2-metre-temperature") {
		t.Fatalf("expected registered parameter in response, got %s", data)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/parameters?model=icon", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
}

func TestForecastStreamEmitsEvents(t *testing.T) {
	app := newTestApp(t)

	body := `{"model":"gfs","lat":40,"lon":-75,"params":[{"key":"t2m"}],"start_hour":0,"end_hour":6,"step_hours":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/forecast-stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	data, _ := io.ReadAll(resp.Body)
	text := string(data)
	if !strings.Contains(text, "event: started") {
		t.Error("missing started event")
	}
	if !strings.Contains(text, "event: completed") {
		t.Error("missing terminal completed event")
	}
	if strings.Contains(text, "event: failed") {
		t.Error("unexpected failed event")
	}
}
