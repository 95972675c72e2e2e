package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/forecast"
)

var validate = validator.New()

// Geocoder resolves a named place to coordinates.
type Geocoder interface {
	Geocode(city, country string) (lat, lon float64, err error)
}

// Deps carries the collaborators the HTTP handlers need.
type Deps struct {
	Engine  *forecast.Engine
	Catalog *catalog.Catalog
	// Geocoder may be nil; named-place requests then return 400.
	Geocoder       Geocoder
	RequestTimeout time.Duration
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/api/v1")

	v1.Get("/parameters", func(c *fiber.Ctx) error {
		model := c.Query("model", "gfs")
		if !deps.Catalog.ValidModel(model) {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("unknown model %q", model))
		}
		return c.JSON(fiber.Map{
			"model":      model,
			"parameters": deps.Catalog.Parameters(model),
		})
	})

	v1.Get("/tiles/:model/:param/:hour/:z/:x/:y", func(c *fiber.Ctx) error {
		req, err := parseTileParams(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		ctx, cancel := requestContext(c, deps.RequestTimeout)
		defer cancel()

		res, cached, err := deps.Engine.Compute(ctx, req)
		if err != nil {
			return forecastError(err)
		}
		c.Set("X-Cache", cacheHeader(cached))
		return c.JSON(res.Tile)
	})

	v1.Post("/point", func(c *fiber.Ctx) error {
		var body pointBody
		req, err := bindPointRequest(c, deps, &body)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		// A point lookup samples a single hour offset.
		req.StartHour = body.Hour
		req.EndHour = body.Hour
		req.StepHours = 1

		ctx, cancel := requestContext(c, deps.RequestTimeout)
		defer cancel()

		res, cached, err := deps.Engine.Compute(ctx, req)
		if err != nil {
			return forecastError(err)
		}
		c.Set("X-Cache", cacheHeader(cached))
		return c.JSON(res.Point)
	})

	v1.Post("/forecast", func(c *fiber.Ctx) error {
		var body forecastBody
		req, err := bindForecastRequest(c, deps, &body)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		ctx, cancel := requestContext(c, deps.RequestTimeout)
		defer cancel()

		res, cached, err := deps.Engine.Compute(ctx, req)
		if err != nil {
			return forecastError(err)
		}
		c.Set("X-Cache", cacheHeader(cached))
		return c.JSON(res.Point)
	})

	v1.Post("/forecast-stream", func(c *fiber.Ctx) error {
		var body forecastBody
		req, err := bindForecastRequest(c, deps, &body)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		st, err := deps.Engine.Stream(c.Context(), req)
		if err != nil {
			return forecastError(err)
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set("Connection", "keep-alive")

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			for ev := range st.Events() {
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				if err := w.Flush(); err != nil {
					// Client went away. New units stop dispatching; the
					// computation settles into the cache regardless.
					st.Cancel()
					return
				}
			}
		}))
		return nil
	})
}

// paramSpec is the wire form of one requested parameter.
type paramSpec struct {
	Key         string `json:"key" validate:"required"`
	Level       *int   `json:"level"`
	TypeOfLevel string `json:"type_of_level"`
	StepType    string `json:"step_type"`
}

func (p paramSpec) toSpec() forecast.ParamSpec {
	return forecast.ParamSpec{
		Key:         p.Key,
		Level:       p.Level,
		TypeOfLevel: p.TypeOfLevel,
		StepType:    p.StepType,
	}
}

// placeBody identifies where to sample: either coordinates or a named place.
type placeBody struct {
	Model   string      `json:"model" validate:"required"`
	Lat     *float64    `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon     *float64    `json:"lon" validate:"omitempty,gte=-180,lte=360"`
	City    string      `json:"city"`
	Country string      `json:"country"`
	Params  []paramSpec `json:"params" validate:"required,min=1,dive"`
}

type pointBody struct {
	placeBody
	Hour int `json:"hour" validate:"gte=0"`
}

type forecastBody struct {
	placeBody
	StartHour int `json:"start_hour" validate:"gte=0"`
	EndHour   int `json:"end_hour" validate:"gtefield=StartHour"`
	StepHours int `json:"step_hours" validate:"gte=1"`
}

// resolveCoords picks coordinates from the body, geocoding a named place
// when no explicit lat/lon was sent.
func resolveCoords(deps Deps, p *placeBody) (float64, float64, error) {
	if p.Lat != nil && p.Lon != nil {
		return *p.Lat, *p.Lon, nil
	}
	if p.City == "" {
		return 0, 0, errors.New("either lat/lon or city must be provided")
	}
	if deps.Geocoder == nil {
		return 0, 0, errors.New("named-place lookup is not configured")
	}
	return deps.Geocoder.Geocode(p.City, p.Country)
}

func bindPlace(c *fiber.Ctx, deps Deps, body interface{}, place *placeBody) (*forecast.PointRequest, error) {
	if err := c.BodyParser(body); err != nil {
		return nil, err
	}
	if err := validate.Struct(body); err != nil {
		return nil, err
	}
	lat, lon, err := resolveCoords(deps, place)
	if err != nil {
		return nil, err
	}
	specs := make([]forecast.ParamSpec, len(place.Params))
	for i, p := range place.Params {
		specs[i] = p.toSpec()
	}
	return &forecast.PointRequest{
		Model:  place.Model,
		Params: specs,
		Lat:    lat,
		Lon:    lon,
	}, nil
}

func bindPointRequest(c *fiber.Ctx, deps Deps, body *pointBody) (*forecast.PointRequest, error) {
	return bindPlace(c, deps, body, &body.placeBody)
}

func bindForecastRequest(c *fiber.Ctx, deps Deps, body *forecastBody) (*forecast.PointRequest, error) {
	req, err := bindPlace(c, deps, body, &body.placeBody)
	if err != nil {
		return nil, err
	}
	req.StartHour = body.StartHour
	req.EndHour = body.EndHour
	req.StepHours = body.StepHours
	return req, nil
}

func parseTileParams(c *fiber.Ctx) (*forecast.TileRequest, error) {
	ints := make(map[string]int, 4)
	for _, name := range []string{"hour", "z", "x", "y"} {
		n, err := strconv.Atoi(c.Params(name))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", name, c.Params(name))
		}
		ints[name] = n
	}

	spec := forecast.ParamSpec{
		Key:         c.Params("param"),
		TypeOfLevel: c.Query("type_of_level"),
		StepType:    c.Query("step_type"),
	}
	if lvl := c.Query("level"); lvl != "" {
		n, err := strconv.Atoi(lvl)
		if err != nil {
			return nil, fmt.Errorf("invalid level: %q", lvl)
		}
		spec.Level = &n
	}

	return &forecast.TileRequest{
		Model:      c.Params("model"),
		Param:      spec,
		HourOffset: ints["hour"],
		Z:          ints["z"],
		X:          ints["x"],
		Y:          ints["y"],
	}, nil
}

func requestContext(c *fiber.Ctx, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(c.Context(), timeout)
}

func cacheHeader(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}

// forecastError maps the engine's error taxonomy onto HTTP statuses.
func forecastError(err error) error {
	switch forecast.KindOf(err) {
	case forecast.KindInvalidRequest:
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case forecast.KindUnknownDataset:
		return fiber.NewError(fiber.StatusNotFound, "no forecast data for requested model or hour")
	case forecast.KindOutOfDomain:
		return fiber.NewError(fiber.StatusUnprocessableEntity, "requested point lies outside the model domain")
	case forecast.KindUnitTimeout:
		return fiber.NewError(fiber.StatusGatewayTimeout, "forecast computation timed out")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to compute forecast")
	}
}
