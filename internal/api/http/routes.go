package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/weathergrid/weathergrid/internal/aggregate"
	"github.com/weathergrid/weathergrid/internal/store"
	"github.com/weathergrid/weathergrid/internal/weather"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *weather.Service) {
	v1 := app.Group("/api/v1")

	v1.Get("/weather/current", func(c *fiber.Ctx) error {
		var q coordQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		point, record, err := service.CurrentAt(c.Context(), q.Lat, q.Lon)
		if err != nil {
			return mapReadError(err)
		}

		return c.JSON(fiber.Map{
			"grid_point": point,
			"record":     record,
		})
	})

	v1.Get("/points/:id/weather", func(c *fiber.Ctx) error {
		id, err := pointID(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		fromStr, toStr := c.Query("from"), c.Query("to")
		if fromStr == "" && toStr == "" {
			record, err := service.PointWeather(c.Context(), id)
			if err != nil {
				return mapReadError(err)
			}
			return c.JSON(record)
		}

		var w windowQuery
		if err := w.bind(fromStr, toStr); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		records, err := service.PointHistory(c.Context(), id, w.From, w.To)
		if err != nil {
			return mapReadError(err)
		}
		return c.JSON(fiber.Map{
			"grid_point_id": id,
			"from":          w.From,
			"to":            w.To,
			"records":       records,
		})
	})

	v1.Get("/points/:id/raw", func(c *fiber.Ctx) error {
		id, err := pointID(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		observations, err := service.RawBreakdown(c.Context(), id, c.Query("slice"))
		if err != nil {
			return mapReadError(err)
		}
		return c.JSON(fiber.Map{
			"grid_point_id": id,
			"observations":  observations,
		})
	})

	v1.Get("/grid/stats", func(c *fiber.Ctx) error {
		stats, err := service.Stats(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute grid statistics")
		}
		return c.JSON(stats)
	})
}

func mapReadError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, aggregate.ErrNoObservations) {
		return fiber.NewError(fiber.StatusNotFound, "no weather data for requested key")
	}
	return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch weather data")
}

// coordQuery holds lat/lon query parameters.
type coordQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

func (q *coordQuery) bind(c *fiber.Ctx) error {
	latStr, lonStr := c.Query("lat"), c.Query("lon")
	if latStr == "" || lonStr == "" {
		return errors.New("lat and lon query parameters are required")
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return errors.New("invalid lat")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return errors.New("invalid lon")
	}

	q.Lat, q.Lon = lat, lon
	return validate.Struct(q)
}

// windowQuery holds an inclusive time window.
type windowQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (w *windowQuery) bind(fromStr, toStr string) error {
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required together")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	w.From, w.To = from, to
	return validate.Struct(w)
}

func pointID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid grid point id")
	}
	return id, nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
