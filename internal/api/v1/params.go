package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/skywatch/internal/detection"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/history"
)

// queryTimeLayouts are accepted for start and end, besides epoch numbers.
var queryTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseHistoryQuery reads start, end, limit and the source filter named by
// sourceParam. Unparsable times are an error; a missing or unparsable limit
// selects the default.
func parseHistoryQuery(ctx echo.Context, sourceParam string) (history.Query, error) {
	q := history.Query{
		Source: ctx.QueryParam(sourceParam),
		Limit:  parseLimit(ctx.QueryParam("limit")),
	}

	var err error
	if q.Start, err = parseQueryTime("start", ctx.QueryParam("start")); err != nil {
		return history.Query{}, err
	}
	if q.End, err = parseQueryTime("end", ctx.QueryParam("end")); err != nil {
		return history.Query{}, err
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return history.Query{}, errors.Newf("end %s is before start %s",
			q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339)).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return q, nil
}

// parseQueryTime returns the zero time for an empty value.
func parseQueryTime(name, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	if n, err := strconv.ParseFloat(value, 64); err == nil {
		if t, ok := detection.EpochTime(n); ok {
			return t, nil
		}
	} else {
		for _, layout := range queryTimeLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), nil
			}
		}
	}

	return time.Time{}, errors.Newf("invalid %s time %q", name, value).
		Component("api").
		Category(errors.CategoryValidation).
		Context("parameter", name).
		Build()
}

// parseLimit returns 0, meaning the default, for missing or non-numeric input.
func parseLimit(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}
