package detection

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Field is a canonical field name.
type Field string

const (
	FieldObjectID  Field = "objectId"
	FieldSource    Field = "sourceId"
	FieldLat       Field = "lat"
	FieldLong      Field = "long"
	FieldAlt       Field = "alt"
	FieldTimestamp Field = "timestamp"
)

// fieldAliases lists the accepted payload keys per canonical field, in
// priority order. The first alias carrying a usable value wins.
var fieldAliases = map[Field][]string{
	FieldObjectID:  {"droneId", "drone_id", "objId", "obj_id", "id"},
	FieldSource:    {"cameraId", "camera_id", "camId", "cam_id"},
	FieldLat:       {"lat"},
	FieldLong:      {"long", "lng", "lon"},
	FieldAlt:       {"alt"},
	FieldTimestamp: {"timestamp", "ts", "detectedAt"},
}

// Aliases returns the payload keys accepted for a canonical field.
func Aliases(f Field) []string {
	return fieldAliases[f]
}

// resolve walks the aliases of f and returns the first value coerce accepts.
func resolve[T any](raw map[string]any, f Field, coerce func(any) (T, bool)) (T, bool) {
	for _, key := range fieldAliases[f] {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if out, ok := coerce(v); ok {
			return out, true
		}
	}
	var zero T
	return zero, false
}

// hasAny reports whether raw carries a usable value for f.
func hasAny(raw map[string]any, f Field) bool {
	_, ok := resolve(raw, f, toID)
	return ok
}

// toFloat coerces numbers and numeric strings. Empty strings, nil,
// non-numeric strings and non-finite values are absent.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloatPtr(v any) (*float64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return &f, true
}

// toID accepts non-blank strings and finite numbers rendered without exponent.
func toID(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		s := strings.TrimSpace(n)
		return s, s != ""
	case json.Number:
		return n.String(), n.String() != ""
	case nil, bool, map[string]any, []any:
		return "", false
	}

	f, ok := toFloat(v)
	if !ok {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// epochSecondsCeiling separates epoch seconds from epoch milliseconds.
// 1e11 seconds is year 5138; 1e11 milliseconds is March 1973.
const epochSecondsCeiling = 1e11

// maxEpochMillis is 9999-12-31T23:59:59.999Z, the last instant that
// encodes as RFC 3339.
const maxEpochMillis = 253402300799999

// toTime parses ISO-like strings and epoch numbers. Numbers below
// epochSecondsCeiling are seconds, larger ones milliseconds.
func toTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}

	f, ok := toFloat(v)
	if !ok {
		return time.Time{}, false
	}
	return EpochTime(f)
}

// EpochTime converts epoch seconds or milliseconds, split at
// epochSecondsCeiling, to UTC. Non-positive values and instants past year
// 9999 are rejected.
func EpochTime(f float64) (time.Time, bool) {
	if math.IsNaN(f) || f <= 0 {
		return time.Time{}, false
	}
	ms := f
	if f < epochSecondsCeiling {
		ms = f * 1000
	}
	if ms > maxEpochMillis {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}
