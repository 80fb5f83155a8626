package detection

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	seq := 0
	return NewNormalizer(
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("gen-%d", seq)
		}),
	)
}

func mustDecode(t *testing.T, s string) any {
	t.Helper()
	v, err := DecodePayloadBytes([]byte(s))
	require.NoError(t, err)
	return v
}

func TestOffensiveAcceptsEveryLongAlias(t *testing.T) {
	t.Parallel()

	for _, alias := range Aliases(FieldLong) {
		for _, coords := range [][2]float64{{0, 0}, {-89.999, 179.5}, {1e-9, -1e9}, {45.5, -0.25}} {
			t.Run(fmt.Sprintf("%s/%v", alias, coords), func(t *testing.T) {
				t.Parallel()
				raw := map[string]any{"droneId": "D1", "lat": coords[0], alias: coords[1]}

				batch, err := newTestNormalizer().Offensive(raw)
				require.NoError(t, err)
				require.Len(t, batch.Detections, 1)
				assert.Equal(t, coords[0], batch.Detections[0].Lat)
				assert.Equal(t, coords[1], batch.Detections[0].Long)
			})
		}
	}
}

func TestOffensiveAcceptsEveryObjectIDAlias(t *testing.T) {
	t.Parallel()

	for _, alias := range Aliases(FieldObjectID) {
		t.Run(alias, func(t *testing.T) {
			t.Parallel()
			batch, err := newTestNormalizer().Offensive(map[string]any{alias: "X9", "lat": 1.0, "lon": 2.0})
			require.NoError(t, err)
			assert.Equal(t, "X9", batch.Detections[0].ObjectID)
		})
	}
}

func TestAliasPriority(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"drone_id":  "second",
		"droneId":   "first",
		"lat":       1.0,
		"long":      "",   // blank, not usable
		"lng":       "22", // next alias wins
		"lon":       33.0,
		"ts":        "2024-01-02T03:04:05Z",
		"timestamp": "not a date",
	}

	batch, err := newTestNormalizer().Offensive(raw)
	require.NoError(t, err)
	d := batch.Detections[0]
	assert.Equal(t, "first", d.ObjectID)
	assert.InDelta(t, 22.0, d.Long, 0)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), d.Timestamp)
}

func TestMissingCoordinatesYieldNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"no lat", map[string]any{"droneId": "D1", "long": 2.0}},
		{"no long", map[string]any{"droneId": "D1", "lat": 1.0}},
		{"nulls", map[string]any{"droneId": "D1", "lat": nil, "lng": nil}},
		{"empty strings", map[string]any{"droneId": "D1", "lat": "", "lon": ""}},
		{"non numeric", map[string]any{"droneId": "D1", "lat": "north", "long": "east"}},
		{"non finite", map[string]any{"droneId": "D1", "lat": math.Inf(1), "long": math.NaN()}},
		{"NaN string", map[string]any{"droneId": "D1", "lat": "NaN", "long": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := newTestNormalizer()

			_, err := n.Offensive(tt.raw)
			require.ErrorIs(t, err, ErrNoUsableDetections)

			_, err = n.Defensive(tt.raw)
			require.ErrorIs(t, err, ErrNoUsableDetections)
		})
	}
}

func TestNumericStringsMatchNumbers(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	for _, v := range []float64{12.5, -0.001, 0, 180, 1234567.875} {
		fromNumber, err := n.Offensive(map[string]any{"droneId": "D", "lat": v, "long": v, "alt": v})
		require.NoError(t, err)
		fromString, err := n.Offensive(map[string]any{"droneId": "D", "lat": fmt.Sprint(v), "long": fmt.Sprint(v), "alt": fmt.Sprint(v)})
		require.NoError(t, err)

		assert.Equal(t, fromNumber.Detections[0].Lat, fromString.Detections[0].Lat)
		assert.Equal(t, fromNumber.Detections[0].Long, fromString.Detections[0].Long)
		assert.Equal(t, *fromNumber.Detections[0].Alt, *fromString.Detections[0].Alt)
	}
}

func TestConcreteLngScenario(t *testing.T) {
	t.Parallel()

	batch, err := newTestNormalizer().Offensive(mustDecode(t, `{"droneId":"D1","lat":10,"lng":20}`))
	require.NoError(t, err)
	require.Len(t, batch.Detections, 1)

	d := batch.Detections[0]
	assert.Equal(t, "D1", d.ObjectID)
	assert.InDelta(t, 10.0, d.Lat, 0)
	assert.InDelta(t, 20.0, d.Long, 0)
	assert.Nil(t, d.Alt)
	assert.Equal(t, fixedNow, d.Timestamp)
	assert.Equal(t, SourceUnknown, batch.SourceID)
	assert.Equal(t, fixedNow, batch.Timestamp)
}

func TestPartialBatchKeepsValidElements(t *testing.T) {
	t.Parallel()

	raw := mustDecode(t, `{
		"camId": "cam-7",
		"camera": {"name": "north mast", "fov": 90},
		"detections": [
			{"droneId": "A", "lat": 1, "long": 2},
			{"droneId": "B", "lat": 3},
			{"drone_id": "C", "lat": "5", "lon": "6", "alt": 120}
		]
	}`)

	batch, err := newTestNormalizer().Offensive(raw)
	require.NoError(t, err)
	require.Len(t, batch.Detections, 2)
	assert.Equal(t, "A", batch.Detections[0].ObjectID)
	assert.Equal(t, "C", batch.Detections[1].ObjectID)
	assert.Equal(t, "cam-7", batch.SourceID)
	assert.Equal(t, "cam-7", batch.Detections[1].SourceID)
	assert.Equal(t, map[string]any{"name": "north mast", "fov": mustDecode(t, "90")}, batch.CameraMeta)
	require.NotNil(t, batch.Detections[1].Alt)
	assert.InDelta(t, 120.0, *batch.Detections[1].Alt, 0)
}

func TestBatchPathOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantIDs []string
		wantErr bool
	}{
		{"objects", `{"objects":[{"id":"o1","lat":1,"lng":1}]}`, []string{"o1"}, false},
		{"data.objects", `{"data":{"objects":[{"objId":"n1","lat":1,"lng":1}]}}`, []string{"n1"}, false},
		{"data.detections", `{"data":{"detections":[{"obj_id":"n2","lat":1,"lng":1}]}}`, []string{"n2"}, false},
		{"detections before objects", `{"detections":[{"id":"d","lat":1,"lng":1}],"objects":[{"id":"o","lat":1,"lng":1}]}`, []string{"d"}, false},
		{"empty first array wins", `{"detections":[],"objects":[{"id":"o","lat":1,"lng":1}]}`, nil, true},
		{"non array skipped", `{"detections":"none","objects":[{"id":"o","lat":1,"lng":1}]}`, []string{"o"}, false},
		{"top level array", `[{"droneId":"t1","lat":1,"lng":1},{"droneId":"t2","lat":2}]`, []string{"t1"}, false},
		{"flat without id", `{"lat":1,"lng":1}`, nil, true},
		{"numeric id", `{"id":12345678901234567,"lat":1,"lng":1}`, []string{"12345678901234567"}, false},
		{"scalar payload", `42`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			batch, err := newTestNormalizer().Offensive(mustDecode(t, tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoUsableDetections)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, d := range batch.Detections {
				ids = append(ids, d.ObjectID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestBatchTimestamp(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()

	withBody, err := n.Offensive(mustDecode(t, `{"timestamp":"2024-05-01T10:00:00Z","objects":[{"id":"a","lat":1,"lng":1,"ts":1714557600}]}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), withBody.Timestamp)

	fromLast, err := n.Offensive(mustDecode(t, `{"objects":[{"id":"a","lat":1,"lng":1,"ts":1714557600},{"id":"b","lat":1,"lng":1,"ts":1714557660000}]}`))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1714557660, 0).UTC(), fromLast.Timestamp)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), fromLast.Detections[0].Timestamp)
}

func TestTimestampParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want time.Time
		ok   bool
	}{
		{"rfc3339", "2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"offset", "2024-01-02T05:04:05+02:00", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"millis fraction", "2024-01-02T03:04:05.250Z", time.Date(2024, 1, 2, 3, 4, 5, 250e6, time.UTC), true},
		{"no zone", "2024-01-02T03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"space separated", "2024-01-02 03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"date only", "2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), true},
		{"epoch millis", float64(1700000000000), time.UnixMilli(1700000000000).UTC(), true},
		{"epoch seconds", 1700000000, time.Unix(1700000000, 0).UTC(), true},
		{"garbage", "yesterday", time.Time{}, false},
		{"negative", -5, time.Time{}, false},
		{"millis past year 9999", float64(1e15), time.Time{}, false},
		{"huge number", 1e300, time.Time{}, false},
		{"numeric string past year 9999", "1e15", time.Time{}, false},
		{"year 9999", float64(253402300799999), time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC), true},
		{"bool", true, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := toTime(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
			}
		})
	}
}

func TestMalformedTimestampFallsBackToNow(t *testing.T) {
	t.Parallel()

	d, err := newTestNormalizer().Defensive(map[string]any{"cameraId": "c", "lat": 1.0, "long": 2.0, "detectedAt": "soon"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, d.Timestamp)
}

func TestOutOfRangeTimestampFallsBackToNow(t *testing.T) {
	t.Parallel()

	b, err := newTestNormalizer().Offensive(map[string]any{"droneId": "D1", "lat": 10.0, "lng": 20.0, "timestamp": 1e15})
	require.NoError(t, err)
	require.Len(t, b.Detections, 1)
	assert.Equal(t, fixedNow, b.Detections[0].Timestamp)
}

func TestDefensiveFrameCarriesNoObjectID(t *testing.T) {
	t.Parallel()

	d, err := newTestNormalizer().Defensive(map[string]any{"id": "frame-7", "cameraId": "c", "lat": 1.0, "long": 2.0})
	require.NoError(t, err)
	assert.Empty(t, d.ObjectID, "frame ids are not part of a defensive record")
	assert.Empty(t, d.Children)
}

func TestDefensiveChildren(t *testing.T) {
	t.Parallel()

	raw := mustDecode(t, `{
		"camera_id": "cam-1",
		"lat": "60.17",
		"long": 24.94,
		"alt": null,
		"objects": [
			{"objId": "kept", "lat": 1, "lng": 2, "alt": 30},
			{"lat": "x"},
			"not an object"
		]
	}`).(map[string]any)

	d, err := newTestNormalizer().Defensive(raw)
	require.NoError(t, err)

	assert.Equal(t, "cam-1", d.SourceID)
	assert.Equal(t, KindDefensive, d.Kind)
	assert.InDelta(t, 60.17, d.Lat, 1e-12)
	assert.Nil(t, d.Alt)
	require.Len(t, d.Children, 2)

	assert.Equal(t, "kept", d.Children[0].ObjectID)
	require.NotNil(t, d.Children[0].Long)
	assert.InDelta(t, 2.0, *d.Children[0].Long, 0)

	assert.Equal(t, "gen-1", d.Children[1].ObjectID)
	assert.Nil(t, d.Children[1].Lat)
	assert.Nil(t, d.Children[1].Long)
}

func TestDefensiveChildrenFromFormString(t *testing.T) {
	t.Parallel()

	d, err := newTestNormalizer().Defensive(map[string]any{
		"cameraId": "cam-2",
		"lat":      "1",
		"long":     "2",
		"objects":  `[{"id":"a","lat":"3","lon":"4"}]`,
	})
	require.NoError(t, err)
	require.Len(t, d.Children, 1)
	assert.Equal(t, "a", d.Children[0].ObjectID)
	assert.InDelta(t, 4.0, *d.Children[0].Long, 0)
}

func TestDefensiveDefaultsSource(t *testing.T) {
	t.Parallel()

	d, err := newTestNormalizer().Defensive(map[string]any{"lat": 1.0, "long": 2.0, "cameraId": "  "})
	require.NoError(t, err)
	assert.Equal(t, SourceUnknown, d.SourceID)
	assert.Empty(t, d.Children)
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := DecodePayloadBytes([]byte(`{"droneId":`))
	require.Error(t, err)
}
