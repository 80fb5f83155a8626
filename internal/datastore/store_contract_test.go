package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

// runStoreContract exercises every Interface method against an opened, empty store.
func runStoreContract(t *testing.T, store Interface) {
	t.Helper()
	ctx := context.Background()

	t.Run("defensive alert keeps objects in order", func(t *testing.T) {
		alert := &DefensiveAlert{
			CameraID:   "CAM-B",
			Lat:        60.1,
			Long:       24.9,
			Alt:        ptr(120.5),
			ImageURL:   ptr("/uploads/defensive/1-x.jpg"),
			DetectedAt: at(0),
			Objects: []DefensiveObject{
				{Position: 0, ObjectID: "o-1", Lat: ptr(60.2), Long: ptr(25.0)},
				{Position: 1, ObjectID: "o-2"},
			},
		}
		require.NoError(t, store.SaveDefensiveAlert(ctx, alert))
		require.NotZero(t, alert.ID)
		assert.False(t, alert.CreatedAt.IsZero())

		got, err := store.LatestDefensiveAlerts(ctx, 50)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "CAM-B", got[0].CameraID)
		assert.InDelta(t, 120.5, *got[0].Alt, 1e-9)
		assert.Equal(t, "/uploads/defensive/1-x.jpg", *got[0].ImageURL)
		require.Len(t, got[0].Objects, 2)
		assert.Equal(t, "o-1", got[0].Objects[0].ObjectID)
		assert.Equal(t, "o-2", got[0].Objects[1].ObjectID)
		assert.Nil(t, got[0].Objects[1].Lat)
		assert.Nil(t, got[0].Objects[1].Alt)
	})

	t.Run("defensive history and rollup", func(t *testing.T) {
		for i, cam := range []string{"CAM-A", "CAM-C", "CAM-A"} {
			require.NoError(t, store.SaveDefensiveAlert(ctx, &DefensiveAlert{
				CameraID:   cam,
				Lat:        1,
				Long:       2,
				DetectedAt: at(10 + i),
			}))
		}

		all, err := store.DefensiveHistory(ctx, HistoryQuery{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].DetectedAt.After(all[i-1].DetectedAt), "newest first")
		}

		camA, err := store.DefensiveHistory(ctx, HistoryQuery{Source: "CAM-A"})
		require.NoError(t, err)
		require.Len(t, camA, 2)
		assert.True(t, camA[0].DetectedAt.Equal(at(12)))

		ranged, err := store.DefensiveHistory(ctx, HistoryQuery{Start: at(10), End: at(11)})
		require.NoError(t, err)
		assert.Len(t, ranged, 2, "range bounds are inclusive")

		limited, err := store.DefensiveHistory(ctx, HistoryQuery{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		sources, err := store.DefensiveSources(ctx)
		require.NoError(t, err)
		require.Len(t, sources, 3)
		assert.Equal(t, []string{"CAM-A", "CAM-B", "CAM-C"}, sourceIDs(sources))
		assert.Equal(t, int64(2), sources[0].Count)
		assert.True(t, sources[0].LastSeen.Equal(at(12)), "got %v", sources[0].LastSeen)
	})

	t.Run("offensive batch history and rollup", func(t *testing.T) {
		rows := []OffensiveDetection{
			{DroneID: "D2", CameraID: "CAM-X", Lat: 1, Long: 2, Timestamp: at(20)},
			{DroneID: "D1", CameraID: "CAM-X", Lat: 3, Long: 4, Alt: ptr(50.0), Timestamp: at(21)},
			{DroneID: "D2", CameraID: "CAM-Y", Lat: 5, Long: 6, Timestamp: at(5)},
		}
		require.NoError(t, store.SaveOffensiveDetections(ctx, rows))
		require.NoError(t, store.SaveOffensiveDetections(ctx, nil))

		all, err := store.OffensiveHistory(ctx, HistoryQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "D1", all[0].DroneID)
		assert.Nil(t, all[1].Alt)

		d2, err := store.OffensiveHistory(ctx, HistoryQuery{Source: "D2", End: at(10)})
		require.NoError(t, err)
		require.Len(t, d2, 1)
		assert.Equal(t, "CAM-Y", d2[0].CameraID)

		sources, err := store.OffensiveSources(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"D1", "D2"}, sourceIDs(sources), "most recent activity first")
		assert.Equal(t, int64(2), sources[1].Count)
		assert.True(t, sources[1].LastSeen.Equal(at(20)), "got %v", sources[1].LastSeen)
	})

	t.Run("messages newest first", func(t *testing.T) {
		for _, payload := range []string{`{"a":1}`, "not json", `[]`} {
			require.NoError(t, store.SaveMessage(ctx, &Message{Topic: "drones/telemetry", Payload: payload}))
		}

		msgs, err := store.RecentMessages(ctx, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, `[]`, msgs[0].Payload)
		assert.Equal(t, "not json", msgs[1].Payload)
	})
}

func sourceIDs(s []SourceSummary) []string {
	ids := make([]string, 0, len(s))
	for _, row := range s {
		ids = append(ids, row.SourceID)
	}
	return ids
}
