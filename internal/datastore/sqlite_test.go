package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/detection"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "nested", "skywatch.db")

	store, ok := New(settings).(*SQLiteStore)
	require.True(t, ok)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	t.Parallel()
	runStoreContract(t, newSQLiteStore(t))
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	assert.Nil(t, New(settings))

	settings.Output.MySQL.Enabled = true
	assert.IsType(t, &MySQLStore{}, New(settings))

	settings.Output.SQLite.Enabled = true
	assert.IsType(t, &SQLiteStore{}, New(settings), "sqlite wins when both are set")
}

func TestUninitializedStoreErrors(t *testing.T) {
	t.Parallel()

	store := &SQLiteStore{Settings: &conf.Settings{}}
	_, err := store.LatestDefensiveAlerts(t.Context(), 1)
	require.Error(t, err)
	require.Error(t, store.Close())
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Output.MySQL = conf.MySQLSettings{
		Enabled:  true,
		Username: "sky",
		Password: "p@ss:word",
		Database: "skywatch",
		Host:     "db.local",
		Port:     "3306",
	}
	store := &MySQLStore{Settings: settings}

	dsn := store.dsn()
	assert.Contains(t, dsn, "sky:p@ss:word@tcp(db.local:3306)/skywatch")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
	assert.Equal(t, "db.local:3306/skywatch", store.location())
	assert.NotContains(t, store.location(), "p@ss")
}

func TestConvertDetections(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("EET", 2*3600))
	alt := 9.5
	d := &detection.Detection{
		SourceID:  "CAM-1",
		Kind:      detection.KindDefensive,
		Lat:       1,
		Long:      2,
		Timestamp: ts,
		Children: []detection.Child{
			{ObjectID: "a"},
			{ObjectID: "b", Alt: &alt},
		},
	}

	alert := NewDefensiveAlert(d)
	assert.Equal(t, "CAM-1", alert.CameraID)
	assert.Equal(t, time.UTC, alert.DetectedAt.Location())
	assert.True(t, alert.DetectedAt.Equal(ts))
	require.Len(t, alert.Objects, 2)
	assert.Equal(t, 1, alert.Objects[1].Position)
	assert.Equal(t, &alt, alert.Objects[1].Alt)

	rows := NewOffensiveDetections(&detection.Batch{
		SourceID: "CAM-2",
		Detections: []detection.Detection{
			{SourceID: "CAM-2", ObjectID: "D1", Lat: 3, Long: 4, Timestamp: ts},
		},
	})
	require.Len(t, rows, 1)
	assert.Equal(t, "D1", rows[0].DroneID)
	assert.Equal(t, "CAM-2", rows[0].CameraID)
}

func TestDBTimeScan(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	tests := []struct {
		name    string
		value   any
		want    time.Time
		wantErr bool
	}{
		{"nil", nil, time.Time{}, false},
		{"time", want.In(time.FixedZone("X", 3600)), want, false},
		{"sqlite text", "2025-03-01 12:00:00.5+00:00", want, false},
		{"sqlite bytes", []byte("2025-03-01 12:00:00.5+00:00"), want, false},
		{"rfc3339", "2025-03-01T13:00:00.5+01:00", want, false},
		{"garbage", "yesterday", time.Time{}, true},
		{"number", int64(5), time.Time{}, true},
	}

	for _, tt := range tests {
		var got dbTime
		err := got.Scan(tt.value)
		if tt.wantErr {
			require.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.True(t, tt.want.Equal(got.Time), "%s: got %v", tt.name, got.Time)
	}
}
