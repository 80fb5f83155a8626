// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/tphakala/skywatch/internal/conf"
)

// Interface abstracts the underlying database implementation and defines the interface for database operations.
type Interface interface {
	Open() error
	Close() error

	SaveDefensiveAlert(ctx context.Context, alert *DefensiveAlert) error
	SaveOffensiveDetections(ctx context.Context, rows []OffensiveDetection) error
	SaveMessage(ctx context.Context, msg *Message) error

	LatestDefensiveAlerts(ctx context.Context, limit int) ([]DefensiveAlert, error)
	DefensiveHistory(ctx context.Context, q HistoryQuery) ([]DefensiveAlert, error)
	OffensiveHistory(ctx context.Context, q HistoryQuery) ([]OffensiveDetection, error)
	DefensiveSources(ctx context.Context) ([]SourceSummary, error)
	OffensiveSources(ctx context.Context) ([]SourceSummary, error)
	RecentMessages(ctx context.Context, limit int) ([]Message, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new store for the backend selected in settings.
// It returns nil when no backend is enabled; ValidateSettings rejects that.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// SaveDefensiveAlert stores a frame and its objects in one transaction.
func (ds *DataStore) SaveDefensiveAlert(ctx context.Context, alert *DefensiveAlert) error {
	if ds.DB == nil {
		return errNotInitialized()
	}
	if err := ds.DB.WithContext(ctx).Create(alert).Error; err != nil {
		return dbError(err, "save_defensive_alert", "defensive_alerts")
	}
	return nil
}

// SaveOffensiveDetections stores every row of a batch in one transaction.
// Either all rows are stored or none.
func (ds *DataStore) SaveOffensiveDetections(ctx context.Context, rows []OffensiveDetection) error {
	if ds.DB == nil {
		return errNotInitialized()
	}
	if len(rows) == 0 {
		return nil
	}

	err := ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, insertBatchSize).Error
	})
	if err != nil {
		return dbError(err, "save_offensive_detections", "offensive_detections")
	}
	return nil
}

// SaveMessage appends a raw bus message.
func (ds *DataStore) SaveMessage(ctx context.Context, msg *Message) error {
	if ds.DB == nil {
		return errNotInitialized()
	}
	if err := ds.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return dbError(err, "save_message", "messages")
	}
	return nil
}

// LatestDefensiveAlerts returns the most recently stored frames, newest first.
func (ds *DataStore) LatestDefensiveAlerts(ctx context.Context, limit int) ([]DefensiveAlert, error) {
	if ds.DB == nil {
		return nil, errNotInitialized()
	}

	var alerts []DefensiveAlert
	err := ds.DB.WithContext(ctx).
		Preload("Objects", orderObjects).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, dbError(err, "latest_defensive_alerts", "defensive_alerts")
	}
	return alerts, nil
}

// DefensiveHistory returns frames by detection time, newest first.
func (ds *DataStore) DefensiveHistory(ctx context.Context, q HistoryQuery) ([]DefensiveAlert, error) {
	if ds.DB == nil {
		return nil, errNotInitialized()
	}

	var alerts []DefensiveAlert
	err := applyHistory(ds.DB.WithContext(ctx), q, "camera_id", "detected_at").
		Preload("Objects", orderObjects).
		Find(&alerts).Error
	if err != nil {
		return nil, dbError(err, "defensive_history", "defensive_alerts")
	}
	return alerts, nil
}

// OffensiveHistory returns detections by report time, newest first. Source
// filters on the drone id.
func (ds *DataStore) OffensiveHistory(ctx context.Context, q HistoryQuery) ([]OffensiveDetection, error) {
	if ds.DB == nil {
		return nil, errNotInitialized()
	}

	var rows []OffensiveDetection
	if err := applyHistory(ds.DB.WithContext(ctx), q, "drone_id", "timestamp").Find(&rows).Error; err != nil {
		return nil, dbError(err, "offensive_history", "offensive_detections")
	}
	return rows, nil
}

// DefensiveSources rolls frames up per camera, ordered by camera id.
func (ds *DataStore) DefensiveSources(ctx context.Context) ([]SourceSummary, error) {
	if ds.DB == nil {
		return nil, errNotInitialized()
	}
	return ds.rollup(ctx, &DefensiveAlert{}, "camera_id", "detected_at", "source_id ASC")
}

// OffensiveSources rolls detections up per drone, most recently active first.
func (ds *DataStore) OffensiveSources(ctx context.Context) ([]SourceSummary, error) {
	if ds.DB == nil {
		return nil, errNotInitialized()
	}
	return ds.rollup(ctx, &OffensiveDetection{}, "drone_id", "timestamp", "last_seen DESC, source_id ASC")
}

// RecentMessages returns the latest raw bus messages, newest first.
func (ds *DataStore) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if ds.DB == nil {
		return nil, errNotInitialized()
	}

	var msgs []Message
	if err := ds.DB.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, dbError(err, "recent_messages", "messages")
	}
	return msgs, nil
}

func (ds *DataStore) rollup(ctx context.Context, model any, sourceColumn, timeColumn, order string) ([]SourceSummary, error) {
	var rows []struct {
		SourceID string
		LastSeen dbTime
		Count    int64
	}

	err := ds.DB.WithContext(ctx).
		Model(model).
		Select(sourceColumn + " AS source_id, MAX(" + timeColumn + ") AS last_seen, COUNT(*) AS count").
		Group(sourceColumn).
		Order(order).
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "source_rollup", sourceColumn)
	}

	summaries := make([]SourceSummary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, SourceSummary{
			SourceID: r.SourceID,
			LastSeen: r.LastSeen.Time,
			Count:    r.Count,
		})
	}
	return summaries, nil
}

// applyHistory adds source, range, ordering and limit clauses. Column names
// are fixed by the callers, never taken from input.
func applyHistory(db *gorm.DB, q HistoryQuery, sourceColumn, timeColumn string) *gorm.DB {
	if q.Source != "" {
		db = db.Where(sourceColumn+" = ?", q.Source)
	}
	if !q.Start.IsZero() {
		db = db.Where(timeColumn+" >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		db = db.Where(timeColumn+" <= ?", q.End.UTC())
	}
	db = db.Order(timeColumn + " DESC").Order("id DESC")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	return db
}

func orderObjects(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}
