package datastore

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// SQLiteStore implements DataStore for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the SQLite database connection
func (store *SQLiteStore) Open() error {
	absoluteFilePath, err := filepath.Abs(store.Settings.Output.SQLite.Path)
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Context("path", store.Settings.Output.SQLite.Path).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(absoluteFilePath), 0o755); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryFileIO).
			Context("operation", "create_database_dir").
			Context("path", absoluteFilePath).
			Build()
	}

	// WAL lets readers proceed while an ingestion writes
	dsn := absoluteFilePath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		GetLogger().Error("failed to open SQLite database",
			logger.String("path", absoluteFilePath),
			logger.Error(err))
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("db_type", "sqlite").
			Build()
	}

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "SQLite", absoluteFilePath)
}

// Close SQLite database connections
func (store *SQLiteStore) Close() error {
	return closeDB(store.DB, "SQLite")
}

func closeDB(db *gorm.DB, dbType string) error {
	if db == nil {
		return errNotInitialized()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "close", dbType)
	}
	if err := sqlDB.Close(); err != nil {
		GetLogger().Error("failed to close database",
			logger.String("db_type", dbType),
			logger.Error(err))
		return dbError(err, "close", dbType)
	}
	return nil
}
