package datastore

import (
	"net"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

// MySQLStore implements DataStore for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

// dsn builds the connection string. Times are stored and read as UTC.
func (store *MySQLStore) dsn() string {
	s := store.Settings.Output.MySQL
	cfg := mysqldriver.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, s.Port)
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// location is the connection target without credentials, for logs
func (store *MySQLStore) location() string {
	s := store.Settings.Output.MySQL
	return net.JoinHostPort(s.Host, s.Port) + "/" + s.Database
}

// Open sets up the MySQL database connection
func (store *MySQLStore) Open() error {
	db, err := gorm.Open(mysql.Open(store.dsn()), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		GetLogger().Error("failed to open MySQL database",
			logger.String("location", store.location()),
			logger.Error(err))
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("db_type", "mysql").
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return dbError(err, "open", "mysql")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "MySQL", store.location())
}

// Close MySQL database connections
func (store *MySQLStore) Close() error {
	return closeDB(store.DB, "MySQL")
}
