// config.go: this code defines the settings structure and loads it from config.yaml
package conf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

//go:embed config.yaml
var defaultConfigYAML string

// WebServerSettings contains settings for the HTTP API
type WebServerSettings struct {
	Port         string        // port to listen on
	BodyLimit    string        // maximum request body, e.g. "10M"; base64 images travel inline
	ReadTimeout  time.Duration // http.Server read timeout
	WriteTimeout time.Duration // 0 disables; SSE and websocket responses are long-lived
	CORS         CORSSettings
}

// CORSSettings contains the cross-origin allow-list
type CORSSettings struct {
	Origins []string // allowed origins, CLIENT_ORIGIN accepts a comma separated list
}

// UploadSettings controls where images are materialized and how they are referenced
type UploadSettings struct {
	Path      string // filesystem root for image blobs
	URLPrefix string // root-relative prefix of returned references, served read-only
}

// MQTTSettings contains settings for the telemetry bus subscriber
type MQTTSettings struct {
	Enabled        bool          // subscribe when broker and topic are set
	Broker         string        // e.g. tcp://localhost:1883
	Topic          string        // single topic to subscribe to
	ClientID       string        // empty generates skywatch-<uuid>
	Username       string
	Password       string
	QoS            int           // subscription QoS 0-2
	ConnectTimeout time.Duration // initial connection timeout
	ReconnectDelay time.Duration // maximum interval between reconnect attempts
}

// SQLiteSettings contains settings for the SQLite store
type SQLiteSettings struct {
	Enabled bool
	Path    string // database file path
}

// MySQLSettings contains settings for the MySQL store
type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Database string
	Host     string
	Port     string
}

// OutputSettings selects the persistence backend
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// HistorySettings controls read-side caching
type HistorySettings struct {
	CacheTTL time.Duration // per-source rollup cache lifetime, 0 disables caching
}

// StreamSettings controls the live SSE and websocket channels
type StreamSettings struct {
	Heartbeat    time.Duration // keep-alive interval
	ClientBuffer int           // queued events per client before drops
	ConnectRate  float64       // new stream connections per second per client IP
}

// NotificationSettings contains push notification settings
type NotificationSettings struct {
	Enabled bool
	URLs    []string      // shoutrrr service URLs
	Timeout time.Duration // per-send timeout
}

// SentrySettings contains error telemetry settings
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
}

// MetricsSettings contains Prometheus endpoint settings
type MetricsSettings struct {
	Enabled bool
	Path    string // exposed on the API server, e.g. /metrics
}

// Settings contains all configuration options for the service.
type Settings struct {
	Debug bool // true to enable debug mode

	WebServer    WebServerSettings
	Uploads      UploadSettings
	MQTT         MQTTSettings
	Output       OutputSettings
	History      HistorySettings
	Stream       StreamSettings
	Notification NotificationSettings
	Sentry       SentrySettings
	Metrics      MetricsSettings
	Logging      logger.LoggingConfig
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	configFile       string
)

// SetConfigFile makes Load read the given file instead of searching the default paths.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFile = path
}

// Load reads the configuration file and environment and returns validated settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// Setting returns the loaded settings, loading them on first use.
func Setting() *Settings {
	settingsMutex.RLock()
	s := settingsInstance
	settingsMutex.RUnlock()
	if s != nil {
		return s
	}

	s, err := Load()
	if err != nil {
		// The defaults always validate, so this only fires on a broken config file
		panic(fmt.Sprintf("error loading settings: %v", err))
	}
	return s
}

// loadDotEnv loads .env from the working directory when present.
// Existing environment variables win over .env entries.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "load-dotenv").
			Build()
	}
	return nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		// Invalid env values are reported; ValidateSettings decides if they are fatal
		logger.Global().Module("main").Warn("environment configuration", logger.Error(err))
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
		return nil
	}

	viper.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(configPaths)
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config to the user config path
func createDefaultConfig(configPaths []string) error {
	configPath := filepath.Join(configPaths[1], "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o600); err != nil {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}

	logger.Global().Module("main").Info("created default config file", logger.String("path", configPath))
	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	return []string{
		".",
		filepath.Join(homeDir, ".config", "skywatch"),
		"/etc/skywatch",
	}, nil
}

// GetDefaultConfig returns the embedded default configuration file
func GetDefaultConfig() string {
	return defaultConfigYAML
}
