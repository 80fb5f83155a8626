// validate.go: settings validation
package conf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/gommon/bytes"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		validateWebServerSettings,
		validateUploadSettings,
		validateMQTTSettings,
		validateOutputSettings,
		validateStreamSettings,
		validateNotificationSettings,
		validateSentrySettings,
	}

	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateWebServerSettings(s *Settings) error {
	var errs []string

	if err := validateEnvPort(s.WebServer.Port); err != nil {
		errs = append(errs, fmt.Sprintf("webserver.port: %v", err))
	}

	if limit, err := bytes.Parse(s.WebServer.BodyLimit); err != nil || limit <= 0 {
		errs = append(errs, fmt.Sprintf("webserver.bodylimit %q is not a valid size such as 10M", s.WebServer.BodyLimit))
	}

	if s.WebServer.ReadTimeout < 0 || s.WebServer.WriteTimeout < 0 {
		errs = append(errs, "webserver timeouts cannot be negative")
	}

	for _, origin := range s.WebServer.CORS.Origins {
		if origin == "*" {
			continue
		}
		if err := validateOrigin(strings.TrimSpace(origin)); err != nil {
			errs = append(errs, fmt.Sprintf("webserver.cors.origins: %v", err))
		}
	}

	return joinErrors("webserver", errs)
}

func validateUploadSettings(s *Settings) error {
	var errs []string

	if err := validateEnvPath(s.Uploads.Path); err != nil || s.Uploads.Path == "" {
		errs = append(errs, "uploads.path must be a usable directory path")
	}
	if !strings.HasPrefix(s.Uploads.URLPrefix, "/") {
		errs = append(errs, fmt.Sprintf("uploads.urlprefix %q must start with /", s.Uploads.URLPrefix))
	}

	return joinErrors("uploads", errs)
}

func validateMQTTSettings(s *Settings) error {
	var errs []string
	m := &s.MQTT

	if m.Broker != "" {
		if err := validateEnvBrokerURL(m.Broker); err != nil {
			errs = append(errs, fmt.Sprintf("mqtt.broker: %v", err))
		}
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS))
	}
	if m.ConnectTimeout < 0 || m.ReconnectDelay < 0 {
		errs = append(errs, "mqtt timeouts cannot be negative")
	}

	return joinErrors("mqtt", errs)
}

func validateOutputSettings(s *Settings) error {
	var errs []string
	o := &s.Output

	switch {
	case o.SQLite.Enabled && o.MySQL.Enabled:
		errs = append(errs, "only one of output.sqlite and output.mysql can be enabled")
	case !o.SQLite.Enabled && !o.MySQL.Enabled:
		errs = append(errs, "one of output.sqlite or output.mysql must be enabled")
	}

	if o.SQLite.Enabled && o.SQLite.Path == "" {
		errs = append(errs, "output.sqlite.path is required")
	}

	if o.MySQL.Enabled {
		if o.MySQL.Host == "" || o.MySQL.Database == "" {
			errs = append(errs, "output.mysql host and database are required")
		}
		if _, err := strconv.Atoi(o.MySQL.Port); err != nil {
			errs = append(errs, fmt.Sprintf("output.mysql.port %q is not a number", o.MySQL.Port))
		}
	}

	if s.History.CacheTTL < 0 {
		errs = append(errs, "history.cachettl cannot be negative")
	}

	return joinErrors("output", errs)
}

func validateStreamSettings(s *Settings) error {
	var errs []string

	if s.Stream.Heartbeat <= 0 {
		errs = append(errs, "stream.heartbeat must be positive")
	}
	if s.Stream.ClientBuffer < 1 {
		errs = append(errs, "stream.clientbuffer must be at least 1")
	}
	if s.Stream.ConnectRate <= 0 {
		errs = append(errs, "stream.connectrate must be positive")
	}

	return joinErrors("stream", errs)
}

func validateNotificationSettings(s *Settings) error {
	if s.Notification.Enabled && len(s.Notification.URLs) == 0 {
		return fmt.Errorf("notification settings errors: notification.urls is empty while notifications are enabled")
	}
	return nil
}

func validateSentrySettings(s *Settings) error {
	if !s.Sentry.Enabled {
		return nil
	}
	if s.Sentry.DSN == "" {
		return fmt.Errorf("sentry settings errors: sentry.dsn is required when sentry is enabled")
	}
	if err := validateEnvURL(s.Sentry.DSN); err != nil {
		return fmt.Errorf("sentry settings errors: %w", err)
	}
	return nil
}

func joinErrors(section string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s settings errors: %s", section, strings.Join(errs, "; "))
}
