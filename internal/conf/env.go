// env.go: environment variable bindings and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation.
// The short names without prefix match the variables existing deployments set.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "SKYWATCH_DEBUG", validateEnvBool},

		// HTTP
		{"webserver.port", "PORT", validateEnvPort},
		{"webserver.cors.origins", "CLIENT_ORIGIN", validateEnvOrigins},
		{"webserver.bodylimit", "SKYWATCH_BODY_LIMIT", nil},

		// Telemetry bus
		{"mqtt.broker", "MQTT_BROKER", validateEnvBrokerURL},
		{"mqtt.topic", "MQTT_TOPIC", validateEnvTopic},
		{"mqtt.username", "MQTT_USERNAME", nil},
		{"mqtt.password", "MQTT_PASSWORD", nil},
		{"mqtt.clientid", "MQTT_CLIENT_ID", nil},

		// Storage
		{"uploads.path", "UPLOAD_DIR", validateEnvPath},
		{"output.sqlite.path", "SQLITE_PATH", validateEnvPath},
		{"output.mysql.enabled", "MYSQL_ENABLED", validateEnvBool},
		{"output.mysql.host", "MYSQL_HOST", nil},
		{"output.mysql.port", "MYSQL_PORT", validateEnvPort},
		{"output.mysql.username", "MYSQL_USER", nil},
		{"output.mysql.password", "MYSQL_PASSWORD", nil},
		{"output.mysql.database", "MYSQL_DATABASE", nil},

		// Telemetry
		{"sentry.dsn", "SENTRY_DSN", validateEnvURL},
		{"sentry.enabled", "SENTRY_ENABLED", validateEnvBool},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvOrigins(value string) error {
	for origin := range strings.SplitSeq(value, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			continue
		}
		if err := validateOrigin(origin); err != nil {
			return err
		}
	}
	return nil
}

func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" {
		return fmt.Errorf("origin %q has no host", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin %q must not contain a path", origin)
	}
	return nil
}

// brokerSchemes are the URL schemes accepted by the paho client
var brokerSchemes = map[string]bool{
	"tcp": true, "ssl": true, "tls": true, "mqtt": true, "mqtts": true, "ws": true, "wss": true,
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	if !brokerSchemes[u.Scheme] {
		return fmt.Errorf("broker URL scheme must be one of tcp, ssl, tls, mqtt, mqtts, ws, wss, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("broker URL %q has no host", value)
	}
	return nil
}

func validateEnvTopic(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("topic cannot be blank")
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("topic cannot contain NUL characters")
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path cannot contain NUL characters")
	}
	if filepath.Clean(value) == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL %q must include scheme and host", value)
	}
	return nil
}
