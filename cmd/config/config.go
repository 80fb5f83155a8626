// Package config prints the effective configuration.
package config

import (
	"fmt"
	"io"
	"net/url"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/skywatch/internal/conf"
)

const (
	redacted = "[REDACTED]"
	// urlRedacted survives URL escaping unchanged
	urlRedacted = "REDACTED"
)

// Command creates the config command.
func Command(ctx *conf.Context) *cobra.Command {
	var (
		showDefaults bool
		showSecrets  bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after merging config.yaml, environment variables and flags. Secrets are redacted unless --show-secrets is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showDefaults {
				_, err := io.WriteString(cmd.OutOrStdout(), conf.GetDefaultConfig())
				return err
			}

			settings := ctx.Settings
			if !showSecrets {
				settings = Redact(settings)
			}
			return Write(cmd.OutOrStdout(), settings)
		},
	}

	cmd.Flags().BoolVar(&showDefaults, "defaults", false, "Print the built-in default config.yaml instead")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Do not redact passwords, DSNs and notification URLs")

	return cmd
}

// Write encodes settings as YAML.
func Write(w io.Writer, settings *conf.Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("error encoding configuration: %w", err)
	}
	return enc.Close()
}

// Redact returns a copy of settings with credentials replaced.
func Redact(settings *conf.Settings) *conf.Settings {
	out := *settings

	out.MQTT.Password = redactValue(out.MQTT.Password)
	out.MQTT.Broker = redactURL(out.MQTT.Broker)
	out.Output.MySQL.Password = redactValue(out.Output.MySQL.Password)
	out.Sentry.DSN = redactURL(out.Sentry.DSN)

	out.Notification.URLs = slices.Clone(settings.Notification.URLs)
	for i, u := range out.Notification.URLs {
		out.Notification.URLs[i] = redactURL(u)
	}

	return &out
}

func redactValue(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}

// redactURL keeps scheme and host so the target stays recognizable.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return redacted
	}
	if u.User != nil {
		u.User = url.User(urlRedacted)
	}
	if u.RawQuery != "" {
		u.RawQuery = urlRedacted
	}
	if u.Path != "" && u.Path != "/" {
		u.Path = "/" + urlRedacted
	}
	return u.String()
}
