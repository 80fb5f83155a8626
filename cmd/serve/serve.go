// Package serve runs the SkyWatch service.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/skywatch/internal/buildinfo"
	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/logger"
	"github.com/tphakala/skywatch/internal/telemetry"
)

// flagKeys maps serve flags to configuration keys. Flags win over the
// config file and environment when set.
var flagKeys = map[string]string{
	"port":        "webserver.port",
	"mqtt-broker": "mqtt.broker",
	"mqtt-topic":  "mqtt.topic",
	"upload-dir":  "uploads.path",
	"sqlite-path": "output.sqlite.path",
}

// Command creates the serve command.
func Command(ctx *conf.Context) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API, MQTT subscriber and live streams",
		Long:  "Start the HTTP API and the telemetry bus subscriber, and stream stored detections to live clients until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(runCtx, ctx.Settings, ctx.Build)
		},
	}

	if err := setupFlags(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("port", "", "HTTP listen port")
	cmd.Flags().String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	cmd.Flags().String("mqtt-topic", "", "MQTT topic carrying drone detections")
	cmd.Flags().String("upload-dir", "", "Directory for stored alert images")
	cmd.Flags().String("sqlite-path", "", "SQLite database file")

	for flag, key := range flagKeys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// Run sets up logging and telemetry, then serves until ctx is cancelled.
func Run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context) error {
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
	}
	centralLogger, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(centralLogger)
	defer func() { _ = centralLogger.Close() }()

	log := logger.Global().Module("main")

	if err := telemetry.Init(&settings.Sentry, build); err != nil {
		// telemetry is optional, the service runs without it
		log.Warn("error telemetry disabled", logger.Error(err))
	}
	defer telemetry.Flush(telemetry.DefaultFlushTimeout)

	log.Info("starting SkyWatch",
		logger.String("version", build.GetVersion()),
		logger.String("build_date", build.GetBuildDate()))

	a, err := newApp(settings, log)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}
