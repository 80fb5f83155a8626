// Package cmd builds the skywatch command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/skywatch/cmd/config"
	"github.com/tphakala/skywatch/cmd/serve"
	"github.com/tphakala/skywatch/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *conf.Context) (*cobra.Command, error) {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "skywatch",
		Short:        "SkyWatch detection ingestion service",
		Long:         "Ingest defensive alerts and offensive drone detections over HTTP and MQTT, store them and stream them live.",
		Version:      ctx.Build.String(),
		SilenceUsage: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configPath); err != nil {
		return nil, err
	}

	serveCmd, err := serve.Command(ctx)
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(serveCmd, config.Command(ctx))

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			conf.SetConfigFile(configPath)
		}

		settings, err := conf.Load()
		if err != nil {
			return err
		}
		ctx.Settings = settings
		return nil
	}

	return rootCmd, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configPath *string) error {
	rootCmd.PersistentFlags().StringVarP(configPath, "config", "c", "", "Path to config.yaml (default: ./, ~/.config/skywatch/, /etc/skywatch/)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
