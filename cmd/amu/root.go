package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/config"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// version is set via -ldflags at build time.
var version = "(devel)"

var rootCmd = &cobra.Command{
	Use:          "amu",
	Short:        "Competency achievement service for Asset Management University",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "amu", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file applied before reading the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads configuration, honouring --env-file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadFiles(path)
	if err != nil {
		return nil, err
	}
	if version != "(devel)" {
		cfg.App.Version = version
	}
	return cfg, nil
}

// newLogger builds the process logger from the observability settings.
func newLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Output = os.Stdout
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = cfg.Observability.LogFormat
	return logger.New(opts).With(
		logger.String("service", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
	)
}
