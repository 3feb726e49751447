package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/store"
)

var (
	// Global flags
	cfgPath   string
	envFile   string
	dbDriver  string
	dbDSN     string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore *store.Store
)

// initializeStore opens the state store named by the config.
func initializeStore() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	st, err := store.New(globalCfg.Database.Driver, globalCfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return nil
}

// shouldSkipStoreInit checks if a command runs without the state store.
func shouldSkipStoreInit(cmd *cobra.Command) bool {
	skip := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"show":       true,
		"validate":   true,
		"completion": true,
	}
	return skip[cmd.Name()]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// loadConfig resolves the env file and config file into globalCfg.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}

	path := cfgPath
	if path == "" {
		found, err := config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
		path = found
	}

	var err error
	if path != "" {
		globalCfg, err = config.Load(path)
	} else {
		globalCfg, err = config.Parse(nil)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if dbDriver != "" {
		globalCfg.Database.Driver = dbDriver
	}
	if dbDSN != "" {
		globalCfg.Database.DSN = dbDSN
	}

	logger.Debug("config loaded", "path", path, "driver", globalCfg.Database.Driver, "targets", globalCfg.TargetNames())
	return nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imagesync",
		Short: "Mirror container images into private registries",
		Long: `imagesync keeps a durable queue of container images to mirror and pushes
them into one or more destination registries. Producers (webhooks, compose
file diffs, tag polling) enqueue references; a sync run pulls, retags and
pushes every pending image and records what was pushed.`,
		Example: `  imagesync enqueue redis:7 bitnami/postgresql:16
  imagesync enqueue --file images.json
  imagesync sync --target private
  imagesync discover compose --owner langgenius --repo dify --path docker/docker-compose.yaml
  imagesync serve --listen 0.0.0.0:8080
  imagesync status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if err := loadConfig(cmd); err != nil {
				return err
			}

			if !shouldSkipStoreInit(cmd) {
				if err := globalCfg.Validate(); err != nil {
					return err
				}
				if err := initializeStore(); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config (default .env if present)")
	cmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "override database.driver (sqlite or postgres)")
	cmd.PersistentFlags().StringVar(&dbDSN, "db", "", "override database.dsn")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newEnqueueCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newServeCmd(),
		newDiscoverCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}
