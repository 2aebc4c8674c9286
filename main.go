package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"lending-api/internal/config"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lending-api",
		Short:         "Device lending service with live change push over WebSocket",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), migrateCommand(), seedCommand(), provisionCommand())
	return root
}

// loadConfig reads configuration and builds the process logger from it.
func loadConfig() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		log.Errorf("config: %v", err)
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	// echo and third-party code log through the standard logger
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)
	return logger
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if err := migrateStore(cfg.DatabaseURL, direction); err != nil {
				logger.Errorf("migrate %s: %v", direction, err)
				return err
			}
			logger.WithField("direction", direction).Info("migrations applied")
			return nil
		},
	}
}

func seedCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load devices from a JSON file into an empty store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := seed(cmd.Context(), cfg, logger, path)
			if err != nil {
				logger.Errorf("seed: %v", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d devices\n", n)
			return nil
		},
	}
	addSeedFlags(cmd.Flags(), &path)
	return cmd
}

func addSeedFlags(fs *pflag.FlagSet, path *string) {
	fs.StringVarP(path, "file", "f", "devices.json", "JSON array of devices to load")
}

func provisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the Azure tables and queues the service uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StorageConnectionString == "" {
				err := fmt.Errorf("STORAGE_CONNECTION_STRING must be set")
				logger.Error(err)
				return err
			}
			if err := provision(cmd.Context(), cfg, logger); err != nil {
				logger.Errorf("provision: %v", err)
				return err
			}
			return nil
		},
	}
}
