package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskrunner/taskd/pkg/api"
	"github.com/taskrunner/taskd/pkg/config"
	"github.com/taskrunner/taskd/pkg/handlers"
	"github.com/taskrunner/taskd/pkg/monitoring"
	"github.com/taskrunner/taskd/pkg/taskqueue"
)

var (
	// Global flags
	configFile   string
	logLevel     string
	logFormat    string
	address      string
	port         int
	workers      int
	pollInterval time.Duration

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskd",
		Short: "Asynchronous task coordination daemon",
		Long: `taskd schedules and executes asynchronous tasks with priorities,
inter-task dependencies and per-type concurrency limits, and exposes the
queue over a REST and WebSocket API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "API listen address")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "API listen port")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "worker pool size")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", 0, "scheduler poll interval")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWithOverrides()
	if err != nil {
		return err
	}

	logger, err := monitoring.SetupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Int("workers", cfg.Coordinator.Workers).
		Str("address", cfg.ListenAddress()).
		Msg("Starting taskd")

	// Tracing
	tracing, err := monitoring.NewTracingManager(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Coordinator, its workers start immediately
	coordinator := taskqueue.NewCoordinator(taskqueue.CoordinatorConfig{
		Workers:        cfg.Coordinator.Workers,
		PollInterval:   cfg.Coordinator.PollInterval,
		DispatchBuffer: cfg.Coordinator.DispatchBuffer,
	}, logger)

	if err := registerHandlers(coordinator, cfg, logger); err != nil {
		return err
	}
	for taskType, max := range cfg.Limits {
		coordinator.SetConcurrencyLimit(taskType, max)
		logger.Info().Str("type", taskType).Int("max_concurrent", max).Msg("Concurrency limit set")
	}

	// Observability listeners
	metrics := monitoring.NewRegistry()
	coordinator.AddEventListener(monitoring.NewMetricsListener(metrics))
	monitoring.RegisterQueueGauges(metrics, coordinator)
	if cfg.Tracing.Enabled {
		coordinator.AddEventListener(monitoring.NewTraceListener(tracing.Tracer()))
	}

	// API server
	server := api.NewServer(api.ServerConfig{
		Address:      cfg.ListenAddress(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		EnableCORS:   cfg.Server.EnableCORS,
	}, coordinator, metrics, logger)
	coordinator.AddEventListener(server.EventListener())
	server.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Coordinator shutdown incomplete")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Tracing shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func loadConfigWithOverrides() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if address != "" {
		cfg.Server.Address = address
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if workers > 0 {
		cfg.Coordinator.Workers = workers
	}
	if pollInterval > 0 {
		cfg.Coordinator.PollInterval = pollInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func registerHandlers(coordinator *taskqueue.Coordinator, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Handlers.EnableCommand {
		if err := coordinator.RegisterHandler(handlers.NewCommandHandler(logger)); err != nil {
			return fmt.Errorf("failed to register command handler: %w", err)
		}
	}
	if cfg.Handlers.EnableSleep {
		if err := coordinator.RegisterHandler(handlers.NewSleepHandler(logger)); err != nil {
			return fmt.Errorf("failed to register sleep handler: %w", err)
		}
	}
	return nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "taskd.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Listen address: %s\n", cfg.ListenAddress())
			fmt.Printf("Workers: %d\n", cfg.Coordinator.Workers)
			fmt.Printf("Poll interval: %s\n", cfg.Coordinator.PollInterval)
			fmt.Printf("Concurrency limits: %d\n", len(cfg.Limits))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigWithOverrides()
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)
	cmd.AddCommand(showCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskd\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}
