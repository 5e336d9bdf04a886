// Package main is the entry point for the broadcast proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avafanout/internal/config"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// exitFunc is replaced in tests.
var exitFunc = os.Exit

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		exitFunc(1)
		return
	}

	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avafanout",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("store", cfg.Store.Driver),
	)

	gin.SetMode(gin.ReleaseMode)

	app, err := initApplication(cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize application", observability.Error(err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app); err != nil {
		fatalWithSync(logger, "proxy terminated", observability.Error(err))
	}
}

// parseFlags parses command line flags. Environment variables provide the
// defaults.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var flags cliFlags
	fs.StringVar(&flags.configPath, "config", getEnvOrDefault("FANOUT_CONFIG_PATH", "configs/fanout.yaml"),
		"Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("FANOUT_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	fs.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("FANOUT_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)

	return flags
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avafanout version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads the configuration file, applies flag overrides and
// validates the result.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if flags.logLevel != "" {
		cfg.Observability.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Observability.Logging.Format = flags.logFormat
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// initLogger initializes the process logger.
func initLogger(cfg *config.Config) observability.Logger {
	logging := cfg.Observability.Logging
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:      logging.Level,
		Format:     logging.Format,
		Output:     logging.Output,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		MaxAgeDays: logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		exitFunc(1)
		return observability.NopLogger()
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// fatalWithSync logs msg, flushes the logger and exits.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	logger.Error(msg, fields...)
	_ = logger.Sync()
	exitFunc(1)
}

// getEnvOrDefault returns the value of key, or def when it is unset or empty.
func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
