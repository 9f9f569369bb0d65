package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lamina-storage/lamina/internal/config"
	"github.com/lamina-storage/lamina/internal/monitoring"
	"github.com/lamina-storage/lamina/internal/server"
	"github.com/lamina-storage/lamina/internal/storage"
	"github.com/lamina-storage/lamina/internal/storage/fs"
	"github.com/lamina-storage/lamina/internal/storage/memory"
	"github.com/lamina-storage/lamina/internal/storage/sqldb"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "lamina",
		Short: "Lamina is an S3-API-compatible object storage server",
		Long: `Lamina serves the AWS S3 HTTP API - object upload and download,
multipart uploads, bucket lifecycle, prefix/delimiter listings, server-side
copy and byte-range reads - on top of a pluggable storage backend:

  memory      everything in process memory (development, testing)
  filesystem  objects as files under a data root
  database    bytes and metadata in a relational database

Requests are authenticated with AWS Signature Version 4, including the
streaming aws-chunked payload variants with per-chunk signatures and
trailer checksums, so stock AWS SDKs and tools work unchanged.

All configuration is done through a YAML configuration file and
LAMINA_-prefixed environment variables. Use --config to specify a
configuration file, or lamina will look in the standard locations.`,
		Run: runServer,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
	rootCmd.PersistentFlags().String("listen", "0.0.0.0:8080", "address the S3 API listens on")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "memory", "storage backend (memory, filesystem, database)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lamina %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	})
}

func initConfig() {
	// Flags override file and environment values.
	_ = viper.BindPFlag("server.bind_address", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("storage.backend", rootCmd.PersistentFlags().Lookup("backend"))

	config.InitConfig(cfgFile)
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := newLogger(cfg)
	logger.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("Lamina build information")
	monitoring.SetServerInfo(version, commit, buildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage backend")
	}
	defer func() {
		if closer, ok := backend.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.WithError(err).Warn("Closing storage backend failed")
			}
		}
	}()

	if cfg.Monitoring.Enabled {
		monSrv := monitoring.NewServer(monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		}, logger)
		go func() {
			if err := monSrv.Start(ctx); err != nil {
				logger.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	srv, err := server.NewServer(cfg, backend, version, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}
	if err := srv.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, falling back to info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func openBackend(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.New(logger), nil
	case config.BackendFilesystem:
		return fs.New(cfg.Storage.DataRoot, logger)
	case config.BackendDatabase:
		return sqldb.New(ctx, cfg.Storage.ConnectionString, logger)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
