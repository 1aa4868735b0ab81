package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arcstor/console-access-engine/internal/config"
	"github.com/arcstor/console-access-engine/internal/fingerprint"
	"github.com/arcstor/console-access-engine/internal/gateway"
	"github.com/arcstor/console-access-engine/internal/grant"
	"github.com/arcstor/console-access-engine/internal/logging"
	"github.com/arcstor/console-access-engine/internal/service"
	"github.com/arcstor/console-access-engine/internal/session"
	"github.com/arcstor/console-access-engine/internal/storagecheck"
	"github.com/arcstor/console-access-engine/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "console-access-engine",
		Short: "Console Access Engine",
		Long:  `Derives ephemeral S3 gateway credentials from a project API key and encryption passphrase, with session caching and passphrase reuse detection`,
		RunE:  run,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().String("listen", "", "listen address (overrides config)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
		"num_cpu": runtime.NumCPU(),
	}).Info("Starting console access engine")

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize Sentry
	if cfg.Sentry.Enabled {
		if err := initSentry(cfg); err != nil {
			logrus.WithError(err).Error("Failed to initialize Sentry")
			// Don't fail startup if Sentry init fails
		} else {
			defer sentry.Flush(2 * time.Second)
			logrus.Info("Sentry initialized successfully")

			logrus.AddHook(logging.NewSentryHook([]logrus.Level{
				logrus.PanicLevel,
				logrus.FatalLevel,
				logrus.ErrorLevel,
				logrus.WarnLevel,
			}))

			if cfg.Sentry.Debug || cfg.Sentry.MaxBreadcrumbs > 0 {
				logrus.AddHook(logging.NewBreadcrumbHook([]logrus.Level{
					logrus.InfoLevel,
					logrus.WarnLevel,
					logrus.ErrorLevel,
				}))
			}
		}
	}

	if listenAddr, _ := cmd.Flags().GetString("listen"); listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	logrus.WithFields(logrus.Fields{
		"satellite":      cfg.Satellite.NodeURL,
		"auth_service":   cfg.AuthService.URL,
		"listen_addr":    cfg.Server.Listen,
		"worker_timeout": cfg.Worker.RequestTimeout,
		"default_ttl":    cfg.Grants.DefaultTTL,
	}).Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Derivation worker on an in-process transport
	pipe, transport, host := worker.NewPipe(cfg.Worker.QueueSize)
	go worker.NewLocalWorker(host).Run(ctx)

	client := worker.NewClient(transport, cfg.Worker.RequestTimeout)
	generator := grant.NewGenerator(client)
	exchanger := gateway.NewClient(cfg.AuthService.URL, cfg.AuthService.Timeout)
	counter := storagecheck.NewS3Counter(cfg.Gateway.Region)

	manager := session.NewManager(session.Config{
		SatelliteNodeURL: cfg.Satellite.NodeURL,
		ProjectSalt:      cfg.Satellite.ProjectSalt,
		Public:           cfg.AuthService.Public,
		DefaultTTL:       cfg.Grants.DefaultTTL,
	}, generator, exchanger, counter)

	var prints fingerprint.RecordStore
	var store *fingerprint.Store
	if cfg.Database.Enabled {
		store, err = fingerprint.NewStore(fingerprint.StoreConfig{
			Driver:           cfg.Database.Driver,
			ConnectionString: cfg.Database.ConnectionString,
			MaxOpenConns:     cfg.Database.MaxOpenConns,
			MaxIdleConns:     cfg.Database.MaxIdleConns,
			ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to open fingerprint store: %w", err)
		}
		prints = store
		logrus.Info("Fingerprint store initialized")
	} else {
		logrus.Info("Fingerprint store disabled")
	}

	server := service.NewServer(cfg, manager, prints)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		logrus.Info("Shutting down server...")
		server.SetShuttingDown()

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Failed to shutdown server gracefully")
		}

		if err := client.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close worker client")
		}
		if err := pipe.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close worker pipe")
		}
		if store != nil {
			if err := store.Close(); err != nil {
				logrus.WithError(err).Error("Failed to close fingerprint store")
			}
		}
		cancel()
	}()

	logrus.WithField("addr", cfg.Server.Listen).Info("Server listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	logrus.Info("Server stopped")
	return nil
}

func initSentry(cfg *config.Config) error {
	options := sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		AttachStacktrace: cfg.Sentry.AttachStacktrace,
		Debug:            cfg.Sentry.Debug,
		MaxBreadcrumbs:   cfg.Sentry.MaxBreadcrumbs,
		ServerName:       cfg.Sentry.ServerName,
	}

	// Set release version if not provided in config
	if options.Release == "" {
		options.Release = fmt.Sprintf("console-access-engine@%s", version)
	}

	options.Tags = map[string]string{
		"server.version": version,
		"server.commit":  commit,
		"server.date":    date,
	}

	return sentry.Init(options)
}
