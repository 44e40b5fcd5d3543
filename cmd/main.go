package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ambientlog/ambientlog/internal/api"
	"github.com/ambientlog/ambientlog/internal/backup"
	"github.com/ambientlog/ambientlog/internal/collector"
	"github.com/ambientlog/ambientlog/internal/config"
	"github.com/ambientlog/ambientlog/internal/database"
	"github.com/ambientlog/ambientlog/internal/metrics"
	"github.com/ambientlog/ambientlog/internal/realtime"
	"github.com/ambientlog/ambientlog/internal/scheduler"
)

// Command ambientlog runs the weather measurement collector.
//
// The daemon ingests station readings from the vendor's realtime push feed
// (or, with vendor.realtime=false, by polling the REST API), stores them
// idempotently in a local SQLite database, and backs that database up to
// S3-compatible blob storage on a cron schedule with tiered retention.
//
// Usage:
//
//	ambientlog [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-backup-now
//	      run one backup plus retention sweep and exit
//	-list-backups
//	      list remote backups and exit
//	-restore string
//	      restore the named backup to -dest and exit
//	-dest string
//	      destination path for -restore
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	backupNow := flag.Bool("backup-now", false, "run one backup and exit")
	listBackups := flag.Bool("list-backups", false, "list remote backups and exit")
	restoreKey := flag.String("restore", "", "restore the named backup and exit")
	restoreDest := flag.String("dest", "", "destination path for -restore")
	flag.Parse()

	appConfig, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(appConfig.Logging)

	repo, err := database.Open(appConfig.Database.Path)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repo.InitSchema(ctx); err != nil {
		logger.Fatalf("Failed to initialize schema: %v", err)
	}

	if *backupNow || *listBackups || *restoreKey != "" {
		os.Exit(runBackupCommand(ctx, appConfig, repo, logger, *backupNow, *listBackups, *restoreKey, *restoreDest))
	}

	runDaemon(ctx, cancel, appConfig, repo, logger)
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func buildBackupManager(cfg *config.Config, repo *database.SQLiteRepo, m *metrics.Metrics, logger *logrus.Logger) *backup.Manager {
	store := backup.NewS3Store(backup.S3Config{
		Bucket:          cfg.Backup.Bucket,
		EndpointURL:     cfg.Backup.EndpointURL,
		Region:          cfg.Backup.Region,
		AccessKeyID:     cfg.Backup.AccessKeyID,
		SecretAccessKey: cfg.Backup.SecretAccessKey,
	})
	return backup.NewManager(store, repo, cfg.Backup.Prefix, cfg.Backup.DailyRetentionDays, "", m, logger)
}

// runBackupCommand handles the one-shot backup modes.
func runBackupCommand(ctx context.Context, cfg *config.Config, repo *database.SQLiteRepo, logger *logrus.Logger, backupNow, listBackups bool, restoreKey, restoreDest string) int {
	if !cfg.Backup.Enabled {
		fmt.Fprintln(os.Stderr, "backups are disabled in configuration")
		return 1
	}
	manager := buildBackupManager(cfg, repo, metrics.New(), logger)

	switch {
	case backupNow:
		obj, err := manager.Run(ctx)
		if err != nil {
			logger.WithError(err).Error("Backup failed")
			return 1
		}
		if _, err := manager.ApplyRetention(ctx, time.Now()); err != nil {
			logger.WithError(err).Error("Retention sweep failed")
			return 1
		}
		fmt.Printf("backup uploaded: %s (%d bytes)\n", obj.Key, obj.Size)

	case listBackups:
		objects, err := manager.List(ctx)
		if err != nil {
			logger.WithError(err).Error("Failed to list backups")
			return 1
		}
		for _, obj := range objects {
			fmt.Printf("%s\t%d\t%s\n", obj.Key, obj.Size, obj.LastModified.Format(time.RFC3339))
		}

	case restoreKey != "":
		if restoreDest == "" {
			fmt.Fprintln(os.Stderr, "-restore requires -dest")
			return 1
		}
		if err := manager.Restore(ctx, restoreKey, restoreDest); err != nil {
			logger.WithError(err).Error("Restore failed")
			return 1
		}
		fmt.Printf("restored %s to %s\n", restoreKey, restoreDest)
	}
	return 0
}

func runDaemon(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, repo *database.SQLiteRepo, logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{
		"device_id": cfg.Vendor.DeviceID,
		"database":  cfg.Database.Path,
		"realtime":  cfg.Vendor.Realtime,
	}).Info("Starting collector")

	pullClient := api.NewRateLimitedClient(cfg.Vendor.APIURL, cfg.Vendor.APIKey, cfg.Vendor.ApplicationKey, logger)

	// Startup credential probe: bad credentials are the one condition that
	// is fatal here rather than retried.
	probeCtx, probeCancel := context.WithTimeout(ctx, 30*time.Second)
	devices, err := pullClient.ListDevices(probeCtx)
	probeCancel()
	if api.IsAuthError(err) {
		logger.Fatalf("Vendor API authentication failed: %v", err)
	}
	if err != nil {
		logger.WithError(err).Warn("Credential probe inconclusive, continuing")
	} else {
		logger.WithField("devices", len(devices)).Info("Vendor API reachable")
	}

	m := metrics.New()

	opts := collector.Options{
		DeviceID:     cfg.Vendor.DeviceID,
		DeviceName:   cfg.Vendor.DeviceName,
		PollInterval: cfg.Vendor.PollInterval,
	}
	if cfg.Vendor.Realtime {
		opts.Feed = realtime.NewFeedClient(realtime.Options{
			URL:            cfg.Vendor.RealtimeURL,
			APIKey:         cfg.Vendor.APIKey,
			ApplicationKey: cfg.Vendor.ApplicationKey,
			DeviceID:       cfg.Vendor.DeviceID,
		}, logger)
	} else {
		opts.Puller = pullClient
	}

	svc, err := collector.New(repo, opts, m, logger)
	if err != nil {
		logger.Fatalf("Failed to create collector: %v", err)
	}

	errChan := make(chan error, 3)

	go func() {
		errChan <- svc.Run(ctx)
	}()

	if cfg.Backup.Enabled {
		manager := buildBackupManager(cfg, repo, m, logger)
		sched, err := scheduler.New(cfg.Backup.Schedule, manager, logger)
		if err != nil {
			logger.Fatalf("Invalid backup schedule %q: %v", cfg.Backup.Schedule, err)
		}
		go func() {
			errChan <- sched.Run(ctx)
		}()
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received signal, initiating shutdown")
		cancel()
		// Let the ingestion path drain and report its final counts.
		if err := <-errChan; err != nil {
			logger.WithError(err).Error("Shutdown finished with error")
		}
	case err := <-errChan:
		cancel()
		if err != nil {
			logger.Fatalf("Service error: %v", err)
		}
	}

	logger.Info("Collector stopped")
}
