package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fileconv/api"
	"fileconv/cdn"
	"fileconv/config"
	"fileconv/conversion"
	"fileconv/logger"
	"fileconv/maintenance"
	"fileconv/progress"
	"fileconv/queue"
	"fileconv/services"
	"fileconv/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log := logger.New("fileconv", cfg.LogDebug)
	defer logger.Sync(log)
	log.Info("Starting file conversion service", zap.String("role", cfg.Role))

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	log.Info("Connected to Redis successfully", zap.String("addr", cfg.RedisAddr))

	// The archive is optional; without DB_HOST terminal jobs live only in Redis.
	var archive *services.DatabaseService
	if cfg.DatabaseURL != "" {
		db, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
		archive = db
		log.Info("Connected to database successfully")
	}

	notifier, err := services.NewNotifier(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		log.Fatal("Failed to connect to message broker", zap.Error(err))
	}
	defer notifier.Close()

	keys := services.NewKeys(cfg.RedisPrefix)
	store := services.NewJobStore(redisClient, keys, cfg.JobTTL)
	jobQueue := queue.New(redisClient, keys, cfg.QueueItemTTL, queue.WithClaimLease(cfg.JobLease))
	registry := services.NewWorkerRegistry(redisClient, keys, cfg.WorkerRecordTTL)
	s3Svc := services.NewS3Service(cfg)

	var content cdn.ContentStore = s3Svc
	if cfg.CDNBackend != "s3" {
		disk, err := cdn.NewDiskStore(cfg.CDNDir, cfg.CDNBaseURL)
		if err != nil {
			log.Fatal("Failed to prepare CDN directory", zap.Error(err))
		}
		content = disk
	}
	publisher := cdn.NewPublisher(redisClient, keys, content, cfg.PublicBaseURL, log.Named("cdn"))

	deps := conversion.Dependencies{
		Store:      store,
		Queue:      jobQueue,
		CDN:        publisher,
		Converters: conversion.NewConverters(services.NewGotenbergService(cfg.GotenbergURL), nil),
		Scanner:    services.NewScannerService(cfg.ScannerURL),
		Notifier:   notifier,
		Sources:    s3Svc,
	}
	if archive != nil {
		deps.Archive = archive
	}
	svc := conversion.NewService(cfg, deps, log.Named("conversion"))

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	var server *api.Server
	if cfg.RunsAPI() {
		broadcaster := progress.NewBroadcaster(store, cfg.ProgressInterval, log.Named("progress"))
		defer broadcaster.Close()

		server = api.NewServer(cfg, svc, broadcaster, publisher, store, log.Named("api"))
		go func() {
			if err := server.Listen(cfg.HTTPAddr); err != nil {
				log.Error("HTTP server stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	if cfg.RunsWorkers() {
		pool := worker.NewPool(cfg, jobQueue, registry, store, svc, log.Named("worker"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
		log.Info("Started conversion workers", zap.Int("count", cfg.WorkerCount))
	}

	if cfg.RunsReaper() {
		var pruner maintenance.ArchivePruner
		if archive != nil {
			pruner = archive
		}
		reaper := maintenance.NewReaper(cfg, store, jobQueue, registry, publisher, pruner, log.Named("reaper"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			reaper.Run(ctx)
		}()
	}

	log.Info("Gotenberg URL", zap.String("url", cfg.GotenbergURL))
	log.Info("Service is ready")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info("Shutdown signal received, stopping")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown failed", zap.Error(err))
		}
	}

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All workers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout, forcing exit")
	}

	redisClient.Close()
	log.Info("Conversion service stopped")
}
