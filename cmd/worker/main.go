package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glizzus/opus-normalize/internal/config"
	"github.com/glizzus/opus-normalize/internal/datalayer"
	"github.com/glizzus/opus-normalize/internal/opus"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/glizzus/opus-normalize/internal/repository"
	"github.com/glizzus/opus-normalize/internal/worker"
)

var (
	concurrency = flag.Int("concurrency", 1, "Number of jobs to normalize at once")
	verbose     = flag.Bool("verbose", false, "Log pipeline state changes and other debug output")
)

func runWorkerForever(ctx context.Context) error {
	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if err := config.LoadEnv(); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No .env file found, continuing without it")
		} else {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	redisConfig, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load redis config: %w", err)
	}
	normalizeConfig, err := config.NewNormalizeConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load normalize config: %w", err)
	}
	opts, err := normalizeConfig.PipelineOptions()
	if err != nil {
		return err
	}

	rdb, err := redisConfig.Client(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	storage, err := datalayer.NewMinioStorageFromEnv()
	if err != nil {
		return fmt.Errorf("failed to create minio storage: %w", err)
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}

	pool, err := datalayer.NewPostgresPoolFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()
	if err := datalayer.MigratePostgres(pool); err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}

	consumer, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	queue, err := worker.NewRedisQueue(ctx, rdb, consumer)
	if err != nil {
		return err
	}

	p := pipeline.New(opus.LibOpus{Bitrate: opts.Bitrate}, pipeline.WithOptions(opts))
	processor := worker.NewProcessor(storage, repository.NewPostgresJobRepository(pool), p)
	processor.Concurrency = *concurrency

	slog.Info("Worker started",
		"consumer", consumer,
		"stream", worker.Stream,
		"group", worker.Group,
		"policy", opts.Policy,
		"concurrency", processor.Concurrency,
	)
	return processor.Run(ctx, queue)
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWorkerForever(ctx); err != nil {
		slog.Error("Worker encountered an error", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}
