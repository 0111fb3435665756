// Command server runs the lexpipe HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/lexpipe/lexpipe/internal/api"
	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
	"github.com/lexpipe/lexpipe/pkg/storage"
)

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewStandardLoggerWithLevel("server",
		observability.LogLevel(strings.ToUpper(cfg.Service.LogLevel)))

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("Server exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Connect(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()
	repos := repository.New(db)

	store, err := cache.NewStore(cache.Config{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		CacheDB:      cfg.Redis.CacheDB,
		BatchDB:      cfg.Redis.BatchDB,
		MetricsDB:    cfg.Redis.MetricsDB,
		RateLimitDB:  cfg.Redis.RateLimitDB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
		MaxValueSize: cfg.Redis.MaxValueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer func() { _ = store.Close() }()

	metrics := cache.NewMetrics(store.DatabaseClient(cache.DatabaseMetrics), logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	tasks := queue.NewSQSTaskQueue(sqsClient, cfg.Queue.TaskQueueURL, logger)
	objects := storage.NewS3Store(s3.NewFromConfig(awsCfg), logger)

	states := pipeline.NewStateStore(store, logger)
	loader := repository.NewArtifactLoader(repos)
	// The API enqueues stage tasks itself; the gate's chaining hook is only
	// used by workers
	gate := pipeline.NewGate(states, store, loader, nil, logger)
	batches := pipeline.NewBatchTracker(store, logger)

	server := api.NewServer(api.Config{
		Store:   store,
		Metrics: metrics,
		States:  states,
		Gate:    gate,
		Batches: batches,
		Repos:   repos,
		Tasks:   tasks,
		Objects: objects,
		Logger:  logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Service.Port)
	return server.Run(ctx, addr, cfg.Service.ShutdownTimeout)
}
