// Command worker pulls stage tasks off the queue and runs the pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/joho/godotenv"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/extraction"
	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/ocr"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
	"github.com/lexpipe/lexpipe/pkg/resolution"
	"github.com/lexpipe/lexpipe/pkg/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewStandardLoggerWithLevel("worker",
		observability.LogLevel(strings.ToUpper(cfg.Service.LogLevel)))

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("Worker exited with error", map[string]interface{}{"error": err.Error()})
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
	}, logger, cache.WithLocalCache(256, cfg.Pipeline.ArtifactTTL))
	if err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer func() { _ = store.Close() }()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	tasks := queue.NewSQSTaskQueue(sqs.NewFromConfig(awsCfg), cfg.Queue.TaskQueueURL, logger)
	events := queue.NewSQSEventPublisher(sqs.NewFromConfig(awsCfg), cfg.Queue.EventTopicURL, logger)
	ocrClient := ocr.NewTextractClient(textract.NewFromConfig(awsCfg), logger)
	bedrock := bedrockruntime.NewFromConfig(awsCfg)

	extractor, err := extraction.NewBedrockExtractor(bedrock, extraction.BedrockConfig{
		ModelID:           cfg.AWS.BedrockModel,
		RequestsPerMinute: cfg.Extraction.RateLimitRPM,
		Timeout:           cfg.Extraction.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build extractor: %w", err)
	}

	fuzzy := resolution.NewFuzzyResolver(cfg.Resolution.FuzzyThreshold)
	var resolver resolution.Resolver = fuzzy
	if cfg.Resolution.Method == "llm" {
		grouper := resolution.NewBedrockGrouper(bedrock, cfg.AWS.BedrockModel)
		resolver = resolution.NewLLMResolver(grouper, fuzzy, logger)
	}

	states := pipeline.NewStateStore(store, logger)
	loader := repository.NewArtifactLoader(repos)
	gate := pipeline.NewGate(states, store, loader, worker.NewStageEnqueuer(tasks), logger)
	batches := pipeline.NewBatchTracker(store, logger)
	coord := resolution.NewCoordinator(extractor, resolver, repos, logger)

	retry := worker.NewRetryHandler(&worker.RetryConfig{
		MaxRetries:      cfg.Pipeline.MaxRetries,
		InitialInterval: worker.DefaultRetryConfig().InitialInterval,
		MaxInterval:     worker.DefaultRetryConfig().MaxInterval,
		Multiplier:      worker.DefaultRetryConfig().Multiplier,
		MaxElapsedTime:  cfg.Pipeline.StageTimeout,
	}, logger)

	processor := worker.NewProcessor(
		worker.ProcessorConfig{
			OCRPollInterval: cfg.Pipeline.OCRPollInterval,
			OCRMaxPolls:     cfg.Pipeline.OCRMaxPolls,
		},
		gate, states, batches, repos, coord, ocrClient,
		worker.NewChunker(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap),
		tasks, events, retry, logger,
	)

	w := worker.New(worker.Config{
		MaxMessages: cfg.Queue.MaxMessages,
		WaitSeconds: cfg.Queue.WaitSeconds,
		Concurrency: cfg.Queue.Concurrency,
	}, tasks, processor, logger)

	return w.Run(ctx)
}
