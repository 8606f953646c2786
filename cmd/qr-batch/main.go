package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Sternrassler/flowcode-qr-batch/pkg/client"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/config"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/ledger"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/logging"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/metrics"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/pipeline"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/rundir"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/slug"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(runMain())
}

// runMain wires the process from the environment and returns the exit code.
// Deferred cleanup runs before main exits.
func runMain() int {
	startedAt := time.Now()

	// Configuration from .env and environment
	cfg, err := config.Load()
	logger := logging.Setup(cfg.Logging)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	ctx := context.Background()

	// Optional Redis ledger
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
			return 1
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	// Optional metrics endpoint
	if cfg.MetricsAddr != "" {
		srv, addr, err := metrics.Serve(cfg.MetricsAddr)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start metrics server")
			return 1
		}
		defer srv.Close()
		logger.Info().Str("addr", addr.String()).Msg("Serving metrics")
	}

	summary, err := run(ctx, cfg, nil, redisClient, startedAt, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Run aborted")
		return 1
	}

	logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("throttles", summary.Throttles).
		Dur("duration", summary.Duration).
		Msg("All done!")
	return 0
}

// run performs one batch. submitter and redisClient may be nil; a nil
// submitter is replaced by a Flowcode client built from cfg.
func run(
	ctx context.Context,
	cfg config.Config,
	submitter pipeline.Submitter,
	redisClient *redis.Client,
	startedAt time.Time,
	logger zerolog.Logger,
) (pipeline.Summary, error) {
	// Nothing may be created before the configuration is known to be valid.
	if err := cfg.Validate(); err != nil {
		return pipeline.Summary{}, err
	}

	if submitter == nil {
		clientCfg := client.DefaultConfig(cfg.APIKey)
		clientCfg.Endpoint = cfg.APIURL
		c, err := client.New(clientCfg)
		if err != nil {
			return pipeline.Summary{}, fmt.Errorf("create flowcode client: %w", err)
		}
		submitter = c
	}

	dir, err := rundir.Create(cfg.OutputDir, startedAt)
	if err != nil {
		return pipeline.Summary{}, err
	}

	ids := slug.Generate(cfg.Count)
	metrics.SetIdentifiersGenerated(len(ids))
	if err := dir.WriteIdentifiers(ids); err != nil {
		return pipeline.Summary{}, err
	}
	logger.Info().
		Str("run_dir", dir.Path()).
		Int("count", len(ids)).
		Msg("Identifiers generated")

	var recorder pipeline.Recorder
	if redisClient != nil {
		l, err := ledger.New(redisClient, dir.ID(), logger)
		if err != nil {
			return pipeline.Summary{}, fmt.Errorf("create ledger: %w", err)
		}
		if err := l.Start(ctx, len(ids), startedAt); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
		recorder = l
	}

	p, err := pipeline.New(pipeline.Config{
		Submitter: submitter,
		Store:     dir,
		Template:  cfg.Template(),
		Retry:     client.DefaultRetryConfig(),
		Recorder:  recorder,
		Logger:    &logger,
	})
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("create pipeline: %w", err)
	}

	return p.Run(ctx, ids)
}
