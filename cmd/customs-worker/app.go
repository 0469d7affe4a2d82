package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/bootstrap"
	"github.com/BearBump/CustomsBox/internal/cache/rediscache"
	"github.com/BearBump/CustomsBox/internal/services/retrier"
)

type workerFactories struct {
	newCore        func(ctx context.Context, cfg *config.Config) (*bootstrap.Core, error)
	newRateLimiter func(cfg *config.Config) retrier.RateLimiter
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newCore: func(ctx context.Context, cfg *config.Config) (*bootstrap.Core, error) {
			return bootstrap.Build(ctx, cfg, bootstrap.DefaultFactories())
		},
		newRateLimiter: func(cfg *config.Config) retrier.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewRateLimiter(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
	}
}

func RunCustomsWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	pollInterval := time.Duration(cfg.CustomsBox.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	batchSize := cfg.CustomsBox.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	concurrency := cfg.CustomsBox.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	lease := time.Duration(cfg.CustomsBox.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	rlPerMin := int64(cfg.CustomsBox.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 30
	}
	expiry := time.Duration(cfg.CustomsBox.TransactionExpirySeconds) * time.Second

	core, err := f.newCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	r := retrier.New(core.Storage, core.Transactions, core.Declarations, f.newRateLimiter(cfg), core.Metrics).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCountryRateLimits(cfg.CustomsBox.WorkerCountryRateLimits)
	if expiry > 0 {
		r.WithExpiry(expiry)
	}

	if cfg.CustomsBox.WorkerHTTPAddr != "" {
		go func() {
			err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr: cfg.CustomsBox.WorkerHTTPAddr,
				retrier:  r,
				core:     core,
				cfg:      cfg,
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("worker http server stopped", "error", err.Error())
			}
		}()
	}

	slog.Info("retrier started", "poll_interval", pollInterval, "batch_size", batchSize, "concurrency", concurrency)
	return r.Run(ctx)
}
