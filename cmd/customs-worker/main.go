package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/logger"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	if err := config.ApplyEnv(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	logger.InitLogger(logger.ParseLogLevel(cfg.CustomsBox.LogLevel), cfg.CustomsBox.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunCustomsWorker(ctx, cfg, defaultWorkerFactories()); err != nil && err != context.Canceled {
		slog.Error("customs-worker stopped", "error", err.Error())
		os.Exit(1)
	}
}
