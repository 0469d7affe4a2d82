package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/api/httpapi"
	"github.com/BearBump/CustomsBox/internal/bootstrap"
	"github.com/BearBump/CustomsBox/internal/broker/kafka"
	"github.com/BearBump/CustomsBox/internal/logger"
)

type customsAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     customsAPIOpts
	core     *bootstrap.Core
	consumer *kafka.Consumer
}

func mustBootstrapCustomsAPI() *customsAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	if err := config.ApplyEnv(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	logger.InitLogger(logger.ParseLogLevel(cfg.CustomsBox.LogLevel), cfg.CustomsBox.Environment)

	httpAddr := cfg.CustomsBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.CustomsBox.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "customs-api"
	}
	topic := bootstrap.TransactionTopic(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	core, err := bootstrap.Build(ctx, cfg, bootstrap.DefaultFactories())
	if err != nil {
		cancel()
		panic(err)
	}

	app := &customsAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: customsAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   os.Getenv("swaggerPath"),
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		core: core,
	}
	if cfg.Kafka.Host != "" {
		app.consumer = kafka.NewConsumer(bootstrap.KafkaBrokers(cfg), topic, consumerGroup)
	}
	return app
}

func (a *customsAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.core != nil {
		a.core.Close()
	}
}

func (a *customsAPIApp) Run() error {
	api := httpapi.New(httpapi.Services{
		Tokens:       a.core.Tokens,
		Transactions: a.core.Transactions,
		Declarations: a.core.Declarations,
		Tracks:       a.core.Tracks,
		Voyages:      a.core.Voyages,
		Companies:    a.core.Companies,
	}, a.core.Metrics)

	var consumer kafkaConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runCustomsAPI(a.ctx, a.opts, api, a.core.Voyages, consumer)
}
