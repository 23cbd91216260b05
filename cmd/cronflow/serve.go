package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/cache"
	"github.com/cronflow/cronflow/internal/config"
	"github.com/cronflow/cronflow/internal/dispatcher"
	"github.com/cronflow/cronflow/internal/eventbus"
	"github.com/cronflow/cronflow/internal/executor"
	"github.com/cronflow/cronflow/internal/jobqueue"
	"github.com/cronflow/cronflow/internal/observability"
	"github.com/cronflow/cronflow/internal/statemanager"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/trigger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: dispatcher, scheduler, and webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting cronflow", zap.String("version", serviceVersion))

	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Otel.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	_ = observability.NewMetrics() // registers metrics against the default registry for /metrics

	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	runCache := newRunCache(cfg, logger)
	defer runCache.Close()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	mgr := statemanager.New(st, runCache, publisher, logger)

	queue := jobqueue.New()
	mgr.SetCanceller(queue)

	sim := executor.NewSimulated()
	dispatchCfg := dispatcher.Config{
		MinWorkers:      cfg.Dispatcher.MinWorkers,
		MaxWorkers:      cfg.Dispatcher.MaxWorkers,
		WorkerTimeoutMs: int64(cfg.Dispatcher.WorkerTimeoutMs),
		QueueSize:       cfg.Dispatcher.QueueSize,
		RetryAttempts:   cfg.Execution.RetryAttempts,
		RetryBackoffMs:  cfg.Execution.RetryBackoffMs,
		MaxBackoffMs:    cfg.Execution.MaxBackoffMs,
		RetryJitter:     cfg.Execution.RetryJitter,
	}
	disp := dispatcher.New(dispatchCfg, queue, sim, mgr, logger)

	triggerManager := trigger.NewManager()
	triggerExecutor := trigger.NewExecutor(triggerManager, mgr, disp, publisher, logger)
	scheduler := trigger.NewScheduler(triggerManager, triggerExecutor, cfg.Execution.SchedulerTick, logger)

	webhookServer := trigger.NewServer(trigger.ServerConfig{
		Host:           cfg.Webhook.Host,
		Port:           cfg.Webhook.Port,
		MaxPayloadSize: cfg.Webhook.MaxPayloadSize,
		ShutdownMs:     cfg.Webhook.ShutdownMs,
	}, triggerManager, triggerExecutor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp.Start(ctx)
	scheduler.Start(ctx)
	webhookServer.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-webhookServer.ShutdownRequested():
		logger.Info("shutdown requested via /shutdown")
	}

	cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webhookServer.Stop(); err != nil {
			logger.Warn("webhook server shutdown error", zap.Error(err))
		}
	}()
	wg.Wait()

	scheduler.Stop()
	disp.Stop()

	logger.Info("cronflow stopped")
	return nil
}

func newRunCache(cfg *config.Config, logger *zap.Logger) cache.RunCache {
	if cfg.Redis.URL == "" {
		return cache.NoopRunCache{}
	}
	rc, err := cache.NewRedisRunCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("failed to connect to redis, running without run cache", zap.Error(err))
		return cache.NoopRunCache{}
	}
	return rc
}

func newPublisher(cfg *config.Config, logger *zap.Logger) eventbus.Publisher {
	if cfg.AMQP.URL == "" {
		return eventbus.NoopPublisher{}
	}
	p, err := eventbus.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	if err != nil {
		logger.Warn("failed to connect to amqp, running without event bus", zap.Error(err))
		return eventbus.NoopPublisher{}
	}
	return p
}
