// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gpufleet/internal/api"
	"gpufleet/internal/cache"
	"gpufleet/internal/config"
	"gpufleet/internal/handlers"
	"gpufleet/internal/kv"
	"gpufleet/internal/logging"
	"gpufleet/internal/metrics"
	"gpufleet/internal/migration"
	"gpufleet/internal/orchestrator"
	"gpufleet/internal/probe"
	"gpufleet/internal/products"
	"gpufleet/internal/provider"
	"gpufleet/internal/queue"
	"gpufleet/internal/state"
	"gpufleet/internal/templates"
	"gpufleet/internal/webhook"
	"gpufleet/internal/worker"
	"gpufleet/pkg/fleet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gpufleet:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.Open(rootCtx, cfg.RedisURL, cfg.RedisToken)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m := metrics.New()
	caches := cache.NewRegistry(m)

	upstream, err := provider.NewHTTPClient(provider.Config{
		BaseURL:          cfg.UpstreamBaseURL,
		APIKey:           cfg.UpstreamAPIKey,
		RequestTimeout:   cfg.RequestTimeout,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
	}, logger, m)
	if err != nil {
		return err
	}

	q := queue.New(store, cfg.Namespace, queue.Options{
		LeaseTTL:           cfg.JobTimeout,
		DefaultMaxAttempts: cfg.MaxRetryAttempts,
	}, m, logger)

	states := state.New(store, cfg.Namespace, caches, cfg.MergedInstancesCacheTTL, logger)
	lister := state.NewLister(states, upstream, logger)
	selector := products.NewSelector(upstream, caches, logger)
	resolver := templates.NewResolver(upstream, caches, logger)
	prober := probe.New(logger)
	deliverer := webhook.New(cfg.WebhookTimeout, cfg.WebhookSecret, logger)

	probeCfg := fleet.ProbeConfig{
		TimeoutMs:     cfg.HealthCheckTimeout.Milliseconds(),
		RetryAttempts: cfg.HealthCheckRetryAttempts,
		RetryDelayMs:  cfg.HealthCheckRetryDelay.Milliseconds(),
		MaxWaitMs:     cfg.HealthCheckMaxWait.Milliseconds(),
	}

	orch := orchestrator.New(upstream, states, lister, q, selector, resolver, caches, orchestrator.Options{
		DefaultRegion:   cfg.DefaultRegion,
		StartupMaxWait:  cfg.JobTimeout,
		ProbeConfig:     probeCfg,
		FallbackToLocal: cfg.EnableFallbackToLocal,
	}, logger)

	migrator := migration.New(upstream, q, migration.Options{
		Enabled:       cfg.MigrationEnabled,
		Interval:      cfg.MigrationInterval,
		MaxConcurrent: cfg.MigrationMaxConcurrent,
		DryRun:        cfg.MigrationDryRun,
		RetryFailed:   cfg.MigrationRetryFailed,
	}, logger)

	pool := worker.New(q, worker.Options{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		JobTimeout:        cfg.JobTimeout,
	}, m, logger)
	handlers.RegisterAll(pool, handlers.Deps{
		Provider:       upstream,
		State:          states,
		Queue:          q,
		Prober:         prober,
		Webhook:        deliverer,
		Planner:        migrator,
		Logger:         logger,
		PollInterval:   cfg.InstancePollInterval,
		StartupMaxWait: cfg.JobTimeout,
		ProbeConfig:    probeCfg,
	})
	if err := pool.Recover(rootCtx); err != nil {
		return err
	}

	srv := api.New(orch, q, caches, m, store, migrator, upstream, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	bg.Add(4)
	go func() { defer bg.Done(); _ = pool.Run(bgCtx) }()
	go func() { defer bg.Done(); migrator.Run(bgCtx) }()
	go func() { defer bg.Done(); caches.RunSweeper(bgCtx, time.Minute) }()
	go func() { defer bg.Done(); m.RunSystemSampler(bgCtx, metrics.SystemSampleInterval) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		cancelBg()
		bg.Wait()
		return err
	case <-rootCtx.Done():
	}

	// Shutdown order: stop accepting requests, drain the worker pool and
	// tickers, then release the kv connection (deferred above).
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	cancelBg()
	bg.Wait()
	logger.Info("shutdown complete")
	return nil
}
