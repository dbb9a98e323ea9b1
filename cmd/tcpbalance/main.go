package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Nash0810/tcpbalance/internal/admin"
	"github.com/Nash0810/tcpbalance/internal/backend"
	"github.com/Nash0810/tcpbalance/internal/balancer"
	"github.com/Nash0810/tcpbalance/internal/config"
	"github.com/Nash0810/tcpbalance/internal/health"
	"github.com/Nash0810/tcpbalance/internal/logging"
	"github.com/Nash0810/tcpbalance/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logging.NewLogger("tcpbalance").Error("failed_to_load_config",
			"file", *configPath,
			"error", err.Error())
		os.Exit(1)
	}

	logger, err := logging.NewLoggerWithLevel("tcpbalance", cfg.LogLevel)
	if err != nil {
		logger = logging.NewLogger("tcpbalance")
		logger.Warn("invalid_log_level_using_info", "level", cfg.LogLevel)
	}
	defer logger.Sync()
	logger.Info("starting_load_balancer", "config", *configPath)

	// Metrics registry with runtime collectors
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	// Create backend registry
	registry := backend.NewRegistry()
	for _, b := range cfg.BuildBackends() {
		if registry.Add(b) {
			logger.Info("backend_added", "backend", b.Address())
		}
	}
	if registry.Size() == 0 {
		logger.Warn("no_backends_configured")
	}

	// Create strategy based on config
	strategy, ok := balancer.NewStrategy(cfg.Algorithm)
	if !ok {
		logger.Warn("unknown_strategy_using_roundrobin", "strategy", cfg.Algorithm)
	}
	logger.Info("strategy_selected", "strategy", strategy.Name())

	lb := balancer.NewBalancer(registry, strategy, balancer.Config{
		ListenAddress:   cfg.ListenAddr(),
		MaxConnections:  cfg.MaxConnections,
		AcceptRate:      cfg.AcceptRate,
		AcceptBurst:     cfg.AcceptBurst,
		BufferSize:      cfg.BufferSize,
		ShutdownTimeout: cfg.ShutdownWait(),
	}, collector, logger.With("component", "balancer"))

	if err := lb.Start(); err != nil {
		logger.Error("server_start_failed", "error", err.Error())
		os.Exit(1)
	}

	// Create context for background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start health monitor
	monitor := health.NewMonitor(registry, collector, logger.With("component", "health"))
	if err := monitor.Start(cfg.HealthInterval(), cfg.HealthTimeout()); err != nil {
		logger.Error("health_monitor_start_failed", "error", err.Error())
		lb.Stop()
		os.Exit(1)
	}

	// Start metrics exporter
	exporter := metrics.NewExporter(collector, registry, lb)
	go exporter.Start(ctx)

	// Start config watcher for hot reload of the backend list
	configWatcher, err := config.NewWatcher(*configPath, logger.With("component", "config"),
		func(newCfg *config.Config) error {
			added, removed := registry.Sync(newCfg.BuildBackends())
			logger.Info("backends_reloaded",
				"added", added,
				"removed", removed,
				"total", registry.Size())
			return nil
		})
	if err != nil {
		logger.Error("failed_to_create_config_watcher", "error", err.Error())
	} else {
		go configWatcher.Start(ctx)
	}

	// Start admin API
	var adminServer *admin.Server
	if addr := cfg.AdminAddr(); addr != "" {
		adminServer = admin.NewServer(addr, registry, lb, promRegistry, logger.With("component", "admin"))
		if err := adminServer.Start(); err != nil {
			logger.Error("admin_server_start_failed", "error", err.Error())
			adminServer = nil
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown_signal_received", "signal", sig.String())

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin_shutdown_error", "error", err.Error())
		}
		shutdownCancel()
	}

	monitor.Stop()
	lb.Stop()
	cancel()

	logger.Info("shutdown_complete")
}
