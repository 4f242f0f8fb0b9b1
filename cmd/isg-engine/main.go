package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GoISG/internal/api"
	"GoISG/internal/config"
	"GoISG/internal/engine/events"
	"GoISG/internal/engine/manager"
	"GoISG/internal/engine/namespace"
	_ "GoISG/internal/export"
	"GoISG/internal/factory"
	"GoISG/internal/logging"
	"GoISG/internal/metrics"
	"GoISG/internal/model"
	"GoISG/internal/probe"
	"GoISG/internal/query"
	"GoISG/internal/transport"
	"GoISG/internal/tunables"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starting isg-engine", zap.String("config", *configPath), zap.Strings("namespaces", cfg.Engine.Namespaces))

	// 2. Connect to NATS, which carries both the controller channel and the packet stream
	nc, err := nats.Connect(cfg.Transport.NATSURL, nats.Name("isg-engine"))
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.String("url", cfg.Transport.NATSURL), zap.Error(err))
	}
	defer nc.Close()

	// 3. Metrics, tunables and writers
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(nil)
	if err := m.Register(reg); err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	opts := manager.Options{
		Writers: factory.CreateWriters(cfg.Export, logger),
		Sender: func(ns string) events.Sender {
			return transport.NewEventSender(nc, cfg.Transport.EventSubject, ns, config.Duration(cfg.Transport.EventTimeout))
		},
		Observer: func(ns string) namespace.Observer { return m.Namespace(ns) },
		Alive:    events.ProcessAlive,
		Logger:   logger,
	}
	if cfg.Tunables.Enabled {
		store := tunables.New(cfg.Tunables, logger)
		defer store.Close()
		if err := store.Ping(context.Background()); err != nil {
			logger.Warn("Tunables store unreachable, using configured defaults", zap.Error(err))
		}
		opts.Tunables = store
	}

	// 4. Initialize and start the manager
	mgr, err := manager.NewManager(cfg, opts)
	if err != nil {
		logger.Fatal("Failed to create manager", zap.Error(err))
	}
	m.SetSource(mgr)
	mgr.Start()

	cmdServer := transport.NewServer(nc, cfg.Transport.CommandSubject, mgr, logger)
	if err := cmdServer.Start(); err != nil {
		logger.Fatal("Failed to start command server", zap.Error(err))
	}

	sub := probe.NewSubscriberWithConn(nc, cfg.Transport.PacketSubject, logger)
	if err := sub.Start(func(info *model.PacketInfo) { mgr.Submit(info) }); err != nil {
		logger.Fatal("Failed to subscribe to packets", zap.Error(err))
	}

	// 5. Admin API
	var querier query.Querier
	if cfg.API.History.Host != "" {
		querier, err = query.NewClickHouseQuerier(cfg.API.History)
		if err != nil {
			logger.Warn("Accounting history disabled", zap.Error(err))
			querier = nil
		} else {
			defer querier.Close()
		}
	}
	apiServer := api.NewServer(mgr, querier, reg, logger)
	apiServer.Start(cfg.API.ListenAddr)

	// 6. Wait for a shutdown signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping engine...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn("API server forced to shutdown", zap.Error(err))
	}
	sub.Close()
	cmdServer.Close()
	mgr.Stop()
	logger.Info("Shutdown complete.")
}
