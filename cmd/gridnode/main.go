package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/config"
	"github.com/devrev/pairdb/datagrid/internal/handler"
	"github.com/devrev/pairdb/datagrid/internal/health"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/mvcc"
	"github.com/devrev/pairdb/datagrid/internal/server"
	"github.com/devrev/pairdb/datagrid/internal/service"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("plan_store_backend", cfg.PlanStore.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: cfg.Server.NodeID}, logger)

	versionStore, err := openVersionStore(ctx, cfg, healthChecker, logger)
	if err != nil {
		logger.Fatal("Failed to open version store", zap.Error(err))
	}
	defer versionStore.Close()

	planStore, err := openPlanStore(cfg, healthChecker, logger)
	if err != nil {
		logger.Fatal("Failed to open plan store", zap.Error(err))
	}
	defer planStore.Close()

	// Rebuild every hosted partition from the persisted versions
	logger.Info("Starting version replay")
	replayed := make(map[uint16][]store.VersionRecord)
	if err := versionStore.Replay(ctx, func(r store.VersionRecord) error {
		replayed[r.PartitionID] = append(replayed[r.PartitionID], r)
		return nil
	}); err != nil {
		logger.Fatal("Failed to replay versions", zap.Error(err))
	}

	partitions := make([]*service.PartitionService, 0, len(cfg.Partitions.IDs))
	for _, id := range cfg.Partitions.IDs {
		p := service.NewPartitionService(service.PartitionConfig{
			PartitionID:     id,
			ConflictPolicy:  mvcc.ConflictPolicy(cfg.MVCC.ConflictPolicy),
			MaxWriteRetries: cfg.MVCC.MaxWriteRetries,
			RetryInterval:   cfg.MVCC.RetryInterval,
		}, versionStore, nil, m, logger)
		if err := p.Restore(replayed[id]); err != nil {
			logger.Fatal("Failed to restore partition", zap.Uint16("partition_id", id), zap.Error(err))
		}
		partitions = append(partitions, p)
	}

	// Gossip replicates generations state; without it every partition only
	// sees its local watermarks
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			RetransmitMult: cfg.Gossip.RetransmitMult,
		}, cfg.Server.NodeID, m, logger)
		for _, p := range partitions {
			gossipSvc.Register(p.Generations())
		}
		if err := gossipSvc.Start(); err != nil {
			logger.Fatal("Failed to start gossip service", zap.Error(err))
		}
		defer gossipSvc.Shutdown()
	}

	compactionSvc := service.NewCompactionService(service.CompactionConfig{
		Interval:   cfg.Compaction.Interval,
		Workers:    cfg.Compaction.Workers,
		QueueSize:  cfg.Compaction.QueueSize,
		PurgeRate:  cfg.Compaction.PurgeRate,
		PurgeBurst: cfg.Compaction.PurgeBurst,
	}, m, logger)
	for _, p := range partitions {
		compactionSvc.Register(p)
	}
	if cfg.Compaction.Enabled {
		compactionSvc.Start()
	}

	initial, err := topology.NewClusterTopologyWithChunks(cfg.Topology.InitialInstances, cfg.Topology.ChunkCount, 0)
	if err != nil {
		logger.Fatal("Failed to build initial topology", zap.Error(err))
	}
	scaleSvc := service.NewScaleService(initial, planStore, m, logger)
	for _, p := range partitions {
		scaleSvc.AddListener(p.Generations())
	}

	go healthChecker.Start(ctx)

	grid := handler.NewGridHandler(partitions, scaleSvc, logger)
	srv := server.NewServer(cfg, grid, healthChecker, m, registry, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	logger.Info("Grid node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Uint16s("partitions", cfg.Partitions.IDs),
		zap.Int("instances", initial.NumberOfInstances()),
		zap.Int("chunk_count", initial.ChunkCount()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	healthChecker.SetDraining(true)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if err := compactionSvc.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Failed to stop compaction", zap.Error(err))
	}
	cancel()
}

// openVersionStore opens the configured version store and registers its
// health probe
func openVersionStore(ctx context.Context, cfg *config.Config, hc *health.HealthChecker, logger *zap.Logger) (store.VersionStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendLog:
		s, err := store.NewLogVersionStore(&store.LogVersionStoreConfig{
			Dir:         cfg.Storage.DataDir,
			SegmentSize: cfg.Storage.SegmentSize,
			SyncWrites:  cfg.Storage.SyncWrites,
		}, logger)
		if err != nil {
			return nil, err
		}
		hc.SetDataDir(cfg.Storage.DataDir)
		return s, nil
	case config.BackendPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := store.NewPostgresVersionStore(connectCtx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		hc.AddCheck("postgres", s.Ping)
		return s, nil
	default:
		return store.NewMemoryVersionStore(), nil
	}
}

// openPlanStore opens the configured scale plan store
func openPlanStore(cfg *config.Config, hc *health.HealthChecker, logger *zap.Logger) (store.PlanStore, error) {
	if cfg.PlanStore.Backend == config.BackendRedis {
		s, err := store.NewRedisPlanStore(cfg.PlanStore.RedisAddr, cfg.PlanStore.RedisPassword,
			cfg.PlanStore.RedisDB, cfg.PlanStore.TTL, logger)
		if err != nil {
			return nil, err
		}
		hc.AddCheck("redis", s.Ping)
		return s, nil
	}
	return store.NewMemoryPlanStore(), nil
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}
