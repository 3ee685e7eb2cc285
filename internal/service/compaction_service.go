package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Interval   time.Duration
	Workers    int
	QueueSize  int
	PurgeRate  float64 // purges per second, 0 = unlimited
	PurgeBurst int
}

// CompactionService periodically compacts every registered partition
type CompactionService struct {
	config     CompactionConfig
	pool       *workerpool.Pool
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	mu         sync.RWMutex
	partitions map[uint16]*PartitionService
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewCompactionService creates the service and its purge pool
func NewCompactionService(cfg CompactionConfig, m *metrics.Metrics, logger *zap.Logger) *CompactionService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.PurgeRate > 0 {
		limit = rate.Limit(cfg.PurgeRate)
	}
	if cfg.PurgeBurst <= 0 {
		cfg.PurgeBurst = 1
	}

	return &CompactionService{
		config: cfg,
		pool: workerpool.New(workerpool.Config{
			Name:      "compaction-purge",
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Logger:    logger,
		}),
		limiter:    rate.NewLimiter(limit, cfg.PurgeBurst),
		metrics:    m,
		logger:     logger,
		partitions: make(map[uint16]*PartitionService),
		stopChan:   make(chan struct{}),
	}
}

// Register adds a partition and routes its purges through the shared pool
func (s *CompactionService) Register(p *PartitionService) {
	p.SetPurger(s.pool, s.limiter)
	s.mu.Lock()
	s.partitions[p.PartitionID()] = p
	s.mu.Unlock()
}

// Start runs the compaction loop until Stop
func (s *CompactionService) Start() {
	s.wg.Add(1)
	go s.scheduler()
	s.logger.Info("Compaction service started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("workers", s.config.Workers))
}

func (s *CompactionService) scheduler() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Compaction run failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce compacts all partitions concurrently, at most Workers at a time
func (s *CompactionService) RunOnce(ctx context.Context) ([]CompactionResult, error) {
	start := time.Now()
	partitions := s.snapshot()
	results := make([]CompactionResult, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, p := range partitions {
		i, p := i, p
		g.Go(func() error {
			res, err := p.Compact(gctx)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	status := "success"
	if err != nil {
		status = "failure"
	}
	s.metrics.RecordCompactionRun(status, time.Since(start).Seconds())
	return results, err
}

func (s *CompactionService) snapshot() []*PartitionService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PartitionService, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionID() < out[j].PartitionID() })
	return out
}

// Stop stops the loop and drains pending purges
func (s *CompactionService) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return s.pool.Stop(timeout)
}

// PoolStats exposes the purge pool counters
func (s *CompactionService) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}
