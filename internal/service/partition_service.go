package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/errors"
	"github.com/devrev/pairdb/datagrid/internal/metrics"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/mvcc"
	"github.com/devrev/pairdb/datagrid/internal/store"
	"github.com/devrev/pairdb/datagrid/internal/util/workerpool"
	"github.com/devrev/pairdb/datagrid/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PartitionConfig holds the write path configuration of one partition
type PartitionConfig struct {
	PartitionID     uint16
	ConflictPolicy  mvcc.ConflictPolicy
	MaxWriteRetries int
	RetryInterval   time.Duration
}

// WriteRequest is a client write against one partition. ReadGeneration is
// the snapshot the client based an update or remove on; zero means the
// latest completed generation.
type WriteRequest struct {
	Op             model.OperationType
	ID             string
	Data           []byte
	ReadGeneration model.GenerationID
}

// WriteResult describes a committed write
type WriteResult struct {
	ID         string              `json:"id"`
	Op         model.OperationType `json:"op"`
	Generation model.GenerationID  `json:"generation"`
	Attempts   int                 `json:"attempts"`
}

// CompactionResult summarizes one compaction pass over a partition
type CompactionResult struct {
	PartitionID     uint16             `json:"partition_id"`
	Watermark       model.GenerationID `json:"watermark"`
	VersionsRemoved int                `json:"versions_removed"`
	ChainsRetired   int                `json:"chains_retired"`
	PurgeFailures   int                `json:"purge_failures"`
}

// PartitionService is the write and read path of one partition. It owns the
// partition's generation clock, generations state and record index.
type PartitionService struct {
	config    PartitionConfig
	clock     *mvcc.GenerationClock
	state     *mvcc.GenerationsStateManager
	detector  *mvcc.ConflictDetector
	store     store.VersionStore
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	purgePool    *workerpool.Pool
	purgeLimiter *rate.Limiter

	mu    sync.RWMutex
	index map[string]*mvcc.VersionChain
}

// NewPartitionService creates an empty partition
func NewPartitionService(
	cfg PartitionConfig,
	versionStore store.VersionStore,
	broadcaster mvcc.GenerationBroadcaster,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PartitionService {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	logger = logger.With(zap.Uint16("partition_id", cfg.PartitionID))
	clock := mvcc.NewGenerationClock(model.NoGeneration)

	return &PartitionService{
		config:    cfg,
		clock:     clock,
		state:     mvcc.NewGenerationsStateManager(cfg.PartitionID, clock, broadcaster, logger),
		detector:  mvcc.NewConflictDetector(cfg.ConflictPolicy),
		store:     versionStore,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
		index:     make(map[string]*mvcc.VersionChain),
	}
}

// SetPurger routes compaction purges through pool, throttled by limiter.
// Either may be nil.
func (s *PartitionService) SetPurger(pool *workerpool.Pool, limiter *rate.Limiter) {
	s.purgePool = pool
	s.purgeLimiter = limiter
}

// PartitionID returns the partition id
func (s *PartitionService) PartitionID() uint16 {
	return s.config.PartitionID
}

// Generations exposes the generations state manager for replication and
// topology listeners
func (s *PartitionService) Generations() *mvcc.GenerationsStateManager {
	return s.state
}

// Write performs a single write attempt. Rejected writes release their
// generation without committing anything; a failed persist reverts it.
func (s *PartitionService) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	start := time.Now()
	res, err := s.write(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = errors.GetCode(err).String()
	}
	s.metrics.RecordWrite(s.config.PartitionID, string(req.Op), outcome, time.Since(start).Seconds())
	s.publishStats()
	return res, err
}

func (s *PartitionService) write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := s.validator.ValidateWrite(req.Op, req.ID, req.Data); err != nil {
		return nil, err
	}
	if req.ReadGeneration == model.NoGeneration {
		req.ReadGeneration = s.state.Completed()
	}

	g := s.state.BeginGeneration()
	chain := s.chainFor(req.ID)

	outcome := s.detector.CheckWrite(mvcc.WriteRequest{
		Op:             req.Op,
		ID:             req.ID,
		Generation:     g,
		ReadGeneration: req.ReadGeneration,
	}, chain, s.state)
	if outcome.Decision != mvcc.Proceed {
		s.logger.Debug("Write rejected",
			zap.String("id", req.ID),
			zap.String("op", string(req.Op)),
			zap.Uint64("generation", uint64(g)),
			zap.String("decision", outcome.Decision.String()),
			zap.Error(outcome.Err))
		s.metrics.RecordConflict(outcome.Err.Code.String())
		return nil, s.release(g, outcome.Err)
	}

	holder := model.NewEntryHolder(req.ID, req.Data, g, req.Op == model.OperationTypeRemove)
	if !s.install(chain, outcome.Expected, holder) {
		var active uint64
		if tail := chain.Tail(); tail != nil {
			active = uint64(tail.CreationGeneration)
		}
		err := errors.EntryModifyConflict(req.ID, active, uint64(g), "lost the race to supersede the active version")
		s.logger.Debug("Write lost install race",
			zap.String("id", req.ID),
			zap.Uint64("generation", uint64(g)))
		s.metrics.RecordConflict(err.Code.String())
		return nil, s.release(g, err)
	}

	if err := s.store.PersistVersion(ctx, s.config.PartitionID, holder); err != nil {
		discarded := chain.Discard(g)
		if revertErr := s.state.Revert(g); revertErr != nil {
			return nil, revertErr
		}
		s.metrics.RecordRevert(s.config.PartitionID)
		return nil, errors.RevertGeneration(uint64(g), len(discarded), err).WithDetail("id", req.ID)
	}

	if err := s.state.AdvanceCompleted(g); err != nil {
		// rolled back underneath us; neither copy may survive
		chain.Discard(g)
		if purgeErr := s.store.PurgeVersion(ctx, s.config.PartitionID, req.ID, g); purgeErr != nil {
			s.logger.Error("Failed to purge version of rolled back generation",
				zap.String("id", req.ID),
				zap.Uint64("generation", uint64(g)),
				zap.Error(purgeErr))
		}
		return nil, err
	}

	return &WriteResult{ID: req.ID, Op: req.Op, Generation: g, Attempts: 1}, nil
}

// release completes a generation that wrote nothing and returns cause
func (s *PartitionService) release(g model.GenerationID, cause error) error {
	if err := s.state.AdvanceCompleted(g); err != nil {
		return err
	}
	return cause
}

// WriteWithRetry retries retryable conflicts up to MaxWriteRetries times,
// re-reading at the latest completed generation before every retry
func (s *PartitionService) WriteWithRetry(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	limiter := rate.NewLimiter(rate.Every(s.config.RetryInterval), 1)
	attempts := s.config.MaxWriteRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("write %s interrupted after %d attempts: %w", req.ID, attempt-1, lastErr)
			}
			return nil, err
		}
		if attempt > 1 {
			s.metrics.RecordRetry()
			req.ReadGeneration = s.state.Completed()
		}

		res, err := s.Write(ctx, req)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if !errors.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("write %s failed after %d attempts: %w", req.ID, attempts, lastErr)
}

// ReadSnapshot is a pinned reader generation. It keeps every version it can
// see from being compacted until Release.
type ReadSnapshot struct {
	Generation model.GenerationID
	once       sync.Once
	state      *mvcc.GenerationsStateManager
}

// Release unpins the snapshot. Safe to call more than once.
func (r *ReadSnapshot) Release() {
	r.once.Do(func() { r.state.UnpinReader(r.Generation) })
}

// BeginRead pins the current completed generation
func (s *PartitionService) BeginRead() *ReadSnapshot {
	return &ReadSnapshot{Generation: s.state.PinReader(), state: s.state}
}

// BeginReadAt pins an explicit generation
func (s *PartitionService) BeginReadAt(g model.GenerationID) (*ReadSnapshot, error) {
	if err := s.state.PinReaderAt(g); err != nil {
		return nil, err
	}
	return &ReadSnapshot{Generation: g, state: s.state}, nil
}

// Read returns the version of id visible at snapshot. The snapshot stays
// pinned for the duration of the read.
func (s *PartitionService) Read(ctx context.Context, id string, snapshot model.GenerationID) (*model.EntryVersion, error) {
	start := time.Now()
	v, err := s.readAt(ctx, id, snapshot)

	outcome := "ok"
	if err != nil {
		outcome = errors.GetCode(err).String()
	}
	s.metrics.RecordRead(outcome, time.Since(start).Seconds())
	return v, err
}

func (s *PartitionService) readAt(ctx context.Context, id string, snapshot model.GenerationID) (*model.EntryVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.BeginReadAt(snapshot)
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return s.visible(id, snapshot)
}

// visible resolves id at a snapshot the caller has pinned
func (s *PartitionService) visible(id string, snapshot model.GenerationID) (*model.EntryVersion, error) {
	chain := s.lookup(id)
	if chain == nil {
		return nil, errors.EntryNotFound(id)
	}
	h := chain.VisibleAt(snapshot)
	if h == nil || h.LogicalDeleted {
		return nil, errors.EntryNotFound(id)
	}
	v := h.Version()
	return &v, nil
}

// ReadLatest reads id at the current completed generation
func (s *PartitionService) ReadLatest(ctx context.Context, id string) (*model.EntryVersion, error) {
	start := time.Now()
	v, err := s.readLatest(ctx, id)

	outcome := "ok"
	if err != nil {
		outcome = errors.GetCode(err).String()
	}
	s.metrics.RecordRead(outcome, time.Since(start).Seconds())
	return v, err
}

func (s *PartitionService) readLatest(ctx context.Context, id string) (*model.EntryVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.BeginRead()
	defer snap.Release()
	return s.visible(id, snap.Generation)
}

// Versions lists the versions currently held for id
func (s *PartitionService) Versions(id string) (*model.EntryMetaData, error) {
	chain := s.lookup(id)
	if chain == nil || chain.Len() == 0 {
		return nil, errors.EntryNotFound(id)
	}
	return chain.MetaData(), nil
}

// Rollback reverts an uncompleted generation on request of the transaction
// owner: its versions are discarded, their predecessors reactivated and the
// persisted copies purged.
func (s *PartitionService) Rollback(ctx context.Context, g model.GenerationID) (int, error) {
	if !s.state.IsUncompleted(g) {
		err := errors.GenerationState(fmt.Sprintf("generation %d is not in flight", g), nil).
			WithDetail("partition_id", s.config.PartitionID)
		s.logger.Error("Rollback of unknown generation", append(s.state.LogFields(), zap.Error(err))...)
		return 0, err
	}

	var discarded []*model.EntryHolder
	for _, chain := range s.chains() {
		discarded = append(discarded, chain.Discard(g)...)
	}
	if err := s.state.Revert(g); err != nil {
		return 0, err
	}
	s.metrics.RecordRollback(s.config.PartitionID)

	var purgeErr error
	for _, h := range discarded {
		if err := s.store.PurgeVersion(ctx, s.config.PartitionID, h.ID, h.CreationGeneration); err != nil && purgeErr == nil {
			purgeErr = errors.StorageFailed("failed to purge rolled back version", err)
		}
	}
	s.logger.Warn("Generation rolled back",
		append(s.state.LogFields(),
			zap.Uint64("rolled_back_generation", uint64(g)),
			zap.Int("discarded_versions", len(discarded)))...)
	s.publishStats()
	return len(discarded), purgeErr
}

// Compact removes versions no reader in the cluster can see any more and
// retires chains left holding only such a remove marker. The expired
// watermark is raised first, so reads below it are rejected rather than
// answered from a partially compacted chain.
func (s *PartitionService) Compact(ctx context.Context) (CompactionResult, error) {
	watermark := s.state.ExpireToClusterMinActive()
	result := CompactionResult{PartitionID: s.config.PartitionID, Watermark: watermark}

	purgeable := func(h *model.EntryHolder) bool {
		return s.state.IsSafeToCompactAt(h, watermark)
	}

	var removed []*model.EntryHolder
	for _, chain := range s.chains() {
		dropped := chain.Compact(purgeable)
		result.VersionsRemoved += len(dropped)
		removed = append(removed, dropped...)

		if tail := chain.Active(); tail != nil && chain.Len() == 1 && tail.LogicalDeleted && tail.CreationGeneration <= watermark {
			if chain.Retire() {
				removed = append(removed, tail)
				result.ChainsRetired++
			}
		}
		s.dropIfDead(chain)
	}

	result.PurgeFailures = s.purge(ctx, removed)
	s.metrics.RecordCompacted(s.config.PartitionID, result.VersionsRemoved, result.ChainsRetired)
	s.publishStats()

	if result.VersionsRemoved > 0 || result.ChainsRetired > 0 {
		s.logger.Info("Partition compacted",
			zap.Uint64("watermark", uint64(watermark)),
			zap.Int("versions_removed", result.VersionsRemoved),
			zap.Int("chains_retired", result.ChainsRetired),
			zap.Int("purge_failures", result.PurgeFailures))
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// purge deletes compacted versions from the store and returns the number
// of failures
func (s *PartitionService) purge(ctx context.Context, holders []*model.EntryHolder) int {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		s.metrics.RecordPurgeFailure()
		mu.Lock()
		failures++
		mu.Unlock()
	}

	for _, h := range holders {
		if s.purgeLimiter != nil {
			if err := s.purgeLimiter.Wait(ctx); err != nil {
				fail(err)
				continue
			}
		}
		id, gen := h.ID, h.CreationGeneration
		fn := func(ctx context.Context) error {
			return s.store.PurgeVersion(ctx, s.config.PartitionID, id, gen)
		}
		if s.purgePool == nil {
			fail(fn(ctx))
			continue
		}

		wg.Add(1)
		err := s.purgePool.Submit(ctx, workerpool.Task{
			Key: fmt.Sprintf("%d/%s@%d", s.config.PartitionID, id, gen),
			Fn:  fn,
			Done: func(err error) {
				fail(err)
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			fail(err)
		}
	}
	wg.Wait()
	return failures
}

// Restore rebuilds the index from persisted versions of this partition.
// Records must arrive oldest generation first per id. Each version is
// superseded by the next one of the same id.
func (s *PartitionService) Restore(records []store.VersionRecord) error {
	sorted := make([]store.VersionRecord, 0, len(records))
	for _, r := range records {
		if r.PartitionID == s.config.PartitionID {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreationGeneration < sorted[j].CreationGeneration
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	var highest model.GenerationID
	var prev *model.EntryHolder
	var chain *mvcc.VersionChain
	for _, r := range sorted {
		if chain == nil || chain.ID() != r.ID {
			chain = mvcc.NewVersionChain(r.ID)
			s.index[r.ID] = chain
			prev = nil
		}
		h := model.NewEntryHolder(r.ID, r.Data, r.CreationGeneration, r.LogicalDeleted)
		if !chain.Install(prev, h) {
			return errors.InternalError(fmt.Sprintf("replayed version %s@%d does not extend its chain", r.ID, r.CreationGeneration), nil)
		}
		prev = h
		if r.CreationGeneration > highest {
			highest = r.CreationGeneration
		}
	}

	if err := s.state.Restore(highest); err != nil {
		return err
	}
	s.logger.Info("Partition restored",
		zap.Int("versions", len(sorted)),
		zap.Int("entries", len(s.index)),
		zap.Uint64("completed_generation", uint64(highest)))
	return nil
}

// EntryCount returns the number of indexed records
func (s *PartitionService) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *PartitionService) lookup(id string) *mvcc.VersionChain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[id]
}

func (s *PartitionService) chainFor(id string) *mvcc.VersionChain {
	if chain := s.lookup(id); chain != nil {
		return chain
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if chain, ok := s.index[id]; ok {
		return chain
	}
	chain := mvcc.NewVersionChain(id)
	s.index[id] = chain
	return chain
}

// install publishes holder while the chain is still indexed. Serializes
// with dropIfDead, so nothing is installed into a chain compaction dropped.
func (s *PartitionService) install(chain *mvcc.VersionChain, expected, holder *model.EntryHolder) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index[chain.ID()] != chain {
		return false
	}
	return chain.Install(expected, holder)
}

func (s *PartitionService) dropIfDead(chain *mvcc.VersionChain) {
	if chain.Len() != 0 && !chain.IsRetired() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index[chain.ID()] == chain && (chain.Len() == 0 || chain.IsRetired()) {
		delete(s.index, chain.ID())
	}
}

func (s *PartitionService) chains() []*mvcc.VersionChain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mvcc.VersionChain, 0, len(s.index))
	for _, c := range s.index {
		out = append(out, c)
	}
	return out
}

func (s *PartitionService) publishStats() {
	s.metrics.UpdateGenerationStats(s.config.PartitionID,
		uint64(s.state.Completed()),
		uint64(s.state.MinActive()),
		uint64(s.state.ClusterMinActive()),
		s.state.UncompletedCount(),
		s.state.ActiveReaders())
}
