package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/devrev/pairdb/datagrid/internal/util"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "versions-"
	segmentSuffix = ".log"
)

type logOp string

const (
	logOpPersist logOp = "persist"
	logOpPurge   logOp = "purge"
)

type logEntry struct {
	Op       logOp  `json:"op"`
	Checksum uint32 `json:"checksum"`
	VersionRecord
}

// recordParts are the checksummed fields of a record
func recordParts(r VersionRecord) [][]byte {
	var header [11]byte
	binary.BigEndian.PutUint16(header[0:2], r.PartitionID)
	binary.BigEndian.PutUint64(header[2:10], uint64(r.CreationGeneration))
	if r.LogicalDeleted {
		header[10] = 1
	}
	return [][]byte{header[:], []byte(r.ID), r.Data}
}

func newLogEntry(op logOp, r VersionRecord) logEntry {
	return logEntry{Op: op, Checksum: util.Checksum(recordParts(r)...), VersionRecord: r}
}

// LogVersionStoreConfig holds version log configuration
type LogVersionStoreConfig struct {
	Dir         string
	SegmentSize int64
	SyncWrites  bool
}

// LogVersionStore is an append-only JSON-lines version log split into
// numbered segments. Purges are appended as tombstone lines and applied on
// replay.
type LogVersionStore struct {
	config      *LogVersionStoreConfig
	logger      *zap.Logger
	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	segmentID   int64
}

// NewLogVersionStore opens a new segment after the highest existing one
func NewLogVersionStore(cfg *LogVersionStoreConfig, logger *zap.Logger) (*LogVersionStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create version log directory: %w", err)
	}

	segments, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	var last int64
	if len(segments) > 0 {
		last = segments[len(segments)-1].id
	}

	s := &LogVersionStore{
		config:    cfg,
		logger:    logger,
		segmentID: last,
	}
	if err := s.openNewSegment(); err != nil {
		return nil, fmt.Errorf("failed to open version log segment: %w", err)
	}
	return s, nil
}

func (s *LogVersionStore) PersistVersion(ctx context.Context, partitionID uint16, h *model.EntryHolder) error {
	return s.append(ctx, newLogEntry(logOpPersist, NewVersionRecord(partitionID, h)))
}

func (s *LogVersionStore) PurgeVersion(ctx context.Context, partitionID uint16, id string, creation model.GenerationID) error {
	return s.append(ctx, newLogEntry(logOpPurge, VersionRecord{
		PartitionID:        partitionID,
		ID:                 id,
		CreationGeneration: creation,
	}))
}

func (s *LogVersionStore) append(ctx context.Context, entry logEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return fmt.Errorf("version log is closed")
	}
	if _, err := s.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to version log: %w", err)
	}
	if s.config.SyncWrites {
		if err := s.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync version log: %w", err)
		}
	}

	s.currentSize += int64(len(data))
	if s.config.SegmentSize > 0 && s.currentSize >= s.config.SegmentSize {
		s.logger.Info("Rotating version log due to size",
			zap.Int64("size", s.currentSize),
			zap.Int64("threshold", s.config.SegmentSize))
		if err := s.openNewSegment(); err != nil {
			return fmt.Errorf("failed to rotate version log: %w", err)
		}
	}
	return nil
}

func (s *LogVersionStore) openNewSegment() error {
	if s.currentFile != nil {
		s.currentFile.Close()
	}

	s.segmentID++
	segmentPath := filepath.Join(s.config.Dir, fmt.Sprintf("%s%08d%s", segmentPrefix, s.segmentID, segmentSuffix))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open version log file: %w", err)
	}

	s.currentFile = file
	s.currentSize = 0
	s.logger.Info("Opened new version log segment", zap.String("path", segmentPath))
	return nil
}

// Replay reads every segment in order and reports the versions that were
// persisted and not purged since
func (s *LogVersionStore) Replay(ctx context.Context, fn func(VersionRecord) error) error {
	s.mu.Lock()
	segments, err := listSegments(s.config.Dir)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	live := make(map[versionKey]VersionRecord)
	replayed := 0
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		count, err := s.replaySegment(seg.path, live)
		if err != nil {
			s.logger.Error("Failed to replay version log segment",
				zap.String("file", seg.path),
				zap.Error(err))
			return fmt.Errorf("failed to replay %s: %w", seg.path, err)
		}
		replayed += count
	}

	records := make([]VersionRecord, 0, len(live))
	for _, rec := range live {
		records = append(records, rec)
	}
	sortRecords(records)

	s.logger.Info("Version log replay completed",
		zap.Int("lines", replayed),
		zap.Int("live_versions", len(records)))

	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *LogVersionStore) replaySegment(path string, live map[versionKey]VersionRecord) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	count := 0
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// a torn tail line is expected after a crash
			s.logger.Warn("Skipping malformed version log line", zap.String("file", path), zap.Error(err))
			continue
		}
		if err := util.VerifyChecksum(entry.Checksum, recordParts(entry.VersionRecord)...); err != nil {
			s.logger.Error("Skipping corrupt version log line",
				zap.String("file", path),
				zap.String("id", entry.ID),
				zap.Uint64("creation_generation", uint64(entry.CreationGeneration)),
				zap.Error(err))
			continue
		}
		switch entry.Op {
		case logOpPersist:
			live[keyOf(entry.VersionRecord)] = entry.VersionRecord
		case logOpPurge:
			delete(live, keyOf(entry.VersionRecord))
		}
		count++
	}
	return count, scanner.Err()
}

func (s *LogVersionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}

type segment struct {
	id   int64
	path string
}

func listSegments(dir string) ([]segment, error) {
	paths, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list version log files: %w", err)
	}
	segments := make([]segment, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), segmentPrefix), segmentSuffix)
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{id: id, path: p})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}
