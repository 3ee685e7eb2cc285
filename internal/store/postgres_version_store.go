package store

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createEntryVersionsTable = `
	CREATE TABLE IF NOT EXISTS entry_versions (
		partition_id        INTEGER     NOT NULL,
		id                  TEXT        NOT NULL,
		creation_generation BIGINT      NOT NULL,
		data                BYTEA,
		logical_deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (partition_id, id, creation_generation)
	)
`

// PostgresVersionStore implements VersionStore for PostgreSQL
type PostgresVersionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresVersionStore connects and ensures the entry_versions table exists
func NewPostgresVersionStore(ctx context.Context, connString string, maxConns int32, logger *zap.Logger) (*PostgresVersionStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createEntryVersionsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create entry_versions table: %w", err)
	}

	logger.Info("Connected to version store database", zap.Int32("max_conns", config.MaxConns))
	return &PostgresVersionStore{pool: pool, logger: logger}, nil
}

func (s *PostgresVersionStore) PersistVersion(ctx context.Context, partitionID uint16, h *model.EntryHolder) error {
	query := `
		INSERT INTO entry_versions (
			partition_id, id, creation_generation, data, logical_deleted, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition_id, id, creation_generation) DO UPDATE
		SET data = EXCLUDED.data, logical_deleted = EXCLUDED.logical_deleted
	`
	rec := NewVersionRecord(partitionID, h)
	_, err := s.pool.Exec(ctx, query,
		int32(rec.PartitionID),
		rec.ID,
		int64(rec.CreationGeneration),
		rec.Data,
		rec.LogicalDeleted,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to persist version: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) PurgeVersion(ctx context.Context, partitionID uint16, id string, creation model.GenerationID) error {
	query := `DELETE FROM entry_versions WHERE partition_id = $1 AND id = $2 AND creation_generation = $3`

	if _, err := s.pool.Exec(ctx, query, int32(partitionID), id, int64(creation)); err != nil {
		return fmt.Errorf("failed to purge version: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) Replay(ctx context.Context, fn func(VersionRecord) error) error {
	query := `
		SELECT partition_id, id, creation_generation, data, logical_deleted, created_at
		FROM entry_versions
		ORDER BY partition_id, id, creation_generation
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        VersionRecord
			pid        int32
			generation int64
		)
		if err := rows.Scan(&pid, &rec.ID, &generation, &rec.Data, &rec.LogicalDeleted, &rec.Timestamp); err != nil {
			return fmt.Errorf("failed to scan version: %w", err)
		}
		rec.PartitionID = uint16(pid)
		rec.CreationGeneration = model.GenerationID(generation)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ping checks the database connection
func (s *PostgresVersionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresVersionStore) Close() error {
	s.pool.Close()
	return nil
}
