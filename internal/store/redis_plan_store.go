package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/topology"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const planKeyPrefix = "gridnode:plan:"

// RedisPlanStore implements PlanStore for Redis
type RedisPlanStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisPlanStore creates a new Redis plan store
func NewRedisPlanStore(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisPlanStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPlanStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func (s *RedisPlanStore) SavePlan(ctx context.Context, plan *topology.ScalePlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := s.client.Set(ctx, planKeyPrefix+plan.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store plan: %w", err)
	}
	return nil
}

func (s *RedisPlanStore) GetPlan(ctx context.Context, planID string) (*topology.ScalePlan, error) {
	data, err := s.client.Get(ctx, planKeyPrefix+planID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var plan topology.ScalePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &plan, nil
}

// Ping checks the Redis connection
func (s *RedisPlanStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisPlanStore) Close() error {
	return s.client.Close()
}
