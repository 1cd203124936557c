package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/models"
	"docflow/internal/store"
)

// keyPrefix namespaces checkpoint entries in Redis.
const keyPrefix = "docflow:ckpt"

// stepsKeyPrefix namespaces per-run step status hashes.
const stepsKeyPrefix = "docflow:steps"

// stepStatusTTL bounds how long step statuses outlive their run.
const stepStatusTTL = 24 * time.Hour

// RedisStore implements store.CheckpointStore and store.StepStateStore on
// Redis. Artifacts are opaque blobs; expiry is enforced with per-key TTLs.
type RedisStore struct {
	rdb *redis.Client
}

var (
	_ store.CheckpointStore = (*RedisStore)(nil)
	_ store.StepStateStore  = (*RedisStore)(nil)
)

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func checkpointKey(documentID string, stage store.StageKey) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, stage, documentID)
}

func (s *RedisStore) Put(ctx context.Context, documentID string, stage store.StageKey, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, checkpointKey(documentID, stage), value, ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s for document %s: %w", stage, documentID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, documentID string, stage store.StageKey) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, checkpointKey(documentID, stage)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get checkpoint %s for document %s: %w", stage, documentID, err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, documentID string, stage store.StageKey) error {
	if err := s.rdb.Del(ctx, checkpointKey(documentID, stage)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s for document %s: %w", stage, documentID, err)
	}
	return nil
}

func stepsKey(documentID string) string {
	return fmt.Sprintf("%s:%s", stepsKeyPrefix, documentID)
}

func (s *RedisStore) SetStepStatus(ctx context.Context, documentID string, step models.StepName, status models.StepStatus) error {
	key := stepsKey(documentID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, string(step), string(status))
	pipe.Expire(ctx, key, stepStatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set step status %s=%s for document %s: %w", step, status, documentID, err)
	}
	return nil
}

func (s *RedisStore) StepStatuses(ctx context.Context, documentID string) (map[models.StepName]models.StepStatus, error) {
	raw, err := s.rdb.HGetAll(ctx, stepsKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get step statuses for document %s: %w", documentID, err)
	}
	statuses := make(map[models.StepName]models.StepStatus, len(raw))
	for step, status := range raw {
		statuses[models.StepName(step)] = models.StepStatus(status)
	}
	return statuses, nil
}

func (s *RedisStore) ClearStepStatuses(ctx context.Context, documentID string) error {
	if err := s.rdb.Del(ctx, stepsKey(documentID)).Err(); err != nil {
		return fmt.Errorf("clear step statuses for document %s: %w", documentID, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
