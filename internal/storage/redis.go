package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

const (
	keyPrefix  = "wfv"
	defaultTTL = 7 * 24 * time.Hour
)

// RedisStore keeps results and reports in Redis with a TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero ttl uses one week.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient creates a client from store configuration
func NewRedisClient(cfg types.StorageConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func windowKeyOf(studyID string, windowID int) string {
	return fmt.Sprintf("%s:%s:window:%d", keyPrefix, studyID, windowID)
}

func trialKeyOf(studyID string, windowID int, trialID string) string {
	return fmt.Sprintf("%s:%s:trial:%d:%s", keyPrefix, studyID, windowID, trialID)
}

func reportKeyOf(studyID string) string {
	return fmt.Sprintf("%s:%s:report", keyPrefix, studyID)
}

func (s *RedisStore) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SaveWindowResult upserts a window result
func (s *RedisStore) SaveWindowResult(ctx context.Context, result *types.WindowResult) error {
	return s.set(ctx, windowKeyOf(result.StudyID, result.Window.ID), result)
}

// SaveTrialMetrics upserts a trial record
func (s *RedisStore) SaveTrialMetrics(ctx context.Context, record *types.TrialRecord) error {
	return s.set(ctx, trialKeyOf(record.StudyID, record.WindowID, record.TrialID), record)
}

// SaveReport caches a run report
func (s *RedisStore) SaveReport(ctx context.Context, report *types.RunReport) error {
	return s.set(ctx, reportKeyOf(report.StudyID), report)
}

// LoadReport reads a cached run report
func (s *RedisStore) LoadReport(ctx context.Context, studyID string) (*types.RunReport, error) {
	data, err := s.client.Get(ctx, reportKeyOf(studyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("report %s: %w", studyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", studyID, err)
	}

	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", studyID, err)
	}
	return &report, nil
}

// LoadWindowResult reads a window result
func (s *RedisStore) LoadWindowResult(ctx context.Context, studyID string, windowID int) (*types.WindowResult, error) {
	data, err := s.client.Get(ctx, windowKeyOf(studyID, windowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("window %s/%d: %w", studyID, windowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get window %s/%d: %w", studyID, windowID, err)
	}

	var result types.WindowResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode window %s/%d: %w", studyID, windowID, err)
	}
	return &result, nil
}

// Health pings the server
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
