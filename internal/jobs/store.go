package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "ripper:job:"
	recentJobsKey = "ripper:jobs:recent"
	maxRecentJobs = 100
)

// Store はジョブレコードの履歴を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ情報を保存し、最近のジョブ一覧を更新します。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.ID == "" {
		return fmt.Errorf("record.ID is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	tx := s.rdb.TxPipeline()
	tx.Set(ctx, jobKey(record.ID), payload, s.ttl)
	tx.ZAdd(ctx, recentJobsKey, redis.Z{
		Score:  float64(record.UpdatedAt.UnixMilli()),
		Member: record.ID,
	})
	tx.ZRemRangeByRank(ctx, recentJobsKey, 0, -(maxRecentJobs + 1))
	_, err = tx.Exec(ctx)
	return err
}

// Recent は更新日時の新しい順にジョブ情報を返します。期限切れのものは一覧から取り除きます。
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > maxRecentJobs {
		limit = maxRecentJobs
	}
	ids, err := s.rdb.ZRevRange(ctx, recentJobsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(expired) > 0 {
		_ = s.rdb.ZRem(ctx, recentJobsKey, expired...).Err()
	}
	return records, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
