package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Popie52/notifyqueue/internal/model"
)

const DefaultRedisKey = "notifyqueue:jobs"

// RedisJobStore keeps every job record as a JSON value in one Redis hash,
// field = job id.
type RedisJobStore struct {
	rdb *redis.Client
	key string
}

var _ JobStore = (*RedisJobStore)(nil)

func NewRedisJobStore(rdb *redis.Client, key string) *RedisJobStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisJobStore{rdb: rdb, key: key}
}

// OpenRedis parses a redis:// URL and checks the server answers.
func OpenRedis(ctx context.Context, url, key string) (*RedisJobStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisJobStore(rdb, key), nil
}

func (s *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key, string(job.ID), data).Err()
}

func (s *RedisJobStore) Remove(ctx context.Context, id model.JobID) error {
	return s.rdb.HDel(ctx, s.key, string(id)).Err()
}

func (s *RedisJobStore) Load(ctx context.Context) ([]*model.Job, error) {
	all, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(all))
	for id, raw := range all {
		var j model.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		jobs = append(jobs, &j)
	}
	sortBySeq(jobs)
	return jobs, nil
}

func (s *RedisJobStore) Close() error {
	return s.rdb.Close()
}
