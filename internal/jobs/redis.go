package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/voicerelay/internal/cache"
	"github.com/nikhilbhutani/voicerelay/internal/models"
)

// RedisStore keeps each job as a JSON document plus two sorted-set indexes:
// one scored by creation time and one by the time the job became ready.
type RedisStore struct {
	cache   *cache.Cache
	ttl     time.Duration
	created string
	ready   string
}

// NewRedisStore creates a store whose job documents expire after ttl
// (zero keeps them until DeleteBefore removes them).
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	c := cache.NewCache(rdb, "voicerelay")
	return &RedisStore{
		cache:   c,
		ttl:     ttl,
		created: c.Key("jobs", "created"),
		ready:   c.Key("jobs", "ready"),
	}
}

// redisRecord carries the storage keys that the public JSON form of a job omits.
type redisRecord struct {
	models.Job
	RecordingKey string `json:"recording_key,omitempty"`
	AudioKey     string `json:"audio_key,omitempty"`
}

func toRecord(job *models.Job) redisRecord {
	return redisRecord{Job: *job, RecordingKey: job.RecordingKey, AudioKey: job.AudioKey}
}

func (s *RedisStore) jobKey(id string) string {
	return s.cache.Key("job", id)
}

func (s *RedisStore) Create(ctx context.Context, job *models.Job) error {
	if err := s.cache.Set(ctx, s.jobKey(job.ID.String()), toRecord(job), s.ttl); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	err := s.cache.Client().ZAdd(ctx, s.created, redis.Z{
		Score:  float64(job.CreatedAt.UnixMicro()),
		Member: job.ID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.get(ctx, id.String())
}

func (s *RedisStore) get(ctx context.Context, id string) (*models.Job, error) {
	var rec redisRecord
	if err := s.cache.Get(ctx, s.jobKey(id), &rec); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job := rec.Job
	job.RecordingKey = rec.RecordingKey
	job.AudioKey = rec.AudioKey
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, job *models.Job) error {
	ok, err := s.cache.SetXX(ctx, s.jobKey(job.ID.String()), toRecord(job), s.ttl)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	if job.Ready() && job.ReadyAt != nil {
		err := s.cache.Client().ZAdd(ctx, s.ready, redis.Z{
			Score:  float64(job.ReadyAt.UnixMicro()),
			Member: job.ID.String(),
		}).Err()
		if err != nil {
			return fmt.Errorf("index ready job: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context) (*models.Job, error) {
	return s.newest(ctx, s.created)
}

func (s *RedisStore) LatestReady(ctx context.Context) (*models.Job, error) {
	return s.newest(ctx, s.ready)
}

// newest walks an index from the top, dropping members whose documents have
// already expired.
func (s *RedisStore) newest(ctx context.Context, index string) (*models.Job, error) {
	rdb := s.cache.Client()
	for {
		ids, err := rdb.ZRevRange(ctx, index, 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		if len(ids) == 0 {
			return nil, ErrNotFound
		}

		job, err := s.get(ctx, ids[0])
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err := rdb.ZRem(ctx, index, ids[0]).Err(); err != nil {
			return nil, fmt.Errorf("trim index: %w", err)
		}
	}
}

func (s *RedisStore) DeleteBefore(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	rdb := s.cache.Client()

	ids, err := rdb.ZRangeByScore(ctx, s.created, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var removed []*models.Job
	for _, id := range ids {
		job, err := s.get(ctx, id)
		if err == nil {
			removed = append(removed, job)
		} else if !errors.Is(err, ErrNotFound) {
			return removed, err
		}

		_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(id))
			pipe.ZRem(ctx, s.created, id)
			pipe.ZRem(ctx, s.ready, id)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return removed, nil
}
