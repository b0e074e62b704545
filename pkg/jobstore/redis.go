package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash that holds records when no key is configured.
const DefaultRedisKey = "listwatch:jobs"

// maxWatchRetries bounds optimistic-lock retries for Update.
const maxWatchRetries = 8

// RedisStore keeps records as JSON values in a single Redis hash, one field
// per job id.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to redisURL and verifies the connection.
func OpenRedis(ctx context.Context, redisURL, key string) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := NewRedisStore(redis.NewClient(opts), key)
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if strings.TrimSpace(key) == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Insert(ctx context.Context, rec *Record) error {
	if err := validateNew(rec); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.JobID, err)
	}
	ok, err := s.client.HSetNX(ctx, s.key, rec.JobID, b).Result()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.JobID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.JobID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	b, err := s.client.HGet(ctx, s.key, jobID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return decodeRecord(jobID, b)
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]Record, 0, len(all))
	for id, raw := range all {
		rec, err := decodeRecord(id, []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, jobID string, fn func(*Record) error) (*Record, error) {
	var result Record
	txf := func(tx *redis.Tx) error {
		b, err := tx.HGet(ctx, s.key, jobID).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return err
		}
		prev, err := decodeRecord(jobID, b)
		if err != nil {
			return err
		}
		next, err := applyUpdate(*prev, fn)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, jobID, data)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil {
			return &result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update job %s: too much contention", jobID)
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	n, err := s.client.HDel(ctx, s.key, jobID).Result()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecord(jobID string, b []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", jobID, err)
	}
	if rec.JobID == "" {
		rec.JobID = jobID
	}
	return &rec, nil
}
