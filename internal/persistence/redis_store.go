package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/meshforge/mesh2step/internal/jobs"
	"github.com/meshforge/mesh2step/pkg/log"
)

const keyPrefix = "job:"

// RedisStore keeps job records as JSON blobs under job:<id> with a per-key
// TTL, so expiry is enforced by Redis itself.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Connect dials Redis and returns a store backed by it. When Redis is not
// reachable the daemon still has to come up, so it falls back to the
// in-memory store; queued-but-not-yet-persisted state is then lost on crash.
func Connect(ctx context.Context, addr, password string, db int) jobs.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis not available at %s, using in-memory job store: %v", addr, err)
		_ = client.Close()
		return NewMemoryStore()
	}
	log.Info("Connected to Redis at %s", addr)
	return NewRedisStore(client)
}

func key(id string) string {
	return keyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, job *jobs.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return s.client.Set(ctx, key(job.ID), data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	val, err := s.client.Get(ctx, key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	var job jobs.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// updateRetries bounds how often Update retries after losing a WATCH race.
const updateRetries = 3

// Update is a WATCH-guarded read-modify-write so concurrent patches to the
// same key never clobber each other wholesale. Losing the race aborts the
// transaction and the whole merge is retried against the fresh record.
func (s *RedisStore) Update(ctx context.Context, id string, patch jobs.Patch) (*jobs.Job, error) {
	k := key(id)
	var updated *jobs.Job

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, k).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return jobs.ErrNotFound
				}
				return err
			}

			var job jobs.Job
			if err := json.Unmarshal([]byte(val), &job); err != nil {
				return fmt.Errorf("unmarshal job %s: %w", id, err)
			}
			if err := patch.Apply(&job); err != nil {
				return err
			}

			data, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("marshal job %s: %w", id, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				// KeepTTL preserves the remaining expiry instead of resetting it.
				pipe.Set(ctx, k, data, redis.KeepTTL)
				return nil
			})
			if err == nil {
				updated = &job
			}
			return err
		}, k)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: key kept changing under the transaction", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, key(id)).Err()
}

func (s *RedisStore) ListAll(ctx context.Context) ([]*jobs.Job, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	ret := make([]*jobs.Job, 0, len(keys))
	for _, k := range keys {
		val, err := s.client.Get(ctx, k).Result()
		if err != nil {
			// Expired between SCAN and GET.
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var job jobs.Job
		if err := json.Unmarshal([]byte(val), &job); err != nil {
			log.Warn("Skipping unreadable record %s: %v", k, err)
			continue
		}
		ret = append(ret, &job)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret, nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	return ids, nil
}

func (s *RedisStore) TTLRemaining(ctx context.Context, id string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key(id)).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -2: // no such key
		return 0, jobs.ErrNotFound
	case -1: // key without expiry; should not happen, treat as lapsed
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
