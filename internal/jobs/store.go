package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store mirrors job state outside the process so any instance can answer
// status queries and an owner can recover unfinished work after a restart.
type Store interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Unfinished(ctx context.Context, owner string) ([]*Job, error)
}

const (
	jobKeyPrefix        = "codepair:job:"
	unfinishedKeyPrefix = "codepair:jobs:unfinished:"
	unfinishedTTL       = 24 * time.Hour
)

// RedisStore keeps each job in a hash with a TTL: unfinished jobs live for a
// day, terminal jobs for the retention window.
type RedisStore struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisStore(client redis.Cmdable, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &RedisStore{client: client, retention: retention}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func unfinishedKey(owner string) string { return unfinishedKeyPrefix + owner }

func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}

	ttl := unfinishedTTL
	if job.State.Terminal() {
		ttl = s.retention
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "state", string(job.State), "owner", job.Owner, "data", data)
	pipe.Expire(ctx, jobKey(job.ID), ttl)
	if job.State.Terminal() {
		pipe.SRem(ctx, unfinishedKey(job.Owner), job.ID)
	} else {
		pipe.SAdd(ctx, unfinishedKey(job.Owner), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.HGet(ctx, jobKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	job.index = -1
	return &job, nil
}

// Unfinished returns the owner's Pending and Active jobs. Ids whose hash has
// expired are pruned from the index.
func (s *RedisStore) Unfinished(ctx context.Context, owner string) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, unfinishedKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	var out []*Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			s.client.SRem(ctx, unfinishedKey(owner), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !job.State.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}
