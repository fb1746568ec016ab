package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rasd/surveillance-server/pkg/types"
)

// ErrCacheMiss is returned when no snapshot exists for a task.
var ErrCacheMiss = errors.New("storage: task not cached")

const taskKeyPrefix = "task:"

// TaskCache keeps msgpack snapshots of finished tasks so they survive a restart.
type TaskCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTaskCache wraps client. A zero ttl keeps snapshots forever.
func NewTaskCache(client *redis.Client, ttl time.Duration) *TaskCache {
	return &TaskCache{client: client, ttl: ttl}
}

func taskKey(id string) string { return taskKeyPrefix + id }

// Save stores a snapshot of rec.
func (c *TaskCache) Save(ctx context.Context, rec types.TaskRecord) error {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", rec.ID, err)
	}
	if err := c.client.Set(ctx, taskKey(rec.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache task %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns the snapshot for id, or ErrCacheMiss.
func (c *TaskCache) Load(ctx context.Context, id string) (types.TaskRecord, error) {
	var rec types.TaskRecord
	data, err := c.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, ErrCacheMiss
	}
	if err != nil {
		return rec, fmt.Errorf("load task %s: %w", id, err)
	}
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode task %s: %w", id, err)
	}
	return rec, nil
}

// IDs lists the cached task ids.
func (c *TaskCache) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := c.client.Scan(ctx, 0, taskKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(taskKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	return ids, nil
}
