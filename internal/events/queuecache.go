package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// queueKeyPrefix namespaces live queue numbers: one key per branch+visit.
const queueKeyPrefix = "quickclinic:queue:"

// QueueCache keeps the live queue number per visit so activity polling does
// not hit the EMR. The nightly sweep clears it wholesale.
type QueueCache struct {
	rdb redis.UniversalClient
}

// NewQueueCache creates the queue number cache.
func NewQueueCache(rdb redis.UniversalClient) *QueueCache {
	return &QueueCache{rdb: rdb}
}

// Set stores the current queue number for a visit.
func (c *QueueCache) Set(ctx context.Context, branchID, visitID, queueNumber string) error {
	key := queueKeyPrefix + branchID + ":" + visitID
	if err := c.rdb.Set(ctx, key, queueNumber, 0).Err(); err != nil {
		return fmt.Errorf("events: cache queue number: %w", err)
	}
	return nil
}

// Get returns the cached queue number, or "" when none is cached.
func (c *QueueCache) Get(ctx context.Context, branchID, visitID string) (string, error) {
	val, err := c.rdb.Get(ctx, queueKeyPrefix+branchID+":"+visitID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("events: read queue number: %w", err)
	}
	return val, nil
}

// ClearAll drops every cached queue number across all branches.
func (c *QueueCache) ClearAll(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, queueKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("events: clear queue cache: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("events: scan queue cache: %w", err)
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("events: clear queue cache: %w", err)
		}
	}
	return nil
}
