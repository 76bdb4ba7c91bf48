// Package cache keeps the last known good user preferences in Redis so a
// user service outage can be answered with real data instead of a blanket default.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dispatch-engine/internal/common/users"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dispatch:preferences:"

// DefaultTTL applies when the configured TTL is not positive.
const DefaultTTL = time.Hour

type PreferenceCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewPreferenceCache(rdb redis.Cmdable, ttl time.Duration) *PreferenceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PreferenceCache{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key holding a user's preferences.
func Key(userID string) string {
	return keyPrefix + userID
}

// Get returns the cached preferences. found is false on a miss.
func (c *PreferenceCache) Get(ctx context.Context, userID string) (prefs users.Preferences, found bool, err error) {
	val, err := c.rdb.Get(ctx, Key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return users.Preferences{}, false, nil
	}
	if err != nil {
		return users.Preferences{}, false, fmt.Errorf("read cached preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(val), &prefs); err != nil {
		return users.Preferences{}, false, fmt.Errorf("decode cached preferences: %w", err)
	}
	return prefs, true, nil
}

// Put stores prefs for userID with the configured TTL.
func (c *PreferenceCache) Put(ctx context.Context, userID string, prefs users.Preferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, Key(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cached preferences: %w", err)
	}
	return nil
}
