/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for frequently accessed data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultScreenListTTL   = 5 * time.Minute
	DefaultScreenTTL       = 1 * time.Hour
	DefaultGroupScreensTTL = 5 * time.Minute
	DefaultContentTTL      = 1 * time.Hour
)

// Key prefixes for Redis cache
const (
	KeyScreenList   = "heimdall:cache:screens"
	KeyScreen       = "heimdall:cache:screen:"        // + screen_id
	KeyGroupScreens = "heimdall:cache:group_screens:" // + group_id
	KeyContent      = "heimdall:cache:content:"       // + asset_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	ScreenListTTL   time.Duration
	ScreenTTL       time.Duration
	GroupScreensTTL time.Duration
	ContentTTL      time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:       "localhost:6379",
		ScreenListTTL:   DefaultScreenListTTL,
		ScreenTTL:       DefaultScreenTTL,
		GroupScreensTTL: DefaultGroupScreensTTL,
		ContentTTL:      DefaultContentTTL,
		DisableOnError:  true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// Use SCAN to find keys (safer than KEYS for production)
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Screen caching methods

// CachedScreen represents a cached screen record.
type CachedScreen struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Location      string         `json:"location"`
	Timezone      string         `json:"timezone"`
	IdleContentID string         `json:"idle_content_id"`
	Metadata      map[string]any `json:"metadata"`
}

// GetScreenList retrieves the cached list of screens.
func (c *Cache) GetScreenList(ctx context.Context) ([]CachedScreen, bool) {
	var screens []CachedScreen
	found, err := c.get(ctx, KeyScreenList, &screens)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Int("count", len(screens)).Msg("screen list cache hit")
	return screens, true
}

// SetScreenList caches the list of screens.
func (c *Cache) SetScreenList(ctx context.Context, screens []CachedScreen) error {
	c.logger.Debug().Int("count", len(screens)).Msg("caching screen list")
	return c.set(ctx, KeyScreenList, screens, c.config.ScreenListTTL)
}

// InvalidateScreenList removes the screen list from cache.
func (c *Cache) InvalidateScreenList(ctx context.Context) error {
	c.logger.Debug().Msg("invalidating screen list cache")
	return c.delete(ctx, KeyScreenList)
}

// GetScreen retrieves a cached screen by ID.
func (c *Cache) GetScreen(ctx context.Context, screenID string) (*CachedScreen, bool) {
	var screen CachedScreen
	found, err := c.get(ctx, KeyScreen+screenID, &screen)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("screen_id", screenID).Msg("screen cache hit")
	return &screen, true
}

// SetScreen caches a screen by ID.
func (c *Cache) SetScreen(ctx context.Context, screen *CachedScreen) error {
	c.logger.Debug().Str("screen_id", screen.ID).Msg("caching screen")
	return c.set(ctx, KeyScreen+screen.ID, screen, c.config.ScreenTTL)
}

// InvalidateScreen removes a screen and the fleet list from cache.
func (c *Cache) InvalidateScreen(ctx context.Context, screenID string) error {
	c.logger.Debug().Str("screen_id", screenID).Msg("invalidating screen cache")

	if err := c.delete(ctx, KeyScreen+screenID); err != nil {
		return err
	}

	// The list embeds screen fields, so it goes stale with the screen.
	return c.InvalidateScreenList(ctx)
}

// Group expansion caching methods

// GetGroupScreens retrieves the cached member screen IDs of a group.
func (c *Cache) GetGroupScreens(ctx context.Context, groupID string) ([]string, bool) {
	var screenIDs []string
	found, err := c.get(ctx, KeyGroupScreens+groupID, &screenIDs)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("group_id", groupID).Int("count", len(screenIDs)).Msg("group expansion cache hit")
	return screenIDs, true
}

// SetGroupScreens caches the member screen IDs of a group.
func (c *Cache) SetGroupScreens(ctx context.Context, groupID string, screenIDs []string) error {
	c.logger.Debug().Str("group_id", groupID).Int("count", len(screenIDs)).Msg("caching group expansion")
	return c.set(ctx, KeyGroupScreens+groupID, screenIDs, c.config.GroupScreensTTL)
}

// InvalidateGroupScreens removes a group expansion from cache.
func (c *Cache) InvalidateGroupScreens(ctx context.Context, groupID string) error {
	c.logger.Debug().Str("group_id", groupID).Msg("invalidating group expansion cache")
	return c.delete(ctx, KeyGroupScreens+groupID)
}

// Content caching methods

// CachedContentAsset represents a cached content asset record.
type CachedContentAsset struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	State     string `json:"state"`
	URL       string `json:"url"`
}

// GetContentAsset retrieves a cached content asset by ID.
func (c *Cache) GetContentAsset(ctx context.Context, assetID string) (*CachedContentAsset, bool) {
	var asset CachedContentAsset
	found, err := c.get(ctx, KeyContent+assetID, &asset)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("asset_id", assetID).Msg("content asset cache hit")
	return &asset, true
}

// SetContentAsset caches a content asset.
func (c *Cache) SetContentAsset(ctx context.Context, asset *CachedContentAsset) error {
	c.logger.Debug().Str("asset_id", asset.ID).Msg("caching content asset")
	return c.set(ctx, KeyContent+asset.ID, asset, c.config.ContentTTL)
}

// InvalidateContentAsset removes a content asset from cache.
func (c *Cache) InvalidateContentAsset(ctx context.Context, assetID string) error {
	c.logger.Debug().Str("asset_id", assetID).Msg("invalidating content asset cache")
	return c.delete(ctx, KeyContent+assetID)
}

// FlushAll removes all cached data (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, "heimdall:cache:*")
}
