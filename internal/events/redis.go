/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisChannelPrefix = "heimdall:events:"

// envelope is the wire form of an event on the cross-instance buses.
// The origin tag lets the dispatch loop drop an instance's own messages,
// so local delivery stays synchronous and exactly-once.
type envelope struct {
	Origin  string    `json:"origin"`
	Type    EventType `json:"type"`
	Payload Payload   `json:"payload"`
}

// RedisBusConfig configures the Redis-backed bus.
type RedisBusConfig struct {
	Addr       string
	Password   string
	DB         int
	InstanceID string
}

// RedisBus fans events out across instances via Redis pubsub. Local
// subscribers see the same synchronous delivery as the in-process Bus;
// remote events are folded in by a background dispatch loop. Delivery
// across instances is best effort, matching pubsub semantics.
type RedisBus struct {
	local      *Bus
	client     *redis.Client
	instanceID string
	logger     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus connects to Redis and starts the dispatch loop.
func NewRedisBus(cfg RedisBusConfig, logger zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis bus: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	b := &RedisBus{
		local:      NewBus(),
		client:     client,
		instanceID: cfg.InstanceID,
		logger:     logger.With().Str("component", "redis_bus").Logger(),
		done:       make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.dispatch(ctx)

	b.logger.Info().Str("addr", cfg.Addr).Str("instance_id", cfg.InstanceID).Msg("redis event bus connected")
	return b, nil
}

// Subscribe registers a local subscriber for event type.
func (b *RedisBus) Subscribe(eventType EventType) Subscriber {
	return b.local.Subscribe(eventType)
}

// Unsubscribe removes the subscriber.
func (b *RedisBus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.local.Unsubscribe(eventType, sub)
}

// Publish delivers to local subscribers immediately, then broadcasts to
// the other instances.
func (b *RedisBus) Publish(eventType EventType, payload Payload) {
	b.local.Publish(eventType, payload)

	data, err := json.Marshal(envelope{Origin: b.instanceID, Type: eventType, Payload: payload})
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(eventType)).Msg("marshal event failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, redisChannelPrefix+string(eventType), data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("event", string(eventType)).Msg("publish to redis failed")
	}
}

func (b *RedisBus) dispatch(ctx context.Context) {
	defer close(b.done)

	pubsub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed bus message")
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			b.local.Publish(env.Type, env.Payload)
		}
	}
}

// Close stops the dispatch loop and releases the Redis connection.
func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	return b.client.Close()
}
