/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "heimdall.events."

// NATSBus fans events out across instances via NATS core pubsub. Same
// contract as RedisBus: synchronous local delivery, best-effort remote
// broadcast, origin filtering against self-echo.
type NATSBus struct {
	local      *Bus
	conn       *nats.Conn
	sub        *nats.Subscription
	instanceID string
	logger     zerolog.Logger
}

// NewNATSBus connects to the NATS server and subscribes to the event
// subject tree.
func NewNATSBus(url, instanceID string, logger zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("heimdall-signage"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats bus: %w", err)
	}

	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	b := &NATSBus{
		local:      NewBus(),
		conn:       conn,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "nats_bus").Logger(),
	}

	sub, err := conn.Subscribe(natsSubjectPrefix+">", b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe nats bus: %w", err)
	}
	b.sub = sub

	b.logger.Info().Str("url", url).Str("instance_id", instanceID).Msg("nats event bus connected")
	return b, nil
}

// Subscribe registers a local subscriber for event type.
func (b *NATSBus) Subscribe(eventType EventType) Subscriber {
	return b.local.Subscribe(eventType)
}

// Unsubscribe removes the subscriber.
func (b *NATSBus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.local.Unsubscribe(eventType, sub)
}

// Publish delivers to local subscribers immediately, then broadcasts to
// the other instances.
func (b *NATSBus) Publish(eventType EventType, payload Payload) {
	b.local.Publish(eventType, payload)

	data, err := json.Marshal(envelope{Origin: b.instanceID, Type: eventType, Payload: payload})
	if err != nil {
		b.logger.Error().Err(err).Str("event", string(eventType)).Msg("marshal event failed")
		return
	}

	if err := b.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		b.logger.Warn().Err(err).Str("event", string(eventType)).Msg("publish to nats failed")
	}
}

func (b *NATSBus) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed bus message")
		return
	}
	if env.Origin == b.instanceID {
		return
	}
	b.local.Publish(env.Type, env.Payload)
}

// Close unsubscribes and drains the connection.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("nats unsubscribe failed")
		}
	}
	if err := b.conn.Flush(); err != nil {
		b.logger.Warn().Err(err).Msg("nats flush failed")
	}
	b.conn.Close()
	return nil
}
