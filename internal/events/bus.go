/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Schedule change events. Payloads carry the affected screen IDs so
	// the engine can mark exactly those dirty.
	EventEntryCreated  EventType = "schedule.entry.created"
	EventEntryUpdated  EventType = "schedule.entry.updated"
	EventEntryDeleted  EventType = "schedule.entry.deleted"
	EventEntryApproved EventType = "schedule.entry.approved"
	EventEntryRejected EventType = "schedule.entry.rejected"

	// Fleet topology events
	EventScreenCreated     EventType = "screen.created"
	EventScreenUpdated     EventType = "screen.updated"
	EventScreenDeleted     EventType = "screen.deleted"
	EventGroupCreated      EventType = "group.created"
	EventGroupUpdated      EventType = "group.updated"
	EventGroupDeleted      EventType = "group.deleted"
	EventMembershipChanged EventType = "group.membership.changed"

	// Engine events
	EventDecisionChanged  EventType = "decision.changed"
	EventEvaluationFailed EventType = "evaluation.failed"
	EventSweepCompleted   EventType = "sweep.completed"

	// Device events
	EventDeviceConnected EventType = "device.connected"
	EventDeviceOffline   EventType = "device.offline"
	EventDeviceAcked     EventType = "device.acked"
	EventDeliveryTimeout EventType = "device.delivery_timeout"

	// Content events
	EventContentUploaded  EventType = "content.uploaded"
	EventContentBlocked   EventType = "content.blocked"
	EventContentUnblocked EventType = "content.unblocked"
	EventContentDeleted   EventType = "content.deleted"

	// Audit events (for operations that need explicit audit logging)
	EventAuditAPIKeyCreate       EventType = "audit.apikey.create"
	EventAuditAPIKeyRevoke       EventType = "audit.apikey.revoke"
	EventAuditTokenMint          EventType = "audit.device.token_mint"
	EventAuditOperatorRoleChange EventType = "audit.operator.role_change"
	EventAuditOperatorDelete     EventType = "audit.operator.delete"
	EventAuditSettingsUpdate     EventType = "audit.settings.update"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Broker is the pubsub surface services depend on. The in-process Bus
// implements it, as do the Redis and NATS buses used for multi-instance
// deployments.
type Broker interface {
	Subscribe(eventType EventType) Subscriber
	Publish(eventType EventType, payload Payload)
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
