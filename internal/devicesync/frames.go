/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package devicesync

import (
	"encoding/json"
	"time"
)

// Frame is the wire envelope exchanged with player devices. Data holds the
// type-specific payload. Exported so the device simulator can speak the
// same protocol.
type Frame struct {
	Type     string          `json:"type"`
	ScreenID string          `json:"screen_id,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
	TS       time.Time       `json:"ts"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Frame types. Server to device: apply, ping, pong. Device to server:
// hello, ack, nack, resync, status, ping, pong.
const (
	FrameHello  = "hello"
	FrameResync = "resync"
	FrameApply  = "apply"
	FrameAck    = "ack"
	FrameNack   = "nack"
	FramePing   = "ping"
	FramePong   = "pong"
	FrameStatus = "status"
)

// HelloPayload is sent by a device right after connecting.
type HelloPayload struct {
	Agent       string `json:"agent,omitempty"`
	LastApplied int    `json:"last_applied"`
}

// ApplyPayload instructs a device what to show. Version drives the ack
// protocol; a device acknowledges the exact version it applied.
type ApplyPayload struct {
	Version    int        `json:"version"`
	EntryID    *string    `json:"entry_id,omitempty"`
	ContentID  *string    `json:"content_id,omitempty"`
	Reason     string     `json:"reason"`
	ComputedAt time.Time  `json:"computed_at"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// AckPayload confirms a device applied a decision version.
type AckPayload struct {
	Version int `json:"version"`
}

// NackPayload reports a device could not apply a decision.
type NackPayload struct {
	Version int    `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

func marshalFrame(frameType string, payload any) (Frame, error) {
	f := Frame{Type: frameType, TS: time.Now().UTC()}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return f, err
	}
	f.Data = data
	return f, nil
}
