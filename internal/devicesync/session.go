/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package devicesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// deliveryPhase tracks where an unacknowledged decision sits in the
// ack/retry cycle.
type deliveryPhase int

const (
	phaseIdle deliveryPhase = iota
	phaseAwaitAck
	phaseRetryWait
)

// session is one live device connection. All writes happen from the run
// goroutine; Deliver and Status reach in only through mutex-guarded fields.
type session struct {
	id       string
	screenID string
	remote   string
	conn     Conn
	svc      *Service
	logger   zerolog.Logger

	wakec    chan struct{}
	stopc    chan struct{}
	stopOnce sync.Once
	stopErr  error

	connectedAt time.Time

	// Run-goroutine state.
	timer   *time.Timer
	phase   deliveryPhase
	backoff time.Duration
	seq     int64
	missed  int
	alive   bool

	mu             sync.Mutex
	lastAckVersion int
	lastSeen       time.Time
	degraded       bool
	next           *models.Decision
	pending        *models.Decision
}

func (s *session) stop(err error) {
	s.stopOnce.Do(func() {
		s.stopErr = err
		close(s.stopc)
	})
}

// queue hands a decision to the session loop. A newer decision replaces an
// undelivered older one; versions the device already acknowledged are
// dropped here.
func (s *session) queue(dec *models.Decision) {
	s.mu.Lock()
	if dec.Version <= s.lastAckVersion {
		s.mu.Unlock()
		telemetry.DeliveriesTotal.WithLabelValues("stale").Inc()
		return
	}
	s.next = dec
	s.mu.Unlock()

	select {
	case s.wakec <- struct{}{}:
	default:
	}
}

func (s *session) snapshot() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SessionStatus{
		ScreenID:       s.screenID,
		SessionID:      s.id,
		Online:         true,
		Degraded:       s.degraded,
		RemoteAddr:     s.remote,
		ConnectedAt:    s.connectedAt,
		LastSeenAt:     s.lastSeen,
		LastAckVersion: s.lastAckVersion,
	}
	if s.pending != nil {
		status.PendingVersion = s.pending.Version
	}
	return status
}

func (s *session) run(ctx context.Context) error {
	readc := make(chan Frame, 16)
	readErrc := make(chan error, 1)
	go s.readLoop(ctx, readc, readErrc)

	heartbeat := time.NewTicker(s.svc.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	s.timer = time.NewTimer(time.Hour)
	if !s.timer.Stop() {
		<-s.timer.C
	}
	defer s.timer.Stop()

	// Resync-on-connect. The device always receives the current decision
	// as the first apply frame; offline history is never replayed.
	if err := s.resync(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.conn.Close(ws.StatusGoingAway, "server shutting down")
			return ctx.Err()

		case <-s.stopc:
			reason := "session closed"
			if s.stopErr != nil {
				reason = s.stopErr.Error()
			}
			s.conn.Close(ws.StatusGoingAway, reason)
			return s.stopErr

		case err := <-readErrc:
			return err

		case f := <-readc:
			s.touch()
			if err := s.handleFrame(ctx, f); err != nil {
				return err
			}

		case <-s.wakec:
			if err := s.flushNext(ctx); err != nil {
				return err
			}

		case <-heartbeat.C:
			if err := s.beat(ctx); err != nil {
				return err
			}

		case <-s.timer.C:
			if err := s.deliveryTimerFired(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context, frames chan<- Frame, errc chan<- error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			errc <- err
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn().Err(err).Msg("invalid device frame")
			continue
		}

		select {
		case frames <- f:
		default:
			s.logger.Warn().Str("frame_type", f.Type).Msg("frame channel full, dropping message")
		}
	}
}

// touch records inbound traffic. Any frame counts as liveness.
func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
	s.alive = true
	s.missed = 0
}

func (s *session) handleFrame(ctx context.Context, f Frame) error {
	switch f.Type {
	case FrameHello:
		var hello HelloPayload
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &hello); err != nil {
				s.logger.Warn().Err(err).Msg("malformed hello frame")
				return nil
			}
		}
		s.mu.Lock()
		if hello.LastApplied > s.lastAckVersion {
			s.lastAckVersion = hello.LastApplied
		}
		s.mu.Unlock()
		s.logger.Info().
			Str("agent", hello.Agent).
			Int("last_applied", hello.LastApplied).
			Msg("device hello")
		return nil

	case FrameAck:
		var ack AckPayload
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			s.logger.Warn().Err(err).Msg("malformed ack frame")
			return nil
		}
		s.handleAck(ctx, ack.Version)
		return nil

	case FrameNack:
		var nack NackPayload
		if err := json.Unmarshal(f.Data, &nack); err != nil {
			s.logger.Warn().Err(err).Msg("malformed nack frame")
			return nil
		}
		s.handleNack(nack)
		return nil

	case FramePong:
		return nil

	case FramePing:
		return s.send(ctx, FramePong, nil)

	case FrameStatus:
		s.svc.recordSeen(ctx, s)
		return nil

	case FrameResync:
		return s.resync(ctx)

	default:
		s.logger.Warn().Str("frame_type", f.Type).Msg("unknown device frame type")
		return nil
	}
}

func (s *session) handleAck(ctx context.Context, version int) {
	s.mu.Lock()
	if version > s.lastAckVersion {
		s.lastAckVersion = version
	}
	acked := s.pending != nil && version >= s.pending.Version
	if acked {
		s.pending = nil
		s.degraded = false
	}
	s.mu.Unlock()

	if acked {
		s.phase = phaseIdle
		s.backoff = 0
		s.stopTimer()
		telemetry.DeliveriesTotal.WithLabelValues("acked").Inc()
	}

	s.svc.recordAck(ctx, s, version)
	s.svc.bus.Publish(events.EventDeviceAcked, events.Payload{
		"screen_id":  s.screenID,
		"session_id": s.id,
		"version":    version,
	})
	s.logger.Debug().Int("version", version).Msg("device acknowledged decision")
}

func (s *session) handleNack(nack NackPayload) {
	s.mu.Lock()
	s.degraded = true
	hasPending := s.pending != nil
	s.mu.Unlock()

	telemetry.DeliveriesTotal.WithLabelValues("nacked").Inc()
	s.logger.Warn().
		Int("version", nack.Version).
		Str("reason", nack.Reason).
		Msg("device rejected decision")
	s.svc.markState(s, models.DeviceDegraded)

	if hasPending {
		s.phase = phaseRetryWait
		s.resetTimer(s.nextBackoff())
	}
}

// flushNext pushes the most recently queued decision, re-checking the
// monotonic ack rule under the session's own view of the world.
func (s *session) flushNext(ctx context.Context) error {
	s.mu.Lock()
	dec := s.next
	s.next = nil
	if dec == nil || dec.Version <= s.lastAckVersion {
		s.mu.Unlock()
		if dec != nil {
			telemetry.DeliveriesTotal.WithLabelValues("stale").Inc()
		}
		return nil
	}
	s.pending = dec
	s.mu.Unlock()

	return s.sendApply(ctx, dec, "sent")
}

func (s *session) sendApply(ctx context.Context, dec *models.Decision, result string) error {
	payload := ApplyPayload{
		Version:    dec.Version,
		EntryID:    dec.EntryID,
		ContentID:  dec.ContentID,
		Reason:     dec.Reason,
		ComputedAt: dec.ComputedAt,
		ValidUntil: dec.ValidUntil,
	}
	if err := s.send(ctx, FrameApply, payload); err != nil {
		return err
	}
	telemetry.DeliveriesTotal.WithLabelValues(result).Inc()

	s.phase = phaseAwaitAck
	s.resetTimer(s.svc.cfg.AckTimeout)
	s.logger.Debug().
		Int("version", dec.Version).
		Str("reason", dec.Reason).
		Msg("decision pushed to device")
	return nil
}

func (s *session) deliveryTimerFired(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if pending == nil {
		s.phase = phaseIdle
		return nil
	}

	switch s.phase {
	case phaseAwaitAck:
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()

		telemetry.DeliveryTimeoutsTotal.Inc()
		telemetry.DeliveriesTotal.WithLabelValues("timeout").Inc()
		s.logger.Warn().
			Err(ErrDeliveryTimeout).
			Int("version", pending.Version).
			Dur("timeout", s.svc.cfg.AckTimeout).
			Msg("device did not acknowledge decision")
		s.svc.markState(s, models.DeviceDegraded)
		s.svc.bus.Publish(events.EventDeliveryTimeout, events.Payload{
			"screen_id":  s.screenID,
			"session_id": s.id,
			"version":    pending.Version,
		})

		s.phase = phaseRetryWait
		s.resetTimer(s.nextBackoff())
		return nil

	case phaseRetryWait:
		return s.sendApply(ctx, pending, "retried")

	default:
		s.phase = phaseIdle
		return nil
	}
}

func (s *session) beat(ctx context.Context) error {
	if !s.alive {
		s.missed++
		telemetry.HeartbeatMissesTotal.Inc()
		if s.missed >= s.svc.cfg.MaxMissedHeartbeats {
			s.logger.Warn().
				Int("missed", s.missed).
				Msg("device heartbeat lost, tearing down session")
			s.conn.Close(ws.StatusPolicyViolation, "heartbeat timeout")
			return ErrHeartbeatTimeout
		}
	}
	s.alive = false
	return s.send(ctx, FramePing, nil)
}

// resync loads the current decision and pushes it unconditionally. Used on
// connect and when the device asks.
func (s *session) resync(ctx context.Context) error {
	source := s.svc.decisionSource()
	if source == nil {
		s.logger.Warn().Msg("no decision source wired, skipping resync")
		return nil
	}

	dec, err := source.Decision(ctx, s.screenID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("resync could not load decision")
		return nil
	}
	telemetry.DeviceResyncsTotal.Inc()

	s.mu.Lock()
	s.pending = dec
	s.mu.Unlock()

	return s.sendApply(ctx, dec, "resync")
}

func (s *session) send(ctx context.Context, frameType string, payload any) error {
	f, err := marshalFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	s.seq++
	f.Seq = s.seq
	f.ScreenID = s.screenID

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, ws.MessageText, data); err != nil {
		return fmt.Errorf("write %s frame: %w", frameType, err)
	}
	return nil
}

func (s *session) nextBackoff() time.Duration {
	if s.backoff == 0 {
		s.backoff = s.svc.cfg.RetryBackoffMin
	} else {
		s.backoff *= 2
		if s.backoff > s.svc.cfg.RetryBackoffMax {
			s.backoff = s.svc.cfg.RetryBackoffMax
		}
	}
	return s.backoff
}

func (s *session) resetTimer(d time.Duration) {
	s.stopTimer()
	s.timer.Reset(d)
}

func (s *session) stopTimer() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
}
