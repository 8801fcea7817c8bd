/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package devicesync terminates player device connections and keeps each
// device converged on its screen's current decision. The protocol is
// deliberately stateless: the single current decision is the whole sync
// payload, so reconnects resync in one frame.
package devicesync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	ws "nhooyr.io/websocket"
)

var (
	// ErrDeliveryTimeout indicates a device did not acknowledge a pushed
	// decision within the ack window.
	ErrDeliveryTimeout = errors.New("decision delivery not acknowledged in time")

	// ErrHeartbeatTimeout indicates a device missed too many heartbeats.
	ErrHeartbeatTimeout = errors.New("device heartbeat lost")

	// ErrSessionReplaced indicates a newer connection took over the screen.
	ErrSessionReplaced = errors.New("session replaced by newer connection")

	// ErrScreenDeprovisioned indicates the screen was removed from the
	// fleet while its device was connected.
	ErrScreenDeprovisioned = errors.New("screen deprovisioned")
)

// Conn is the subset of the WebSocket connection the synchronizer needs.
// *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (ws.MessageType, []byte, error)
	Write(ctx context.Context, typ ws.MessageType, data []byte) error
	Close(code ws.StatusCode, reason string) error
}

// DecisionSource yields the current decision for a screen. The
// reconciliation engine implements it.
type DecisionSource interface {
	Decision(ctx context.Context, screenID string) (*models.Decision, error)
}

// Config tunes the synchronizer. Zero values fall back to defaults.
type Config struct {
	AckTimeout          time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	RetryBackoffMin     time.Duration
	RetryBackoffMax     time.Duration
}

// Service owns the session registry and delivers decisions to devices.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	source   DecisionSource
	sessions map[string]*session
}

// NewService creates the device synchronizer. The decision source is wired
// afterwards via SetSource because the engine needs the synchronizer as its
// delivery sink.
func NewService(cfg Config, db *gorm.DB, bus events.Broker, logger zerolog.Logger) *Service {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.RetryBackoffMin <= 0 {
		cfg.RetryBackoffMin = time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 30 * time.Second
	}

	return &Service{
		db:       db,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "devicesync").Logger(),
		sessions: make(map[string]*session),
	}
}

// SetSource wires the decision source once the engine exists.
func (s *Service) SetSource(source DecisionSource) {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()
}

func (s *Service) decisionSource() DecisionSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Run services one accepted, authenticated device connection until it
// ends. It blocks for the lifetime of the session.
func (s *Service) Run(ctx context.Context, conn Conn, screenID, remoteAddr string) error {
	sess := &session{
		id:          uuid.NewString(),
		screenID:    screenID,
		remote:      remoteAddr,
		conn:        conn,
		svc:         s,
		logger:      s.logger.With().Str("screen_id", screenID).Logger(),
		wakec:       make(chan struct{}, 1),
		stopc:       make(chan struct{}),
		connectedAt: time.Now().UTC(),
	}
	sess.lastSeen = sess.connectedAt

	s.register(sess)
	telemetry.DeviceSessionsActive.Inc()
	defer telemetry.DeviceSessionsActive.Dec()

	s.markOnline(ctx, sess)
	s.bus.Publish(events.EventDeviceConnected, events.Payload{
		"screen_id":  screenID,
		"session_id": sess.id,
		"remote":     remoteAddr,
	})
	s.logger.Info().
		Str("screen_id", screenID).
		Str("session_id", sess.id).
		Str("remote", remoteAddr).
		Msg("device connected")

	err := sess.run(ctx)

	s.unregister(sess)

	replaced := errors.Is(err, ErrSessionReplaced)
	if !replaced {
		s.markOffline(sess)
		s.bus.Publish(events.EventDeviceOffline, events.Payload{
			"screen_id":  screenID,
			"session_id": sess.id,
			"reason":     offlineReason(err),
		})
	}

	if err != nil && ws.CloseStatus(err) == ws.StatusNormalClosure {
		err = nil
	}
	s.logger.Info().
		Str("screen_id", screenID).
		Str("session_id", sess.id).
		Err(err).
		Msg("device disconnected")
	return err
}

// Deliver implements the engine's decision sink. Lookup and handoff are
// O(1); the session loop does the actual write.
func (s *Service) Deliver(screenID string, decision *models.Decision) {
	s.mu.RLock()
	sess := s.sessions[screenID]
	s.mu.RUnlock()

	if sess == nil {
		telemetry.DeliveriesTotal.WithLabelValues("offline").Inc()
		return
	}
	sess.queue(decision)
}

// SessionStatus is a point-in-time view of one device session.
type SessionStatus struct {
	ScreenID       string    `json:"screen_id"`
	SessionID      string    `json:"session_id"`
	Online         bool      `json:"online"`
	Degraded       bool      `json:"degraded"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	LastAckVersion int       `json:"last_ack_version"`
	PendingVersion int       `json:"pending_version,omitempty"`
}

// Status snapshots every live session, sorted by screen ID.
func (s *Service) Status() []SessionStatus {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ScreenID < statuses[j].ScreenID
	})
	return statuses
}

// StatusFor snapshots the session for one screen, if connected.
func (s *Service) StatusFor(screenID string) (SessionStatus, bool) {
	s.mu.RLock()
	sess := s.sessions[screenID]
	s.mu.RUnlock()

	if sess == nil {
		return SessionStatus{}, false
	}
	return sess.snapshot(), true
}

// CloseFor tears down the live session for one screen, if any.
func (s *Service) CloseFor(screenID string) {
	s.mu.RLock()
	sess := s.sessions[screenID]
	s.mu.RUnlock()

	if sess != nil {
		sess.stop(ErrScreenDeprovisioned)
	}
}

// Watch closes the session of any screen removed from the fleet. Without
// it a deprovisioned screen's device would stay connected until its next
// disconnect. Blocks until ctx is done.
func (s *Service) Watch(ctx context.Context) {
	sub := s.bus.Subscribe(events.EventScreenDeleted)
	defer s.bus.Unsubscribe(events.EventScreenDeleted, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if screenID, _ := payload["screen_id"].(string); screenID != "" {
				s.CloseFor(screenID)
			}
		}
	}
}

// Close tears down every live session. Used during server shutdown.
func (s *Service) Close() {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.stop(nil)
	}
}

func (s *Service) register(sess *session) {
	s.mu.Lock()
	old := s.sessions[sess.screenID]
	s.sessions[sess.screenID] = sess
	s.mu.Unlock()

	if old != nil {
		s.logger.Info().
			Str("screen_id", sess.screenID).
			Str("old_session", old.id).
			Str("new_session", sess.id).
			Msg("newer connection takes over screen")
		old.stop(ErrSessionReplaced)
	}
}

func (s *Service) unregister(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.screenID] == sess {
		delete(s.sessions, sess.screenID)
	}
	s.mu.Unlock()
}

func (s *Service) markOnline(ctx context.Context, sess *session) {
	row := &models.DeviceSession{
		ScreenID:    sess.screenID,
		SessionID:   sess.id,
		State:       models.DeviceOnline,
		RemoteAddr:  sess.remote,
		ConnectedAt: sess.connectedAt,
		LastSeenAt:  sess.connectedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "screen_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"session_id":   sess.id,
			"state":        string(models.DeviceOnline),
			"remote_addr":  sess.remote,
			"connected_at": sess.connectedAt,
			"last_seen_at": sess.connectedAt,
		}),
	}).Create(row).Error; err != nil {
		s.logger.Error().Err(err).Str("screen_id", sess.screenID).Msg("failed to persist device session")
	}
}

func (s *Service) markOffline(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.db.WithContext(ctx).Model(&models.DeviceSession{}).
		Where("screen_id = ? AND session_id = ?", sess.screenID, sess.id).
		Updates(map[string]any{
			"state":        string(models.DeviceOffline),
			"last_seen_at": time.Now().UTC(),
		}).Error; err != nil {
		s.logger.Error().Err(err).Str("screen_id", sess.screenID).Msg("failed to mark device offline")
	}
}

func (s *Service) markState(sess *session, state models.DeviceState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.db.WithContext(ctx).Model(&models.DeviceSession{}).
		Where("screen_id = ? AND session_id = ?", sess.screenID, sess.id).
		Update("state", string(state)).Error; err != nil {
		s.logger.Warn().Err(err).Str("screen_id", sess.screenID).Msg("failed to update device state")
	}
}

func (s *Service) recordAck(ctx context.Context, sess *session, version int) {
	if err := s.db.WithContext(ctx).Model(&models.DeviceSession{}).
		Where("screen_id = ? AND last_ack_version < ?", sess.screenID, version).
		Updates(map[string]any{
			"last_ack_version": version,
			"last_seen_at":     time.Now().UTC(),
			"state":            string(models.DeviceOnline),
		}).Error; err != nil {
		s.logger.Warn().Err(err).Str("screen_id", sess.screenID).Msg("failed to record ack")
	}
}

func (s *Service) recordSeen(ctx context.Context, sess *session) {
	if err := s.db.WithContext(ctx).Model(&models.DeviceSession{}).
		Where("screen_id = ? AND session_id = ?", sess.screenID, sess.id).
		Update("last_seen_at", time.Now().UTC()).Error; err != nil {
		s.logger.Debug().Err(err).Str("screen_id", sess.screenID).Msg("failed to record device status")
	}
}

func offlineReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrScreenDeprovisioned):
		return "deprovisioned"
	case ws.CloseStatus(err) == ws.StatusNormalClosure || ws.CloseStatus(err) == ws.StatusGoingAway:
		return "closed"
	default:
		return "error"
	}
}
