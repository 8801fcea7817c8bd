/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notifications raises operator-facing alerts from bus events and
// optionally forwards the noisy ones over SMTP. Records are the source of
// truth; mail is best-effort and throttled per kind and screen.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
)

// failureThreshold is how many consecutive evaluation failures a screen
// accumulates before an alert is raised.
const failureThreshold = 3

// ErrNotFound is returned when a notification id does not exist.
var ErrNotFound = errors.New("notification not found")

// Config holds notification service configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Recipients are the operator inboxes for forwarded alerts.
	Recipients []string

	// Throttle is the minimum gap between mails for the same kind and screen.
	Throttle time.Duration
}

// ConfigFromEnv loads configuration from environment variables.
func ConfigFromEnv() Config {
	port, _ := strconv.Atoi(getEnv("HEIMDALL_SMTP_PORT", "587"))
	throttle, err := time.ParseDuration(getEnv("HEIMDALL_SMTP_THROTTLE", "15m"))
	if err != nil {
		throttle = 15 * time.Minute
	}

	return Config{
		SMTPHost:     getEnv("HEIMDALL_SMTP_HOST", ""),
		SMTPPort:     port,
		SMTPUsername: getEnv("HEIMDALL_SMTP_USERNAME", ""),
		SMTPPassword: getEnv("HEIMDALL_SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("HEIMDALL_SMTP_FROM", "noreply@example.com"),
		SMTPFromName: getEnv("HEIMDALL_SMTP_FROM_NAME", "Heimdall Signage"),
		Recipients:   splitList(getEnv("HEIMDALL_SMTP_RECIPIENTS", "")),
		Throttle:     throttle,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Service turns bus events into notification records and forwards the
// serious ones by mail.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	config Config
	logger zerolog.Logger

	mu sync.Mutex
	// Consecutive evaluation failures per screen, reset by a successful
	// decision change.
	failStreaks map[string]int
	// Last forwarded mail per kind+screen, for throttling.
	lastMail map[string]time.Time

	// Seam for tests; smtp.SendMail in production.
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new notification service.
func NewService(db *gorm.DB, bus events.Broker, config Config, logger zerolog.Logger) *Service {
	return &Service{
		db:          db,
		bus:         bus,
		config:      config,
		logger:      logger.With().Str("component", "notifications").Logger(),
		failStreaks: make(map[string]int),
		lastMail:    make(map[string]time.Time),
		sendMail:    smtp.SendMail,
	}
}

// Start subscribes to the alerting events and blocks until the context is
// cancelled. Run it on its own goroutine.
func (s *Service) Start(ctx context.Context) {
	offline := s.bus.Subscribe(events.EventDeviceOffline)
	timedOut := s.bus.Subscribe(events.EventDeliveryTimeout)
	evalFailed := s.bus.Subscribe(events.EventEvaluationFailed)
	rejected := s.bus.Subscribe(events.EventEntryRejected)
	created := s.bus.Subscribe(events.EventEntryCreated)
	decided := s.bus.Subscribe(events.EventDecisionChanged)

	defer func() {
		s.bus.Unsubscribe(events.EventDeviceOffline, offline)
		s.bus.Unsubscribe(events.EventDeliveryTimeout, timedOut)
		s.bus.Unsubscribe(events.EventEvaluationFailed, evalFailed)
		s.bus.Unsubscribe(events.EventEntryRejected, rejected)
		s.bus.Unsubscribe(events.EventEntryCreated, created)
		s.bus.Unsubscribe(events.EventDecisionChanged, decided)
	}()

	s.logger.Info().
		Bool("smtp", s.config.SMTPHost != "").
		Int("recipients", len(s.config.Recipients)).
		Msg("notification service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification service stopping")
			return

		case payload := <-offline:
			s.handleDeviceOffline(ctx, payload)

		case payload := <-timedOut:
			s.handleDeliveryTimeout(ctx, payload)

		case payload := <-evalFailed:
			s.handleEvaluationFailed(ctx, payload)

		case payload := <-rejected:
			s.handleEntryRejected(ctx, payload)

		case payload := <-created:
			s.handleEntryCreated(ctx, payload)

		case payload := <-decided:
			s.resetFailStreak(payload)
		}
	}
}

// handleDeviceOffline records a disconnect. A clean close is routine;
// anything else gets warn severity.
func (s *Service) handleDeviceOffline(ctx context.Context, payload events.Payload) {
	screenID, _ := payload["screen_id"].(string)
	reason, _ := payload["reason"].(string)
	if screenID == "" {
		return
	}

	severity := models.SeverityWarn
	if reason == "closed" {
		severity = models.SeverityInfo
	}

	s.record(ctx, &models.Notification{
		Kind:     models.NotificationDeviceOffline,
		Severity: severity,
		Subject:  fmt.Sprintf("Screen %s offline", screenID),
		Body:     fmt.Sprintf("The device for screen %s went offline (%s).", screenID, reason),
		ScreenID: &screenID,
	})
}

func (s *Service) handleDeliveryTimeout(ctx context.Context, payload events.Payload) {
	screenID, _ := payload["screen_id"].(string)
	if screenID == "" {
		return
	}
	version, _ := payload["version"].(int)

	s.record(ctx, &models.Notification{
		Kind:     models.NotificationDeliveryTimeout,
		Severity: models.SeverityWarn,
		Subject:  fmt.Sprintf("Screen %s not acknowledging", screenID),
		Body: fmt.Sprintf("Screen %s did not acknowledge decision version %d in time. The session is degraded and delivery will be retried.",
			screenID, version),
		ScreenID: &screenID,
	})
}

// handleEvaluationFailed counts consecutive failures per screen. One flaky
// query is noise; a streak means the screen is stuck on its last decision.
func (s *Service) handleEvaluationFailed(ctx context.Context, payload events.Payload) {
	screenID, _ := payload["screen_id"].(string)
	errMsg, _ := payload["error"].(string)
	if screenID == "" {
		return
	}

	s.mu.Lock()
	s.failStreaks[screenID]++
	streak := s.failStreaks[screenID]
	s.mu.Unlock()

	if streak != failureThreshold {
		return
	}

	s.record(ctx, &models.Notification{
		Kind:     models.NotificationEvaluationFailure,
		Severity: models.SeverityCritical,
		Subject:  fmt.Sprintf("Screen %s evaluation failing", screenID),
		Body: fmt.Sprintf("Evaluation for screen %s has failed %d times in a row (last error: %s). The screen keeps showing its previous decision until evaluation recovers.",
			screenID, streak, errMsg),
		ScreenID: &screenID,
	})
}

// resetFailStreak clears the failure counter once a screen evaluates
// successfully again.
func (s *Service) resetFailStreak(payload events.Payload) {
	screenID, _ := payload["screen_id"].(string)
	if screenID == "" {
		return
	}
	s.mu.Lock()
	delete(s.failStreaks, screenID)
	s.mu.Unlock()
}

func (s *Service) handleEntryRejected(ctx context.Context, payload events.Payload) {
	entryID, _ := payload["entry_id"].(string)
	actorID, _ := payload["actor_id"].(string)
	if entryID == "" {
		return
	}

	s.record(ctx, &models.Notification{
		Kind:     models.NotificationEntryRejected,
		Severity: models.SeverityInfo,
		Subject:  "Schedule entry rejected",
		Body:     fmt.Sprintf("Entry %s was rejected by %s. Edit it to resubmit for review.", entryID, actorID),
		EntryID:  &entryID,
	})
}

// handleEntryCreated flags pending entries so approvers know something is
// waiting on them. Entries created pre-approved need no review.
func (s *Service) handleEntryCreated(ctx context.Context, payload events.Payload) {
	entryID, _ := payload["entry_id"].(string)
	state, _ := payload["state"].(string)
	if entryID == "" || state != string(models.EntryPending) {
		return
	}

	s.record(ctx, &models.Notification{
		Kind:     models.NotificationApprovalWanted,
		Severity: models.SeverityInfo,
		Subject:  "Schedule entry awaiting review",
		Body:     fmt.Sprintf("Entry %s was submitted and needs approval before it can run.", entryID),
		EntryID:  &entryID,
	})
}

// record persists the notification, then forwards it over SMTP when it is
// warn or worse. Mail failures never fail the record.
func (s *Service) record(ctx context.Context, n *models.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		s.logger.Error().Err(err).Str("kind", string(n.Kind)).Msg("failed to save notification")
		return
	}
	telemetry.NotificationsSentTotal.WithLabelValues("record").Inc()

	s.logger.Info().
		Str("notification_id", n.ID).
		Str("kind", string(n.Kind)).
		Str("severity", string(n.Severity)).
		Msg("notification raised")

	if n.Severity == models.SeverityInfo {
		return
	}
	if s.config.SMTPHost == "" || len(s.config.Recipients) == 0 {
		return
	}
	if s.throttled(n) {
		return
	}

	if err := s.forwardMail(n); err != nil {
		s.logger.Error().Err(err).Str("notification_id", n.ID).Msg("mail forward failed")
		s.db.WithContext(ctx).Model(n).Update("error", err.Error())
		return
	}

	now := time.Now().UTC()
	s.db.WithContext(ctx).Model(n).Update("sent_at", now)
	telemetry.NotificationsSentTotal.WithLabelValues("smtp").Inc()
}

// throttled reports whether a mail for this kind and screen went out too
// recently, and reserves the slot otherwise.
func (s *Service) throttled(n *models.Notification) bool {
	key := string(n.Kind)
	if n.ScreenID != nil {
		key += "/" + *n.ScreenID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastMail[key]; ok && time.Since(last) < s.config.Throttle {
		return true
	}
	s.lastMail[key] = time.Now()
	return false
}

// forwardMail sends the notification to the configured operator inboxes.
func (s *Service) forwardMail(n *models.Notification) error {
	from := s.config.SMTPFrom
	if s.config.SMTPFromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.SMTPFromName, s.config.SMTPFrom)
	}

	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: [%s] %s\r\n", strings.ToUpper(string(n.Severity)), n.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(n.Body)

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}

	if err := s.sendMail(addr, auth, s.config.SMTPFrom, s.config.Recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	s.logger.Info().
		Str("notification_id", n.ID).
		Str("subject", n.Subject).
		Int("recipients", len(s.config.Recipients)).
		Msg("notification forwarded over smtp")

	return nil
}

// List retrieves notifications, newest first.
func (s *Service) List(ctx context.Context, unreadOnly bool, limit, offset int) ([]models.Notification, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Notification{})
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var notifications []models.Notification
	err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&notifications).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}

	return notifications, total, nil
}

// MarkRead acknowledges a single notification.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("mark read: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Notification{}).
			Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("check notification: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		// Already read; acknowledging twice is fine.
	}

	return nil
}

// MarkAllRead acknowledges every unread notification.
func (s *Service) MarkAllRead(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("read_at IS NULL").
		Update("read_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// UnreadCount returns how many notifications await acknowledgement.
func (s *Service) UnreadCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("read_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
