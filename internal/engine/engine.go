/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine maintains one reconciled decision per screen. A worker
// goroutine per owned screen reacts to schedule changes and to time passing,
// resolves the winning entry and hands changed decisions to the device
// synchronizer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/resolver"
	"github.com/friendsincode/heimdall_signage/internal/store"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrWorkerNotRunning indicates no worker owns the screen on this instance.
var ErrWorkerNotRunning = errors.New("worker not running")

// DecisionSink receives decisions that must reach a device. Implementations
// must not block; the synchronizer queues per session.
type DecisionSink interface {
	Deliver(screenID string, decision *models.Decision)
}

// Config carries the engine tuning knobs.
type Config struct {
	InstanceID     string
	SweepInterval  time.Duration
	RecheckCeiling time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// Engine manages the per-screen workers assigned to this instance.
type Engine struct {
	instanceID string
	store      *store.Service
	db         *gorm.DB
	bus        events.Broker
	sink       DecisionSink
	leader     func() bool
	logger     zerolog.Logger

	sweepInterval  time.Duration
	recheckCeiling time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration

	now func() time.Time

	mu        sync.RWMutex
	workers   map[string]*worker // screen_id -> worker
	decisions map[string]*models.Decision
	ring      *hashRing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciliation engine. The sink may be nil when no device
// transport is wired (tests, offline tools); leader may be nil on
// single-instance deployments.
func New(cfg Config, st *store.Service, bus events.Broker, sink DecisionSink, leader func() bool, logger zerolog.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.RecheckCeiling <= 0 {
		cfg.RecheckCeiling = 5 * time.Minute
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if leader == nil {
		leader = func() bool { return true }
	}

	ring := newHashRing(150) // 150 virtual nodes per instance
	ring.addNode(cfg.InstanceID)

	return &Engine{
		instanceID:     cfg.InstanceID,
		store:          st,
		db:             st.DB(),
		bus:            bus,
		sink:           sink,
		leader:         leader,
		logger:         logger.With().Str("component", "engine").Logger(),
		sweepInterval:  cfg.SweepInterval,
		recheckCeiling: cfg.RecheckCeiling,
		backoffMin:     cfg.BackoffMin,
		backoffMax:     cfg.BackoffMax,
		now:            time.Now,
		workers:        make(map[string]*worker),
		decisions:      make(map[string]*models.Decision),
		ring:           ring,
	}
}

// Start spawns workers for every owned screen and begins listening for
// schedule changes.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	ids, err := e.store.ListScreenIDs(e.ctx)
	if err != nil {
		return fmt.Errorf("load screens: %w", err)
	}

	for _, id := range ids {
		if e.owns(id) {
			e.startWorker(id)
		}
	}

	e.wg.Add(2)
	go e.eventLoop()
	go e.sweepLoop()

	e.logger.Info().
		Str("instance_id", e.instanceID).
		Int("workers", e.WorkerCount()).
		Msg("reconciliation engine started")
	return nil
}

// Stop halts all workers and loops.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.workers = make(map[string]*worker)
	e.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	telemetry.WorkersActive.Set(0)

	e.wg.Wait()
	e.logger.Info().Msg("reconciliation engine stopped")
}

// owns reports whether this instance is responsible for the screen.
func (e *Engine) owns(screenID string) bool {
	assigned, ok := e.ring.getNode(screenID)
	return ok && assigned == e.instanceID
}

func (e *Engine) startWorker(screenID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workers[screenID]; exists {
		return
	}

	w := newWorker(screenID, e)
	e.workers[screenID] = w
	telemetry.WorkersActive.Set(float64(len(e.workers)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run()
	}()

	e.logger.Info().Str("screen_id", screenID).Msg("worker started")
}

func (e *Engine) stopWorker(screenID string) {
	e.mu.Lock()
	w, exists := e.workers[screenID]
	if exists {
		delete(e.workers, screenID)
		delete(e.decisions, screenID)
	}
	telemetry.WorkersActive.Set(float64(len(e.workers)))
	e.mu.Unlock()

	if exists {
		w.stop()
		e.logger.Info().Str("screen_id", screenID).Msg("worker stopped")
	}
}

// MarkDirty requests a re-evaluation for one screen.
func (e *Engine) MarkDirty(screenID, reason string) error {
	e.mu.RLock()
	w, exists := e.workers[screenID]
	e.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: screen %s", ErrWorkerNotRunning, screenID)
	}
	w.markDirty(reason)
	return nil
}

// WorkerCount returns the number of workers on this instance.
func (e *Engine) WorkerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.workers)
}

// WorkerStates returns screen_id -> state for status reporting.
func (e *Engine) WorkerStates() map[string]WorkerState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make(map[string]WorkerState, len(e.workers))
	for id, w := range e.workers {
		states[id] = w.State()
	}
	return states
}

// evaluateScreen runs one reconciliation pass and returns how long the
// worker should sleep before the next boundary check.
func (e *Engine) evaluateScreen(screenID, trigger string) (time.Duration, error) {
	telemetry.EvaluationsTotal.WithLabelValues(trigger).Inc()
	start := time.Now()
	defer func() {
		telemetry.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	now := e.now()

	screen, err := e.store.GetScreen(ctx, screenID)
	if err != nil {
		telemetry.EvaluationFailuresTotal.Inc()
		e.publishFailure(screenID, err)
		return 0, fmt.Errorf("load screen: %w", err)
	}

	relevant, err := e.store.ListRelevantFor(ctx, screenID, now)
	if err != nil {
		telemetry.EvaluationFailuresTotal.Inc()
		e.publishFailure(screenID, err)
		return 0, fmt.Errorf("load relevant entries: %w", err)
	}

	outcome := resolver.Resolve(now, candidatesFrom(relevant))

	boundary, hasBoundary := nextBoundary(relevant, now)
	wake := e.recheckCeiling
	if hasBoundary {
		if until := boundary.Sub(now); until < wake {
			wake = until
		}
	}
	if wake < time.Second {
		wake = time.Second
	}

	if err := e.applyOutcome(ctx, screen, outcome, now, boundary, hasBoundary); err != nil {
		telemetry.EvaluationFailuresTotal.Inc()
		e.publishFailure(screenID, err)
		return 0, err
	}

	return wake, nil
}

// applyOutcome persists the decision if the winner changed, otherwise only
// refreshes its validity window. Version moves only on real changes so
// re-running with the same inputs is idempotent. A screen deleted while the
// evaluation ran is caught at persist time and its result dropped.
func (e *Engine) applyOutcome(ctx context.Context, screen *models.Screen, outcome resolver.Outcome, now time.Time, boundary time.Time, hasBoundary bool) error {
	current, err := e.cachedDecision(ctx, screen.ID)
	if err != nil {
		return err
	}

	next := models.Decision{
		ScreenID:   screen.ID,
		Version:    current.Version,
		ComputedAt: now,
	}
	if hasBoundary {
		next.ValidUntil = &boundary
	}

	if outcome.Winner != nil {
		next.EntryID = &outcome.Winner.EntryID
		next.ContentID = &outcome.Winner.ContentID
		next.Reason = "winner"
	} else if screen.IdleContentID != "" {
		idle := screen.IdleContentID
		next.ContentID = &idle
		next.Reason = "idle_content"
	} else {
		next.Reason = "idle"
	}

	if sameDecision(current, &next) {
		// Winner unchanged. Refresh the validity window without a
		// version bump or a device push.
		updates := map[string]any{
			"computed_at": now,
			"valid_until": next.ValidUntil,
		}
		if err := e.db.WithContext(ctx).Model(&models.Decision{}).Where("screen_id = ?", screen.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("refresh decision: %w", err)
		}
		refreshed := *current
		refreshed.ComputedAt = now
		refreshed.ValidUntil = next.ValidUntil
		e.cacheDecision(&refreshed)
		return nil
	}

	next.Version = current.Version + 1
	tx := e.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var live int64
	if err := tx.Model(&models.Screen{}).Where("id = ?", screen.ID).Count(&live).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("check screen: %w", err)
	}
	if live == 0 {
		// Deleted between this evaluation loading the screen and now.
		// Persisting would resurrect a row DeleteScreen removed.
		tx.Rollback()
		e.logger.Debug().Str("screen_id", screen.ID).Msg("screen deleted mid-evaluation, decision discarded")
		return nil
	}
	if err := tx.Save(&next).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("persist decision: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit decision: %w", err)
	}
	e.cacheDecision(&next)
	telemetry.DecisionChangesTotal.Inc()

	e.logger.Info().
		Str("screen_id", screen.ID).
		Int("version", next.Version).
		Str("reason", next.Reason).
		Msg("decision changed")

	payload := events.Payload{
		"screen_ids":  []string{screen.ID},
		"screen_id":   screen.ID,
		"version":     next.Version,
		"reason":      next.Reason,
		"instance_id": e.instanceID,
	}
	if next.EntryID != nil {
		payload["entry_id"] = *next.EntryID
	}
	if next.ContentID != nil {
		payload["content_id"] = *next.ContentID
	}
	e.bus.Publish(events.EventDecisionChanged, payload)

	if e.sink != nil {
		e.sink.Deliver(screen.ID, &next)
	}
	return nil
}

// cachedDecision returns the engine-cached decision, falling back to the
// database row and finally an empty version-zero decision for new screens.
func (e *Engine) cachedDecision(ctx context.Context, screenID string) (*models.Decision, error) {
	e.mu.RLock()
	cached, ok := e.decisions[screenID]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var dec models.Decision
	err := e.db.WithContext(ctx).Where("screen_id = ?", screenID).First(&dec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Decision{ScreenID: screenID, Version: 0, Reason: "idle"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load decision: %w", err)
	}

	e.cacheDecision(&dec)
	return &dec, nil
}

func (e *Engine) cacheDecision(dec *models.Decision) {
	e.mu.Lock()
	e.decisions[dec.ScreenID] = dec
	e.mu.Unlock()
}

// Invalidate drops the cached decision for a screen so the next read
// falls through to the database. Called when another instance evaluated
// the screen.
func (e *Engine) Invalidate(screenID string) {
	e.mu.Lock()
	delete(e.decisions, screenID)
	e.mu.Unlock()
}

// Decision returns a copy of the engine's view of a screen's current
// decision.
func (e *Engine) Decision(ctx context.Context, screenID string) (*models.Decision, error) {
	dec, err := e.cachedDecision(ctx, screenID)
	if err != nil {
		return nil, err
	}
	out := *dec
	return &out, nil
}

func sameDecision(a, b *models.Decision) bool {
	return equalPtr(a.EntryID, b.EntryID) &&
		equalPtr(a.ContentID, b.ContentID) &&
		a.Reason == b.Reason
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e *Engine) publishFailure(screenID string, err error) {
	e.bus.Publish(events.EventEvaluationFailed, events.Payload{
		"screen_ids": []string{screenID},
		"screen_id":  screenID,
		"error":      err.Error(),
	})
}

// Preview evaluates a screen at an arbitrary instant without touching any
// state. Operators use it to answer "what would show at 9am Saturday?".
func (e *Engine) Preview(ctx context.Context, screenID string, at time.Time) (resolver.Outcome, []resolver.Explanation, error) {
	if _, err := e.store.GetScreen(ctx, screenID); err != nil {
		return resolver.Outcome{}, nil, err
	}

	relevant, err := e.store.ListRelevantFor(ctx, screenID, at)
	if err != nil {
		return resolver.Outcome{}, nil, err
	}

	outcome := resolver.Resolve(at, candidatesFrom(relevant))
	return outcome, resolver.Explain(outcome), nil
}

// Event plumbing

func (e *Engine) eventLoop() {
	defer e.wg.Done()

	changeEvents := []events.EventType{
		events.EventEntryCreated,
		events.EventEntryUpdated,
		events.EventEntryDeleted,
		events.EventEntryApproved,
		events.EventEntryRejected,
		events.EventMembershipChanged,
		events.EventGroupDeleted,
		events.EventScreenUpdated,
		events.EventContentBlocked,
		events.EventContentUnblocked,
	}

	merged := make(chan events.Payload, 16)
	for _, et := range changeEvents {
		sub := e.bus.Subscribe(et)
		defer e.bus.Unsubscribe(et, sub)

		go func(sub events.Subscriber) {
			for {
				select {
				case <-e.ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- payload:
					case <-e.ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	createdSub := e.bus.Subscribe(events.EventScreenCreated)
	defer e.bus.Unsubscribe(events.EventScreenCreated, createdSub)
	deletedSub := e.bus.Subscribe(events.EventScreenDeleted)
	defer e.bus.Unsubscribe(events.EventScreenDeleted, deletedSub)

	for {
		select {
		case <-e.ctx.Done():
			return
		case payload := <-merged:
			e.handleChange(payload)
		case payload := <-createdSub:
			e.handleScreenCreated(payload)
		case payload := <-deletedSub:
			e.handleScreenDeleted(payload)
		}
	}
}

func (e *Engine) handleChange(payload events.Payload) {
	for _, screenID := range screenIDsFromPayload(payload) {
		if !e.owns(screenID) {
			continue
		}
		if err := e.MarkDirty(screenID, triggerChange); err != nil {
			e.logger.Debug().Str("screen_id", screenID).Msg("change for screen without worker")
		}
	}
}

func (e *Engine) handleScreenCreated(payload events.Payload) {
	screenID, _ := payload["screen_id"].(string)
	if screenID == "" || !e.owns(screenID) {
		return
	}
	e.startWorker(screenID)
}

func (e *Engine) handleScreenDeleted(payload events.Payload) {
	screenID, _ := payload["screen_id"].(string)
	if screenID == "" {
		return
	}
	e.stopWorker(screenID)
}

// screenIDsFromPayload tolerates both in-process ([]string) and backbone
// (JSON round-tripped []any) payload shapes.
func screenIDsFromPayload(payload events.Payload) []string {
	switch v := payload["screen_ids"].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, raw := range v {
			if id, ok := raw.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}

// sweepLoop periodically marks every owned screen dirty. It is the safety
// net against missed events; only the leader runs it so a multi-node fleet
// sweeps once per interval.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if !e.leader() {
				continue
			}
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	telemetry.SweepTicksTotal.Inc()

	ids, err := e.store.ListScreenIDs(e.ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("sweep: list screens")
		return
	}

	marked := 0
	for _, id := range ids {
		if !e.owns(id) {
			continue
		}
		// Screens created while events were lost get a worker here.
		e.startWorker(id)
		if err := e.MarkDirty(id, triggerSweep); err == nil {
			marked++
		}
	}

	e.bus.Publish(events.EventSweepCompleted, events.Payload{
		"screens": marked,
	})

	e.logger.Debug().Int("screens", marked).Msg("sweep completed")
}

func candidatesFrom(entries []models.ScheduleEntry) []resolver.Candidate {
	candidates := make([]resolver.Candidate, 0, len(entries))
	for _, entry := range entries {
		candidates = append(candidates, resolver.Candidate{
			EntryID:   entry.ID,
			ContentID: entry.ContentID,
			Name:      entry.Name,
			Priority:  entry.Priority,
			CreatedAt: entry.CreatedAt,
			Interval:  entry.Interval(),
		})
	}
	return candidates
}

func nextBoundary(entries []models.ScheduleEntry, after time.Time) (time.Time, bool) {
	ivls := make([]interval.Interval, 0, len(entries))
	for _, entry := range entries {
		ivls = append(ivls, entry.Interval())
	}
	return interval.NextBoundaryIn(ivls, after)
}
