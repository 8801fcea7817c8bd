/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server assembles the process: configuration, database, event bus,
// entity cache, leader election, the evaluation engine, device sync and the
// HTTP API. It owns startup order, background workers and shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/api"
	"github.com/friendsincode/heimdall_signage/internal/audit"
	"github.com/friendsincode/heimdall_signage/internal/cache"
	"github.com/friendsincode/heimdall_signage/internal/config"
	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/db"
	"github.com/friendsincode/heimdall_signage/internal/devicesync"
	"github.com/friendsincode/heimdall_signage/internal/engine"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/leadership"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/notifications"
	"github.com/friendsincode/heimdall_signage/internal/store"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
	"github.com/friendsincode/heimdall_signage/internal/version"
)

// Server is the assembled signage control plane process.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	router chi.Router

	httpServer    *http.Server
	metricsServer *http.Server

	// instanceID tags decisions and bus envelopes produced by this process.
	instanceID string

	db          *gorm.DB
	bus         events.Broker
	entityCache *cache.Cache
	election    *leadership.Election
	leaderFn    func() bool

	store      *store.Service
	engine     *engine.Engine
	syncSvc    *devicesync.Service
	contentSvc *content.Service
	notifySvc  *notifications.Service
	auditSvc   *audit.Service
	api        *api.API

	updates *version.Checker

	// closers run in reverse registration order during Close.
	closers []func() error

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New builds a fully wired server. Background workers are already running
// when it returns; the caller serves HTTPServer() and calls Close on the way
// out.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warning := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warning)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		router:     chi.NewRouter(),
		instanceID: instanceID,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeadersMiddleware)
	s.router.Use(telemetry.TracingMiddleware)
	s.router.Use(telemetry.MetricsMiddleware)
	s.router.Use(requestTimeout(60 * time.Second))

	if err := s.initBus(); err != nil {
		return nil, err
	}

	if err := s.initDependencies(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.configureRoutes()
	s.startBackgroundWorkers()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler: s.router,
		// Device websockets and content transfers hold connections open, so
		// only the header read gets a hard deadline.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().
		Str("instance_id", instanceID).
		Str("bus", string(cfg.Bus)).
		Str("db_backend", string(cfg.DBBackend)).
		Bool("leader_election", cfg.LeaderElectionEnabled).
		Msg("server initialized")

	return s, nil
}

// securityHeadersMiddleware sets baseline security headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requestTimeout applies a deadline to ordinary API calls. Websocket
// upgrades and content uploads/downloads run longer than any sane request
// budget and bypass it.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timed := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
				strings.HasPrefix(r.URL.Path, "/api/v1/content") {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}

// initBus selects the event bus backend. Redis and NATS buses carry events
// across instances; the in-memory bus is for single-node deployments and
// tests.
func (s *Server) initBus() error {
	switch s.cfg.Bus {
	case config.BusRedis:
		bus, err := events.NewRedisBus(events.RedisBusConfig{
			Addr:       s.cfg.RedisAddr,
			Password:   s.cfg.RedisPassword,
			DB:         s.cfg.RedisDB,
			InstanceID: s.instanceID,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("connect redis bus: %w", err)
		}
		s.DeferClose(bus.Close)
		s.bus = bus
	case config.BusNATS:
		bus, err := events.NewNATSBus(s.cfg.NATSURL, s.instanceID, s.logger)
		if err != nil {
			return fmt.Errorf("connect nats bus: %w", err)
		}
		s.DeferClose(bus.Close)
		s.bus = bus
	default:
		s.bus = events.NewBus()
	}
	return nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.RegisterCallbacks(database); err != nil {
		s.logger.Warn().Err(err).Msg("database metrics callbacks not registered")
	}

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if err := s.ensureBootstrapOperator(); err != nil {
		return fmt.Errorf("bootstrap operator: %w", err)
	}

	if s.cfg.ContentStorage == config.ContentBackendFS {
		if err := os.MkdirAll(s.cfg.ContentRoot, 0o755); err != nil {
			return fmt.Errorf("create content root: %w", err)
		}
	}

	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		entityCache, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("entity cache unavailable, serving from database")
		} else {
			s.entityCache = entityCache
			s.DeferClose(entityCache.Close)
		}
	}

	if s.cfg.LeaderElectionEnabled {
		electionCfg := leadership.DefaultConfig()
		electionCfg.RedisAddr = s.cfg.RedisAddr
		electionCfg.RedisPassword = s.cfg.RedisPassword
		electionCfg.RedisDB = s.cfg.RedisDB
		electionCfg.InstanceID = s.instanceID
		election, err := leadership.NewElection(electionCfg, s.logger)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		s.election = election
		s.DeferClose(election.Stop)
		s.leaderFn = election.IsLeader
	}

	s.store = store.NewService(s.db, s.bus, s.logger)

	s.syncSvc = devicesync.NewService(devicesync.Config{
		AckTimeout:          s.cfg.AckTimeout,
		HeartbeatInterval:   s.cfg.HeartbeatInterval,
		MaxMissedHeartbeats: s.cfg.MaxMissedHeartbeats,
	}, s.db, s.bus, s.logger)

	s.engine = engine.New(engine.Config{
		InstanceID:     s.instanceID,
		SweepInterval:  s.cfg.SweepInterval,
		RecheckCeiling: s.cfg.RecheckCeiling,
		BackoffMin:     s.cfg.EvalBackoffMin,
		BackoffMax:     s.cfg.EvalBackoffMax,
	}, s.store, s.bus, s.syncSvc, s.leaderFn, s.logger)
	s.syncSvc.SetSource(s.engine)

	contentSvc, err := content.NewService(s.cfg, s.db, s.bus, s.logger)
	if err != nil {
		return fmt.Errorf("content service: %w", err)
	}
	s.contentSvc = contentSvc

	s.notifySvc = notifications.NewService(s.db, s.bus, notifications.ConfigFromEnv(), s.logger)
	s.auditSvc = audit.NewService(s.db, s.bus, s.logger)

	s.api = api.New(s.db, []byte(s.cfg.JWTSigningKey), s.cfg.DeviceTokenTTL, s.cfg.MaxUploadSizeBytes(),
		s.store, s.engine, s.syncSvc, s.contentSvc, s.notifySvc, s.auditSvc, s.entityCache, s.bus, s.logger)

	s.updates = version.NewChecker(s.logger)

	return nil
}

// ensureBootstrapOperator seeds the first admin account when the operator
// table is empty and bootstrap credentials are configured. Without it a fresh
// install has no way to log in.
func (s *Server) ensureBootstrapOperator() error {
	if s.cfg.BootstrapAdminEmail == "" || s.cfg.BootstrapAdminPassword == "" {
		return nil
	}

	var count int64
	if err := s.db.Model(&models.Operator{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	op := models.Operator{
		ID:       uuid.NewString(),
		Email:    strings.ToLower(s.cfg.BootstrapAdminEmail),
		Password: string(hash),
		Role:     models.RoleAdmin,
	}
	if err := s.db.Create(&op).Error; err != nil {
		return err
	}

	s.logger.Info().Str("email", op.Email).Msg("bootstrap admin operator created")
	return nil
}

// HTTPServer returns the configured HTTP server for the caller to run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// DeferClose registers a cleanup function to run during Close. Cleanups run
// in reverse registration order.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close stops background workers, then releases resources in reverse
// registration order. Safe to call on a partially constructed server.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error().Err(err).Msg("close resource")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.closers = nil
	return firstErr
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.election != nil {
		if err := s.election.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("start leader election")
		}
	}

	if err := s.engine.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("start evaluation engine")
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.syncSvc.Watch(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.auditSvc.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.notifySvc.Start(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.contentSvc.RunSweeper(ctx, time.Hour, s.leaderFn)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()

	if s.entityCache != nil && s.entityCache.IsAvailable() {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runCacheInvalidationListener(ctx)
		}()
	}

	// Decisions evaluated on other instances reach local devices through the
	// shared bus. Pointless on the in-memory bus where the engine's sink
	// already delivered.
	if s.cfg.Bus != config.BusMemory {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runDecisionFanout(ctx)
		}()
	}

	if s.cfg.MetricsBind != "" {
		s.startMetricsListener()
	}

	s.updates.Start(ctx)
	s.DeferClose(func() error {
		s.updates.Stop()
		return nil
	})
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgCancel = nil
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.syncSvc != nil {
		s.syncSvc.Close()
	}
	s.bgWG.Wait()
}

// startMetricsListener serves Prometheus metrics on a separate bind address,
// keeping the scrape endpoint off the public API listener.
func (s *Server) startMetricsListener() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())

	srv := &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.metricsServer = srv

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("bind", s.cfg.MetricsBind).Msg("metrics listener failed")
		}
	}()

	s.DeferClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runCacheInvalidationListener keeps the Redis entity cache coherent with
// writes. Mutation events arrive over the shared bus, so changes made on any
// instance invalidate here too.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	screenCreated := s.bus.Subscribe(events.EventScreenCreated)
	screenUpdated := s.bus.Subscribe(events.EventScreenUpdated)
	screenDeleted := s.bus.Subscribe(events.EventScreenDeleted)
	groupUpdated := s.bus.Subscribe(events.EventGroupUpdated)
	groupDeleted := s.bus.Subscribe(events.EventGroupDeleted)
	membership := s.bus.Subscribe(events.EventMembershipChanged)
	contentBlocked := s.bus.Subscribe(events.EventContentBlocked)
	contentUnblocked := s.bus.Subscribe(events.EventContentUnblocked)
	contentDeleted := s.bus.Subscribe(events.EventContentDeleted)

	defer func() {
		s.bus.Unsubscribe(events.EventScreenCreated, screenCreated)
		s.bus.Unsubscribe(events.EventScreenUpdated, screenUpdated)
		s.bus.Unsubscribe(events.EventScreenDeleted, screenDeleted)
		s.bus.Unsubscribe(events.EventGroupUpdated, groupUpdated)
		s.bus.Unsubscribe(events.EventGroupDeleted, groupDeleted)
		s.bus.Unsubscribe(events.EventMembershipChanged, membership)
		s.bus.Unsubscribe(events.EventContentBlocked, contentBlocked)
		s.bus.Unsubscribe(events.EventContentUnblocked, contentUnblocked)
		s.bus.Unsubscribe(events.EventContentDeleted, contentDeleted)
	}()

	invalidateScreen := func(payload events.Payload) {
		if id, ok := payload["screen_id"].(string); ok && id != "" {
			if err := s.entityCache.InvalidateScreen(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("screen_id", id).Msg("invalidate screen cache")
			}
		}
		if err := s.entityCache.InvalidateScreenList(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("invalidate screen list cache")
		}
	}
	invalidateGroup := func(payload events.Payload) {
		if id, ok := payload["group_id"].(string); ok && id != "" {
			if err := s.entityCache.InvalidateGroupScreens(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("group_id", id).Msg("invalidate group cache")
			}
		}
	}
	invalidateAsset := func(payload events.Payload) {
		if id, ok := payload["asset_id"].(string); ok && id != "" {
			if err := s.entityCache.InvalidateContentAsset(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("asset_id", id).Msg("invalidate content cache")
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-screenCreated:
			invalidateScreen(payload)
		case payload := <-screenUpdated:
			invalidateScreen(payload)
		case payload := <-screenDeleted:
			invalidateScreen(payload)
		case payload := <-groupUpdated:
			invalidateGroup(payload)
		case payload := <-groupDeleted:
			invalidateGroup(payload)
		case payload := <-membership:
			invalidateGroup(payload)
		case payload := <-contentBlocked:
			invalidateAsset(payload)
		case payload := <-contentUnblocked:
			invalidateAsset(payload)
		case payload := <-contentDeleted:
			invalidateAsset(payload)
		}
	}
}

// runDecisionFanout pushes decisions evaluated on other instances to devices
// connected here. The engine tags events with its instance ID and delivers
// its own outcomes directly, so locally produced events are skipped.
func (s *Server) runDecisionFanout(ctx context.Context) {
	decisions := s.bus.Subscribe(events.EventDecisionChanged)
	defer s.bus.Unsubscribe(events.EventDecisionChanged, decisions)

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-decisions:
			origin, _ := payload["instance_id"].(string)
			if origin == s.instanceID {
				continue
			}
			for _, screenID := range fanoutScreenIDs(payload) {
				// Drop the stale cached decision first so the fresh row is
				// read back from the database.
				s.engine.Invalidate(screenID)
				if _, connected := s.syncSvc.StatusFor(screenID); !connected {
					continue
				}
				decision, err := s.engine.Decision(ctx, screenID)
				if err != nil {
					s.logger.Warn().Err(err).Str("screen_id", screenID).Msg("fan out remote decision")
					continue
				}
				s.syncSvc.Deliver(screenID, decision)
			}
		}
	}
}

func fanoutScreenIDs(payload events.Payload) []string {
	switch ids := payload["screen_ids"].(type) {
	case []string:
		if len(ids) > 0 {
			return ids
		}
	case []any:
		out := make([]string, 0, len(ids))
		for _, v := range ids {
			if id, ok := v.(string); ok && id != "" {
				out = append(out, id)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if id, ok := payload["screen_id"].(string); ok && id != "" {
		return []string{id}
	}
	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}
	s.api.Routes(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := fmt.Sprintf(`{"status":"ok","version":%q,"instance_id":%q`, version.Version, s.instanceID)
	if s.election != nil {
		resp += fmt.Sprintf(`,"leader":%t`, s.election.IsLeader())
	}
	_, _ = w.Write([]byte(resp + "}"))
}
