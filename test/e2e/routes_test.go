/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package e2e exercises the assembled HTTP API over a real listener:
// login, fleet CRUD, content upload, the device sync socket and the
// status surfaces, with the reconciliation engine running underneath.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/api"
	"github.com/friendsincode/heimdall_signage/internal/audit"
	"github.com/friendsincode/heimdall_signage/internal/config"
	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/db"
	"github.com/friendsincode/heimdall_signage/internal/devicesync"
	"github.com/friendsincode/heimdall_signage/internal/engine"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/notifications"
	"github.com/friendsincode/heimdall_signage/internal/store"
)

// testServer is a fully wired instance listening on a loopback port. The
// engine runs real workers, so decisions converge the same way they do in
// production.
type testServer struct {
	t      *testing.T
	url    string
	db     *gorm.DB
	client *http.Client
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zerolog.Nop()
	bus := events.NewBus()
	st := store.NewService(gdb, bus, logger)

	syncSvc := devicesync.NewService(devicesync.Config{
		AckTimeout:        2 * time.Second,
		HeartbeatInterval: time.Hour,
	}, gdb, bus, logger)

	eng := engine.New(engine.Config{
		InstanceID:    "e2e",
		SweepInterval: time.Hour,
	}, st, bus, syncSvc, func() bool { return true }, logger)
	syncSvc.SetSource(eng)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	contentSvc, err := content.NewService(&config.Config{
		ContentStorage: config.ContentBackendFS,
		ContentRoot:    t.TempDir(),
	}, gdb, bus, logger)
	if err != nil {
		t.Fatalf("content service: %v", err)
	}

	notifySvc := notifications.NewService(gdb, bus, notifications.Config{}, logger)
	auditSvc := audit.NewService(gdb, bus, logger)

	a := api.New(gdb, []byte("e2e-test-secret"), time.Hour, 8<<20,
		st, eng, syncSvc, contentSvc, notifySvc, auditSvc, nil, bus, logger)

	r := chi.NewRouter()
	a.Routes(r)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		syncSvc.Close()
		eng.Stop()
	})

	return &testServer{t: t, url: server.URL, db: gdb, client: server.Client()}
}

// seedAdmin writes an admin operator straight to the database; everything
// else in the tests goes through the API.
func seedAdmin(t *testing.T, s *testServer, email, password string) *models.Operator {
	t.Helper()

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	op := &models.Operator{
		ID:       uuid.NewString(),
		Email:    email,
		Password: string(hashed),
		Role:     models.RoleAdmin,
	}
	if err := s.db.Create(op).Error; err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return op
}

// doJSON sends one request and returns the response with its body fully
// read, so callers can decode without worrying about cleanup.
func (s *testServer) doJSON(method, path, token string, body any) (*http.Response, []byte) {
	s.t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.url+path, rd)
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		s.t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func (s *testServer) login(email, password string) string {
	s.t.Helper()

	resp, data := s.doJSON("POST", "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if resp.StatusCode != http.StatusOK {
		s.t.Fatalf("login %s: status %d body=%s", email, resp.StatusCode, data)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		s.t.Fatalf("decode login response: %v", err)
	}
	return out.Token
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode error body %q: %v", data, err)
	}
	return resp.Error
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublicSurface(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}
	s := startServer(t)
	seedAdmin(t, s, "root@example.com", "correct horse")

	resp, data := s.doJSON("GET", "/api/v1/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status %d body=%s", resp.StatusCode, data)
	}

	resp, _ = s.doJSON("GET", "/api/v1/screens", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list: status %d", resp.StatusCode)
	}

	resp, data = s.doJSON("POST", "/api/v1/auth/login", "", map[string]string{
		"email":    "root@example.com",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password: status %d", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Errorf("bad password error %q", code)
	}

	resp, _ = s.doJSON("GET", "/api/v1/does-not-exist", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route: status %d", resp.StatusCode)
	}
}

func TestRoleEnforcementAcrossSurfaces(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}
	s := startServer(t)
	seedAdmin(t, s, "root@example.com", "correct horse")
	admin := s.login("root@example.com", "correct horse")

	// Admin provisions the rest of the team through the API.
	for _, op := range []struct{ email, role string }{
		{"viewer@example.com", "viewer"},
		{"editor@example.com", "editor"},
	} {
		resp, data := s.doJSON("POST", "/api/v1/operators", admin, map[string]string{
			"email":    op.email,
			"password": "hunter2hunter2",
			"role":     op.role,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: status %d body=%s", op.email, resp.StatusCode, data)
		}
	}

	viewer := s.login("viewer@example.com", "hunter2hunter2")
	editor := s.login("editor@example.com", "hunter2hunter2")

	// Viewers read but never write.
	resp, _ := s.doJSON("GET", "/api/v1/screens", viewer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("viewer list: status %d", resp.StatusCode)
	}
	resp, data := s.doJSON("POST", "/api/v1/screens", viewer, map[string]string{"name": "Lobby"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer create: status %d", resp.StatusCode)
	}
	if code := errorCode(t, data); code != "insufficient_role" {
		t.Errorf("viewer create error %q", code)
	}

	// Editors manage the fleet but cannot self-approve.
	resp, data = s.doJSON("POST", "/api/v1/screens", editor, map[string]string{
		"name":     "Lobby",
		"timezone": "UTC",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("editor create screen: status %d body=%s", resp.StatusCode, data)
	}
	var screen struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &screen); err != nil {
		t.Fatalf("decode screen: %v", err)
	}

	asset := &models.ContentAsset{
		ID:    uuid.NewString(),
		Name:  "poster.png",
		State: models.AssetLive,
	}
	if err := s.db.Create(asset).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	now := time.Now().UTC()
	entryBody := map[string]any{
		"name":       "editor tries to pre-approve",
		"target":     map[string]string{"kind": "screen", "id": screen.ID},
		"content_id": asset.ID,
		"interval": map[string]any{
			"kind":     "oneshot",
			"start_at": now.Format(time.RFC3339),
			"end_at":   now.Add(time.Hour).Format(time.RFC3339),
		},
		"approve": true,
	}
	resp, data = s.doJSON("POST", "/api/v1/entries", editor, entryBody)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("editor pre-approve: status %d body=%s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "approval_not_allowed" {
		t.Errorf("editor pre-approve error %q", code)
	}

	// Audit log is admin territory.
	resp, _ = s.doJSON("GET", "/api/v1/audit", viewer, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer audit: status %d", resp.StatusCode)
	}
	resp, _ = s.doJSON("GET", "/api/v1/audit", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin audit: status %d", resp.StatusCode)
	}

	// A device token opens the sync surface, nothing else.
	resp, data = s.doJSON("POST", "/api/v1/devices/"+screen.ID+"/token", admin, map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint device token: status %d body=%s", resp.StatusCode, data)
	}
	var mint struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &mint); err != nil {
		t.Fatalf("decode mint: %v", err)
	}
	for _, path := range []string{"/api/v1/screens", "/api/v1/entries", "/api/v1/status"} {
		resp, data = s.doJSON("GET", path, mint.Token, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("device token on %s: status %d", path, resp.StatusCode)
		}
		if code := errorCode(t, data); code != "operator_token_required" {
			t.Errorf("device token on %s error %q", path, code)
		}
	}
}
