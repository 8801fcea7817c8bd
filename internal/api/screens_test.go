package api

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/store"
)

func TestScreensLifecycle(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	rr := doJSON(t, h, "POST", "/api/v1/screens", admin, map[string]any{
		"name":     "Lobby",
		"location": "Building A",
		"timezone": "Europe/Berlin",
		"metadata": map[string]any{"orientation": "landscape"},
	})
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created screenResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.Name != "Lobby" || created.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected create payload: %+v", created)
	}

	rr = doJSON(t, h, "GET", "/api/v1/screens", admin, nil)
	if rr.Code != 200 {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	var list struct {
		Screens []screenResponse `json:"screens"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Screens) != 1 || list.Screens[0].ID != created.ID {
		t.Fatalf("unexpected list payload: %+v", list.Screens)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/screens/"+created.ID, admin, map[string]any{
		"name":     "Main Lobby",
		"location": "Building B",
	})
	if rr.Code != 200 {
		t.Fatalf("update: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var updated screenResponse
	if err := json.NewDecoder(rr.Body).Decode(&updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if updated.Name != "Main Lobby" || updated.Location != "Building B" {
		t.Fatalf("unexpected update payload: %+v", updated)
	}
	if updated.Timezone != "Europe/Berlin" {
		t.Fatalf("patch must not clear unset fields, timezone=%q", updated.Timezone)
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/screens/"+created.ID, admin, nil)
	if rr.Code != 204 {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}

	rr = doJSON(t, h, "GET", "/api/v1/screens/"+created.ID, admin, nil)
	if rr.Code != 404 {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}
}

func TestScreensCreate_Validation(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))
	createTestScreen(t, a, "Lobby")

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{
			name:     "empty name",
			body:     map[string]any{"name": "  "},
			wantCode: 422,
			wantErr:  "name_required",
		},
		{
			name:     "bad timezone",
			body:     map[string]any{"name": "Atrium", "timezone": "Mars/Olympus"},
			wantCode: 422,
			wantErr:  "invalid_timezone",
		},
		{
			name:     "duplicate name",
			body:     map[string]any{"name": "Lobby"},
			wantCode: 409,
			wantErr:  "name_taken",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, h, "POST", "/api/v1/screens", admin, tc.body)
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tc.wantCode, rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tc.wantErr {
				t.Fatalf("expected error %q, got %q", tc.wantErr, code)
			}
		})
	}
}

func TestScreenStatus_IdleWithoutDevice(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	viewer := operatorToken(t, a, "op-viewer", string(models.RoleViewer))

	rr := doJSON(t, h, "GET", "/api/v1/screens/"+screen.ID+"/status", viewer, nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ScreenID string           `json:"screen_id"`
		Decision decisionResponse `json:"decision"`
		Device   *json.RawMessage `json:"device"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ScreenID != screen.ID {
		t.Errorf("expected screen_id %s, got %s", screen.ID, resp.ScreenID)
	}
	if resp.Decision.Reason != "idle" || resp.Decision.Version != 0 {
		t.Errorf("expected version-zero idle decision, got %+v", resp.Decision)
	}
	if resp.Device != nil && string(*resp.Device) != "null" {
		t.Errorf("expected null device, got %s", *resp.Device)
	}

	rr = doJSON(t, h, "GET", "/api/v1/screens/no-such-screen/status", viewer, nil)
	if rr.Code != 404 {
		t.Fatalf("expected 404 for unknown screen, got %d", rr.Code)
	}
}

func TestScreenStatus_PersistedSession(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	viewer := operatorToken(t, a, "op-viewer", string(models.RoleViewer))

	now := time.Now().UTC()
	sess := models.DeviceSession{
		ScreenID:       screen.ID,
		SessionID:      "sess-1",
		State:          models.DeviceOnline,
		RemoteAddr:     "10.0.0.7:5123",
		ConnectedAt:    now.Add(-time.Hour),
		LastSeenAt:     now,
		LastAckVersion: 4,
	}
	if err := a.db.Create(&sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rr := doJSON(t, h, "GET", "/api/v1/screens/"+screen.ID+"/status", viewer, nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Device *deviceSessionResponse `json:"device"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Device == nil {
		t.Fatalf("expected persisted device session in response")
	}
	if resp.Device.State != "online" || !resp.Device.Online {
		t.Errorf("expected online session, got %+v", resp.Device)
	}
	if resp.Device.LastAckVersion != 4 {
		t.Errorf("expected last_ack_version 4, got %d", resp.Device.LastAckVersion)
	}
}

func TestScreenPreview_WinnerAndCandidates(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	viewer := operatorToken(t, a, "op-viewer", string(models.RoleViewer))

	now := time.Now().UTC().Truncate(time.Second)
	entry, err := a.store.CreateEntry(context.Background(), store.CreateEntryRequest{
		Name:      "Welcome Loop",
		Target:    store.Target{Kind: models.TargetScreen, ID: screen.ID},
		ContentID: asset.ID,
		Priority:  models.PriorityNormal,
		Interval:  interval.OneShot(now.Add(-time.Hour), now.Add(time.Hour)),
		CreatedBy: "op-admin",
		Approve:   true,
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}

	path := fmt.Sprintf("/api/v1/screens/%s/preview?at=%s", screen.ID, now.Format(time.RFC3339))
	rr := doJSON(t, h, "GET", path, viewer, nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Winner *struct {
			EntryID   string `json:"entry_id"`
			ContentID string `json:"content_id"`
			Priority  int    `json:"priority"`
		} `json:"winner"`
		Candidates []struct {
			EntryID string `json:"entry_id"`
			Rank    int    `json:"rank"`
			Won     bool   `json:"won"`
			Reason  string `json:"reason"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Winner == nil || resp.Winner.EntryID != entry.ID || resp.Winner.ContentID != asset.ID {
		t.Fatalf("unexpected winner: %+v", resp.Winner)
	}
	if len(resp.Candidates) != 1 || !resp.Candidates[0].Won || resp.Candidates[0].Reason != "won" {
		t.Fatalf("unexpected candidates: %+v", resp.Candidates)
	}

	// Outside the window nothing applies.
	path = fmt.Sprintf("/api/v1/screens/%s/preview?at=%s", screen.ID, now.Add(26*time.Hour).Format(time.RFC3339))
	rr = doJSON(t, h, "GET", path, viewer, nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var later struct {
		Winner *json.RawMessage `json:"winner"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&later); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if later.Winner != nil && string(*later.Winner) != "null" {
		t.Fatalf("expected no winner outside window, got %s", *later.Winner)
	}

	rr = doJSON(t, h, "GET", "/api/v1/screens/"+screen.ID+"/preview?at=yesterday", viewer, nil)
	if rr.Code != 400 {
		t.Fatalf("expected 400 for malformed at, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "invalid_at" {
		t.Fatalf("expected invalid_at, got %q", code)
	}

	rr = doJSON(t, h, "GET", "/api/v1/screens/no-such-screen/preview", viewer, nil)
	if rr.Code != 404 {
		t.Fatalf("expected 404 for unknown screen, got %d", rr.Code)
	}
}
