/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"testing"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/heimdall_signage/internal/devicesync"
)

// screenStatus is the slice of the status document the flow assertions
// care about.
type screenStatus struct {
	Decision struct {
		Version   int     `json:"version"`
		Reason    string  `json:"reason"`
		EntryID   *string `json:"entry_id"`
		ContentID *string `json:"content_id"`
	} `json:"decision"`
	Device *struct {
		Online         bool   `json:"online"`
		State          string `json:"state"`
		LastAckVersion int    `json:"last_ack_version"`
	} `json:"device"`
}

func (s *testServer) screenStatus(t *testing.T, token, screenID string) screenStatus {
	t.Helper()

	resp, data := s.doJSON("GET", "/api/v1/screens/"+screenID+"/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("screen status: %d body=%s", resp.StatusCode, data)
	}
	var out screenStatus
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode screen status: %v", err)
	}
	return out
}

type uploadedAsset struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	SHA256 string `json:"sha256"`
}

// uploadAsset pushes bytes through the multipart upload endpoint.
func (s *testServer) uploadAsset(t *testing.T, token, name, mimeType string, blob []byte) uploadedAsset {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(blob); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	_ = mw.WriteField("name", name)
	_ = mw.WriteField("mime_type", mimeType)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest("POST", s.url+"/api/v1/content", &buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}
	var asset uploadedAsset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return asset
}

func dialDevice(t *testing.T, s *testServer, token string) *ws.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := ws.Dial(ctx, s.url+"/api/v1/device/ws?token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial device socket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func writeFrame(t *testing.T, conn *ws.Conn, frameType string, payload any) {
	t.Helper()

	f := devicesync.Frame{Type: frameType, TS: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		f.Data = data
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, ws.MessageText, raw); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

// readApply reads server frames until an apply arrives, answering pings
// along the way like a well-behaved device.
func readApply(t *testing.T, conn *ws.Conn) devicesync.ApplyPayload {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read device frame: %v", err)
		}
		var f devicesync.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad server frame: %v", err)
		}
		switch f.Type {
		case devicesync.FrameApply:
			var apply devicesync.ApplyPayload
			if err := json.Unmarshal(f.Data, &apply); err != nil {
				t.Fatalf("bad apply payload: %v", err)
			}
			return apply
		case devicesync.FramePing:
			writeFrame(t, conn, devicesync.FramePong, nil)
		}
	}
}

// TestOperatorToDeviceFlow walks the whole lifecycle through public
// surfaces only: an admin provisions a screen, uploads content and
// schedules it; the engine converges; a device syncs over the websocket,
// fetches the blob and acknowledges; the status surfaces reflect all of
// it.
func TestOperatorToDeviceFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}
	s := startServer(t)
	seedAdmin(t, s, "root@example.com", "correct horse")
	admin := s.login("root@example.com", "correct horse")

	var screenID string
	t.Run("screen is provisioned", func(t *testing.T) {
		resp, data := s.doJSON("POST", "/api/v1/screens", admin, map[string]string{
			"name":     "Lobby North",
			"location": "HQ / Floor 1",
			"timezone": "UTC",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create screen: status %d body=%s", resp.StatusCode, data)
		}
		var screen struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &screen); err != nil {
			t.Fatalf("decode screen: %v", err)
		}
		if screen.ID == "" || screen.Name != "Lobby North" {
			t.Fatalf("unexpected screen document: %+v", screen)
		}
		screenID = screen.ID
	})

	blob := []byte("not really a png, but the pipeline does not care")
	var asset uploadedAsset
	t.Run("content is uploaded staged", func(t *testing.T) {
		asset = s.uploadAsset(t, admin, "welcome.png", "image/png", blob)
		if asset.State != "staged" {
			t.Errorf("fresh upload state %q, want staged", asset.State)
		}
		if asset.SHA256 == "" {
			t.Error("upload response missing sha256")
		}
	})

	t.Run("approved entry goes live", func(t *testing.T) {
		now := time.Now().UTC()
		resp, data := s.doJSON("POST", "/api/v1/entries", admin, map[string]any{
			"name":       "welcome loop",
			"target":     map[string]string{"kind": "screen", "id": screenID},
			"content_id": asset.ID,
			"interval": map[string]any{
				"kind":     "oneshot",
				"start_at": now.Add(-time.Minute).Format(time.RFC3339),
				"end_at":   now.Add(time.Hour).Format(time.RFC3339),
			},
			"approve": true,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create entry: status %d body=%s", resp.StatusCode, data)
		}
		var entry struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		if entry.State != "approved" {
			t.Errorf("entry state %q, want approved", entry.State)
		}

		// Approval promotes the referenced content out of staging.
		resp, data = s.doJSON("GET", "/api/v1/content/"+asset.ID, admin, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get asset: status %d", resp.StatusCode)
		}
		var got uploadedAsset
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decode asset: %v", err)
		}
		if got.State != "live" {
			t.Errorf("asset state after approval %q, want live", got.State)
		}
	})

	var winnerVersion int
	t.Run("engine converges on the winner", func(t *testing.T) {
		waitFor(t, 5*time.Second, "winner decision", func() bool {
			status := s.screenStatus(t, admin, screenID)
			if status.Decision.Reason != "winner" {
				return false
			}
			winnerVersion = status.Decision.Version
			return status.Decision.ContentID != nil && *status.Decision.ContentID == asset.ID
		})
		t.Logf("decision converged at version %d", winnerVersion)
	})

	var deviceTok string
	t.Run("device token is minted", func(t *testing.T) {
		resp, data := s.doJSON("POST", "/api/v1/devices/"+screenID+"/token", admin, map[string]any{})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("mint token: status %d body=%s", resp.StatusCode, data)
		}
		var mint struct {
			Token    string `json:"token"`
			ScreenID string `json:"screen_id"`
		}
		if err := json.Unmarshal(data, &mint); err != nil {
			t.Fatalf("decode mint: %v", err)
		}
		if mint.ScreenID != screenID || mint.Token == "" {
			t.Fatalf("unexpected mint document: %+v", mint)
		}
		deviceTok = mint.Token
	})

	conn := dialDevice(t, s, deviceTok)
	var applied devicesync.ApplyPayload
	t.Run("device syncs and acknowledges", func(t *testing.T) {
		writeFrame(t, conn, devicesync.FrameHello, devicesync.HelloPayload{Agent: "e2e/1.0"})

		applied = readApply(t, conn)
		if applied.Version < winnerVersion {
			t.Errorf("resync version %d behind converged %d", applied.Version, winnerVersion)
		}
		if applied.Reason != "winner" {
			t.Errorf("resync reason %q, want winner", applied.Reason)
		}
		if applied.ContentID == nil || *applied.ContentID != asset.ID {
			t.Errorf("resync content %v, want %s", applied.ContentID, asset.ID)
		}

		writeFrame(t, conn, devicesync.FrameAck, devicesync.AckPayload{Version: applied.Version})
		waitFor(t, 5*time.Second, "ack to reach status", func() bool {
			status := s.screenStatus(t, admin, screenID)
			return status.Device != nil && status.Device.Online &&
				status.Device.LastAckVersion == applied.Version
		})
	})

	t.Run("device fetches the blob it was told to show", func(t *testing.T) {
		req, err := http.NewRequest("GET", s.url+"/api/v1/content/"+asset.ID+"/blob", nil)
		if err != nil {
			t.Fatalf("build blob request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+deviceTok)

		resp, err := s.client.Do(req)
		if err != nil {
			t.Fatalf("fetch blob: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fetch blob: status %d", resp.StatusCode)
		}
		if resp.Header.Get("ETag") == "" {
			t.Error("blob response missing ETag")
		}
		var got bytes.Buffer
		if _, err := got.ReadFrom(resp.Body); err != nil {
			t.Fatalf("read blob: %v", err)
		}
		if !bytes.Equal(got.Bytes(), blob) {
			t.Errorf("blob bytes differ: got %d bytes, want %d", got.Len(), len(blob))
		}
	})

	t.Run("fleet status counts the live session", func(t *testing.T) {
		resp, data := s.doJSON("GET", "/api/v1/status", admin, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fleet status: %d body=%s", resp.StatusCode, data)
		}
		var fleet struct {
			Screens int64 `json:"screens"`
			Devices struct {
				Online int `json:"online"`
			} `json:"devices"`
		}
		if err := json.Unmarshal(data, &fleet); err != nil {
			t.Fatalf("decode fleet status: %v", err)
		}
		if fleet.Screens != 1 {
			t.Errorf("fleet screens %d, want 1", fleet.Screens)
		}
		if fleet.Devices.Online != 1 {
			t.Errorf("fleet online devices %d, want 1", fleet.Devices.Online)
		}
	})

	t.Run("disconnect flips the session offline", func(t *testing.T) {
		conn.Close(ws.StatusNormalClosure, "screen rebooting")
		waitFor(t, 5*time.Second, "offline status", func() bool {
			status := s.screenStatus(t, admin, screenID)
			return status.Device != nil && !status.Device.Online &&
				status.Device.State == "offline"
		})
	})
}

// TestApprovalWorkflow drives the pending/approved/rejected lifecycle
// through the API with separate editor and approver accounts.
func TestApprovalWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}
	s := startServer(t)
	seedAdmin(t, s, "root@example.com", "correct horse")
	admin := s.login("root@example.com", "correct horse")

	for _, op := range []struct{ email, role string }{
		{"editor@example.com", "editor"},
		{"approver@example.com", "approver"},
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
	editor := s.login("editor@example.com", "hunter2hunter2")
	approver := s.login("approver@example.com", "hunter2hunter2")

	resp, data := s.doJSON("POST", "/api/v1/screens", admin, map[string]string{
		"name":     "Cafeteria",
		"timezone": "UTC",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create screen: status %d", resp.StatusCode)
	}
	var screen struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &screen); err != nil {
		t.Fatalf("decode screen: %v", err)
	}

	menu := s.uploadAsset(t, editor, "menu.png", "image/png", []byte("menu bytes"))

	now := time.Now().UTC()
	makeEntry := func(name string, contentID string) string {
		t.Helper()
		resp, data := s.doJSON("POST", "/api/v1/entries", editor, map[string]any{
			"name":       name,
			"target":     map[string]string{"kind": "screen", "id": screen.ID},
			"content_id": contentID,
			"interval": map[string]any{
				"kind":     "oneshot",
				"start_at": now.Add(-time.Minute).Format(time.RFC3339),
				"end_at":   now.Add(time.Hour).Format(time.RFC3339),
			},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create entry %s: status %d body=%s", name, resp.StatusCode, data)
		}
		var entry struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		if entry.State != "pending" {
			t.Fatalf("entry %s state %q, want pending", name, entry.State)
		}
		return entry.ID
	}

	entryID := makeEntry("lunch menu", menu.ID)

	// Pending entries never reach the screen.
	time.Sleep(300 * time.Millisecond)
	if status := s.screenStatus(t, admin, screen.ID); status.Decision.Reason == "winner" {
		t.Fatalf("pending entry won the screen: %+v", status.Decision)
	}

	resp, data = s.doJSON("POST", "/api/v1/entries/"+entryID+"/approve", approver, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d body=%s", resp.StatusCode, data)
	}
	var approvedEntry struct {
		State      string  `json:"state"`
		ApprovedBy *string `json:"approved_by"`
	}
	if err := json.Unmarshal(data, &approvedEntry); err != nil {
		t.Fatalf("decode approved entry: %v", err)
	}
	if approvedEntry.State != "approved" || approvedEntry.ApprovedBy == nil {
		t.Fatalf("approve result: %+v", approvedEntry)
	}

	waitFor(t, 5*time.Second, "approved entry to win", func() bool {
		status := s.screenStatus(t, admin, screen.ID)
		return status.Decision.Reason == "winner" &&
			status.Decision.ContentID != nil && *status.Decision.ContentID == menu.ID
	})

	// A rejected entry stays off the screen no matter its priority.
	special := s.uploadAsset(t, editor, "special.png", "image/png", []byte("special bytes"))
	rejectID := makeEntry("flash special", special.ID)

	resp, data = s.doJSON("POST", "/api/v1/entries/"+rejectID+"/reject", approver, map[string]string{
		"reason": "wrong aspect ratio",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: status %d body=%s", resp.StatusCode, data)
	}
	var rejectedEntry struct {
		State        string `json:"state"`
		RejectReason string `json:"reject_reason"`
	}
	if err := json.Unmarshal(data, &rejectedEntry); err != nil {
		t.Fatalf("decode rejected entry: %v", err)
	}
	if rejectedEntry.State != "rejected" || rejectedEntry.RejectReason != "wrong aspect ratio" {
		t.Fatalf("reject result: %+v", rejectedEntry)
	}

	time.Sleep(300 * time.Millisecond)
	status := s.screenStatus(t, admin, screen.ID)
	if status.Decision.ContentID == nil || *status.Decision.ContentID != menu.ID {
		t.Errorf("rejection disturbed the decision: %+v", status.Decision)
	}
}
