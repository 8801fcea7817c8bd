package api

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

func oneShotEntryBody(name, screenID, contentID string, start, end time.Time) map[string]any {
	return map[string]any{
		"name":       name,
		"target":     map[string]string{"kind": "screen", "id": screenID},
		"content_id": contentID,
		"interval": map[string]any{
			"kind":     "oneshot",
			"start_at": start.Format(time.RFC3339),
			"end_at":   end.Format(time.RFC3339),
		},
	}
}

func TestEntriesCreate_OneShot(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	editor := operatorToken(t, a, "op-editor", string(models.RoleEditor))

	now := time.Now().UTC().Truncate(time.Second)
	rr := doJSON(t, h, "POST", "/api/v1/entries", editor,
		oneShotEntryBody("Welcome Loop", screen.ID, asset.ID, now, now.Add(2*time.Hour)))
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	var entry entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.ID == "" || entry.Name != "Welcome Loop" {
		t.Fatalf("unexpected entry payload: %+v", entry)
	}
	if entry.State != "pending" {
		t.Errorf("expected pending without approve, got %q", entry.State)
	}
	if entry.Version != 1 {
		t.Errorf("expected version 1, got %d", entry.Version)
	}
	if entry.Priority != models.PriorityNormal {
		t.Errorf("expected default priority %d, got %d", models.PriorityNormal, entry.Priority)
	}
	if entry.CreatedBy != "op-editor" {
		t.Errorf("expected created_by from claims, got %q", entry.CreatedBy)
	}
	if entry.Interval.Kind != "oneshot" || entry.Interval.StartAt == nil || !entry.Interval.StartAt.Equal(now) {
		t.Errorf("interval did not round-trip: %+v", entry.Interval)
	}

	// A pending entry leaves its asset staged.
	var reloaded models.ContentAsset
	if err := a.db.First(&reloaded, "id = ?", asset.ID).Error; err != nil {
		t.Fatalf("reload asset: %v", err)
	}
	if reloaded.State != models.AssetStaged {
		t.Errorf("expected asset staged, got %q", reloaded.State)
	}
}

func TestEntriesCreate_PreApproved(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	now := time.Now().UTC()
	body := oneShotEntryBody("Takeover", screen.ID, asset.ID, now, now.Add(time.Hour))
	body["approve"] = true
	body["priority"] = models.PriorityTakeover

	rr := doJSON(t, h, "POST", "/api/v1/entries", admin, body)
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var entry entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.State != "approved" {
		t.Errorf("expected approved, got %q", entry.State)
	}
	if entry.Priority != models.PriorityTakeover {
		t.Errorf("expected takeover priority, got %d", entry.Priority)
	}

	// Approval promotes the referenced asset to live.
	var reloaded models.ContentAsset
	if err := a.db.First(&reloaded, "id = ?", asset.ID).Error; err != nil {
		t.Fatalf("reload asset: %v", err)
	}
	if reloaded.State != models.AssetLive {
		t.Errorf("expected asset live after approval, got %q", reloaded.State)
	}
}

func TestEntriesCreate_ApprovalGate(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	editor := operatorToken(t, a, "op-editor", string(models.RoleEditor))

	now := time.Now().UTC()
	body := oneShotEntryBody("Sneaky", screen.ID, asset.ID, now, now.Add(time.Hour))
	body["approve"] = true

	rr := doJSON(t, h, "POST", "/api/v1/entries", editor, body)
	if rr.Code != 403 {
		t.Fatalf("expected 403 for editor pre-approval, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "approval_not_allowed" {
		t.Fatalf("expected approval_not_allowed, got %q", code)
	}

	// An approver may pre-approve.
	approver := operatorToken(t, a, "op-approver", string(models.RoleApprover))
	rr = doJSON(t, h, "POST", "/api/v1/entries", approver, body)
	if rr.Code != 201 {
		t.Fatalf("expected 201 for approver pre-approval, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestEntriesCreate_Validation(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	staged := seedAsset(t, a, models.AssetStaged)
	blocked := seedAsset(t, a, models.AssetBlocked)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	now := time.Now().UTC()

	tests := []struct {
		name     string
		mutate   func(body map[string]any)
		wantCode int
		wantErr  string
	}{
		{
			name: "unknown target",
			mutate: func(body map[string]any) {
				body["target"] = map[string]string{"kind": "screen", "id": "no-such-screen"}
			},
			wantCode: 422,
			wantErr:  "unknown_target",
		},
		{
			name: "blocked content",
			mutate: func(body map[string]any) {
				body["content_id"] = blocked.ID
			},
			wantCode: 422,
			wantErr:  "content_not_usable",
		},
		{
			name: "end before start",
			mutate: func(body map[string]any) {
				body["interval"] = map[string]any{
					"kind":     "oneshot",
					"start_at": now.Add(time.Hour).Format(time.RFC3339),
					"end_at":   now.Format(time.RFC3339),
				}
			},
			wantCode: 422,
			wantErr:  "invalid_interval",
		},
		{
			name: "priority out of range",
			mutate: func(body map[string]any) {
				body["priority"] = 300
			},
			wantCode: 422,
			wantErr:  "priority_out_of_range",
		},
		{
			name: "recurring bad timezone",
			mutate: func(body map[string]any) {
				body["interval"] = map[string]any{
					"kind":        "recurring",
					"days":        "mon,fri",
					"start_clock": "08:00",
					"end_clock":   "18:00",
					"timezone":    "Mars/Olympus",
				}
			},
			wantCode: 422,
			wantErr:  "invalid_timezone",
		},
		{
			name: "recurring validity out of order",
			mutate: func(body map[string]any) {
				body["interval"] = map[string]any{
					"kind":        "recurring",
					"days":        "mon,fri",
					"start_clock": "08:00",
					"end_clock":   "18:00",
					"valid_from":  now.Add(time.Hour).Format(time.RFC3339),
					"valid_until": now.Format(time.RFC3339),
				}
			},
			wantCode: 422,
			wantErr:  "invalid_interval",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := oneShotEntryBody("Entry", screen.ID, staged.ID, now, now.Add(time.Hour))
			tc.mutate(body)
			rr := doJSON(t, h, "POST", "/api/v1/entries", admin, body)
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tc.wantCode, rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tc.wantErr {
				t.Fatalf("expected error %q, got %q", tc.wantErr, code)
			}
		})
	}
}

func TestEntriesCreate_RRule(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	body := map[string]any{
		"name":       "Weekday Mornings",
		"target":     map[string]string{"kind": "screen", "id": screen.ID},
		"content_id": asset.ID,
		"rrule":      "FREQ=WEEKLY;BYDAY=MO,WE,FR",
		"interval": map[string]any{
			"start_clock": "08:00",
			"end_clock":   "12:00",
			"timezone":    "Europe/Berlin",
		},
	}
	rr := doJSON(t, h, "POST", "/api/v1/entries", admin, body)
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var entry entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.Interval.Kind != "recurring" {
		t.Errorf("expected recurring interval from rrule, got %q", entry.Interval.Kind)
	}
	if entry.Interval.Days != "mon,wed,fri" {
		t.Errorf("expected days mon,wed,fri, got %q", entry.Interval.Days)
	}
	if entry.Interval.StartClock != "08:00" || entry.Interval.EndClock != "12:00" {
		t.Errorf("clocks did not carry over: %+v", entry.Interval)
	}

	body["name"] = "Spring Campaign"
	body["rrule"] = "FREQ=WEEKLY;BYDAY=MO,WE,FR;UNTIL=20270101T000000Z"
	rr = doJSON(t, h, "POST", "/api/v1/entries", admin, body)
	if rr.Code != 201 {
		t.Fatalf("expected 201 for rrule with until, got %d body=%s", rr.Code, rr.Body.String())
	}
	entry = entryResponse{}
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	wantUntil := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if entry.Interval.ValidUntil == nil || !entry.Interval.ValidUntil.Equal(wantUntil) {
		t.Errorf("expected validity end %v from UNTIL, got %v", wantUntil, entry.Interval.ValidUntil)
	}

	body["rrule"] = "FREQ=MONTHLY;BYDAY=1MO"
	rr = doJSON(t, h, "POST", "/api/v1/entries", admin, body)
	if rr.Code != 422 {
		t.Fatalf("expected 422 for monthly rrule, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "invalid_rrule" {
		t.Fatalf("expected invalid_rrule, got %q", code)
	}
}

func TestRRuleDays(t *testing.T) {
	weekdays := interval.DaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	allDays := interval.DaysOf(time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday)

	tests := []struct {
		name      string
		rule      string
		want      interval.DaySet
		wantUntil time.Time
		wantErr   bool
	}{
		{name: "weekly three days", rule: "FREQ=WEEKLY;BYDAY=MO,WE,FR",
			want: interval.DaysOf(time.Monday, time.Wednesday, time.Friday)},
		{name: "weekly weekdays", rule: "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", want: weekdays},
		{name: "weekly weekend", rule: "FREQ=WEEKLY;BYDAY=SA,SU",
			want: interval.DaysOf(time.Saturday, time.Sunday)},
		{name: "daily means every day", rule: "FREQ=DAILY", want: allDays},
		{name: "daily with byday filter", rule: "FREQ=DAILY;BYDAY=TU,TH",
			want: interval.DaysOf(time.Tuesday, time.Thursday)},
		{name: "until becomes validity end", rule: "FREQ=WEEKLY;UNTIL=20270101T000000Z;BYDAY=MO",
			want:      interval.DaysOf(time.Monday),
			wantUntil: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "weekly without byday", rule: "FREQ=WEEKLY", wantErr: true},
		{name: "monthly rejected", rule: "FREQ=MONTHLY;BYDAY=MO", wantErr: true},
		{name: "count rejected", rule: "FREQ=WEEKLY;COUNT=10;BYDAY=MO", wantErr: true},
		{name: "biweekly rejected", rule: "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO", wantErr: true},
		{name: "garbage rejected", rule: "FREQ=SOMETIMES", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, until, err := rruleDays(tc.rule)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got days %s", tc.rule, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("rruleDays(%q): %v", tc.rule, err)
			}
			if got != tc.want {
				t.Fatalf("rruleDays(%q) = %s, want %s", tc.rule, got, tc.want)
			}
			if !until.Equal(tc.wantUntil) {
				t.Fatalf("rruleDays(%q) until = %v, want %v", tc.rule, until, tc.wantUntil)
			}
		})
	}
}

func TestEntriesUpdate_VersionFlow(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	editor := operatorToken(t, a, "op-editor", string(models.RoleEditor))

	now := time.Now().UTC()
	rr := doJSON(t, h, "POST", "/api/v1/entries", editor,
		oneShotEntryBody("Draft", screen.ID, asset.ID, now, now.Add(time.Hour)))
	if rr.Code != 201 {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}
	var entry entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/entries/"+entry.ID, editor, map[string]any{
		"expected_version": 1,
		"name":             "Final",
	})
	if rr.Code != 200 {
		t.Fatalf("update: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var updated entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if updated.Name != "Final" || updated.Version != 2 {
		t.Fatalf("expected renamed v2 entry, got %+v", updated)
	}

	// The same expected_version again has lost the race.
	rr = doJSON(t, h, "PATCH", "/api/v1/entries/"+entry.ID, editor, map[string]any{
		"expected_version": 1,
		"name":             "Stale",
	})
	if rr.Code != 409 {
		t.Fatalf("stale update: expected 409, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %q", code)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/entries/"+entry.ID, editor, map[string]any{
		"name": "No Version",
	})
	if rr.Code != 422 {
		t.Fatalf("missing version: expected 422, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "expected_version_required" {
		t.Fatalf("expected expected_version_required, got %q", code)
	}
}

func TestEntriesDelete_VersionFlow(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	editor := operatorToken(t, a, "op-editor", string(models.RoleEditor))

	now := time.Now().UTC()
	rr := doJSON(t, h, "POST", "/api/v1/entries", editor,
		oneShotEntryBody("Doomed", screen.ID, asset.ID, now, now.Add(time.Hour)))
	if rr.Code != 201 {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}
	var entry entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/entries/"+entry.ID, editor, nil)
	if rr.Code != 422 {
		t.Fatalf("delete without version: expected 422, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "expected_version_required" {
		t.Fatalf("expected expected_version_required, got %q", code)
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/entries/"+entry.ID+"?expected_version=7", editor, nil)
	if rr.Code != 409 {
		t.Fatalf("stale delete: expected 409, got %d", rr.Code)
	}

	req := httptest.NewRequest("DELETE", "/api/v1/entries/"+entry.ID, nil)
	req.Header.Set("Authorization", "Bearer "+editor)
	req.Header.Set("If-Match", `"1"`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("delete with If-Match: expected 204, got %d body=%s", rec.Code, rec.Body.String())
	}

	rr = doJSON(t, h, "GET", "/api/v1/entries/"+entry.ID, editor, nil)
	if rr.Code != 404 {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}
}

func TestEntryApproveRejectFlow(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	screen := createTestScreen(t, a, "Lobby")
	asset := seedAsset(t, a, models.AssetStaged)
	editor := operatorToken(t, a, "op-editor", string(models.RoleEditor))
	approver := operatorToken(t, a, "op-approver", string(models.RoleApprover))

	now := time.Now().UTC()
	rr := doJSON(t, h, "POST", "/api/v1/entries", editor,
		oneShotEntryBody("Campaign", screen.ID, asset.ID, now, now.Add(time.Hour)))
	if rr.Code != 201 {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}
	var entry entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	// Editors may not approve.
	rr = doJSON(t, h, "POST", "/api/v1/entries/"+entry.ID+"/approve", editor, nil)
	if rr.Code != 403 {
		t.Fatalf("editor approve: expected 403, got %d", rr.Code)
	}

	rr = doJSON(t, h, "POST", "/api/v1/entries/"+entry.ID+"/approve", approver, nil)
	if rr.Code != 200 {
		t.Fatalf("approve: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var approved entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&approved); err != nil {
		t.Fatalf("decode approve: %v", err)
	}
	if approved.State != "approved" {
		t.Errorf("expected approved, got %q", approved.State)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != "op-approver" {
		t.Errorf("expected approved_by op-approver, got %v", approved.ApprovedBy)
	}

	// Approving twice is not a valid transition.
	rr = doJSON(t, h, "POST", "/api/v1/entries/"+entry.ID+"/approve", approver, nil)
	if rr.Code != 409 {
		t.Fatalf("double approve: expected 409, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", code)
	}

	// A fresh pending entry can be rejected with a reason, and an edit
	// afterwards resets it to pending.
	rr = doJSON(t, h, "POST", "/api/v1/entries", editor,
		oneShotEntryBody("Second Campaign", screen.ID, asset.ID, now, now.Add(time.Hour)))
	if rr.Code != 201 {
		t.Fatalf("create second: expected 201, got %d", rr.Code)
	}
	var second entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&second); err != nil {
		t.Fatalf("decode second: %v", err)
	}

	rr = doJSON(t, h, "POST", "/api/v1/entries/"+second.ID+"/reject", approver,
		map[string]string{"reason": "wrong screen"})
	if rr.Code != 200 {
		t.Fatalf("reject: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var rejected entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&rejected); err != nil {
		t.Fatalf("decode reject: %v", err)
	}
	if rejected.State != "rejected" || rejected.RejectReason != "wrong screen" {
		t.Fatalf("unexpected reject payload: %+v", rejected)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/entries/"+second.ID, editor, map[string]any{
		"expected_version": rejected.Version,
		"name":             "Second Campaign v2",
	})
	if rr.Code != 200 {
		t.Fatalf("edit rejected: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var revived entryResponse
	if err := json.NewDecoder(rr.Body).Decode(&revived); err != nil {
		t.Fatalf("decode revived: %v", err)
	}
	if revived.State != "pending" || revived.RejectReason != "" {
		t.Fatalf("expected edit to reset rejection, got %+v", revived)
	}
}

func TestEntriesList_Filters(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	lobby := createTestScreen(t, a, "Lobby")
	cafe := createTestScreen(t, a, "Cafeteria")
	asset := seedAsset(t, a, models.AssetStaged)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	now := time.Now().UTC()
	for i, screenID := range []string{lobby.ID, lobby.ID, cafe.ID} {
		body := oneShotEntryBody(fmt.Sprintf("Entry %d", i), screenID, asset.ID, now, now.Add(time.Hour))
		if i == 0 {
			body["approve"] = true
		}
		rr := doJSON(t, h, "POST", "/api/v1/entries", admin, body)
		if rr.Code != 201 {
			t.Fatalf("create %d: expected 201, got %d body=%s", i, rr.Code, rr.Body.String())
		}
	}

	listLen := func(path string) int {
		t.Helper()
		rr := doJSON(t, h, "GET", path, admin, nil)
		if rr.Code != 200 {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		var resp struct {
			Entries []entryResponse `json:"entries"`
		}
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return len(resp.Entries)
	}

	if n := listLen("/api/v1/entries"); n != 3 {
		t.Errorf("expected 3 entries unfiltered, got %d", n)
	}
	if n := listLen("/api/v1/entries?target_kind=screen&target_id=" + lobby.ID); n != 2 {
		t.Errorf("expected 2 lobby entries, got %d", n)
	}
	if n := listLen("/api/v1/entries?state=approved"); n != 1 {
		t.Errorf("expected 1 approved entry, got %d", n)
	}
	if n := listLen("/api/v1/entries?state=pending"); n != 2 {
		t.Errorf("expected 2 pending entries, got %d", n)
	}

	rr := doJSON(t, h, "GET", "/api/v1/entries?from=not-a-time", admin, nil)
	if rr.Code != 400 {
		t.Fatalf("expected 400 for malformed from, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "invalid_from" {
		t.Fatalf("expected invalid_from, got %q", code)
	}
}
