package api

import (
	"encoding/json"
	"testing"

	"github.com/friendsincode/heimdall_signage/internal/models"
)

func TestGroupsLifecycle(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	rr := doJSON(t, h, "POST", "/api/v1/groups", admin, map[string]any{
		"name":        "Ground Floor",
		"description": "Lobby and cafeteria displays",
	})
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created groupResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.ID == "" || created.Name != "Ground Floor" {
		t.Fatalf("unexpected create payload: %+v", created)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/groups/"+created.ID, admin, map[string]any{
		"description": "All ground floor displays",
	})
	if rr.Code != 200 {
		t.Fatalf("update: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var updated groupResponse
	if err := json.NewDecoder(rr.Body).Decode(&updated); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if updated.Name != "Ground Floor" || updated.Description != "All ground floor displays" {
		t.Fatalf("unexpected update payload: %+v", updated)
	}

	rr = doJSON(t, h, "GET", "/api/v1/groups", admin, nil)
	if rr.Code != 200 {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	var list struct {
		Groups []groupResponse `json:"groups"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(list.Groups))
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/groups/"+created.ID, admin, nil)
	if rr.Code != 204 {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	rr = doJSON(t, h, "GET", "/api/v1/groups/"+created.ID, admin, nil)
	if rr.Code != 404 {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}
}

func TestGroupMembership(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	lobby := createTestScreen(t, a, "Lobby")
	cafe := createTestScreen(t, a, "Cafeteria")

	rr := doJSON(t, h, "POST", "/api/v1/groups", admin, map[string]any{"name": "Ground Floor"})
	if rr.Code != 201 {
		t.Fatalf("create group: expected 201, got %d", rr.Code)
	}
	var group groupResponse
	if err := json.NewDecoder(rr.Body).Decode(&group); err != nil {
		t.Fatalf("decode group: %v", err)
	}

	for _, screenID := range []string{lobby.ID, cafe.ID} {
		rr = doJSON(t, h, "PUT", "/api/v1/groups/"+group.ID+"/screens/"+screenID, admin, nil)
		if rr.Code != 204 {
			t.Fatalf("add %s: expected 204, got %d body=%s", screenID, rr.Code, rr.Body.String())
		}
	}

	// Adding an existing member is a no-op, not an error.
	rr = doJSON(t, h, "PUT", "/api/v1/groups/"+group.ID+"/screens/"+lobby.ID, admin, nil)
	if rr.Code != 204 {
		t.Fatalf("re-add member: expected 204, got %d", rr.Code)
	}

	rr = doJSON(t, h, "GET", "/api/v1/groups/"+group.ID+"/screens", admin, nil)
	if rr.Code != 200 {
		t.Fatalf("list members: expected 200, got %d", rr.Code)
	}
	var members struct {
		Screens []screenResponse `json:"screens"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	if len(members.Screens) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members.Screens))
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/groups/"+group.ID+"/screens/"+cafe.ID, admin, nil)
	if rr.Code != 204 {
		t.Fatalf("remove member: expected 204, got %d", rr.Code)
	}
	rr = doJSON(t, h, "GET", "/api/v1/groups/"+group.ID+"/screens", admin, nil)
	if err := json.NewDecoder(rr.Body).Decode(&members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	if len(members.Screens) != 1 || members.Screens[0].ID != lobby.ID {
		t.Fatalf("expected only lobby remaining, got %+v", members.Screens)
	}
}

func TestGroupScreens_UnknownGroup(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	viewer := operatorToken(t, a, "op-viewer", string(models.RoleViewer))

	rr := doJSON(t, h, "GET", "/api/v1/groups/no-such-group/screens", viewer, nil)
	if rr.Code != 404 {
		t.Fatalf("expected 404 for unknown group, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestGroupsCreate_Validation(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	admin := operatorToken(t, a, "op-admin", string(models.RoleAdmin))

	rr := doJSON(t, h, "POST", "/api/v1/groups", admin, map[string]any{"name": ""})
	if rr.Code != 422 {
		t.Fatalf("expected 422 for empty name, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "name_required" {
		t.Fatalf("expected name_required, got %q", code)
	}

	rr = doJSON(t, h, "POST", "/api/v1/groups", admin, map[string]any{"name": "Ground Floor"})
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	rr = doJSON(t, h, "POST", "/api/v1/groups", admin, map[string]any{"name": "Ground Floor"})
	if rr.Code != 409 {
		t.Fatalf("expected 409 for duplicate name, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "name_taken" {
		t.Fatalf("expected name_taken, got %q", code)
	}
}
