package api

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendsincode/heimdall_signage/internal/models"
)

func TestLogin(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	op := &models.Operator{
		ID:       uuid.NewString(),
		Email:    "ops@example.com",
		Password: string(hash),
		Role:     models.RoleEditor,
	}
	if err := a.db.Create(op).Error; err != nil {
		t.Fatalf("seed operator: %v", err)
	}

	rr := doJSON(t, h, "POST", "/api/v1/auth/login", "", map[string]string{
		"email":    "ops@example.com",
		"password": "hunter2",
	})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token    string           `json:"token"`
		Operator operatorResponse `json:"operator"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.Operator.Email != "ops@example.com" || resp.Operator.Role != "editor" {
		t.Fatalf("unexpected login payload: %+v", resp)
	}

	// The issued token works against the operator surface.
	rr = doJSON(t, h, "GET", "/api/v1/screens", resp.Token, nil)
	if rr.Code != 200 {
		t.Fatalf("expected issued token to authenticate, got %d", rr.Code)
	}

	// Neither a wrong password nor an unknown email reveals which one
	// was wrong.
	for _, body := range []map[string]string{
		{"email": "ops@example.com", "password": "wrong"},
		{"email": "ghost@example.com", "password": "hunter2"},
	} {
		rr = doJSON(t, h, "POST", "/api/v1/auth/login", "", body)
		if rr.Code != 401 {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
		if code := errorCode(t, rr); code != "invalid_credentials" {
			t.Fatalf("expected invalid_credentials, got %q", code)
		}
	}

	rr = doJSON(t, h, "POST", "/api/v1/auth/login", "", map[string]string{"email": "ops@example.com"})
	if rr.Code != 400 {
		t.Fatalf("expected 400 for missing password, got %d", rr.Code)
	}
}

func TestOperatorsCreate(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	root := seedOperator(t, a, "root@example.com", models.RoleAdmin)
	admin := operatorToken(t, a, root.ID, string(models.RoleAdmin))

	rr := doJSON(t, h, "POST", "/api/v1/operators", admin, map[string]string{
		"email":    "new@example.com",
		"password": "s3cret-pw",
		"role":     "approver",
	})
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created operatorResponse
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Email != "new@example.com" || created.Role != "approver" {
		t.Fatalf("unexpected create payload: %+v", created)
	}

	// The duplicate email is refused.
	rr = doJSON(t, h, "POST", "/api/v1/operators", admin, map[string]string{
		"email":    "new@example.com",
		"password": "other-pw",
	})
	if rr.Code != 409 {
		t.Fatalf("expected 409 for duplicate email, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "email_taken" {
		t.Fatalf("expected email_taken, got %q", code)
	}

	rr = doJSON(t, h, "POST", "/api/v1/operators", admin, map[string]string{
		"email":    "weird@example.com",
		"password": "pw",
		"role":     "superuser",
	})
	if rr.Code != 422 {
		t.Fatalf("expected 422 for unknown role, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "invalid_role" {
		t.Fatalf("expected invalid_role, got %q", code)
	}

	// Device is a token scope, not an assignable operator role.
	rr = doJSON(t, h, "POST", "/api/v1/operators", admin, map[string]string{
		"email":    "screen@example.com",
		"password": "pw",
		"role":     "device",
	})
	if rr.Code != 422 {
		t.Fatalf("expected 422 for device role, got %d", rr.Code)
	}

	// Only admins reach the operator management surface.
	editor := operatorToken(t, a, "op-editor", string(models.RoleEditor))
	rr = doJSON(t, h, "GET", "/api/v1/operators", editor, nil)
	if rr.Code != 403 {
		t.Fatalf("expected 403 for editor, got %d", rr.Code)
	}
}

func TestOperatorRoleChange(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	root := seedOperator(t, a, "root@example.com", models.RoleAdmin)
	other := seedOperator(t, a, "other@example.com", models.RoleEditor)
	admin := operatorToken(t, a, root.ID, string(models.RoleAdmin))

	rr := doJSON(t, h, "PATCH", "/api/v1/operators/"+other.ID+"/role", admin,
		map[string]string{"role": "approver"})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var changed operatorResponse
	if err := json.NewDecoder(rr.Body).Decode(&changed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if changed.Role != "approver" {
		t.Fatalf("expected approver, got %q", changed.Role)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/operators/"+other.ID+"/role", admin,
		map[string]string{"role": "czar"})
	if rr.Code != 422 {
		t.Fatalf("expected 422 for unknown role, got %d", rr.Code)
	}

	rr = doJSON(t, h, "PATCH", "/api/v1/operators/no-such-operator/role", admin,
		map[string]string{"role": "viewer"})
	if rr.Code != 404 {
		t.Fatalf("expected 404 for unknown operator, got %d", rr.Code)
	}

	// Demoting the only admin would lock the fleet.
	rr = doJSON(t, h, "PATCH", "/api/v1/operators/"+root.ID+"/role", admin,
		map[string]string{"role": "viewer"})
	if rr.Code != 409 {
		t.Fatalf("expected 409 demoting the last admin, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "last_admin" {
		t.Fatalf("expected last_admin, got %q", code)
	}

	// With a second admin present the demotion goes through.
	seedOperator(t, a, "second@example.com", models.RoleAdmin)
	rr = doJSON(t, h, "PATCH", "/api/v1/operators/"+root.ID+"/role", admin,
		map[string]string{"role": "viewer"})
	if rr.Code != 200 {
		t.Fatalf("expected 200 with another admin, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestOperatorDelete(t *testing.T) {
	a := newTestAPI(t)
	h := newTestRouter(a)
	root := seedOperator(t, a, "root@example.com", models.RoleAdmin)
	victim := seedOperator(t, a, "victim@example.com", models.RoleViewer)
	admin := operatorToken(t, a, root.ID, string(models.RoleAdmin))

	rr := doJSON(t, h, "DELETE", "/api/v1/operators/"+root.ID, admin, nil)
	if rr.Code != 409 {
		t.Fatalf("expected 409 for self delete, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "cannot_delete_self" {
		t.Fatalf("expected cannot_delete_self, got %q", code)
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/operators/"+victim.ID, admin, nil)
	if rr.Code != 204 {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}

	var count int64
	if err := a.db.Model(&models.Operator{}).Where("id = ?", victim.ID).Count(&count).Error; err != nil {
		t.Fatalf("count operators: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected operator row removed")
	}

	rr = doJSON(t, h, "DELETE", "/api/v1/operators/"+victim.ID, admin, nil)
	if rr.Code != 404 {
		t.Fatalf("expected 404 for repeat delete, got %d", rr.Code)
	}
}
