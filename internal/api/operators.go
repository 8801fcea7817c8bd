/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/auth"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

const operatorTokenTTL = 24 * time.Hour

type operatorResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func toOperatorResponse(op *models.Operator) operatorResponse {
	return operatorResponse{
		ID:        op.ID,
		Email:     op.Email,
		Role:      string(op.Role),
		CreatedAt: op.CreatedAt,
	}
}

var operatorRoles = map[models.RoleName]bool{
	models.RoleAdmin:    true,
	models.RoleApprover: true,
	models.RoleEditor:   true,
	models.RoleViewer:   true,
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "credentials_required")
		return
	}

	var operator models.Operator
	if err := a.db.WithContext(r.Context()).First(&operator, "email = ?", req.Email).Error; err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(operator.Password), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	token, err := auth.Issue(a.jwtSecret, auth.Claims{
		OperatorID: operator.ID,
		Roles:      []string{string(operator.Role)},
	}, operatorTokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to sign JWT")
		writeError(w, http.StatusInternalServerError, "token_issue_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"operator": toOperatorResponse(&operator),
	})
}

func (a *API) handleOperatorsList(w http.ResponseWriter, r *http.Request) {
	var operators []models.Operator
	if err := a.db.WithContext(r.Context()).Order("created_at ASC").Find(&operators).Error; err != nil {
		a.logger.Error().Err(err).Msg("list operators failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	out := make([]operatorResponse, len(operators))
	for i := range operators {
		out[i] = toOperatorResponse(&operators[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

func (a *API) handleOperatorsCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "credentials_required")
		return
	}

	role := models.RoleName(req.Role)
	if role == "" {
		role = models.RoleViewer
	}
	if !operatorRoles[role] {
		writeError(w, http.StatusUnprocessableEntity, "invalid_role")
		return
	}

	var count int64
	if err := a.db.WithContext(r.Context()).Model(&models.Operator{}).
		Where("email = ?", req.Email).Count(&count).Error; err != nil {
		a.logger.Error().Err(err).Msg("check operator email failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "email_taken")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		a.logger.Error().Err(err).Msg("hash password failed")
		writeError(w, http.StatusInternalServerError, "hash_failed")
		return
	}

	operator := models.Operator{
		ID:       uuid.NewString(),
		Email:    req.Email,
		Password: string(hashed),
		Role:     role,
	}
	if err := a.db.WithContext(r.Context()).Create(&operator).Error; err != nil {
		a.logger.Error().Err(err).Msg("create operator failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusCreated, toOperatorResponse(&operator))
}

func (a *API) handleOperatorRoleChange(w http.ResponseWriter, r *http.Request) {
	operatorID := chi.URLParam(r, "operatorID")

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	role := models.RoleName(req.Role)
	if !operatorRoles[role] {
		writeError(w, http.StatusUnprocessableEntity, "invalid_role")
		return
	}

	var operator models.Operator
	err := a.db.WithContext(r.Context()).First(&operator, "id = ?", operatorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("load operator failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	// Demoting the last admin would lock everyone out.
	if operator.Role == models.RoleAdmin && role != models.RoleAdmin {
		if !a.otherAdminExists(r, operator.ID) {
			writeError(w, http.StatusConflict, "last_admin")
			return
		}
	}

	oldRole := operator.Role
	operator.Role = role
	if err := a.db.WithContext(r.Context()).Save(&operator).Error; err != nil {
		a.logger.Error().Err(err).Msg("update operator role failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishAuditEvent(r, events.EventAuditOperatorRoleChange, events.Payload{
		"resource_type": "operator",
		"resource_id":   operator.ID,
		"old_role":      string(oldRole),
		"new_role":      string(role),
	})

	writeJSON(w, http.StatusOK, toOperatorResponse(&operator))
}

func (a *API) handleOperatorDelete(w http.ResponseWriter, r *http.Request) {
	operatorID := chi.URLParam(r, "operatorID")

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if claims.OperatorID == operatorID {
		writeError(w, http.StatusConflict, "cannot_delete_self")
		return
	}

	var operator models.Operator
	err := a.db.WithContext(r.Context()).First(&operator, "id = ?", operatorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("load operator failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if operator.Role == models.RoleAdmin && !a.otherAdminExists(r, operator.ID) {
		writeError(w, http.StatusConflict, "last_admin")
		return
	}

	if err := a.db.WithContext(r.Context()).Delete(&models.Operator{}, "id = ?", operatorID).Error; err != nil {
		a.logger.Error().Err(err).Msg("delete operator failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishAuditEvent(r, events.EventAuditOperatorDelete, events.Payload{
		"resource_type": "operator",
		"resource_id":   operatorID,
		"email":         operator.Email,
	})

	w.WriteHeader(http.StatusNoContent)
}

// otherAdminExists reports whether any admin besides the given operator
// remains.
func (a *API) otherAdminExists(r *http.Request, excludeID string) bool {
	var count int64
	a.db.WithContext(r.Context()).Model(&models.Operator{}).
		Where("role = ?", models.RoleAdmin).
		Where("id <> ?", excludeID).
		Count(&count)
	return count > 0
}
