/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/teambition/rrule-go"

	"github.com/friendsincode/heimdall_signage/internal/auth"
	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/store"
)

var errRRuleUnsupported = errors.New("rrule not expressible as a weekly day set")

type targetPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// intervalPayload is the wire form of an interval. One-shot windows use
// start_at/end_at; recurring rules use days plus HH:MM clocks and an
// optional valid_from/valid_until range.
type intervalPayload struct {
	Kind       string     `json:"kind"`
	StartAt    *time.Time `json:"start_at,omitempty"`
	EndAt      *time.Time `json:"end_at,omitempty"`
	Days       string     `json:"days,omitempty"`
	StartClock string     `json:"start_clock,omitempty"`
	EndClock   string     `json:"end_clock,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

type entryCreateRequest struct {
	Name      string          `json:"name"`
	Target    targetPayload   `json:"target"`
	ContentID string          `json:"content_id"`
	Priority  int             `json:"priority"`
	Interval  intervalPayload `json:"interval"`
	// RRule optionally replaces interval.days with the weekdays of a
	// FREQ=WEEKLY or FREQ=DAILY rule; an UNTIL clause becomes the
	// validity end. Clocks and timezone still come from the interval
	// payload.
	RRule   string `json:"rrule,omitempty"`
	Approve bool   `json:"approve"`
}

type entryUpdateRequest struct {
	ExpectedVersion int              `json:"expected_version"`
	Name            *string          `json:"name"`
	Target          *targetPayload   `json:"target"`
	ContentID       *string          `json:"content_id"`
	Priority        *int             `json:"priority"`
	Interval        *intervalPayload `json:"interval"`
}

type entryResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Target       targetPayload   `json:"target"`
	ContentID    string          `json:"content_id"`
	Priority     int             `json:"priority"`
	State        string          `json:"state"`
	Version      int             `json:"version"`
	Interval     intervalPayload `json:"interval"`
	CreatedBy    string          `json:"created_by,omitempty"`
	ApprovedBy   *string         `json:"approved_by,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toIntervalPayload(iv interval.Interval) intervalPayload {
	p := intervalPayload{Kind: string(iv.Kind)}
	switch iv.Kind {
	case interval.KindOneShot:
		start, end := iv.StartAt, iv.EndAt
		p.StartAt, p.EndAt = &start, &end
	case interval.KindRecurring:
		p.Days = iv.Days.String()
		p.StartClock = iv.StartClock.String()
		p.EndClock = iv.EndClock.String()
		p.Timezone = iv.Timezone
		if !iv.ValidFrom.IsZero() {
			from := iv.ValidFrom
			p.ValidFrom = &from
		}
		if !iv.ValidUntil.IsZero() {
			until := iv.ValidUntil
			p.ValidUntil = &until
		}
	}
	return p
}

func toEntryResponse(e *models.ScheduleEntry) entryResponse {
	return entryResponse{
		ID:           e.ID,
		Name:         e.Name,
		Target:       targetPayload{Kind: string(e.TargetKind), ID: e.TargetID},
		ContentID:    e.ContentID,
		Priority:     e.Priority,
		State:        string(e.State),
		Version:      e.Version,
		Interval:     toIntervalPayload(e.Interval()),
		CreatedBy:    e.CreatedBy,
		ApprovedBy:   e.ApprovedBy,
		RejectReason: e.RejectReason,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// parseIntervalPayload builds an interval from its wire form. Structural
// validation (ordering, duration caps, timezone) happens later in the
// store; this only rejects payloads that cannot be assembled at all.
func parseIntervalPayload(p intervalPayload) (interval.Interval, error) {
	switch interval.Kind(p.Kind) {
	case interval.KindOneShot:
		if p.StartAt == nil || p.EndAt == nil {
			return interval.Interval{}, fmt.Errorf("%w: oneshot needs start_at and end_at", interval.ErrBadKind)
		}
		return interval.OneShot(*p.StartAt, *p.EndAt), nil
	case interval.KindRecurring:
		days, err := interval.ParseDays(p.Days)
		if err != nil {
			return interval.Interval{}, err
		}
		start, err := interval.ParseClock(p.StartClock)
		if err != nil {
			return interval.Interval{}, err
		}
		end, err := interval.ParseClock(p.EndClock)
		if err != nil {
			return interval.Interval{}, err
		}
		iv := interval.Recurring(days, start, end, p.Timezone)
		if p.ValidFrom != nil {
			iv.ValidFrom = p.ValidFrom.UTC()
		}
		if p.ValidUntil != nil {
			iv.ValidUntil = p.ValidUntil.UTC()
		}
		return iv, nil
	default:
		return interval.Interval{}, fmt.Errorf("%w: %q", interval.ErrBadKind, p.Kind)
	}
}

// rruleDays converts a plain weekly or daily RRULE into the day set it
// covers. UNTIL, when present, is returned as the end of the rule's
// validity range. Rules with COUNT, an interval above one or any other
// frequency do not fit the weekly scheduling model and are rejected.
func rruleDays(raw string) (interval.DaySet, time.Time, error) {
	rule, err := rrule.StrToRRule(raw)
	if err != nil {
		return 0, time.Time{}, err
	}

	opts := rule.OrigOptions
	if opts.Count != 0 || opts.Interval > 1 {
		return 0, time.Time{}, errRRuleUnsupported
	}
	until := opts.Until.UTC()
	if opts.Until.IsZero() {
		until = time.Time{}
	}

	switch opts.Freq {
	case rrule.WEEKLY:
		if len(opts.Byweekday) == 0 {
			return 0, time.Time{}, errRRuleUnsupported
		}
	case rrule.DAILY:
		if len(opts.Byweekday) == 0 {
			return interval.DaysOf(
				time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
				time.Thursday, time.Friday, time.Saturday,
			), until, nil
		}
	default:
		return 0, time.Time{}, errRRuleUnsupported
	}

	var days interval.DaySet
	for _, wd := range opts.Byweekday {
		if wd.N() != 0 {
			// Ordinal BYDAY (1MO, -1FR) is a monthly concept.
			return 0, time.Time{}, errRRuleUnsupported
		}
		// rrule counts Monday as 0; time.Weekday counts Sunday as 0.
		days |= interval.DaysOf(time.Weekday((wd.Day() + 1) % 7))
	}
	return days, until, nil
}

func (a *API) handleEntriesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EntryFilter{
		TargetKind: models.TargetKind(q.Get("target_kind")),
		TargetID:   q.Get("target_id"),
		State:      models.EntryState(q.Get("state")),
		CreatedBy:  q.Get("created_by"),
		After:      q.Get("after"),
		Limit:      parseIntParam(r, "limit", 0),
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from")
			return
		}
		filter.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to")
			return
		}
		filter.To = &t
	}

	entries, err := a.store.ListEntries(r.Context(), filter)
	if err != nil {
		a.logger.Error().Err(err).Msg("list entries failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	out := make([]entryResponse, len(entries))
	for i := range entries {
		out[i] = toEntryResponse(&entries[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (a *API) handleEntriesCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req entryCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if req.RRule != "" {
		days, until, err := rruleDays(req.RRule)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_rrule")
			return
		}
		req.Interval.Kind = string(interval.KindRecurring)
		req.Interval.Days = days.String()
		if !until.IsZero() && req.Interval.ValidUntil == nil {
			req.Interval.ValidUntil = &until
		}
	}

	iv, err := parseIntervalPayload(req.Interval)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_interval")
		return
	}

	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}

	// Pre-approval is an approver capability regardless of who may
	// create entries.
	if req.Approve && !claims.HasRole(string(models.RoleAdmin)) && !claims.HasRole(string(models.RoleApprover)) {
		writeError(w, http.StatusForbidden, "approval_not_allowed")
		return
	}

	entry, err := a.store.CreateEntry(r.Context(), store.CreateEntryRequest{
		Name:      req.Name,
		Target:    store.Target{Kind: models.TargetKind(req.Target.Kind), ID: req.Target.ID},
		ContentID: req.ContentID,
		Priority:  req.Priority,
		Interval:  iv,
		CreatedBy: claims.OperatorID,
		Approve:   req.Approve,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (a *API) handleEntriesGet(w http.ResponseWriter, r *http.Request) {
	entry, err := a.store.GetEntry(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (a *API) handleEntriesUpdate(w http.ResponseWriter, r *http.Request) {
	var req entryUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ExpectedVersion <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "expected_version_required")
		return
	}

	update := store.UpdateEntryRequest{
		Name:      req.Name,
		ContentID: req.ContentID,
		Priority:  req.Priority,
	}
	if req.Target != nil {
		update.Target = &store.Target{Kind: models.TargetKind(req.Target.Kind), ID: req.Target.ID}
	}
	if req.Interval != nil {
		iv, err := parseIntervalPayload(*req.Interval)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_interval")
			return
		}
		update.Interval = &iv
	}

	entry, err := a.store.UpdateEntry(r.Context(), chi.URLParam(r, "entryID"), req.ExpectedVersion, update)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (a *API) handleEntriesDelete(w http.ResponseWriter, r *http.Request) {
	version, ok := expectedVersionFrom(r)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "expected_version_required")
		return
	}

	if err := a.store.DeleteEntry(r.Context(), chi.URLParam(r, "entryID"), version); err != nil {
		a.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// expectedVersionFrom reads the optimistic lock version for a delete,
// from an If-Match header or an expected_version query parameter.
func expectedVersionFrom(r *http.Request) (int, bool) {
	raw := strings.Trim(r.Header.Get("If-Match"), `"`)
	if raw == "" {
		raw = r.URL.Query().Get("expected_version")
	}
	if raw == "" {
		return 0, false
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version <= 0 {
		return 0, false
	}
	return version, true
}

func (a *API) handleEntryApprove(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	entry, err := a.store.ApproveEntry(r.Context(), chi.URLParam(r, "entryID"), claims.OperatorID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

func (a *API) handleEntryReject(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// Reason is optional; an empty body rejects without one.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	entry, err := a.store.RejectEntry(r.Context(), chi.URLParam(r, "entryID"), claims.OperatorID, req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryResponse(entry))
}
