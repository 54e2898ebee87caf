package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nestcal/internal/backend"
	"nestcal/internal/conflict"
	"nestcal/internal/feed"
	appLog "nestcal/internal/log"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

const statusUnknown = "unknown"

// eventRequest is the body of check and create calls.
type eventRequest struct {
	ID            string     `json:"id"`
	NestID        string     `json:"nest_id"`
	ResponsibleID *string    `json:"responsible_id"`
	Start         *time.Time `json:"start_time"`
	End           *time.Time `json:"end_time"`
	Title         string     `json:"title" validate:"max=200"`
	Description   string     `json:"description" validate:"max=4000"`
	Category      string     `json:"category" validate:"max=64"`
	Private       bool       `json:"is_private"`
	// Force writes despite conflicts or an unknown conflict status.
	Force bool `json:"force"`
}

func (req eventRequest) responsible() *string {
	if req.ResponsibleID == nil {
		return nil
	}
	return model.Member(strings.TrimSpace(*req.ResponsibleID))
}

func (req eventRequest) candidate(id, group string) conflict.Candidate {
	c := conflict.Candidate{ID: id, GroupID: group, ResponsibleID: req.responsible(), End: req.End}
	if req.Start != nil {
		c.Start = *req.Start
	}
	return c
}

func (req eventRequest) event(id, group string) model.Event {
	c := req.candidate(id, group)
	iv := c.Interval()
	return model.Event{
		ID:            id,
		GroupID:       group,
		ResponsibleID: c.ResponsibleID,
		Start:         iv.Start,
		End:           iv.End,
		Private:       req.Private,
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		Category:      req.Category,
		Source:        model.SourceDB,
	}
}

type checkResponse struct {
	Status    string        `json:"status"`
	Conflicts []model.Event `json:"conflicts"`
	Skipped   int           `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func toCheckResponse(res conflict.Result, viewer string) checkResponse {
	out := checkResponse{Status: string(res.Status), Conflicts: make([]model.Event, 0, len(res.Conflicts)), Skipped: res.Skipped}
	for _, ev := range res.Conflicts {
		out.Conflicts = append(out.Conflicts, redact(ev, viewer))
	}
	return out
}

type writeResponse struct {
	Event  model.Event   `json:"event"`
	Check  checkResponse `json:"check"`
	Forced bool          `json:"forced,omitempty"`
}

func viewer(r *http.Request) string {
	_, member, _ := sessionFrom(r).Scope()
	return member
}

func candidateKey(c conflict.Candidate) string {
	iv := c.Interval()
	member := ""
	if c.ResponsibleID != nil {
		member = *c.ResponsibleID
	}
	return fmt.Sprintf("%s|%s|%s|%d|%d", c.GroupID, c.ID, member, iv.Start.UnixNano(), iv.End.UnixNano())
}

// POST /api/events/check
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, err := scope(r, req.NestID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	res, err := s.deps.Guard.Check(r.Context(), req.candidate(req.ID, group))
	if err != nil {
		writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckResponse(res, viewer(r)))
}

// guarded runs the Guard for a write. It writes the response and returns
// false when the write must not proceed.
func (s *Server) guarded(w http.ResponseWriter, r *http.Request, c conflict.Candidate, force bool) (checkResponse, bool) {
	res, err := s.deps.Guard.Check(r.Context(), c)
	switch {
	case err == nil:
	case errors.Is(err, conflict.ErrStatusUnknown) && force:
		appLog.Warn("writing with unknown conflict status", "nest", c.GroupID, "id", c.ID)
		return checkResponse{Status: statusUnknown, Conflicts: []model.Event{}}, true
	default:
		writeGuardError(w, err)
		return checkResponse{}, false
	}

	check := toCheckResponse(res, viewer(r))
	if res.Status == conflict.StatusConflicting {
		if !force {
			writeJSON(w, http.StatusConflict, check)
			return check, false
		}
		appLog.Info("writing despite conflicts", "nest", c.GroupID, "id", c.ID, "conflicts", len(res.Conflicts))
	}
	return check, true
}

func (s *Server) lock(w http.ResponseWriter, c conflict.Candidate) (func(), bool) {
	key := candidateKey(c)
	if !s.inflight.acquire(key) {
		writeError(w, http.StatusConflict, "check in progress")
		return nil, false
	}
	return func() { s.inflight.release(key) }, true
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, conflict.ErrScopeViolation):
		writeError(w, http.StatusBadRequest, "nest scope is required")
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case r.Context().Err() != nil:
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		appLog.Error("backend write failed", err, "operation", op)
		writeError(w, http.StatusBadGateway, op+" failed")
	}
}

// publish pushes a local write into the feed so the view does not wait
// for the webhook round trip. Failures only delay the view.
func (s *Server) publish(r *http.Request, msgs ...feed.Message) {
	if s.deps.Hub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	for _, m := range msgs {
		if err := s.deps.Hub.Publish(ctx, m); err != nil {
			appLog.Warn("feed publish failed", "kind", m.Kind(), "reason", err.Error())
		}
	}
}

// POST /api/events
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "write path unavailable")
		return
	}
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Var(strings.TrimSpace(req.Title), "required"); err != nil {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	group, err := scope(r, req.NestID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	c := req.candidate(req.ID, group)
	unlock, ok := s.lock(w, c)
	if !ok {
		return
	}
	defer unlock()

	check, ok := s.guarded(w, r, c, req.Force)
	if !ok {
		return
	}
	stored, err := s.deps.Backend.InsertEvent(r.Context(), req.event(req.ID, group))
	if err != nil {
		s.writeBackendError(w, r, "insert", err)
		return
	}
	s.publish(r, feed.Change{Op: feed.OpInsert, Record: record.FromEvent(stored)})
	writeJSON(w, http.StatusCreated, writeResponse{Event: stored, Check: check, Forced: req.Force && check.Status != string(conflict.StatusClear)})
}

// patchRequest is the body of PATCH calls. Only fields present in the body
// change; "responsible_id": null unassigns and "end_time": null makes the
// event an instant.
type patchRequest struct {
	NestID        string     `json:"nest_id"`
	ResponsibleID *string    `json:"responsible_id"`
	Start         *time.Time `json:"start_time"`
	End           *time.Time `json:"end_time"`
	Title         *string    `json:"title" validate:"omitempty,max=200"`
	Description   *string    `json:"description" validate:"omitempty,max=4000"`
	Category      *string    `json:"category" validate:"omitempty,max=64"`
	Private       *bool      `json:"is_private"`
	Force         bool       `json:"force"`

	present map[string]bool
}

var patchColumns = []string{
	record.ColumnResponsible,
	record.ColumnStart,
	record.ColumnEnd,
	record.ColumnTitle,
	record.ColumnDescription,
	record.ColumnCategory,
	record.ColumnPrivate,
}

func decodePatch(w http.ResponseWriter, r *http.Request) (patchRequest, error) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		return patchRequest{}, err
	}
	var p patchRequest
	body, _ := json.Marshal(raw)
	if err := json.Unmarshal(body, &p); err != nil {
		return patchRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	p.present = make(map[string]bool, len(raw))
	for k := range raw {
		p.present[k] = true
	}
	return p, nil
}

// apply merges the request onto the stored event and returns the merged
// event plus the canonical columns the request touched.
func (p patchRequest) apply(ev model.Event) (model.Event, record.Raw) {
	if p.present[record.ColumnResponsible] {
		ev.ResponsibleID = nil
		if p.ResponsibleID != nil {
			ev.ResponsibleID = model.Member(strings.TrimSpace(*p.ResponsibleID))
		}
	}
	touched := make(map[string]bool, len(p.present)+1)
	for k := range p.present {
		touched[k] = true
	}
	instant := !ev.End.After(ev.Start)
	if p.Start != nil {
		ev.Start = *p.Start
		if instant && !p.present[record.ColumnEnd] {
			ev.End = ev.Start
			touched[record.ColumnEnd] = true
		}
	}
	if p.End != nil {
		ev.End = *p.End
	} else if p.present[record.ColumnEnd] {
		ev.End = ev.Start
	}
	if p.Title != nil {
		ev.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Category != nil {
		ev.Category = *p.Category
	}
	if p.Private != nil {
		ev.Private = *p.Private
	}

	full := record.FromEvent(ev)
	patch := record.Raw{}
	for _, col := range patchColumns {
		if touched[col] {
			patch[col] = full[col]
		}
	}
	return ev, patch
}

// stored loads the current copy of an event. It writes the response and
// returns false when the event cannot be loaded.
func (s *Server) stored(w http.ResponseWriter, r *http.Request, group, id string) (model.Event, bool) {
	if group == "" {
		writeError(w, http.StatusBadRequest, "nest scope is required")
		return model.Event{}, false
	}
	ev, err := s.deps.Backend.FetchEvent(r.Context(), group, id)
	if err != nil {
		s.writeBackendError(w, r, "load", err)
		return model.Event{}, false
	}
	return ev, true
}

// PATCH /api/events/{id}
//
// The request is merged onto the stored event and the merged event is
// checked, so a partial edit never loses the responsible member.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "write path unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	req, err := decodePatch(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	group, err := scope(r, req.NestID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	current, ok := s.stored(w, r, group, id)
	if !ok {
		return
	}
	merged, patch := req.apply(current)
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if merged.End.Before(merged.Start) {
		writeError(w, http.StatusBadRequest, "end_time is before start_time")
		return
	}

	c := conflict.CandidateFrom(merged)
	unlock, ok := s.lock(w, c)
	if !ok {
		return
	}
	defer unlock()

	check, ok := s.guarded(w, r, c, req.Force)
	if !ok {
		return
	}
	updated, err := s.deps.Backend.UpdateEvent(r.Context(), id, patch)
	if err != nil {
		s.writeBackendError(w, r, "update", err)
		return
	}
	s.publish(r, feed.Change{Op: feed.OpUpdate, Record: record.FromEvent(updated)})
	writeJSON(w, http.StatusOK, writeResponse{Event: updated, Check: check, Forced: req.Force && check.Status != string(conflict.StatusClear)})
}

type delegateRequest struct {
	NestID     string `json:"nest_id"`
	ToMemberID string `json:"to_member_id" validate:"required"`
	Force      bool   `json:"force"`
}

// POST /api/events/{id}/delegate hands an event to another member. The
// stored event is checked against the new member's schedule like any
// other write.
func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "write path unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	var req delegateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	group, err := scope(r, req.NestID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	current, ok := s.stored(w, r, group, id)
	if !ok {
		return
	}
	to := strings.TrimSpace(req.ToMemberID)
	if current.Responsible() == to {
		writeError(w, http.StatusBadRequest, "event is already assigned to that member")
		return
	}

	c := conflict.CandidateFrom(current)
	c.ResponsibleID = model.Member(to)
	unlock, ok := s.lock(w, c)
	if !ok {
		return
	}
	defer unlock()

	check, ok := s.guarded(w, r, c, req.Force)
	if !ok {
		return
	}
	updated, err := s.deps.Backend.Delegate(r.Context(), current, to)
	if err != nil {
		s.writeBackendError(w, r, "delegate", err)
		return
	}
	s.publish(r,
		feed.Change{Op: feed.OpUpdate, Record: record.FromEvent(updated)},
		feed.Relay{GroupID: group, EventID: id, FromMember: current.Responsible(), ToMember: to, At: time.Now()},
	)
	writeJSON(w, http.StatusOK, writeResponse{Event: updated, Check: check, Forced: req.Force && check.Status != string(conflict.StatusClear)})
}

type eventsResponse struct {
	NestID          string                `json:"nest_id"`
	Events          []model.Annotated     `json:"events"`
	Summary         conflict.IndexSummary `json:"summary"`
	Stale           bool                  `json:"stale"`
	UpdatedAt       time.Time             `json:"updated_at"`
	RangeStart      time.Time             `json:"range_start"`
	RangeEnd        time.Time             `json:"range_end"`
	DisplayTimeZone string                `json:"display_timezone"`
	WeekStart       string                `json:"week_start"`

	// SubscriptionsUpdatedAt is the last ICS refresh, omitted before the
	// first one.
	SubscriptionsUpdatedAt *time.Time `json:"subscriptions_updated_at,omitempty"`
}

// refreshed is implemented by extra sources that refresh on a schedule.
type refreshed interface {
	Updated() time.Time
}

// GET /api/events?nest=G&days=7&backfill=1
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	group, err := scope(r, q.Get("nest"))
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if group == "" {
		writeError(w, http.StatusBadRequest, "nest scope is required")
		return
	}
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	loc := s.cfg.Location()
	now := time.Now().In(loc)
	from, to := now.AddDate(0, 0, -backfill), now.AddDate(0, 0, days)

	cal, ok := s.calendar(r, group, from, to)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "calendar unavailable")
		return
	}

	who := viewer(r)
	window := cal.Window(from, to)
	for i := range window {
		window[i].Event = redact(window[i].Event, who)
		window[i].Start = window[i].Start.In(loc)
		window[i].End = window[i].End.In(loc)
	}
	resp := eventsResponse{
		NestID:          group,
		Events:          window,
		Summary:         conflict.Summarize(window),
		Stale:           cal.Stale,
		UpdatedAt:       cal.UpdatedAt,
		RangeStart:      from,
		RangeEnd:        to,
		DisplayTimeZone: loc.String(),
		WeekStart:       s.cfg.WeekStart,
	}
	if src, ok := s.deps.Extra.(refreshed); ok {
		if at := src.Updated(); !at.IsZero() {
			at = at.In(loc)
			resp.SubscriptionsUpdatedAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// calendar returns the view's calendar, or builds one directly for a nest
// the view has not seen and starts tracking it.
func (s *Server) calendar(r *http.Request, group string, from, to time.Time) (*feed.Calendar, bool) {
	if s.deps.View != nil {
		if cal, ok := s.deps.View.Calendar(group); ok {
			return cal, true
		}
	}
	if s.deps.Loader == nil {
		return nil, false
	}
	snap, err := s.deps.Loader.Load(r.Context(), group)
	if err != nil {
		appLog.Error("calendar load failed", err, "nest", group)
		return nil, false
	}
	evs, _ := record.NormalizeAll(snap.Records)
	if s.deps.Extra != nil {
		evs = append(evs, s.deps.Extra.Events(group, "", from, to)...)
	}
	cal := feed.Build(group, evs, snap.Stale, snap.At, s.indexOptions(), s.deps.Metrics)

	s.deps.Loader.Track(group)
	s.publish(r, snap)
	return cal, true
}

func (s *Server) indexOptions() conflict.IndexOptions {
	if s.cfg != nil && s.cfg.IndexInclusive {
		return conflict.IndexOptions{Mode: conflict.Inclusive}
	}
	return conflict.IndexOptions{Mode: conflict.Exclusive}
}

// GET /api/relays?nest=G
func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	group, err := scope(r, r.URL.Query().Get("nest"))
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if group == "" {
		writeError(w, http.StatusBadRequest, "nest scope is required")
		return
	}
	relays := []feed.Relay{}
	if s.deps.View != nil {
		relays = append(relays, s.deps.View.Relays(group)...)
	}
	writeJSON(w, http.StatusOK, relays)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
