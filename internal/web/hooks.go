package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nestcal/internal/backend"
	"nestcal/internal/conflict"
	"nestcal/internal/feed"
	appLog "nestcal/internal/log"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

const maxImageBytes = 10 << 20

type extractResponse struct {
	Suggestion backend.Suggestion `json:"suggestion"`
	// Check is set when the suggestion has a start and a nest is known.
	Check *checkResponse `json:"check,omitempty"`
}

// POST /api/extract (multipart: image, nest_id, responsible_id)
//
// The suggestion is never written; the client confirms it through
// POST /api/events.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction unavailable")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, hdr, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	if len(data) > maxImageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	mime := hdr.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		writeError(w, http.StatusUnsupportedMediaType, "not an image: "+mime)
		return
	}

	group, err := scope(r, r.FormValue("nest_id"))
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	sug, err := s.deps.Backend.ExtractEventFromImage(r.Context(), data, mime)
	if err != nil {
		s.writeBackendError(w, r, "extract", err)
		return
	}

	resp := extractResponse{Suggestion: sug}
	if group != "" && !sug.Start.IsZero() {
		member := r.FormValue("responsible_id")
		if member == "" {
			member = viewer(r)
		}
		c := conflict.Candidate{GroupID: group, ResponsibleID: model.Member(member), Start: sug.Start, End: sug.End}
		resp.Check = s.advisoryCheck(r, c)
	}
	writeJSON(w, http.StatusOK, resp)
}

// advisoryCheck runs the Guard for information only; failures become a
// status in the response instead of an error.
func (s *Server) advisoryCheck(r *http.Request, c conflict.Candidate) *checkResponse {
	res, err := s.deps.Guard.Check(r.Context(), c)
	switch {
	case err == nil:
		out := toCheckResponse(res, viewer(r))
		return &out
	case errors.Is(err, conflict.ErrStatusUnknown):
		return &checkResponse{Status: statusUnknown, Conflicts: []model.Event{}, Error: "conflict status could not be determined"}
	default:
		appLog.Debug("suggestion not checkable", "reason", err.Error())
		return nil
	}
}

// hookPayload is the database webhook body for the events and relays
// tables.
type hookPayload struct {
	Type      string     `json:"type" validate:"required,oneof=INSERT UPDATE DELETE"`
	Table     string     `json:"table" validate:"required"`
	Schema    string     `json:"schema"`
	Record    record.Raw `json:"record"`
	OldRecord record.Raw `json:"old_record"`
}

// POST /api/hooks/events
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var p hookPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateStruct(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}

	var msg feed.Message
	switch {
	case p.Table == s.relaysTable():
		if p.Type != string(feed.OpInsert) || p.Record == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		msg = feed.Relay{
			GroupID:    record.Group(p.Record),
			EventID:    str(p.Record["event_id"]),
			FromMember: str(p.Record["from_member"]),
			ToMember:   str(p.Record["to_member"]),
			At:         time.Now(),
		}
	case p.Table == s.eventsTable():
		msg = feed.Change{Op: feed.Op(p.Type), Record: p.Record, Old: p.OldRecord}
	default:
		writeError(w, http.StatusBadRequest, "unknown table: "+p.Table)
		return
	}

	if err := s.deps.Hub.Publish(r.Context(), msg); err != nil {
		writeError(w, http.StatusServiceUnavailable, "feed busy")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) eventsTable() string {
	if s.cfg == nil || s.cfg.Supabase.EventsTable == "" {
		return "events"
	}
	return s.cfg.Supabase.EventsTable
}

func (s *Server) relaysTable() string {
	if s.cfg == nil || s.cfg.Supabase.RelaysTable == "" {
		return "event_relays"
	}
	return s.cfg.Supabase.RelaysTable
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
