package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"nestcal/internal/conflict"
	appLog "nestcal/internal/log"
	"nestcal/internal/model"
	"nestcal/internal/session"
)

var validate = validator.New()

// validateStruct runs struct tags and flattens the errors into one message.
func validateStruct(v any) error {
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeGuardError maps Guard errors onto HTTP statuses.
func writeGuardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conflict.ErrScopeViolation):
		writeError(w, http.StatusBadRequest, "nest scope is required")
	case errors.Is(err, conflict.ErrMalformedCandidate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conflict.ErrStatusUnknown):
		writeJSON(w, http.StatusServiceUnavailable, checkResponse{
			Status: statusUnknown,
			Error:  "conflict status could not be determined",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		appLog.Error("unexpected guard error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

type sessionKey struct{}

// withSession builds a per-request session from the headers the auth proxy
// sets. Requests without them run with an inactive session. The session
// ends with the request.
func withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := session.New()
		defer st.Clear()
		p := session.Profile{
			UserID:   r.Header.Get("X-User-Id"),
			MemberID: r.Header.Get("X-Member-Id"),
			GroupID:  r.Header.Get("X-Nest-Id"),
			Role:     r.Header.Get("X-Role"),
		}
		if p.UserID != "" || p.GroupID != "" {
			if err := st.Start(p); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, st)))
	})
}

func sessionFrom(r *http.Request) *session.State {
	if st, ok := r.Context().Value(sessionKey{}).(*session.State); ok {
		return st
	}
	return session.New()
}

var errForeignNest = errors.New("nest is outside the session scope")

// scope resolves the nest a request acts on. An explicit nest must match
// an active session's nest.
func scope(r *http.Request, explicit string) (string, error) {
	group, _, err := sessionFrom(r).Scope()
	if err != nil {
		return explicit, nil
	}
	if explicit != "" && explicit != group {
		return "", errForeignNest
	}
	return group, nil
}

// redact hides the details of private events from everyone but their
// responsible member.
func redact(ev model.Event, viewer string) model.Event {
	if !ev.Private || (viewer != "" && ev.Responsible() == viewer) {
		return ev
	}
	ev.Title = "Busy"
	ev.Description = ""
	return ev
}

// inflight rejects a second write for the same candidate while the first
// is still being checked and written.
type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{keys: map[string]struct{}{}}
}

func (f *inflight) acquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}
