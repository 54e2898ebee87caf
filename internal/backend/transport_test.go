package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestcal/internal/conflict"
)

func TestSupabaseTransport_InvokePostsToFunctionsEndpoint(t *testing.T) {
	var gotPath, gotAuth, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Recital","start":"2024-06-01T18:00:00Z"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL, cfg.Key = srv.URL, "anon-key"
	c, err := New(cfg, nil)
	require.NoError(t, err)

	s, err := c.ExtractEventFromImage(context.Background(), []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "Recital", s.Title)

	assert.Equal(t, "/functions/v1/extract-event", gotPath)
	assert.Equal(t, "Bearer anon-key", gotAuth)
	assert.Equal(t, "anon-key", gotKey)
	assert.Equal(t, "image/png", gotBody["mime_type"])
}

func TestSupabaseTransport_InvokeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr, err := newSupabaseTransport(srv.URL, "k", "", time.Second)
	require.NoError(t, err)
	_, err = tr.Invoke("extract-event", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSupabaseTransport_SelectUsesRestEndpoint(t *testing.T) {
	var gotPath, gotNest, gotProfile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotNest = r.URL.Query().Get("nest_id")
		gotProfile = r.Header.Get("Accept-Profile")
		_, _ = w.Write([]byte(`[{"id":"e1","nest_id":"g1","start_time":"2024-05-01T10:00:00Z"}]`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.URL, cfg.Key, cfg.Schema = srv.URL, "k", "family"
	c, err := New(cfg, nil)
	require.NoError(t, err)

	ev, err := c.FetchEvent(context.Background(), "g1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "/rest/v1/events", gotPath)
	assert.Equal(t, "eq.g1", gotNest)
	assert.Equal(t, "family", gotProfile)
}

func TestSupabaseTransport_HungRequestEnds(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, err := newSupabaseTransport(srv.URL, "k", "", 100*time.Millisecond)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Select("events", []filter{{op: opEq, column: "nest_id", value: "g1"}}, "")
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request outlived the transport deadline")
	}
}

func TestFetchEvent_NotFound(t *testing.T) {
	ft := &fakeTransport{body: []byte(`[]`)}
	c := newClient(ft, testConfig(), nil)

	_, err := c.FetchEvent(context.Background(), "g1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.Len(t, ft.calls, 1)
	assert.Equal(t, filter{op: opEq, column: "id", value: "missing"}, ft.calls[0].filters[1])

	_, err = c.FetchEvent(context.Background(), "", "e1")
	assert.ErrorIs(t, err, conflict.ErrScopeViolation)
}
