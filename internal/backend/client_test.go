package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestcal/internal/config"
	"nestcal/internal/conflict"
	"nestcal/internal/metrics"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

type call struct {
	method  string
	table   string
	filters []filter
	id      string
	row     record.Raw
	payload any
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []call
	body    []byte
	invoked string
	err     error
	block   chan struct{}
}

func (f *fakeTransport) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTransport) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeTransport) Select(table string, filters []filter, orderBy string) ([]byte, error) {
	f.wait()
	f.record(call{method: "select", table: table, filters: filters})
	return f.body, f.err
}

func (f *fakeTransport) Insert(table string, row record.Raw) ([]byte, error) {
	f.record(call{method: "insert", table: table, row: row})
	if f.err != nil {
		return nil, f.err
	}
	b, _ := json.Marshal([]record.Raw{row})
	return b, nil
}

func (f *fakeTransport) Update(table, id string, patch record.Raw) ([]byte, error) {
	f.record(call{method: "update", table: table, id: id, row: patch})
	return f.body, f.err
}

func (f *fakeTransport) Invoke(function string, payload any) (string, error) {
	f.record(call{method: "invoke", table: function, payload: payload})
	return f.invoked, f.err
}

func testConfig() config.SupabaseConfig {
	return config.SupabaseConfig{
		EventsTable:            "events",
		RelaysTable:            "event_relays",
		ExtractFunction:        "extract-event",
		TimeoutSeconds:         2,
		BreakerFailures:        2,
		BreakerCooldownSeconds: 60,
	}
}

func TestFetchEvents_ScopesByNestAndMemberAliases(t *testing.T) {
	ft := &fakeTransport{body: []byte(`[{"id":"e1","nest_id":"g1","assigned_to":"m1","start_time":"2024-05-01T10:00:00Z","end_time":"2024-05-01T11:00:00Z"}]`)}
	c := newClient(ft, testConfig(), metrics.New())

	rows, err := c.FetchEvents(context.Background(), conflict.Filter{GroupID: "g1", MemberID: "m1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "e1", record.ID(rows[0]))

	require.Len(t, ft.calls, 1)
	got := ft.calls[0]
	assert.Equal(t, "events", got.table)
	require.Len(t, got.filters, 2)
	assert.Equal(t, filter{op: opEq, column: "nest_id", value: "g1"}, got.filters[0])
	assert.Equal(t, "responsible_id.eq.m1,assigned_to.eq.m1,member_id.eq.m1", got.filters[1].value)
}

func TestFetchEvents_RejectsEmptyNest(t *testing.T) {
	ft := &fakeTransport{}
	c := newClient(ft, testConfig(), nil)

	_, err := c.FetchEvents(context.Background(), conflict.Filter{MemberID: "m1"})
	assert.ErrorIs(t, err, conflict.ErrScopeViolation)
	assert.Empty(t, ft.calls, "nothing may be read without a nest")
}

func TestFetchEvents_NumbersStayNumbers(t *testing.T) {
	ft := &fakeTransport{body: []byte(`[{"id":"e1","nest_id":"g1","start_time":1714557600}]`)}
	c := newClient(ft, testConfig(), nil)

	rows, err := c.FetchEvents(context.Background(), conflict.Filter{GroupID: "g1"})
	require.NoError(t, err)
	ev, err := record.Normalize(rows[0])
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), ev.Start)
}

func TestFetchWindow_BuildsRangeCondition(t *testing.T) {
	ft := &fakeTransport{body: []byte(`[]`)}
	c := newClient(ft, testConfig(), nil)
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	rows, err := c.FetchWindow(context.Background(), "g1", from, to)
	require.NoError(t, err)
	assert.Empty(t, rows)
	require.Len(t, ft.calls, 1)
	assert.Equal(t,
		"and(start_time.gte.2024-03-31T00:00:00Z,start_time.lte.2024-05-08T00:00:00Z),start_time.is.null",
		ft.calls[0].filters[1].value)
}

func TestInsertEvent_AssignsIDAndCanonicalColumns(t *testing.T) {
	ft := &fakeTransport{}
	c := newClient(ft, testConfig(), nil)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	ev, err := c.InsertEvent(context.Background(), model.Event{
		GroupID:       "g1",
		ResponsibleID: model.Member("m1"),
		Start:         start,
		End:           start.Add(time.Hour),
		Title:         "Dentist",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "m1", ev.Responsible())
	assert.Equal(t, start, ev.Start)

	row := ft.calls[0].row
	assert.Equal(t, "m1", row["responsible_id"])
	assert.NotContains(t, row, "assigned_to")
}

func TestInsertEvent_RequiresNest(t *testing.T) {
	c := newClient(&fakeTransport{}, testConfig(), nil)
	_, err := c.InsertEvent(context.Background(), model.Event{Start: time.Now()})
	assert.ErrorIs(t, err, conflict.ErrScopeViolation)
}

func TestUpdateEvent_DropsIDFromPatch(t *testing.T) {
	ft := &fakeTransport{body: []byte(`[{"id":"e1","nest_id":"g1","start_time":"2024-05-01T10:00:00Z"}]`)}
	c := newClient(ft, testConfig(), nil)

	ev, err := c.UpdateEvent(context.Background(), "e1", record.Raw{"id": "other", "title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "e1", ft.calls[0].id)
	assert.NotContains(t, ft.calls[0].row, "id")
}

func TestDelegate_UpdatesAndWritesRelay(t *testing.T) {
	ft := &fakeTransport{body: []byte(`[{"id":"e1","nest_id":"g1","responsible_id":"m2","start_time":"2024-05-01T10:00:00Z"}]`)}
	c := newClient(ft, testConfig(), nil)
	ev := model.Event{ID: "e1", GroupID: "g1", ResponsibleID: model.Member("m1")}

	got, err := c.Delegate(context.Background(), ev, "m2")
	require.NoError(t, err)
	assert.Equal(t, "m2", got.Responsible())

	require.Len(t, ft.calls, 2)
	assert.Equal(t, "update", ft.calls[0].method)
	assert.Equal(t, "insert", ft.calls[1].method)
	assert.Equal(t, "event_relays", ft.calls[1].table)
	assert.Equal(t, "m1", ft.calls[1].row["from_member"])
	assert.Equal(t, "m2", ft.calls[1].row["to_member"])
}

func TestExtractEventFromImage(t *testing.T) {
	ft := &fakeTransport{invoked: `{"title":" Recital ","start":"2024-06-01T18:00:00Z","end":"2024-06-01T19:30:00Z","category":"school"}`}
	c := newClient(ft, testConfig(), nil)

	s, err := c.ExtractEventFromImage(context.Background(), []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "Recital", s.Title)
	assert.Equal(t, time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC), s.Start)
	require.NotNil(t, s.End)
	assert.Equal(t, 90*time.Minute, s.End.Sub(s.Start))

	req, ok := ft.calls[0].payload.(extractRequest)
	require.True(t, ok)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), req.Image)
	assert.Equal(t, "extract-event", ft.calls[0].table)
}

func TestExtractEventFromImage_Empty(t *testing.T) {
	c := newClient(&fakeTransport{}, testConfig(), nil)
	_, err := c.ExtractEventFromImage(context.Background(), nil, "image/png")
	assert.Error(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("boom")
	ft := &fakeTransport{err: boom}
	c := newClient(ft, testConfig(), nil)
	f := conflict.Filter{GroupID: "g1"}

	for i := 0; i < 2; i++ {
		_, err := c.FetchEvents(context.Background(), f)
		assert.ErrorIs(t, err, boom)
	}
	_, err := c.FetchEvents(context.Background(), f)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, boom)
	assert.Len(t, ft.calls, 2, "open breaker must not reach the transport")
}

func TestCanceledContextAbandonsCall(t *testing.T) {
	ft := &fakeTransport{block: make(chan struct{})}
	defer close(ft.block)
	c := newClient(ft, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchEvents(ctx, conflict.Filter{GroupID: "g1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "abc-123", quote("abc-123"))
	assert.Equal(t, `"a,b"`, quote("a,b"))
	assert.Equal(t, `"say \"hi\""`, quote(`say "hi"`))
}
