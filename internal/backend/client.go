// Package backend talks to the hosted platform: the events table through
// PostgREST and the image extraction edge function. Every call goes through
// a circuit breaker and a per-call timeout.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"nestcal/internal/config"
	"nestcal/internal/conflict"
	appLog "nestcal/internal/log"
	"nestcal/internal/metrics"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

// ErrNotFound is returned by FetchEvent when no row has the id in the nest.
var ErrNotFound = errors.New("event not found")

// maxEventSpan bounds how far before a window start an event may begin and
// still reach into the window. Longer events are not expected.
const maxEventSpan = 31 * 24 * time.Hour

// Client is the hosted backend collaborator.
type Client struct {
	t       transport
	cfg     config.SupabaseConfig
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Collector
}

// New connects to the configured Supabase project.
func New(cfg config.SupabaseConfig, m *metrics.Collector) (*Client, error) {
	t, err := newSupabaseTransport(cfg.URL, cfg.Key, cfg.Schema, cfg.Timeout())
	if err != nil {
		return nil, err
	}
	return newClient(t, cfg, m), nil
}

func newClient(t transport, cfg config.SupabaseConfig, m *metrics.Collector) *Client {
	failures := uint32(cfg.BreakerFailures)
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.BreakerCooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{t: t, cfg: cfg, breaker: cb, metrics: m}
}

// call runs fn through the breaker with the configured timeout. If ctx ends
// first the call is abandoned and its result discarded.
func (c *Client) call(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	timeout := c.cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.breaker.Execute(fn)
		done <- result{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		err := fmt.Errorf("%s: %w", op, ctx.Err())
		c.metrics.BackendCall(op, err)
		return nil, err
	case r := <-done:
		c.metrics.BackendCall(op, r.err)
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", op, r.err)
		}
		return r.v, nil
	}
}

// FetchEvents implements conflict.EventReader. It reads the rows of one
// nest, narrowed to a member across every legacy member column.
func (c *Client) FetchEvents(ctx context.Context, f conflict.Filter) ([]record.Raw, error) {
	if f.GroupID == "" {
		return nil, conflict.ErrScopeViolation
	}
	filters := []filter{{op: opEq, column: record.ColumnGroup, value: f.GroupID}}
	if f.MemberID != "" {
		filters = append(filters, filter{op: opOr, value: memberCondition(f.MemberID)})
	}
	return c.selectRows(ctx, "fetch_events", filters)
}

// FetchWindow reads the nest's rows that may intersect [from, to]. Rows
// with no start_time column (legacy date-only rows) are always returned;
// callers filter precisely after normalization.
func (c *Client) FetchWindow(ctx context.Context, group string, from, to time.Time) ([]record.Raw, error) {
	if group == "" {
		return nil, conflict.ErrScopeViolation
	}
	lower := from.Add(-maxEventSpan)
	cond := fmt.Sprintf("and(%s.gte.%s,%s.lte.%s),%s.is.null",
		record.ColumnStart, pgTime(lower), record.ColumnStart, pgTime(to), record.ColumnStart)
	return c.selectRows(ctx, "fetch_window", []filter{
		{op: opEq, column: record.ColumnGroup, value: group},
		{op: opOr, value: cond},
	})
}

// FetchEvent reads one event by id within a nest.
func (c *Client) FetchEvent(ctx context.Context, group, id string) (model.Event, error) {
	if group == "" {
		return model.Event{}, conflict.ErrScopeViolation
	}
	if id == "" {
		return model.Event{}, ErrNotFound
	}
	rows, err := c.selectRows(ctx, "fetch_event", []filter{
		{op: opEq, column: record.ColumnGroup, value: group},
		{op: opEq, column: record.ColumnID, value: id},
	})
	if err != nil {
		return model.Event{}, err
	}
	if len(rows) == 0 {
		return model.Event{}, fmt.Errorf("fetch_event %s: %w", id, ErrNotFound)
	}
	return record.Normalize(rows[0])
}

func (c *Client) selectRows(ctx context.Context, op string, filters []filter) ([]record.Raw, error) {
	v, err := c.call(ctx, op, func() (any, error) {
		return c.t.Select(c.cfg.EventsTable, filters, record.ColumnStart)
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(v.([]byte))
}

// InsertEvent writes a new event and returns the stored row normalized.
// An id is assigned when ev.ID is empty.
func (c *Client) InsertEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.GroupID == "" {
		return model.Event{}, conflict.ErrScopeViolation
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	row := record.FromEvent(ev)
	v, err := c.call(ctx, "insert_event", func() (any, error) {
		return c.t.Insert(c.cfg.EventsTable, row)
	})
	if err != nil {
		return model.Event{}, err
	}
	return firstEvent(v.([]byte), ev)
}

// UpdateEvent applies patch to the row with the given id. Only canonical
// column names should appear in patch.
func (c *Client) UpdateEvent(ctx context.Context, id string, patch record.Raw) (model.Event, error) {
	if id == "" {
		return model.Event{}, errors.New("update_event: id is required")
	}
	patch = withoutID(patch)
	v, err := c.call(ctx, "update_event", func() (any, error) {
		return c.t.Update(c.cfg.EventsTable, id, patch)
	})
	if err != nil {
		return model.Event{}, err
	}
	return firstEvent(v.([]byte), model.Event{ID: id})
}

// Relay is a delegation notice: an event handed from one member to another.
type Relay struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"nest_id"`
	EventID    string    `json:"event_id"`
	FromMember string    `json:"from_member"`
	ToMember   string    `json:"to_member"`
	CreatedAt  time.Time `json:"created_at"`
}

// Delegate moves an event to another member and records a relay notice.
// The relay row feeds the delegation notification stream.
func (c *Client) Delegate(ctx context.Context, ev model.Event, to string) (model.Event, error) {
	if ev.GroupID == "" {
		return model.Event{}, conflict.ErrScopeViolation
	}
	updated, err := c.UpdateEvent(ctx, ev.ID, record.Raw{record.ColumnResponsible: nullable(to)})
	if err != nil {
		return model.Event{}, err
	}
	relay := record.Raw{
		"id":          uuid.NewString(),
		"nest_id":     ev.GroupID,
		"event_id":    ev.ID,
		"from_member": nullable(ev.Responsible()),
		"to_member":   nullable(to),
	}
	if _, err := c.call(ctx, "insert_relay", func() (any, error) {
		return c.t.Insert(c.cfg.RelaysTable, relay)
	}); err != nil {
		// The event already moved; the notice is best effort.
		appLog.Error("relay notice insert failed", err, "event", ev.ID, "nest", ev.GroupID)
	}
	return updated, nil
}

// Suggestion is the extraction service's proposal. It is never written
// without user confirmation and goes through the same Guard as manual
// entries.
type Suggestion struct {
	Title       string     `json:"title"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	Category    string     `json:"category,omitempty"`
	Description string     `json:"description,omitempty"`
}

type extractRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
}

type extractResponse struct {
	Title       string `json:"title"`
	Start       any    `json:"start"`
	End         any    `json:"end"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ExtractEventFromImage invokes the hosted extraction function.
func (c *Client) ExtractEventFromImage(ctx context.Context, image []byte, mimeType string) (Suggestion, error) {
	if len(image) == 0 {
		return Suggestion{}, errors.New("extract: empty image")
	}
	req := extractRequest{Image: encodeImage(image), MimeType: mimeType}
	v, err := c.call(ctx, "extract_event", func() (any, error) {
		return c.t.Invoke(c.cfg.ExtractFunction, req)
	})
	if err != nil {
		return Suggestion{}, err
	}
	return decodeSuggestion(v.(string))
}

func encodeImage(image []byte) string {
	return base64.StdEncoding.EncodeToString(image)
}

func decodeSuggestion(body string) (Suggestion, error) {
	var resp extractResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return Suggestion{}, fmt.Errorf("extract: decode response: %w", err)
	}
	s := Suggestion{
		Title:       strings.TrimSpace(resp.Title),
		Category:    resp.Category,
		Description: resp.Description,
	}
	if resp.Start != nil {
		start, err := record.ParseTime(resp.Start)
		if err != nil {
			appLog.Warn("extraction returned unparsable start", "reason", err.Error())
		} else {
			s.Start = start
		}
	}
	if resp.End != nil {
		end, err := record.ParseTime(resp.End)
		if err == nil {
			s.End = &end
		}
	}
	return s, nil
}

func decodeRows(body []byte) ([]record.Raw, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []record.Raw{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows []record.Raw
	if body[0] == '{' {
		var one record.Raw
		if err := dec.Decode(&one); err != nil {
			return nil, fmt.Errorf("decode rows: %w", err)
		}
		return []record.Raw{one}, nil
	}
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	if rows == nil {
		rows = []record.Raw{}
	}
	return rows, nil
}

// firstEvent normalizes the first returned row, falling back to the event
// we sent when the platform returns nothing (returning=minimal setups).
func firstEvent(body []byte, sent model.Event) (model.Event, error) {
	rows, err := decodeRows(body)
	if err != nil {
		return model.Event{}, err
	}
	if len(rows) == 0 {
		return sent, nil
	}
	return record.Normalize(rows[0])
}

// memberCondition builds the PostgREST or= list covering every member
// column.
func memberCondition(member string) string {
	parts := make([]string, 0, len(record.MemberColumns))
	for _, col := range record.MemberColumns {
		parts = append(parts, col+".eq."+quote(member))
	}
	return strings.Join(parts, ",")
}

// quote wraps values containing PostgREST reserved characters.
func quote(v string) string {
	if !strings.ContainsAny(v, ",.:()\" ") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func pgTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func withoutID(patch record.Raw) record.Raw {
	if _, ok := patch[record.ColumnID]; !ok {
		return patch
	}
	out := make(record.Raw, len(patch))
	for k, v := range patch {
		if k != record.ColumnID {
			out[k] = v
		}
	}
	return out
}
