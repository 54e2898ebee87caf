package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"nestcal/internal/record"
)

type filterOp int

const (
	opEq filterOp = iota
	opOr
)

// filter is one PostgREST filter. For opOr, value holds the whole
// comma-separated condition list and column is unused.
type filter struct {
	op     filterOp
	column string
	value  string
}

// transport is the subset of the hosted platform the client uses. The
// supabase implementation below is the only production one; tests swap in
// a fake.
type transport interface {
	Select(table string, filters []filter, orderBy string) ([]byte, error)
	Insert(table string, row record.Raw) ([]byte, error)
	Update(table, id string, patch record.Raw) ([]byte, error)
	Invoke(function string, payload any) (string, error)
}

// supabaseTransport talks to the project's REST and functions endpoints.
// Every request carries a deadline, so a call abandoned by Client.call
// still ends when the platform hangs.
type supabaseTransport struct {
	rest      *postgrest.Client
	httpc     *http.Client
	functions string
	headers   map[string]string
}

func newSupabaseTransport(baseURL, key, schema string, timeout time.Duration) (*supabaseTransport, error) {
	if baseURL == "" || key == "" {
		return nil, errors.New("supabase url and key are required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if schema == "" {
		schema = "public"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	headers := map[string]string{
		"Authorization": "Bearer " + key,
		"apikey":        key,
	}
	rt := &deadlineTransport{base: http.DefaultTransport, timeout: timeout}

	rest := postgrest.NewClient(baseURL+supabase.REST_URL, schema, headers)
	if rest.ClientError != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", rest.ClientError)
	}
	rest.Transport.Parent = rt

	return &supabaseTransport{
		rest:      rest,
		httpc:     &http.Client{Transport: rt, Timeout: timeout},
		functions: baseURL + supabase.FUNCTIONS_URL,
		headers:   headers,
	}, nil
}

func (t *supabaseTransport) Select(table string, filters []filter, orderBy string) ([]byte, error) {
	q := t.rest.From(table).Select("*", "", false)
	for _, f := range filters {
		switch f.op {
		case opEq:
			q = q.Eq(f.column, f.value)
		case opOr:
			q = q.Or(f.value, "")
		}
	}
	if orderBy != "" {
		q = q.Order(orderBy, &postgrest.OrderOpts{Ascending: true})
	}
	body, _, err := q.Execute()
	return body, err
}

func (t *supabaseTransport) Insert(table string, row record.Raw) ([]byte, error) {
	body, _, err := t.rest.From(table).
		Insert(row, false, "", "representation", "").
		Execute()
	return body, err
}

func (t *supabaseTransport) Update(table, id string, patch record.Raw) ([]byte, error) {
	body, _, err := t.rest.From(table).
		Update(patch, "representation", "").
		Eq(record.ColumnID, id).
		Execute()
	return body, err
}

// Invoke posts payload as JSON to an edge function and returns the body.
func (t *supabaseTransport) Invoke(function string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, t.functions+"/"+url.PathEscape(function), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.Header.Get("x-relay-error") == "true" || resp.StatusCode >= 300 {
		return "", fmt.Errorf("function %s: status %d: %s", function, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return string(data), nil
}

// deadlineTransport bounds each request, including reading its body.
type deadlineTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (d *deadlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), d.timeout)
	resp, err := d.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
