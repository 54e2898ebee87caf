package conflict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestcal/internal/model"
	"nestcal/internal/record"
)

// fakeReader serves rows from memory and applies the same scoping a real
// reader would, unless leaky is set.
type fakeReader struct {
	rows  []record.Raw
	err   error
	leaky bool

	mu    sync.Mutex
	calls []Filter
}

func (f *fakeReader) FetchEvents(ctx context.Context, flt Filter) ([]record.Raw, error) {
	f.mu.Lock()
	f.calls = append(f.calls, flt)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.leaky {
		return f.rows, nil
	}
	var out []record.Raw
	for _, r := range f.rows {
		if record.Group(r) != flt.GroupID {
			continue
		}
		member := ""
		for _, k := range record.MemberColumns {
			if s, ok := r[k].(string); ok && s != "" {
				member = s
				break
			}
		}
		if flt.MemberID != "" && member != flt.MemberID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) GuardOutcome(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

func row(id, group, member, from, to string) record.Raw {
	r := record.Raw{"id": id, "nest_id": group, "assigned_to": member, "start_time": at(from).Format(time.RFC3339)}
	if to != "" {
		r["end_time"] = at(to).Format(time.RFC3339)
	}
	return r
}

func ptr(t time.Time) *time.Time { return &t }

func TestGuard_ConflictInSameNest(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{row("E", "G1", "X", "13:30", "14:30")}}
	g := NewGuard(reader, nil)

	got, err := g.CheckConflicts(context.Background(), "X", "G1", at("14:00"), ptr(at("15:00")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E", got[0].ID)

	got, err = g.CheckConflicts(context.Background(), "X", "G2", at("14:00"), ptr(at("15:00")))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	require.Len(t, reader.calls, 2)
	assert.Equal(t, Filter{GroupID: "G1", MemberID: "X"}, reader.calls[0])
	assert.Equal(t, Filter{GroupID: "G2", MemberID: "X"}, reader.calls[1])
}

func TestGuard_BoundaryTouchIsConflict(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{row("E", "G", "X", "10:00", "11:00")}}
	res, err := NewGuard(reader, nil).Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("11:00"), End: ptr(at("12:00")),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConflicting, res.Status)
	require.Len(t, res.Conflicts, 1)
}

func TestGuard_MissingEndIsInstant(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{
		row("legacy", "G", "X", "09:00", ""),
		row("later", "G", "X", "09:30", "10:00"),
	}}
	g := NewGuard(reader, nil)

	res, err := g.Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("08:00"), End: ptr(at("09:00")),
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "legacy", res.Conflicts[0].ID)

	// Candidate without end is an instant too.
	res, err = g.Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("09:15"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClear, res.Status)
}

func TestGuard_ScopeViolation(t *testing.T) {
	reader := &fakeReader{}
	rec := &outcomes{}
	_, err := NewGuard(reader, rec).Check(context.Background(), Candidate{
		ResponsibleID: model.Member("X"), Start: at("09:00"),
	})
	require.ErrorIs(t, err, ErrScopeViolation)
	assert.Empty(t, reader.calls, "must not read without scope")
	assert.Equal(t, []string{OutcomeScopeViolation}, rec.seen)
}

func TestGuard_MalformedCandidate(t *testing.T) {
	reader := &fakeReader{}
	g := NewGuard(reader, nil)

	_, err := g.Check(context.Background(), Candidate{GroupID: "G", ResponsibleID: model.Member("X")})
	assert.ErrorIs(t, err, ErrMalformedCandidate)

	_, err = g.Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("10:00"), End: ptr(at("09:00")),
	})
	assert.ErrorIs(t, err, ErrMalformedCandidate)
	assert.Empty(t, reader.calls)
}

func TestGuard_UnassignedCandidateSkipsRead(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{row("E", "G", "X", "09:00", "10:00")}}
	res, err := NewGuard(reader, nil).Check(context.Background(), Candidate{GroupID: "G", Start: at("09:00")})
	require.NoError(t, err)
	assert.Equal(t, StatusClear, res.Status)
	assert.Empty(t, reader.calls)
}

func TestGuard_ReadFailureIsUnknownNotClear(t *testing.T) {
	cause := errors.New("connection refused")
	rec := &outcomes{}
	res, err := NewGuard(&fakeReader{err: cause}, rec).Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("09:00"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusUnknown)
	assert.ErrorIs(t, err, cause)

	var unknown *UnknownError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "G", unknown.GroupID)
	assert.Empty(t, res.Status)
	assert.Equal(t, []string{OutcomeUnknown}, rec.seen)
}

func TestGuard_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGuard(&fakeReader{err: context.Canceled}, nil).Check(ctx, Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("09:00"),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStatusUnknown)
}

func TestGuard_SkipsMalformedStoredRecords(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{
		{"id": "bad", "nest_id": "G", "assigned_to": "X", "start_time": "yesterday-ish"},
		row("E", "G", "X", "09:30", "10:30"),
	}}
	res, err := NewGuard(reader, nil).Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("09:00"), End: ptr(at("10:00")),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "E", res.Conflicts[0].ID)
}

func TestGuard_DropsLeakedRecords(t *testing.T) {
	reader := &fakeReader{leaky: true, rows: []record.Raw{
		row("other-nest", "G2", "X", "09:00", "10:00"),
		row("other-member", "G1", "Y", "09:00", "10:00"),
		row("mine", "G1", "X", "09:00", "10:00"),
	}}
	res, err := NewGuard(reader, nil).Check(context.Background(), Candidate{
		GroupID: "G1", ResponsibleID: model.Member("X"), Start: at("09:30"), End: ptr(at("09:45")),
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "mine", res.Conflicts[0].ID)
}

func TestGuard_EditIgnoresStoredSelf(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{row("E", "G", "X", "09:00", "10:00")}}
	c := CandidateFrom(model.Event{
		ID: "E", GroupID: "G", ResponsibleID: model.Member("X"), Start: at("09:15"), End: at("10:15"),
	})
	res, err := NewGuard(reader, nil).Check(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, StatusClear, res.Status)
}

func TestGuard_ConflictsSortedByStart(t *testing.T) {
	reader := &fakeReader{rows: []record.Raw{
		row("late", "G", "X", "11:00", "12:00"),
		row("early", "G", "X", "08:00", "09:30"),
	}}
	rec := &outcomes{}
	res, err := NewGuard(reader, rec).Check(context.Background(), Candidate{
		GroupID: "G", ResponsibleID: model.Member("X"), Start: at("09:00"), End: ptr(at("11:30")),
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 2)
	assert.Equal(t, "early", res.Conflicts[0].ID)
	assert.Equal(t, "late", res.Conflicts[1].ID)
	assert.Equal(t, []string{OutcomeConflicting}, rec.seen)
}
