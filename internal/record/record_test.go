package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestcal/internal/model"
)

func TestNormalize_CanonicalRow(t *testing.T) {
	ev, err := Normalize(Raw{
		"id":             "e1",
		"nest_id":        "g1",
		"responsible_id": "x",
		"start_time":     "2026-02-15T09:00:00Z",
		"end_time":       "2026-02-15T10:00:00Z",
		"is_private":     true,
		"title":          "Dentist",
	})
	require.NoError(t, err)

	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "g1", ev.GroupID)
	assert.Equal(t, "x", ev.Responsible())
	assert.Equal(t, time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC), ev.Start.UTC())
	assert.Equal(t, time.Hour, ev.Duration())
	assert.True(t, ev.Private)
	assert.Equal(t, "Dentist", ev.Title)
	assert.Equal(t, model.SourceDB, ev.Source)
}

func TestNormalize_LegacyFieldNames(t *testing.T) {
	tests := []struct {
		name   string
		raw    Raw
		member string
	}{
		{
			name:   "assigned_to",
			raw:    Raw{"id": "a", "nest_id": "g", "assigned_to": "x", "start": "2026-02-15T09:00:00Z"},
			member: "x",
		},
		{
			name:   "member_id and family_id",
			raw:    Raw{"id": "b", "family_id": "g", "member_id": "y", "event_date": "2026-02-15"},
			member: "y",
		},
		{
			name:   "canonical wins over alias",
			raw:    Raw{"id": "c", "group_id": "g", "responsible_id": "x", "assigned_to": "y", "date": "2026-02-15"},
			member: "x",
		},
		{
			name:   "unassigned",
			raw:    Raw{"id": "d", "nest_id": "g", "assigned_to": "", "start_time": "2026-02-15T09:00:00Z"},
			member: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, "g", ev.GroupID)
			assert.Equal(t, tt.member, ev.Responsible())
		})
	}
}

func TestNormalize_MissingEndIsInstant(t *testing.T) {
	ev, err := Normalize(Raw{"id": "e", "nest_id": "g", "start_time": "2026-02-15T09:00"})
	require.NoError(t, err)

	want := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	assert.True(t, ev.Start.Equal(want))
	assert.True(t, ev.End.Equal(want))
	assert.Zero(t, ev.Duration())
}

func TestNormalize_UnparsableEndIsInstant(t *testing.T) {
	ev, err := Normalize(Raw{"id": "e", "nest_id": "g", "start_time": "2026-02-15T09:00:00Z", "end_time": "soon"})
	require.NoError(t, err)
	assert.True(t, ev.End.Equal(ev.Start))
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   Raw
		field string
	}{
		{"missing group", Raw{"id": "e", "start_time": "2026-02-15T09:00:00Z"}, ColumnGroup},
		{"missing start", Raw{"id": "e", "nest_id": "g"}, ColumnStart},
		{"blank start", Raw{"id": "e", "nest_id": "g", "start_time": "  "}, ColumnStart},
		{"garbage start", Raw{"id": "e", "nest_id": "g", "start_time": "tomorrow"}, ColumnStart},
		{"end before start", Raw{"id": "e", "nest_id": "g", "start_time": "2026-02-15T10:00:00Z", "end_time": "2026-02-15T09:00:00Z"}, ColumnEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDataQuality))

			var dq *DataQualityError
			require.True(t, errors.As(err, &dq))
			assert.Equal(t, tt.field, dq.Field)
		})
	}
}

func TestNormalizeAll_SkipsBadRecords(t *testing.T) {
	rows := []Raw{
		{"id": "ok1", "nest_id": "g", "start_time": "2026-02-15T09:00:00Z"},
		{"id": "bad", "nest_id": "g", "start_time": "not a time"},
		{"id": "ok2", "nest_id": "g", "start_time": "2026-02-15 11:00:00"},
	}
	events, errs := NormalizeAll(rows)
	require.Len(t, events, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, "ok1", events[0].ID)
	assert.Equal(t, "ok2", events[1].ID)
}

func TestParseTime_Shapes(t *testing.T) {
	want := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	inputs := []any{
		"2026-02-15T09:00:00Z",
		"2026-02-15T10:00:00+01:00",
		"2026-02-15T09:00:00",
		"2026-02-15 09:00:00",
		"2026-02-15 09:00:00+00",
		float64(want.Unix()),
		json.Number("1771146000"),
		want,
	}
	for _, in := range inputs {
		got, err := ParseTime(in)
		require.NoError(t, err, "input %v", in)
		assert.True(t, got.Equal(want), "input %v gave %v", in, got)
	}

	_, err := ParseTime(true)
	assert.Error(t, err)
}

func TestFromEvent_RoundTripsThroughNormalize(t *testing.T) {
	src := model.Event{
		ID:            "e1",
		GroupID:       "g1",
		ResponsibleID: model.Member("x"),
		Start:         time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC),
		Title:         "Swim",
	}
	row := FromEvent(src)
	assert.Equal(t, "x", row[ColumnResponsible])
	assert.Equal(t, row[ColumnStart], row[ColumnEnd])

	got, err := Normalize(row)
	require.NoError(t, err)
	assert.Equal(t, src.ID, got.ID)
	assert.True(t, got.End.Equal(src.Start))
}

func TestFromEvent_UnassignedWritesNull(t *testing.T) {
	row := FromEvent(model.Event{GroupID: "g", Start: time.Now()})
	v, ok := row[ColumnResponsible]
	assert.True(t, ok)
	assert.Nil(t, v)
	_, hasID := row[ColumnID]
	assert.False(t, hasID)
}

func TestGroupMemberID_Aliases(t *testing.T) {
	r := Raw{"id": "e1", "family_id": "g1", "member_id": "m1"}
	assert.Equal(t, "e1", ID(r))
	assert.Equal(t, "g1", Group(r))
	assert.Equal(t, "m1", Member(r))
	assert.Equal(t, "", Member(Raw{"responsible_id": nil}))
}
