package conflict

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestcal/internal/model"
)

func ev(id, group, member, from, to string) model.Event {
	return model.Event{
		ID:            id,
		GroupID:       group,
		ResponsibleID: model.Member(member),
		Start:         at(from),
		End:           at(to),
	}
}

func TestComputeConflicts_OverlapSameMember(t *testing.T) {
	out := ComputeConflicts([]model.Event{
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "x", "09:30", "10:30"),
	}, IndexOptions{})

	require.Len(t, out, 2)
	assert.True(t, out[0].HasConflict)
	assert.Equal(t, []string{"B"}, out[0].ConflictingIDs)
	assert.True(t, out[1].HasConflict)
	assert.Equal(t, []string{"A"}, out[1].ConflictingIDs)
}

func TestComputeConflicts_DifferentMembers(t *testing.T) {
	out := ComputeConflicts([]model.Event{
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "y", "09:30", "10:30"),
	}, IndexOptions{})

	for _, a := range out {
		assert.False(t, a.HasConflict, a.ID)
		assert.Empty(t, a.ConflictingIDs, a.ID)
	}
}

func TestComputeConflicts_BoundaryTouch(t *testing.T) {
	events := []model.Event{
		ev("A", "g", "x", "10:00", "11:00"),
		ev("B", "g", "x", "11:00", "12:00"),
	}

	excl := ComputeConflicts(events, IndexOptions{Mode: Exclusive})
	assert.False(t, excl[0].HasConflict)
	assert.False(t, excl[1].HasConflict)

	incl := ComputeConflicts(events, IndexOptions{Mode: Inclusive})
	assert.Equal(t, []string{"B"}, incl[0].ConflictingIDs)
	assert.Equal(t, []string{"A"}, incl[1].ConflictingIDs)
}

func TestComputeConflicts_PairwiseNotTransitive(t *testing.T) {
	out := ByID(ComputeConflicts([]model.Event{
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "x", "09:45", "11:15"),
		ev("C", "g", "x", "11:00", "12:00"),
	}, IndexOptions{}))

	assert.Equal(t, []string{"B"}, out["A"].ConflictingIDs)
	assert.Equal(t, []string{"A", "C"}, out["B"].ConflictingIDs)
	assert.Equal(t, []string{"B"}, out["C"].ConflictingIDs)
	for _, id := range []string{"A", "B", "C"} {
		assert.True(t, out[id].HasConflict, id)
	}
}

func TestComputeConflicts_UnassignedNeverConflicts(t *testing.T) {
	family := ev("F", "g", "", "08:00", "18:00")
	out := ByID(ComputeConflicts([]model.Event{
		family,
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "x", "09:30", "10:30"),
	}, IndexOptions{Mode: Inclusive}))

	assert.False(t, out["F"].HasConflict)
	assert.NotContains(t, out["A"].ConflictingIDs, "F")
	assert.NotContains(t, out["B"].ConflictingIDs, "F")
}

func TestComputeConflicts_NeverAcrossNests(t *testing.T) {
	out := ComputeConflicts([]model.Event{
		ev("A", "g1", "x", "09:00", "10:00"),
		ev("B", "g2", "x", "09:00", "10:00"),
	}, IndexOptions{Mode: Inclusive})

	assert.False(t, out[0].HasConflict)
	assert.False(t, out[1].HasConflict)
}

func TestComputeConflicts_ZeroDurationLegacyEvent(t *testing.T) {
	legacy := model.Event{ID: "L", GroupID: "g", ResponsibleID: model.Member("x"), Start: at("09:00"), End: at("09:00")}
	out := ByID(ComputeConflicts([]model.Event{
		legacy,
		ev("A", "g", "x", "08:30", "09:30"),
		ev("B", "g", "x", "09:00", "09:45"),
	}, IndexOptions{}))

	assert.Equal(t, []string{"A"}, out["L"].ConflictingIDs)
	assert.Contains(t, out["A"].ConflictingIDs, "L")
	assert.NotContains(t, out["B"].ConflictingIDs, "L")
}

func TestComputeConflicts_IdenticalInstants(t *testing.T) {
	events := []model.Event{
		ev("A", "g", "x", "09:00", "09:00"),
		ev("B", "g", "x", "09:00", "09:00"),
	}
	exclusive := ComputeConflicts(events, IndexOptions{Mode: Exclusive})
	assert.False(t, exclusive[0].HasConflict)
	assert.False(t, exclusive[1].HasConflict)

	inclusive := ComputeConflicts(events, IndexOptions{Mode: Inclusive})
	assert.Equal(t, []string{"B"}, inclusive[0].ConflictingIDs)
	assert.Equal(t, []string{"A"}, inclusive[1].ConflictingIDs)
}

func TestComputeConflicts_MalformedEventIsolated(t *testing.T) {
	broken := model.Event{ID: "Z", GroupID: "g", ResponsibleID: model.Member("x"), Start: at("10:00"), End: at("09:00")}
	out := ByID(ComputeConflicts([]model.Event{
		broken,
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "x", "09:30", "10:30"),
	}, IndexOptions{}))

	require.Len(t, out, 3)
	assert.False(t, out["Z"].HasConflict)
	assert.Equal(t, []string{"B"}, out["A"].ConflictingIDs)
}

func TestComputeConflicts_DuplicateIDsCollapse(t *testing.T) {
	out := ComputeConflicts([]model.Event{
		ev("A", "g", "x", "09:00", "10:00"),
		ev("A", "g", "x", "09:15", "10:15"),
		ev("B", "g", "x", "09:30", "10:30"),
	}, IndexOptions{})

	require.Len(t, out, 2)
	assert.Equal(t, at("09:15"), out[0].Start)
	assert.Equal(t, []string{"B"}, out[0].ConflictingIDs)
}

func TestComputeConflicts_EventsWithoutID(t *testing.T) {
	tests := []struct {
		name   string
		events []model.Event
		want   map[int][]string
	}{
		{
			name: "two id-less events",
			events: []model.Event{
				ev("", "g", "x", "09:00", "10:00"),
				ev("", "g", "x", "09:30", "10:30"),
			},
			want: map[int][]string{0: {}, 1: {}},
		},
		{
			name: "id-less next to a stored event",
			events: []model.Event{
				ev("", "g", "x", "09:00", "10:00"),
				ev("A", "g", "x", "09:30", "10:30"),
			},
			want: map[int][]string{0: {"A"}, 1: {}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ComputeConflicts(tt.events, IndexOptions{})
			require.Len(t, out, len(tt.events))
			for i, ids := range tt.want {
				assert.True(t, out[i].HasConflict, "event %d is still flagged", i)
				assert.Equal(t, ids, out[i].ConflictingIDs)
				assert.NotContains(t, out[i].ConflictingIDs, "")
			}
		})
	}
}

func TestComputeConflicts_DoesNotMutateInput(t *testing.T) {
	in := []model.Event{
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "x", "09:30", "10:30"),
	}
	snapshot := append([]model.Event(nil), in...)
	_ = ComputeConflicts(in, IndexOptions{})
	assert.Equal(t, snapshot, in)
}

func randomEvents(r *rand.Rand, n int) []model.Event {
	members := []string{"", "x", "y", "z"}
	groups := []string{"g1", "g2"}
	out := make([]model.Event, n)
	for i := range out {
		start := day.Add(time.Duration(r.Intn(48)) * 15 * time.Minute)
		end := start.Add(time.Duration(r.Intn(9)) * 15 * time.Minute)
		out[i] = model.Event{
			ID:            fmt.Sprintf("e%02d", i),
			GroupID:       groups[r.Intn(len(groups))],
			ResponsibleID: model.Member(members[r.Intn(len(members))]),
			Start:         start,
			End:           end,
		}
	}
	return out
}

func TestComputeConflicts_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		events := randomEvents(r, 30)
		for _, mode := range []Mode{Exclusive, Inclusive} {
			out := ComputeConflicts(events, IndexOptions{Mode: mode})
			byID := ByID(out)

			for _, a := range out {
				assert.NotContains(t, a.ConflictingIDs, a.ID, "self-exclusion")
				assert.Equal(t, len(a.ConflictingIDs) > 0, a.HasConflict)

				seen := map[string]bool{}
				for _, other := range a.ConflictingIDs {
					assert.False(t, seen[other], "duplicate id %s", other)
					seen[other] = true

					b := byID[other]
					assert.Contains(t, b.ConflictingIDs, a.ID, "symmetry %s/%s", a.ID, other)
					assert.Equal(t, a.GroupID, b.GroupID, "cross-nest %s/%s", a.ID, other)
					assert.Equal(t, a.Responsible(), b.Responsible(), "cross-assignment %s/%s", a.ID, other)
					assert.NotEmpty(t, b.Responsible(), "unassigned %s", other)
				}
				if !a.Assigned() {
					assert.False(t, a.HasConflict)
				}
			}

			again := ComputeConflicts(Strip(out), IndexOptions{Mode: mode})
			assert.Equal(t, out, again, "idempotence")
		}
	}
}

func TestSummarize(t *testing.T) {
	out := ComputeConflicts([]model.Event{
		ev("A", "g", "x", "09:00", "10:00"),
		ev("B", "g", "x", "09:45", "11:15"),
		ev("C", "g", "x", "11:00", "12:00"),
		ev("D", "g", "y", "11:00", "12:00"),
	}, IndexOptions{})

	assert.Equal(t, IndexSummary{Total: 4, Conflicting: 3, Pairs: 2}, Summarize(out))
}
