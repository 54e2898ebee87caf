package conflict

import (
	"sort"

	appLog "nestcal/internal/log"
	"nestcal/internal/model"
)

// IndexOptions tunes ComputeConflicts. The zero value uses Exclusive mode.
type IndexOptions struct {
	Mode Mode
}

// IndexSummary counts what an Index run found.
type IndexSummary struct {
	Total       int `json:"total"`
	Conflicting int `json:"conflicting"`
	Pairs       int `json:"pairs"`
}

// ComputeConflicts annotates every event with the ids of the events it
// conflicts with. It is a pure function of its input: the slice is not
// modified and the output keeps input order.
//
// The scan is pairwise and quadratic. Callers pass a bounded visible window
// (a day, a week, a month), never the whole history.
//
// Duplicate ids collapse to the last occurrence. Malformed events are kept
// in the output but never flagged.
func ComputeConflicts(events []model.Event, opts IndexOptions) []model.Annotated {
	events = dedupe(events)
	out := make([]model.Annotated, len(events))

	// Bucket by nest and member so the pairwise scan only touches
	// candidates that can conflict at all.
	buckets := make(map[[2]string][]int)
	for i, ev := range events {
		out[i] = model.Annotated{Event: ev, ConflictingIDs: []string{}}
		if !ev.Assigned() || ev.GroupID == "" {
			continue
		}
		if !Valid(ev.Interval()) {
			appLog.Warn("index skipping malformed event", "id", ev.ID, "start", ev.Start, "end", ev.End)
			continue
		}
		key := [2]string{ev.GroupID, ev.Responsible()}
		buckets[key] = append(buckets[key], i)
	}

	ids := make([]map[string]struct{}, len(events))
	flagged := make([]bool, len(events))
	for _, idx := range buckets {
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				a, b := events[idx[x]], events[idx[y]]
				if !Conflicts(a, b, opts.Mode) {
					continue
				}
				flagged[idx[x]], flagged[idx[y]] = true, true
				link(ids, idx[x], b.ID)
				link(ids, idx[y], a.ID)
			}
		}
	}

	for i, set := range ids {
		out[i].HasConflict = flagged[i]
		if len(set) == 0 {
			continue
		}
		list := make([]string, 0, len(set))
		for id := range set {
			list = append(list, id)
		}
		sort.Strings(list)
		out[i].ConflictingIDs = list
	}
	return out
}

// link records other as a conflict of event i. Events without an id still
// get flagged but cannot be named.
func link(ids []map[string]struct{}, i int, other string) {
	if other == "" {
		return
	}
	if ids[i] == nil {
		ids[i] = make(map[string]struct{})
	}
	ids[i][other] = struct{}{}
}

// dedupe drops earlier copies of repeated ids. Events without an id are
// always kept.
func dedupe(events []model.Event) []model.Event {
	last := make(map[string]int, len(events))
	dup := false
	for i, ev := range events {
		if ev.ID == "" {
			continue
		}
		if _, ok := last[ev.ID]; ok {
			dup = true
		}
		last[ev.ID] = i
	}
	if !dup {
		return events
	}
	out := make([]model.Event, 0, len(last))
	for i, ev := range events {
		if ev.ID != "" && last[ev.ID] != i {
			appLog.Warn("index dropping duplicate event id", "id", ev.ID)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Strip drops the derived fields, giving back the plain events.
func Strip(annotated []model.Annotated) []model.Event {
	out := make([]model.Event, len(annotated))
	for i, a := range annotated {
		out[i] = a.Event
	}
	return out
}

// Summarize counts flagged events and conflicting pairs. Pairs only counts
// pairs whose events both have an id.
func Summarize(annotated []model.Annotated) IndexSummary {
	s := IndexSummary{Total: len(annotated)}
	links := 0
	for _, a := range annotated {
		if a.HasConflict {
			s.Conflicting++
		}
		links += len(a.ConflictingIDs)
	}
	s.Pairs = links / 2
	return s
}

// ByID indexes annotated events by id.
func ByID(annotated []model.Annotated) map[string]model.Annotated {
	m := make(map[string]model.Annotated, len(annotated))
	for _, a := range annotated {
		m[a.ID] = a
	}
	return m
}
