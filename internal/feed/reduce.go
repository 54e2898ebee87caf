package feed

import (
	"errors"
	"time"

	appLog "nestcal/internal/log"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

// NestState is the latest known event list of one nest.
type NestState struct {
	Events    []model.Event
	Stale     bool
	UpdatedAt time.Time
}

// State maps nest id to its latest state. Reduce never mutates a State it
// is given; nests it does not touch are shared with the result.
type State map[string]NestState

// Reduce applies m to s and returns the new state plus the nests whose
// state changed. It is pure apart from logging.
//
// A Change only applies to a nest that already has a snapshot; anything
// else would publish a partial calendar.
func Reduce(s State, m Message) (State, []string) {
	switch msg := m.(type) {
	case Snapshot:
		return reduceSnapshot(s, msg)
	case Change:
		return reduceChange(s, msg)
	case Invalidate:
		if msg.GroupID != "" {
			if _, ok := s[msg.GroupID]; ok {
				return s, []string{msg.GroupID}
			}
			return s, nil
		}
		groups := make([]string, 0, len(s))
		for g := range s {
			groups = append(groups, g)
		}
		return s, groups
	default:
		return s, nil
	}
}

func reduceSnapshot(s State, msg Snapshot) (State, []string) {
	if msg.GroupID == "" {
		appLog.Error("snapshot without nest dropped", errors.New("scope violation"))
		return s, nil
	}
	evs, _ := record.NormalizeAll(msg.Records)
	kept := make([]model.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.GroupID != msg.GroupID {
			appLog.Error("snapshot row from another nest dropped", errors.New("scope leak"),
				"nest", msg.GroupID, "row_nest", ev.GroupID, "id", ev.ID)
			continue
		}
		kept = append(kept, ev)
	}
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	next := clone(s)
	next[msg.GroupID] = NestState{Events: kept, Stale: msg.Stale, UpdatedAt: at}
	return next, []string{msg.GroupID}
}

func reduceChange(s State, msg Change) (State, []string) {
	switch msg.Op {
	case OpDelete:
		row := msg.Old
		if row == nil {
			row = msg.Record
		}
		id, group := record.ID(row), record.Group(row)
		if id == "" {
			return s, nil
		}
		if group == "" {
			// Deletes from a minimal replica identity carry only the id.
			group = findGroup(s, id)
		}
		ns, ok := s[group]
		if !ok {
			return s, nil
		}
		next := clone(s)
		next[group] = withEvents(ns, remove(ns.Events, id))
		return next, []string{group}

	case OpInsert, OpUpdate:
		ev, err := record.Normalize(msg.Record)
		if err != nil {
			appLog.Warn("change feed record dropped", "op", string(msg.Op), "reason", err.Error())
			return s, nil
		}
		next := s
		var changed []string

		// An update may move the row to another nest.
		if msg.Op == OpUpdate {
			oldGroup := record.Group(msg.Old)
			if oldGroup == "" {
				oldGroup = findGroup(s, ev.ID)
			}
			if oldGroup != "" && oldGroup != ev.GroupID {
				if ns, ok := s[oldGroup]; ok {
					next = clone(next)
					next[oldGroup] = withEvents(ns, remove(ns.Events, ev.ID))
					changed = append(changed, oldGroup)
				}
			}
		}

		ns, ok := next[ev.GroupID]
		if !ok {
			return next, changed
		}
		if len(changed) == 0 {
			next = clone(next)
		}
		next[ev.GroupID] = withEvents(ns, upsert(ns.Events, ev))
		return next, append(changed, ev.GroupID)

	default:
		appLog.Warn("change feed op unknown", "op", string(msg.Op))
		return s, nil
	}
}

func clone(s State) State {
	out := make(State, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

func withEvents(ns NestState, evs []model.Event) NestState {
	ns.Events = evs
	ns.UpdatedAt = time.Now()
	return ns
}

func findGroup(s State, id string) string {
	for g, ns := range s {
		for _, ev := range ns.Events {
			if ev.ID == id {
				return g
			}
		}
	}
	return ""
}

// upsert returns a new slice with ev replacing the event of the same id,
// or appended.
func upsert(evs []model.Event, ev model.Event) []model.Event {
	out := make([]model.Event, 0, len(evs)+1)
	replaced := false
	for _, e := range evs {
		if e.ID == ev.ID && ev.ID != "" {
			out = append(out, ev)
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, ev)
	}
	return out
}

func remove(evs []model.Event, id string) []model.Event {
	out := make([]model.Event, 0, len(evs))
	for _, e := range evs {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}
