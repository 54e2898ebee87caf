// Package conflict detects scheduling conflicts: two events in the same nest,
// owned by the same responsible member, whose time ranges overlap.
//
// The Index annotates a visible set of events in bulk. The Guard checks one
// candidate against persisted state right before a write.
package conflict

import (
	appLog "nestcal/internal/log"
	"nestcal/internal/model"
)

// Mode selects how interval boundaries are compared.
type Mode int

const (
	// Exclusive treats back-to-back events as not overlapping. Used by the
	// Index for the passive calendar flag.
	Exclusive Mode = iota
	// Inclusive treats boundary touching as overlap. Used by the Guard
	// before a write.
	Inclusive
)

func (m Mode) String() string {
	if m == Inclusive {
		return "inclusive"
	}
	return "exclusive"
}

// Valid reports whether an interval can take part in overlap math.
func Valid(iv model.Interval) bool {
	return !iv.Start.IsZero() && !iv.End.Before(iv.Start)
}

// Overlaps reports whether a and b overlap under mode.
//
// In Exclusive mode a zero-duration event overlaps only an interval that
// strictly contains it; two identical instants do not overlap. Malformed
// intervals never overlap.
func Overlaps(a, b model.Interval, mode Mode) bool {
	if !Valid(a) || !Valid(b) {
		appLog.Warn("overlap check on malformed interval",
			"a_start", a.Start, "a_end", a.End, "b_start", b.Start, "b_end", b.End)
		return false
	}
	if mode == Inclusive {
		return !a.Start.After(b.End) && !b.Start.After(a.End)
	}
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// SharesResponsible reports whether two events belong to the same nest and
// the same, non-empty, responsible member.
func SharesResponsible(a, b model.Event) bool {
	if a.GroupID == "" || a.GroupID != b.GroupID {
		return false
	}
	ra, rb := a.Responsible(), b.Responsible()
	return ra != "" && ra == rb
}

// Conflicts reports whether a and b are distinct events that conflict.
func Conflicts(a, b model.Event, mode Mode) bool {
	if a.ID != "" && a.ID == b.ID {
		return false
	}
	return SharesResponsible(a, b) && Overlaps(a.Interval(), b.Interval(), mode)
}
