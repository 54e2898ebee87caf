package model

import "time"

// SourceDB marks events that live in the hosted events table. Events
// imported from ICS subscriptions carry the subscription id instead.
const SourceDB = "db"

// Event is the canonical scheduling unit. Every raw shape coming from the
// hosted tables, the change feed, the local mirror or an ICS subscription is
// normalized into this type before any conflict logic sees it.
type Event struct {
	ID      string `json:"id"`
	GroupID string `json:"nest_id"`

	// ResponsibleID is the accountable member. nil means unassigned: the
	// event is family-wide and never conflicts with anything.
	ResponsibleID *string `json:"responsible_id,omitempty"`

	Start time.Time `json:"start_time"`
	// End is never before Start. Single-instant legacy rows get End == Start.
	End time.Time `json:"end_time"`

	Private bool `json:"is_private"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Interval is a closed time range with Start <= End.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Interval returns the event's time range.
func (e Event) Interval() Interval {
	return Interval{Start: e.Start, End: e.End}
}

// Responsible returns the responsible member id, or "" when unassigned.
func (e Event) Responsible() string {
	if e.ResponsibleID == nil {
		return ""
	}
	return *e.ResponsibleID
}

// Assigned reports whether the event has a responsible member.
func (e Event) Assigned() bool {
	return e.Responsible() != ""
}

// Duration of the event; zero for instants.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Member is a convenience for building ResponsibleID values.
func Member(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// Annotated is an Event plus the derived conflict flags. The flags are
// recomputed whenever the containing set changes and are never persisted.
type Annotated struct {
	Event
	HasConflict    bool     `json:"has_conflict"`
	ConflictingIDs []string `json:"conflicting_event_ids"`
}
