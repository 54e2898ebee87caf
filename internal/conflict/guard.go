package conflict

import (
	"context"
	"errors"
	"sort"
	"time"

	appLog "nestcal/internal/log"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

// Filter scopes a persistence read. GroupID is mandatory; MemberID narrows
// to one responsible member across all legacy member columns.
type Filter struct {
	GroupID  string
	MemberID string
}

// EventReader is the persistence read used by the Guard.
type EventReader interface {
	FetchEvents(ctx context.Context, f Filter) ([]record.Raw, error)
}

// Recorder receives Guard outcomes. A nil Recorder is allowed.
type Recorder interface {
	GuardOutcome(outcome string, elapsed time.Duration)
}

// Guard outcomes as reported to the Recorder.
const (
	OutcomeClear          = "clear"
	OutcomeConflicting    = "conflicting"
	OutcomeUnknown        = "unknown"
	OutcomeScopeViolation = "scope_violation"
	OutcomeMalformed      = "malformed"
	OutcomeCanceled       = "canceled"
)

// Status is the result of one Guard check.
type Status string

const (
	StatusClear       Status = "clear"
	StatusConflicting Status = "conflicting"
)

// Candidate is a new or edited event about to be written.
type Candidate struct {
	// ID is set when editing; the stored copy of the same event is ignored.
	ID            string
	GroupID       string
	ResponsibleID *string
	Start         time.Time
	// End nil or zero means a zero-duration event at Start.
	End *time.Time
}

// Interval returns the candidate's normalized time range.
func (c Candidate) Interval() model.Interval {
	end := c.Start
	if c.End != nil && !c.End.IsZero() {
		end = *c.End
	}
	return model.Interval{Start: c.Start, End: end}
}

// CandidateFrom builds a Candidate from an event.
func CandidateFrom(ev model.Event) Candidate {
	c := Candidate{
		ID:            ev.ID,
		GroupID:       ev.GroupID,
		ResponsibleID: ev.ResponsibleID,
		Start:         ev.Start,
	}
	if !ev.End.IsZero() {
		end := ev.End
		c.End = &end
	}
	return c
}

// Result of a successful check. An empty Conflicts slice means Clear.
type Result struct {
	Status    Status        `json:"status"`
	Conflicts []model.Event `json:"conflicts"`
	// Skipped counts stored records ignored because they were malformed.
	Skipped int `json:"skipped"`
}

// Guard checks a single candidate against the persisted events of its nest.
// It keeps no state between calls.
type Guard struct {
	reader   EventReader
	recorder Recorder
	now      func() time.Time
}

// NewGuard returns a Guard reading through r. rec may be nil.
func NewGuard(r EventReader, rec Recorder) *Guard {
	return &Guard{reader: r, recorder: rec, now: time.Now}
}

// Check reports whether writing c would create a conflict.
//
// Errors:
//   - ErrScopeViolation: c.GroupID is empty. Nothing is read.
//   - ErrMalformedCandidate: missing start, or end before start.
//   - ErrStatusUnknown (*UnknownError): the read failed; the caller must not
//     treat this as "no conflict".
//   - ctx.Err(): the caller went away; discard the result.
func (g *Guard) Check(ctx context.Context, c Candidate) (Result, error) {
	started := g.now()
	res, outcome, err := g.check(ctx, c)
	if g.recorder != nil {
		g.recorder.GuardOutcome(outcome, g.now().Sub(started))
	}
	return res, err
}

func (g *Guard) check(ctx context.Context, c Candidate) (Result, string, error) {
	if c.GroupID == "" {
		appLog.Error("conflict guard called without nest scope", ErrScopeViolation,
			"candidate", c.ID, "responsible", deref(c.ResponsibleID))
		return Result{}, OutcomeScopeViolation, ErrScopeViolation
	}
	if c.Start.IsZero() {
		return Result{}, OutcomeMalformed, malformed("missing start time")
	}
	iv := c.Interval()
	if iv.End.Before(iv.Start) {
		return Result{}, OutcomeMalformed, malformed("end before start")
	}

	member := deref(c.ResponsibleID)
	if member == "" {
		// Unassigned events are family-wide and never conflict.
		return Result{Status: StatusClear, Conflicts: []model.Event{}}, OutcomeClear, nil
	}

	rows, err := g.reader.FetchEvents(ctx, Filter{GroupID: c.GroupID, MemberID: member})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, OutcomeCanceled, ctxErr
		}
		appLog.Error("conflict guard read failed", err, "nest", c.GroupID, "responsible", member)
		return Result{}, OutcomeUnknown, &UnknownError{GroupID: c.GroupID, Cause: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, OutcomeCanceled, ctxErr
	}

	res := Result{Status: StatusClear, Conflicts: []model.Event{}}
	for _, row := range rows {
		ev, err := record.Normalize(row)
		if err != nil {
			res.Skipped++
			appLog.Warn("conflict guard skipping malformed record",
				"nest", c.GroupID, "reason", err.Error())
			continue
		}
		if ev.GroupID != c.GroupID || ev.Responsible() != member {
			// The reader is trusted to scope, but a leak here would compare
			// against another nest's calendar.
			appLog.Error("conflict guard dropped out-of-scope record",
				errors.New("scope leak"), "nest", c.GroupID, "record_nest", ev.GroupID, "id", ev.ID)
			continue
		}
		if c.ID != "" && ev.ID == c.ID {
			continue
		}
		if Overlaps(iv, ev.Interval(), Inclusive) {
			res.Conflicts = append(res.Conflicts, ev)
		}
	}

	if len(res.Conflicts) == 0 {
		return res, OutcomeClear, nil
	}
	sort.Slice(res.Conflicts, func(i, j int) bool {
		if !res.Conflicts[i].Start.Equal(res.Conflicts[j].Start) {
			return res.Conflicts[i].Start.Before(res.Conflicts[j].Start)
		}
		return res.Conflicts[i].ID < res.Conflicts[j].ID
	})
	res.Status = StatusConflicting
	return res, OutcomeConflicting, nil
}

// CheckConflicts is the plain form of Check: it returns the conflicting
// events, an empty slice meaning no conflict.
func (g *Guard) CheckConflicts(ctx context.Context, responsibleID, groupID string, start time.Time, end *time.Time) ([]model.Event, error) {
	res, err := g.Check(ctx, Candidate{
		GroupID:       groupID,
		ResponsibleID: model.Member(responsibleID),
		Start:         start,
		End:           end,
	})
	if err != nil {
		return nil, err
	}
	return res.Conflicts, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
