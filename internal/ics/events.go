package ics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nestcal/internal/conflict"
	appLog "nestcal/internal/log"
	"nestcal/internal/model"
	"nestcal/internal/record"
)

// CategoryICS marks events imported from a subscription.
const CategoryICS = "ics"

// EventID is the synthetic id of one subscription occurrence.
func EventID(sourceID, uid, instance string) string {
	return fmt.Sprintf("ics:%s:%s:%s", sourceID, uid, instance)
}

// ToEvents turns occurrences of src into canonical events owned by the
// subscription's nest and member. Imported events are never private.
func ToEvents(src Source, occs []Occurrence) []model.Event {
	out := make([]model.Event, 0, len(occs))
	for _, o := range occs {
		out = append(out, model.Event{
			ID:            EventID(src.ID, o.UID, o.InstanceKey),
			GroupID:       src.NestID,
			ResponsibleID: model.Member(src.MemberID),
			Start:         o.Start,
			End:           o.End,
			Title:         o.Summary,
			Description:   o.Description,
			Category:      CategoryICS,
			Source:        src.ID,
		})
	}
	return out
}

// Subscriptions keeps the parsed contents of every configured source.
// Refresh downloads; Events expands from memory and never touches the
// network.
type Subscriptions struct {
	fetcher *Fetcher
	loc     *time.Location

	mu      sync.RWMutex
	sources []Source
	parsed  map[string][]ParsedEvent
	updated time.Time
}

// NewSubscriptions returns an empty set; call Refresh to populate it.
func NewSubscriptions(f *Fetcher, sources []Source, loc *time.Location) *Subscriptions {
	if loc == nil {
		loc = time.UTC
	}
	return &Subscriptions{fetcher: f, loc: loc, sources: sources, parsed: map[string][]ParsedEvent{}}
}

// SetSources replaces the subscription list, dropping parsed data of
// removed sources.
func (s *Subscriptions) SetSources(sources []Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string][]ParsedEvent, len(sources))
	for _, src := range sources {
		if p, ok := s.parsed[src.ID]; ok {
			keep[src.ID] = p
		}
	}
	s.sources = sources
	s.parsed = keep
}

// Refresh fetches and parses every source. A failed source keeps its
// previous parse.
func (s *Subscriptions) Refresh(ctx context.Context) error {
	s.mu.RLock()
	sources := append([]Source(nil), s.sources...)
	s.mu.RUnlock()
	if len(sources) == 0 {
		return nil
	}

	results, errs := s.fetcher.FetchAll(ctx, sources)
	parsed := make(map[string][]ParsedEvent, len(results))
	for _, res := range results {
		evs, err := ParseICS(res.Source, res.Body)
		if err != nil {
			appLog.Error("ics parse failed", err, "id", res.Source.ID)
			errs = append(errs, fmt.Errorf("ics %s: %w", res.Source.ID, err))
			continue
		}
		parsed[res.Source.ID] = evs
	}

	s.mu.Lock()
	for id, evs := range parsed {
		s.parsed[id] = evs
	}
	s.updated = time.Now()
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Events expands the subscriptions of one nest within [from, to]. An
// empty member means every member of the nest.
func (s *Subscriptions) Events(group, member string, from, to time.Time) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, src := range s.sources {
		if src.NestID != group || (member != "" && src.MemberID != member) {
			continue
		}
		res, err := ExpandOccurrences(s.parsed[src.ID], ExpandConfig{
			Location:   s.loc,
			RangeStart: from,
			RangeEnd:   to,
		})
		if err != nil {
			appLog.Warn("ics expansion failed", "id", src.ID, "reason", err.Error())
			continue
		}
		out = append(out, ToEvents(src, res.Occurrences)...)
	}
	return out
}

// Updated is the time of the last Refresh.
func (s *Subscriptions) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Composite merges subscription occurrences into a primary reader so the
// Guard sees imported commitments too. A primary failure is returned as is;
// subscriptions are served from memory and cannot fail.
type Composite struct {
	Primary conflict.EventReader
	Subs    *Subscriptions
	// Backfill and Horizon bound the expansion around now.
	Backfill time.Duration
	Horizon  time.Duration
	Now      func() time.Time
}

// FetchEvents implements conflict.EventReader.
func (c *Composite) FetchEvents(ctx context.Context, f conflict.Filter) ([]record.Raw, error) {
	rows, err := c.Primary.FetchEvents(ctx, f)
	if err != nil || c.Subs == nil {
		return rows, err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()
	for _, ev := range c.Subs.Events(f.GroupID, f.MemberID, t.Add(-c.Backfill), t.Add(c.Horizon)) {
		rows = append(rows, record.FromEvent(ev))
	}
	return rows, nil
}
