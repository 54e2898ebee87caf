package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"nestcal/internal/conflict"
	appLog "nestcal/internal/log"
	"nestcal/internal/metrics"
	"nestcal/internal/model"
)

// Calendar is the published, immutable view of one nest.
type Calendar struct {
	GroupID   string                `json:"nest_id"`
	Events    []model.Annotated     `json:"events"`
	Summary   conflict.IndexSummary `json:"summary"`
	Stale     bool                  `json:"stale"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Window returns the events intersecting [from, to], keeping their
// annotations.
func (c *Calendar) Window(from, to time.Time) []model.Annotated {
	out := make([]model.Annotated, 0, len(c.Events))
	for _, a := range c.Events {
		if a.End.Before(from) || a.Start.After(to) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ExtraSource contributes events that are not in the hosted table, such as
// subscription occurrences.
type ExtraSource interface {
	Events(group, member string, from, to time.Time) []model.Event
}

// Refresher refetches a nest and publishes a new snapshot.
type Refresher interface {
	Refresh(ctx context.Context, group string) error
}

// ViewOptions tunes a View.
type ViewOptions struct {
	Index conflict.IndexOptions
	// Extra is merged into every nest before indexing. Optional.
	Extra ExtraSource
	// Backfill and Horizon bound the Extra window around now.
	Backfill time.Duration
	Horizon  time.Duration
	// Relays is how many delegation notices are kept per nest.
	Relays int
}

// View owns the feed state. Run consumes the hub; readers get immutable
// Calendars through an atomic pointer and never block the loop.
type View struct {
	hub       *Hub
	opts      ViewOptions
	metrics   *metrics.Collector
	refresher Refresher

	calendars atomic.Pointer[map[string]*Calendar]

	mu     sync.RWMutex
	relays map[string][]Relay
}

// NewView builds a View reading from hub. refresher may be nil.
func NewView(hub *Hub, opts ViewOptions, m *metrics.Collector, refresher Refresher) *View {
	if opts.Relays <= 0 {
		opts.Relays = 50
	}
	v := &View{hub: hub, opts: opts, metrics: m, refresher: refresher, relays: map[string][]Relay{}}
	empty := map[string]*Calendar{}
	v.calendars.Store(&empty)
	return v
}

// SetRefresher wires the refresher after construction; the poller and the
// view reference each other.
func (v *View) SetRefresher(r Refresher) {
	v.refresher = r
}

// Run processes messages until ctx is done.
func (v *View) Run(ctx context.Context) {
	state := State{}
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-v.hub.Messages():
			state = v.apply(ctx, state, m)
		}
	}
}

func (v *View) apply(ctx context.Context, state State, m Message) State {
	v.metrics.FeedMessage(m.Kind())

	if r, ok := m.(Relay); ok {
		v.noteRelay(r)
		if v.refresher != nil && r.GroupID != "" {
			// Off the loop: the refresher publishes back into the hub.
			go func() {
				if err := v.refresher.Refresh(ctx, r.GroupID); err != nil && ctx.Err() == nil {
					appLog.Error("relay refresh failed", err, "nest", r.GroupID)
				}
			}()
		}
		return state
	}

	next, changed := Reduce(state, m)
	if len(changed) == 0 {
		return next
	}
	cur := *v.calendars.Load()
	published := make(map[string]*Calendar, len(cur)+len(changed))
	for k, c := range cur {
		published[k] = c
	}
	for _, g := range changed {
		ns, ok := next[g]
		if !ok {
			delete(published, g)
			continue
		}
		published[g] = v.build(g, ns)
	}
	v.calendars.Store(&published)
	return next
}

func (v *View) build(group string, ns NestState) *Calendar {
	evs := ns.Events
	if v.opts.Extra != nil {
		now := time.Now()
		extra := v.opts.Extra.Events(group, "", now.Add(-v.opts.Backfill), now.Add(v.opts.Horizon))
		if len(extra) > 0 {
			evs = append(append(make([]model.Event, 0, len(evs)+len(extra)), evs...), extra...)
		}
	}
	return Build(group, evs, ns.Stale, ns.UpdatedAt, v.opts.Index, v.metrics)
}

// Build runs the Index over evs and wraps the result. It is also used for
// one-off calendars outside the view loop.
func Build(group string, evs []model.Event, stale bool, at time.Time, opts conflict.IndexOptions, m *metrics.Collector) *Calendar {
	started := time.Now()
	annotated := conflict.ComputeConflicts(evs, opts)
	summary := conflict.Summarize(annotated)
	m.IndexRun(group, summary.Conflicting, time.Since(started))
	return &Calendar{
		GroupID:   group,
		Events:    annotated,
		Summary:   summary,
		Stale:     stale,
		UpdatedAt: at,
	}
}

// Calendar returns the latest published calendar of a nest.
func (v *View) Calendar(group string) (*Calendar, bool) {
	c, ok := (*v.calendars.Load())[group]
	return c, ok
}

func (v *View) noteRelay(r Relay) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	list := append(v.relays[r.GroupID], r)
	if len(list) > v.opts.Relays {
		list = list[len(list)-v.opts.Relays:]
	}
	v.relays[r.GroupID] = list
}

// Relays returns the recent delegation notices of a nest, oldest first.
func (v *View) Relays(group string) []Relay {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Relay(nil), v.relays[group]...)
}
