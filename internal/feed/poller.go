package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "nestcal/internal/log"
	"nestcal/internal/record"
)

// WindowReader is the hosted read used for calendar rendering.
type WindowReader interface {
	FetchWindow(ctx context.Context, group string, from, to time.Time) ([]record.Raw, error)
}

// Mirror is the local snapshot store.
type Mirror interface {
	SaveSnapshot(ctx context.Context, group string, rows []record.Raw) error
	LoadSnapshot(ctx context.Context, group string) ([]record.Raw, time.Time, error)
}

// PollerOptions bounds what the poller reads.
type PollerOptions struct {
	Backfill time.Duration
	Horizon  time.Duration
	// Timeout bounds one nest refresh.
	Timeout time.Duration
}

// Poller refetches tracked nests on a cron schedule and publishes
// snapshots. A successful read is mirrored locally; a failed one publishes
// the mirror marked stale.
type Poller struct {
	reader WindowReader
	mirror Mirror
	hub    *Hub
	opts   PollerOptions
	now    func() time.Time

	mu      sync.Mutex
	tracked map[string]struct{}
	cron    *cron.Cron
}

// NewPoller returns a Poller. mirror may be nil.
func NewPoller(reader WindowReader, mirror Mirror, hub *Hub, opts PollerOptions) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Poller{
		reader:  reader,
		mirror:  mirror,
		hub:     hub,
		opts:    opts,
		now:     time.Now,
		tracked: map[string]struct{}{},
	}
}

// Track adds nests to the refresh set.
func (p *Poller) Track(groups ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range groups {
		if g != "" {
			p.tracked[g] = struct{}{}
		}
	}
}

// NestLister is implemented by mirrors that can list the nests they hold.
type NestLister interface {
	Nests(ctx context.Context) ([]string, error)
}

// TrackMirrored adds every nest held by the mirror to the refresh set. It
// does nothing when the mirror cannot list nests.
func (p *Poller) TrackMirrored(ctx context.Context) error {
	lister, ok := p.mirror.(NestLister)
	if !ok {
		return nil
	}
	nests, err := lister.Nests(ctx)
	if err != nil {
		return fmt.Errorf("list mirrored nests: %w", err)
	}
	p.Track(nests...)
	return nil
}

// Tracked returns the refresh set, sorted.
func (p *Poller) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.tracked))
	for g := range p.tracked {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Load reads one nest: hosted first, mirror on failure. It does not
// publish.
func (p *Poller) Load(ctx context.Context, group string) (Snapshot, error) {
	if group == "" {
		return Snapshot{}, errors.New("load: nest is required")
	}
	readCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	now := p.now()
	rows, err := p.reader.FetchWindow(readCtx, group, now.Add(-p.opts.Backfill), now.Add(p.opts.Horizon))
	if err == nil {
		if p.mirror != nil {
			if merr := p.mirror.SaveSnapshot(ctx, group, rows); merr != nil {
				appLog.Error("mirror save failed", merr, "nest", group)
			}
		}
		return Snapshot{GroupID: group, Records: rows, At: now}, nil
	}
	if ctx.Err() != nil {
		return Snapshot{}, ctx.Err()
	}

	appLog.Error("hosted read failed", err, "nest", group)
	if p.mirror == nil {
		return Snapshot{}, err
	}
	mirrored, savedAt, merr := p.mirror.LoadSnapshot(ctx, group)
	if merr != nil {
		return Snapshot{}, fmt.Errorf("%w (mirror: %v)", err, merr)
	}
	appLog.Warn("serving mirrored snapshot", "nest", group, "saved_at", savedAt)
	return Snapshot{GroupID: group, Records: mirrored, Stale: true, At: savedAt}, nil
}

// Refresh loads one nest and publishes the snapshot. It implements
// Refresher.
func (p *Poller) Refresh(ctx context.Context, group string) error {
	snap, err := p.Load(ctx, group)
	if err != nil {
		return err
	}
	p.Track(group)
	return p.hub.Publish(ctx, snap)
}

// PollOnce refreshes every tracked nest and returns the joined errors.
func (p *Poller) PollOnce(ctx context.Context) error {
	var errs []error
	for _, g := range p.Tracked() {
		if err := p.Refresh(ctx, g); err != nil {
			errs = append(errs, fmt.Errorf("nest %s: %w", g, err))
		}
	}
	return errors.Join(errs...)
}

// Start schedules PollOnce with a standard five-field cron spec. Extra
// jobs added with Schedule share the same scheduler.
func (p *Poller) Start(ctx context.Context, spec string) error {
	if err := p.Schedule(ctx, spec, "poll", p.PollOnce); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cron.Start()
	return nil
}

// Schedule registers fn under spec. Overlapping runs are skipped.
func (p *Poller) Schedule(ctx context.Context, spec, name string, fn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		logger := cronLogger{}
		p.cron = cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		)
	}
	_, err := p.cron.AddFunc(spec, func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			appLog.Error("scheduled job failed", err, "job", name)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// cronLogger routes the scheduler's logs into ours.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
