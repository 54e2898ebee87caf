package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nestcal/internal/backend"
	"nestcal/internal/config"
	"nestcal/internal/conflict"
	"nestcal/internal/feed"
	"nestcal/internal/ics"
	appLog "nestcal/internal/log"
	"nestcal/internal/metrics"
	"nestcal/internal/record"
	"nestcal/internal/store"
	"nestcal/internal/web"
)

const backfill = 24 * time.Hour

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	level := appLog.ParseLevel(conf.LogLevel)
	if flags.debug {
		level = appLog.LevelDebug
	}
	appLog.Setup(level, flags.debug)
	defer appLog.Sync()

	appLog.Info("nestcal starting", "version", "0.1.0")
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"nests", len(conf.Nests),
		"ics_count", len(conf.ICS),
		"hosted", conf.Supabase.Enabled(),
		"store", conf.Store.Driver,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("nestcal stopped with error", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Info("nestcal exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	m := metrics.New()

	st, err := store.Open(conf.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Without a hosted backend the local mirror is the only persistence:
	// reads come from it and writes are disabled.
	var (
		primary conflict.EventReader = st
		window  feed.WindowReader    = localWindow{st}
		writer  web.Backend
	)
	if conf.Supabase.Enabled() {
		client, err := backend.New(conf.Supabase, m)
		if err != nil {
			return fmt.Errorf("backend: %w", err)
		}
		primary, window, writer = client, client, client
	} else {
		appLog.Warn("supabase not configured; serving the local mirror read-only")
	}

	horizon := time.Duration(conf.HorizonDays) * 24 * time.Hour
	loc := conf.Location()

	subs := ics.NewSubscriptions(ics.NewFetcher(conf.CacheDir), ics.SourcesFrom(conf.ICS), loc)
	guard := conflict.NewGuard(&ics.Composite{
		Primary:  primary,
		Subs:     subs,
		Backfill: backfill,
		Horizon:  horizon,
	}, m)

	hub := feed.NewHub(256)
	indexOpts := conflict.IndexOptions{Mode: conflict.Exclusive}
	if conf.IndexInclusive {
		indexOpts.Mode = conflict.Inclusive
	}
	view := feed.NewView(hub, feed.ViewOptions{
		Index:    indexOpts,
		Extra:    subs,
		Backfill: backfill,
		Horizon:  horizon,
	}, m, nil)
	poller := feed.NewPoller(window, st, hub, feed.PollerOptions{
		Backfill: backfill,
		Horizon:  horizon,
		Timeout:  conf.Supabase.Timeout() * 3,
	})
	view.SetRefresher(poller)
	poller.Track(conf.Nests...)
	if !conf.Supabase.Enabled() {
		// Offline, every nest already in the mirror is served.
		if err := poller.TrackMirrored(ctx); err != nil {
			appLog.Warn("mirrored nests not tracked", "reason", err.Error())
		}
	}

	refreshSubs := func(ctx context.Context) error {
		err := subs.Refresh(ctx)
		// Partial failures still leave fresh data for the other sources.
		if perr := hub.Publish(ctx, feed.Invalidate{}); perr != nil {
			return perr
		}
		return err
	}

	if flags.once {
		return runOnce(ctx, conf, poller, subs, indexOpts, m)
	}

	go view.Run(ctx)
	if err := refreshSubs(ctx); err != nil {
		appLog.Error("initial subscription refresh failed", err)
	}
	if err := poller.PollOnce(ctx); err != nil {
		appLog.Error("initial poll failed", err)
	}
	if err := poller.Start(ctx, conf.RefreshCron); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := poller.Schedule(ctx, conf.RefreshCron, "ics", refreshSubs); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer poller.Stop()

	if watcher, err := config.Watch(flags.configPath, conf); err != nil {
		appLog.Warn("config watch disabled", "reason", err.Error())
	} else {
		defer watcher.Stop()
		watcher.OnChange(func(next *config.Config) {
			if !flags.debug {
				appLog.SetLevel(appLog.ParseLevel(next.LogLevel))
			}
			subs.SetSources(ics.SourcesFrom(next.ICS))
			poller.Track(next.Nests...)
			appLog.Info("config reloaded", "ics_count", len(next.ICS), "nests", len(next.Nests))
		})
	}

	srv := web.NewServer(conf, web.Deps{
		Guard:   guard,
		Backend: writer,
		View:    view,
		Loader:  poller,
		Hub:     hub,
		Extra:   subs,
		Metrics: m,
	})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	return nil
}

// runOnce refreshes every configured nest, logs its conflict summary and
// returns.
func runOnce(ctx context.Context, conf *config.Config, poller *feed.Poller, subs *ics.Subscriptions, opts conflict.IndexOptions, m *metrics.Collector) error {
	if err := subs.Refresh(ctx); err != nil {
		appLog.Error("subscription refresh failed", err)
	}
	now := time.Now()
	horizon := time.Duration(conf.HorizonDays) * 24 * time.Hour

	var errs []error
	for _, group := range poller.Tracked() {
		snap, err := poller.Load(ctx, group)
		if err != nil {
			errs = append(errs, fmt.Errorf("nest %s: %w", group, err))
			continue
		}
		evs, bad := record.NormalizeAll(snap.Records)
		evs = append(evs, subs.Events(group, "", now.Add(-backfill), now.Add(horizon))...)
		cal := feed.Build(group, evs, snap.Stale, snap.At, opts, m)
		appLog.Info("nest summary",
			"nest", group,
			"events", cal.Summary.Total,
			"conflicting", cal.Summary.Conflicting,
			"pairs", cal.Summary.Pairs,
			"skipped", len(bad),
			"stale", cal.Stale,
		)
	}
	return errors.Join(errs...)
}

// localWindow serves calendar reads from the mirror when no hosted
// backend is configured.
type localWindow struct {
	st *store.Store
}

func (l localWindow) FetchWindow(ctx context.Context, group string, from, to time.Time) ([]record.Raw, error) {
	rows, _, err := l.st.LoadSnapshot(ctx, group)
	if errors.Is(err, store.ErrNoSnapshot) {
		return nil, nil
	}
	return rows, err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/nestcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh every configured nest, log conflict summaries and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging with development output")

	flag.Parse()

	return cfg
}
