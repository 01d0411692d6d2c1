// Package agent runs the watch loop: poll the job store, process each
// pending job serially, collect garbage, and on its own longer
// interval trigger the self-update check. One logical actor drives
// everything, jobs are never processed concurrently with each other.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/MasonGillDev/instance-scripts/internal/fetch"
	"github.com/MasonGillDev/instance-scripts/internal/hybrid"
	"github.com/MasonGillDev/instance-scripts/internal/model"
	"github.com/MasonGillDev/instance-scripts/internal/store"
	"github.com/MasonGillDev/instance-scripts/internal/update"
)

type Agent struct {
	cfg       model.Config
	store     *store.Store
	client    *fetch.Client
	processor *Processor
	updater   *update.Updater // nil when updates are disabled
}

func New(cfg model.Config) (*Agent, error) {
	st, err := store.New(cfg.Watch.Dir)
	if err != nil {
		return nil, err
	}

	client := fetch.New(cfg.Fetch.ConnectTimeout.AsDuration(), cfg.Fetch.TransferTimeout.AsDuration())

	var decryptor *hybrid.Decryptor
	if cfg.Download.PrivateKey != "" {
		key, err := hybrid.LoadPrivateKey(cfg.Download.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("loading instance key: %w", err)
		}
		d := hybrid.New(key)
		decryptor = &d
	}

	var updater *update.Updater
	if cfg.Update.Enabled {
		updater = update.New(client, cfg.Update)
	}

	return &Agent{
		cfg:       cfg,
		store:     st,
		client:    client,
		processor: NewProcessor(st, client, decryptor, cfg.Download.Dir),
		updater:   updater,
	}, nil
}

// WithUpdater replaces the self-updater of an initialized Agent.
// This method exists for unit testing only.
func (a *Agent) WithUpdater(u *update.Updater) *Agent {
	a.updater = u
	return a
}

// Do runs the loop until ctx is cancelled. gocron produces tick
// signals, the select below consumes them, so everything after a tick
// runs on this one goroutine. Returns update.ErrRestart after a
// successful binary swap, nil on graceful cancellation.
func (a *Agent) Do(ctx context.Context) error {
	if err := a.sweepScratch(ctx); err != nil {
		slog.WarnContext(ctx, "scratch sweep failed", "error", err)
	}

	defer a.client.CloseIdleConnections()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	// tick channels hold one signal; a scan running long simply
	// coalesces the ticks that fired meanwhile
	scans := make(chan struct{}, 1)
	updates := make(chan struct{}, 1)

	_, err = scheduler.NewJob(
		gocron.DurationJob(a.cfg.Watch.Each.AsDuration()),
		gocron.NewTask(func() { signalTick(scans) }),
	)
	if err != nil {
		return fmt.Errorf("initializing poll job: %w", err)
	}

	if a.updater != nil {
		interval, err := a.cfg.Update.Interval()
		if err != nil {
			return fmt.Errorf("resolving update schedule: %w", err)
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() { signalTick(updates) }),
		)
		if err != nil {
			return fmt.Errorf("initializing update job: %w", err)
		}
	}

	scheduler.Start()
	slog.InfoContext(ctx, "agent started",
		"watch", a.cfg.Watch.Dir,
		"download", a.cfg.Download.Dir,
		"each", a.cfg.Watch.Each.String(),
		"version", update.Version)

	// first scan happens immediately, not one poll period in
	signalTick(scans)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "agent stopping")
			return nil
		case <-scans:
			a.Scan(ctx)
		case <-updates:
			if a.updater.CheckAndApply(ctx) {
				return update.ErrRestart
			}
		}
	}
}

// ProcessOne runs the pipeline for a single pending descriptor. It
// backs the one-shot `process` command and returns the terminal
// outcome; pipeline failures are already folded into it.
func (a *Agent) ProcessOne(ctx context.Context, name string) (model.Outcome, error) {
	defer a.client.CloseIdleConnections()
	if err := a.sweepScratch(ctx); err != nil {
		slog.WarnContext(ctx, "scratch sweep failed", "error", err)
	}
	return a.processor.Process(ctx, name), nil
}

// Scan is one tick of the loop: list pending jobs, process each
// serially, then collect garbage.
func (a *Agent) Scan(ctx context.Context) {
	names, err := a.store.ListPending()
	if err != nil {
		slog.ErrorContext(ctx, "listing pending jobs failed", "error", err)
		return
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		outcome := a.processor.Process(ctx, name)
		slog.DebugContext(ctx, "job processed", "job", name, "outcome", outcome)
	}

	a.store.GarbageCollect(ctx, time.Now(),
		a.cfg.Watch.CompletedTTL.AsDuration(),
		a.cfg.Watch.FailedTTL.AsDuration())
}

// sweepScratch removes scratch files a crashed run may have left in
// the download directory. Pending jobs are reprocessed from the start,
// their old scratch bytes are garbage.
func (a *Agent) sweepScratch(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Download.Dir, 0755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}
	entries, err := os.ReadDir(a.cfg.Download.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), ".scratch-") {
			continue
		}
		path := filepath.Join(a.cfg.Download.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.WarnContext(ctx, "can't remove stale scratch file", "path", path, "error", err)
			continue
		}
		slog.DebugContext(ctx, "removed stale scratch file", "path", path)
	}
	return nil
}

func signalTick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
