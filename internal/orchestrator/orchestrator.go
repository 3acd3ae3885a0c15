// Package orchestrator sequences the runs of the dataset: the first run
// that seeds the current tier, the daily run (archive, rotate, collect,
// diff, persist) and the partial runs used for maintenance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"calwatch/internal/detect"
	"calwatch/internal/lifecycle"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/source"
	"calwatch/internal/store"
)

// Mode names a kind of run.
type Mode string

const (
	ModeFirstRun    Mode = "first_run"
	ModeDaily       Mode = "daily"
	ModeCollectOnly Mode = "collect_only"
	ModeDetectOnly  Mode = "detect_only"
)

var (
	// ErrAlreadyInitialized is returned by FirstRun when the current tier
	// already holds snapshots.
	ErrAlreadyInitialized = errors.New("current tier already holds data; use the daily run")
	// ErrNotInitialized is returned by Daily before any first run.
	ErrNotInitialized = errors.New("no current data yet; run the first run")
)

// Observer receives run outcomes. Implemented by metrics.Metrics.
type Observer interface {
	Changes(platform string, added, updated, cancelled int)
	CurrentEvents(platform string, n int)
	RunFinished(mode string, err error, elapsed time.Duration, now time.Time)
}

type nopObserver struct{}

func (nopObserver) Changes(string, int, int, int)                       {}
func (nopObserver) CurrentEvents(string, int)                           {}
func (nopObserver) RunFinished(string, error, time.Duration, time.Time) {}

// Result describes one finished run.
type Result struct {
	RunID   string `json:"run_id"`
	Mode    Mode   `json:"mode"`
	RunDate string `json:"run_date"`
	// Events is the stored event count per platform after the run.
	Events  map[string]int           `json:"events"`
	Archive *lifecycle.ArchiveResult `json:"archive,omitempty"`
	Rotate  *lifecycle.RotateResult  `json:"rotate,omitempty"`
	Report  *model.ChangeReport      `json:"report,omitempty"`
}

// Runner runs the workflows against one store. Runs must not overlap.
type Runner struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	collector *source.Collector
	detector  *detect.Detector
	obs       Observer
	now       func() time.Time
	loc       *time.Location
}

type Option func(*Runner)

// WithClock sets the clock and the zone that defines the run date.
func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(r *Runner) {
		r.now = now
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.obs = o
		}
	}
}

func New(st *store.Store, c *source.Collector, opts ...Option) *Runner {
	r := &Runner{
		store:     st,
		lifecycle: lifecycle.New(st),
		collector: c,
		obs:       nopObserver{},
		now:       time.Now,
		loc:       time.Local,
	}
	for _, o := range opts {
		o(r)
	}
	platforms := c.Registry().Platforms()
	sort.Strings(platforms)
	r.detector = detect.New(c.Registry().Keys(),
		detect.WithOrder(platforms),
		detect.WithClock(r.now, r.loc),
	)
	return r
}

// run wraps one workflow with a run id, timing, logging and the observer.
func (r *Runner) run(ctx context.Context, mode Mode, fn func(ctx context.Context, res *Result, log *appLog.Logger) error) (*Result, error) {
	began := r.now()
	res := &Result{
		RunID:   uuid.NewString(),
		Mode:    mode,
		RunDate: model.FormatDate(model.Day(began, r.loc)),
		Events:  map[string]int{},
	}
	log := appLog.With("run_id", res.RunID, "mode", string(mode), "run_date", res.RunDate)
	log.Info("run started")

	err := fn(ctx, res, log)
	elapsed := r.now().Sub(began)
	r.obs.RunFinished(string(mode), err, elapsed, r.now())
	if err != nil {
		log.Error("run failed", err, "elapsed", elapsed.Round(time.Millisecond).String())
		return res, err
	}
	log.Info("run completed", "elapsed", elapsed.Round(time.Millisecond).String())
	return res, nil
}

func (r *Runner) today() time.Time {
	return model.Day(r.now(), r.loc)
}

// Initialized reports whether any platform has a current snapshot.
func (r *Runner) Initialized() bool {
	return r.store.HasSnapshots(store.TierCurrent)
}

// Auto runs FirstRun when the current tier is empty, Daily otherwise.
func (r *Runner) Auto(ctx context.Context) (*Result, error) {
	if r.Initialized() {
		return r.Daily(ctx)
	}
	return r.FirstRun(ctx)
}

// FirstRun collects every platform from today to its horizon and stores
// the result as the current tier without any diff. It writes the first-run
// marker and an empty change report for the run date.
func (r *Runner) FirstRun(ctx context.Context) (*Result, error) {
	return r.run(ctx, ModeFirstRun, func(ctx context.Context, res *Result, log *appLog.Logger) error {
		if r.Initialized() {
			return ErrAlreadyInitialized
		}
		all, err := r.collector.CollectAll(ctx, r.today())
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		if err := r.persist(all, ModeFirstRun, res); err != nil {
			return err
		}

		now := r.now().In(r.loc)
		marker := store.Marker{
			FirstRunDate: res.RunDate,
			FirstRunTime: now.Format(time.RFC3339),
			Status:       "completed",
			RunID:        res.RunID,
		}
		if err := r.store.WriteMarker(marker); err != nil {
			return err
		}
		report := model.EmptyReport(res.RunDate, now.Format(time.RFC3339))
		if err := r.store.SaveReport(res.RunDate, report); err != nil {
			return err
		}
		res.Report = &report
		log.Info("first run stored", "platforms", len(all), "events", total(res.Events))
		return nil
	})
}

// Daily archives yesterday, rotates the baseline past yesterday, collects,
// diffs against the rotated baseline and persists the annotated snapshot
// and the change report. Any failing step stops the run; a lifecycle
// failure stops it before collection.
func (r *Runner) Daily(ctx context.Context) (*Result, error) {
	return r.run(ctx, ModeDaily, func(ctx context.Context, res *Result, log *appLog.Logger) error {
		if !r.Initialized() {
			return ErrNotInitialized
		}
		yesterday, err := model.AddDays(res.RunDate, -1)
		if err != nil {
			return err
		}

		arch, err := r.lifecycle.Archive(yesterday)
		if err != nil {
			return fmt.Errorf("archive %s: %w", yesterday, err)
		}
		res.Archive = &arch
		rot, err := r.lifecycle.Rotate(yesterday)
		if err != nil {
			return fmt.Errorf("rotate %s: %w", yesterday, err)
		}
		res.Rotate = &rot
		log.Info("lifecycle done", "archived", arch.Archived, "baseline_events", rot.Events)

		current, err := r.collector.CollectAll(ctx, r.today())
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}

		previous := r.store.LoadAll(store.TierPrevious)
		diff := r.detector.Detect(res.RunDate, previous, current)
		if err := r.persist(diff.Annotated, ModeDaily, res); err != nil {
			return err
		}
		if err := r.store.SaveReport(res.RunDate, diff.Report); err != nil {
			return err
		}
		res.Report = &diff.Report
		r.observeChanges(diff)
		log.Info("daily run stored",
			"new", diff.Report.Summary.TotalNew,
			"updated", diff.Report.Summary.TotalUpdated,
			"cancelled", diff.Report.Summary.TotalCancelled,
		)
		return nil
	})
}

// CollectOnly collects and overwrites the current tier. No lifecycle step
// and no diff take place.
func (r *Runner) CollectOnly(ctx context.Context) (*Result, error) {
	return r.run(ctx, ModeCollectOnly, func(ctx context.Context, res *Result, _ *appLog.Logger) error {
		all, err := r.collector.CollectAll(ctx, r.today())
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		return r.persist(all, ModeCollectOnly, res)
	})
}

// DetectOnly collects and diffs against the stored previous tier. Only the
// change report is persisted.
func (r *Runner) DetectOnly(ctx context.Context) (*Result, error) {
	return r.run(ctx, ModeDetectOnly, func(ctx context.Context, res *Result, _ *appLog.Logger) error {
		current, err := r.collector.CollectAll(ctx, r.today())
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		previous := r.store.LoadAll(store.TierPrevious)
		diff := r.detector.Detect(res.RunDate, previous, current)
		if err := r.store.SaveReport(res.RunDate, diff.Report); err != nil {
			return err
		}
		for p, events := range current {
			res.Events[p] = len(events)
		}
		res.Report = &diff.Report
		r.observeChanges(diff)
		return nil
	})
}

// persist overwrites the current tier with all: platforms present on disk
// but absent from all are removed, so the tier mirrors the configured
// platforms.
func (r *Runner) persist(all map[string][]model.Event, mode Mode, res *Result) error {
	stale, err := r.store.Platforms(store.TierCurrent)
	if err != nil {
		return err
	}
	if err := r.store.SaveAll(all, string(mode)); err != nil {
		return err
	}
	for _, p := range stale {
		if _, ok := all[p]; ok {
			continue
		}
		if err := r.store.Remove(store.TierCurrent, p); err != nil {
			return err
		}
		appLog.Info("unconfigured platform dropped from current tier", "platform", p)
	}
	for p, events := range all {
		res.Events[p] = len(events)
		r.obs.CurrentEvents(p, len(events))
	}
	return nil
}

func (r *Runner) observeChanges(diff detect.Result) {
	for p, ch := range diff.Changes {
		r.obs.Changes(p, len(ch.New), len(ch.Updated), len(ch.Cancelled))
	}
}

func total(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
