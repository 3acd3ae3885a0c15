package source

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"calwatch/internal/detect"
	"calwatch/internal/errs"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/worker"
)

// Recorder observes collection outcomes. Implemented by metrics.Metrics.
type Recorder interface {
	Collected(platform string, events int, elapsed time.Duration)
	AdapterFailed(platform string)
}

type nopRecorder struct{}

func (nopRecorder) Collected(string, int, time.Duration) {}
func (nopRecorder) AdapterFailed(string)                 {}

// Collector runs registered adapters and cleans their output.
type Collector struct {
	reg  *Registry
	pool *worker.Pool
	rec  Recorder
	loc  *time.Location
	now  func() time.Time
}

type CollectorOption func(*Collector)

func WithRecorder(r Recorder) CollectorOption {
	return func(c *Collector) {
		if r != nil {
			c.rec = r
		}
	}
}

func WithCollectorClock(now func() time.Time, loc *time.Location) CollectorOption {
	return func(c *Collector) {
		c.now = now
		if loc != nil {
			c.loc = loc
		}
	}
}

// NewCollector collects from reg on pool.
func NewCollector(reg *Registry, pool *worker.Pool, opts ...CollectorOption) *Collector {
	c := &Collector{reg: reg, pool: pool, rec: nopRecorder{}, loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Registry returns the adapters this collector runs.
func (c *Collector) Registry() *Registry { return c.reg }

// Collect runs the adapter of platform for [start, end]. It never fails:
// an unknown platform, an adapter error or an adapter panic yields an empty
// list and a logged adapter error. The result is normalized, validated,
// restricted to the window and free of duplicate keys.
func (c *Collector) Collect(ctx context.Context, platform string, start, end time.Time) (events []model.Event) {
	events = []model.Event{}

	a, ok := c.reg.Adapter(platform)
	if !ok {
		appLog.Error("collect skipped", errs.Adapter(platform, fmt.Errorf("no adapter registered")))
		c.rec.AdapterFailed(platform)
		return events
	}

	from, to := model.FormatDate(start), model.FormatDate(end)
	began := time.Now()

	defer func() {
		if v := recover(); v != nil {
			appLog.Error("adapter panic recovered", errs.Adapter(platform, fmt.Errorf("panic: %v", v)), "stack", string(debug.Stack()))
			c.rec.AdapterFailed(platform)
			events = []model.Event{}
		}
	}()

	raw, err := a.Collect(ctx, start, end)
	if err != nil {
		appLog.Error("adapter failed, using empty collection", errs.Adapter(platform, err), "start", from, "end", to)
		c.rec.AdapterFailed(platform)
		return events
	}

	now := c.now()
	kept := make([]model.Event, 0, len(raw))
	outside, invalid := 0, 0
	for _, e := range raw {
		if e.Platform == "" {
			e.Platform = platform
		}
		e.Normalize(now, c.loc)
		if err := e.Validate(); err != nil {
			invalid++
			appLog.Warn("invalid event dropped", "platform", platform, "err", err)
			continue
		}
		if e.EventDate < from || e.EventDate > to {
			outside++
			continue
		}
		kept = append(kept, e)
	}

	kept, dropped := detect.Dedupe(platform, kept, a.DedupKey)
	elapsed := time.Since(began)
	c.rec.Collected(platform, len(kept), elapsed)
	appLog.Info("platform collected",
		"platform", platform,
		"start", from,
		"end", to,
		"events", len(kept),
		"outside_window", outside,
		"invalid", invalid,
		"duplicates", dropped,
		"elapsed", elapsed.Round(time.Millisecond).String(),
	)
	return kept
}

// CollectAll runs every registered adapter concurrently for a run starting
// today, each over its own window. Every registered platform has an entry in
// the result. The only error is ctx's, in which case the result must not be
// persisted.
func (c *Collector) CollectAll(ctx context.Context, today time.Time) (map[string][]model.Event, error) {
	platforms := c.reg.Platforms()
	out := make(map[string][]model.Event, len(platforms))
	var mu sync.Mutex
	for _, p := range platforms {
		out[p] = []model.Event{}
	}

	g := c.pool.Group()
	for _, p := range platforms {
		start, end := c.reg.Window(p, today)
		g.Go(ctx, func(ctx context.Context) error {
			events := c.Collect(ctx, p, start, end)
			mu.Lock()
			out[p] = events
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		appLog.Warn("collection interrupted", "err", err)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	total := 0
	for _, events := range out {
		total += len(events)
	}
	appLog.Info("collection completed", "platforms", len(platforms), "events", total)
	return out, nil
}
