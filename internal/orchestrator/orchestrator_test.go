package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/errs"
	"calwatch/internal/model"
	"calwatch/internal/source"
	"calwatch/internal/store"
	"calwatch/internal/worker"
)

var cst = time.FixedZone("CST", 8*3600)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// scripted returns whatever events the test put in it.
type scripted struct {
	mu     sync.Mutex
	events []model.Event
	calls  int
}

func (s *scripted) Platform() string { return "x" }

func (s *scripted) Collect(context.Context, time.Time, time.Time) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return model.CloneAll(s.events), nil
}

func (s *scripted) DedupKey(e model.Event) string { return e.EventID }

func (s *scripted) serve(events ...model.Event) {
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()
}

type observer struct {
	mu       sync.Mutex
	changes  map[string][3]int
	current  map[string]int
	finished []string
}

func (o *observer) Changes(p string, a, u, c int) {
	o.mu.Lock()
	o.changes[p] = [3]int{a, u, c}
	o.mu.Unlock()
}

func (o *observer) CurrentEvents(p string, n int) {
	o.mu.Lock()
	o.current[p] = n
	o.mu.Unlock()
}

func (o *observer) RunFinished(mode string, err error, _ time.Duration, _ time.Time) {
	o.mu.Lock()
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.finished = append(o.finished, mode+":"+result)
	o.mu.Unlock()
}

func ev(id, date, title string) model.Event {
	return model.Event{Platform: "x", EventID: id, OriginalID: id, EventDate: date, Title: title}
}

type fixture struct {
	runner  *Runner
	store   *store.Store
	adapter *scripted
	clock   *clock
	obs     *observer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, cst)}
	a := &scripted{}
	obs := &observer{changes: map[string][3]int{}, current: map[string]int{}}

	st := store.New(t.TempDir(), store.WithClock(clk.now), store.WithLocation(cst))
	reg := source.NewRegistry()
	require.NoError(t, reg.Add(a, func(today time.Time) time.Time { return today.AddDate(0, 0, 30) }))
	pool, err := worker.New("test", 2)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Release(time.Second) })

	c := source.NewCollector(reg, pool, source.WithCollectorClock(clk.now, cst))
	r := New(st, c, WithClock(clk.now, cst), WithObserver(obs))
	return &fixture{runner: r, store: st, adapter: a, clock: clk, obs: obs}
}

func byID(events []model.Event) map[string]model.Event {
	out := make(map[string]model.Event, len(events))
	for _, e := range events {
		out[e.EventID] = e
	}
	return out
}

func TestTwoDayScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// day 1: first run
	f.adapter.serve(
		ev("x-0601", "2025-06-01", "GDP"),
		ev("x-0602", "2025-06-02", "CPI"),
		ev("x-0603", "2025-06-03", "PMI"),
	)
	res, err := f.runner.Auto(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFirstRun, res.Mode)
	assert.Equal(t, "2025-06-01", res.RunDate)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, map[string]int{"x": 3}, res.Events)

	day1 := f.store.Load(store.TierCurrent, "x")
	require.Len(t, day1, 3)
	for _, e := range day1 {
		assert.False(t, e.IsNew)
		assert.Equal(t, "2025-06-01", e.DiscoveryDate)
	}
	marker, ok, err := f.store.ReadMarker()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-06-01", marker.FirstRunDate)
	assert.Equal(t, "completed", marker.Status)
	assert.Equal(t, res.RunID, marker.RunID)

	report, ok, err := f.store.LoadReport("2025-06-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, report.Summary.TotalNew)
	assert.Empty(t, report.TopNewEvents)

	_, err = f.runner.FirstRun(ctx)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	// day 2: 06-02 changed, 06-03 gone, 06-04 new
	f.clock.set(time.Date(2025, 6, 2, 6, 30, 0, 0, cst))
	f.adapter.serve(
		ev("x-0602", "2025-06-02", "CPI (revised)"),
		ev("x-0604", "2025-06-04", "Fed minutes"),
	)
	res, err = f.runner.Auto(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeDaily, res.Mode)
	require.NotNil(t, res.Archive)
	assert.Equal(t, 1, res.Archive.Archived)
	require.NotNil(t, res.Rotate)
	assert.Equal(t, 2, res.Rotate.Events)

	require.NotNil(t, res.Report)
	assert.Equal(t, model.ChangeSummary{TotalNew: 1, TotalUpdated: 1, TotalCancelled: 1}, res.Report.Summary)
	assert.Equal(t, []string{"Fed minutes"}, res.Report.Platforms["x"].SampleNewTitles)
	require.Len(t, res.Report.TopNewEvents, 1)
	assert.Equal(t, "2025-06-04", res.Report.TopNewEvents[0].Date)

	stored, ok, err := f.store.LoadReport("2025-06-02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *res.Report, stored)

	current := byID(f.store.Load(store.TierCurrent, "x"))
	require.Len(t, current, 2)
	assert.True(t, current["x-0604"].IsNew)
	assert.Equal(t, "2025-06-02", current["x-0604"].DiscoveryDate)
	assert.False(t, current["x-0602"].IsNew)
	assert.Equal(t, "2025-06-02", current["x-0602"].DiscoveryDate)

	baseline := byID(f.store.Load(store.TierPrevious, "x"))
	assert.Len(t, baseline, 2)
	assert.Contains(t, baseline, "x-0602")
	assert.Contains(t, baseline, "x-0603")

	rec, ok, err := f.store.LoadArchive("x", 2025, 6)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, "x-0601", rec.Events[0].EventID)
	assert.Equal(t, model.StatusArchived, rec.Events[0].DataStatus)
	assert.True(t, rec.Immutable)

	assert.Equal(t, [3]int{1, 1, 1}, f.obs.changes["x"])
	assert.Equal(t, 2, f.obs.current["x"])
	assert.Equal(t, []string{"first_run:ok", "first_run:error", "daily:ok"}, f.obs.finished)

	status, err := f.runner.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentEvents)
	assert.Equal(t, 1, status.NewEvents)
	assert.Equal(t, 2, status.PreviousEvents)
	assert.Equal(t, 1, status.ArchivedMonths)
	assert.Equal(t, 1, status.ArchivedFiles)
	assert.Equal(t, 1, status.ArchivedEvents)
	require.NotNil(t, status.DateRange.Start)
	assert.Equal(t, "2025-06-02", *status.DateRange.Start)
	assert.Equal(t, "2025-06-04", *status.DateRange.End)
	require.NotNil(t, status.FirstRun)
	assert.Equal(t, "2025-06-02", status.LatestReport)

	// a rerun on the same day keeps the archive write-once
	_, err = f.runner.Daily(ctx)
	require.NoError(t, err)
	rec, _, err = f.store.LoadArchive("x", 2025, 6)
	require.NoError(t, err)
	assert.Len(t, rec.Events, 1)
}

func TestDailyNeedsFirstRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Daily(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, f.adapter.calls)
	assert.Equal(t, []string{"daily:error"}, f.obs.finished)
}

func TestLifecycleFailureStopsBeforeCollect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.serve(ev("x-0601", "2025-06-01", "GDP"), ev("x-0605", "2025-06-05", "CPI"))
	_, err := f.runner.FirstRun(ctx)
	require.NoError(t, err)

	bucket := filepath.Join(f.store.Root(), "archived", "2025", "06", "x.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(bucket), 0o755))
	require.NoError(t, os.WriteFile(bucket, []byte("{not json"), 0o644))

	f.clock.set(time.Date(2025, 6, 2, 6, 30, 0, 0, cst))
	calls := f.adapter.calls
	_, err = f.runner.Daily(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLifecycle))
	assert.Equal(t, calls, f.adapter.calls)

	data, err := os.ReadFile(bucket)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestCollectOnlyAndDetectOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.serve(ev("x-0602", "2025-06-02", "CPI"))
	res, err := f.runner.CollectOnly(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Report)
	assert.Len(t, f.store.Load(store.TierCurrent, "x"), 1)
	_, ok, err := f.store.ReadMarker()
	require.NoError(t, err)
	assert.False(t, ok)

	// detect-only diffs against the (empty) baseline and stores only the report
	f.adapter.serve(ev("x-0602", "2025-06-02", "CPI"), ev("x-0603", "2025-06-03", "PMI"))
	res, err = f.runner.DetectOnly(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	assert.Equal(t, 2, res.Report.Summary.TotalNew)
	assert.Len(t, f.store.Load(store.TierCurrent, "x"), 1)
	_, ok, err = f.store.LoadReport("2025-06-01")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPersistDropsUnconfiguredPlatforms(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(store.TierCurrent, "retired", []model.Event{
		model.NewEvent("retired", "r1", "r1", "2025-06-03", f.clock.now(), cst),
	}))
	f.adapter.serve(ev("x-0602", "2025-06-02", "CPI"))

	_, err := f.runner.CollectOnly(context.Background())
	require.NoError(t, err)
	platforms, err := f.store.Platforms(store.TierCurrent)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, platforms)
}
