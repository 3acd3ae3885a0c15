package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/errs"
	"calwatch/internal/model"
	"calwatch/internal/store"
)

var now = time.Date(2025, 6, 2, 6, 30, 0, 0, time.UTC)

func ev(platform, id, date string) model.Event {
	e := model.NewEvent(platform, id, id, date, now, time.UTC)
	e.Title = id
	return e
}

func setup(t *testing.T, current map[string][]model.Event) (*Manager, *store.Store) {
	t.Helper()
	s := store.New(t.TempDir(), store.WithClock(func() time.Time { return now }), store.WithLocation(time.UTC))
	require.NoError(t, s.SaveAll(current, "ACTIVE"))
	return New(s), s
}

func TestArchiveSelectsDateAndFlipsStatus(t *testing.T) {
	m, s := setup(t, map[string][]model.Event{
		"x": {ev("x", "x1", "2025-06-01"), ev("x", "x2", "2025-06-02"), ev("x", "x3", "2025-06-01")},
		"y": {ev("y", "y1", "2025-06-03")},
	})

	res, err := m.Archive("2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, map[string]int{"x": 2}, res.ByPlatform)

	rec, ok, err := s.LoadArchive("x", 2025, 6)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Events, 2)
	for _, e := range rec.Events {
		assert.Equal(t, model.StatusArchived, e.DataStatus)
		assert.Equal(t, "2025-06-01", e.EventDate)
	}

	_, ok, err = s.LoadArchive("y", 2025, 6)
	require.NoError(t, err)
	assert.False(t, ok)

	// current tier is not modified by archiving
	assert.Len(t, s.Load(store.TierCurrent, "x"), 3)
	assert.Equal(t, model.StatusActive, s.Load(store.TierCurrent, "x")[0].DataStatus)
}

func TestArchiveIsWriteOnce(t *testing.T) {
	m, s := setup(t, map[string][]model.Event{
		"x": {ev("x", "x1", "2025-06-01")},
	})

	_, err := m.Archive("2025-06-01")
	require.NoError(t, err)

	// the same event is re-collected with a different title, then archived again
	changed := ev("x", "x1", "2025-06-01")
	changed.Title = "rewritten"
	require.NoError(t, s.Save(store.TierCurrent, "x", []model.Event{changed, ev("x", "x9", "2025-06-01")}))

	res, err := m.Archive("2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 1, res.Skipped)

	res, err = m.Archive("2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Archived)
	assert.Equal(t, 2, res.Skipped)

	rec, _, err := s.LoadArchive("x", 2025, 6)
	require.NoError(t, err)
	require.Len(t, rec.Events, 2)
	assert.Equal(t, "x1", rec.Events[0].Title)
	assert.Equal(t, "x9", rec.Events[1].EventID)
}

func TestArchiveMergesWithinMonth(t *testing.T) {
	m, s := setup(t, map[string][]model.Event{
		"x": {ev("x", "x1", "2025-06-01"), ev("x", "x2", "2025-06-02"), ev("x", "x3", "2025-07-01")},
	})

	_, err := m.Archive("2025-06-01")
	require.NoError(t, err)
	_, err = m.Archive("2025-06-02")
	require.NoError(t, err)
	_, err = m.Archive("2025-07-01")
	require.NoError(t, err)

	june, _, err := s.LoadArchive("x", 2025, 6)
	require.NoError(t, err)
	assert.Equal(t, 2, june.TotalEvents)

	july, _, err := s.LoadArchive("x", 2025, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, july.TotalEvents)
}

func TestArchiveRefusesCorruptBucket(t *testing.T) {
	m, s := setup(t, map[string][]model.Event{
		"x": {ev("x", "x1", "2025-06-01")},
	})
	path := filepath.Join(s.Root(), "archived", "2025", "06", "x.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	_, err := m.Archive("2025-06-01")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindLifecycle))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{corrupt", string(data))
}

func TestArchiveBadDate(t *testing.T) {
	m, _ := setup(t, nil)
	_, err := m.Archive("06/01/2025")
	assert.True(t, errs.IsKind(err, errs.KindLifecycle))
	_, err = m.Rotate("tomorrow")
	assert.True(t, errs.IsKind(err, errs.KindLifecycle))
}

func TestRotateReplacesBaseline(t *testing.T) {
	m, s := setup(t, map[string][]model.Event{
		"x": {ev("x", "x1", "2025-06-01"), ev("x", "x2", "2025-06-02"), ev("x", "x3", "2025-06-03")},
		"y": {ev("y", "y1", "2025-05-30")},
	})
	// stale baseline data from an earlier rotation
	require.NoError(t, s.Save(store.TierPrevious, "x", []model.Event{ev("x", "old", "2025-06-09")}))
	require.NoError(t, s.Save(store.TierPrevious, "z", []model.Event{ev("z", "z1", "2025-06-09")}))

	res, err := m.Rotate("2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Events)

	baseline := s.Load(store.TierPrevious, "x")
	require.Len(t, baseline, 2)
	for _, e := range baseline {
		assert.Greater(t, e.EventDate, "2025-06-01")
	}

	platforms, err := s.Platforms(store.TierPrevious)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, platforms)

	// rotating twice gives the same baseline
	_, err = m.Rotate("2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, baseline, s.Load(store.TierPrevious, "x"))
}
