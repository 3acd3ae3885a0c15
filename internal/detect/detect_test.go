package detect

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/model"
)

var now = time.Date(2025, 6, 2, 6, 30, 0, 0, time.UTC)

func ev(platform, id, date, title string) model.Event {
	e := model.NewEvent(platform, id, id, date, now.AddDate(0, 0, -1), time.UTC)
	e.Title = title
	return e
}

func withImportance(e model.Event, v int) model.Event {
	e.Importance = model.Importance(v)
	return e
}

func newDetector(opts ...Option) *Detector {
	return New(nil, append([]Option{WithClock(func() time.Time { return now }, time.UTC)}, opts...)...)
}

func TestDetectClassification(t *testing.T) {
	a := ev("x", "A", "2025-06-02", "alpha")
	b := ev("x", "B", "2025-06-03", "beta")
	c := ev("x", "C", "2025-06-04", "gamma")

	res := newDetector().Detect("2025-06-02",
		map[string][]model.Event{"x": {a, b}},
		map[string][]model.Event{"x": {a.Clone(), c}},
	)

	ch := res.Changes["x"]
	require.Len(t, ch.New, 1)
	assert.Equal(t, "C", ch.New[0].EventID)
	assert.Empty(t, ch.Updated)
	require.Len(t, ch.Cancelled, 1)
	assert.Equal(t, "B", ch.Cancelled[0].EventID)

	assert.Equal(t, model.ChangeSummary{TotalNew: 1, TotalUpdated: 0, TotalCancelled: 1}, res.Report.Summary)
	assert.Equal(t, "2025-06-02", res.Report.RunDate)
	assert.Equal(t, "2025-06-02T06:30:00Z", res.Report.DetectionTime)
}

func TestDetectContentChanges(t *testing.T) {
	base := withImportance(ev("x", "A", "2025-06-05", "alpha"), 3)
	base.Content = "forecast 1.0"
	base.Country = "US"
	base.EventDatetime = "2025-06-05 20:30"

	tests := []struct {
		name    string
		mutate  func(*model.Event)
		updated bool
	}{
		{"unchanged", func(*model.Event) {}, false},
		{"title", func(e *model.Event) { e.Title = "alpha v2" }, true},
		{"datetime", func(e *model.Event) { e.EventDatetime = "2025-06-05 21:30" }, true},
		{"importance", func(e *model.Event) { e.Importance = model.Importance(5) }, true},
		{"importance removed", func(e *model.Event) { e.Importance = nil }, true},
		{"content", func(e *model.Event) { e.Content = "forecast 1.2" }, true},
		{"country", func(e *model.Event) { e.Country = "EU" }, true},
		{"untracked category", func(e *model.Event) { e.Category = "other" }, false},
		{"untracked stocks", func(e *model.Event) { e.Stocks = []string{"600000"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			curr := base.Clone()
			tt.mutate(&curr)
			res := newDetector().Detect("2025-06-02",
				map[string][]model.Event{"x": {base}},
				map[string][]model.Event{"x": {curr}},
			)
			ch := res.Changes["x"]
			assert.Empty(t, ch.New)
			assert.Empty(t, ch.Cancelled)
			if tt.updated {
				assert.Len(t, ch.Updated, 1)
			} else {
				assert.Empty(t, ch.Updated)
			}
		})
	}
}

func TestDetectIgnoresPastEvents(t *testing.T) {
	past := ev("x", "P", "2025-06-01", "past")
	gone := ev("x", "G", "2025-05-30", "gone")
	res := newDetector().Detect("2025-06-02",
		map[string][]model.Event{"x": {gone}},
		map[string][]model.Event{"x": {past}},
	)
	assert.True(t, res.Changes["x"].Empty())
	require.Len(t, res.Annotated["x"], 1)
	assert.False(t, res.Annotated["x"][0].IsNew)
}

func TestAnnotationIsACopy(t *testing.T) {
	prev := ev("x", "U", "2025-06-03", "old title")
	upd := ev("x", "U", "2025-06-03", "new title")
	fresh := ev("x", "N", "2025-06-04", "fresh")
	steady := ev("x", "S", "2025-06-05", "steady")

	current := map[string][]model.Event{"x": {upd, fresh, steady}}
	res := newDetector().Detect("2025-06-02",
		map[string][]model.Event{"x": {prev, steady}},
		current,
	)

	got := res.Annotated["x"]
	require.Len(t, got, 3)
	assert.False(t, got[0].IsNew)
	assert.Equal(t, "2025-06-02", got[0].DiscoveryDate)
	assert.True(t, got[1].IsNew)
	assert.Equal(t, "2025-06-02", got[1].DiscoveryDate)
	assert.False(t, got[2].IsNew)
	assert.Equal(t, "2025-06-01", got[2].DiscoveryDate)

	// inputs untouched
	assert.False(t, current["x"][1].IsNew)
	assert.Equal(t, "2025-06-01", current["x"][1].DiscoveryDate)

	// change records are not aliased to the annotated copy
	got[1].Title = "edited"
	assert.Equal(t, "fresh", res.Changes["x"].New[0].Title)
}

func TestCustomKeys(t *testing.T) {
	// ids drift between runs but the key (original id + date) is stable
	prev := ev("y", "y_run1", "2025-06-03", "t")
	prev.OriginalID = "42"
	curr := ev("y", "y_run2", "2025-06-03", "t")
	curr.OriginalID = "42"

	keys := KeySet{"y": func(e model.Event) string { return e.OriginalID + "_" + e.EventDate }}

	res := New(keys).Detect("2025-06-02",
		map[string][]model.Event{"y": {prev}},
		map[string][]model.Event{"y": {curr}},
	)
	assert.True(t, res.Changes["y"].Empty())

	res = New(nil).Detect("2025-06-02",
		map[string][]model.Event{"y": {prev}},
		map[string][]model.Event{"y": {curr}},
	)
	assert.Len(t, res.Changes["y"].New, 1)
	assert.Len(t, res.Changes["y"].Cancelled, 1)
}

func TestPlatformMissingFromCurrentIsCancelled(t *testing.T) {
	res := newDetector().Detect("2025-06-02",
		map[string][]model.Event{"z": {ev("z", "z1", "2025-06-03", "t")}},
		map[string][]model.Event{},
	)
	assert.Len(t, res.Changes["z"].Cancelled, 1)
	_, annotated := res.Annotated["z"]
	assert.False(t, annotated)
	assert.Equal(t, 1, res.Report.Platforms["z"].CancelledEvents)
}

func TestReportSamplesAndTop(t *testing.T) {
	long := strings.Repeat("长", 60)
	var a, b []model.Event
	for i := range 8 {
		a = append(a, withImportance(ev("a", fmt.Sprintf("a%d", i), "2025-06-03", fmt.Sprintf("a-%d", i)), 1+i%3))
	}
	a[0].Title = long
	for i := range 5 {
		e := ev("b", fmt.Sprintf("b%d", i), "2025-06-04", fmt.Sprintf("b-%d", i))
		if i == 2 {
			e = withImportance(e, 5)
		}
		b = append(b, e)
	}

	res := newDetector(WithOrder([]string{"b", "a"})).Detect("2025-06-02",
		nil,
		map[string][]model.Event{"a": a, "b": b},
	)
	r := res.Report

	assert.Equal(t, 13, r.Summary.TotalNew)
	pa := r.Platforms["a"]
	require.Len(t, pa.SampleNewTitles, 3)
	assert.Equal(t, strings.Repeat("长", 50), pa.SampleNewTitles[0])
	assert.Equal(t, []string{"b-0", "b-1", "b-2"}, r.Platforms["b"].SampleNewTitles)

	require.Len(t, r.TopNewEvents, 10)
	assert.Equal(t, "b-2", r.TopNewEvents[0].Title)
	// importance 3 in collection order: a2, a5
	assert.Equal(t, "a-2", r.TopNewEvents[1].Title)
	assert.Equal(t, "a-5", r.TopNewEvents[2].Title)
	// importance 2: a1, a4, a7
	assert.Equal(t, []string{"a-1", "a-4", "a-7"}, []string{r.TopNewEvents[3].Title, r.TopNewEvents[4].Title, r.TopNewEvents[5].Title})
	// importance 1 ranks above absent importance
	assert.Equal(t, 1, *r.TopNewEvents[6].Importance)
	assert.Equal(t, "a", r.TopNewEvents[6].Platform)
}

func TestEmptyDetect(t *testing.T) {
	res := newDetector().Detect("2025-06-02", nil, nil)
	assert.Empty(t, res.Changes)
	assert.Empty(t, res.Report.TopNewEvents)
	assert.NotNil(t, res.Report.Platforms)
}

func TestDedupe(t *testing.T) {
	events := []model.Event{
		ev("x", "1", "2025-06-03", "first"),
		ev("x", "2", "2025-06-03", "second"),
		ev("x", "1", "2025-06-03", "duplicate id"),
		ev("x", "3", "2025-06-03", "fourth"),
	}
	key := func(e model.Event) string { return e.EventDate + "_" + e.Title[:1] }

	out, dropped := Dedupe("x", events, key)
	assert.Equal(t, 2, dropped)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Title)
	assert.Equal(t, "second", out[1].Title)

	out, dropped = Dedupe("x", events, nil)
	assert.Equal(t, 1, dropped)
	assert.Len(t, out, 3)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "非农", Truncate("非农就业", 2))
}
