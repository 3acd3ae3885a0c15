package ics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/model"
)

var cst = time.FixedZone("CST", 8*3600)

var calendar = strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calwatch//test//EN
BEGIN:VEVENT
UID:uid-1@example.com
DTSTAMP:20250101T000000Z
DTSTART:20250602T010000Z
DTEND:20250602T020000Z
RRULE:FREQ=DAILY;COUNT=5
EXDATE:20250604T010000Z
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:uid-1@example.com
DTSTAMP:20250101T000000Z
RECURRENCE-ID:20250605T010000Z
DTSTART:20250605T030000Z
DTEND:20250605T040000Z
SUMMARY:Standup (moved)
END:VEVENT
BEGIN:VEVENT
UID:holiday
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20250610
DTEND;VALUE=DATE:20250611
SUMMARY:Holiday
LOCATION:Beijing
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20250101T000000Z
DTSTART:20250603T010000Z
SUMMARY:No uid
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n")

func TestParse(t *testing.T) {
	events, err := Parse("team", []byte(calendar), cst)
	require.NoError(t, err)
	require.Len(t, events, 3)

	series := events[0]
	assert.Equal(t, "uid-1@example.com", series.UID)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", series.RawRRule)
	assert.False(t, series.AllDay)
	assert.False(t, series.IsOverride())
	require.Len(t, series.ExDates, 1)
	assert.True(t, series.ExDates[0].Equal(time.Date(2025, 6, 4, 1, 0, 0, 0, time.UTC)))

	assert.True(t, events[1].IsOverride())

	holiday := events[2]
	assert.True(t, holiday.AllDay)
	assert.Equal(t, time.Date(2025, 6, 10, 0, 0, 0, 0, cst), holiday.Start)
	assert.Equal(t, time.Date(2025, 6, 11, 0, 0, 0, 0, cst), holiday.End)
	assert.Equal(t, "Beijing", holiday.Location)

	_, err = Parse("team", nil, cst)
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	events, err := Parse("team", []byte(calendar), cst)
	require.NoError(t, err)

	occ, truncated, err := Expand(events, ExpandConfig{
		Location:   cst,
		RangeStart: time.Date(2025, 6, 2, 0, 0, 0, 0, cst),
		RangeEnd:   time.Date(2025, 6, 10, 23, 59, 59, 0, cst),
	})
	require.NoError(t, err)
	assert.Empty(t, truncated)

	var got []string
	for _, o := range occ {
		got = append(got, o.Start.Format("01-02 15:04")+" "+o.Summary)
	}
	assert.Equal(t, []string{
		"06-02 09:00 Standup",
		"06-03 09:00 Standup",
		"06-05 11:00 Standup (moved)",
		"06-06 09:00 Standup",
		"06-10 00:00 Holiday",
	}, got)

	occ, truncated, err = Expand(events, ExpandConfig{
		Location:       cst,
		RangeStart:     time.Date(2025, 6, 2, 0, 0, 0, 0, cst),
		RangeEnd:       time.Date(2025, 6, 7, 0, 0, 0, 0, cst),
		MaxOccurrences: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uid-1@example.com"}, truncated)
	assert.Len(t, occ, 2)

	_, _, err = Expand(events, ExpandConfig{RangeStart: time.Now(), RangeEnd: time.Now().Add(-time.Hour)})
	assert.Error(t, err)
}

func TestAdapterCollect(t *testing.T) {
	var calls, revalidated atomic.Int32
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			revalidated.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(calendar))
	}))
	defer srv.Close()

	now := time.Date(2025, 6, 2, 6, 30, 0, 0, cst)
	a := NewAdapter("team", srv.URL+"/team.ics", NewFetcher(t.TempDir(), time.Second), cst, func() time.Time { return now })
	assert.Equal(t, "team", a.Platform())

	start := time.Date(2025, 6, 2, 0, 0, 0, 0, cst)
	end := time.Date(2025, 6, 10, 0, 0, 0, 0, cst)
	events, err := a.Collect(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, events, 5)

	first := events[0]
	assert.Equal(t, "ics_6656a00bd33b8ad1_20250602_0900", first.EventID)
	assert.Equal(t, "uid-1@example.com", first.OriginalID)
	assert.Equal(t, "2025-06-02", first.EventDate)
	assert.Equal(t, "09:00:00", first.EventTime)
	assert.Equal(t, "2025-06-02 09:00:00", first.EventDatetime)
	assert.Nil(t, first.Importance)
	assert.Equal(t, first.EventID, a.DedupKey(first))

	assert.Equal(t, "ics_6656a00bd33b8ad1_20250605_1100", events[2].EventID)

	holiday := events[4]
	assert.Equal(t, "ics_81c16d337a1b7314_20250610", holiday.EventID)
	assert.Empty(t, holiday.EventTime)
	assert.Equal(t, "Beijing", holiday.City)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(holiday.RawData, &raw))
	assert.Equal(t, true, raw["all_day"])
	assert.Equal(t, "Beijing", raw["location"])

	// revalidation answers 304 and the cached body is used
	again, err := a.Collect(context.Background(), start, end)
	require.NoError(t, err)
	assert.Len(t, again, 5)
	assert.EqualValues(t, 1, revalidated.Load())

	// server errors fall back to the cache
	down.Store(true)
	again, err = a.Collect(context.Background(), start, end)
	require.NoError(t, err)
	assert.Len(t, again, 5)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchWithoutCacheFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), time.Second)
	_, err := f.Fetch(context.Background(), "team", srv.URL)
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "team", "")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://cal.example.com/...(redacted)", redact("https://user:pw@cal.example.com/private/abc.ics?token=1"))
	assert.Equal(t, "ics://...(redacted)", redact("not a url"))
}

func TestAllDayDateIsCalendarDay(t *testing.T) {
	ev := ParsedEvent{
		UID:    "d",
		AllDay: true,
		Start:  time.Date(2025, 6, 10, 0, 0, 0, 0, cst),
		End:    time.Date(2025, 6, 11, 0, 0, 0, 0, cst),
	}
	o := occurrence(ev, time.UTC)
	assert.Equal(t, "2025-06-10", model.FormatDate(o.Start))
}
