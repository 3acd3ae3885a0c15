// Package ics collects events from iCalendar subscriptions: fetch with HTTP
// revalidation and a disk cache, parse VEVENTs, expand recurrences and map
// every occurrence to a canonical event.
package ics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calwatch/internal/model"
)

// Adapter is the collection adapter of one subscription.
type Adapter struct {
	platform string
	url      string
	fetcher  *Fetcher
	loc      *time.Location
	now      func() time.Time
}

// NewAdapter collects rawURL as platform. Dates are computed in loc.
func NewAdapter(platform, rawURL string, fetcher *Fetcher, loc *time.Location, now func() time.Time) *Adapter {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Adapter{platform: platform, url: rawURL, fetcher: fetcher, loc: loc, now: now}
}

func (a *Adapter) Platform() string { return a.platform }

func (a *Adapter) Collect(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	res, err := a.fetcher.Fetch(ctx, a.platform, a.url)
	if err != nil {
		return nil, err
	}
	parsed, err := Parse(a.platform, res.Body, a.loc)
	if err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}

	from := model.Day(start, a.loc)
	to := model.Day(end, a.loc).AddDate(0, 0, 1).Add(-time.Second)
	occ, _, err := Expand(parsed, ExpandConfig{Location: a.loc, RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil, err
	}

	now := a.now()
	out := make([]model.Event, 0, len(occ))
	for _, o := range occ {
		out = append(out, a.toEvent(o, now))
	}
	return out, nil
}

// toEvent maps an occurrence. Timed instances carry their start time in the
// id, so several instances on one day stay distinct.
func (a *Adapter) toEvent(o Occurrence, now time.Time) model.Event {
	date := model.FormatDate(o.Start)
	id := fmt.Sprintf("ics_%s_%s", model.StableHash(o.UID, model.HashLen), model.Compact(date))
	if !o.AllDay {
		id += "_" + o.Start.Format("1504")
	}

	e := model.NewEvent(a.platform, id, o.UID, date, now, a.loc)
	e.Title = o.Summary
	e.Content = o.Description
	e.City = o.Location
	if !o.AllDay {
		e.EventTime = o.Start.Format("15:04:05")
		e.EventDatetime = o.Start.Format("2006-01-02 15:04:05")
	}
	raw := map[string]any{
		"uid":     o.UID,
		"summary": o.Summary,
		"all_day": o.AllDay,
		"start":   o.Start.Format(time.RFC3339),
		"end":     o.End.Format(time.RFC3339),
	}
	if o.Location != "" {
		raw["location"] = o.Location
	}
	e.RawData = rawJSON(raw)
	return e
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// DedupKey is the event id: uid, day and start time.
func (a *Adapter) DedupKey(e model.Event) string { return e.EventID }
