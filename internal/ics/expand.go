package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calwatch/internal/log"
)

const defaultMaxOccurrences = 5000

// Occurrence is one concrete instance of a (possibly recurring) event.
type Occurrence struct {
	UID         string
	Summary     string
	Description string
	Location    string
	AllDay      bool
	Start       time.Time
	End         time.Time
}

// ExpandConfig bounds an expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are converted into.
	Location *time.Location
	// RangeStart and RangeEnd are inclusive.
	RangeStart time.Time
	RangeEnd   time.Time
	// MaxOccurrences caps each series; 0 means 5000.
	MaxOccurrences int
}

// Expand turns parsed events into occurrences within the range, applying
// RRULE, EXDATE and RECURRENCE-ID overrides. Occurrences are sorted by start.
// The UIDs of series cut at the cap are returned as truncated.
func Expand(events []ParsedEvent, cfg ExpandConfig) (occ []Occurrence, truncated []string, err error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, nil, errors.New("expand: range end before range start")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	bases := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride() {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := bases[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	for _, uid := range uids {
		for _, ev := range bases[uid] {
			got, capped := expandOne(ev, overrides[uid], cfg)
			occ = append(occ, got...)
			if capped {
				truncated = append(truncated, uid)
				appLog.Warn("ics series truncated", "uid", uid, "cap", cfg.MaxOccurrences)
			}
		}
	}

	sort.SliceStable(occ, func(i, j int) bool { return occ[i].Start.Before(occ[j].Start) })
	return occ, truncated, nil
}

func expandOne(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
			return nil, false
		}
		return []Occurrence{occurrence(pick(ev, overrides, ev.Start, ev.End), cfg.Location)}, false
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("ics rrule unreadable", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	times := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)
	capped := false
	if len(times) > cfg.MaxOccurrences {
		times = times[:cfg.MaxOccurrences]
		capped = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(times))
	for _, start := range times {
		end := start.Add(dur)
		if ev.AllDay {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
			end = start.AddDate(0, 0, max(1, int(dur.Hours()/24)))
		}
		out = append(out, occurrence(pick(ev, overrides, start, end), cfg.Location))
	}
	return out, capped
}

// pick returns the override whose RECURRENCE-ID equals start, or base with
// the given instance times.
func pick(base ParsedEvent, overrides []ParsedEvent, start, end time.Time) ParsedEvent {
	for _, o := range overrides {
		if o.Recurrence.Equal(start) {
			return o
		}
	}
	base.Start, base.End = start, end
	return base
}

func occurrence(ev ParsedEvent, loc *time.Location) Occurrence {
	start, end := ev.Start.In(loc), ev.End.In(loc)
	if ev.AllDay {
		// all-day dates are calendar days, not instants
		start, end = ev.Start, ev.End
	}
	return Occurrence{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
