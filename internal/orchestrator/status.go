package orchestrator

import (
	appLog "calwatch/internal/log"
	"calwatch/internal/store"
)

// PlatformStatus counts the current snapshot of one platform.
type PlatformStatus struct {
	Platform  string `json:"platform"`
	Events    int    `json:"events"`
	NewEvents int    `json:"new_events"`
}

// Status summarizes every tier of the store.
type Status struct {
	Platforms     []PlatformStatus `json:"platforms"`
	CurrentEvents int              `json:"current_events"`
	NewEvents     int              `json:"new_events"`

	PreviousPlatforms int `json:"previous_platforms"`
	PreviousEvents    int `json:"previous_events"`

	ArchivedMonths int `json:"archived_months"`
	ArchivedFiles  int `json:"archived_files"`
	ArchivedEvents int `json:"archived_events"`

	DateRange    store.DateRange `json:"date_range"`
	FirstRun     *store.Marker   `json:"first_run,omitempty"`
	LatestReport string          `json:"latest_report,omitempty"`
}

// Status reads the store. It never collects.
func (r *Runner) Status() (Status, error) {
	return ReadStatus(r.store)
}

// ReadStatus summarizes st. Unreadable snapshots count as empty and
// unreadable archives are skipped, both with a log line.
func ReadStatus(st *store.Store) (Status, error) {
	out := Status{Platforms: []PlatformStatus{}}

	current := st.LoadAll(store.TierCurrent)
	platforms, err := st.Platforms(store.TierCurrent)
	if err != nil {
		return out, err
	}
	for _, p := range platforms {
		events := current[p]
		ps := PlatformStatus{Platform: p, Events: len(events)}
		for _, e := range events {
			if e.IsNew {
				ps.NewEvents++
			}
		}
		out.Platforms = append(out.Platforms, ps)
		out.CurrentEvents += ps.Events
		out.NewEvents += ps.NewEvents
		out.DateRange = out.DateRange.Merge(store.RangeOf(events))
	}

	previous := st.LoadAll(store.TierPrevious)
	out.PreviousPlatforms = len(previous)
	for _, events := range previous {
		out.PreviousEvents += len(events)
	}

	refs, err := st.ListArchives()
	if err != nil {
		return out, err
	}
	months := map[[2]int]struct{}{}
	for _, ref := range refs {
		months[[2]int{ref.Year, ref.Month}] = struct{}{}
		out.ArchivedFiles++
		rec, ok, err := st.LoadArchive(ref.Platform, ref.Year, ref.Month)
		if err != nil {
			appLog.Warn("archive unreadable, not counted", "platform", ref.Platform, "year", ref.Year, "month", ref.Month, "err", err)
			continue
		}
		if ok {
			out.ArchivedEvents += len(rec.Events)
		}
	}
	out.ArchivedMonths = len(months)

	marker, ok, err := st.ReadMarker()
	switch {
	case err != nil:
		appLog.Warn("first-run marker unreadable", "err", err)
	case ok:
		out.FirstRun = &marker
	}

	dates, err := st.ReportDates()
	if err != nil {
		return out, err
	}
	if len(dates) > 0 {
		out.LatestReport = dates[len(dates)-1]
	}
	return out, nil
}
