// Package lifecycle moves occurred days into the permanent archive and
// advances the comparison baseline.
package lifecycle

import (
	"calwatch/internal/errs"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/store"
)

// Manager runs archive and rotate against one store.
type Manager struct {
	store *store.Store
}

func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// ArchiveResult counts what one archive pass did.
type ArchiveResult struct {
	Date string
	// Archived is the number of events newly inserted.
	Archived int
	// Skipped is the number of events already present in the archive.
	Skipped    int
	ByPlatform map[string]int
}

// RotateResult counts the rebuilt baseline.
type RotateResult struct {
	Boundary   string
	Events     int
	ByPlatform map[string]int
}

// Archive copies every current-tier event dated date into the month bucket
// of date, status ARCHIVED. Insertion is write-once per event_id: events
// already archived are left untouched, so re-running for the same date is a
// no-op. An unreadable existing bucket aborts instead of being overwritten.
func (m *Manager) Archive(date string) (ArchiveResult, error) {
	res := ArchiveResult{Date: date, ByPlatform: map[string]int{}}

	day, err := model.ParseDate(date)
	if err != nil {
		return res, errs.Lifecycle("archive", err)
	}
	year, month := day.Year(), int(day.Month())

	platforms, err := m.store.Platforms(store.TierCurrent)
	if err != nil {
		return res, errs.Lifecycle("archive", err)
	}

	for _, platform := range platforms {
		var due []model.Event
		for _, e := range m.store.Load(store.TierCurrent, platform) {
			if e.EventDate == date {
				due = append(due, e)
			}
		}
		if len(due) == 0 {
			continue
		}

		rec, _, err := m.store.LoadArchive(platform, year, month)
		if err != nil {
			return res, errs.Lifecycle("archive", err)
		}
		rec.Platform, rec.Year, rec.Month = platform, year, month

		seen := make(map[string]struct{}, len(rec.Events)+len(due))
		for _, e := range rec.Events {
			seen[e.EventID] = struct{}{}
		}

		added := 0
		for _, e := range due {
			if _, ok := seen[e.EventID]; ok {
				res.Skipped++
				continue
			}
			a := e.Clone()
			a.DataStatus = model.StatusArchived
			rec.Events = append(rec.Events, a)
			seen[e.EventID] = struct{}{}
			added++
		}
		if added == 0 {
			continue
		}

		if err := m.store.SaveArchive(rec); err != nil {
			return res, errs.Lifecycle("archive", err)
		}
		res.Archived += added
		res.ByPlatform[platform] = added
		appLog.Info("archived events", "platform", platform, "date", date, "count", added, "bucket_total", len(rec.Events))
	}

	appLog.Info("archive completed", "date", date, "archived", res.Archived, "already_archived", res.Skipped)
	return res, nil
}

// Rotate replaces the previous tier with the current-tier events dated
// strictly after boundary. Platforms with no such events get no baseline
// file. The previous tier is rebuilt from scratch, never merged.
func (m *Manager) Rotate(boundary string) (RotateResult, error) {
	res := RotateResult{Boundary: boundary, ByPlatform: map[string]int{}}

	if _, err := model.ParseDate(boundary); err != nil {
		return res, errs.Lifecycle("rotate", err)
	}

	platforms, err := m.store.Platforms(store.TierCurrent)
	if err != nil {
		return res, errs.Lifecycle("rotate", err)
	}

	future := make(map[string][]model.Event, len(platforms))
	for _, platform := range platforms {
		for _, e := range m.store.Load(store.TierCurrent, platform) {
			if e.EventDate > boundary {
				future[platform] = append(future[platform], e)
			}
		}
	}

	if err := m.store.ClearTier(store.TierPrevious); err != nil {
		return res, errs.Lifecycle("rotate", err)
	}

	for _, platform := range platforms {
		events := future[platform]
		if len(events) == 0 {
			continue
		}
		if err := m.store.Save(store.TierPrevious, platform, events); err != nil {
			return res, errs.Lifecycle("rotate", err)
		}
		res.Events += len(events)
		res.ByPlatform[platform] = len(events)
	}

	appLog.Info("rotate completed", "boundary", boundary, "baseline_events", res.Events, "platforms", len(res.ByPlatform))
	return res, nil
}
