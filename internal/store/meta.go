package store

import (
	"path/filepath"

	"calwatch/internal/errs"
	"calwatch/internal/model"
)

// DateRange is an inclusive event_date span. Both ends are nil when empty.
type DateRange struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
}

type PlatformMeta struct {
	EventCount int       `json:"event_count"`
	DateRange  DateRange `json:"date_range"`
}

// Metadata is the aggregate record written alongside the current tier.
type Metadata struct {
	CollectionType string                  `json:"collection_type"`
	CollectionTime string                  `json:"collection_time"`
	Platforms      map[string]PlatformMeta `json:"platforms"`
	TotalEvents    int                     `json:"total_events"`
	DateRange      DateRange               `json:"date_range"`
}

// Marker records the completion of the first run.
type Marker struct {
	FirstRunDate string `json:"first_run_date"`
	FirstRunTime string `json:"first_run_time"`
	Status       string `json:"status"`
	RunID        string `json:"run_id,omitempty"`
}

// RangeOf returns the min/max event_date of events.
func RangeOf(events []model.Event) DateRange {
	var r DateRange
	for _, e := range events {
		if e.EventDate == "" {
			continue
		}
		d := e.EventDate
		if r.Start == nil || d < *r.Start {
			r.Start = &d
		}
		if r.End == nil || d > *r.End {
			dd := d
			r.End = &dd
		}
	}
	return r
}

// Merge widens r to include o.
func (r DateRange) Merge(o DateRange) DateRange {
	if o.Start != nil && (r.Start == nil || *o.Start < *r.Start) {
		r.Start = o.Start
	}
	if o.End != nil && (r.End == nil || *o.End > *r.End) {
		r.End = o.End
	}
	return r
}

// BuildMetadata aggregates per-platform counts and date ranges.
func BuildMetadata(all map[string][]model.Event, collectionType, collectionTime string) Metadata {
	md := Metadata{
		CollectionType: collectionType,
		CollectionTime: collectionTime,
		Platforms:      make(map[string]PlatformMeta, len(all)),
	}
	for p, events := range all {
		r := RangeOf(events)
		md.Platforms[p] = PlatformMeta{EventCount: len(events), DateRange: r}
		md.TotalEvents += len(events)
		md.DateRange = md.DateRange.Merge(r)
	}
	return md
}

func (s *Store) SaveMetadata(md Metadata) error {
	if err := writeJSON(filepath.Join(s.tierDir(TierCurrent), metadataFile), md); err != nil {
		return errs.Storage("save metadata", err)
	}
	return nil
}

// LoadMetadata returns the stored metadata, ok=false when absent.
func (s *Store) LoadMetadata() (Metadata, bool, error) {
	var md Metadata
	ok, err := readJSON(filepath.Join(s.tierDir(TierCurrent), metadataFile), &md)
	if err != nil {
		return Metadata{}, false, errs.Storage("load metadata", err)
	}
	return md, ok, nil
}

func (s *Store) WriteMarker(m Marker) error {
	if err := writeJSON(filepath.Join(s.tierDir(TierCurrent), markerFile), m); err != nil {
		return errs.Storage("write marker", err)
	}
	return nil
}

// ReadMarker returns the first-run marker, ok=false when absent.
func (s *Store) ReadMarker() (Marker, bool, error) {
	var m Marker
	ok, err := readJSON(filepath.Join(s.tierDir(TierCurrent), markerFile), &m)
	if err != nil {
		return Marker{}, false, errs.Storage("read marker", err)
	}
	return m, ok, nil
}
