package export

import (
	"calwatch/internal/model"
	"calwatch/internal/store"
)

type SummaryPlatform struct {
	Name       string          `json:"name"`
	EventCount int             `json:"event_count"`
	DateRange  store.DateRange `json:"date_range"`
}

type NewCounts struct {
	Total     int            `json:"total"`
	Platforms map[string]int `json:"platforms"`
}

// Summary is the stored metadata extended with display names and new-event
// counts.
type Summary struct {
	CollectionType string                     `json:"collection_type"`
	CollectionTime string                     `json:"collection_time"`
	Platforms      map[string]SummaryPlatform `json:"platforms"`
	TotalEvents    int                        `json:"total_events"`
	DateRange      store.DateRange            `json:"date_range"`
	NewEvents      NewCounts                  `json:"new_events"`
	ExportTime     string                     `json:"export_time"`
}

// Latest holds the most important new events and the events of today.
type Latest struct {
	NewEvents   []model.Event `json:"new_events"`
	TodayEvents []model.Event `json:"today_events"`
	ExportTime  string        `json:"export_time"`
	Today       string        `json:"today"`
}

// CalendarEvent is the reduced event shape of the calendar view.
type CalendarEvent struct {
	EventID    string `json:"event_id"`
	Platform   string `json:"platform"`
	Title      string `json:"title"`
	EventTime  string `json:"event_time,omitempty"`
	Importance *int   `json:"importance"`
	Category   string `json:"category,omitempty"`
	Country    string `json:"country,omitempty"`
	IsNew      bool   `json:"is_new"`
}

// Calendar groups the events of [StartDate, EndDate] by date. Each day is
// ordered by importance, highest first.
type Calendar struct {
	StartDate  string                     `json:"start_date"`
	EndDate    string                     `json:"end_date"`
	Days       map[string][]CalendarEvent `json:"days"`
	ExportTime string                     `json:"export_time"`
}

// PlatformStats are the histograms of one platform's current snapshot.
// Importance counts unranked events under 0.
type PlatformStats struct {
	Name        string          `json:"name"`
	TotalEvents int             `json:"total_events"`
	NewEvents   int             `json:"new_events"`
	Categories  map[string]int  `json:"categories"`
	Importance  map[int]int     `json:"importance"`
	Countries   map[string]int  `json:"countries"`
	DateRange   store.DateRange `json:"date_range"`
}

// Summary builds the summary view from the stored metadata, or from the
// current tier when no metadata has been written yet.
func (x *Exporter) Summary() (Summary, error) {
	return x.summary(x.store.LoadAll(store.TierCurrent))
}

func (x *Exporter) summary(current map[string][]model.Event) (Summary, error) {
	md, ok, err := x.store.LoadMetadata()
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		md = store.BuildMetadata(current, "", "")
	}

	out := Summary{
		CollectionType: md.CollectionType,
		CollectionTime: md.CollectionTime,
		Platforms:      make(map[string]SummaryPlatform, len(md.Platforms)),
		TotalEvents:    md.TotalEvents,
		DateRange:      md.DateRange,
		NewEvents:      NewCounts{Platforms: map[string]int{}},
		ExportTime:     x.stamp(),
	}
	for p, pm := range md.Platforms {
		out.Platforms[p] = SummaryPlatform{Name: x.Name(p), EventCount: pm.EventCount, DateRange: pm.DateRange}
	}
	for _, p := range x.platforms(current) {
		n := countNew(current[p])
		out.NewEvents.Platforms[p] = n
		out.NewEvents.Total += n
	}
	return out, nil
}

// Latest builds the latest-events view for today.
func (x *Exporter) Latest() Latest {
	return x.latest(x.store.LoadAll(store.TierCurrent), x.today())
}

func (x *Exporter) latest(current map[string][]model.Event, today string) Latest {
	out := Latest{
		NewEvents:   []model.Event{},
		TodayEvents: []model.Event{},
		ExportTime:  x.stamp(),
		Today:       today,
	}
	for _, p := range x.platforms(current) {
		for _, e := range current[p] {
			if e.IsNew {
				out.NewEvents = append(out.NewEvents, e.Clone())
			}
			if e.EventDate == today {
				out.TodayEvents = append(out.TodayEvents, e.Clone())
			}
		}
	}
	byImportance(out.NewEvents)
	byImportance(out.TodayEvents)
	if len(out.NewEvents) > maxNewEvents {
		out.NewEvents = out.NewEvents[:maxNewEvents]
	}
	return out
}

// Calendar builds the calendar view from today over days days (inclusive
// of both ends, as the page renders it). Non-positive days means the
// configured window.
func (x *Exporter) Calendar(days int) Calendar {
	if days <= 0 {
		days = x.days
	}
	return x.calendar(x.store.LoadAll(store.TierCurrent), x.today(), days)
}

func (x *Exporter) calendar(current map[string][]model.Event, today string, days int) Calendar {
	end, err := model.AddDays(today, days)
	if err != nil {
		end = today
	}
	out := Calendar{
		StartDate:  today,
		EndDate:    end,
		Days:       map[string][]CalendarEvent{},
		ExportTime: x.stamp(),
	}

	grouped := map[string][]model.Event{}
	for _, p := range x.platforms(current) {
		for _, e := range current[p] {
			if e.EventDate < today || e.EventDate > end {
				continue
			}
			grouped[e.EventDate] = append(grouped[e.EventDate], e)
		}
	}
	for date, events := range grouped {
		byImportance(events)
		simple := make([]CalendarEvent, 0, len(events))
		for _, e := range events {
			simple = append(simple, simplify(e))
		}
		out.Days[date] = simple
	}
	return out
}

func simplify(e model.Event) CalendarEvent {
	c := CalendarEvent{
		EventID:   e.EventID,
		Platform:  e.Platform,
		Title:     e.Title,
		EventTime: e.EventTime,
		Category:  e.Category,
		Country:   e.Country,
		IsNew:     e.IsNew,
	}
	if e.Importance != nil {
		v := *e.Importance
		c.Importance = &v
	}
	return c
}

// Stats builds the per-platform statistics view.
func (x *Exporter) Stats() map[string]PlatformStats {
	return x.stats(x.store.LoadAll(store.TierCurrent))
}

func (x *Exporter) stats(current map[string][]model.Event) map[string]PlatformStats {
	out := make(map[string]PlatformStats)
	for _, p := range x.platforms(current) {
		out[p] = x.platformStats(p, current[p])
	}
	return out
}

// PlatformStats builds the statistics of one platform.
func (x *Exporter) PlatformStats(platform string) PlatformStats {
	return x.platformStats(platform, x.store.Load(store.TierCurrent, platform))
}

func (x *Exporter) platformStats(platform string, events []model.Event) PlatformStats {
	s := PlatformStats{
		Name:        x.Name(platform),
		TotalEvents: len(events),
		NewEvents:   countNew(events),
		Categories:  map[string]int{},
		Importance:  map[int]int{},
		Countries:   map[string]int{},
		DateRange:   store.RangeOf(events),
	}
	for _, e := range events {
		if e.Category != "" {
			s.Categories[e.Category]++
		}
		if e.Country != "" {
			s.Countries[e.Country]++
		}
		s.Importance[e.ImportanceOr(0)]++
	}
	return s
}

func countNew(events []model.Event) int {
	n := 0
	for _, e := range events {
		if e.IsNew {
			n++
		}
	}
	return n
}
