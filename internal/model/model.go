package model

import (
	"encoding/json"
	"slices"
	"time"

	"calwatch/internal/errs"
)

// Status is the lifecycle status of a stored event.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// Concept is a tagged concept (sector/theme board) attached to an event.
type Concept struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Event is one scheduled item observed on one platform, normalized into the
// canonical schema shared by every source.
type Event struct {
	Platform   string `json:"platform"`
	EventID    string `json:"event_id"`
	OriginalID string `json:"original_id"`

	// EventDate is the calendar date of the event, YYYY-MM-DD.
	EventDate     string `json:"event_date"`
	EventTime     string `json:"event_time,omitempty"`
	EventDatetime string `json:"event_datetime,omitempty"`

	Title    string `json:"title"`
	Content  string `json:"content,omitempty"`
	Category string `json:"category,omitempty"`
	// Importance is 1..5; nil when the source does not rank events.
	Importance *int   `json:"importance"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`

	Stocks   []string  `json:"stocks"`
	Concepts []Concept `json:"concepts"`
	Themes   []string  `json:"themes"`

	DataStatus    Status `json:"data_status"`
	IsNew         bool   `json:"is_new"`
	DiscoveryDate string `json:"discovery_date"`

	// RawData is the untouched source record, kept for audit.
	RawData json.RawMessage `json:"raw_data"`

	CreatedAt string `json:"created_at"`
}

// NewEvent returns an event with every default filled, stamped at now in loc.
func NewEvent(platform, eventID, originalID, eventDate string, now time.Time, loc *time.Location) Event {
	e := Event{
		Platform:   platform,
		EventID:    eventID,
		OriginalID: originalID,
		EventDate:  eventDate,
	}
	e.Normalize(now, loc)
	return e
}

// Normalize fills unset defaults in place. Set fields are left untouched.
func (e *Event) Normalize(now time.Time, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	if e.Stocks == nil {
		e.Stocks = []string{}
	}
	if e.Concepts == nil {
		e.Concepts = []Concept{}
	}
	if e.Themes == nil {
		e.Themes = []string{}
	}
	if len(e.RawData) == 0 {
		e.RawData = json.RawMessage("{}")
	}
	if e.DataStatus == "" {
		e.DataStatus = StatusActive
	}
	if e.CreatedAt == "" {
		e.CreatedAt = now.In(loc).Format(time.RFC3339)
	}
	if e.DiscoveryDate == "" {
		e.DiscoveryDate = FormatDate(now.In(loc))
	}
}

// Validate checks the required fields of the canonical schema.
func (e Event) Validate() error {
	switch {
	case e.Platform == "":
		return errs.New(errs.KindValidation, "validate", "platform is empty")
	case e.EventID == "":
		return errs.New(errs.KindValidation, "validate", "event_id is empty").WithPlatform(e.Platform)
	}
	if _, err := ParseDate(e.EventDate); err != nil {
		return errs.New(errs.KindValidation, "validate", "event %s: bad event_date %q", e.EventID, e.EventDate).WithPlatform(e.Platform)
	}
	if e.Importance != nil && (*e.Importance < 1 || *e.Importance > 5) {
		return errs.New(errs.KindValidation, "validate", "event %s: importance %d out of range", e.EventID, *e.Importance).WithPlatform(e.Platform)
	}
	switch e.DataStatus {
	case StatusActive, StatusArchived, "":
	default:
		return errs.New(errs.KindValidation, "validate", "event %s: unknown status %q", e.EventID, e.DataStatus).WithPlatform(e.Platform)
	}
	return nil
}

// Clone returns a deep copy; slices and the raw payload are not shared.
func (e Event) Clone() Event {
	out := e
	if e.Importance != nil {
		v := *e.Importance
		out.Importance = &v
	}
	out.Stocks = slices.Clone(e.Stocks)
	out.Concepts = slices.Clone(e.Concepts)
	out.Themes = slices.Clone(e.Themes)
	out.RawData = slices.Clone(e.RawData)
	return out
}

// ImportanceOr returns the importance or def when absent.
func (e Event) ImportanceOr(def int) int {
	if e.Importance == nil {
		return def
	}
	return *e.Importance
}

// Importance returns a pointer to v, clamped into 1..5.
func Importance(v int) *int {
	v = max(1, min(5, v))
	return &v
}

// CloneAll deep-copies a slice of events.
func CloneAll(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}
