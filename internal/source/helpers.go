package source

import (
	"encoding/json"
	"strings"
	"time"

	"calwatch/internal/model"
)

// months returns the first day of every month touched by [start, end].
func months(start, end time.Time) []time.Time {
	var out []time.Time
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	for !cur.After(end) {
		out = append(out, cur)
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// days returns every date of [start, end] as YYYY-MM-DD.
func days(start, end time.Time) []string {
	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, model.FormatDate(d))
	}
	return out
}

func inWindow(date, from, to string) bool {
	return date != "" && date >= from && date <= to
}

// splitDateTime splits "2025-06-03 09:30:00" into its date and time. A
// midnight time is treated as absent.
func splitDateTime(s string) (date, clock string) {
	s = strings.TrimSpace(s)
	date, clock, _ = strings.Cut(s, " ")
	if clock == "00:00:00" {
		clock = ""
	}
	return date, clock
}

// clockOf extracts HH:MM:SS from an ISO-ish timestamp, or "".
func clockOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05")
		}
	}
	return ""
}

func nonEmpty(s string) []string {
	if s == "" {
		return []string{}
	}
	return []string{s}
}

// flexString decodes a JSON string, number or null into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
	default:
		*f = flexString(s)
	}
	return nil
}

func (f flexString) String() string { return string(f) }
