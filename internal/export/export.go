// Package export writes the read-only JSON views consumed by the static web
// page: summary, latest events, the calendar window, the latest change
// report and per-platform statistics. It only reads the store.
package export

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/errs"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/store"
)

// Export file names.
const (
	SummaryFile       = "summary.json"
	LatestEventsFile  = "latest_events.json"
	CalendarFile      = "calendar_data.json"
	ChangeReportFile  = "change_report.json"
	PlatformStatsFile = "platform_stats.json"
)

const (
	defaultCalendarDays = 30
	maxNewEvents        = 100
)

// DefaultNames are the display names of the built-in platforms.
var DefaultNames = map[string]string{
	"cls":           "财联社",
	"jiuyangongshe": "韭研公社",
	"tonghuashun":   "同花顺",
	"investing":     "英为财情",
	"eastmoney":     "东方财富",
}

// NamesFromConfig maps every configured platform to its display name,
// falling back to DefaultNames and then to the id.
func NamesFromConfig(platforms []config.PlatformConfig) map[string]string {
	out := make(map[string]string, len(platforms))
	for _, p := range platforms {
		switch {
		case p.Name != "":
			out[p.ID] = p.Name
		case DefaultNames[p.ID] != "":
			out[p.ID] = DefaultNames[p.ID]
		default:
			out[p.ID] = p.ID
		}
	}
	return out
}

// Exporter builds the views from one store.
type Exporter struct {
	store *store.Store
	dir   string
	names map[string]string
	days  int
	now   func() time.Time
	loc   *time.Location
}

type Option func(*Exporter)

// WithNames sets the display names. Platforms listed here appear in the
// summary and the statistics even when they have no snapshot.
func WithNames(names map[string]string) Option {
	return func(x *Exporter) {
		if names != nil {
			x.names = names
		}
	}
}

// WithCalendarDays sets the calendar window length. Non-positive means 30.
func WithCalendarDays(n int) Option {
	return func(x *Exporter) {
		if n > 0 {
			x.days = n
		}
	}
}

func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(x *Exporter) {
		x.now = now
		if loc != nil {
			x.loc = loc
		}
	}
}

// New returns an exporter writing into dir.
func New(st *store.Store, dir string, opts ...Option) *Exporter {
	x := &Exporter{
		store: st,
		dir:   dir,
		names: DefaultNames,
		days:  defaultCalendarDays,
		now:   time.Now,
		loc:   time.Local,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Name returns the display name of platform.
func (x *Exporter) Name(platform string) string {
	if n, ok := x.names[platform]; ok && n != "" {
		return n
	}
	return platform
}

// CalendarDays is the configured calendar window length.
func (x *Exporter) CalendarDays() int { return x.days }

// Result lists the files one export wrote.
type Result struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

// Export writes every view into the export directory. A missing change
// report is not an error; the file is skipped.
func (x *Exporter) Export() (Result, error) {
	res := Result{Dir: x.dir}
	current := x.store.LoadAll(store.TierCurrent)
	today := x.today()

	summary, err := x.summary(current)
	if err != nil {
		return res, err
	}
	views := []struct {
		name string
		v    any
	}{
		{SummaryFile, summary},
		{LatestEventsFile, x.latest(current, today)},
		{CalendarFile, x.calendar(current, today, x.days)},
		{PlatformStatsFile, x.stats(current)},
	}

	report, ok, err := x.store.LatestReport()
	switch {
	case err != nil:
		return res, err
	case ok:
		views = append(views, struct {
			name string
			v    any
		}{ChangeReportFile, report})
	default:
		appLog.Warn("no change report stored, skipping export", "file", ChangeReportFile)
	}

	for _, view := range views {
		if err := x.write(view.name, view.v); err != nil {
			return res, err
		}
		res.Files = append(res.Files, view.name)
	}
	appLog.Info("export completed", "dir", x.dir, "files", len(res.Files), "new_events", summary.NewEvents.Total)
	return res, nil
}

func (x *Exporter) write(name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errs.Storage("export "+name, err)
	}
	if err := config.WriteFileAtomic(filepath.Join(x.dir, name), buf.Bytes(), 0o644); err != nil {
		return errs.Storage("export "+name, err)
	}
	return nil
}

func (x *Exporter) today() string {
	return model.FormatDate(model.Day(x.now(), x.loc))
}

func (x *Exporter) stamp() string {
	return x.now().In(x.loc).Format(time.RFC3339)
}

// platforms is every platform to report: named ones plus any with data.
func (x *Exporter) platforms(current map[string][]model.Event) []string {
	seen := make(map[string]struct{}, len(current)+len(x.names))
	for p := range current {
		seen[p] = struct{}{}
	}
	for p := range x.names {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// byImportance orders events by importance, highest first, nil as 0.
func byImportance(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ImportanceOr(0) > events[j].ImportanceOr(0)
	})
}
