// Package detect diffs a freshly collected snapshot against the stored
// baseline, classifies every future event as new, updated or cancelled and
// builds the run's change report.
package detect

import (
	"slices"
	"sort"
	"time"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const (
	topN         = 10
	sampleTitles = 3
	titleRunes   = 50
)

// KeyFunc returns the dedup key of an event: stable across runs for the same
// logical event and unique within one platform snapshot.
type KeyFunc func(model.Event) string

// ByEventID is the default key.
func ByEventID(e model.Event) string { return e.EventID }

// KeySet maps a platform to its key function. Platforms without an entry use
// ByEventID.
type KeySet map[string]KeyFunc

// For returns the key function of platform.
func (k KeySet) For(platform string) KeyFunc {
	if f, ok := k[platform]; ok && f != nil {
		return f
	}
	return ByEventID
}

// Changes is the classification of one platform.
type Changes struct {
	New       []model.Event
	Updated   []model.Event
	Cancelled []model.Event
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Updated) == 0 && len(c.Cancelled) == 0
}

// Result is the outcome of one diff. Annotated is a deep copy of the current
// snapshot with is_new/discovery_date set; the inputs are never modified.
type Result struct {
	Changes   map[string]Changes
	Annotated map[string][]model.Event
	Report    model.ChangeReport
}

// Detector compares snapshots.
type Detector struct {
	keys  KeySet
	order []string
	now   func() time.Time
	loc   *time.Location
}

type Option func(*Detector)

// WithOrder sets the platform order used as discovery order for ranking
// ties. Platforms not listed follow in name order.
func WithOrder(platforms []string) Option {
	return func(d *Detector) { d.order = slices.Clone(platforms) }
}

func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(d *Detector) {
		d.now = now
		if loc != nil {
			d.loc = loc
		}
	}
}

func New(keys KeySet, opts ...Option) *Detector {
	d := &Detector{keys: keys, now: time.Now, loc: time.Local}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect classifies current against previous for runDate (YYYY-MM-DD).
// Only events dated on or after runDate take part.
func (d *Detector) Detect(runDate string, previous, current map[string][]model.Event) Result {
	res := Result{
		Changes:   make(map[string]Changes),
		Annotated: make(map[string][]model.Event, len(current)),
	}

	for _, platform := range d.platforms(previous, current) {
		key := d.keys.For(platform)
		ch := classify(platform, runDate, key, previous[platform], current[platform])
		res.Changes[platform] = ch
		if events, ok := current[platform]; ok {
			res.Annotated[platform] = annotate(events, ch, key, runDate)
		}
		appLog.Info("platform diff",
			"platform", platform,
			"new", len(ch.New),
			"updated", len(ch.Updated),
			"cancelled", len(ch.Cancelled),
		)
	}

	res.Report = d.report(runDate, res.Changes)
	return res
}

// platforms returns the union of both snapshots' platforms in discovery order.
func (d *Detector) platforms(previous, current map[string][]model.Event) []string {
	seen := make(map[string]bool)
	var rest []string
	for _, m := range []map[string][]model.Event{current, previous} {
		for p := range m {
			if !seen[p] {
				seen[p] = true
				rest = append(rest, p)
			}
		}
	}

	out := make([]string, 0, len(rest))
	for _, p := range d.order {
		if seen[p] {
			out = append(out, p)
			delete(seen, p)
		}
	}
	sort.Strings(rest)
	for _, p := range rest {
		if seen[p] {
			out = append(out, p)
		}
	}
	return out
}

func classify(platform, runDate string, key KeyFunc, previous, current []model.Event) Changes {
	prevIdx := index(platform, "previous", previous, key)
	currIdx := index(platform, "current", current, key)

	var ch Changes
	for _, k := range currIdx.order {
		curr := currIdx.byKey[k]
		if curr.EventDate < runDate {
			continue
		}
		prev, ok := prevIdx.byKey[k]
		switch {
		case !ok:
			ch.New = append(ch.New, curr)
		case ContentChanged(prev, curr):
			ch.Updated = append(ch.Updated, curr)
		}
	}
	for _, k := range prevIdx.order {
		prev := prevIdx.byKey[k]
		if prev.EventDate < runDate {
			continue
		}
		if _, ok := currIdx.byKey[k]; !ok {
			ch.Cancelled = append(ch.Cancelled, prev)
		}
	}
	return ch
}

type keyIndex struct {
	byKey map[string]model.Event
	order []string
}

// index maps key to event. The first occurrence of a key wins.
func index(platform, tier string, events []model.Event, key KeyFunc) keyIndex {
	idx := keyIndex{byKey: make(map[string]model.Event, len(events)), order: make([]string, 0, len(events))}
	for _, e := range events {
		k := key(e)
		if _, dup := idx.byKey[k]; dup {
			appLog.Warn("duplicate dedup key ignored", "platform", platform, "tier", tier, "key", k, "event_id", e.EventID)
			continue
		}
		idx.byKey[k] = e
		idx.order = append(idx.order, k)
	}
	return idx
}

// ContentChanged reports whether any tracked field differs.
func ContentChanged(a, b model.Event) bool {
	return a.Title != b.Title ||
		a.EventDatetime != b.EventDatetime ||
		a.ImportanceOr(0) != b.ImportanceOr(0) ||
		(a.Importance == nil) != (b.Importance == nil) ||
		a.Content != b.Content ||
		a.Country != b.Country
}

func annotate(events []model.Event, ch Changes, key KeyFunc, runDate string) []model.Event {
	newKeys := make(map[string]struct{}, len(ch.New))
	for _, e := range ch.New {
		newKeys[key(e)] = struct{}{}
	}
	updKeys := make(map[string]struct{}, len(ch.Updated))
	for _, e := range ch.Updated {
		updKeys[key(e)] = struct{}{}
	}

	out := make([]model.Event, len(events))
	for i, e := range events {
		c := e.Clone()
		k := key(c)
		if _, ok := newKeys[k]; ok {
			c.IsNew = true
			c.DiscoveryDate = runDate
		} else if _, ok := updKeys[k]; ok {
			c.DiscoveryDate = runDate
		}
		out[i] = c
	}
	return out
}

func (d *Detector) report(runDate string, changes map[string]Changes) model.ChangeReport {
	r := model.EmptyReport(runDate, d.now().In(d.loc).Format(time.RFC3339))

	var allNew []model.Event
	for _, platform := range d.orderedKeys(changes) {
		ch := changes[platform]
		samples := make([]string, 0, sampleTitles)
		for _, e := range ch.New[:min(sampleTitles, len(ch.New))] {
			samples = append(samples, Truncate(e.Title, titleRunes))
		}
		r.Platforms[platform] = model.PlatformChange{
			NewEvents:       len(ch.New),
			UpdatedEvents:   len(ch.Updated),
			CancelledEvents: len(ch.Cancelled),
			SampleNewTitles: samples,
		}
		r.Summary.TotalNew += len(ch.New)
		r.Summary.TotalUpdated += len(ch.Updated)
		r.Summary.TotalCancelled += len(ch.Cancelled)
		allNew = append(allNew, ch.New...)
	}

	sort.SliceStable(allNew, func(i, j int) bool {
		return allNew[i].ImportanceOr(0) > allNew[j].ImportanceOr(0)
	})
	for _, e := range allNew[:min(topN, len(allNew))] {
		top := model.TopEvent{
			Platform: e.Platform,
			Date:     e.EventDate,
			Title:    e.Title,
			Country:  e.Country,
		}
		if e.Importance != nil {
			v := *e.Importance
			top.Importance = &v
		}
		r.TopNewEvents = append(r.TopNewEvents, top)
	}
	return r
}

func (d *Detector) orderedKeys(changes map[string]Changes) []string {
	m := make(map[string][]model.Event, len(changes))
	for p := range changes {
		m[p] = nil
	}
	return d.platforms(m, nil)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Dedupe drops events whose key was already seen, keeping the first. It
// returns the kept events and the number dropped.
func Dedupe(platform string, events []model.Event, key KeyFunc) ([]model.Event, int) {
	if key == nil {
		key = ByEventID
	}
	seenKey := make(map[string]struct{}, len(events))
	seenID := make(map[string]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	dropped := 0
	for _, e := range events {
		k := key(e)
		_, dupKey := seenKey[k]
		_, dupID := seenID[e.EventID]
		if dupKey || dupID {
			dropped++
			appLog.Debug("duplicate event dropped", "platform", platform, "key", k, "event_id", e.EventID)
			continue
		}
		seenKey[k] = struct{}{}
		seenID[e.EventID] = struct{}{}
		out = append(out, e)
	}
	return out, dropped
}
