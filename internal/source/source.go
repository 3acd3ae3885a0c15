// Package source turns platform calendars into canonical events.
//
// Every platform is an Adapter selected by its configured type through a
// Registry. The Collector is the only caller of adapters: it bounds them on a
// worker pool, normalizes and filters what they return and turns any adapter
// failure into an empty collection.
package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/detect"
	"calwatch/internal/ics"
	"calwatch/internal/model"
)

// Adapter collects the events of one platform.
type Adapter interface {
	// Platform returns the id stored on every produced event.
	Platform() string
	// Collect returns the events dated within [start, end]. Adapters may
	// return events outside the window; the Collector filters them.
	Collect(ctx context.Context, start, end time.Time) ([]model.Event, error)
	// DedupKey identifies the same logical event across runs.
	DedupKey(model.Event) string
}

// Env carries the shared dependencies handed to adapter factories.
type Env struct {
	Location *time.Location
	Now      func() time.Time
	// CacheDir is where adapters may keep HTTP caches.
	CacheDir string
	// Browser runs page-origin requests for platforms configured with
	// transport "browser". It may be nil.
	Browser PageFetcher
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e Env) loc() *time.Location {
	if e.Location == nil {
		return time.Local
	}
	return e.Location
}

// PageFetcher performs an HTTP request from inside a loaded page, so that
// cookies and origin checks of the site apply. Implemented by capture.Browser.
type PageFetcher interface {
	FetchFromPage(ctx context.Context, pageURL string, req PageRequest) (string, error)
}

// PageRequest is a request issued by PageFetcher.
type PageRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Factory builds an adapter from its platform config.
type Factory func(cfg config.PlatformConfig, env Env) (Adapter, error)

var factories = map[string]Factory{
	"cls":           newCLS,
	"jiuyangongshe": newJiuyan,
	"tonghuashun":   newTonghuashun,
	"eastmoney":     newEastmoney,
	"investing":     newInvesting,
	"ics":           newICS,
}

// Register adds a factory for an adapter type. It panics on duplicates, so
// it is meant for package init.
func Register(typ string, f Factory) {
	if _, dup := factories[typ]; dup {
		panic("source: duplicate adapter type " + typ)
	}
	factories[typ] = f
}

// Types lists the known adapter types.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewFromConfig builds the adapter for one platform.
func NewFromConfig(cfg config.PlatformConfig, env Env) (Adapter, error) {
	f, ok := factories[cfg.AdapterType()]
	if !ok {
		return nil, fmt.Errorf("unknown source type: %s", cfg.AdapterType())
	}
	return f(cfg, env)
}

// HorizonFunc computes the last collected day for a run starting today.
type HorizonFunc func(today time.Time) time.Time

// Horizon returns the window end rule of cfg: today+HorizonDays when set,
// otherwise a fixed HorizonEnd date, otherwise December 31 of today's year.
func Horizon(cfg config.PlatformConfig) HorizonFunc {
	return func(today time.Time) time.Time {
		if cfg.HorizonDays > 0 {
			return today.AddDate(0, 0, cfg.HorizonDays)
		}
		if cfg.HorizonEnd != "" && cfg.HorizonEnd != "year_end" {
			if d, err := time.ParseInLocation(model.DateLayout, cfg.HorizonEnd, today.Location()); err == nil {
				return d
			}
		}
		return time.Date(today.Year(), time.December, 31, 0, 0, 0, 0, today.Location())
	}
}

type entry struct {
	adapter Adapter
	horizon HorizonFunc
}

// Registry holds the adapters of one run, keyed by platform id.
type Registry struct {
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// BuildRegistry creates the adapters of every enabled platform.
func BuildRegistry(cfgs []config.PlatformConfig, env Env) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		a, err := NewFromConfig(c, env)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", c.ID, err)
		}
		if err := r.Add(a, Horizon(c)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a. Platforms keep their registration order.
func (r *Registry) Add(a Adapter, horizon HorizonFunc) error {
	p := a.Platform()
	if _, dup := r.entries[p]; dup {
		return fmt.Errorf("platform %s registered twice", p)
	}
	if horizon == nil {
		horizon = Horizon(config.PlatformConfig{})
	}
	r.entries[p] = entry{adapter: a, horizon: horizon}
	r.order = append(r.order, p)
	return nil
}

// Platforms returns the registered platform ids in registration order.
func (r *Registry) Platforms() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Adapter returns the adapter of platform.
func (r *Registry) Adapter(platform string) (Adapter, bool) {
	e, ok := r.entries[platform]
	return e.adapter, ok
}

// Window returns the collection window of platform for a run starting today.
func (r *Registry) Window(platform string, today time.Time) (time.Time, time.Time) {
	e, ok := r.entries[platform]
	if !ok {
		return today, today
	}
	return today, e.horizon(today)
}

// Keys returns the dedup key functions of every registered platform.
func (r *Registry) Keys() detect.KeySet {
	ks := make(detect.KeySet, len(r.entries))
	for p, e := range r.entries {
		ks[p] = e.adapter.DedupKey
	}
	return ks
}

func newICS(cfg config.PlatformConfig, env Env) (Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ics platform %s has no url", cfg.ID)
	}
	f := ics.NewFetcher(env.CacheDir, cfg.Timeout)
	return ics.NewAdapter(cfg.ID, cfg.URL, f, env.loc(), env.Now), nil
}
