// Package store persists platform snapshots in the current/previous tiers,
// the month-bucketed archive, the aggregate metadata, the first-run marker
// and the per-run change reports, all as JSON files under one data directory.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/errs"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// Tier is an active snapshot tier.
type Tier string

const (
	TierCurrent  Tier = "current"
	TierPrevious Tier = "previous"
)

const (
	dateTypeFuture     = "FUTURE"
	dateTypeHistorical = "HISTORICAL"

	metadataFile = "metadata.json"
	markerFile   = "first_run_marker.json"
	fileExt      = ".json"
)

// Snapshot is the persisted form of one platform's events in an active tier.
type Snapshot struct {
	Platform    string        `json:"platform"`
	TotalEvents int           `json:"total_events"`
	DataStatus  model.Status  `json:"data_status"`
	DateType    string        `json:"date_type"`
	LastUpdated string        `json:"last_updated"`
	Immutable   bool          `json:"immutable"`
	Events      []model.Event `json:"events"`
}

// Store is a file-backed snapshot store rooted at one data directory.
// It is not safe for concurrent writers across processes.
type Store struct {
	root string
	loc  *time.Location
	now  func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for last_updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocation sets the zone used for timestamps.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// New creates a Store rooted at root. Directories are created lazily.
func New(root string, opts ...Option) *Store {
	s := &Store{root: root, loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// Location returns the zone used for timestamps.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) stamp() string {
	return s.now().In(s.loc).Format(time.RFC3339)
}

func (s *Store) tierDir(t Tier) string {
	return filepath.Join(s.root, "active", string(t))
}

func (s *Store) snapshotPath(t Tier, platform string) string {
	return filepath.Join(s.tierDir(t), platform+fileExt)
}

// Save overwrites the snapshot of platform in tier t.
func (s *Store) Save(t Tier, platform string, events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	snap := Snapshot{
		Platform:    platform,
		TotalEvents: len(events),
		DataStatus:  model.StatusActive,
		DateType:    dateTypeFuture,
		LastUpdated: s.stamp(),
		Immutable:   false,
		Events:      events,
	}
	if err := writeJSON(s.snapshotPath(t, platform), snap); err != nil {
		return errs.Storage("save snapshot", err).WithPlatform(platform)
	}
	appLog.Debug("snapshot saved", "tier", t, "platform", platform, "events", len(events))
	return nil
}

// Load returns the events of platform in tier t. A missing, empty or corrupt
// snapshot yields an empty slice; corruption is logged, never returned.
func (s *Store) Load(t Tier, platform string) []model.Event {
	var snap Snapshot
	ok, err := readJSON(s.snapshotPath(t, platform), &snap)
	if err != nil {
		appLog.Error("snapshot unreadable, treating as empty", errs.Storage("load snapshot", err).WithPlatform(platform), "tier", t)
		return []model.Event{}
	}
	if !ok || snap.Events == nil {
		return []model.Event{}
	}
	return snap.Events
}

// LoadAll loads every platform snapshot present in tier t.
func (s *Store) LoadAll(t Tier) map[string][]model.Event {
	out := make(map[string][]model.Event)
	platforms, err := s.Platforms(t)
	if err != nil {
		appLog.Error("list tier failed", err, "tier", t)
		return out
	}
	for _, p := range platforms {
		out[p] = s.Load(t, p)
	}
	return out
}

// SaveAll saves every platform into the current tier and then writes the
// aggregate metadata record.
func (s *Store) SaveAll(all map[string][]model.Event, collectionType string) error {
	for _, p := range sortedKeys(all) {
		if err := s.Save(TierCurrent, p, all[p]); err != nil {
			return err
		}
	}
	return s.SaveMetadata(BuildMetadata(all, collectionType, s.stamp()))
}

// Platforms lists the platforms with a snapshot file in tier t, sorted.
func (s *Store) Platforms(t Tier) ([]string, error) {
	entries, err := os.ReadDir(s.tierDir(t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Storage("list tier", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		if name == metadataFile || name == markerFile {
			continue
		}
		out = append(out, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(out)
	return out, nil
}

// HasSnapshots reports whether any platform snapshot exists in tier t.
func (s *Store) HasSnapshots(t Tier) bool {
	p, err := s.Platforms(t)
	return err == nil && len(p) > 0
}

// ClearTier removes every platform snapshot in tier t and recreates the
// directory empty.
func (s *Store) ClearTier(t Tier) error {
	platforms, err := s.Platforms(t)
	if err != nil {
		return err
	}
	for _, p := range platforms {
		if err := os.Remove(s.snapshotPath(t, p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.Storage("clear tier", err).WithPlatform(p)
		}
	}
	if err := os.MkdirAll(s.tierDir(t), 0o755); err != nil {
		return errs.Storage("clear tier", err)
	}
	return nil
}

// Remove deletes the snapshot of platform in tier t. A missing snapshot is
// not an error.
func (s *Store) Remove(t Tier, platform string) error {
	if err := os.Remove(s.snapshotPath(t, platform)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Storage("remove snapshot", err).WithPlatform(platform)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeJSON marshals v (indented, non-ASCII kept as is) and writes it atomically.
func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return config.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// readJSON decodes path into v. It returns ok=false without error when the
// file is absent or empty.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
