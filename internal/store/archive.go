package store

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"calwatch/internal/errs"
	"calwatch/internal/model"
)

// ArchiveRecord is the immutable month bucket of one platform.
type ArchiveRecord struct {
	Platform    string        `json:"platform"`
	Year        int           `json:"year"`
	Month       int           `json:"month"`
	TotalEvents int           `json:"total_events"`
	DataStatus  model.Status  `json:"data_status"`
	DateType    string        `json:"date_type"`
	LastUpdate  string        `json:"last_update"`
	Immutable   bool          `json:"immutable"`
	Events      []model.Event `json:"events"`
}

// ArchiveRef locates one archive file.
type ArchiveRef struct {
	Year     int
	Month    int
	Platform string
}

func (s *Store) archivePath(platform string, year, month int) string {
	return filepath.Join(s.root, "archived", strconv.Itoa(year), fmt.Sprintf("%02d", month), platform+fileExt)
}

// LoadArchive reads a month bucket strictly: a missing file returns ok=false,
// an unreadable or corrupt one returns an error so callers never overwrite it.
func (s *Store) LoadArchive(platform string, year, month int) (ArchiveRecord, bool, error) {
	var rec ArchiveRecord
	ok, err := readJSON(s.archivePath(platform, year, month), &rec)
	if err != nil {
		return ArchiveRecord{}, false, errs.Storage("load archive", err).WithPlatform(platform)
	}
	if ok && rec.Events == nil {
		rec.Events = []model.Event{}
	}
	return rec, ok, nil
}

// SaveArchive writes a month bucket, refreshing its envelope fields.
func (s *Store) SaveArchive(rec ArchiveRecord) error {
	if rec.Events == nil {
		rec.Events = []model.Event{}
	}
	rec.TotalEvents = len(rec.Events)
	rec.DataStatus = model.StatusArchived
	rec.DateType = dateTypeHistorical
	rec.LastUpdate = s.stamp()
	rec.Immutable = true
	if err := writeJSON(s.archivePath(rec.Platform, rec.Year, rec.Month), rec); err != nil {
		return errs.Storage("save archive", err).WithPlatform(rec.Platform)
	}
	return nil
}

// ListArchives walks the archive and returns every month bucket, ordered by
// year, month, platform.
func (s *Store) ListArchives() ([]ArchiveRef, error) {
	base := filepath.Join(s.root, "archived")
	var refs []ArchiveRef
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		year, yErr := strconv.Atoi(parts[0])
		month, mErr := strconv.Atoi(parts[1])
		if yErr != nil || mErr != nil {
			return nil
		}
		refs = append(refs, ArchiveRef{Year: year, Month: month, Platform: strings.TrimSuffix(parts[2], fileExt)})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Storage("list archives", err)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		return a.Platform < b.Platform
	})
	return refs, nil
}
