package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"calwatch/internal/errs"
	"calwatch/internal/model"
)

const reportPrefix = "change_report_"

func (s *Store) reportPath(date string) string {
	return filepath.Join(s.root, "reports", reportPrefix+date+fileExt)
}

// SaveReport persists the change report of the run on date.
func (s *Store) SaveReport(date string, r model.ChangeReport) error {
	if err := writeJSON(s.reportPath(date), r); err != nil {
		return errs.Storage("save report", err)
	}
	return nil
}

// LoadReport returns the report of date, ok=false when none was written.
func (s *Store) LoadReport(date string) (model.ChangeReport, bool, error) {
	var r model.ChangeReport
	ok, err := readJSON(s.reportPath(date), &r)
	if err != nil {
		return model.ChangeReport{}, false, errs.Storage("load report", err)
	}
	return r, ok, nil
}

// ReportDates lists the run dates with a stored report, ascending.
func (s *Store) ReportDates() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "reports"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Storage("list reports", err)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, reportPrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, reportPrefix), fileExt)
		if _, err := model.ParseDate(date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

// LatestReport returns the most recent stored report, ok=false when none.
func (s *Store) LatestReport() (model.ChangeReport, bool, error) {
	dates, err := s.ReportDates()
	if err != nil || len(dates) == 0 {
		return model.ChangeReport{}, false, err
	}
	return s.LoadReport(dates[len(dates)-1])
}
