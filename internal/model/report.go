package model

// ChangeReport summarizes one run's diff. It is persisted per run date and
// re-read by the export and the API.
type ChangeReport struct {
	DetectionTime string                    `json:"detection_time"`
	RunDate       string                    `json:"run_date"`
	Summary       ChangeSummary             `json:"summary"`
	Platforms     map[string]PlatformChange `json:"platforms"`
	TopNewEvents  []TopEvent                `json:"top_new_events"`
}

type ChangeSummary struct {
	TotalNew       int `json:"total_new"`
	TotalUpdated   int `json:"total_updated"`
	TotalCancelled int `json:"total_cancelled"`
}

type PlatformChange struct {
	NewEvents       int      `json:"new_events"`
	UpdatedEvents   int      `json:"updated_events"`
	CancelledEvents int      `json:"cancelled_events"`
	SampleNewTitles []string `json:"sample_new_titles"`
}

// TopEvent is the short form of a new event listed in a report.
type TopEvent struct {
	Platform   string `json:"platform"`
	Date       string `json:"date"`
	Title      string `json:"title"`
	Importance *int   `json:"importance"`
	Country    string `json:"country,omitempty"`
}

// EmptyReport returns a report with no changes, used by first runs.
func EmptyReport(runDate, detectionTime string) ChangeReport {
	return ChangeReport{
		DetectionTime: detectionTime,
		RunDate:       runDate,
		Platforms:     map[string]PlatformChange{},
		TopNewEvents:  []TopEvent{},
	}
}
