package notify

import "time"

// Event types carried in Envelope.EventType.
const (
	EventRecordUpdated   = "repo_updated"
	EventWeeklyFinished  = "weekly_finished"
	EventMonthlyFinished = "monthly_finished"
)

// Envelope is the body of every webhook request.
type Envelope struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewEnvelope stamps data with the current time.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// ProcessingMeta describes the run that produced a record notification.
type ProcessingMeta struct {
	TaskName         string `json:"task_name"`
	ProcessedAt      string `json:"processed_at"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	Success          bool   `json:"success"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// RecordData is the data object of a repo_updated notification.
type RecordData struct {
	ID          string  `json:"id"`
	FullName    string  `json:"full_name"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	Description *string `json:"description,omitempty"`
	Homepage    *string `json:"homepage,omitempty"`

	Stars            *int64 `json:"stars,omitempty"`
	Forks            *int64 `json:"forks,omitempty"`
	ContributorCount *int64 `json:"contributor_count,omitempty"`
	WatchersCount    *int64 `json:"watchers_count,omitempty"`

	Topics   []string `json:"topics,omitempty"`
	Archived *bool    `json:"archived,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	PushedAt  string `json:"pushed_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`

	ProcessingStatus map[string]bool `json:"processing_status"`
	Meta             ProcessingMeta  `json:"meta"`
}

// RankedRecord is one entry of a period ranking.
type RankedRecord struct {
	Rank     int    `json:"rank"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Stars    int64  `json:"stars"`
	Delta    int64  `json:"delta"`
	URL      string `json:"url,omitempty"`
}

// PeriodFinished is the data object of weekly_finished and
// monthly_finished notifications. Exactly one of Week and Month is set.
type PeriodFinished struct {
	Year         int            `json:"year"`
	Week         int            `json:"week,omitempty"`
	Month        int            `json:"month,omitempty"`
	Records      []RankedRecord `json:"projects"`
	TotalRecords int            `json:"total_projects"`
}
