package models

import "time"

// DefaultMaxRetries is the retry ceiling before a sync job is dead-lettered.
const DefaultMaxRetries = 5

// SyncQueueJob is one remote-sync call (pull or push) for one entity type.
type SyncQueueJob struct {
	ID             int64         `json:"id"`
	OrganizationID int64         `json:"organization_id"`
	EntityType     string        `json:"entity_type"`
	Handler        string        `json:"handler"`
	Direction      SyncDirection `json:"direction"`
	EntityIDs      []string      `json:"entity_ids,omitempty"`
	Priority       int           `json:"priority"`
	Status         JobStatus     `json:"status"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	LastError      *string       `json:"last_error,omitempty"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	CreatedAt      time.Time     `json:"created_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

// RetriesExhausted reports whether the current failure is the job's last
// allowed attempt, in which case it must be dead-lettered instead of
// requeued. A row with MaxRetries zero carries no explicit ceiling and
// falls back to the limit the worker was configured with.
func (j *SyncQueueJob) RetriesExhausted(fallback int) bool {
	max := j.MaxRetries
	if max <= 0 {
		max = fallback
	}
	return j.RetryCount+1 >= max
}
