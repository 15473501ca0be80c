package models

import "math"

// Progress is the read-side projection of a batch job's counters. It is
// derived on demand and never stored; the job row stays authoritative.
type Progress struct {
	JobID        string      `json:"job_id"`
	Status       JobStatus   `json:"status"`
	TotalItems   int         `json:"total"`
	Processed    int         `json:"processed"`
	Successful   int         `json:"successful"`
	Failed       int         `json:"failed"`
	Percentage   int         `json:"percentage"`
	Errors       []ItemError `json:"errors,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	IsPending    bool        `json:"is_pending"`
	IsProcessing bool        `json:"is_processing"`
	IsComplete   bool        `json:"is_complete"`
	IsFailed     bool        `json:"is_failed"`
}

// ProgressFromJob computes the projection for a job row.
// Percentage is 0 when total_items is 0.
func ProgressFromJob(job *BatchJob) Progress {
	p := Progress{
		JobID:        job.ID,
		Status:       job.Status,
		TotalItems:   job.TotalItems,
		Processed:    job.ProcessedItems,
		Successful:   job.SuccessItems,
		Failed:       job.FailedItems,
		Errors:       job.Errors,
		IsPending:    job.Status == StatusPending,
		IsProcessing: job.Status == StatusProcessing,
		IsComplete:   job.Status == StatusCompleted,
		IsFailed:     job.Status == StatusFailed,
	}
	if job.ErrorMessage != nil {
		p.ErrorMessage = *job.ErrorMessage
	}
	if job.TotalItems > 0 {
		p.Percentage = int(math.Round(100 * float64(job.ProcessedItems) / float64(job.TotalItems)))
	}
	return p
}
