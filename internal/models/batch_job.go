package models

import "time"

// Batch job types form a closed set; dispatch in the worker is by this value.
const (
	JobTypeBatchInvoiceOrders = "batch_invoice_orders"
	JobTypeInvoiceGeneration  = "invoice_generation"
	JobTypeAccountingSync     = "qb_sync"
)

// MaxStoredItemErrors caps the error list kept on a job row. failed_items
// keeps counting past the cap.
const MaxStoredItemErrors = 100

// ItemError records a single failed item within a batch job.
type ItemError struct {
	ItemReference string `json:"item_reference"`
	Message       string `json:"message"`
}

// BatchJob is a coarse unit of work processed as a whole by one worker.
type BatchJob struct {
	ID             string      `json:"id"`
	OrganizationID int64       `json:"organization_id"`
	JobType        string      `json:"job_type"`
	Payload        string      `json:"payload"`
	TotalItems     int         `json:"total_items"`
	ProcessedItems int         `json:"processed_items"`
	SuccessItems   int         `json:"successful_items"`
	FailedItems    int         `json:"failed_items"`
	Status         JobStatus   `json:"status"`
	Errors         []ItemError `json:"errors"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// BatchJobItem marks the outcome of one item inside a batch job. Successful
// marks let a re-enqueued job skip work that already hit the collaborator.
type BatchJobItem struct {
	JobID         string    `json:"job_id"`
	ItemReference string    `json:"item_reference"`
	Succeeded     bool      `json:"succeeded"`
	ProcessedAt   time.Time `json:"processed_at"`
}
