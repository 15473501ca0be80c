package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"backline/internal/models"

	"github.com/google/uuid"
)

const batchJobColumns = `id, organization_id, job_type, payload, total_items, processed_items,
              successful_items, failed_items, status, error_message, created_at, started_at, completed_at`

// EnqueueBatchJob creates a pending job with all counters at zero and
// returns its id.
func (db *DB) EnqueueBatchJob(ctx context.Context, job *models.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.StatusPending
	job.CreatedAt = time.Now().UTC()

	query := `INSERT INTO batch_jobs (id, organization_id, job_type, payload, total_items, status, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.OrganizationID,
		job.JobType,
		job.Payload,
		job.TotalItems,
		job.Status,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue batch job: %w", err)
	}
	return nil
}

// ClaimNextBatchJob atomically selects the oldest pending job, marks it
// processing and stamps started_at. Returns (nil, nil) when the queue is
// empty. The selection and transition happen in one UPDATE so concurrent
// workers never claim the same row.
func (db *DB) ClaimNextBatchJob(ctx context.Context) (*models.BatchJob, error) {
	now := time.Now().UTC()
	query := `UPDATE batch_jobs
              SET status = ?, started_at = ?
              WHERE id = (
                  SELECT id FROM batch_jobs
                  WHERE status = ?
                  ORDER BY created_at ASC, id ASC
                  LIMIT 1
              ) AND status = ?
              RETURNING ` + batchJobColumns

	row := db.QueryRowContext(ctx, query, models.StatusProcessing, now, models.StatusPending, models.StatusPending)
	job, err := scanBatchJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch job: %w", err)
	}
	return job, nil
}

// GetBatchJob loads a job row with its stored item errors.
func (db *DB) GetBatchJob(ctx context.Context, id string) (*models.BatchJob, error) {
	query := `SELECT ` + batchJobColumns + ` FROM batch_jobs WHERE id = ?`
	job, err := scanBatchJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job %s: %w", id, err)
	}

	job.Errors, err = db.getItemErrors(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// RecordItemResult marks one item's outcome: the per-item row for
// skip-on-retry, plus the job counter increments. Both writes commit in one
// transaction; a crash in between would otherwise leave a success mark
// whose count is missing, deflating the counters on a requeue.
func (db *DB) RecordItemResult(ctx context.Context, jobID, itemRef string, succeeded bool, message string) error {
	now := time.Now().UTC()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin item result transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_job_items (job_id, item_reference, succeeded, message, processed_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(job_id, item_reference) DO UPDATE SET
             succeeded = excluded.succeeded,
             message = excluded.message,
             processed_at = excluded.processed_at`,
		jobID, itemRef, succeeded, message, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record item result: %w", err)
	}

	var query string
	if succeeded {
		query = `UPDATE batch_jobs SET processed_items = processed_items + 1, successful_items = successful_items + 1 WHERE id = ?`
	} else {
		query = `UPDATE batch_jobs SET processed_items = processed_items + 1, failed_items = failed_items + 1 WHERE id = ?`
	}
	res, err := tx.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update job counters: no batch job %s", jobID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit item result: %w", err)
	}
	return nil
}

// SuccessfulItemRefs returns the references already marked successful for a
// job. A re-enqueued job must not re-process these.
func (db *DB) SuccessfulItemRefs(ctx context.Context, jobID string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT item_reference FROM batch_job_items WHERE job_id = ? AND succeeded = 1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load successful items: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan item reference: %w", err)
		}
		refs[ref] = true
	}
	return refs, rows.Err()
}

// FinishBatchJob writes the terminal status. errMsg is set only for
// job-level failures; partial item failures still complete the job.
func (db *DB) FinishBatchJob(ctx context.Context, id string, status models.JobStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish batch job %s: %s is not a terminal status", id, status)
	}

	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}

	res, err := db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, msg, time.Now().UTC(), id, models.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to finish batch job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("finish batch job %s: job is not processing", id)
	}
	return nil
}

// RequeueBatchJob puts a failed job back to pending for a caller-initiated
// retry. Counters for already-successful items are preserved; processed and
// failed counts are rewound so the next run re-accounts the remaining items.
func (db *DB) RequeueBatchJob(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE batch_jobs
         SET status = ?, error_message = NULL, started_at = NULL, completed_at = NULL,
             processed_items = successful_items, failed_items = 0
         WHERE id = ? AND status = ?`,
		models.StatusPending, id, models.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue batch job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("requeue batch job %s: job is not failed", id)
	}

	// Failed item marks are superseded by the rerun.
	_, err = db.ExecContext(ctx,
		`DELETE FROM batch_job_items WHERE job_id = ? AND succeeded = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to clear failed item marks: %w", err)
	}
	return nil
}

// ListBatchJobs pages an organization's jobs, newest first.
func (db *DB) ListBatchJobs(ctx context.Context, organizationID int64, limit, offset int) ([]models.BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + batchJobColumns + `
              FROM batch_jobs WHERE organization_id = ?
              ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := db.QueryContext(ctx, query, organizationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.BatchJob
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountPendingBatchJobs reports the batch queue depth.
func (db *DB) CountPendingBatchJobs(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_jobs WHERE status = ?`, models.StatusPending).Scan(&count)
	return count, err
}

// FailStuckBatchJobs marks processing jobs whose claim is older than
// olderThan as failed. Covers workers killed mid-job; there is no automatic
// batch-level retry, a human re-enqueues after inspection.
func (db *DB) FailStuckBatchJobs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := db.QueryContext(ctx,
		`UPDATE batch_jobs
         SET status = ?, error_message = 'worker lost: job stuck in processing', completed_at = ?
         WHERE status = ? AND started_at < ?
         RETURNING id`,
		models.StatusFailed, time.Now().UTC(), models.StatusProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stuck batch jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) getItemErrors(ctx context.Context, jobID string) ([]models.ItemError, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT item_reference, message FROM batch_job_items
         WHERE job_id = ? AND succeeded = 0
         ORDER BY processed_at ASC, item_reference ASC
         LIMIT ?`,
		jobID, models.MaxStoredItemErrors,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load item errors: %w", err)
	}
	defer rows.Close()

	var errs []models.ItemError
	for rows.Next() {
		var e models.ItemError
		if err := rows.Scan(&e.ItemReference, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan item error: %w", err)
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatchJob(row rowScanner) (*models.BatchJob, error) {
	var job models.BatchJob
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OrganizationID,
		&job.JobType,
		&job.Payload,
		&job.TotalItems,
		&job.ProcessedItems,
		&job.SuccessItems,
		&job.FailedItems,
		&job.Status,
		&errMsg,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
