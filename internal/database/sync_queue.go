package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backline/internal/models"
)

const syncJobColumns = `id, organization_id, entity_type, handler, direction, entity_ids, priority,
              status, retry_count, max_retries, last_error, scheduled_at, created_at, processed_at`

// EnqueueSyncJob creates a pending sync-queue job eligible immediately
// unless ScheduledAt is set in the future. MaxRetries zero is stored as-is
// and means the worker's configured retry ceiling applies.
func (db *DB) EnqueueSyncJob(ctx context.Context, job *models.SyncQueueJob) error {
	now := time.Now().UTC()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	job.Status = models.StatusPending
	job.CreatedAt = now

	entityIDs, err := json.Marshal(job.EntityIDs)
	if err != nil {
		return fmt.Errorf("failed to encode entity ids: %w", err)
	}

	query := `INSERT INTO sync_queue (organization_id, entity_type, handler, direction, entity_ids,
                  priority, status, retry_count, max_retries, scheduled_at, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		job.OrganizationID,
		job.EntityType,
		job.Handler,
		job.Direction,
		string(entityIDs),
		job.Priority,
		job.Status,
		job.RetryCount,
		job.MaxRetries,
		job.ScheduledAt,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	job.ID = id
	return nil
}

// ClaimNextSyncJob atomically claims the highest-priority pending job whose
// scheduled_at has passed. Lower priority values run sooner; ties go to the
// oldest row. Returns (nil, nil) when nothing is eligible.
func (db *DB) ClaimNextSyncJob(ctx context.Context) (*models.SyncQueueJob, error) {
	query := `UPDATE sync_queue
              SET status = ?
              WHERE id = (
                  SELECT id FROM sync_queue
                  WHERE status = ? AND scheduled_at <= ?
                  ORDER BY priority ASC, created_at ASC, id ASC
                  LIMIT 1
              ) AND status = ?
              RETURNING ` + syncJobColumns

	row := db.QueryRowContext(ctx, query,
		models.StatusProcessing, models.StatusPending, time.Now().UTC(), models.StatusPending)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	return job, nil
}

// CompleteSyncJob writes the terminal completed status.
func (db *DB) CompleteSyncJob(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = NULL, processed_at = ? WHERE id = ?`,
		models.StatusCompleted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete sync job %d: %w", id, err)
	}
	return nil
}

// RequeueSyncJob pushes a failed job back to pending with an incremented
// retry count and a future scheduled_at.
func (db *DB) RequeueSyncJob(ctx context.Context, id int64, errMsg string, scheduledAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue
         SET status = ?, last_error = ?, scheduled_at = ?, retry_count = retry_count + 1
         WHERE id = ?`,
		models.StatusPending, errMsg, scheduledAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue sync job %d: %w", id, err)
	}
	return nil
}

// DeadLetterSyncJob marks a job permanently failed. claim_next never
// returns it again; an operator or a separate sweep must intervene.
func (db *DB) DeadLetterSyncJob(ctx context.Context, id int64, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = ?, processed_at = ? WHERE id = ?`,
		models.StatusFailed, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter sync job %d: %w", id, err)
	}
	return nil
}

// GetSyncJob loads one sync-queue row.
func (db *DB) GetSyncJob(ctx context.Context, id int64) (*models.SyncQueueJob, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_queue WHERE id = ?`, id)
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %d: %w", id, err)
	}
	return job, nil
}

// GetDeadLetteredSyncJobs returns permanently failed jobs, newest first.
func (db *DB) GetDeadLetteredSyncJobs(ctx context.Context) ([]models.SyncQueueJob, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_queue WHERE status = ? ORDER BY processed_at DESC, id DESC`,
		models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead-lettered sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SyncQueueJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ResetProcessingSyncJobs moves processing jobs back to pending. Called at
// startup to recover claims lost to a crash; the attempt does not count
// against the retry ceiling.
func (db *DB) ResetProcessingSyncJobs(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, scheduled_at = ? WHERE status = ?`,
		models.StatusPending, time.Now().UTC(), models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing sync jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountEligibleSyncJobs reports how many jobs claim_next could return now.
func (db *DB) CountEligibleSyncJobs(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ? AND scheduled_at <= ?`,
		models.StatusPending, time.Now().UTC()).Scan(&count)
	return count, err
}

func scanSyncJob(row rowScanner) (*models.SyncQueueJob, error) {
	var job models.SyncQueueJob
	var entityIDs string
	var lastError sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OrganizationID,
		&job.EntityType,
		&job.Handler,
		&job.Direction,
		&entityIDs,
		&job.Priority,
		&job.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&job.ScheduledAt,
		&job.CreatedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(entityIDs), &job.EntityIDs); err != nil {
		return nil, fmt.Errorf("failed to decode entity ids: %w", err)
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		job.ProcessedAt = &t
	}
	return &job, nil
}
