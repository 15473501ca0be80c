package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/logging"
	"backline/internal/metrics"
	"backline/internal/models"

	"github.com/rs/zerolog"
)

// BatchWorker turns one claimed BatchJob per invocation into a terminal
// result. A single item's failure never aborts the job; only a job-level
// error (malformed payload, unknown type, remote entirely down) marks the
// job failed.
type BatchWorker struct {
	db        *database.DB
	bus       *events.Bus
	handlers  map[string]BatchItemFunc
	batchSize int
	logger    zerolog.Logger
}

// NewBatchWorker builds a worker dispatching over the built-in job types.
func NewBatchWorker(db *database.DB, bus *events.Bus, invoices InvoiceService, accounting AccountingClient, batchSize int, logger *zerolog.Logger) *BatchWorker {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &BatchWorker{
		db:        db,
		bus:       bus,
		handlers:  batchHandlers(invoices, accounting),
		batchSize: batchSize,
		logger:    logging.ForComponent(logger, "batch_worker"),
	}
}

// RunOnce claims and processes the next eligible batch job. Returns false
// when the queue is empty; an empty queue is not an error.
func (w *BatchWorker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.db.ClaimNextBatchJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claim batch job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.logger.Info().Str("job_id", job.ID).Str("job_type", job.JobType).
		Int("total_items", job.TotalItems).Msg("batch job claimed")
	w.notify(events.EventJobUpdated, job)

	if err := w.process(ctx, job); err != nil {
		w.finish(ctx, job, models.StatusFailed, err.Error())
		return true, nil
	}

	// Partial success is still a completed job; failed_items tells the story.
	w.finish(ctx, job, models.StatusCompleted, "")
	return true, nil
}

func (w *BatchWorker) process(ctx context.Context, job *models.BatchJob) error {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}

	var payload batchPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	done, err := w.db.SuccessfulItemRefs(ctx, job.ID)
	if err != nil {
		return err
	}

	for start := 0; start < len(payload.ItemIDs); start += w.batchSize {
		end := start + w.batchSize
		if end > len(payload.ItemIDs) {
			end = len(payload.ItemIDs)
		}

		for _, itemRef := range payload.ItemIDs[start:end] {
			if done[itemRef] {
				// Already invoiced on a previous run; the collaborator call
				// is not idempotent, so never repeat it.
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			itemErr := handler(ctx, job, itemRef)
			if errors.Is(itemErr, ErrRemoteUnavailable) {
				return itemErr
			}

			if itemErr != nil {
				job.FailedItems++
				metrics.IncBatchItem(job.JobType, "failure")
				if err := w.db.RecordItemResult(ctx, job.ID, itemRef, false, itemErr.Error()); err != nil {
					return err
				}
			} else {
				job.SuccessItems++
				metrics.IncBatchItem(job.JobType, "success")
				if err := w.db.RecordItemResult(ctx, job.ID, itemRef, true, ""); err != nil {
					return err
				}
			}
			job.ProcessedItems++
		}

		w.notify(events.EventJobUpdated, job)
	}

	return nil
}

func (w *BatchWorker) finish(ctx context.Context, job *models.BatchJob, status models.JobStatus, errMsg string) {
	if err := w.db.FinishBatchJob(ctx, job.ID, status, errMsg); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to finish batch job")
		return
	}
	job.Status = status
	metrics.IncBatchJob(job.JobType, string(status))

	eventType := events.EventJobCompleted
	if status == models.StatusFailed {
		eventType = events.EventJobFailed
		w.logger.Error().Str("job_id", job.ID).Str("job_type", job.JobType).
			Str("error", errMsg).Msg("batch job failed")
	} else {
		w.logger.Info().Str("job_id", job.ID).Str("job_type", job.JobType).
			Int("successful", job.SuccessItems).Int("failed", job.FailedItems).
			Msg("batch job completed")
	}

	// Terminal notification also closes observer channels and fires the
	// downstream refresh handlers subscribed on the bus.
	w.bus.CloseJob(eventType, jobEventPayload(job))
}

func (w *BatchWorker) notify(eventType string, job *models.BatchJob) {
	w.bus.NotifyJob(eventType, jobEventPayload(job))
}

func jobEventPayload(job *models.BatchJob) events.JobEventPayload {
	return events.JobEventPayload{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		JobType:        job.JobType,
		Status:         string(job.Status),
		Processed:      job.ProcessedItems,
		Total:          job.TotalItems,
	}
}
