package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/logging"
	"backline/internal/metrics"
	"backline/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SyncWorker drains the sync queue up to a (maxConcurrent, maxJobs) budget
// per invocation. Jobs claimed in the same wave run in parallel; each job
// only ever mutates its own row, so the store is the only shared state.
type SyncWorker struct {
	db            *database.DB
	bus           *events.Bus
	handler       SyncJobFunc
	retry         RetryPolicy
	maxConcurrent int
	maxJobs       int
	redis         *redis.Client
	deadLetterKey string
	logger        zerolog.Logger
}

// NewSyncWorker builds a worker with sensible defaults filled in.
// redisClient may be nil; the dead-letter list is then kept only in sqlite.
// sessions may be nil, in which case full pulls go through PullEntities in
// a single call instead of a checkpointed session.
func NewSyncWorker(db *database.DB, bus *events.Bus, accounting AccountingClient, sessions SessionStarter, retry RetryPolicy, maxConcurrent, maxJobs int, redisClient *redis.Client, logger *zerolog.Logger) *SyncWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = models.DefaultMaxRetries
	}
	if retry.Base == 0 {
		retry.Base = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if maxJobs < maxConcurrent {
		maxJobs = maxConcurrent * 10
	}

	return &SyncWorker{
		db:            db,
		bus:           bus,
		handler:       syncHandler(accounting, sessions),
		retry:         retry,
		maxConcurrent: maxConcurrent,
		maxJobs:       maxJobs,
		redis:         redisClient,
		deadLetterKey: "backline:sync:deadletter",
		logger:        logging.ForComponent(logger, "sync_worker"),
	}
}

// RunOnce claims and processes eligible sync jobs until either maxJobs have
// run or the queue yields nothing. Returns the number of jobs processed.
func (w *SyncWorker) RunOnce(ctx context.Context) (int, error) {
	processed := 0

	for processed < w.maxJobs {
		wave, err := w.claimWave(ctx, min(w.maxConcurrent, w.maxJobs-processed))
		if err != nil {
			return processed, err
		}
		if len(wave) == 0 {
			break
		}

		var wg sync.WaitGroup
		for i := range wave {
			job := &wave[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.processJob(ctx, job)
			}()
		}
		wg.Wait()

		processed += len(wave)
	}

	if depth, err := w.db.CountEligibleSyncJobs(ctx); err == nil {
		metrics.SetQueueDepth("sync_queue", depth)
	}
	return processed, nil
}

// claimWave claims up to n jobs one at a time; the per-row claim statement
// keeps each grab exclusive.
func (w *SyncWorker) claimWave(ctx context.Context, n int) ([]models.SyncQueueJob, error) {
	var wave []models.SyncQueueJob
	for len(wave) < n {
		job, err := w.db.ClaimNextSyncJob(ctx)
		if err != nil {
			return wave, fmt.Errorf("claim sync job: %w", err)
		}
		if job == nil {
			break
		}
		wave = append(wave, *job)
	}
	return wave, nil
}

func (w *SyncWorker) processJob(ctx context.Context, job *models.SyncQueueJob) {
	err := w.handler(ctx, job)
	if err == nil {
		if err := w.db.CompleteSyncJob(ctx, job.ID); err != nil {
			w.logger.Error().Err(err).Int64("sync_job_id", job.ID).Msg("failed to mark sync job completed")
			return
		}
		metrics.IncSyncJob(job.EntityType, "completed")
		return
	}

	if IsFatal(err) || job.RetriesExhausted(w.retry.MaxRetries) {
		w.deadLetter(ctx, job, err)
		return
	}

	retryCount := job.RetryCount + 1
	nextAt := time.Now().Add(w.retry.NextDelay(retryCount))
	if dbErr := w.db.RequeueSyncJob(ctx, job.ID, err.Error(), nextAt); dbErr != nil {
		w.logger.Error().Err(dbErr).Int64("sync_job_id", job.ID).Msg("failed to requeue sync job")
		return
	}
	metrics.IncSyncJob(job.EntityType, "retried")
	w.logger.Warn().Int64("sync_job_id", job.ID).Str("entity_type", job.EntityType).
		Int("retry_count", retryCount).Time("next_attempt", nextAt).Err(err).
		Msg("sync job failed, requeued with backoff")
}

func (w *SyncWorker) deadLetter(ctx context.Context, job *models.SyncQueueJob, cause error) {
	if err := w.db.DeadLetterSyncJob(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error().Err(err).Int64("sync_job_id", job.ID).Msg("failed to dead-letter sync job")
		return
	}
	metrics.IncSyncJob(job.EntityType, "dead_letter")
	w.logger.Error().Int64("sync_job_id", job.ID).Str("entity_type", job.EntityType).
		Int("retry_count", job.RetryCount).Err(cause).Msg("sync job dead-lettered")

	payload := events.DeadLetterPayload{
		SyncJobID:      job.ID,
		OrganizationID: job.OrganizationID,
		EntityType:     job.EntityType,
		Handler:        job.Handler,
		RetryCount:     job.RetryCount,
		LastError:      cause.Error(),
	}
	if err := w.bus.PublishJSON(events.EventSyncDeadLetter, payload); err != nil {
		w.logger.Error().Err(err).Msg("failed to publish dead-letter event")
	}
	w.pushDeadLetter(ctx, payload)
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, payload events.DeadLetterPayload) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error().Err(err).Int64("sync_job_id", payload.SyncJobID).Msg("failed to encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("sync_job_id", payload.SyncJobID).Msg("failed to push dead letter to redis")
	}
}
