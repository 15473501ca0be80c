package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/logging"
	"backline/internal/models"

	"github.com/rs/zerolog"
)

// Reporter exposes batch job progress to callers in two modes: polling,
// which re-reads the projection on an interval and stops once the job is
// terminal, and push, which relays the worker's bus notifications. Both
// modes serve the same snapshot shape.
type Reporter struct {
	db     *database.DB
	bus    *events.Bus
	cache  *Cache
	logger zerolog.Logger
}

// NewReporter wires the reporter into the bus. Terminal job events refresh
// the cached snapshot so late pollers see the final counters without a
// store read. cache may be nil.
func NewReporter(db *database.DB, bus *events.Bus, cache *Cache, logger *zerolog.Logger) *Reporter {
	r := &Reporter{db: db, bus: bus, cache: cache, logger: logging.ForComponent(logger, "progress")}

	refresh := func(event *events.Event) error {
		var p events.JobEventPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		if _, err := r.Snapshot(context.Background(), p.JobID); err != nil {
			r.logger.Warn().Err(err).Str("job_id", p.JobID).Msg("failed to refresh cached snapshot")
		}
		return nil
	}
	bus.Subscribe(events.EventJobCompleted, refresh)
	bus.Subscribe(events.EventJobFailed, refresh)

	return r
}

// Snapshot projects the job's current counters. The store is authoritative;
// the cache is refreshed best-effort on the way out. Returns (nil, nil)
// when no such job exists.
func (r *Reporter) Snapshot(ctx context.Context, jobID string) (*models.Progress, error) {
	job, err := r.db.GetBatchJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, nil
	}

	p := models.ProgressFromJob(job)
	if err := r.cache.Set(ctx, &p); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to cache snapshot")
	}
	return &p, nil
}

// CachedSnapshot serves from redis when possible and falls back to the
// store on a miss.
func (r *Reporter) CachedSnapshot(ctx context.Context, jobID string) (*models.Progress, error) {
	if cached, err := r.cache.Get(ctx, jobID); err == nil && cached != nil {
		return cached, nil
	}
	return r.Snapshot(ctx, jobID)
}

// Poll emits a snapshot immediately and then on every interval tick. The
// channel closes after the first terminal snapshot, or when ctx is done.
func (r *Reporter) Poll(ctx context.Context, jobID string, interval time.Duration) (<-chan models.Progress, error) {
	first, err := r.Snapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	out := make(chan models.Progress, 1)
	out <- *first
	if first.Status.IsTerminal() {
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			snap, err := r.Snapshot(ctx, jobID)
			if err != nil {
				r.logger.Warn().Err(err).Str("job_id", jobID).Msg("poll read failed")
				continue
			}
			if snap == nil {
				return
			}

			select {
			case out <- *snap:
			case <-ctx.Done():
				return
			}
			if snap.Status.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}

// Watch relays the worker's push notifications for one job. Each bus event
// triggers a fresh projection so observers get full error detail, not just
// the counters carried on the wire. The channel closes when the worker
// closes the job's subscription at terminal status, or when ctx is done.
// The returned stop function must be called to release the subscription.
func (r *Reporter) Watch(ctx context.Context, jobID string) (<-chan models.Progress, func(), error) {
	// Subscribe before the first read. In the other order a job reaching
	// terminal status in between has already closed its subscriptions, and
	// the late channel would never be notified or closed.
	sub := r.bus.SubscribeJob(jobID)

	first, err := r.Snapshot(ctx, jobID)
	if err != nil {
		r.bus.UnsubscribeJob(jobID, sub)
		return nil, nil, err
	}
	if first == nil {
		r.bus.UnsubscribeJob(jobID, sub)
		return nil, nil, fmt.Errorf("job %s not found", jobID)
	}

	out := make(chan models.Progress, 16)
	out <- *first

	if first.Status.IsTerminal() {
		r.bus.UnsubscribeJob(jobID, sub)
		close(out)
		return out, func() {}, nil
	}

	done := make(chan struct{})
	stop := func() {
		select {
		case <-done:
		default:
			r.bus.UnsubscribeJob(jobID, sub)
		}
	}

	go func() {
		defer close(out)
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub:
				if !ok {
					// Worker closed the job: emit the final projection.
					if snap, err := r.Snapshot(ctx, jobID); err == nil && snap != nil {
						select {
						case out <- *snap:
						default:
						}
					}
					return
				}

				snap, err := r.Snapshot(ctx, jobID)
				if err != nil || snap == nil {
					continue
				}
				select {
				case out <- *snap:
				default:
					// Slow observers skip intermediate snapshots.
				}
				if snap.Status.IsTerminal() {
					return
				}
			}
		}
	}()
	return out, stop, nil
}

// OnCompletion registers a downstream refresh hook that fires once per
// completed job.
func (r *Reporter) OnCompletion(fn func(events.JobEventPayload)) {
	r.bus.Subscribe(events.EventJobCompleted, func(event *events.Event) error {
		var p events.JobEventPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		fn(p)
		return nil
	})
}
