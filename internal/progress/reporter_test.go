package progress

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "progress-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func enqueueJob(t *testing.T, db *database.DB, total int) *models.BatchJob {
	t.Helper()
	job := &models.BatchJob{
		OrganizationID: 1,
		JobType:        models.JobTypeBatchInvoiceOrders,
		Payload:        `{"item_ids":[]}`,
		TotalItems:     total,
	}
	require.NoError(t, db.EnqueueBatchJob(context.Background(), job))
	return job
}

func TestReporterSnapshot(t *testing.T) {
	db := newTestDB(t)
	cache, _ := newTestCache(t)
	ctx := context.Background()

	job := enqueueJob(t, db, 4)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", true, ""))
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-2", false, "remote 422"))

	r := NewReporter(db, events.NewBus(), cache, nil)
	snap, err := r.Snapshot(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, 2, snap.Processed)
	assert.Equal(t, 1, snap.Successful)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 50, snap.Percentage)
	assert.True(t, snap.IsProcessing)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "o-2", snap.Errors[0].ItemReference)

	// The read-through also populated the cache.
	cached, err := cache.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 50, cached.Percentage)
}

func TestReporterSnapshotMissingJob(t *testing.T) {
	r := NewReporter(newTestDB(t), events.NewBus(), nil, nil)
	snap, err := r.Snapshot(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestReporterPollStopsAtTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job := enqueueJob(t, db, 2)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)

	r := NewReporter(db, events.NewBus(), nil, nil)
	ch, err := r.Poll(ctx, job.ID, 10*time.Millisecond)
	require.NoError(t, err)

	first := <-ch
	assert.True(t, first.IsProcessing)

	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", true, ""))
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-2", true, ""))
	require.NoError(t, db.FinishBatchJob(ctx, claimed.ID, models.StatusCompleted, ""))

	var last models.Progress
	for snap := range ch {
		last = snap
	}
	assert.True(t, last.IsComplete)
	assert.Equal(t, 100, last.Percentage)
}

func TestReporterPollTerminalImmediately(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job := enqueueJob(t, db, 1)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", true, ""))
	require.NoError(t, db.FinishBatchJob(ctx, claimed.ID, models.StatusCompleted, ""))

	r := NewReporter(db, events.NewBus(), nil, nil)
	ch, err := r.Poll(ctx, job.ID, time.Hour)
	require.NoError(t, err)

	snaps := make([]models.Progress, 0, 1)
	for snap := range ch {
		snaps = append(snaps, snap)
	}
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].IsComplete)
}

func TestReporterPollUnknownJob(t *testing.T) {
	r := NewReporter(newTestDB(t), events.NewBus(), nil, nil)
	_, err := r.Poll(context.Background(), "ghost", time.Second)
	require.Error(t, err)
}

func TestReporterWatchPush(t *testing.T) {
	db := newTestDB(t)
	bus := events.NewBus()
	ctx := context.Background()

	job := enqueueJob(t, db, 2)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)

	r := NewReporter(db, bus, nil, nil)
	ch, stop, err := r.Watch(ctx, job.ID)
	require.NoError(t, err)
	defer stop()

	first := <-ch
	assert.True(t, first.IsProcessing)

	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", true, ""))
	bus.NotifyJob(events.EventJobUpdated, events.JobEventPayload{JobID: job.ID, Processed: 1, Total: 2})

	select {
	case snap := <-ch:
		assert.Equal(t, 1, snap.Processed)
	case <-time.After(time.Second):
		t.Fatal("expected a pushed snapshot")
	}

	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-2", true, ""))
	require.NoError(t, db.FinishBatchJob(ctx, claimed.ID, models.StatusCompleted, ""))
	bus.CloseJob(events.EventJobCompleted, events.JobEventPayload{JobID: job.ID, Processed: 2, Total: 2})

	var last models.Progress
	deadline := time.After(time.Second)
	for open := true; open; {
		select {
		case snap, ok := <-ch:
			if !ok {
				open = false
				break
			}
			last = snap
		case <-deadline:
			t.Fatal("watch channel never closed")
		}
	}
	assert.True(t, last.IsComplete)
}

func TestReporterWatchTerminalJob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	job := enqueueJob(t, db, 1)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", false, "boom"))
	require.NoError(t, db.FinishBatchJob(ctx, claimed.ID, models.StatusCompleted, ""))

	r := NewReporter(db, events.NewBus(), nil, nil)
	ch, stop, err := r.Watch(ctx, job.ID)
	require.NoError(t, err)
	defer stop()

	snap, ok := <-ch
	require.True(t, ok)
	assert.True(t, snap.IsComplete)

	_, ok = <-ch
	assert.False(t, ok, "terminal job watch must close immediately")
}

func TestReporterOnCompletionFiresOnce(t *testing.T) {
	db := newTestDB(t)
	bus := events.NewBus()
	r := NewReporter(db, bus, nil, nil)

	var refreshed []string
	r.OnCompletion(func(p events.JobEventPayload) {
		refreshed = append(refreshed, p.JobID)
	})

	require.NoError(t, bus.PublishJSON(events.EventJobCompleted, events.JobEventPayload{JobID: "job-9"}))
	require.NoError(t, bus.PublishJSON(events.EventJobUpdated, events.JobEventPayload{JobID: "job-9"}))

	require.Len(t, refreshed, 1)
	assert.Equal(t, "job-9", refreshed[0])
}

func TestReporterRefreshesCacheOnTerminalEvent(t *testing.T) {
	db := newTestDB(t)
	bus := events.NewBus()
	cache, _ := newTestCache(t)
	ctx := context.Background()

	job := enqueueJob(t, db, 1)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", true, ""))
	require.NoError(t, db.FinishBatchJob(ctx, claimed.ID, models.StatusCompleted, ""))

	NewReporter(db, bus, cache, nil)
	require.NoError(t, bus.PublishJSON(events.EventJobCompleted, events.JobEventPayload{JobID: job.ID}))

	cached, err := cache.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.IsComplete)
}

func TestReporterWatchAfterWorkerClosedJob(t *testing.T) {
	db := newTestDB(t)
	bus := events.NewBus()
	ctx := context.Background()

	job := enqueueJob(t, db, 1)
	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RecordItemResult(ctx, claimed.ID, "o-1", true, ""))
	require.NoError(t, db.FinishBatchJob(ctx, claimed.ID, models.StatusCompleted, ""))
	// The worker fired the terminal notification before any observer
	// attached; the job's subscriptions are already closed on the bus.
	bus.CloseJob(events.EventJobCompleted, events.JobEventPayload{JobID: job.ID, Processed: 1, Total: 1})

	r := NewReporter(db, bus, nil, nil)
	ch, stop, err := r.Watch(ctx, job.ID)
	require.NoError(t, err)
	defer stop()

	select {
	case snap, ok := <-ch:
		require.True(t, ok)
		assert.True(t, snap.IsComplete)
	case <-time.After(time.Second):
		t.Fatal("late watcher must still receive the terminal snapshot")
	}

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "watch on a finished job must close")
	case <-time.After(time.Second):
		t.Fatal("watch channel never closed")
	}
}
