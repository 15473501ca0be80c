package database

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"backline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchJobLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := &models.BatchJob{
		OrganizationID: 1,
		JobType:        models.JobTypeBatchInvoiceOrders,
		Payload:        `{"order_ids":["o-1","o-2","o-3"]}`,
		TotalItems:     3,
	}
	require.NoError(t, db.EnqueueBatchJob(ctx, job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)

	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// Queue is now empty; claim returns none without error.
	none, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, db.RecordItemResult(ctx, job.ID, "o-1", true, ""))
	require.NoError(t, db.RecordItemResult(ctx, job.ID, "o-2", false, "invoice rejected"))
	require.NoError(t, db.RecordItemResult(ctx, job.ID, "o-3", true, ""))
	require.NoError(t, db.FinishBatchJob(ctx, job.ID, models.StatusCompleted, ""))

	got, err := db.GetBatchJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedItems)
	assert.Equal(t, 2, got.SuccessItems)
	assert.Equal(t, 1, got.FailedItems)
	assert.Equal(t, got.ProcessedItems, got.SuccessItems+got.FailedItems)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "o-2", got.Errors[0].ItemReference)
	assert.Equal(t, "invoice rejected", got.Errors[0].Message)
	require.NotNil(t, got.CompletedAt)
}

func TestClaimIsExclusive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeInvoiceGeneration, TotalItems: 1}
	require.NoError(t, db.EnqueueBatchJob(ctx, job))

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan *models.BatchJob, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := db.ClaimNextBatchJob(ctx)
			if err != nil {
				errs <- err
				return
			}
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("claim error: %v", err)
	}

	var winners int
	for claimed := range results {
		if claimed != nil {
			winners++
			assert.Equal(t, job.ID, claimed.ID)
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker must win the claim")
}

func TestClaimOrderIsFIFO(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeInvoiceGeneration}
	require.NoError(t, db.EnqueueBatchJob(ctx, first))
	// sqlite DATETIME resolution needs distinct timestamps for ordering.
	time.Sleep(5 * time.Millisecond)
	second := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeInvoiceGeneration}
	require.NoError(t, db.EnqueueBatchJob(ctx, second))

	claimed, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestFinishRequiresProcessing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeInvoiceGeneration}
	require.NoError(t, db.EnqueueBatchJob(ctx, job))

	// Not claimed yet: terminal write must be rejected.
	err := db.FinishBatchJob(ctx, job.ID, models.StatusCompleted, "")
	require.Error(t, err)

	err = db.FinishBatchJob(ctx, job.ID, models.StatusProcessing, "")
	require.Error(t, err, "non-terminal status must be rejected")
}

func TestRequeuePreservesSuccessfulItems(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeBatchInvoiceOrders, TotalItems: 3}
	require.NoError(t, db.EnqueueBatchJob(ctx, job))

	_, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)
	require.NoError(t, db.RecordItemResult(ctx, job.ID, "o-1", true, ""))
	require.NoError(t, db.RecordItemResult(ctx, job.ID, "o-2", false, "remote 500"))
	require.NoError(t, db.FinishBatchJob(ctx, job.ID, models.StatusFailed, "remote unreachable"))

	require.NoError(t, db.RequeueBatchJob(ctx, job.ID))

	got, err := db.GetBatchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.SuccessItems)
	assert.Equal(t, 1, got.ProcessedItems)
	assert.Equal(t, 0, got.FailedItems)
	assert.Empty(t, got.Errors)

	refs, err := db.SuccessfulItemRefs(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, refs["o-1"], "successful item mark must survive requeue")
	assert.False(t, refs["o-2"])
}

func TestListBatchJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.EnqueueBatchJob(ctx, &models.BatchJob{OrganizationID: 7, JobType: models.JobTypeAccountingSync}))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, db.EnqueueBatchJob(ctx, &models.BatchJob{OrganizationID: 8, JobType: models.JobTypeAccountingSync}))

	jobs, err := db.ListBatchJobs(ctx, 7, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	// Newest first.
	for i := 1; i < len(jobs); i++ {
		assert.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
	}
}

func TestFailStuckBatchJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeInvoiceGeneration}
	require.NoError(t, db.EnqueueBatchJob(ctx, job))
	_, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)

	// Claim just happened, so nothing is older than an hour.
	ids, err := db.FailStuckBatchJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// With a negative cutoff every processing job is stuck.
	ids, err = db.FailStuckBatchJobs(ctx, -time.Second)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, job.ID, ids[0])

	got, err := db.GetBatchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestGetBatchJobMissing(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetBatchJob(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordItemResultUnknownJobLeavesNoMark(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.RecordItemResult(ctx, "no-such-job", "o-1", true, "")
	require.Error(t, err)

	// The item mark and the counter update commit together; when the
	// counter side has no row to hit, the mark must roll back with it.
	refs, err := db.SuccessfulItemRefs(ctx, "no-such-job")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestRecordItemResultKeepsCountersConsistent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const items = 20
	job := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeBatchInvoiceOrders, TotalItems: items}
	require.NoError(t, db.EnqueueBatchJob(ctx, job))
	_, err := db.ClaimNextBatchJob(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, items)
	for i := 0; i < items; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := "o-" + strconv.Itoa(i)
			if i%2 == 0 {
				errs <- db.RecordItemResult(ctx, job.ID, ref, true, "")
			} else {
				errs <- db.RecordItemResult(ctx, job.ID, ref, false, "remote 422")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := db.GetBatchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, items, got.ProcessedItems)
	assert.Equal(t, items/2, got.SuccessItems)
	assert.Equal(t, items/2, got.FailedItems)

	refs, err := db.SuccessfulItemRefs(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, refs, got.SuccessItems, "counters must agree with the item marks")
}
