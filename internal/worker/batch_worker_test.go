package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"backline/internal/database"
	"backline/internal/events"
	"backline/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "backline-test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func enqueueBatch(t *testing.T, db *database.DB, jobType string, itemIDs []string) *models.BatchJob {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"item_ids": itemIDs})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	job := &models.BatchJob{
		OrganizationID: 1,
		JobType:        jobType,
		Payload:        string(payload),
		TotalItems:     len(itemIDs),
	}
	if err := db.EnqueueBatchJob(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestBatchWorkerPartialSuccessCompletes(t *testing.T) {
	db := newTestDB(t)
	invoices := newFakeInvoices()
	invoices.failRefs["o-2"] = errors.New("customer has no billing address")
	invoices.failRefs["o-5"] = errors.New("order already invoiced upstream")
	invoices.failRefs["o-8"] = errors.New("amount mismatch")

	items := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		items = append(items, fmt.Sprintf("o-%d", i))
	}
	job := enqueueBatch(t, db, models.JobTypeBatchInvoiceOrders, items)

	w := NewBatchWorker(db, events.NewBus(), invoices, newFakeAccounting(), 0, nil)
	ctx := context.Background()

	ran, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ran {
		t.Fatal("expected a job to run")
	}

	got, err := db.GetBatchJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("partial success must complete the job, got %s", got.Status)
	}
	if got.SuccessItems != 7 || got.FailedItems != 3 || got.ProcessedItems != 10 {
		t.Fatalf("expected 7/3/10, got %d/%d/%d", got.SuccessItems, got.FailedItems, got.ProcessedItems)
	}
	if got.ProcessedItems != got.SuccessItems+got.FailedItems {
		t.Fatal("processed must equal successful+failed")
	}
	if len(got.Errors) != 3 {
		t.Fatalf("expected 3 item errors, got %d", len(got.Errors))
	}
}

func TestBatchWorkerEmptyQueue(t *testing.T) {
	db := newTestDB(t)
	w := NewBatchWorker(db, events.NewBus(), newFakeInvoices(), newFakeAccounting(), 0, nil)

	ran, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("empty queue must not error: %v", err)
	}
	if ran {
		t.Fatal("nothing should have run")
	}
}

func TestBatchWorkerUnknownTypeFailsJob(t *testing.T) {
	db := newTestDB(t)
	job := enqueueBatch(t, db, "mystery_job", []string{"x-1"})

	w := NewBatchWorker(db, events.NewBus(), newFakeInvoices(), newFakeAccounting(), 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := db.GetBatchJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage == nil {
		t.Fatal("expected a job-level error message")
	}
}

func TestBatchWorkerMalformedPayloadFailsJob(t *testing.T) {
	db := newTestDB(t)
	job := &models.BatchJob{OrganizationID: 1, JobType: models.JobTypeInvoiceGeneration, Payload: "{not json"}
	if err := db.EnqueueBatchJob(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewBatchWorker(db, events.NewBus(), newFakeInvoices(), newFakeAccounting(), 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := db.GetBatchJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestBatchWorkerRemoteOutageFailsJob(t *testing.T) {
	db := newTestDB(t)
	invoices := newFakeInvoices()
	invoices.unavailable = true
	job := enqueueBatch(t, db, models.JobTypeBatchInvoiceOrders, []string{"o-1", "o-2"})

	w := NewBatchWorker(db, events.NewBus(), invoices, newFakeAccounting(), 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := db.GetBatchJob(context.Background(), job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("total outage must fail the whole job, got %s", got.Status)
	}
	if got.ProcessedItems != 0 {
		t.Fatalf("no items should count as processed, got %d", got.ProcessedItems)
	}
}

func TestBatchWorkerSkipsAlreadySuccessfulItems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	invoices := newFakeInvoices()
	invoices.failRefs["o-2"] = errors.New("remote 500")

	job := enqueueBatch(t, db, models.JobTypeBatchInvoiceOrders, []string{"o-1", "o-2"})
	w := NewBatchWorker(db, events.NewBus(), invoices, newFakeAccounting(), 0, nil)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Caller-initiated retry: job completed with one failure, operator
	// fixes the cause and requeues.
	got, _ := db.GetBatchJob(ctx, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE batch_jobs SET status='pending', started_at=NULL, completed_at=NULL,
		 processed_items=successful_items, failed_items=0 WHERE id = ?`, job.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	delete(invoices.failRefs, "o-2")

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if invoices.callCount("o-1") != 1 {
		t.Fatalf("already-invoiced order must not be re-sent, got %d calls", invoices.callCount("o-1"))
	}
	if invoices.callCount("o-2") != 2 {
		t.Fatalf("failed order should be retried once, got %d calls", invoices.callCount("o-2"))
	}

	got, _ = db.GetBatchJob(ctx, job.ID)
	if got.Status != models.StatusCompleted || got.SuccessItems != 2 {
		t.Fatalf("expected completed with 2 successes, got %s with %d", got.Status, got.SuccessItems)
	}
}

func TestBatchWorkerPublishesProgress(t *testing.T) {
	db := newTestDB(t)
	bus := events.NewBus()

	var updates, completions int
	bus.Subscribe(events.EventJobUpdated, func(*events.Event) error {
		updates++
		return nil
	})
	bus.Subscribe(events.EventJobCompleted, func(*events.Event) error {
		completions++
		return nil
	})

	enqueueBatch(t, db, models.JobTypeBatchInvoiceOrders, []string{"o-1", "o-2", "o-3"})
	w := NewBatchWorker(db, bus, newFakeInvoices(), newFakeAccounting(), 2, nil)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if updates < 2 {
		t.Fatalf("expected progress updates during processing, got %d", updates)
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion event, got %d", completions)
	}
}
