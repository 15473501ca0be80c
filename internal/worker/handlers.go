package worker

import (
	"context"
	"errors"
	"fmt"

	"backline/internal/models"
)

// ErrRemoteUnavailable signals that the remote system is entirely
// unreachable. A batch handler hitting it aborts the whole job instead of
// burning through every item.
var ErrRemoteUnavailable = errors.New("remote accounting system unavailable")

// FatalError marks a sync failure that must not be retried or resumed.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// InvoiceService is the business collaborator creating invoices. Calls are
// not idempotent, which is why the batch worker skips items already marked
// successful.
type InvoiceService interface {
	InvoiceOrder(ctx context.Context, organizationID int64, orderID string) error
}

// ChunkResult reports one processed chunk of a long sync.
type ChunkResult struct {
	NextOffset int
	Done       bool
}

// AccountingClient is the opaque remote accounting-system collaborator.
// Pushes and pulls are upserts on the remote side, so repeating a call for
// the same entities or the same offset range does not duplicate records.
type AccountingClient interface {
	PushEntities(ctx context.Context, organizationID int64, entityType string, entityIDs []string) error
	PullEntities(ctx context.Context, organizationID int64, entityType string, entityIDs []string) error
	SyncChunk(ctx context.Context, organizationID int64, entityType string, direction models.SyncDirection, offset, limit int) (ChunkResult, error)
}

// batchPayload is the decoded BatchJob.Payload for the built-in job types.
type batchPayload struct {
	ItemIDs  []string `json:"item_ids"`
	DateFrom string   `json:"date_from,omitempty"`
	DateTo   string   `json:"date_to,omitempty"`
}

// BatchItemFunc processes one item of a batch job. A returned error counts
// as that item's failure; ErrRemoteUnavailable aborts the whole job.
type BatchItemFunc func(ctx context.Context, job *models.BatchJob, itemRef string) error

// batchHandlers builds the closed dispatch set for batch job types.
func batchHandlers(invoices InvoiceService, accounting AccountingClient) map[string]BatchItemFunc {
	return map[string]BatchItemFunc{
		models.JobTypeBatchInvoiceOrders: func(ctx context.Context, job *models.BatchJob, orderID string) error {
			return invoices.InvoiceOrder(ctx, job.OrganizationID, orderID)
		},
		models.JobTypeInvoiceGeneration: func(ctx context.Context, job *models.BatchJob, orderID string) error {
			return invoices.InvoiceOrder(ctx, job.OrganizationID, orderID)
		},
		models.JobTypeAccountingSync: func(ctx context.Context, job *models.BatchJob, entityID string) error {
			return accounting.PushEntities(ctx, job.OrganizationID, "invoice", []string{entityID})
		},
	}
}

// SyncJobFunc executes one sync-queue job against the remote system.
type SyncJobFunc func(ctx context.Context, job *models.SyncQueueJob) error

// SessionStarter opens a checkpointed sync session. The SessionSupervisor
// is the production implementation.
type SessionStarter interface {
	StartSession(ctx context.Context, organizationID int64, entityType string, direction models.SyncDirection, mode models.SyncMode) (*models.SyncSession, error)
}

// syncHandler routes a claimed sync job by direction. A pull with no
// explicit entity ids means "everything of this type", which is too large
// for a single call and runs as a checkpointed session instead.
func syncHandler(accounting AccountingClient, sessions SessionStarter) SyncJobFunc {
	return func(ctx context.Context, job *models.SyncQueueJob) error {
		switch job.Direction {
		case models.DirectionPush:
			return accounting.PushEntities(ctx, job.OrganizationID, job.EntityType, job.EntityIDs)
		case models.DirectionPull:
			if len(job.EntityIDs) == 0 && sessions != nil {
				session, err := sessions.StartSession(ctx, job.OrganizationID, job.EntityType, models.DirectionPull, models.ModeFull)
				if session == nil {
					return err
				}
				// Once the session row exists the supervisor owns recovery:
				// a chunk error mid-flight stalls the session, which a later
				// supervisor pass resumes from its checkpoint. The queue job
				// itself is done.
				return nil
			}
			return accounting.PullEntities(ctx, job.OrganizationID, job.EntityType, job.EntityIDs)
		default:
			return &FatalError{Err: fmt.Errorf("unknown sync direction: %s", job.Direction)}
		}
	}
}
