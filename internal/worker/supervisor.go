package worker

import (
	"context"
	"fmt"

	"backline/internal/config"
	"backline/internal/database"
	"backline/internal/logging"
	"backline/internal/metrics"
	"backline/internal/models"

	"github.com/rs/zerolog"
)

// SessionSupervisor resumes chunked syncs that stalled mid-flight. A
// session whose last_chunk_at heartbeat is older than the stall threshold
// is picked up and continued from its checkpoint offset, never from zero.
// Re-requesting an already-processed offset range is safe because the
// remote collaborator upserts.
type SessionSupervisor struct {
	db          *database.DB
	accounting  AccountingClient
	stallAfter  config.Duration
	chunkSize   int
	chunkBudget int
	logger      zerolog.Logger
}

// NewSessionSupervisor builds a supervisor from the worker config.
func NewSessionSupervisor(db *database.DB, accounting AccountingClient, cfg config.WorkerConfig, logger *zerolog.Logger) *SessionSupervisor {
	return &SessionSupervisor{
		db:          db,
		accounting:  accounting,
		stallAfter:  cfg.SessionStallAfter,
		chunkSize:   cfg.SessionChunkSize,
		chunkBudget: cfg.SessionChunkBudget,
		logger:      logging.ForComponent(logger, "session_supervisor"),
	}
}

// StartSession opens a checkpoint row and processes the first chunks within
// this invocation's budget. Remaining work is picked up by later RunOnce
// calls once the heartbeat goes stale.
func (s *SessionSupervisor) StartSession(ctx context.Context, organizationID int64, entityType string, direction models.SyncDirection, mode models.SyncMode) (*models.SyncSession, error) {
	session := &models.SyncSession{
		OrganizationID: organizationID,
		EntityType:     entityType,
		SyncType:       direction,
		SyncMode:       mode,
	}
	if mode == "" {
		session.SyncMode = models.ModeFull
	}
	if err := s.db.CreateSyncSession(ctx, session); err != nil {
		return nil, err
	}

	if err := s.runSession(ctx, session); err != nil {
		return session, err
	}
	return session, nil
}

// RunOnce scans for stalled sessions and resumes each from its checkpoint.
func (s *SessionSupervisor) RunOnce(ctx context.Context) (int, error) {
	stalled, err := s.db.GetStalledSessions(ctx, s.stallAfter.Std())
	if err != nil {
		return 0, fmt.Errorf("scan stalled sessions: %w", err)
	}

	resumed := 0
	for i := range stalled {
		session := &stalled[i]
		s.logger.Info().Str("session_id", session.ID).Str("entity_type", session.EntityType).
			Int("offset", session.CurrentOffset).Msg("resuming stalled sync session")
		metrics.IncSessionResumed()
		resumed++

		if err := s.runSession(ctx, session); err != nil {
			// Transient failure: the session stays in_progress and becomes
			// stale again for the next supervisor pass.
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("session resume interrupted")
		}
	}
	return resumed, nil
}

// runSession processes up to chunkBudget chunks, checkpointing after each.
// The worker invocation has a bounded execution budget, which is the whole
// reason sessions checkpoint instead of running to completion.
func (s *SessionSupervisor) runSession(ctx context.Context, session *models.SyncSession) error {
	for chunk := 0; chunk < s.chunkBudget; chunk++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := s.accounting.SyncChunk(ctx, session.OrganizationID, session.EntityType,
			session.SyncType, session.CurrentOffset, s.chunkSize)
		if err != nil {
			if IsFatal(err) {
				if failErr := s.db.FailSyncSession(ctx, session.ID, err.Error()); failErr != nil {
					return failErr
				}
				session.Status = models.SessionFailed
				s.logger.Error().Err(err).Str("session_id", session.ID).Msg("sync session failed fatally")
				return nil
			}
			return fmt.Errorf("sync chunk at offset %d: %w", session.CurrentOffset, err)
		}

		session.CurrentOffset = result.NextOffset
		if err := s.db.CheckpointSession(ctx, session.ID, session.CurrentOffset); err != nil {
			return err
		}

		if result.Done {
			if err := s.db.CompleteSyncSession(ctx, session.ID); err != nil {
				return err
			}
			session.Status = models.SessionCompleted
			s.logger.Info().Str("session_id", session.ID).Str("entity_type", session.EntityType).
				Int("final_offset", session.CurrentOffset).Msg("sync session completed")
			return nil
		}
	}
	return nil
}
