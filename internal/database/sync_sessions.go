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

const sessionColumns = `id, organization_id, entity_type, sync_type, sync_mode, current_offset,
              status, last_error, started_at, last_chunk_at, completed_at`

// CreateSyncSession opens a checkpoint row for a chunked sync.
func (db *DB) CreateSyncSession(ctx context.Context, session *models.SyncSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.Status = models.SessionInProgress
	session.StartedAt = now
	session.LastChunkAt = now

	query := `INSERT INTO sync_sessions (id, organization_id, entity_type, sync_type, sync_mode,
                  current_offset, status, started_at, last_chunk_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		session.ID,
		session.OrganizationID,
		session.EntityType,
		session.SyncType,
		session.SyncMode,
		session.CurrentOffset,
		session.Status,
		session.StartedAt,
		session.LastChunkAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}
	return nil
}

// GetSyncSession loads one session row.
func (db *DB) GetSyncSession(ctx context.Context, id string) (*models.SyncSession, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id)
	session, err := scanSyncSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync session %s: %w", id, err)
	}
	return session, nil
}

// CheckpointSession advances the cursor and the heartbeat after a chunk.
// The offset only moves forward; a stale write from a superseded worker
// cannot rewind progress.
func (db *DB) CheckpointSession(ctx context.Context, id string, offset int) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_sessions SET current_offset = ?, last_chunk_at = ?
         WHERE id = ? AND status = ? AND current_offset <= ?`,
		offset, time.Now().UTC(), id, models.SessionInProgress, offset)
	if err != nil {
		return fmt.Errorf("failed to checkpoint session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("checkpoint session %s: session not in progress or offset behind", id)
	}
	return nil
}

// CompleteSyncSession closes a session that processed all chunks.
func (db *DB) CompleteSyncSession(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_sessions SET status = ?, completed_at = ? WHERE id = ?`,
		models.SessionCompleted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete sync session %s: %w", id, err)
	}
	return nil
}

// FailSyncSession marks a session fatally failed; the supervisor will not
// resume it.
func (db *DB) FailSyncSession(ctx context.Context, id string, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_sessions SET status = ?, last_error = ?, completed_at = ? WHERE id = ?`,
		models.SessionFailed, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail sync session %s: %w", id, err)
	}
	return nil
}

// GetStalledSessions returns in-progress sessions whose heartbeat is older
// than threshold, oldest first.
func (db *DB) GetStalledSessions(ctx context.Context, threshold time.Duration) ([]models.SyncSession, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions
         WHERE status = ? AND last_chunk_at < ?
         ORDER BY last_chunk_at ASC`,
		models.SessionInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get stalled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SyncSession
	for rows.Next() {
		session, err := scanSyncSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSyncSession(row rowScanner) (*models.SyncSession, error) {
	var session models.SyncSession
	var lastError sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.OrganizationID,
		&session.EntityType,
		&session.SyncType,
		&session.SyncMode,
		&session.CurrentOffset,
		&session.Status,
		&lastError,
		&session.StartedAt,
		&session.LastChunkAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		session.LastError = &lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		session.CompletedAt = &t
	}
	return &session, nil
}
