package models

import "time"

// SyncSession is the checkpoint row for a long sync that spans several
// worker invocations. current_offset and last_chunk_at advance every chunk;
// a session whose heartbeat goes stale is resumed from current_offset.
type SyncSession struct {
	ID             string        `json:"id"`
	OrganizationID int64         `json:"organization_id"`
	EntityType     string        `json:"entity_type"`
	SyncType       SyncDirection `json:"sync_type"`
	SyncMode       SyncMode      `json:"sync_mode"`
	CurrentOffset  int           `json:"current_offset"`
	Status         SessionStatus `json:"status"`
	LastError      *string       `json:"last_error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	LastChunkAt    time.Time     `json:"last_chunk_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Stalled reports whether the session heartbeat is older than threshold.
func (s *SyncSession) Stalled(now time.Time, threshold time.Duration) bool {
	return s.Status == SessionInProgress && now.Sub(s.LastChunkAt) > threshold
}
