package models

// JobStatus is the lifecycle state shared by batch jobs and sync queue jobs.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving to next is a legal lifecycle step.
// pending -> processing -> completed|failed, plus processing -> pending
// (a sync job requeued for retry). Terminal states have no exits.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	default:
		return false
	}
}

// SessionStatus is the lifecycle state of a long-running sync session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// SyncDirection distinguishes pulls from the remote system and pushes to it.
type SyncDirection string

const (
	DirectionPull SyncDirection = "pull"
	DirectionPush SyncDirection = "push"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	return d == DirectionPull || d == DirectionPush
}

// SyncMode distinguishes a full resync from an incremental one.
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)
