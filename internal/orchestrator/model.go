package orchestrator

import (
	"time"
)

// Phase is the coarse state of a collection's sync state machine.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
)

// Outcome classifies the result of one sync attempt.
type Outcome string

const (
	// OutcomeApplied means the remote snapshot was merged.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means another attempt was already in flight.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCanceled means the attempt was superseded or torn down.
	OutcomeCanceled Outcome = "canceled"
	// OutcomeUnauthenticated means no user is signed in; no I/O was attempted.
	OutcomeUnauthenticated Outcome = "unauthenticated"
	// OutcomeFailed means the fetch or merge failed; the store is untouched.
	OutcomeFailed Outcome = "failed"
)

// Result reports what one attempt did.
type Result struct {
	Collection string
	Outcome    Outcome
	Fetched    int
	Upserted   int
	Deleted    int
	Err        error
}

// State is the observable per-collection sync state. LastError is the
// recoverable failure flag; it is cleared by the next applied attempt and is
// never set by cancellation.
type State struct {
	Collection   string
	Phase        Phase
	LastOutcome  Outcome
	LastError    error
	LastSyncedAt time.Time
}

// SyncRun is the audit row written for every attempt that reached the network.
type SyncRun struct {
	ID         string    `gorm:"column:id;primaryKey;size:64"`
	Collection string    `gorm:"column:collection;size:64;not null;index:idx_sync_runs_collection_started,priority:1"`
	Outcome    string    `gorm:"column:outcome;size:32;not null"`
	Fetched    int       `gorm:"column:fetched;not null;default:0"`
	Upserted   int       `gorm:"column:upserted;not null;default:0"`
	Deleted    int       `gorm:"column:deleted;not null;default:0"`
	Error      string    `gorm:"column:error;type:text;not null;default:''"`
	StartedAt  time.Time `gorm:"column:started_at;not null;index:idx_sync_runs_collection_started,priority:2"`
	FinishedAt time.Time `gorm:"column:finished_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncRun) TableName() string {
	return "sync_runs"
}
