// Package dedup tracks which (repository, revision) pairs are completed or
// in flight, providing idempotent admission for the dispatcher.
package dedup

import (
	"time"

	"github.com/SrivatsaRv/documo/event"
)

// RecordState is the lifecycle state of a dedup record.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateRunning   RecordState = "running"
	StateSucceeded RecordState = "succeeded"
	StateFailed    RecordState = "failed"
)

// Decision is the outcome of an admission attempt.
type Decision string

const (
	// Admitted: the caller exclusively owns the key and must run the
	// pipeline, then call Release exactly once.
	Admitted Decision = "admitted"
	// AlreadyRunning: another owner holds a live lease on the key.
	AlreadyRunning Decision = "already_running"
	// RecentlySucceeded: the key already has a successful run and the
	// triggering action does not require a re-run. No-op upstream.
	RecentlySucceeded Decision = "recently_succeeded"
	// CooldownRejected: the key's last run failed and its cool-down window
	// has not elapsed.
	CooldownRejected Decision = "cooldown_rejected"
)

// Admission is the result of Store.Admit.
type Admission struct {
	Decision Decision
	// OwnerToken identifies the admitted run; required for Heartbeat and
	// Release. Set only when Decision == Admitted.
	OwnerToken string
	// CooldownUntil is set when Decision == CooldownRejected.
	CooldownUntil time.Time
}

// Outcome is the terminal (or abandoned) result reported via Release.
type Outcome struct {
	State RecordState // StateSucceeded, StateFailed, or StatePending (abandoned)
	// Reason describes a failure (e.g. "not_found", "synthesis_failed").
	Reason string
	// Cooldown suppresses re-admission for this long after a failure.
	Cooldown time.Duration
}

// Succeeded builds a success outcome.
func Succeeded() Outcome {
	return Outcome{State: StateSucceeded}
}

// Failed builds a failure outcome with a cool-down window.
func Failed(reason string, cooldown time.Duration) Outcome {
	return Outcome{State: StateFailed, Reason: reason, Cooldown: cooldown}
}

// Abandoned builds the shutdown-abandon outcome: the record returns to
// pending so a future admission retries cleanly, distinguished from a
// genuine downstream failure.
func Abandoned() Outcome {
	return Outcome{State: StatePending}
}

// Record is one dedup row, keyed by (repository, revision).
type Record struct {
	Key           event.Key
	State         RecordState
	Reason        string
	OwnerToken    string
	LeaseExpires  *time.Time
	CooldownUntil *time.Time
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
