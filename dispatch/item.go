package dispatch

import (
	"time"

	"github.com/SrivatsaRv/documo/event"
)

// WorkItem is an admitted event waiting for (or holding) a worker. The owner
// token ties the item back to its dedup claim; whoever finishes the run must
// release that claim with this exact token.
type WorkItem struct {
	Event      event.Event
	OwnerToken string
	EnqueuedAt time.Time

	seq uint64 // FIFO tiebreak within a priority band
}

// Receipt is the synchronous answer to a webhook submission. HTTP handlers
// map the decision to a status code; an admitted item is queued, everything
// else was settled without queueing.
type Receipt struct {
	Decision Decision
	Event    event.Event
}

// Decision classifies what happened to a submitted delivery.
type Decision string

const (
	// DecisionQueued means the event was admitted and enqueued for a worker.
	DecisionQueued Decision = "queued"
	// DecisionDuplicate means another run already holds the key's claim.
	DecisionDuplicate Decision = "duplicate"
	// DecisionAlreadyDone means the key succeeded recently and the action
	// does not warrant a re-run.
	DecisionAlreadyDone Decision = "already_done"
	// DecisionCoolingDown means the key failed recently and is suppressed
	// until its cool-down elapses.
	DecisionCoolingDown Decision = "cooling_down"
	// DecisionIgnored means the delivery was authentic but not actionable.
	DecisionIgnored Decision = "ignored"
)
