// Package track records pipeline state transitions so operators can answer
// "what happened to this revision" after the fact. The log is append-only;
// the latest row for a key is its current status.
package track

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
)

// Transition is one recorded pipeline step.
type Transition struct {
	ID         int64
	Key        event.Key
	State      string
	Outcome    string
	Reason     string
	Attempt    int
	RecordedAt time.Time
}

// Status summarizes a key's pipeline history.
type Status struct {
	Key         event.Key
	State       string
	Outcome     string
	Reason      string
	Attempt     int
	UpdatedAt   time.Time
	Transitions []Transition
}

// Tracker persists transitions to SQLite.
type Tracker struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewTracker(db *sql.DB, logger *zap.SugaredLogger) *Tracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tracker{db: db, logger: logger.Named("track")}
}

// Record appends a transition. Tracking failures are logged, never fatal:
// the pipeline outcome matters more than its audit trail.
func (t *Tracker) Record(key event.Key, state, outcome, reason string, attempt int) {
	_, err := t.db.Exec(`
		INSERT INTO pipeline_transitions (
			repository, revision, state, outcome, reason, attempt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Repository, key.Revision, state, outcome, reason, attempt, time.Now(),
	)
	if err != nil {
		t.logger.Errorw("Failed to record pipeline transition",
			"key", key.String(), "state", state, "error", err)
	}
}

// Get returns the key's status, or nil if the key was never seen.
func (t *Tracker) Get(key event.Key) (*Status, error) {
	rows, err := t.db.Query(`
		SELECT id, state, outcome, reason, attempt, created_at
		FROM pipeline_transitions
		WHERE repository = ? AND revision = ?
		ORDER BY id ASC`,
		key.Repository, key.Revision,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query transitions for %s", key)
	}
	defer rows.Close()

	var status *Status
	for rows.Next() {
		tr := Transition{Key: key}
		if err := rows.Scan(&tr.ID, &tr.State, &tr.Outcome, &tr.Reason, &tr.Attempt, &tr.RecordedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan transition")
		}
		if status == nil {
			status = &Status{Key: key}
		}
		status.Transitions = append(status.Transitions, tr)
		status.State = tr.State
		status.Outcome = tr.Outcome
		status.Reason = tr.Reason
		status.Attempt = tr.Attempt
		status.UpdatedAt = tr.RecordedAt
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate transitions")
	}
	return status, nil
}

// Cleanup evicts transitions older than olderThan.
func (t *Tracker) Cleanup(olderThan time.Duration) (int, error) {
	res, err := t.db.Exec(`
		DELETE FROM pipeline_transitions WHERE created_at < ?`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup transitions")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
