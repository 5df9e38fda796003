package track

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/event"
	qtest "github.com/SrivatsaRv/documo/internal/testing"
)

var trackedKey = event.Key{Repository: "github.com/acme/widgets", Revision: "abc123"}

func TestRecordAndGet(t *testing.T) {
	conn := qtest.CreateMigratedTestDB(t)
	tracker := NewTracker(conn, zap.NewNop().Sugar())

	tracker.Record(trackedKey, "fetching", "started", "", 1)
	tracker.Record(trackedKey, "fetching", "completed", "", 1)
	tracker.Record(trackedKey, "synthesizing", "started", "", 1)
	tracker.Record(trackedKey, "synthesizing", "retrying", "rate limited", 1)
	tracker.Record(trackedKey, "synthesizing", "completed", "", 2)

	status, err := tracker.Get(trackedKey)
	require.NoError(t, err)
	require.NotNil(t, status)

	// Latest transition wins the summary.
	assert.Equal(t, "synthesizing", status.State)
	assert.Equal(t, "completed", status.Outcome)
	assert.Equal(t, 2, status.Attempt)
	assert.Len(t, status.Transitions, 5)

	// History preserved in order.
	assert.Equal(t, "started", status.Transitions[0].Outcome)
	assert.Equal(t, "rate limited", status.Transitions[3].Reason)
}

func TestGetUnknownKey(t *testing.T) {
	conn := qtest.CreateMigratedTestDB(t)
	tracker := NewTracker(conn, zap.NewNop().Sugar())

	status, err := tracker.Get(event.Key{Repository: "nope", Revision: "nope"})
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestRecordFailureIsNonFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO pipeline_transitions").
		WillReturnError(assert.AnError)

	tracker := NewTracker(db, zap.NewNop().Sugar())
	// Must not panic or propagate; the run goes on without its audit row.
	tracker.Record(trackedKey, "fetching", "started", "", 1)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	conn := qtest.CreateMigratedTestDB(t)
	tracker := NewTracker(conn, zap.NewNop().Sugar())

	tracker.Record(trackedKey, "fetching", "started", "", 1)

	removed, err := tracker.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	// A zero retention evicts everything already recorded.
	removed, err = tracker.Cleanup(-time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	status, err := tracker.Get(trackedKey)
	require.NoError(t, err)
	assert.Nil(t, status)
}
