package dedup

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
)

// Store is the keyed admission store. All admission and release decisions
// go through a single mutex so the check-and-set on a key is atomic; the
// SQLite row is the durable source of truth so leases survive restarts.
type Store struct {
	db     *sql.DB
	lease  time.Duration
	logger *zap.SugaredLogger
	mu     sync.Mutex
	now    func() time.Time // Injectable for testing
}

// NewStore creates a dedup store. lease is how long a running record's
// claim remains valid without a heartbeat.
func NewStore(db *sql.DB, lease time.Duration, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:     db,
		lease:  lease,
		logger: logger.Named("dedup"),
		now:    time.Now,
	}
}

// Admit atomically claims key for a pipeline run. Exactly one concurrent
// caller observes Admitted for a given key; the returned owner token must be
// presented to Heartbeat and Release.
func (s *Store) Admit(key event.Key, action event.Action) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	rec, err := s.get(key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Admission{}, errors.Wrap(err, "failed to read dedup record")
	}

	if errors.Is(err, sql.ErrNoRows) {
		return s.claimNew(key, now)
	}

	switch rec.State {
	case StateRunning:
		if rec.LeaseExpires != nil && rec.LeaseExpires.After(now) {
			return Admission{Decision: AlreadyRunning}, nil
		}
		// Lease expired: the previous owner crashed or stalled. Reclaim.
		s.logger.Warnw("Reclaiming expired lease",
			"key", key.String(),
			"stale_owner", rec.OwnerToken)
		return s.claimExisting(key, rec.Attempts, now)

	case StateSucceeded:
		// A duplicate opened delivery after a prior success is a no-op;
		// updated and merged semantically require a re-run.
		if action == event.ActionOpened {
			return Admission{Decision: RecentlySucceeded}, nil
		}
		return s.claimExisting(key, rec.Attempts, now)

	case StateFailed:
		if rec.CooldownUntil != nil && rec.CooldownUntil.After(now) {
			return Admission{Decision: CooldownRejected, CooldownUntil: *rec.CooldownUntil}, nil
		}
		return s.claimExisting(key, rec.Attempts, now)

	default: // StatePending
		return s.claimExisting(key, rec.Attempts, now)
	}
}

func (s *Store) claimNew(key event.Key, now time.Time) (Admission, error) {
	token := uuid.NewString()
	leaseExpiry := now.Add(s.lease)

	_, err := s.db.Exec(`
		INSERT INTO dedup_records (
			repository, revision, state, owner_token, lease_expires_at,
			attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		key.Repository, key.Revision, StateRunning, token, leaseExpiry, now, now,
	)
	if err != nil {
		return Admission{}, errors.Wrapf(err, "failed to create dedup record for %s", key)
	}

	return Admission{Decision: Admitted, OwnerToken: token}, nil
}

func (s *Store) claimExisting(key event.Key, attempts int, now time.Time) (Admission, error) {
	token := uuid.NewString()
	leaseExpiry := now.Add(s.lease)

	_, err := s.db.Exec(`
		UPDATE dedup_records
		SET state = ?, reason = '', owner_token = ?, lease_expires_at = ?,
		    cooldown_until = NULL, attempts = ?, updated_at = ?
		WHERE repository = ? AND revision = ?`,
		StateRunning, token, leaseExpiry, attempts+1, now,
		key.Repository, key.Revision,
	)
	if err != nil {
		return Admission{}, errors.Wrapf(err, "failed to claim dedup record for %s", key)
	}

	return Admission{Decision: Admitted, OwnerToken: token}, nil
}

// Release transitions a running record to its terminal (or abandoned)
// state. Must be called exactly once per admitted run. A stale owner token
// is rejected: the lease was reclaimed and someone else owns the key now.
func (s *Store) Release(key event.Key, ownerToken string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return errors.Wrapf(err, "failed to read dedup record for %s", key)
	}
	if rec.State != StateRunning {
		return errors.Newf("release of %s: record is %s, not running", key, rec.State)
	}
	if rec.OwnerToken != ownerToken {
		return errors.Newf("release of %s: stale owner token", key)
	}

	now := s.now()

	var cooldownUntil interface{}
	if outcome.State == StateFailed && outcome.Cooldown > 0 {
		cooldownUntil = now.Add(outcome.Cooldown)
	}

	_, err = s.db.Exec(`
		UPDATE dedup_records
		SET state = ?, reason = ?, owner_token = '', lease_expires_at = NULL,
		    cooldown_until = ?, updated_at = ?
		WHERE repository = ? AND revision = ?`,
		outcome.State, outcome.Reason, cooldownUntil, now,
		key.Repository, key.Revision,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to release dedup record for %s", key)
	}

	return nil
}

// Heartbeat extends the lease on a running record. Called on pipeline stage
// transitions so long runs outlive the base lease duration.
func (s *Store) Heartbeat(key event.Key, ownerToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.Exec(`
		UPDATE dedup_records
		SET lease_expires_at = ?, updated_at = ?
		WHERE repository = ? AND revision = ? AND state = ? AND owner_token = ?`,
		now.Add(s.lease), now, key.Repository, key.Revision, StateRunning, ownerToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to heartbeat %s", key)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("heartbeat of %s: stale owner token", key)
	}
	return nil
}

// RecoverExpired resets running records whose lease has expired back to
// pending. Called on startup: records claimed as running with no live owner
// after a crash must never stay stuck as running forever.
func (s *Store) RecoverExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.Exec(`
		UPDATE dedup_records
		SET state = ?, owner_token = '', lease_expires_at = NULL, updated_at = ?
		WHERE state = ? AND lease_expires_at < ?`,
		StatePending, now, StateRunning, now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover expired leases")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if rows > 0 {
		s.logger.Warnw("Recovered orphaned running records from previous crash", "count", rows)
	}
	return int(rows), nil
}

// Get returns the record for key, or nil if none exists.
func (s *Store) Get(key event.Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get dedup record for %s", key)
	}
	return rec, nil
}

// Cleanup evicts terminal records older than olderThan whose cool-down has
// elapsed. Keeps the table bounded; retention is a configuration option.
func (s *Store) Cleanup(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)

	res, err := s.db.Exec(`
		DELETE FROM dedup_records
		WHERE state IN (?, ?)
		  AND updated_at < ?
		  AND (cooldown_until IS NULL OR cooldown_until < ?)`,
		StateSucceeded, StateFailed, cutoff, now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup dedup records")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// get reads one record. REQUIRES: s.mu held by caller.
func (s *Store) get(key event.Key) (*Record, error) {
	rec := Record{Key: key}
	var leaseExpires, cooldownUntil sql.NullTime

	err := s.db.QueryRow(`
		SELECT state, reason, owner_token, lease_expires_at, cooldown_until,
		       attempts, created_at, updated_at
		FROM dedup_records
		WHERE repository = ? AND revision = ?`,
		key.Repository, key.Revision,
	).Scan(
		&rec.State, &rec.Reason, &rec.OwnerToken, &leaseExpires, &cooldownUntil,
		&rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if leaseExpires.Valid {
		rec.LeaseExpires = &leaseExpires.Time
	}
	if cooldownUntil.Valid {
		rec.CooldownUntil = &cooldownUntil.Time
	}
	return &rec, nil
}
