package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/config"
	"github.com/SrivatsaRv/documo/dedup"
	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	qtest "github.com/SrivatsaRv/documo/internal/testing"
)

const hookToken = "hook-token"

// fakeRunner stands in for the pipeline. It honors the runner contract:
// every run releases its dedup claim exactly once, abandoned if the context
// was cancelled mid-run.
type fakeRunner struct {
	store *dedup.Store
	block chan struct{} // when non-nil, runs park here until closed

	mu        sync.Mutex
	runs      []event.Key
	active    int32
	maxActive int32
}

func (r *fakeRunner) Run(ctx context.Context, ev event.Event, ownerToken string) {
	cur := atomic.AddInt32(&r.active, 1)
	for {
		max := atomic.LoadInt32(&r.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&r.maxActive, max, cur) {
			break
		}
	}

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	atomic.AddInt32(&r.active, -1)

	outcome := dedup.Succeeded()
	if ctx.Err() != nil {
		outcome = dedup.Abandoned()
	}
	_ = r.store.Release(ev.Key(), ownerToken, outcome)

	r.mu.Lock()
	r.runs = append(r.runs, ev.Key())
	r.mu.Unlock()
}

func (r *fakeRunner) completed() []event.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Key(nil), r.runs...)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Workers:          2,
		QueueCapacity:    8,
		MaxGlobal:        2,
		MaxPerRepository: 1,
	}
}

func newTestDispatcher(t *testing.T, cfg config.DispatchConfig, runner *fakeRunner) (*Dispatcher, *dedup.Store) {
	t.Helper()
	conn := qtest.CreateMigratedTestDB(t)
	store := dedup.NewStore(conn, 10*time.Minute, zap.NewNop().Sugar())
	runner.store = store

	validator := event.NewValidator("", hookToken)
	d := NewDispatcher(validator, store, runner, cfg, zap.NewNop().Sugar())
	return d, store
}

// mrDelivery builds an authentic GitLab merge request delivery.
func mrDelivery(project, sha, action string) event.Delivery {
	body := fmt.Sprintf(`{
		"object_kind": "merge_request",
		"project": {
			"path_with_namespace": %q,
			"git_http_url": "https://gitlab.com/%s.git"
		},
		"object_attributes": {
			"iid": 7,
			"action": %q,
			"source_branch": "feature",
			"last_commit": {"id": %q}
		}
	}`, project, project, action, sha)
	return event.Delivery{
		Source: event.SourceGitLab,
		ID:     "delivery-" + sha,
		Headers: map[string]string{
			event.HeaderGitLabToken: hookToken,
			event.HeaderGitLabEvent: "Merge Request Hook",
		},
		Body: []byte(body),
	}
}

func keyFor(project, sha string) event.Key {
	return event.Key{Repository: "gitlab.com/" + project, Revision: sha}
}

func TestSubmitQueuesAndRuns(t *testing.T) {
	runner := &fakeRunner{}
	d, store := newTestDispatcher(t, testDispatchConfig(), runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	receipt, err := d.Submit(mrDelivery("acme/widgets", "abc123", "open"))
	require.NoError(t, err)
	assert.Equal(t, DecisionQueued, receipt.Decision)
	assert.Equal(t, keyFor("acme/widgets", "abc123"), receipt.Event.Key())

	require.Eventually(t, func() bool {
		return len(runner.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.Get(keyFor("acme/widgets", "abc123"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, dedup.StateSucceeded, rec.State)
}

func TestSubmitDuplicateWhileRunning(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d, _ := newTestDispatcher(t, testDispatchConfig(), runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	first, err := d.Submit(mrDelivery("acme/widgets", "abc123", "open"))
	require.NoError(t, err)
	require.Equal(t, DecisionQueued, first.Decision)

	// Same key again while the first run holds the claim.
	second, err := d.Submit(mrDelivery("acme/widgets", "abc123", "update"))
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, second.Decision)

	close(runner.block)
	require.Eventually(t, func() bool {
		return len(runner.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitIgnoredDelivery(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newTestDispatcher(t, testDispatchConfig(), runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	delivery := mrDelivery("acme/widgets", "abc123", "open")
	delivery.Headers[event.HeaderGitLabEvent] = "Push Hook"

	receipt, err := d.Submit(delivery)
	require.NoError(t, err)
	assert.Equal(t, DecisionIgnored, receipt.Decision)
	assert.Equal(t, 0, d.QueueDepth())
}

func TestSubmitUnauthorizedPassedThrough(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newTestDispatcher(t, testDispatchConfig(), runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	delivery := mrDelivery("acme/widgets", "abc123", "open")
	delivery.Headers[event.HeaderGitLabToken] = "wrong"

	_, err := d.Submit(delivery)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
}

func TestSubmitOverloadedReleasesClaim(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Workers = 1
	cfg.MaxGlobal = 1
	cfg.QueueCapacity = 1
	runner := &fakeRunner{block: make(chan struct{})}
	d, store := newTestDispatcher(t, cfg, runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	// First item occupies the single worker; second fills the queue.
	_, err := d.Submit(mrDelivery("acme/a", "a1", "open"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.active) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = d.Submit(mrDelivery("acme/b", "b1", "open"))
	require.NoError(t, err)

	// Third is refused, and its claim is handed back so a later retry of
	// the same delivery is not stuck behind a phantom run.
	_, err = d.Submit(mrDelivery("acme/c", "c1", "open"))
	require.Error(t, err)
	assert.True(t, errors.IsOverloaded(err))

	rec, err := store.Get(keyFor("acme/c", "c1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, dedup.StatePending, rec.State)

	close(runner.block)
}

func TestGlobalCeiling(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Workers = 4
	cfg.MaxGlobal = 2
	runner := &fakeRunner{block: make(chan struct{})}
	d, _ := newTestDispatcher(t, cfg, runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	for i := 0; i < 4; i++ {
		_, err := d.Submit(mrDelivery(fmt.Sprintf("acme/repo%d", i), fmt.Sprintf("sha%d", i), "open"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.active) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Give the remaining workers a chance to overshoot, then check they
	// did not.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.maxActive))

	close(runner.block)
	require.Eventually(t, func() bool {
		return len(runner.completed()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.maxActive))
}

func TestPerRepositoryCeiling(t *testing.T) {
	cfg := testDispatchConfig()
	runner := &fakeRunner{block: make(chan struct{})}
	d, _ := newTestDispatcher(t, cfg, runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	// Two revisions of the same repository, plus one from another.
	_, err := d.Submit(mrDelivery("acme/widgets", "v1", "open"))
	require.NoError(t, err)
	_, err = d.Submit(mrDelivery("acme/widgets", "v2", "open"))
	require.NoError(t, err)
	_, err = d.Submit(mrDelivery("acme/gears", "g1", "open"))
	require.NoError(t, err)

	// Both workers busy, but never two runs for acme/widgets at once:
	// the second slot goes to acme/gears.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.active) == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.QueuedFor(keyFor("acme/widgets", "v2")))

	close(runner.block)
	require.Eventually(t, func() bool {
		return len(runner.completed()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.maxActive))
}

func TestSetLimitsRaisesCeilingAtRuntime(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Workers = 4
	cfg.MaxGlobal = 1
	runner := &fakeRunner{block: make(chan struct{})}
	d, _ := newTestDispatcher(t, cfg, runner)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	for i := 0; i < 3; i++ {
		_, err := d.Submit(mrDelivery(fmt.Sprintf("acme/repo%d", i), fmt.Sprintf("sha%d", i), "open"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.active) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.maxActive))

	// Config reload raises the global ceiling; parked workers pick up the
	// queued items without a restart.
	d.SetLimits(3, 1)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.active) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Invalid values are ignored, not applied.
	d.SetLimits(0, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&runner.active))

	close(runner.block)
	require.Eventually(t, func() bool {
		return len(runner.completed()) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopAbandonsQueuedItems(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Workers = 1
	cfg.MaxGlobal = 1
	runner := &fakeRunner{block: make(chan struct{})}
	d, store := newTestDispatcher(t, cfg, runner)
	d.Start(context.Background())

	_, err := d.Submit(mrDelivery("acme/a", "a1", "open"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.active) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = d.Submit(mrDelivery("acme/b", "b1", "open"))
	require.NoError(t, err)

	// Short grace: the in-flight run gets cancelled and abandons its
	// claim; the queued item never ran and is abandoned by the drain.
	d.Stop(50 * time.Millisecond)

	for _, key := range []event.Key{keyFor("acme/a", "a1"), keyFor("acme/b", "b1")} {
		rec, err := store.Get(key)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, dedup.StatePending, rec.State, "key %s must be re-admittable after restart", key)
	}
}

func TestSubmitAfterStopRefused(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newTestDispatcher(t, testDispatchConfig(), runner)
	d.Start(context.Background())
	d.Stop(time.Second)

	_, err := d.Submit(mrDelivery("acme/widgets", "abc123", "open"))
	require.Error(t, err)
	assert.True(t, errors.IsOverloaded(err))
}
