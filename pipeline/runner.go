// Package pipeline drives an admitted event through its three stages:
// fetch the revision, synthesize documentation, publish it back to the pull
// request. Each stage runs under its own timeout with bounded retries; the
// dedup claim is released exactly once whatever happens.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/config"
	"github.com/SrivatsaRv/documo/dedup"
	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/fetch"
	"github.com/SrivatsaRv/documo/synth"
	"github.com/SrivatsaRv/documo/track"
)

// Stage names recorded in the transition log.
const (
	StageFetching     = "fetching"
	StageSynthesizing = "synthesizing"
	StagePublishing   = "publishing"
	StageDone         = "done"
)

// Fetcher checks out the event's revision.
type Fetcher interface {
	Fetch(ctx context.Context, ev event.Event) (*fetch.Snapshot, error)
}

// Synthesizer produces documentation from a snapshot.
type Synthesizer interface {
	Synthesize(ctx context.Context, ev event.Event, snap *fetch.Snapshot) (*synth.Document, error)
}

// Publisher posts and verifies documents; see publish.Publisher.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event, doc *synth.Document, intent string) error
	Verify(ctx context.Context, ev event.Event, intent string) (bool, error)
}

// Runner executes pipelines. It satisfies the dispatcher's runner contract.
type Runner struct {
	fetcher     Fetcher
	synthesizer Synthesizer
	publisher   Publisher
	store       *dedup.Store
	tracker     *track.Tracker
	cfg         config.PipelineConfig
	cooldown    time.Duration
	logger      *zap.SugaredLogger

	intentFor func(key event.Key) string
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRunner(
	fetcher Fetcher,
	synthesizer Synthesizer,
	publisher Publisher,
	store *dedup.Store,
	tracker *track.Tracker,
	cfg config.PipelineConfig,
	cooldown time.Duration,
	logger *zap.SugaredLogger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		fetcher:     fetcher,
		synthesizer: synthesizer,
		publisher:   publisher,
		store:       store,
		tracker:     tracker,
		cfg:         cfg,
		cooldown:    cooldown,
		logger:      logger.Named("pipeline"),
		intentFor:   intentToken,
		sleep:       sleepCtx,
	}
}

// Run drives one admitted event to a terminal state and releases its claim.
func (r *Runner) Run(ctx context.Context, ev event.Event, ownerToken string) {
	key := ev.Key()
	started := time.Now()

	// Fetch.
	var snap *fetch.Snapshot
	err := r.runStage(ctx, key, ownerToken, StageFetching, r.cfg.FetchMaxAttempts,
		time.Duration(r.cfg.FetchTimeoutSeconds)*time.Second, false,
		func(stageCtx context.Context) error {
			s, err := r.fetcher.Fetch(stageCtx, ev)
			if err != nil {
				return err
			}
			snap = s
			return nil
		})
	if err != nil {
		r.settleFailure(ctx, key, ownerToken, StageFetching, err)
		return
	}
	defer snap.Close()

	// Synthesize.
	var doc *synth.Document
	err = r.runStage(ctx, key, ownerToken, StageSynthesizing, r.cfg.SynthMaxAttempts,
		time.Duration(r.cfg.SynthTimeoutSeconds)*time.Second, false,
		func(stageCtx context.Context) error {
			d, err := r.synthesizer.Synthesize(stageCtx, ev, snap)
			if err != nil {
				return err
			}
			doc = d
			return nil
		})
	if err != nil {
		r.settleFailure(ctx, key, ownerToken, StageSynthesizing, err)
		return
	}

	// Publish. Attempts run detached from shutdown cancellation: once a
	// post is in flight it finishes, so an already-delivered comment is
	// never mistaken for a failure. Cancellation is honored between
	// attempts. The intent token is derived from the key, so every attempt
	// verifies the marker before posting: a lost acknowledgement, or a run
	// recovered after a crash that happened between posting and releasing
	// the claim, finds the earlier comment instead of duplicating it.
	intent := r.intentFor(key)
	err = r.runStage(ctx, key, ownerToken, StagePublishing, r.cfg.PublishMaxAttempts,
		time.Duration(r.cfg.PublishTimeoutSeconds)*time.Second, true,
		func(stageCtx context.Context) error {
			if found, verr := r.publisher.Verify(stageCtx, ev, intent); verr == nil && found {
				r.logger.Infow("Documentation already published for this revision",
					"key", key.String(), "intent", intent)
				return nil
			}
			return r.publisher.Publish(stageCtx, ev, doc, intent)
		})
	if err != nil {
		r.settleFailure(ctx, key, ownerToken, StagePublishing, err)
		return
	}

	r.tracker.Record(key, StageDone, "succeeded", "", 1)
	r.release(key, ownerToken, dedup.Succeeded())
	r.logger.Infow("Pipeline succeeded",
		"key", key.String(),
		"tokens", doc.Usage.TotalTokens,
		"scope_reduced", doc.ScopeReduced,
		"elapsed", time.Since(started))
}

// runStage runs one stage with bounded attempts. Each attempt gets a fresh
// timeout; when detach is set the attempt outlives cancellation of ctx, but
// cancellation is still honored between attempts. A stage transition extends
// the dedup lease so long pipelines never lose their claim mid-run.
func (r *Runner) runStage(ctx context.Context, key event.Key, ownerToken, stage string, maxAttempts int, timeout time.Duration, detach bool, fn func(context.Context) error) error {
	if err := r.store.Heartbeat(key, ownerToken); err != nil {
		// The lease was reclaimed: another run owns this key now.
		return errors.Wrapf(err, "lost claim entering %s", stage)
	}
	r.tracker.Record(key, stage, "started", "", 1)

	wait := backoff{
		initial: time.Duration(r.cfg.BackoffInitialMs) * time.Millisecond,
		max:     time.Duration(r.cfg.BackoffMaxMs) * time.Millisecond,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		base := ctx
		if detach {
			base = context.WithoutCancel(ctx)
		}
		stageCtx, cancel := context.WithTimeout(base, timeout)
		err := fn(stageCtx)
		cancel()

		if err == nil {
			r.tracker.Record(key, stage, "completed", "", attempt)
			return nil
		}
		lastErr = err

		if !detach && ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) || attempt == maxAttempts {
			r.tracker.Record(key, stage, "failed", err.Error(), attempt)
			return err
		}

		delay := wait.delay(attempt)
		if after, ok := errors.RetryAfterHint(err); ok && after > delay {
			delay = after
		}
		r.tracker.Record(key, stage, "retrying", err.Error(), attempt)
		r.logger.Warnw("Stage attempt failed, retrying",
			"key", key.String(),
			"stage", stage,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		// Waiting counts against the lease too.
		if err := r.store.Heartbeat(key, ownerToken); err != nil {
			return errors.Wrapf(err, "lost claim during %s retry wait", stage)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// retryable reports whether another attempt could plausibly succeed. Stage
// timeouts are retried; errors marked transient (and rate limits) are
// retried; everything else is permanent.
func retryable(err error) bool {
	return errors.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// settleFailure releases the claim for a failed or interrupted run.
func (r *Runner) settleFailure(ctx context.Context, key event.Key, ownerToken, stage string, err error) {
	if ctx.Err() != nil {
		// Shutdown, not failure: back to pending so a restart re-runs it.
		r.tracker.Record(key, stage, "abandoned", "", 1)
		r.release(key, ownerToken, dedup.Abandoned())
		r.logger.Infow("Pipeline abandoned at shutdown",
			"key", key.String(), "stage", stage)
		return
	}

	reason := failureReason(err)
	r.release(key, ownerToken, dedup.Failed(reason, r.cooldown))
	r.logger.Errorw("Pipeline failed",
		"key", key.String(),
		"stage", stage,
		"reason", reason,
		"error", err)
}

func (r *Runner) release(key event.Key, ownerToken string, outcome dedup.Outcome) {
	if err := r.store.Release(key, ownerToken, outcome); err != nil {
		r.logger.Errorw("Failed to release claim",
			"key", key.String(), "error", err)
	}
}

// failureReason names the failure class for the dedup record and status API.
func failureReason(err error) string {
	switch {
	case errors.IsNotFound(err):
		return "not_found"
	case errors.IsAccessDenied(err):
		return "access_denied"
	case errors.IsRateLimited(err):
		return "rate_limited"
	case errors.IsSynthesisFailed(err):
		return "synthesis_failed"
	case errors.IsTransient(err):
		return "exhausted_retries"
	default:
		return "error"
	}
}

// intentToken derives the publish intent for a key. It is a pure function
// of (repository, revision): any run for the same key, including one
// recovered after a crash, publishes under the same marker, so at most one
// comment per revision ever lands.
func intentToken(key event.Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:16])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
