package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/config"
	"github.com/SrivatsaRv/documo/dedup"
	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/event"
)

// Runner executes one admitted pipeline run. Implementations own the dedup
// release for the run: whatever happens inside Run, the claim held by
// ownerToken must end up released exactly once.
type Runner interface {
	Run(ctx context.Context, ev event.Event, ownerToken string)
}

// Dispatcher sits between the webhook surface and the pipeline. Submit
// settles each delivery synchronously (validate, admit, enqueue or refuse);
// a fixed pool of workers drains the queue under the global and per-repository
// ceilings.
type Dispatcher struct {
	validator *event.Validator
	store     *dedup.Store
	runner    Runner
	cfg       config.DispatchConfig
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	queue        *queue
	activeRepo   map[string]int
	activeGlobal int
	accepting    bool

	notify chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the admission chain. The dispatcher does not start
// workers until Start is called.
func NewDispatcher(validator *event.Validator, store *dedup.Store, runner Runner, cfg config.DispatchConfig, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		validator:  validator,
		store:      store,
		runner:     runner,
		cfg:        cfg,
		logger:     logger.Named("dispatch"),
		queue:      newQueue(cfg.QueueCapacity),
		activeRepo: make(map[string]int),
		notify:     make(chan struct{}, cfg.Workers),
		stop:       make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.mu.Lock()
	d.accepting = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
	d.logger.Infow("Dispatcher started",
		"workers", d.cfg.Workers,
		"queue_capacity", d.cfg.QueueCapacity,
		"max_global", d.cfg.MaxGlobal,
		"max_per_repository", d.cfg.MaxPerRepository)
}

// Submit settles a webhook delivery. The returned receipt tells the caller
// what happened; an error is one of the sentinel classes (unauthorized,
// malformed, overloaded) or an internal failure.
func (d *Dispatcher) Submit(delivery event.Delivery) (Receipt, error) {
	ev, err := d.validator.Validate(delivery)
	if err != nil {
		if event.IsIgnored(err) {
			return Receipt{Decision: DecisionIgnored}, nil
		}
		return Receipt{}, err
	}

	adm, err := d.store.Admit(ev.Key(), ev.Action)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "admission failed")
	}

	switch adm.Decision {
	case dedup.AlreadyRunning:
		return Receipt{Decision: DecisionDuplicate, Event: *ev}, nil
	case dedup.RecentlySucceeded:
		return Receipt{Decision: DecisionAlreadyDone, Event: *ev}, nil
	case dedup.CooldownRejected:
		return Receipt{Decision: DecisionCoolingDown, Event: *ev}, nil
	}

	item := &WorkItem{Event: *ev, OwnerToken: adm.OwnerToken, EnqueuedAt: time.Now()}

	d.mu.Lock()
	accepted := d.accepting && d.queue.offer(item)
	d.mu.Unlock()

	if !accepted {
		// The claim was just taken; hand it back so a retry of this
		// delivery is admitted cleanly.
		if relErr := d.store.Release(ev.Key(), adm.OwnerToken, dedup.Abandoned()); relErr != nil {
			d.logger.Errorw("Failed to release claim for refused item",
				"key", ev.Key().String(), "error", relErr)
		}
		return Receipt{}, errors.Wrapf(errors.ErrOverloaded, "queue full (%d items)", d.cfg.QueueCapacity)
	}

	d.wake()
	d.logger.Infow("Event queued",
		"key", ev.Key().String(),
		"action", ev.Action,
		"source", ev.Source)
	return Receipt{Decision: DecisionQueued, Event: *ev}, nil
}

// Stop drains the dispatcher: no new submissions, workers finish their
// current run within grace, and anything still queued is released back to
// pending so a restart can pick it up.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.mu.Lock()
	d.accepting = false
	d.mu.Unlock()

	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warnw("Shutdown grace expired, cancelling in-flight runs", "grace", grace)
		d.cancel()
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}

	d.mu.Lock()
	orphaned := d.queue.drain()
	d.mu.Unlock()

	for _, item := range orphaned {
		if err := d.store.Release(item.Event.Key(), item.OwnerToken, dedup.Abandoned()); err != nil {
			d.logger.Errorw("Failed to abandon queued item at shutdown",
				"key", item.Event.Key().String(), "error", err)
		}
	}
	if len(orphaned) > 0 {
		d.logger.Infow("Released queued items at shutdown", "count", len(orphaned))
	}
	d.logger.Infow("Dispatcher stopped")
}

// SetLimits replaces the concurrency ceilings at runtime; the queue keeps
// whatever is already waiting. Raising a ceiling wakes the workers so items
// blocked on the old limit get picked up.
func (d *Dispatcher) SetLimits(maxGlobal, maxPerRepository int) {
	if maxGlobal < 1 || maxPerRepository < 1 {
		d.logger.Warnw("Ignoring invalid concurrency ceilings",
			"max_global", maxGlobal,
			"max_per_repository", maxPerRepository)
		return
	}

	d.mu.Lock()
	d.cfg.MaxGlobal = maxGlobal
	d.cfg.MaxPerRepository = maxPerRepository
	d.mu.Unlock()

	d.logger.Infow("Concurrency ceilings updated",
		"max_global", maxGlobal,
		"max_per_repository", maxPerRepository)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wake()
	}
}

// QueuedFor reports how many items for key are still waiting for a worker.
func (d *Dispatcher) QueuedFor(key event.Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.pending(key)
}

// QueueDepth reports the current number of waiting items.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.With("worker", id)

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		item := d.acquire()
		if item == nil {
			select {
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			case <-d.notify:
				continue
			}
		}

		logger.Infow("Starting run",
			"key", item.Event.Key().String(),
			"action", item.Event.Action,
			"waited", time.Since(item.EnqueuedAt))
		d.runner.Run(ctx, item.Event, item.OwnerToken)
		d.release(item)
	}
}

// acquire takes the next eligible item under both ceilings, or nil when no
// queued item may run right now.
func (d *Dispatcher) acquire() *WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.activeGlobal >= d.cfg.MaxGlobal {
		return nil
	}
	item := d.queue.take(func(repository string) bool {
		return d.activeRepo[repository] >= d.cfg.MaxPerRepository
	})
	if item == nil {
		return nil
	}
	d.activeGlobal++
	d.activeRepo[item.Event.Repository]++
	return item
}

func (d *Dispatcher) release(item *WorkItem) {
	d.mu.Lock()
	d.activeGlobal--
	d.activeRepo[item.Event.Repository]--
	if d.activeRepo[item.Event.Repository] == 0 {
		delete(d.activeRepo, item.Event.Repository)
	}
	d.mu.Unlock()

	// Finishing a run may unblock a same-repository item further back in
	// the queue.
	d.wake()
}
