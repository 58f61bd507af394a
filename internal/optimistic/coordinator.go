// Package optimistic applies record changes locally before the remote API
// confirms them, debounces bursts per record and rolls back on failure.
package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/metrics"
	"github.com/5-logic/the-sync-cache/internal/patcher"
)

// DefaultDebounce is the quiet period before a mutation is sent.
const DefaultDebounce = 300 * time.Millisecond

// Deps are the caller-owned collaborators of one mutation.
// The collection callbacks must not call back into the Coordinator.
type Deps struct {
	Mutate         domain.MutateFunc
	GetCollection  func() domain.Collection
	SetCollection  func(domain.Collection)
	ReapplyFilters func()

	// Refresh is optional; when set, a confirmed mutation schedules one
	// coalesced background reload.
	Refresh RefreshFunc
}

// Config tunes a Coordinator
type Config struct {
	// Context names the cache or view the coordinator works on. It keys
	// refresh coalescing and metrics.
	Context      string
	Debounce     time.Duration
	RefreshDelay time.Duration // 0 disables background refresh
}

// Coordinator serializes optimistic mutations per record id. At most one
// operation is live per id; a newer call cancels the older one.
type Coordinator struct {
	cfg       Config
	clock     clock.Clock
	refresher *RefreshScheduler
	logger    *zap.Logger

	// stateMu serializes every read-modify-write of caller collections so a
	// supersession can never interleave with a settlement
	stateMu sync.Mutex

	mu     sync.Mutex
	ops    map[string]*Operation
	closed bool
}

// NewCoordinator creates a coordinator. refresher may be shared between
// coordinators; nil creates a private one.
func NewCoordinator(cfg Config, clk clock.Clock, refresher *RefreshScheduler, logger *zap.Logger) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if refresher == nil {
		refresher = NewRefreshScheduler(clk, logger)
	}
	return &Coordinator{
		cfg:       cfg,
		clock:     clk,
		refresher: refresher,
		logger:    logger.With(zap.String("context", cfg.Context)),
		ops:       make(map[string]*Operation),
	}
}

// Toggle applies patch to the record id and blocks until the change is
// confirmed, rolled back or superseded. It returns false only when the
// mutation failed and the record was restored.
func (c *Coordinator) Toggle(ctx context.Context, id string, patch domain.Patch, deps Deps) bool {
	return c.Submit(ctx, id, patch, deps).Wait()
}

// Submit applies patch optimistically and returns before the network call.
// When Submit returns, deps.GetCollection already reflects the patch.
func (c *Coordinator) Submit(ctx context.Context, id string, patch domain.Patch, deps Deps) *Operation {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	collection := deps.GetCollection()
	if c.isClosed() || patcher.Find(collection, id) < 0 {
		metrics.IncMutation(c.cfg.Context, metrics.OutcomeNoop)
		c.logger.Debug("record not in collection, nothing to toggle", zap.String("id", id))
		return settledOperation(id, patch, c.clock.Now(), true)
	}

	op := newOperation(id, patch, c.clock.Now())

	c.mu.Lock()
	if prev, ok := c.ops[id]; ok {
		// the predecessor never settled, so its pre-image is still the last confirmed record
		op.previous = prev.previous
		c.supersedeLocked(prev)
	}
	c.ops[id] = op
	metrics.IncInFlight()
	c.mu.Unlock()

	updated, previous := patcher.ApplyPatch(collection, id, patch)
	if op.previous == nil {
		op.previous = previous
	}
	deps.SetCollection(updated)
	if deps.ReapplyFilters != nil {
		deps.ReapplyFilters()
	}

	// only supersession cancels a mutation; the caller may stop waiting
	// without rolling it back, so the request context keeps its values only
	mutateCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	// Close may have run between the two critical sections
	if op.token.Err() == nil {
		op.timer = c.clock.AfterFunc(c.cfg.Debounce, func() {
			c.dispatch(mutateCtx, op, deps)
		})
	}
	c.mu.Unlock()

	c.logger.Debug("optimistic patch applied",
		zap.String("op", op.ID),
		zap.String("id", id),
		zap.Any("patch", patch),
	)
	return op
}

// WithIdle runs fn while no operation is live, serialized with Submit and
// settlement, and reports whether it ran. fn must not call back into the
// Coordinator.
func (c *Coordinator) WithIdle(fn func()) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	idle := len(c.ops) == 0
	c.mu.Unlock()
	if !idle {
		return false
	}

	fn()
	return true
}

// Loading reports whether an operation is live for id
func (c *Coordinator) Loading(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ops[id]
	return ok
}

// InFlight returns the number of live operations
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Close cancels every live operation. Their optimistic changes stay in place
// and their results are discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, op := range c.ops {
		c.supersedeLocked(op)
	}
	c.mu.Unlock()

	c.logger.Info("coordinator closed")
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// supersedeLocked aborts op; whatever its network call returns is ignored
func (c *Coordinator) supersedeLocked(op *Operation) {
	op.cancel()
	if op.timer != nil {
		op.timer.Stop()
	}
	c.removeLocked(op)

	metrics.IncMutation(c.cfg.Context, metrics.OutcomeSuperseded)
	c.logger.Debug("operation superseded",
		zap.String("op", op.ID),
		zap.String("id", op.EntityID),
	)
	op.finish(true)
}

func (c *Coordinator) removeLocked(op *Operation) {
	if current, ok := c.ops[op.EntityID]; ok && current == op {
		delete(c.ops, op.EntityID)
		metrics.DecInFlight()
	}
}

// dispatch runs when the debounce window closes
func (c *Coordinator) dispatch(ctx context.Context, op *Operation, deps Deps) {
	if op.token.Err() != nil {
		return
	}
	go c.execute(ctx, op, deps)
}

func (c *Coordinator) execute(ctx context.Context, op *Operation, deps Deps) {
	c.logger.Debug("sending mutation",
		zap.String("op", op.ID),
		zap.String("id", op.EntityID),
	)
	envelope, err := deps.Mutate(ctx, op.EntityID, op.Patch)
	c.settle(op, deps, envelope, err)
}

// settle commits or rolls back op unless it was superseded in the meantime
func (c *Coordinator) settle(op *Operation, deps Deps, envelope domain.Envelope, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	if op.token.Err() != nil {
		c.mu.Unlock()
		c.logger.Debug("discarding result of superseded operation",
			zap.String("op", op.ID),
			zap.String("id", op.EntityID),
		)
		return
	}
	c.removeLocked(op)
	c.mu.Unlock()

	// release the token; the operation is over
	op.cancel()
	metrics.ObserveMutationDuration(c.cfg.Context, c.clock.Now().Sub(op.StartedAt))

	if err != nil || !envelope.Success {
		reverted := patcher.RevertPatch(deps.GetCollection(), op.EntityID, op.previous)
		deps.SetCollection(reverted)
		if deps.ReapplyFilters != nil {
			deps.ReapplyFilters()
		}

		metrics.IncMutation(c.cfg.Context, metrics.OutcomeRolledBack)
		c.logger.Warn("mutation rejected, optimistic change rolled back",
			zap.String("op", op.ID),
			zap.String("id", op.EntityID),
			zap.String("remote_error", envelope.Error),
			zap.Error(err),
		)
		op.finish(false)
		return
	}

	metrics.IncMutation(c.cfg.Context, metrics.OutcomeConfirmed)
	c.logger.Debug("mutation confirmed",
		zap.String("op", op.ID),
		zap.String("id", op.EntityID),
	)

	if deps.Refresh != nil && c.cfg.RefreshDelay > 0 {
		c.refresher.Schedule(c.cfg.Context, c.cfg.RefreshDelay, deps.Refresh)
	}
	op.finish(true)
}

// Operation is one optimistic mutation of one record
type Operation struct {
	ID        string
	EntityID  string
	Patch     domain.Patch
	StartedAt time.Time

	// token is cancelled when the operation is superseded or concludes
	token  context.Context
	cancel context.CancelFunc

	previous domain.Record
	timer    clock.Timer

	once   sync.Once
	done   chan struct{}
	result bool
}

func newOperation(id string, patch domain.Patch, now time.Time) *Operation {
	token, cancel := context.WithCancel(context.Background())
	return &Operation{
		ID:        uuid.NewString(),
		EntityID:  id,
		Patch:     patch,
		StartedAt: now,
		token:     token,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func settledOperation(id string, patch domain.Patch, now time.Time, result bool) *Operation {
	op := newOperation(id, patch, now)
	op.cancel()
	op.finish(result)
	return op
}

func (op *Operation) finish(result bool) {
	op.once.Do(func() {
		op.result = result
		close(op.done)
	})
}

// Done is closed once the operation has an outcome
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the operation has an outcome and returns it
func (op *Operation) Wait() bool {
	<-op.done
	return op.result
}
