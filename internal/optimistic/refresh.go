package optimistic

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/metrics"
)

// RefreshFunc reloads a whole collection in the background
type RefreshFunc func(ctx context.Context) error

type pendingRefresh struct {
	timer clock.Timer
}

// RefreshScheduler runs at most one pending background refresh per context
// name. Schedule calls made while a refresh is pending merge into it.
type RefreshScheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingRefresh
	stopped bool
}

// NewRefreshScheduler creates a scheduler driven by clk
func NewRefreshScheduler(clk clock.Clock, logger *zap.Logger) *RefreshScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RefreshScheduler{
		clock:   clk,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingRefresh),
	}
}

// Schedule arranges for fn to run once after delay. It returns false when a
// refresh for name is already pending or the scheduler is stopped.
func (s *RefreshScheduler) Schedule(name string, delay time.Duration, fn RefreshFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.pending[name]; ok {
		s.logger.Debug("refresh already pending, coalesced", zap.String("context", name))
		return false
	}

	p := &pendingRefresh{}
	p.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.pending[name] != p {
			s.mu.Unlock()
			return
		}
		delete(s.pending, name)
		s.mu.Unlock()

		if err := fn(s.ctx); err != nil {
			s.logger.Warn("background refresh failed",
				zap.String("context", name),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("background refresh completed", zap.String("context", name))
	})
	s.pending[name] = p

	metrics.IncRefreshScheduled(name)
	return true
}

// Pending reports whether a refresh is waiting to run for name
func (s *RefreshScheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[name]
	return ok
}

// Stop cancels every pending refresh and rejects new ones
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for name, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, name)
	}
	s.cancel()
}
