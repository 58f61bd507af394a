package optimistic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/5-logic/the-sync-cache/internal/clock"
)

func TestRefreshSchedulerCoalesces(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := NewRefreshScheduler(clk, zaptest.NewLogger(t))

	runs := 0
	fn := func(ctx context.Context) error {
		runs++
		return nil
	}

	assert.True(t, s.Schedule("groups", time.Second, fn))
	assert.False(t, s.Schedule("groups", time.Second, fn))
	assert.False(t, s.Schedule("groups", 5*time.Second, fn))
	assert.Equal(t, 1, clk.Pending(), "no second timer for a coalesced request")

	clk.Advance(time.Second)
	assert.Equal(t, 1, runs)
	assert.False(t, s.Pending("groups"))

	// a new request after the refresh ran schedules again
	assert.True(t, s.Schedule("groups", time.Second, fn))
	clk.Advance(time.Second)
	assert.Equal(t, 2, runs)
}

func TestRefreshSchedulerContextsAreIndependent(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := NewRefreshScheduler(clk, zaptest.NewLogger(t))

	var ran []string
	assert.True(t, s.Schedule("groups", time.Second, func(ctx context.Context) error {
		ran = append(ran, "groups")
		return nil
	}))
	assert.True(t, s.Schedule("students", 2*time.Second, func(ctx context.Context) error {
		ran = append(ran, "students")
		return errors.New("upstream unavailable")
	}))

	clk.Advance(3 * time.Second)
	assert.Equal(t, []string{"groups", "students"}, ran)
}

func TestRefreshSchedulerStop(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := NewRefreshScheduler(clk, zaptest.NewLogger(t))

	runs := 0
	s.Schedule("groups", time.Second, func(ctx context.Context) error {
		runs++
		return nil
	})

	s.Stop()
	s.Stop()
	clk.Advance(2 * time.Second)

	assert.Zero(t, runs)
	assert.False(t, s.Schedule("groups", time.Second, func(ctx context.Context) error { return nil }))
}
