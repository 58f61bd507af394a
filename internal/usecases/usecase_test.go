package usecases

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/5-logic/the-sync-cache/internal/cache"
	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/domain"
)

// MockSource is a mock implementation of CollectionSource
type MockSource struct {
	mock.Mock
}

var _ domain.CollectionSource = (*MockSource)(nil)

func (m *MockSource) List(ctx context.Context, resource string) (domain.Collection, error) {
	args := m.Called(ctx, resource)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Collection), args.Error(1)
}

func (m *MockSource) Mutate(ctx context.Context, resource, id string, patch domain.Patch) (domain.Envelope, error) {
	args := m.Called(ctx, resource, id, patch)
	return args.Get(0).(domain.Envelope), args.Error(1)
}

const debounce = 300 * time.Millisecond

type fixture struct {
	source   *MockSource
	registry *cache.Registry
	clock    *clock.Manual
	usecase  *CollectionUsecase
}

func newFixture(t *testing.T, opts Options) *fixture {
	logger := zaptest.NewLogger(t)
	clk := clock.NewManual(time.Unix(1700000000, 0))
	registry := cache.NewRegistry(nil, clk, logger)
	registry.InitCache("groups", cache.Config{TTL: time.Minute, MaxSize: 10})

	if opts.Debounce == 0 {
		opts.Debounce = debounce
	}
	source := new(MockSource)
	uc := NewCollectionUsecase(source, registry, clk, logger, opts)
	t.Cleanup(uc.Shutdown)

	return &fixture{source: source, registry: registry, clock: clk, usecase: uc}
}

func groups() domain.Collection {
	return domain.Collection{
		{"id": "1", "name": "A", "active": false},
		{"id": "2", "name": "B", "active": true},
	}
}

func TestCollectionUsecase_ListUsesCache(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()

	first, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)
	second, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
	f.source.AssertNumberOfCalls(t, "List", 1)

	// после истечения TTL список перечитывается
	f.source.On("List", mock.Anything, "groups").Return(groups()[:1], nil).Once()
	f.clock.Advance(time.Minute)
	third, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)
	assert.Len(t, third, 1)
	f.source.AssertExpectations(t)
}

func TestCollectionUsecase_ListForceBypassesCache(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Twice()

	_, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)
	_, err = f.usecase.List(context.Background(), "groups", true)
	require.NoError(t, err)

	f.source.AssertNumberOfCalls(t, "List", 2)
}

func TestCollectionUsecase_ListErrorIsNotCached(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(nil, errors.New("upstream down")).Once()
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()

	_, err := f.usecase.List(context.Background(), "groups", false)
	assert.Error(t, err)

	list, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCollectionUsecase_ResourceWithoutCache(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "students").Return(groups(), nil).Twice()

	_, err := f.usecase.List(context.Background(), "students", false)
	require.NoError(t, err)
	_, err = f.usecase.List(context.Background(), "students", false)
	require.NoError(t, err)

	f.source.AssertNumberOfCalls(t, "List", 2)
}

func TestCollectionUsecase_SetFilter(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()

	view, err := f.usecase.SetFilter(context.Background(), "groups", Filter{Field: "active", Value: "true"})
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, "2", view[0].ID())

	view, err = f.usecase.SetFilter(context.Background(), "groups", Filter{})
	require.NoError(t, err)
	assert.Len(t, view, 2)
}

func TestCollectionUsecase_ToggleConfirmed(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()
	f.source.On("Mutate", mock.Anything, "groups", "1", domain.Patch{"active": true}).
		Return(domain.Envelope{Success: true}, nil).Once()

	_, err := f.usecase.SetFilter(context.Background(), "groups", Filter{Field: "active", Value: true})
	require.NoError(t, err)

	op, err := f.usecase.Submit(context.Background(), "groups", "1", domain.Patch{"active": true})
	require.NoError(t, err)

	// the change and the filter are visible before the remote call
	view, err := f.usecase.Filtered("groups")
	require.NoError(t, err)
	assert.Len(t, view, 2)
	assert.True(t, f.usecase.Loading("groups", "1"))

	f.clock.Advance(debounce)
	assert.True(t, op.Wait())
	assert.False(t, f.usecase.Loading("groups", "1"))

	cached, ok := f.registry.Get("groups", listKey)
	require.True(t, ok)
	collection, ok := toCollection(cached)
	require.True(t, ok)
	assert.Equal(t, true, collection[0]["active"])
	f.source.AssertExpectations(t)
}

func TestCollectionUsecase_ToggleRejectedRollsBack(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()
	f.source.On("Mutate", mock.Anything, "groups", "1", domain.Patch{"active": true}).
		Return(domain.Envelope{Success: false, Error: "forbidden"}, nil).Once()

	op, err := f.usecase.Submit(context.Background(), "groups", "1", domain.Patch{"active": true})
	require.NoError(t, err)

	f.clock.Advance(debounce)
	assert.False(t, op.Wait())

	view, err := f.usecase.Filtered("groups")
	require.NoError(t, err)
	assert.Equal(t, false, view[0]["active"])

	cached, ok := f.registry.Get("groups", listKey)
	require.True(t, ok)
	assert.Equal(t, false, cached.(domain.Collection)[0]["active"])
}

func TestCollectionUsecase_ToggleUnknownRecordIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()

	ok, err := f.usecase.Toggle(context.Background(), "groups", "404", domain.Patch{"active": true})
	require.NoError(t, err)
	assert.True(t, ok)
	f.source.AssertNotCalled(t, "Mutate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCollectionUsecase_ToggleLoadError(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(nil, errors.New("upstream down")).Once()

	ok, err := f.usecase.Toggle(context.Background(), "groups", "1", domain.Patch{"active": true})
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCollectionUsecase_ToggleStopsWaitingOnCancel(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.usecase.List(ctx, "groups", false)
	require.NoError(t, err)
	cancel()

	// the debounce never elapses, so only the cancelled context can end the wait
	ok, err := f.usecase.Toggle(ctx, "groups", "1", domain.Patch{"active": true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestCollectionUsecase_RefreshAfterConfirmation(t *testing.T) {
	f := newFixture(t, Options{RefreshDelay: time.Second})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()
	f.source.On("Mutate", mock.Anything, "groups", "1", domain.Patch{"active": true}).
		Return(domain.Envelope{Success: true}, nil).Once()

	fresh := domain.Collection{
		{"id": "1", "name": "A", "active": true},
		{"id": "2", "name": "B", "active": true},
		{"id": "3", "name": "C", "active": false},
	}
	f.source.On("List", mock.Anything, "groups").Return(fresh, nil).Once()

	op, err := f.usecase.Submit(context.Background(), "groups", "1", domain.Patch{"active": true})
	require.NoError(t, err)
	f.clock.Advance(debounce)
	require.True(t, op.Wait())

	f.clock.Advance(time.Second)

	view, err := f.usecase.Filtered("groups")
	require.NoError(t, err)
	assert.Len(t, view, 3)
	f.source.AssertExpectations(t)
}

func TestCollectionUsecase_InvalidateKeepsView(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()

	_, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)

	f.usecase.Invalidate("groups")

	_, ok := f.registry.Get("groups", listKey)
	assert.False(t, ok)
	view, err := f.usecase.Filtered("groups")
	require.NoError(t, err)
	assert.Len(t, view, 2)
}

func TestCollectionUsecase_Shutdown(t *testing.T) {
	f := newFixture(t, Options{})
	f.usecase.Shutdown()
	f.usecase.Shutdown()

	_, err := f.usecase.List(context.Background(), "groups", false)
	assert.Error(t, err)
}

func TestToCollection(t *testing.T) {
	hydrated := []any{
		map[string]any{"id": "1", "active": true},
		map[string]any{"id": float64(2)},
	}
	collection, ok := toCollection(hydrated)
	require.True(t, ok)
	assert.Equal(t, "2", collection[1].ID())

	_, ok = toCollection([]any{"not a record"})
	assert.False(t, ok)
	_, ok = toCollection(42)
	assert.False(t, ok)

	collection, ok = toCollection(nil)
	assert.True(t, ok)
	assert.Empty(t, collection)
}

func TestFilterMatch(t *testing.T) {
	record := domain.Record{"id": "1", "year": float64(2024), "active": true}

	assert.True(t, Filter{}.Match(record))
	assert.True(t, Filter{Field: "year", Value: 2024}.Match(record))
	assert.True(t, Filter{Field: "active", Value: "true"}.Match(record))
	assert.False(t, Filter{Field: "year", Value: 2023}.Match(record))
	assert.False(t, Filter{Field: "missing", Value: ""}.Match(record))
}

func TestUpstreamLimiter(t *testing.T) {
	l := NewUpstreamLimiter(1)
	assert.Equal(t, 1, l.Capacity())

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, l.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = withSlot(ctx, l, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a second release must not free a slot held by someone else
	release()
	other, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, l.InUse())
	other()
	assert.Equal(t, 0, l.InUse())

	value, err := withSlot(context.Background(), l, func() (int, error) {
		assert.Equal(t, 1, l.InUse())
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, 10, NewUpstreamLimiter(0).Capacity())
}

func TestCollectionUsecase_ToggleSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Once()
	f.source.On("Mutate", mock.Anything, "groups", "1", domain.Patch{"active": true}).
		Return(domain.Envelope{Success: true}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	op, err := f.usecase.Submit(ctx, "groups", "1", domain.Patch{"active": true})
	require.NoError(t, err)
	// the client went away before the debounce elapsed
	cancel()

	f.clock.Advance(debounce)
	assert.True(t, op.Wait())

	view, err := f.usecase.Filtered("groups")
	require.NoError(t, err)
	assert.Equal(t, true, view[0]["active"])
	f.source.AssertExpectations(t)
}

func TestCollectionUsecase_TogglesDoNotExtendCacheTTL(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Twice()
	f.source.On("Mutate", mock.Anything, "groups", "1", mock.Anything).
		Return(domain.Envelope{Success: true}, nil)

	_, err := f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)

	// a confirmed toggle every 50s with a 60s TTL
	for i, active := range []bool{true, false, true} {
		f.clock.Advance(50*time.Second - debounce)
		op, err := f.usecase.Submit(context.Background(), "groups", "1", domain.Patch{"active": active})
		require.NoError(t, err)
		f.clock.Advance(debounce)
		require.True(t, op.Wait(), "toggle %d", i)
	}

	_, err = f.usecase.List(context.Background(), "groups", false)
	require.NoError(t, err)
	f.source.AssertNumberOfCalls(t, "List", 2)
}

func TestCollectionUsecase_ListKeepsOptimisticViewWhileMutating(t *testing.T) {
	f := newFixture(t, Options{})
	f.source.On("List", mock.Anything, "groups").Return(groups(), nil).Twice()
	f.source.On("Mutate", mock.Anything, "groups", "1", domain.Patch{"active": true}).
		Return(domain.Envelope{Success: true}, nil).Once()

	op, err := f.usecase.Submit(context.Background(), "groups", "1", domain.Patch{"active": true})
	require.NoError(t, err)

	// upstream still has the old value
	view, err := f.usecase.List(context.Background(), "groups", true)
	require.NoError(t, err)
	assert.Equal(t, true, view[0]["active"])

	f.clock.Advance(debounce)
	require.True(t, op.Wait())

	view, err = f.usecase.Filtered("groups")
	require.NoError(t, err)
	assert.Equal(t, true, view[0]["active"])
}
