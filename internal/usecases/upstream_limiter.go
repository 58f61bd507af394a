package usecases

import (
	"context"
	"fmt"
	"sync"
)

const defaultUpstreamSlots = 10

// UpstreamLimiter ограничивает число одновременных запросов к внешнему API.
// Слот выдается вместе с функцией освобождения, повторный вызов которой ничего не делает.
type UpstreamLimiter struct {
	slots chan struct{}
}

// NewUpstreamLimiter создает ограничитель на maxConcurrent слотов.
func NewUpstreamLimiter(maxConcurrent int) *UpstreamLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = defaultUpstreamSlots
	}
	return &UpstreamLimiter{slots: make(chan struct{}, maxConcurrent)}
}

// Acquire ждет свободный слот или отмену ctx.
func (l *UpstreamLimiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.slots <- struct{}{}:
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-l.slots })
	}, nil
}

// InUse возвращает число занятых слотов.
func (l *UpstreamLimiter) InUse() int {
	return len(l.slots)
}

// Capacity возвращает общее число слотов.
func (l *UpstreamLimiter) Capacity() int {
	return cap(l.slots)
}

// withSlot выполняет fn, удерживая слот ограничителя.
func withSlot[T any](ctx context.Context, l *UpstreamLimiter, fn func() (T, error)) (T, error) {
	release, err := l.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("нет свободного слота для запроса к API: %w", err)
	}
	defer release()
	return fn()
}
