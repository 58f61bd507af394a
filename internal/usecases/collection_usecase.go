package usecases

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/cache"
	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/optimistic"
)

// Ключ, под которым весь список ресурса лежит в его именованном кэше.
const listKey = "list"

// Options - настройки CollectionUsecase.
type Options struct {
	Debounce         time.Duration
	RefreshDelay     time.Duration // 0 - фоновое обновление после подтверждения выключено
	MaxConcurrentOps int
}

// Filter - активный фильтр представления: field == value.
// Пустое поле Field означает «без фильтра».
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Match проверяет запись. Значения сравниваются в строковом виде,
// потому что после JSON числа приходят как float64.
func (f Filter) Match(record domain.Record) bool {
	if f.Field == "" {
		return true
	}
	value, ok := record[f.Field]
	if !ok {
		return false
	}
	return fmt.Sprint(value) == fmt.Sprint(f.Value)
}

// CollectionUsecase держит локальное состояние коллекций (базовый список,
// фильтр и отфильтрованное представление) и связывает его с кэшем,
// внешним API и оптимистичным координатором.
// Главные задачи:
// 1. Cache-Aside загрузка списков через Registry.
// 2. Оптимистичные изменения записей с откатом при ошибке.
// 3. Контроль нагрузки на внешний API (семафор).
type CollectionUsecase struct {
	source    domain.CollectionSource
	registry  *cache.Registry
	clock     clock.Clock
	refresher *optimistic.RefreshScheduler
	logger    *zap.Logger
	opts      Options

	limiter *UpstreamLimiter

	mu        sync.Mutex
	resources map[string]*resourceState
	closed    bool
}

// resourceState - состояние одного ресурса на стороне клиента.
type resourceState struct {
	name        string
	coordinator *optimistic.Coordinator

	mu     sync.RWMutex
	loaded bool
	base   domain.Collection
	filter Filter
	view   domain.Collection
}

// NewCollectionUsecase создает usecase. Кэши ресурсов должны быть заранее
// созданы в registry через InitCache; для ресурса без кэша каждый List
// идет во внешний API.
func NewCollectionUsecase(
	source domain.CollectionSource,
	registry *cache.Registry,
	clk clock.Clock,
	logger *zap.Logger,
	opts Options,
) *CollectionUsecase {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionUsecase{
		source:    source,
		registry:  registry,
		clock:     clk,
		refresher: optimistic.NewRefreshScheduler(clk, logger),
		logger:    logger,
		opts:      opts,
		limiter:   NewUpstreamLimiter(opts.MaxConcurrentOps),
		resources: make(map[string]*resourceState),
	}
}

// state возвращает (и при необходимости создает) состояние ресурса.
func (u *CollectionUsecase) state(resource string) (*resourceState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, fmt.Errorf("usecase остановлен")
	}
	if st, ok := u.resources[resource]; ok {
		return st, nil
	}

	st := &resourceState{
		name: resource,
		coordinator: optimistic.NewCoordinator(optimistic.Config{
			Context:      resource,
			Debounce:     u.opts.Debounce,
			RefreshDelay: u.opts.RefreshDelay,
		}, u.clock, u.refresher, u.logger),
	}
	u.resources[resource] = st
	return st, nil
}

// List возвращает отфильтрованное представление ресурса.
// Реализует паттерн Cache-Aside:
// 1. Свежий список в кэше -> берем его.
// 2. Иначе идем во внешний API и кладем результат в кэш.
// force пропускает чтение кэша.
// Пока по ресурсу есть незавершенные мутации, локальное (оптимистичное)
// состояние не перезаписывается.
func (u *CollectionUsecase) List(ctx context.Context, resource string, force bool) (domain.Collection, error) {
	st, err := u.state(resource)
	if err != nil {
		return nil, err
	}

	value, err := u.registry.Fetch(ctx, resource, listKey, force, func(ctx context.Context) (any, error) {
		// Ограничение нагрузки перед походом во внешний API
		return withSlot(ctx, u.limiter, func() (domain.Collection, error) {
			return u.source.List(ctx, resource)
		})
	})
	if err != nil {
		u.logger.Error("не удалось загрузить коллекцию",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return nil, err
	}

	collection, ok := toCollection(value)
	if !ok {
		// Мусор в кэше (например, после ручной правки снимка) - сбрасываем и грузим заново
		u.logger.Warn("в кэше значение неожиданного типа, перечитываем",
			zap.String("resource", resource),
			zap.String("type", fmt.Sprintf("%T", value)),
		)
		u.registry.Invalidate(resource, listKey)
		if force {
			return nil, fmt.Errorf("внешний API вернул некорректную коллекцию для %q", resource)
		}
		return u.List(ctx, resource, true)
	}

	// Проверка и замена идут под блокировкой координатора, иначе Submit
	// может успеть применить патч между ними и патч будет затерт.
	if !st.coordinator.WithIdle(func() { st.replace(collection) }) {
		u.logger.Debug("есть незавершенные мутации, локальное состояние сохранено",
			zap.String("resource", resource),
		)
	}
	return st.filtered(), nil
}

// Filtered возвращает текущее представление без похода в кэш или API.
func (u *CollectionUsecase) Filtered(resource string) (domain.Collection, error) {
	st, err := u.state(resource)
	if err != nil {
		return nil, err
	}
	return st.filtered(), nil
}

// SetFilter меняет фильтр и пересчитывает представление.
func (u *CollectionUsecase) SetFilter(ctx context.Context, resource string, filter Filter) (domain.Collection, error) {
	st, err := u.ensureLoaded(ctx, resource)
	if err != nil {
		return nil, err
	}
	st.setFilter(filter)
	return st.filtered(), nil
}

// Submit применяет patch к записи id оптимистично и возвращает операцию,
// не дожидаясь ответа внешнего API.
func (u *CollectionUsecase) Submit(ctx context.Context, resource, id string, patch domain.Patch) (*optimistic.Operation, error) {
	st, err := u.ensureLoaded(ctx, resource)
	if err != nil {
		return nil, err
	}
	return st.coordinator.Submit(ctx, id, patch, u.deps(st)), nil
}

// Toggle применяет patch и ждет итога. false - изменение отклонено и откачено.
func (u *CollectionUsecase) Toggle(ctx context.Context, resource, id string, patch domain.Patch) (bool, error) {
	op, err := u.Submit(ctx, resource, id, patch)
	if err != nil {
		return false, err
	}

	select {
	case <-op.Done():
		return op.Wait(), nil
	case <-ctx.Done():
		// Операция продолжит жить и дойдет до API, клиент просто перестал ждать
		return false, ctx.Err()
	}
}

// Loading сообщает, идет ли мутация записи id.
func (u *CollectionUsecase) Loading(resource, id string) bool {
	u.mu.Lock()
	st, ok := u.resources[resource]
	u.mu.Unlock()
	if !ok {
		return false
	}
	return st.coordinator.Loading(id)
}

// Refresh сбрасывает кэш ресурса и перечитывает его из внешнего API.
func (u *CollectionUsecase) Refresh(ctx context.Context, resource string) (domain.Collection, error) {
	u.registry.InvalidateEntity(resource)
	return u.List(ctx, resource, true)
}

// Invalidate сбрасывает кэш ресурса; локальное представление остается.
func (u *CollectionUsecase) Invalidate(resource string) {
	u.registry.InvalidateEntity(resource)
}

// Shutdown останавливает координаторы и отменяет отложенные обновления.
func (u *CollectionUsecase) Shutdown() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	states := make([]*resourceState, 0, len(u.resources))
	for _, st := range u.resources {
		states = append(states, st)
	}
	u.mu.Unlock()

	for _, st := range states {
		st.coordinator.Close()
	}
	u.refresher.Stop()

	u.logger.Info("collection usecase остановлен", zap.Int("ресурсов", len(states)))
}

// ensureLoaded гарантирует, что базовый список ресурса загружен.
func (u *CollectionUsecase) ensureLoaded(ctx context.Context, resource string) (*resourceState, error) {
	st, err := u.state(resource)
	if err != nil {
		return nil, err
	}
	if st.isLoaded() {
		return st, nil
	}
	if _, err := u.List(ctx, resource, false); err != nil {
		return nil, err
	}
	return st, nil
}

// deps собирает коллбэки координатора поверх состояния ресурса.
func (u *CollectionUsecase) deps(st *resourceState) optimistic.Deps {
	resource := st.name
	return optimistic.Deps{
		Mutate: func(ctx context.Context, id string, patch domain.Patch) (domain.Envelope, error) {
			return withSlot(ctx, u.limiter, func() (domain.Envelope, error) {
				return u.source.Mutate(ctx, resource, id, patch)
			})
		},
		GetCollection: st.collection,
		SetCollection: func(collection domain.Collection) {
			st.setCollection(collection)
			// Кэш должен видеть то же, что и клиент, но без продления TTL:
			// список все равно перечитается из API, когда истечет срок исходной загрузки.
			u.registry.Replace(resource, listKey, collection)
		},
		ReapplyFilters: st.reapplyFilter,
		Refresh: func(ctx context.Context) error {
			_, err := u.Refresh(ctx, resource)
			return err
		},
	}
}

func (s *resourceState) isLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *resourceState) collection() domain.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

func (s *resourceState) setCollection(collection domain.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = collection
	s.loaded = true
}

// replace ставит новый базовый список и сразу пересчитывает представление.
func (s *resourceState) replace(collection domain.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = collection
	s.loaded = true
	s.view = applyFilter(s.base, s.filter)
}

func (s *resourceState) setFilter(filter Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	s.view = applyFilter(s.base, s.filter)
}

func (s *resourceState) reapplyFilter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = applyFilter(s.base, s.filter)
}

func (s *resourceState) filtered() domain.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(domain.Collection, len(s.view))
	copy(out, s.view)
	return out
}

func applyFilter(collection domain.Collection, filter Filter) domain.Collection {
	view := make(domain.Collection, 0, len(collection))
	for _, record := range collection {
		if filter.Match(record) {
			view = append(view, record)
		}
	}
	return view
}

// toCollection приводит значение из кэша к коллекции. После восстановления
// из снимка списки приходят как []any с map[string]any внутри.
func toCollection(value any) (domain.Collection, bool) {
	switch v := value.(type) {
	case domain.Collection:
		return v, true
	case []domain.Record:
		return domain.Collection(v), true
	case nil:
		return domain.Collection{}, true
	case []any:
		out := make(domain.Collection, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, domain.Record(m))
		}
		return out, true
	default:
		return nil, false
	}
}
