package repositories

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restream/reindexer/v4"
	// Используем cproto (RPC) протокол - он быстрее и эффективнее стандартного HTTP.
	_ "github.com/restream/reindexer/v4/bindings/cproto"
	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/domain"
)

const (
	// Неймспейс для снимков кэшей.
	snapshotsNamespace = "cache_snapshots"

	defaultMaxRetries   = 3
	defaultRetryDelay   = 1 * time.Second
	defaultQueryTimeout = 5 * time.Second
)

// SnapshotItem - одна запись key/value в Reindexer.
type SnapshotItem struct {
	Key       string `json:"key" reindex:"key,,pk"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at" reindex:"updated_at"`
}

// HealthStatus хранит текущее состояние подключения к базе.
type HealthStatus struct {
	IsHealthy bool
	LastCheck time.Time
	LastError error
}

// ReindexerStore - DurableStore поверх Reindexer.
// Хранит снимки именованных кэшей, чтобы они переживали перезапуск сервиса.
type ReindexerStore struct {
	dsn    string
	logger *zap.Logger

	mu sync.RWMutex
	db *reindexer.Reindexer

	// Атомарное хранилище статуса здоровья (читается без блокировок).
	healthStatus atomic.Value // хранит *HealthStatus

	namespaceOnce sync.Once
	namespaceErr  error
}

// NewReindexerStore подключается к Reindexer и открывает неймспейс снимков.
func NewReindexerStore(ctx context.Context, dsn string, logger *zap.Logger) (*ReindexerStore, error) {
	s := &ReindexerStore{
		dsn:    dsn,
		logger: logger,
	}
	s.updateHealthStatus(false, nil)

	if err := s.connectWithRetry(ctx, defaultMaxRetries); err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе: %w", err)
	}
	if err := s.ensureNamespace(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// connectWithRetry пробует подключиться несколько раз: база может стартовать медленнее нас.
func (s *ReindexerStore) connectWithRetry(ctx context.Context, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			delay := defaultRetryDelay * time.Duration(attempt)
			s.logger.Info("повторная попытка подключения",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", delay),
			)
			time.Sleep(delay)
		}

		// WithCreateDBIfMissing() автоматически создаст базу, если её нет.
		db := reindexer.NewReindex(s.dsn, reindexer.WithCreateDBIfMissing())
		if db == nil {
			lastErr = fmt.Errorf("объект соединения nil")
			continue
		}

		s.mu.Lock()
		s.db = db
		s.mu.Unlock()

		s.updateHealthStatus(true, nil)
		s.logger.Info("успешно подключились к Reindexer", zap.String("dsn", s.dsn))
		return nil
	}

	s.updateHealthStatus(false, lastErr)
	return fmt.Errorf("не удалось подключиться после %d попыток: %w", maxRetries, lastErr)
}

// ensureNamespace открывает (и создает при отсутствии) неймспейс снимков ровно один раз.
func (s *ReindexerStore) ensureNamespace() error {
	s.namespaceOnce.Do(func() {
		db := s.conn()
		if db == nil {
			s.namespaceErr = fmt.Errorf("соединение с базой не установлено")
			return
		}
		if err := db.OpenNamespace(snapshotsNamespace, reindexer.DefaultNamespaceOptions(), SnapshotItem{}); err != nil {
			s.namespaceErr = fmt.Errorf("ошибка открытия неймспейса: %w", err)
			return
		}
		s.logger.Info("неймспейс снимков готов", zap.String("namespace", snapshotsNamespace))
	})
	return s.namespaceErr
}

func (s *ReindexerStore) conn() *reindexer.Reindexer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Get читает снимок по ключу.
func (s *ReindexerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := s.conn()
	if db == nil {
		return nil, fmt.Errorf("нет доступного соединения с БД")
	}

	// SELECT * FROM cache_snapshots WHERE key = :key
	iter := db.Query(snapshotsNamespace).Where("key", reindexer.EQ, key).Exec()
	defer iter.Close()

	if err := iter.Error(); err != nil {
		s.updateHealthStatus(false, err)
		return nil, fmt.Errorf("ошибка запроса: %w", err)
	}

	for iter.Next() {
		if item, ok := iter.Object().(*SnapshotItem); ok {
			return []byte(item.Value), nil
		}
		return nil, fmt.Errorf("внутренняя ошибка десериализации")
	}
	return nil, domain.ErrNotFound
}

// Set сохраняет снимок (Upsert = Update or Insert).
func (s *ReindexerStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db := s.conn()
	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	item := &SnapshotItem{
		Key:       key,
		Value:     string(value),
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := db.Upsert(snapshotsNamespace, item); err != nil {
		s.updateHealthStatus(false, err)
		return fmt.Errorf("ошибка при сохранении: %w", err)
	}
	return nil
}

// Remove удаляет снимок; отсутствие ключа ошибкой не считается.
func (s *ReindexerStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db := s.conn()
	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	if _, err := db.Query(snapshotsNamespace).Where("key", reindexer.EQ, key).Delete(); err != nil {
		s.updateHealthStatus(false, err)
		return fmt.Errorf("ошибка при удалении: %w", err)
	}
	return nil
}

// CheckConnection делает легкий запрос, чтобы убедиться, что база отвечает.
func (s *ReindexerStore) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	db := s.conn()
	if db == nil {
		return fmt.Errorf("соединение не установлено")
	}

	iter := db.Query(snapshotsNamespace).Limit(1).Exec()
	err := iter.Error()
	iter.Close()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.updateHealthStatus(false, err)
		return fmt.Errorf("проверка связи не прошла: %w", err)
	}

	s.updateHealthStatus(true, nil)
	return nil
}

// Health возвращает последний известный статус.
func (s *ReindexerStore) Health() *HealthStatus {
	status, ok := s.healthStatus.Load().(*HealthStatus)
	if !ok {
		return &HealthStatus{}
	}
	return status
}

func (s *ReindexerStore) updateHealthStatus(isHealthy bool, err error) {
	s.healthStatus.Store(&HealthStatus{
		IsHealthy: isHealthy,
		LastCheck: time.Now(),
		LastError: err,
	})
}

// Close закрывает соединение с базой данных.
func (s *ReindexerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.updateHealthStatus(false, fmt.Errorf("соединение закрыто"))
	return nil
}

// Проверка интерфейсов (compile-time check).
var (
	_ domain.DurableStore  = (*ReindexerStore)(nil)
	_ domain.HealthChecker = (*ReindexerStore)(nil)
)
