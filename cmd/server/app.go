package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/cache"
	"github.com/5-logic/the-sync-cache/internal/clock"
	"github.com/5-logic/the-sync-cache/internal/config"
	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/handlers"
	"github.com/5-logic/the-sync-cache/internal/metrics"
	"github.com/5-logic/the-sync-cache/internal/middleware"
	"github.com/5-logic/the-sync-cache/internal/remote"
	"github.com/5-logic/the-sync-cache/internal/usecases"
	"github.com/5-logic/the-sync-cache/pkg/logger"
)

const (
	// Время на аккуратное завершение работы сервера (доделать текущие запросы).
	shutdownTimeout = 30 * time.Second

	// Сколько ждем хранилище снимков при старте.
	storeOpenTimeout = 30 * time.Second

	healthCheckInterval = 30 * time.Second
)

// App держит вместе все зависимости, чтобы их не приходилось передавать глобально.
type App struct {
	configPath string

	config   *config.Config
	logger   *zap.Logger
	store    domain.DurableStore
	registry *cache.Registry
	usecase  *usecases.CollectionUsecase
	server   *http.Server
	router   http.Handler

	// Защищает от случайного повторного вызова Initialize().
	initOnce sync.Once
	initErr  error

	// Управление фоновыми задачами (воркерами).
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error

	// Гарантия, что Shutdown выполнится только один раз.
	shutdownOnce sync.Once
}

// NewApp создает заготовку приложения. Настройка произойдет в Initialize().
func NewApp(configPath string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		configPath: configPath,
		ctx:        ctx,
		cancel:     cancel,
		errs:       make(chan error, 1),
		logger:     zap.NewNop(),
	}
}

// Initialize настраивает все компоненты по принципу "все или ничего".
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

// doInitialize - "сборочный цех" приложения.
// Порядок важен: конфиг, логгер, хранилище, кэши, бизнес-логика, API.
func (a *App) doInitialize() error {
	// 1. Загружаем настройки. Если файла нет - работаем на defaults + ENV.
	fileErr := config.Load(a.configPath)
	if fileErr != nil {
		if err := config.Load(""); err != nil {
			return fmt.Errorf("критическая ошибка конфигурации: %w", err)
		}
	}
	a.config = config.Get()

	// 2. Логгер
	if err := logger.Init(a.config.Log.Level, a.config.Log.Development); err != nil {
		return fmt.Errorf("не удалось инициализировать логгер: %w", err)
	}
	a.logger = logger.Get()
	if fileErr != nil {
		a.logger.Warn("не удалось загрузить конфиг-файл, используем значения по умолчанию и ENV",
			zap.String("path", a.configPath),
			zap.Error(fileErr),
		)
	}
	a.logger.Info("конфигурация загружена",
		zap.String("server_addr", a.config.Server.Addr()),
		zap.String("upstream", a.config.Upstream.BaseURL),
		zap.String("storage", a.config.Storage.Backend),
	)

	metrics.Register()

	// 3. Хранилище снимков для persist-кэшей
	ctx, cancel := context.WithTimeout(a.ctx, storeOpenTimeout)
	defer cancel()
	store, err := openStore(ctx, a.config.Storage, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}
	a.store = store

	// 4. Реестр кэшей и уборщик протухших записей
	clk := clock.New()
	a.registry = cache.NewRegistry(a.store, clk, logger.Named("cache"))
	for _, c := range a.config.Caches {
		a.registry.InitCache(c.Name, cache.Config{
			TTL:     c.TTL,
			MaxSize: c.MaxSize,
			Persist: c.Persist,
		})
	}
	a.registry.StartCleanupWorker(a.config.Cache.CleanupInterval)

	// 5. Бизнес-логика поверх внешнего API
	client := remote.NewClient(a.config.Upstream.BaseURL, a.config.Upstream.Timeout, logger.Named("remote"))
	a.usecase = usecases.NewCollectionUsecase(client, a.registry, clk, logger.Named("collections"), usecases.Options{
		Debounce:         a.config.Coordinator.Debounce,
		RefreshDelay:     a.config.Coordinator.RefreshDelay,
		MaxConcurrentOps: a.config.Coordinator.MaxInFlight,
	})

	// 6. HTTP сервер
	a.initializeServer()

	a.logger.Info("приложение готово к работе", zap.Strings("caches", a.registry.Names()))
	return nil
}

// initializeServer настраивает HTTP-роутинг и middleware.
func (a *App) initializeServer() {
	collectionHandler := handlers.NewCollectionHandler(a.usecase, a.registry, logger.Named("http"))

	r := chi.NewRouter()

	// Ограничитель скорости - чтобы нас не завалили запросами.
	rateLimiter := middleware.NewRateLimiter(a.config.RateLimit.RequestsPerMinute, a.config.RateLimit.Burst)

	// Служебные маршруты без middleware, чтобы отвечать максимально быстро.
	r.Get("/health", a.healthCheckHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Цепочка middleware: логирование, recovery, timeout, rate limit
	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(a.logger))
		r.Use(middleware.RecoveryMiddleware(a.logger))
		r.Use(middleware.TimeoutMiddleware(a.config.Server.RequestTimeout))
		r.Use(middleware.RateLimitMiddleware(rateLimiter, a.logger))

		collectionHandler.Register(r)
	})

	a.router = r
	a.server = &http.Server{
		Addr:         a.config.Server.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.config.Server.RequestTimeout + 5*time.Second, // PATCH ждет подтверждения
		IdleTimeout:  60 * time.Second,
	}
}

// healthCheckHandler отвечает на проверки "ты жив?".
// Если хранилище снимков умеет проверять связь - проверяем и его.
func (a *App) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"storage":   a.config.Storage.Backend,
	}
	status := http.StatusOK

	if checker, ok := a.store.(domain.HealthChecker); ok {
		if err := checker.CheckConnection(ctx); err != nil {
			status = http.StatusServiceUnavailable
			health["status"] = "unhealthy"
			health["error"] = err.Error()
		} else {
			health["database"] = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

// StartBackgroundJobs запускает фоновые процессы.
func (a *App) StartBackgroundJobs() {
	if _, ok := a.store.(domain.HealthChecker); ok {
		a.wg.Add(1)
		go a.periodicHealthCheck()
	}
}

// periodicHealthCheck пишет в лог состояние подключения к хранилищу.
func (a *App) periodicHealthCheck() {
	defer a.wg.Done()

	checker := a.store.(domain.HealthChecker)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("фоновая проверка здоровья остановлена")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
			if err := checker.CheckConnection(ctx); err != nil {
				a.logger.Warn("фоновая проверка: проблема с хранилищем", zap.Error(err))
			} else {
				a.logger.Debug("фоновая проверка: полёт нормальный")
			}
			cancel()
		}
	}
}

// Start запускает сервер; ошибки сервера приходят в Errors().
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("запуск HTTP сервера", zap.String("адрес", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("сервер упал с ошибкой", zap.Error(err))
			a.errs <- err
		}
	}()

	return nil
}

// Errors отдает фатальные ошибки HTTP сервера.
func (a *App) Errors() <-chan error {
	return a.errs
}

// Shutdown аккуратно останавливает приложение, дожидаясь текущих запросов.
func (a *App) Shutdown() error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		a.logger.Info("начинаем остановку приложения...")

		// 1. Сигнал всем фоновым задачам остановиться
		a.cancel()

		// 2. Останавливаем прием новых HTTP запросов
		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Error("ошибка при остановке сервера", zap.Error(err))
				shutdownErr = err
			}
			cancel()
		}

		// 3. Останавливаем координаторы и отложенные обновления
		if a.usecase != nil {
			a.usecase.Shutdown()
		}

		// 4. Останавливаем чистильщик кэша
		if a.registry != nil {
			a.registry.StopCleanupWorker()
		}

		// 5. Закрываем хранилище снимков
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Error("ошибка при закрытии хранилища", zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		// 6. Ждем, пока все горутины действительно завершатся
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info("все фоновые процессы завершены")
		case <-time.After(shutdownTimeout):
			a.logger.Warn("таймаут ожидания завершения процессов (принудительный выход)")
		}

		a.logger.Info("приложение остановлено")
		_ = a.logger.Sync()
	})

	return shutdownErr
}
