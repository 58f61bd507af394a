package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu           sync.RWMutex
	once         sync.Once
)

// Init initializes the global logger. Only the first call builds it;
// later calls may still change the level.
func Init(lvl string, development bool) error {
	if err := SetLevel(lvl); err != nil {
		return err
	}

	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
		} else {
			config = zap.NewProductionConfig()
		}
		config.Level = level
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		var built *zap.Logger
		built, err = config.Build()
		if err != nil {
			return
		}

		mu.Lock()
		globalLogger = built
		mu.Unlock()
	})
	return err
}

// SetLevel changes the level of the global logger at runtime
func SetLevel(lvl string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(zapLevel)
	return nil
}

// Get returns the global logger instance
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger == nil {
		// Return a no-op logger if not initialized
		return zap.NewNop()
	}
	return globalLogger
}

// Named returns the global logger scoped to a component
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
