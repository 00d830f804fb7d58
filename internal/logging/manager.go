package logging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// LoggerManager управляет логгерами разных компонентов одной сессии
type LoggerManager struct {
	mu      sync.RWMutex
	opts    Options
	loggers map[string]*Logger
}

// NewLoggerManager создает менеджер с общими настройками вывода
func NewLoggerManager(opts Options) *LoggerManager {
	return &LoggerManager{
		opts:    opts,
		loggers: make(map[string]*Logger),
	}
}

// GetLogger возвращает логгер для компонента, создавая его при необходимости
func (lm *LoggerManager) GetLogger(component string) (*Logger, error) {
	lm.mu.RLock()
	if logger, exists := lm.loggers[component]; exists {
		lm.mu.RUnlock()
		return logger, nil
	}
	lm.mu.RUnlock()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	// Проверяем еще раз на случай гонки
	if logger, exists := lm.loggers[component]; exists {
		return logger, nil
	}

	logger, err := NewLogger(component, lm.opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать логгер для %s: %w", component, err)
	}

	lm.loggers[component] = logger
	return logger, nil
}

// MustGetLogger возвращает логгер или консольный fallback при ошибке
func (lm *LoggerManager) MustGetLogger(component string) *Logger {
	logger, err := lm.GetLogger(component)
	if err != nil {
		fallback := lm.opts
		fallback.Dir = ""
		logger, err = NewLogger(component, fallback)
		if err != nil {
			return Nop()
		}
	}
	return logger
}

// GetComponentLogger - короткий алиас для MustGetLogger
func (lm *LoggerManager) GetComponentLogger(component string) *Logger {
	return lm.MustGetLogger(component)
}

// CloseAll закрывает все логгеры и возвращает все ошибки закрытия
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for component, logger := range lm.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("логгер %s: %w", component, err))
		}
	}

	lm.loggers = make(map[string]*Logger)
	return errors.Join(errs...)
}

// ListComponents возвращает отсортированный список компонентов
func (lm *LoggerManager) ListComponents() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	components := make([]string, 0, len(lm.loggers))
	for component := range lm.loggers {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}
